// Defines the read and write tiers of the recon API.

package ratelimit

import (
	"errors"
	"net/http"
	"strings"
	"time"
)

// Scope defines how rate limit keys are determined.
type Scope int

const (
	// ScopeIP keys buckets by client IP address.
	ScopeIP Scope = iota
	// ScopeGlobal shares one bucket among all clients.
	ScopeGlobal
)

// Tier is a named limiter with its scope.
type Tier struct {
	Name    string
	Limiter *Limiter
	Scope   Scope
}

// Limits are requests per minute. Zero disables the tier.
type Limits struct {
	ReadPerMinute  int `json:"read_per_minute" yaml:"read_per_minute"`
	WritePerMinute int `json:"write_per_minute" yaml:"write_per_minute"`
}

// Validate checks that limits are non-negative.
func (l *Limits) Validate() error {
	if l.ReadPerMinute < 0 {
		return errors.New("read_per_minute must be non-negative")
	}
	if l.WritePerMinute < 0 {
		return errors.New("write_per_minute must be non-negative")
	}
	return nil
}

// DefaultLimits are generous enough for a grid paging through a large
// view and a reviewer tagging rows one by one.
var DefaultLimits = Limits{ReadPerMinute: 6000, WritePerMinute: 600}

// Config holds the tiers of the API.
type Config struct {
	// Read covers list and schema requests.
	Read *Tier
	// Write covers tag and comment mutations.
	Write *Tier
}

// NewConfig creates the tiers for l. Reads are limited per client, writes
// share one bucket since they all serialize on the store.
func NewConfig(l Limits) *Config {
	c := &Config{}
	if l.ReadPerMinute > 0 {
		c.Read = &Tier{Name: "read", Limiter: NewLimiter(l.ReadPerMinute, time.Minute, max(l.ReadPerMinute/6, 1)), Scope: ScopeIP}
	}
	if l.WritePerMinute > 0 {
		c.Write = &Tier{Name: "write", Limiter: NewLimiter(l.WritePerMinute, time.Minute, max(l.WritePerMinute/6, 1)), Scope: ScopeGlobal}
	}
	return c
}

// Match returns the tier of a request, or nil when it is not limited.
func (c *Config) Match(method, path string) *Tier {
	if path == "/api/health" {
		return nil
	}
	switch method {
	case http.MethodGet:
		return c.Read
	case http.MethodPost:
		// Listing is a read even though it uses POST.
		if strings.HasSuffix(path, "/list") {
			return c.Read
		}
		return c.Write
	}
	return nil
}

// Close stops all limiter cleanup goroutines.
func (c *Config) Close() {
	for _, t := range []*Tier{c.Read, c.Write} {
		if t != nil {
			t.Limiter.Close()
		}
	}
}
