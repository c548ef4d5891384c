// Package config loads console.yaml, the console defaults kept in the data
// directory.
//
// A missing file is created with the defaults. Fields present in the file
// override the defaults one by one; map entries are added to the default
// maps.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/maruel/reconsole/internal/apiclient"
	"github.com/maruel/reconsole/internal/grid"
	"github.com/maruel/reconsole/internal/server"
	"github.com/maruel/reconsole/internal/server/ratelimit"
	"gopkg.in/yaml.v3"
)

// FileName is the name of the configuration file in the data directory.
const FileName = "console.yaml"

// Toolbar toggles known by the console.
const (
	ToolbarFilter = "filter"
	ToolbarSearch = "search"
	ToolbarLength = "length"
	ToolbarTags   = "tags"
)

// Client configures the API client used by the CLI.
type Client struct {
	// Rate is the sustained number of requests per second. Negative disables
	// throttling.
	Rate    float64       `yaml:"rate"`
	Burst   int           `yaml:"burst"`
	Timeout time.Duration `yaml:"timeout"`
}

// Options returns the client options.
func (c *Client) Options() apiclient.Options {
	return apiclient.Options{Rate: c.Rate, Burst: c.Burst, Timeout: c.Timeout}
}

// Server configures the reference backend.
type Server struct {
	RateLimits          ratelimit.Limits `yaml:"rate_limits"`
	MaxRequestBodyBytes int64            `yaml:"max_request_body_bytes"`
	ReportUnchanged     bool             `yaml:"report_unchanged"`
}

// RouterConfig returns the router configuration. The caller owns the
// returned rate limit tiers.
func (s *Server) RouterConfig() server.Config {
	return server.Config{
		MaxRequestBodyBytes: s.MaxRequestBodyBytes,
		ReportUnchanged:     s.ReportUnchanged,
		Limits:              ratelimit.NewConfig(s.RateLimits),
	}
}

// Console is the content of console.yaml.
type Console struct {
	// Grid holds the defaults of every grid.
	Grid grid.Options `yaml:"grid"`
	// TagColors maps a tag to its display colour.
	TagColors map[string]string `yaml:"tag_colors"`
	// Toolbar lists which toolbar elements are shown.
	Toolbar map[string]bool `yaml:"toolbar"`
	Client  Client          `yaml:"client"`
	Server  Server          `yaml:"server"`
}

// Default returns the built-in configuration.
func Default() *Console {
	return &Console{
		Grid: grid.DefaultOptions(),
		TagColors: map[string]string{
			"ignore": "#9e9e9e",
			"report": "#d32f2f",
			"todo":   "#f9a825",
		},
		Toolbar: map[string]bool{
			ToolbarFilter: true,
			ToolbarSearch: true,
			ToolbarLength: true,
			ToolbarTags:   true,
		},
		Client: Client{Rate: apiclient.DefaultRate, Burst: apiclient.DefaultBurst, Timeout: apiclient.DefaultTimeout},
		Server: Server{
			RateLimits:          ratelimit.DefaultLimits,
			MaxRequestBodyBytes: server.DefaultMaxRequestBodyBytes,
		},
	}
}

var colorRe = regexp.MustCompile(`^#([0-9a-fA-F]{3}|[0-9a-fA-F]{6})$`)

// Validate checks the configuration.
func (c *Console) Validate() error {
	if err := c.Grid.Validate(nil); err != nil {
		return fmt.Errorf("grid: %w", err)
	}
	for tag, color := range c.TagColors {
		if strings.TrimSpace(tag) == "" {
			return errors.New("tag_colors: empty tag")
		}
		if !colorRe.MatchString(color) {
			return fmt.Errorf("tag_colors: %q: invalid colour %q", tag, color)
		}
	}
	for name := range c.Toolbar {
		switch name {
		case ToolbarFilter, ToolbarSearch, ToolbarLength, ToolbarTags:
		default:
			return fmt.Errorf("toolbar: unknown element %q", name)
		}
	}
	if c.Client.Burst < 0 {
		return errors.New("client: burst must be non-negative")
	}
	if c.Client.Timeout < 0 {
		return errors.New("client: timeout must be non-negative")
	}
	if err := c.Server.RateLimits.Validate(); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Server.MaxRequestBodyBytes < 0 {
		return errors.New("server: max_request_body_bytes must be non-negative")
	}
	return nil
}

// Parse decodes data over the defaults and validates the result.
func Parse(data []byte) (*Console, error) {
	c := Default()
	if err := yaml.Unmarshal(data, c); err != nil {
		return nil, fmt.Errorf("failed to parse %s: %w", FileName, err)
	}
	// Tags are matched lower-cased like the server stores them.
	colors := make(map[string]string, len(c.TagColors))
	for tag, color := range c.TagColors {
		colors[strings.ToLower(strings.TrimSpace(tag))] = color
	}
	c.TagColors = colors
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", FileName, err)
	}
	return c, nil
}

// Load reads dataDir/console.yaml. The file is created with the defaults
// when it does not exist.
func Load(dataDir string) (*Console, error) {
	path := filepath.Join(dataDir, FileName)
	data, err := os.ReadFile(path) //nolint:gosec // G304: path is constructed from dataDir, not user input
	if errors.Is(err, os.ErrNotExist) {
		c := Default()
		if err := c.Save(dataDir); err != nil {
			return nil, err
		}
		return c, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", FileName, err)
	}
	return Parse(data)
}

// Save writes the configuration to dataDir/console.yaml.
func (c *Console) Save(dataDir string) error {
	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dataDir, FileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", FileName, err)
	}
	return nil
}
