// Package ipgeo tags recon targets with a country using MaxMind MMDB files.
package ipgeo

import (
	"net/netip"

	"github.com/oschwald/maxminddb-golang/v2"
)

// Codes returned for addresses that have no meaningful country.
const (
	// Local is returned for loopback, private, link-local and unspecified
	// addresses.
	Local = "local"
	// CGNAT is returned for the shared address space 100.64.0.0/10.
	CGNAT = "cgnat"
)

// Checker resolves IP addresses to ISO 3166-1 alpha-2 country codes. The
// zero value classifies non-public addresses and returns "" for the rest.
type Checker struct {
	reader *maxminddb.Reader
}

// Open opens an MMDB file for country lookups. An empty path returns a
// Checker without a database.
func Open(dbPath string) (*Checker, error) {
	if dbPath == "" {
		return &Checker{}, nil
	}
	r, err := maxminddb.Open(dbPath)
	if err != nil {
		return nil, err
	}
	return &Checker{reader: r}, nil
}

// Close releases the MMDB reader resources.
func (c *Checker) Close() error {
	if c.reader == nil {
		return nil
	}
	return c.reader.Close()
}

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

var cgnatPrefix = netip.MustParsePrefix("100.64.0.0/10")

// Classify returns Local or CGNAT for non-public addresses and "" otherwise.
func Classify(addr netip.Addr) string {
	addr = addr.Unmap()
	if addr.IsLoopback() || addr.IsPrivate() || addr.IsUnspecified() || addr.IsLinkLocalUnicast() {
		return Local
	}
	if cgnatPrefix.Contains(addr) {
		return CGNAT
	}
	return ""
}

// CountryCode returns the country code of ipStr, Local or CGNAT for
// non-public addresses, and "" when it cannot be determined.
func (c *Checker) CountryCode(ipStr string) string {
	addr, err := netip.ParseAddr(ipStr)
	if err != nil {
		return ""
	}
	if cc := Classify(addr); cc != "" {
		return cc
	}
	if c.reader == nil {
		return ""
	}
	var rec countryRecord
	if err := c.reader.Lookup(addr.Unmap()).Decode(&rec); err != nil {
		return ""
	}
	return rec.Country.ISOCode
}
