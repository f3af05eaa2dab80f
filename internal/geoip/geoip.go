// Package geoip resolves client IPs to a coarse location for download
// analytics. A missing or unreadable MaxMind database disables lookups
// instead of failing startup.
package geoip

import (
	"log/slog"
	"net"
	"strings"

	"github.com/oschwald/maxminddb-golang"
)

type Resolver struct {
	db *maxminddb.Reader
}

type record struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
}

func New(dbPath string) (*Resolver, error) {
	if dbPath == "" {
		return &Resolver{}, nil
	}
	db, err := maxminddb.Open(dbPath)
	if err != nil {
		slog.Warn("geoip: could not open database, lookups disabled", "path", dbPath, "error", err)
		return &Resolver{}, nil
	}
	slog.Info("geoip: database loaded", "path", dbPath)
	return &Resolver{db: db}, nil
}

// Enabled reports whether a database was loaded.
func (r *Resolver) Enabled() bool {
	return r.db != nil
}

// Lookup returns the ISO country code and English city name for an address.
// Unknown or unparsable addresses yield empty strings. The address may carry
// a port suffix.
func (r *Resolver) Lookup(addr string) (country, city string) {
	if r.db == nil || addr == "" {
		return "", ""
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip := net.ParseIP(strings.TrimSpace(addr))
	if ip == nil {
		return "", ""
	}
	var rec record
	if err := r.db.Lookup(ip, &rec); err != nil {
		return "", ""
	}
	return rec.Country.ISOCode, rec.City.Names["en"]
}

func (r *Resolver) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}
