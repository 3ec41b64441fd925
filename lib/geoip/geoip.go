// Package geoip resolves an IP address to an ISO 3166-1 alpha-2 country
// code from a local MaxMind GeoLite2-Country database, used by both the
// Authenticator's post-credential check and the Egress Authorizer's
// country gate.
package geoip

import (
	"net"

	"github.com/gravitational/trace"
	"github.com/oschwald/maxminddb-golang"
)

type countryRecord struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// DB wraps an open MaxMind database file.
type DB struct {
	reader *maxminddb.Reader
}

// Open loads a GeoLite2-Country (or compatible) database from path.
func Open(path string) (*DB, error) {
	reader, err := maxminddb.Open(path)
	if err != nil {
		return nil, trace.Wrap(err, "opening geoip database %q", path)
	}
	return &DB{reader: reader}, nil
}

// Country returns the ISO country code for ip, or "" if the database
// has no entry (this is not an error: public IPs not in GeoLite2's
// free tier simply come back unknown).
func (db *DB) Country(ip net.IP) (string, error) {
	var rec countryRecord
	if err := db.reader.Lookup(ip, &rec); err != nil {
		return "", trace.Wrap(err)
	}
	return rec.Country.ISOCode, nil
}

// Close releases the underlying memory-mapped database file.
func (db *DB) Close() error {
	return trace.Wrap(db.reader.Close())
}
