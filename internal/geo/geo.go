// Package geo maps client addresses to a human-readable region using a
// MaxMind-format database.
package geo

import (
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oschwald/maxminddb-golang"
	"go.uber.org/zap"

	"github.com/fruitsalade/pantry/internal/logging"
)

// Unknown is returned for public addresses the database has no entry for.
const Unknown = "Unknown"

type record struct {
	City struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"city"`
	Subdivisions []struct {
		Names map[string]string `maxminddb:"names"`
	} `maxminddb:"subdivisions"`
	Country struct {
		ISOCode string            `maxminddb:"iso_code"`
		Names   map[string]string `maxminddb:"names"`
	} `maxminddb:"country"`
}

// Locator resolves IPs to regions. A nil *Locator resolves nothing.
type Locator struct {
	db *maxminddb.Reader
}

// Open loads the database at path. An empty path returns a nil locator.
func Open(path string) (*Locator, error) {
	if path == "" {
		return nil, nil
	}
	db, err := maxminddb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database: %w", err)
	}
	logging.Info("geoip database loaded", zap.String("path", path),
		zap.String("type", db.Metadata.DatabaseType))
	return &Locator{db: db}, nil
}

// Close releases the database.
func (l *Locator) Close() error {
	if l == nil {
		return nil
	}
	return l.db.Close()
}

// Region returns "City, Subdivision, Country" with empty parts omitted.
// Private and unparsable addresses yield "".
func (l *Locator) Region(addr string) string {
	if l == nil {
		return ""
	}
	ip := net.ParseIP(addr)
	if ip == nil || ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() {
		return ""
	}
	var rec record
	if err := l.db.Lookup(ip, &rec); err != nil {
		logging.Debug("geoip lookup failed", zap.String("ip", addr), logging.Err(err))
		return Unknown
	}
	var parts []string
	if n := rec.City.Names["en"]; n != "" {
		parts = append(parts, n)
	}
	if len(rec.Subdivisions) > 0 {
		if n := rec.Subdivisions[0].Names["en"]; n != "" {
			parts = append(parts, n)
		}
	}
	switch {
	case rec.Country.Names["en"] != "":
		parts = append(parts, rec.Country.Names["en"])
	case rec.Country.ISOCode != "":
		parts = append(parts, rec.Country.ISOCode)
	}
	if len(parts) == 0 {
		return Unknown
	}
	return strings.Join(parts, ", ")
}

// Proxies lists the networks whose forwarding headers are believed.
// The zero value trusts no one.
type Proxies []*net.IPNet

// ParseProxies accepts CIDRs and bare addresses.
func ParseProxies(entries []string) (Proxies, error) {
	var out Proxies
	for _, e := range entries {
		e = strings.TrimSpace(e)
		if !strings.Contains(e, "/") {
			ip := net.ParseIP(e)
			if ip == nil {
				return nil, fmt.Errorf("trusted proxy %q: not an address", e)
			}
			bits := 128
			if ip.To4() != nil {
				ip, bits = ip.To4(), 32
			}
			out = append(out, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(e)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", e, err)
		}
		out = append(out, n)
	}
	return out, nil
}

func (p Proxies) trusts(addr string) bool {
	ip := net.ParseIP(addr)
	if ip == nil {
		return false
	}
	for _, n := range p {
		if n.Contains(ip) {
			return true
		}
	}
	return false
}

// ClientIP returns the caller's address. Forwarding headers are only
// honored when the connection comes from a trusted proxy; X-Forwarded-For
// is read right to left up to the first hop that is not a proxy.
func (p Proxies) ClientIP(r *http.Request) string {
	remote, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		remote = r.RemoteAddr
	}
	if !p.trusts(remote) {
		return remote
	}
	if ip := strings.TrimSpace(r.Header.Get("CF-Connecting-IP")); ip != "" {
		return ip
	}
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		hops := strings.Split(xff, ",")
		for i := len(hops) - 1; i >= 0; i-- {
			hop := strings.TrimSpace(hops[i])
			if hop == "" {
				continue
			}
			if i == 0 || !p.trusts(hop) {
				return hop
			}
		}
	}
	if ip := strings.TrimSpace(r.Header.Get("X-Real-IP")); ip != "" {
		return ip
	}
	return remote
}
