package middleware

import (
	"fmt"
	"net/http"
	"net/netip"
	"strings"

	"github.com/oschwald/geoip2-golang/v2"
	"go.uber.org/zap"

	"xhssign/internal/store"
	"xhssign/internal/types"
)

// CountryResolver maps an address to its ISO 3166-1 country code.
type CountryResolver interface {
	Country(ip netip.Addr) (string, error)
}

// GeoIP resolves countries from a MaxMind City database.
type GeoIP struct {
	db *geoip2.Reader
}

func OpenGeoIP(path string) (*GeoIP, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open geoip database %s: %w", path, err)
	}
	return &GeoIP{db: db}, nil
}

func (g *GeoIP) Country(ip netip.Addr) (string, error) {
	record, err := g.db.City(ip)
	if err != nil {
		return "", err
	}
	return record.Country.ISOCode, nil
}

func (g *GeoIP) Close() error { return g.db.Close() }

// GeoPolicy rejects clients located in one of the banned countries. Lookups
// that fail let the request through.
func GeoPolicy(resolver CountryResolver, banned []string, trustForwarded bool, logger *zap.Logger) func(http.Handler) http.Handler {
	deny := make(map[string]bool, len(banned))
	for _, c := range banned {
		deny[strings.ToUpper(strings.TrimSpace(c))] = true
	}
	return func(next http.Handler) http.Handler {
		if resolver == nil || len(deny) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			clientIP := ClientIP(r, trustForwarded)
			addr, err := netip.ParseAddr(clientIP)
			if err != nil {
				logger.Debug("Invalid client IP, skipping geo check", zap.String("ip", clientIP))
				next.ServeHTTP(w, r)
				return
			}
			country, err := resolver.Country(addr)
			if err != nil {
				logger.Debug("GeoIP lookup failed", zap.String("ip", clientIP), zap.Error(err))
				next.ServeHTTP(w, r)
				return
			}
			if deny[country] {
				logger.Warn("Request from banned location",
					zap.String("ip", clientIP),
					zap.String("country", country),
					zap.String("request_id", RequestIDFromContext(r.Context())))
				writeJSON(w, http.StatusForbidden, types.ErrorResponse{Error: "Access denied", ErrorType: "Forbidden"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// ClientIP returns the caller's address. X-Forwarded-For is honoured only when
// the service runs behind a trusted proxy.
func ClientIP(r *http.Request, trustForwarded bool) string {
	if trustForwarded {
		if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
			ip, _, _ := strings.Cut(forwarded, ",")
			if ip = strings.TrimSpace(ip); ip != "" {
				return ip
			}
		}
	}
	ip := store.NormalizeIP(r.RemoteAddr)
	if ip == "" {
		return "unknown"
	}
	return ip
}
