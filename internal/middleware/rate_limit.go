package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/BradenHooton/loginguard/internal/auth"
	pkghttp "github.com/BradenHooton/loginguard/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitLayer is one fixed-window request limit
type RateLimitLayer struct {
	Name     string
	Requests int
	Window   time.Duration
}

// unmeteredPaths are health and metrics endpoints the global layer never counts
var unmeteredPaths = map[string]bool{
	"/health":  true,
	"/metrics": true,
}

// GlobalRateLimit limits every request by client IP, except health and metrics scrapes
func GlobalRateLimit(layer RateLimitLayer, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	limiter := RateLimitByIP(layer, ipConfig)
	return func(next http.Handler) http.Handler {
		limited := limiter(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if unmeteredPaths[strings.TrimSuffix(r.URL.Path, "/")] {
				next.ServeHTTP(w, r)
				return
			}
			limited.ServeHTTP(w, r)
		})
	}
}

// RateLimitByIP limits requests per client IP
func RateLimitByIP(layer RateLimitLayer, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		layer.Requests,
		layer.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			return layer.Name + ":ip:" + pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// RateLimitBySubject limits requests per service token subject, falling back to client IP
// when the request carries no claims. Must run after auth.BearerAuth.
func RateLimitBySubject(layer RateLimitLayer, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		layer.Requests,
		layer.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if claims := auth.GetClaimsFromContext(r); claims != nil && claims.Subject != "" {
				return layer.Name + ":sub:" + claims.Subject, nil
			}
			return layer.Name + ":ip:" + pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// maxPeekBytes bounds how much of a login event body the limiter reads
const maxPeekBytes = 4 << 10

// RateLimitByLoginIP limits login events per end user, keyed on the "ip" field of the
// JSON body. Host applications report many users from one address, so the caller's
// own IP is only used when the body carries no usable address.
func RateLimitByLoginIP(layer RateLimitLayer, ipConfig *pkghttp.IPConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		layer.Requests,
		layer.Window,
		httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
			if addr, ok := peekLoginIP(r); ok {
				return layer.Name + ":ip:" + addr.String(), nil
			}
			return layer.Name + ":peer:" + pkghttp.ExtractClientIP(r, ipConfig), nil
		}),
		httprate.WithLimitHandler(limitExceeded),
	)
}

// peekLoginIP reads the "ip" field from the request body and restores the body
// for the handler.
func peekLoginIP(r *http.Request) (netip.Addr, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return netip.Addr{}, false
	}

	buf, err := io.ReadAll(io.LimitReader(r.Body, maxPeekBytes))
	r.Body = struct {
		io.Reader
		io.Closer
	}{io.MultiReader(bytes.NewReader(buf), r.Body), r.Body}
	if err != nil {
		return netip.Addr{}, false
	}

	var event struct {
		IP string `json:"ip"`
	}
	if json.Unmarshal(buf, &event) != nil {
		return netip.Addr{}, false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(event.IP))
	if err != nil {
		return netip.Addr{}, false
	}
	return addr.Unmap().WithZone(""), true
}

func limitExceeded(w http.ResponseWriter, r *http.Request) {
	pkghttp.WriteTooManyRequests(w, "rate limit exceeded")
}
