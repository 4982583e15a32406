package geocode

import (
	"net/http/httptest"

	"golang.org/x/time/rate"
)

// newTestLimiter creates a rate limiter that effectively does not limit for tests.
func newTestLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

// newTestGeocoder builds a geocoder against srv without rate limiting.
func newTestGeocoder(srv *httptest.Server) *geocoder {
	g := NewClient(WithBaseURL(srv.URL), WithHTTPClient(srv.Client())).(*geocoder)
	g.limiter = newTestLimiter()
	return g
}
