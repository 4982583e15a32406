// Package geocode turns survey coordinates into a human-readable street
// address using a Nominatim-compatible reverse geocoding service.
package geocode

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DefaultBaseURL is the public OpenStreetMap Nominatim instance.
const DefaultBaseURL = "https://nominatim.openstreetmap.org"

// Unavailable is stored as the address when reverse geocoding fails.
const Unavailable = "address unavailable"

// Client resolves coordinates to addresses.
type Client interface {
	// Reverse returns the address nearest to lat/lng.
	Reverse(ctx context.Context, lat, lng float64) (*Address, error)
}

// Option configures the geocoder.
type Option func(*geocoder)

// WithBaseURL points the client at another Nominatim instance.
func WithBaseURL(u string) Option {
	return func(g *geocoder) {
		g.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(g *geocoder) {
		g.httpClient = hc
	}
}

// WithRateLimit sets the requests-per-second limit. The public Nominatim
// usage policy allows at most one request per second.
func WithRateLimit(rps float64) Option {
	return func(g *geocoder) {
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithUserAgent sets the User-Agent header Nominatim requires.
func WithUserAgent(ua string) Option {
	return func(g *geocoder) {
		g.userAgent = ua
	}
}

// WithLanguage sets the Accept-Language header for localized names.
func WithLanguage(lang string) Option {
	return func(g *geocoder) {
		g.language = lang
	}
}

type geocoder struct {
	baseURL    string
	userAgent  string
	language   string
	httpClient *http.Client
	limiter    *rate.Limiter

	mu    sync.Mutex
	cache map[string]*Address
}

// NewClient creates a new reverse geocoding Client with the given options.
func NewClient(opts ...Option) Client {
	g := &geocoder{
		baseURL:    DefaultBaseURL,
		userAgent:  "paradas-survey/1.0",
		language:   "pt-BR",
		httpClient: &http.Client{Timeout: 10 * time.Second},
		limiter:    rate.NewLimiter(1, 1),
		cache:      make(map[string]*Address),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Describe returns the formatted address for lat/lng, or Unavailable when
// the lookup fails or yields nothing. Survey capture never fails on it.
func Describe(ctx context.Context, c Client, lat, lng float64) string {
	addr, err := c.Reverse(ctx, lat, lng)
	if err != nil || addr == nil {
		return Unavailable
	}
	if s := addr.Format(); s != "" {
		return s
	}
	return Unavailable
}
