package geocode

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

// Address holds the parts of a reverse geocoding result used by surveys.
type Address struct {
	Road          string `json:"road"`
	HouseNumber   string `json:"house_number"`
	Neighbourhood string `json:"neighbourhood"`
	Suburb        string `json:"suburb"`
	City          string `json:"city"`
	Town          string `json:"town"`
	Village       string `json:"village"`
	State         string `json:"state"`
	Postcode      string `json:"postcode"`
	DisplayName   string `json:"-"`
}

// Format renders "road, neighbourhood, city" with empty parts dropped.
// Suburb stands in for a missing neighbourhood and town or village for a
// missing city.
func (a *Address) Format() string {
	parts := []string{
		a.Road,
		firstNonEmpty(a.Neighbourhood, a.Suburb),
		firstNonEmpty(a.City, a.Town, a.Village),
	}
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

type nominatimResponse struct {
	DisplayName string  `json:"display_name"`
	Address     Address `json:"address"`
	Error       string  `json:"error"`
}

// Reverse queries /reverse?format=jsonv2. Results are cached per ~1 m cell
// so re-opening the same stop does not spend the rate budget again.
func (g *geocoder) Reverse(ctx context.Context, lat, lng float64) (*Address, error) {
	key := cacheKey(lat, lng)
	if addr, ok := g.cached(key); ok {
		return addr, nil
	}

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "geocode: rate limit")
	}

	params := url.Values{
		"format": {"jsonv2"},
		"lat":    {strconv.FormatFloat(lat, 'f', 6, 64)},
		"lon":    {strconv.FormatFloat(lng, 'f', 6, 64)},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/reverse?"+params.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: build request")
	}
	req.Header.Set("User-Agent", g.userAgent)
	req.Header.Set("Accept", "application/json")
	if g.language != "" {
		req.Header.Set("Accept-Language", g.language)
	}

	resp, err := g.httpClient.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "geocode: request")
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("geocode: nominatim returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, eris.Wrap(err, "geocode: read body")
	}

	var nr nominatimResponse
	if err := json.Unmarshal(body, &nr); err != nil {
		return nil, eris.Wrap(err, "geocode: parse response")
	}
	if nr.Error != "" {
		zap.L().Debug("geocode: no result",
			zap.Float64("lat", lat),
			zap.Float64("lng", lng),
			zap.String("error", nr.Error),
		)
		return nil, eris.Errorf("geocode: %s", nr.Error)
	}

	addr := nr.Address
	addr.DisplayName = nr.DisplayName
	g.store(key, &addr)
	return &addr, nil
}
