package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"unicode"

	"github.com/rotisserie/eris"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// RemotePoint is a stop already registered in the remote service.
type RemotePoint struct {
	ID        json.Number `json:"id"`
	Latitude  float64     `json:"latitude"`
	Longitude float64     `json:"longitude"`
	Address   string      `json:"endereco,omitempty"`
	Bacia     string      `json:"bacia,omitempty"`
	RA        string      `json:"ra,omitempty"`
	Code      string      `json:"codigo,omitempty"`
}

// PointFilter selects remote points by administrative region (RA) or by
// bacia. At most one may be set; both empty lists every point.
type PointFilter struct {
	RA    string
	Bacia string
}

// RegionNames are the administrative regions (RAs) of the Federal District
// as the remote service spells them.
var RegionNames = []string{
	"ÁGUAS CLARAS", "BRASÍLIA", "BRAZLÂNDIA", "CANDANGOLÂNDIA", "CEILÂNDIA", "CRUZEIRO",
	"GAMA", "GUARÁ", "ITAPOÃ", "JARDIM BOTÂNICO", "LAGO NORTE", "LAGO SUL",
	"NÚCLEO BANDEIRANTE", "PARANOÁ", "PARK WAY", "PLANALTINA", "RECANTO DAS EMAS",
	"RIACHO FUNDO", "RIACHO FUNDO II", "SAMAMBAIA", "SANTA MARIA", "SÃO SEBASTIÃO",
	"SCIA", "SIA", "SOBRADINHO", "SOBRADINHO II", "SUDOESTE/OCTOGONAL", "TAGUATINGA",
	"VARJÃO", "VICENTE PIRES",
}

// BaciaNames are the operating basins of the transit system.
var BaciaNames = []string{
	"Sem Bacia", "Norte", "Sudeste", "Sudoeste", "Centro-Oeste", "Noroeste",
}

// ErrUnknownName is returned for an RA or bacia that matches no known name.
var ErrUnknownName = eris.New("remote: unknown region name")

// foldKey lowercases s and strips diacritics so "aguas claras" matches
// "ÁGUAS CLARAS".
func foldKey(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.ToLower(strings.Join(strings.Fields(folded), " "))
}

// CanonicalName returns the entry of names that matches input ignoring
// case, accents and repeated spaces.
func CanonicalName(input string, names []string) (string, error) {
	key := foldKey(input)
	for _, n := range names {
		if foldKey(n) == key {
			return n, nil
		}
	}
	return "", eris.Wrapf(ErrUnknownName, "%q", input)
}

// ListPoints lists remote points, optionally filtered by RA or bacia.
func (c *httpClient) ListPoints(ctx context.Context, filter PointFilter) ([]RemotePoint, error) {
	path := "/pontos/novos/pontos"
	switch {
	case filter.RA != "" && filter.Bacia != "":
		return nil, eris.New("remote: list points: filter by RA or bacia, not both")
	case filter.RA != "":
		ra, err := CanonicalName(filter.RA, RegionNames)
		if err != nil {
			return nil, err
		}
		path += "/ras/" + url.PathEscape(ra)
	case filter.Bacia != "":
		bacia, err := CanonicalName(filter.Bacia, BaciaNames)
		if err != nil {
			return nil, err
		}
		path += "/bacias/" + url.PathEscape(bacia)
	}

	data, err := c.do(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, err
	}

	var points []RemotePoint
	if err := json.Unmarshal(data, &points); err != nil {
		return nil, eris.Wrapf(ErrMalformedResponse, "list points: %v", err)
	}
	return points, nil
}
