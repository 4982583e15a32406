package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/rotisserie/eris"
)

// Payload is the wire form of a survey record.
type Payload struct {
	LocalID            string           `json:"idLocal"`
	SurveyorID         string           `json:"idUsuario"`
	Address            string           `json:"endereco"`
	Latitude           float64          `json:"latitude"`
	Longitude          float64          `json:"longitude"`
	InterpolatedLat    *float64         `json:"latitudeInterpolado"`
	InterpolatedLng    *float64         `json:"longitudeInterpolado"`
	SchoolLines        bool             `json:"linhaEscolares"`
	STPCLines          bool             `json:"linhaStpc"`
	Bay                bool             `json:"baia"`
	Ramp               bool             `json:"rampa"`
	TactileFloor       bool             `json:"pisoTatil"`
	Pathology          bool             `json:"patologia"`
	VisitedAt          string           `json:"dataVisita"`
	Shelters           []ShelterPayload `json:"abrigos"`
	PhotoRefs          []string         `json:"imgBlobPaths"`
	PathologyPhotoRefs []string         `json:"imagensPatologiaPaths"`
}

// ShelterPayload is the wire form of one shelter.
type ShelterPayload struct {
	TypeID             *int     `json:"idTipoAbrigo"`
	HasPathology       bool     `json:"temPatologia"`
	PhotoRefs          []string `json:"imgBlobPaths"`
	PathologyPhotoRefs []string `json:"imagensPatologiaPaths"`
}

type upsertResponse struct {
	ID json.RawMessage `json:"id"`
}

// Upsert posts the record with its local id as Idempotency-Key.
func (c *httpClient) Upsert(ctx context.Context, p Payload) (string, error) {
	if p.LocalID == "" {
		return "", eris.New("remote: upsert: empty local id")
	}

	header := http.Header{}
	header.Set("Idempotency-Key", p.LocalID)

	data, err := c.do(ctx, http.MethodPost, "/pontos", p, header)
	if err != nil {
		return "", err
	}

	var resp upsertResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return "", eris.Wrapf(ErrMalformedResponse, "upsert %s: %v", p.LocalID, err)
	}
	id, err := parseRemoteID(resp.ID)
	if err != nil {
		return "", eris.Wrapf(ErrMalformedResponse, "upsert %s: %v", p.LocalID, err)
	}
	return id, nil
}

// parseRemoteID accepts the id as a JSON string or number.
func parseRemoteID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", eris.New("missing id")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return "", eris.New("empty id")
		}
		return s, nil
	}

	var n json.Number
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&n); err != nil {
		return "", eris.Wrap(err, "id is neither string nor number")
	}
	if i, err := n.Int64(); err == nil {
		return strconv.FormatInt(i, 10), nil
	}
	return n.String(), nil
}
