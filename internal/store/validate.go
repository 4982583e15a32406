package store

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/rotisserie/eris"

	"github.com/sells-group/paradas/internal/model"
)

var recordValidate = validator.New()

// validateRecord checks the content fields shared by create and update.
func validateRecord(rec *model.Record) error {
	if rec.RawLocation.IsZero() {
		return eris.Wrap(ErrValidation, "raw location is required")
	}
	if !rec.RawLocation.Valid() {
		return eris.Wrapf(ErrValidation, "raw location out of range: %v", rec.RawLocation)
	}
	if rec.InterpolatedLocation != nil && !rec.InterpolatedLocation.Valid() {
		return eris.Wrapf(ErrValidation, "interpolated location out of range: %v", *rec.InterpolatedLocation)
	}
	if rec.VisitedAt.IsZero() {
		return eris.Wrap(ErrValidation, "visited_at is required")
	}

	if err := recordValidate.Struct(rec); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Namespace(), fe.Tag()))
			}
			return eris.Wrap(ErrValidation, strings.Join(msgs, "; "))
		}
		return eris.Wrap(err, "store: validate record")
	}
	return nil
}
