// Package alert validates raw broker records into typed alerts.
//
// Top-level fields are checked strictly: a missing, mistyped or out-of-range value rejects the
// record. Embedded history is checked leniently: malformed entries are dropped and counted.
// Fields the schema does not know are kept in an ordered sidecar and written back on marshal.
package alert

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"alertlake/internal/errs"
)

// Raw is one decoded broker record.
type Raw map[string]any

// Alert is one validated detection event.
type Alert struct {
	ObjectID      string              `json:"objectId" validate:"required,min=3"`
	CandID        *int64              `json:"candid,omitempty"`
	RA            float64             `json:"ra" validate:"gte=0,lt=360"`
	Dec           float64             `json:"dec" validate:"gte=-90,lte=90"`
	MagPSF        float64             `json:"magpsf"`
	SigmaPSF      float64             `json:"sigmapsf" validate:"gte=0"`
	FID           int                 `json:"fid" validate:"oneof=1 2 3"`
	JD            float64             `json:"jd" validate:"gt=2400000"`
	DiffMagLim    *float64            `json:"diffmaglim,omitempty"`
	RB            *float64            `json:"rb,omitempty" validate:"omitempty,gte=0,lte=1"`
	DRB           *float64            `json:"drb,omitempty" validate:"omitempty,gte=0,lte=1"`
	PrvCandidates []PreviousCandidate `json:"prv_candidates,omitempty"`
	FinkClass     *string             `json:"v:fink_class,omitempty"`
	CDSXMatch     *string             `json:"d:cdsxmatch,omitempty"`

	extras         Extras
	historyDropped int
}

var alertFields = map[string]struct{}{
	"objectId": {}, "candid": {}, "ra": {}, "dec": {}, "magpsf": {}, "sigmapsf": {}, "fid": {},
	"jd": {}, "diffmaglim": {}, "rb": {}, "drb": {}, "prv_candidates": {},
	"v:fink_class": {}, "d:cdsxmatch": {},
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Parse validates raw into an Alert. Failures are *errs.Error of kind validation
// carrying "field" and, when it can be read, "object_id".
func Parse(raw Raw) (Alert, error) {
	objectID, _ := raw["objectId"].(string)
	r := fieldReader{raw: raw}
	a := Alert{
		ObjectID:   r.requiredString("objectId"),
		CandID:     r.optionalInt("candid"),
		RA:         r.requiredFloat("ra"),
		Dec:        r.requiredFloat("dec"),
		MagPSF:     r.requiredFloat("magpsf"),
		SigmaPSF:   r.requiredFloat("sigmapsf"),
		FID:        int(r.requiredInt("fid")),
		JD:         r.requiredFloat("jd"),
		DiffMagLim: r.optionalFloat("diffmaglim"),
		RB:         r.optionalFloat("rb"),
		DRB:        r.optionalFloat("drb"),
		FinkClass:  r.optionalString("v:fink_class"),
		CDSXMatch:  r.optionalString("d:cdsxmatch"),
	}
	if r.failed() {
		return Alert{}, validationError(objectID, r.field, r.msg)
	}
	if err := validate.Struct(a); err != nil {
		var v *violation
		if errors.As(describeViolation(err), &v) {
			return Alert{}, validationError(objectID, v.field, v.Error())
		}
		return Alert{}, validationError(objectID, "", err.Error())
	}
	if h, ok := raw["prv_candidates"]; ok && h != nil {
		a.PrvCandidates, a.historyDropped = parseHistory(h)
	}
	a.extras = extrasFrom(raw, alertFields)
	return a, nil
}

func validationError(objectID, field, msg string) *errs.Error {
	e := errs.New(errs.KindValidation, msg)
	if field != "" {
		e.WithDetail("field", field)
	}
	if objectID != "" {
		e.WithDetail("object_id", objectID)
	}
	return e
}

type violation struct {
	field string
	rule  string
	param string
	value any
}

func (v *violation) Error() string {
	if v.param == "" {
		return fmt.Sprintf("field %q failed rule %q (got %v)", v.field, v.rule, v.value)
	}
	return fmt.Sprintf("field %q failed rule %q %s (got %v)", v.field, v.rule, v.param, v.value)
}

// describeViolation reduces validator output to the first failing field.
func describeViolation(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	return &violation{field: fe.Field(), rule: fe.Tag(), param: fe.Param(), value: fe.Value()}
}

func (a Alert) MJD() float64 { return a.JD - MJDOffset }

func (a Alert) Filter() Filter { return Filter(a.FID) }

func (a Alert) FilterName() string { return a.Filter().Name() }

func (a Alert) Classification() Classification {
	if a.FinkClass == nil {
		return ClassUnknown
	}
	return ParseClassification(*a.FinkClass)
}

// HistoryDropped is the number of embedded history entries discarded as malformed.
func (a Alert) HistoryDropped() int { return a.historyDropped }

func (a Alert) Extras() Extras { return a.extras }

// MarshalJSON writes the known fields followed by the extra fields in key order.
func (a Alert) MarshalJSON() ([]byte, error) {
	type plain Alert
	b, err := json.Marshal(plain(a))
	if err != nil {
		return nil, err
	}
	return appendExtras(b, a.extras)
}
