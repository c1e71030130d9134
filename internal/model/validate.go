package model

import (
	"fmt"
	"strings"
	"sync"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
)

// observationSchema is the contract every saved observation must satisfy
// before it may enter the outbox.
const observationSchema = `
#Observation: {
	campaign_id:          string & !=""
	asset_code:           string & !=""
	status:               "confirmed" | "discrepant" | "not_found" | "unlabeled"
	found_location_unit?: string
	found_location_room?: string
	detail?:              string
	notes?:               string
}
`

var statusValues = []string{
	string(StatusConfirmed),
	string(StatusDiscrepant),
	string(StatusNotFound),
	string(StatusUnlabeled),
}

// Validator checks ObservationInput against the CUE schema.
//
// CUE values are not safe for concurrent use, so Validate serializes calls.
type Validator struct {
	mu  sync.Mutex
	ctx *cue.Context
	def cue.Value
}

// NewValidator compiles the observation schema.
func NewValidator() (*Validator, error) {
	ctx := cuecontext.New()
	schema := ctx.CompileString(observationSchema)
	if err := schema.Err(); err != nil {
		return nil, fmt.Errorf("compile observation schema: %w", err)
	}
	def := schema.LookupPath(cue.ParsePath("#Observation"))
	if !def.Exists() {
		return nil, fmt.Errorf("compile observation schema: #Observation not defined")
	}
	return &Validator{ctx: ctx, def: def}, nil
}

// Validate returns a *ValidationError naming the first offending field, or nil.
func (v *Validator) Validate(in ObservationInput) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	val := v.ctx.Encode(in)
	if err := val.Err(); err != nil {
		return NewValidationError("", err.Error())
	}

	unified := v.def.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return toValidationError(err)
	}
	return nil
}

// toValidationError converts the first CUE error into a ValidationError.
func toValidationError(err error) *ValidationError {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return NewValidationError("", err.Error())
	}

	first := errs[0]
	field := ""
	if path := first.Path(); len(path) > 0 {
		field = path[len(path)-1]
	}

	// Disjunction failures read poorly; name the allowed values instead.
	if field == "status" {
		return NewValidationError(field, "must be one of "+strings.Join(statusValues, ", "))
	}

	format, args := first.Msg()
	return NewValidationError(field, fmt.Sprintf(format, args...))
}
