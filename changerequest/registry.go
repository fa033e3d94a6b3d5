/*
registry.go - Kind to payload schema mapping

PURPOSE:
  Each change request kind carries a different payload. The Registry maps a
  Kind to the Validator that checks and normalizes its Properties. The
  Workflow receives a Registry at construction; there is no global list of
  requestable kinds.

SCHEMAS:
  Schema[T] decodes Properties into a tagged struct, runs
  go-playground/validator over it, and re-encodes the struct. Fields not
  declared on T are dropped silently rather than rejected.

  Decoding is per field, so a value of the wrong shape is reported on its
  own key next to any other field that fails validation.

  PurchaseCancelRequest:               purchase_id, resource_ids (optional)
  ConsumptionRevisionRequest:          store_type, price, applied_on
  PurchaseHardCurrencyRevisionRequest: master_currency_id, store_type, price

  Prices are non-negative, below 10^12, with at most 4 decimal places.
*/
package changerequest

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// Validator checks a payload and returns the normalized copy to persist.
type Validator interface {
	Normalize(props Properties) (Properties, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(props Properties) (Properties, error)

func (f ValidatorFunc) Normalize(props Properties) (Properties, error) {
	return f(props)
}

// =============================================================================
// REGISTRY
// =============================================================================

type Registry struct {
	mu         sync.RWMutex
	validators map[Kind]Validator
}

func NewRegistry() *Registry {
	return &Registry{validators: make(map[Kind]Validator)}
}

// DefaultRegistry returns a new registry holding the built-in kinds.
func DefaultRegistry() *Registry {
	r := NewRegistry()
	r.Register(KindPurchaseCancel, Schema[PurchaseCancelPayload]())
	r.Register(KindConsumptionRevision, Schema[ConsumptionRevisionPayload]())
	r.Register(KindPurchaseHardCurrencyRevision, Schema[PurchaseHardCurrencyRevisionPayload]())
	return r
}

// Register binds kind to v, replacing any previous binding.
func (r *Registry) Register(kind Kind, v Validator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validators[kind] = v
}

// Registered reports whether kind has a validator.
func (r *Registry) Registered(kind Kind) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.validators[kind]
	return ok
}

// Kinds returns the registered kinds in lexical order.
func (r *Registry) Kinds() []Kind {
	r.mu.RLock()
	defer r.mu.RUnlock()

	kinds := make([]Kind, 0, len(r.validators))
	for k := range r.validators {
		kinds = append(kinds, k)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// Validate checks props against the schema for kind and returns the
// normalized payload.
func (r *Registry) Validate(kind Kind, props Properties) (Properties, error) {
	r.mu.RLock()
	v, ok := r.validators[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownKindError{Kind: kind}
	}
	if props == nil {
		props = Properties{}
	}
	return v.Normalize(props)
}

// =============================================================================
// BUILT-IN PAYLOADS
// =============================================================================

// PurchaseCancelPayload names the purchase to cancel. ResourceIDs lists the
// granted resources to claw back with it.
type PurchaseCancelPayload struct {
	PurchaseID  string  `json:"purchase_id" validate:"required"`
	ResourceIDs []int64 `json:"resource_ids,omitempty" validate:"omitempty,dive,gt=0"`
}

type ConsumptionRevisionPayload struct {
	StoreType string           `json:"store_type" validate:"required,oneof=app_store google_play"`
	Price     *decimal.Decimal `json:"price,omitempty" validate:"required,gte=0,lte=999999999999"`
	AppliedOn string           `json:"applied_on" validate:"required,datetime=2006-01-02"`
}

type PurchaseHardCurrencyRevisionPayload struct {
	MasterCurrencyID *int64           `json:"master_currency_id,omitempty" validate:"required,gt=0"`
	StoreType        string           `json:"store_type" validate:"required,oneof=app_store google_play"`
	Price            *decimal.Decimal `json:"price,omitempty" validate:"required,gte=0,lte=999999999999"`
}

// priceScale is the number of decimal places a price may carry.
const priceScale = 4

// =============================================================================
// SCHEMA - Struct-tag validation over Properties
// =============================================================================

var payloadValidate = newPayloadValidate()

func newPayloadValidate() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(jsonName)
	v.RegisterCustomTypeFunc(func(field reflect.Value) any {
		if d, ok := field.Interface().(decimal.Decimal); ok {
			f, _ := d.Float64()
			return f
		}
		return nil
	}, decimal.Decimal{})
	v.RegisterStructValidation(func(sl validator.StructLevel) {
		var price *decimal.Decimal
		switch p := sl.Current().Interface().(type) {
		case ConsumptionRevisionPayload:
			price = p.Price
		case PurchaseHardCurrencyRevisionPayload:
			price = p.Price
		}
		if price != nil && !price.Equal(price.Truncate(priceScale)) {
			sl.ReportError(price, "price", "Price", "scale", fmt.Sprint(priceScale))
		}
	}, ConsumptionRevisionPayload{}, PurchaseHardCurrencyRevisionPayload{})
	return v
}

func jsonName(f reflect.StructField) string {
	name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
	if name == "-" {
		return ""
	}
	return name
}

// Schema returns a Validator backed by the validate tags on T.
func Schema[T any]() Validator {
	return ValidatorFunc(func(props Properties) (Properties, error) {
		var payload T
		verr := decodeFields(props, &payload)

		if err := payloadValidate.Struct(&payload); err != nil {
			verr.Merge(fieldErrors(err))
		}
		if !verr.Empty() {
			return nil, verr
		}

		normalized, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		out := Properties{}
		if err := json.Unmarshal(normalized, &out); err != nil {
			return nil, fmt.Errorf("failed to decode payload: %w", err)
		}
		return out, nil
	})
}

// decodeFields fills the exported fields of *dst from props one key at a
// time. Keys whose value does not decode are reported as invalid and the
// field is left zero.
func decodeFields(props Properties, dst any) *ValidationError {
	verr := &ValidationError{}
	rv := reflect.ValueOf(dst).Elem()
	rt := rv.Type()

	for i := 0; i < rt.NumField(); i++ {
		f := rt.Field(i)
		name := jsonName(f)
		if !f.IsExported() || name == "" {
			continue
		}
		value, ok := props[name]
		if !ok {
			continue
		}

		raw, err := json.Marshal(value)
		if err != nil {
			verr.Add(name, "is invalid")
			continue
		}
		target := reflect.New(f.Type)
		if err := json.Unmarshal(raw, target.Interface()); err != nil {
			verr.Add(name, "is invalid")
			continue
		}
		rv.Field(i).Set(target.Elem())
	}
	return verr
}

func fieldErrors(err error) *ValidationError {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return NewValidationError("properties", "is invalid")
	}

	out := &ValidationError{}
	for _, fe := range verrs {
		out.Add(fe.Field(), messageFor(fe))
	}
	return out
}

func messageFor(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "can't be blank"
	case "oneof":
		return "is not included in the list"
	case "gte":
		return "must be greater than or equal to " + fe.Param()
	case "gt":
		return "must be greater than " + fe.Param()
	case "lte":
		return "must be less than or equal to " + fe.Param()
	case "scale":
		return "must have at most " + fe.Param() + " decimal places"
	case "datetime":
		return "is not a valid date"
	default:
		return "is invalid"
	}
}
