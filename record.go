package lazyload

import (
	"encoding/json"
	"log/slog"
	"math"
	"sort"
)

// recordSchema names the schema in validation failures.
const recordSchema = "Record"

// Record is an immutable validated value object. Instances are only
// constructed through ParseRecord; once constructed, a Record satisfies its
// field constraints for its entire lifetime.
type Record struct {
	ID          string  `json:"id"`
	Value       int     `json:"value"`
	Description *string `json:"description,omitempty"`
}

// ParseRecord constructs a Record from an untyped mapping, enforcing:
// id present and string-typed, value present and integer-typed,
// description optional and string-typed if present. Extra fields are
// rejected. The mapping is rejected as a whole: on failure the returned
// ValidationError carries every field-level violation found.
func ParseRecord(data map[string]any) (Record, error) {
	var violations []FieldViolation

	var rec Record
	switch id := data["id"].(type) {
	case string:
		rec.ID = id
	case nil:
		if _, present := data["id"]; present {
			violations = append(violations, FieldViolation{Field: "id", Reason: "must be a string"})
		} else {
			violations = append(violations, FieldViolation{Field: "id", Reason: "field required"})
		}
	default:
		violations = append(violations, FieldViolation{Field: "id", Reason: "must be a string"})
	}

	raw, present := data["value"]
	if !present {
		violations = append(violations, FieldViolation{Field: "value", Reason: "field required"})
	} else if v, ok := asInt(raw); ok {
		rec.Value = v
	} else {
		violations = append(violations, FieldViolation{Field: "value", Reason: "must be an integer"})
	}

	if raw, present := data["description"]; present && raw != nil {
		switch desc := raw.(type) {
		case string:
			rec.Description = &desc
		default:
			violations = append(violations, FieldViolation{Field: "description", Reason: "must be a string"})
		}
	}

	var extras []string
	for key := range data {
		switch key {
		case "id", "value", "description":
		default:
			extras = append(extras, key)
		}
	}
	sort.Strings(extras)
	for _, key := range extras {
		violations = append(violations, FieldViolation{Field: key, Reason: "unexpected field"})
	}

	if len(violations) > 0 {
		return Record{}, ValidationError{Schema: recordSchema, Violations: violations}
	}
	return rec, nil
}

func asInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case float64:
		// JSON decoding yields float64; accept integral values only.
		if n == math.Trunc(n) && !math.IsInf(n, 0) {
			return int(n), true
		}
		return 0, false
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			return 0, false
		}
		return int(i), true
	default:
		return 0, false
	}
}

// ValidateRecord validates an untyped mapping against the Record schema.
// On success it returns the immutable Record and emits an informational
// trace; on failure the ValidationError is logged at error severity before
// propagating. Nothing is recovered locally.
func (h *Holder) ValidateRecord(data map[string]any) (Record, error) {
	rec, err := ParseRecord(data)
	if err != nil {
		h.Logger().Error("record validation failed", slog.String("error", err.Error()))
		return Record{}, err
	}
	h.Logger().Info("record validated", slog.String("id", rec.ID))
	return rec, nil
}
