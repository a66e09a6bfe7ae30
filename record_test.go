package lazyload

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseRecord(t *testing.T) {
	rec, err := ParseRecord(map[string]any{"id": "1", "value": 10})
	require.NoError(t, err)
	assert.Equal(t, "1", rec.ID)
	assert.Equal(t, 10, rec.Value)
	assert.Nil(t, rec.Description)

	desc := "a record"
	rec, err = ParseRecord(map[string]any{"id": "2", "value": 7, "description": desc})
	require.NoError(t, err)
	require.NotNil(t, rec.Description)
	assert.Equal(t, desc, *rec.Description)

	// JSON decoding yields float64 for numbers.
	rec, err = ParseRecord(map[string]any{"id": "3", "value": float64(10)})
	require.NoError(t, err)
	assert.Equal(t, 10, rec.Value)
}

func TestParseRecordViolations(t *testing.T) {
	cases := []struct {
		name   string
		data   map[string]any
		fields []string
	}{
		{"missing value", map[string]any{"id": "1"}, []string{"value"}},
		{"missing id", map[string]any{"value": 10}, []string{"id"}},
		{"wrong id type", map[string]any{"id": 1, "value": 10}, []string{"id"}},
		{"wrong value type", map[string]any{"id": "1", "value": "not_an_int"}, []string{"value"}},
		{"fractional value", map[string]any{"id": "1", "value": 10.5}, []string{"value"}},
		{"wrong description type", map[string]any{"id": "1", "value": 10, "description": 3}, []string{"description"}},
		{"extra field", map[string]any{"id": "1", "value": 10, "unknown": true}, []string{"unknown"}},
		{"multiple violations", map[string]any{"id": 1, "value": "x"}, []string{"id", "value"}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseRecord(tc.data)
			require.Error(t, err)
			var valErr ValidationError
			require.True(t, errors.As(err, &valErr))
			require.Len(t, valErr.Violations, len(tc.fields))
			for i, field := range tc.fields {
				assert.Equal(t, field, valErr.Violations[i].Field)
			}
		})
	}
}

func TestHolderValidateRecord(t *testing.T) {
	var buf bytes.Buffer
	h, err := New(Params{Param1: "p", Param2: 1}, WithLogWriter(&buf))
	require.NoError(t, err)

	rec, err := h.ValidateRecord(map[string]any{"id": "123", "value": 10})
	require.NoError(t, err)
	assert.Equal(t, "123", rec.ID)
	assert.Contains(t, buf.String(), "INFO - record validated")

	buf.Reset()
	_, err = h.ValidateRecord(map[string]any{"id": "123", "value": "not_an_int"})
	require.Error(t, err)
	var valErr ValidationError
	assert.True(t, errors.As(err, &valErr))
	assert.Contains(t, buf.String(), "ERROR - record validation failed")
	assert.Contains(t, err.Error(), "invalid data for Record")
}
