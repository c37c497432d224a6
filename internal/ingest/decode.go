package ingest

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/kfishgm/btcbot-sub001/pkg/errors"
	"github.com/shopspring/decimal"
)

var jsonNull = []byte("null")

// decodeDecimal converts a JSON string or number into a decimal rounded to PriceScale.
func decodeDecimal(field string, raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, jsonNull) {
		return decimal.Zero, errors.NewField(errors.ErrCodeNonNumericField, field, "value is missing")
	}

	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Zero, errors.NewField(errors.ErrCodeNonNumericField, field, "value %s is not a valid string", string(raw))
		}

		return parseDecimal(field, s)
	}

	// Bare JSON numbers only; booleans, objects and arrays are rejected here.
	if raw[0] != '-' && (raw[0] < '0' || raw[0] > '9') {
		return decimal.Zero, errors.NewField(errors.ErrCodeNonNumericField, field, "value %s is not numeric", string(raw))
	}

	return parseDecimal(field, string(raw))
}

// decodeOptionalDecimal is decodeDecimal for fields that may be absent.
func decodeOptionalDecimal(field string, raw json.RawMessage) (decimal.Decimal, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return decimal.Zero, nil
	}

	return decodeDecimal(field, raw)
}

func parseDecimal(field string, s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return decimal.Zero, errors.NewField(errors.ErrCodeNonNumericField, field, "value is empty")
	}

	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, errors.NewField(errors.ErrCodeNonNumericField, field, "value %q is not numeric", s)
	}

	return d.Round(PriceScale), nil
}

func parseOptionalDecimal(field string, s string) (decimal.Decimal, error) {
	if strings.TrimSpace(s) == "" {
		return decimal.Zero, nil
	}

	return parseDecimal(field, s)
}

// decodeBool accepts only JSON true or false.
func decodeBool(field string, raw json.RawMessage) (bool, error) {
	switch string(bytes.TrimSpace(raw)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	case "":
		return false, errors.NewField(errors.ErrCodeInvalidClosedFlag, field, "closed flag is missing")
	default:
		return false, errors.NewField(errors.ErrCodeInvalidClosedFlag, field, "closed flag %s is not a boolean", string(raw))
	}
}
