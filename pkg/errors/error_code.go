package errors

import "strconv"

// ErrorCode represents a unique error code for identifying different error types.
type ErrorCode int

const (
	// General errors (1-99)
	ErrCodeUnknown ErrorCode = 1

	// Validation errors (100-199)
	ErrCodeMalformedPayload  ErrorCode = 100
	ErrCodeUnsupportedEvent  ErrorCode = 101
	ErrCodeMissingSymbol     ErrorCode = 102
	ErrCodeSymbolMismatch    ErrorCode = 103
	ErrCodeInvalidClosedFlag ErrorCode = 104
	ErrCodeNonNumericField   ErrorCode = 105
	ErrCodeInvertedRange     ErrorCode = 106
	ErrCodeOutOfRange        ErrorCode = 107
	ErrCodeNegativePrice     ErrorCode = 108
	ErrCodeZeroVolume        ErrorCode = 109
	ErrCodeTimestampDrift    ErrorCode = 110
	ErrCodeInvalidTimeRange  ErrorCode = 111

	// Transport errors (700-799)
	ErrCodeConnectionFailed ErrorCode = 700
	ErrCodeConnectionLost   ErrorCode = 701
	ErrCodePingTimeout      ErrorCode = 702
	ErrCodeWriteFailed      ErrorCode = 703
	ErrCodeMaxRetries       ErrorCode = 704
	ErrCodeEncodeFailed     ErrorCode = 705

	// Polling errors (800-899)
	ErrCodeFetchFailed ErrorCode = 800

	// Configuration errors (900-999)
	ErrCodeInvalidConfiguration ErrorCode = 900
	ErrCodeConfigLoadFailed     ErrorCode = 901

	// Server errors (1000-1099)
	ErrCodeListenFailed ErrorCode = 1000
)

var codeNames = map[ErrorCode]string{
	ErrCodeUnknown:              "unknown",
	ErrCodeMalformedPayload:     "malformed_payload",
	ErrCodeUnsupportedEvent:     "unsupported_event",
	ErrCodeMissingSymbol:        "missing_symbol",
	ErrCodeSymbolMismatch:       "symbol_mismatch",
	ErrCodeInvalidClosedFlag:    "invalid_closed_flag",
	ErrCodeNonNumericField:      "non_numeric_field",
	ErrCodeInvertedRange:        "inverted_range",
	ErrCodeOutOfRange:           "out_of_range",
	ErrCodeNegativePrice:        "negative_price",
	ErrCodeZeroVolume:           "zero_volume",
	ErrCodeTimestampDrift:       "timestamp_drift",
	ErrCodeInvalidTimeRange:     "invalid_time_range",
	ErrCodeConnectionFailed:     "connection_failed",
	ErrCodeConnectionLost:       "connection_lost",
	ErrCodePingTimeout:          "ping_timeout",
	ErrCodeWriteFailed:          "write_failed",
	ErrCodeMaxRetries:           "max_retries",
	ErrCodeEncodeFailed:         "encode_failed",
	ErrCodeFetchFailed:          "fetch_failed",
	ErrCodeInvalidConfiguration: "invalid_configuration",
	ErrCodeConfigLoadFailed:     "config_load_failed",
	ErrCodeListenFailed:         "listen_failed",
}

// String returns the snake_case name of the code, used as a metric label.
func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}

	return "code_" + strconv.Itoa(int(c))
}

// IsValidation reports whether the code belongs to the validation range.
func (c ErrorCode) IsValidation() bool {
	return c >= 100 && c < 200
}

// IsTransport reports whether the code belongs to the transport range.
func (c ErrorCode) IsTransport() bool {
	return c >= 700 && c < 800
}
