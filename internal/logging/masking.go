// Package logging provides utilities for secure logging with data masking.
package logging

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Redacted replaces masked values in log output.
const Redacted = "[REDACTED]"

// MaskHeader redacts sensitive header values based on header name.
// Returns the redacted value suitable for logging.
//
// Rules:
// - Password/secret headers: "[REDACTED]" (no partial reveal)
// - Token and debug-tag headers: "****" + last4chars (e.g., "****ab3f")
// - Other headers: returned unchanged
func MaskHeader(name, value string) string {
	lowerName := strings.ToLower(name)

	if strings.Contains(lowerName, "password") ||
		strings.Contains(lowerName, "secret") ||
		strings.Contains(lowerName, "private-key") {
		return Redacted
	}

	if lowerName == "authorization" ||
		lowerName == "x-api-key" ||
		lowerName == "x-debug-id" ||
		lowerName == "cookie" {
		if len(value) < 4 {
			return "****"
		}
		return "****" + value[len(value)-4:]
	}

	return value
}

// MaskHeaders flattens and masks a header map for structured logging.
func MaskHeaders(header map[string][]string) map[string]string {
	out := make(map[string]string, len(header))
	for k, v := range header {
		out[k] = MaskHeader(k, strings.Join(v, ", "))
	}
	return out
}

// RedactJSONFields replaces the values of the named keys, at any depth,
// with "[REDACTED]".
//
// Returns the body unchanged when no fields are given or it is not valid JSON.
func RedactJSONFields(body []byte, fields ...string) []byte {
	if len(fields) == 0 || len(body) == 0 {
		return body
	}

	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return body
	}

	deny := make(map[string]bool, len(fields))
	for _, f := range fields {
		deny[f] = true
	}

	result, err := json.Marshal(redactJSONValue(data, deny))
	if err != nil {
		return body
	}
	return result
}

func redactJSONValue(value interface{}, deny map[string]bool) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		result := make(map[string]interface{}, len(v))
		for key, val := range v {
			if deny[key] {
				result[key] = Redacted
				continue
			}
			result[key] = redactJSONValue(val, deny)
		}
		return result
	case []interface{}:
		result := make([]interface{}, len(v))
		for i, item := range v {
			result[i] = redactJSONValue(item, deny)
		}
		return result
	default:
		return value
	}
}

// FormatBinaryData formats binary data for logging.
// Returns a human-readable size indicator.
func FormatBinaryData(data []byte) string {
	return fmt.Sprintf("[BINARY: %d bytes]", len(data))
}
