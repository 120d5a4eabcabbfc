package model

// ErrorType classifies a recording error reported through self-diagnostics.
type ErrorType string

const (
	ErrorInvalidValue    ErrorType = "invalid_value"
	ErrorInvalidLabel    ErrorType = "invalid_label"
	ErrorInvalidState    ErrorType = "invalid_state"
	ErrorInvalidOverflow ErrorType = "invalid_overflow"
)

// ErrorMetric returns the labeled counter that stores errors of type t.
func ErrorMetric(t ErrorType, pings []string) CommonMetricData {
	return CommonMetricData{
		Name:        string(t),
		Category:    "glean.error",
		SendInPings: append([]string(nil), pings...),
		Lifetime:    LifetimePing,
	}
}
