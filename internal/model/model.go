// Package model contains the core data types shared by the telemetry client.
package model

import (
	"fmt"
	"time"
)

// Lifetime controls when a stored metric value is cleared.
type Lifetime int

const (
	// LifetimePing values are cleared after the ping carrying them is submitted.
	LifetimePing Lifetime = iota
	// LifetimeApplication values are cleared when the client initializes.
	LifetimeApplication
	// LifetimeUser values persist until upload is disabled.
	LifetimeUser
)

// String returns the lifetime name used in storage.
func (l Lifetime) String() string {
	switch l {
	case LifetimePing:
		return "ping"
	case LifetimeApplication:
		return "application"
	case LifetimeUser:
		return "user"
	default:
		return fmt.Sprintf("lifetime(%d)", int(l))
	}
}

// TimeUnit is the resolution a timespan is reported in.
type TimeUnit int

const (
	Nanosecond TimeUnit = iota
	Microsecond
	Millisecond
	Second
	Minute
	Hour
	Day
)

// Duration returns the length of one unit.
func (u TimeUnit) Duration() time.Duration {
	switch u {
	case Microsecond:
		return time.Microsecond
	case Millisecond:
		return time.Millisecond
	case Second:
		return time.Second
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	default:
		return time.Nanosecond
	}
}

// Convert truncates d to whole units.
func (u TimeUnit) Convert(d time.Duration) int64 {
	return int64(d / u.Duration())
}

// String returns the unit name as it appears in ping payloads.
func (u TimeUnit) String() string {
	switch u {
	case Microsecond:
		return "microsecond"
	case Millisecond:
		return "millisecond"
	case Second:
		return "second"
	case Minute:
		return "minute"
	case Hour:
		return "hour"
	case Day:
		return "day"
	default:
		return "nanosecond"
	}
}

// MetricType names the payload section a metric is reported under.
type MetricType string

const (
	Timespan       MetricType = "timespan"
	Counter        MetricType = "counter"
	Boolean        MetricType = "boolean"
	String         MetricType = "string"
	LabeledCounter MetricType = "labeled_counter"
)

// CommonMetricData describes a metric independent of its type.
type CommonMetricData struct {
	Name        string
	Category    string
	SendInPings []string
	Lifetime    Lifetime
	Disabled    bool
}

// Identity returns the stable "category.name" key of the metric.
func (c CommonMetricData) Identity() string {
	if c.Category == "" {
		return c.Name
	}
	return c.Category + "." + c.Name
}

// Clone returns a copy that does not share the SendInPings slice.
func (c CommonMetricData) Clone() CommonMetricData {
	out := c
	out.SendInPings = append([]string(nil), c.SendInPings...)
	return out
}

// PingDescriptor describes a custom ping.
type PingDescriptor struct {
	Name            string
	IncludeClientID bool
	SendIfEmpty     bool
	ReasonCodes     []string
}

// AllowsReason reports whether reason is one of the declared reason codes.
// An empty reason is always allowed.
func (p PingDescriptor) AllowsReason(reason string) bool {
	if reason == "" {
		return true
	}
	for _, r := range p.ReasonCodes {
		if r == reason {
			return true
		}
	}
	return false
}

// Op is the operation a MetricEvent performs.
type Op int

const (
	OpStart Op = iota
	OpStop
	OpCancel
	OpAdd
	OpSet
	OpSetRaw
)

// String returns the op name for logs.
func (o Op) String() string {
	switch o {
	case OpStart:
		return "start"
	case OpStop:
		return "stop"
	case OpCancel:
		return "cancel"
	case OpAdd:
		return "add"
	case OpSet:
		return "set"
	case OpSetRaw:
		return "set_raw"
	default:
		return fmt.Sprintf("op(%d)", int(o))
	}
}

// MetricEvent is a single recording against a metric, captured on the
// caller's goroutine and applied later by the dispatcher.
type MetricEvent struct {
	Meta CommonMetricData
	Type MetricType
	Op   Op
	At   time.Time
	Unit TimeUnit

	Int    int64
	Bool   bool
	String string
}

// PingRequest asks for a ping to be assembled and queued for upload.
type PingRequest struct {
	Ping   PingDescriptor
	Reason string
	At     time.Time
}
