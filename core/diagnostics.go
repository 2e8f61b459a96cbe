package core

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// Structured error records and time helpers shared across the node. Errors
// carry a short machine-readable kind, a human-readable message, and an
// optional source chain; they render to the structured log sink without stack
// traces.

// ErrorRecord is the canonical cross-boundary error shape.
type ErrorRecord struct {
	Kind    string
	Message string
	Source  error
}

func (e *ErrorRecord) Error() string {
	if e.Source != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Source)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *ErrorRecord) Unwrap() error { return e.Source }

// NewError builds an ErrorRecord with no source.
func NewError(kind, message string) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Message: message}
}

// WrapError attaches a source error, preserving its chain.
func WrapError(kind, message string, source error) *ErrorRecord {
	return &ErrorRecord{Kind: kind, Message: message, Source: source}
}

// ErrorKind extracts the machine-readable kind from any error, walking the
// chain until an ErrorRecord is found. Unknown errors report "internal".
func ErrorKind(err error) string {
	var rec *ErrorRecord
	if errors.As(err, &rec) {
		return rec.Kind
	}
	return "internal"
}

// LogError emits an error to the structured sink with its kind and chain.
func LogError(area string, err error) {
	logrus.WithFields(logrus.Fields{
		"area": area,
		"kind": ErrorKind(err),
	}).Error(err.Error())
}

// UTCComponents breaks a unix-seconds timestamp into calendar fields. Used by
// audit serializers that need stable human-readable components.
type UTCComponents struct {
	Year   int
	Month  int
	Day    int
	Hour   int
	Minute int
	Second int
}

// ComponentsFromUnix converts unix seconds to UTC calendar components.
func ComponentsFromUnix(secs int64) UTCComponents {
	t := time.Unix(secs, 0).UTC()
	return UTCComponents{
		Year:   t.Year(),
		Month:  int(t.Month()),
		Day:    t.Day(),
		Hour:   t.Hour(),
		Minute: t.Minute(),
		Second: t.Second(),
	}
}

// nowUnix is the wall-clock source for audit records and presence TTLs.
// Consensus-critical paths never call it; replay state derives entirely from
// chain data.
var nowUnix = func() int64 { return time.Now().Unix() }

var nowUnixMicros = func() int64 { return time.Now().UnixMicro() }

// monotonicClock measures elapsed time from an anchor as milliseconds fitted
// into a u64, for lock-free timestamp atomics.
type monotonicClock struct {
	anchor time.Time
}

func newMonotonicClock() monotonicClock { return monotonicClock{anchor: time.Now()} }

func (c monotonicClock) NowMillis() uint64 {
	d := time.Since(c.anchor)
	if d < 0 {
		return 0
	}
	return uint64(d.Milliseconds())
}
