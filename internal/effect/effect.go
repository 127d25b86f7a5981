// Package effect models best-effort side effects: the primary operation never
// sees their failure, only the operational log does.
package effect

import (
	"fmt"

	"go.uber.org/zap"
)

// Outcome is the discarded result of a side effect.
type Outcome struct {
	op  string
	err error
}

// Try runs fn and captures its error or panic.
func Try(op string, fn func() error) (out Outcome) {
	out.op = op
	defer func() {
		if r := recover(); r != nil {
			out.err = fmt.Errorf("panic: %v", r)
		}
	}()
	out.err = fn()
	return out
}

// Failed is meant for tests; production code should only Report.
func (o Outcome) Failed() bool {
	return o.err != nil
}

// Report logs a failed outcome at warn level and does nothing otherwise.
func (o Outcome) Report(logger *zap.Logger, fields ...zap.Field) {
	if o.err == nil || logger == nil {
		return
	}
	logger.Warn(o.op+" failed", append(fields, zap.Error(o.err))...)
}
