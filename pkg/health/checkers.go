package health

import (
	"context"
	"runtime"
	"time"

	"github.com/go-faster/errors"
)

// GoroutineCountCheck fails when the process runs more than threshold
// goroutines, which usually means dispatch workers are leaking.
func GoroutineCountCheck(threshold int) CheckFunc {
	return func(context.Context) error {
		if n := runtime.NumGoroutine(); n > threshold {
			return errors.Errorf("goroutine count %d exceeds threshold %d", n, threshold)
		}
		return nil
	}
}

// HeartbeatCheck fails when last reports a time older than maxAge. A zero
// time passes so that a loop which has not completed its first run yet is not
// reported as stuck.
func HeartbeatCheck(last func() time.Time, maxAge time.Duration) CheckFunc {
	return func(context.Context) error {
		t := last()
		if t.IsZero() {
			return nil
		}
		if age := time.Since(t); age > maxAge {
			return errors.Errorf("last run %s ago exceeds %s", age.Round(time.Second), maxAge)
		}
		return nil
	}
}
