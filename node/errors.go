package node

import (
	"time"

	"github.com/getsentry/sentry-go"
)

// goSafe runs fn in a goroutine, reporting a panic to Sentry before letting it crash the process
func goSafe(fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				sentryRecover(r)
				panic(r)
			}
		}()
		fn()
	}()
}

// sentryRecover is a no-op when Sentry was never initialized
func sentryRecover(rec interface{}) {
	sentry.CurrentHub().Recover(rec)
}

func sentryFlushSafely(timeout time.Duration) {
	_ = sentry.Flush(timeout)
}
