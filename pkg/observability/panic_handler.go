package observability

import (
	"fmt"
	"runtime/debug"
)

// RecoverPanic recovers a panic in a background goroutine and logs it with its stack.
// Call it with defer. The panic is not re-raised.
//
//	go func() {
//	    defer observability.RecoverPanic(logger, "invalidation subscriber")
//	    ...
//	}()
func RecoverPanic(logger *Logger, where string) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
	}
}

// RecoverToError converts a recovered panic into an error. Use it from a
// deferred closure that assigns the named error result.
func RecoverToError(logger *Logger, where string, errp *error) {
	if r := recover(); r != nil {
		logPanic(logger, where, r)
		if errp != nil {
			*errp = fmt.Errorf("panic in %s: %v", where, r)
		}
	}
}

func logPanic(logger *Logger, where string, r interface{}) {
	if logger == nil {
		return
	}
	logger.WithFields(map[string]interface{}{
		"panic":   fmt.Sprint(r),
		"stack":   string(debug.Stack()),
		"context": where,
	}).Error("PANIC recovered")
}
