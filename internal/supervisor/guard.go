package supervisor

import (
	"go.uber.org/zap"
)

// runGuarded runs fn, logging and swallowing any panic.
func runGuarded(logger *zap.Logger, task string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Recovered panic", zap.String("task", task), zap.Any("panic", r), zap.Stack("stack"))
		}
	}()
	fn()
}
