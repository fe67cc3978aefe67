package health

import (
	"errors"
	"sync/atomic"
)

// StartupCompleteChecker reports failure until MarkComplete is called,
// at which point it reports success forever.
type StartupCompleteChecker struct {
	complete int32
}

func NewStartupCompleteChecker() *StartupCompleteChecker {
	return &StartupCompleteChecker{}
}

func (checker *StartupCompleteChecker) Check() error {
	if atomic.LoadInt32(&checker.complete) != 0 {
		return nil
	}
	return errors.New("startup not complete")
}

func (checker *StartupCompleteChecker) MarkComplete() {
	atomic.StoreInt32(&checker.complete, 1)
}
