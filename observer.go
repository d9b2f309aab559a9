package memo

import (
	"context"
	"time"
)

// Operations reported to an Observer.
const (
	OpResolve    = "resolve"
	OpLoad       = "load"
	OpBuild      = "build"
	OpSave       = "save"
	OpInvalidate = "invalidate"
)

// Observer receives one event per memo operation after it completes. hit is
// true when a load produced a usable graph or a save committed.
type Observer interface {
	OnMemoOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)
}

// ObserverFunc adapts a function to the Observer interface.
type ObserverFunc func(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver)

// OnMemoOp implements Observer.
func (f ObserverFunc) OnMemoOp(ctx context.Context, op string, key string, hit bool, err error, dur time.Duration, driver Driver) {
	if f == nil {
		return
	}
	f(ctx, op, key, hit, err, dur, driver)
}
