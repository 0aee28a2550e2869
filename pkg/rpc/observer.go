package rpc

import "time"

// Observer receives client and subscription events, typically to feed metrics.
type Observer interface {
	// CallDone is invoked once per Call with the total latency and final error.
	CallDone(method string, latency time.Duration, err error)
	// Connected reports subscription connectivity changes.
	Connected(connected bool)
	// Reconnect is invoked before each subscription reconnect attempt.
	Reconnect()
}

type nopObserver struct{}

func (nopObserver) CallDone(string, time.Duration, error) {}
func (nopObserver) Connected(bool)                        {}
func (nopObserver) Reconnect()                            {}
