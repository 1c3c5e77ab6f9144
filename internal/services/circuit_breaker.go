package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrCircuitOpen is returned while the breaker rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type breakerState int

const (
	breakerClosed breakerState = iota
	breakerOpen
	breakerHalfOpen
)

// CircuitBreaker guards a fallible downstream (the inference service).
// After FailureThreshold consecutive failures it opens for ResetTimeout,
// then lets a single probe through; the probe's outcome closes or reopens it.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	resetTimeout     time.Duration
	logger           *logrus.Logger

	mu           sync.Mutex
	state        breakerState
	failureCount int
	openedAt     time.Time
	probing      bool
}

// NewCircuitBreaker creates a breaker with the given thresholds.
func NewCircuitBreaker(name string, failureThreshold int, resetTimeout time.Duration, logger *logrus.Logger) *CircuitBreaker {
	if failureThreshold <= 0 {
		failureThreshold = 3
	}
	if resetTimeout <= 0 {
		resetTimeout = 60 * time.Second
	}
	return &CircuitBreaker{
		name:             name,
		failureThreshold: failureThreshold,
		resetTimeout:     resetTimeout,
		logger:           logger,
	}
}

// Execute runs fn under breaker protection.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allow() {
		return ErrCircuitOpen
	}

	err := fn(ctx)
	cb.record(err)
	return err
}

func (cb *CircuitBreaker) allow() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case breakerClosed:
		return true
	case breakerOpen:
		if time.Since(cb.openedAt) >= cb.resetTimeout {
			cb.setState(breakerHalfOpen)
			cb.probing = true
			return true
		}
		return false
	case breakerHalfOpen:
		// One probe at a time; concurrent callers are rejected until the
		// in-flight probe reports back.
		if cb.probing {
			return false
		}
		cb.probing = true
		return true
	}
	return false
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err == nil {
		if cb.state != breakerClosed {
			cb.setState(breakerClosed)
		}
		cb.failureCount = 0
		return
	}

	cb.failureCount++
	if cb.state == breakerHalfOpen || cb.failureCount >= cb.failureThreshold {
		cb.setState(breakerOpen)
		cb.openedAt = time.Now()
	}
}

func (cb *CircuitBreaker) setState(next breakerState) {
	if cb.state == next {
		return
	}
	cb.logger.WithFields(logrus.Fields{
		"circuit_breaker": cb.name,
		"old_state":       stateName(cb.state),
		"new_state":       stateName(next),
		"failure_count":   cb.failureCount,
	}).Info("Circuit breaker state changed")
	cb.state = next
}

// IsOpen reports whether the breaker currently rejects calls.
func (cb *CircuitBreaker) IsOpen() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state == breakerOpen && time.Since(cb.openedAt) < cb.resetTimeout
}

func stateName(s breakerState) string {
	switch s {
	case breakerClosed:
		return "closed"
	case breakerOpen:
		return "open"
	case breakerHalfOpen:
		return "half-open"
	}
	return "unknown"
}
