package fxas21002c

import (
	"context"
)

// RateBehaviorFunc defines the function signature for angular rate behavior.
// It returns X, Y, Z in radians per second or an error.
type RateBehaviorFunc func(ctx context.Context) (float64, float64, float64, error)

// MockGyroscope is a mock implementation of an angular rate sensor that
// uses a behavior function to produce results without requiring hardware.
type MockGyroscope struct {
	behavior RateBehaviorFunc
}

// NewMockGyroscope creates a new mock gyroscope with the given behavior
// function. The behavior function is called whenever ReadScaled is invoked.
//
// Example usage:
//
//	sensor := NewMockGyroscope(func(ctx context.Context) (float64, float64, float64, error) { return 0.5, 0, 0, nil })
func NewMockGyroscope(behavior RateBehaviorFunc) *MockGyroscope {
	return &MockGyroscope{behavior: behavior}
}

// ReadScaled returns the angular rate reading (in rad/s) by calling the
// behavior function.
func (m *MockGyroscope) ReadScaled(ctx context.Context) (float64, float64, float64, error) {
	return m.behavior(ctx)
}
