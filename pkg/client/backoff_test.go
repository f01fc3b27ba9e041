package client

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExponentialBackoffCurve(t *testing.T) {
	b := &ExponentialBackoff{Base: time.Second, Factor: 2, Cap: 30 * time.Second}

	assert.Equal(t, time.Second, b.NextDelay(1))
	assert.Equal(t, 2*time.Second, b.NextDelay(2))
	assert.Equal(t, 4*time.Second, b.NextDelay(3))
	assert.Equal(t, 8*time.Second, b.NextDelay(4))
	assert.Equal(t, 16*time.Second, b.NextDelay(5))
	assert.Equal(t, 30*time.Second, b.NextDelay(6))
	assert.Equal(t, 30*time.Second, b.NextDelay(20))
}

func TestExponentialBackoffClampAttempt(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.NextDelay(1), b.NextDelay(0))
	assert.Equal(t, b.NextDelay(1), b.NextDelay(-3))
}

func TestDefaultBackoffDefaults(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, time.Second, b.Base)
	assert.Equal(t, 30*time.Second, b.Cap)
}
