package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestIntDefault(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7*time.Second, IntSecondDefault(0, 7*time.Second))
	assert.Equal(t, 3*time.Second, IntSecondDefault(3, 7*time.Second))
	assert.Equal(t, 5*time.Second, IntMillisecondDefault(0, 5*time.Second))
	assert.Equal(t, 250*time.Millisecond, IntMillisecondDefault(250, 5*time.Second))
}

func TestClampDuration(t *testing.T) {
	t.Parallel()

	cases := []struct {
		in     time.Duration
		expect time.Duration
	}{
		{0, 10 * time.Second},
		{9 * time.Second, 10 * time.Second},
		{30 * time.Second, 30 * time.Second},
		{time.Hour, 30 * time.Minute},
	}
	for _, c := range cases {
		assert.Equal(t, c.expect, ClampDuration(c.in, 10*time.Second, 30*time.Minute), "in=%s", c.in)
	}
}
