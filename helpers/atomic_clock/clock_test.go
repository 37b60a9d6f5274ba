package atomic_clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestApi(t *testing.T) {
	c := Now()
	tim := time.Now()
	const delta = 100 * time.Millisecond

	assert.InDelta(t, tim.UnixNano(), c.UnixNano(), float64(delta))
	assert.InDelta(t, tim.Unix(), c.Unix(), 1)

	c.SetTime(tim)
	assert.Equal(t, tim.UnixNano(), c.UnixNano())
	assert.InDelta(t, tim.UnixNano(), c.Time().UnixNano(), float64(delta))

	c.SetNow()
	assert.True(t, Since(c) < delta)
}

func TestMillis(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		begin  uint32
		now    uint32
		expect uint32
	}{
		{"simple", 1000, 6000, 5000},
		{"zero", 42, 42, 0},
		{"wrap", 0xfffffc18, 1000, 2000},
		{"wrap-max", 0xffffffff, 0, 1},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.expect, Elapsed(c.now, c.begin))
			assert.Equal(t, time.Duration(c.expect)*time.Millisecond, ElapsedDuration(c.now, c.begin))
		})
	}
}

func TestFake(t *testing.T) {
	t.Parallel()

	f := NewFake(0xffffff00)
	begin := f.Millis()
	f.Add(time.Second)
	assert.Equal(t, uint32(1000), Elapsed(f.Millis(), begin))
	f.AddMillis(5)
	assert.Equal(t, uint32(1005), Elapsed(f.Millis(), begin))
	f.Set(7)
	assert.Equal(t, uint32(7), f.Millis())
}

func TestMono(t *testing.T) {
	t.Parallel()

	var m Mono
	a := m.Millis()
	time.Sleep(20 * time.Millisecond)
	b := m.Millis()
	assert.True(t, Elapsed(b, a) >= 15, "elapsed=%d", Elapsed(b, a))
	assert.True(t, Elapsed(b, a) < 5000, "elapsed=%d", Elapsed(b, a))
}
