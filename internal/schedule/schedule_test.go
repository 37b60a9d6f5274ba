package schedule

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/sensorlog/helpers/atomic_clock"
	"github.com/temoto/sensorlog/internal/sensor"
	"github.com/temoto/sensorlog/log2"
	tele_api "github.com/temoto/sensorlog/tele"
)

type reading struct {
	id    string
	value float64
	style tele_api.SensorEventStyle
}

type mockDispatcher struct {
	joined bool
	fail   map[string]error
	sent   []reading
}

func (m *mockDispatcher) Joined() bool { return m.joined }
func (m *mockDispatcher) SendReading(id string, value float64, style tele_api.SensorEventStyle) error {
	if err := m.fail[id]; err != nil {
		return err
	}
	m.sent = append(m.sent, reading{id, value, style})
	return nil
}

type fixedClock uint32

func (c fixedClock) NowUnix() uint32 { return uint32(c) }

func newTestScheduler(t *testing.T, d *mockDispatcher, interval time.Duration) (*Scheduler, *atomic_clock.Fake) {
	set := &sensor.Set{}
	require.NoError(t, set.Add(&sensor.Sensor{Name: "temp", Read: func() float64 { return 21.5 }}))
	require.NoError(t, set.Add(&sensor.Sensor{Name: "hum", Read: func() float64 { return 40 }}))
	fake := atomic_clock.NewFake(0)
	s := New(Options{
		Sensors:    set,
		Dispatcher: d,
		Clock:      fixedClock(1700000000),
		Source:     fake,
		Log:        log2.NewTest(t, log2.LDebug),
		Interval:   interval,
	})
	require.NoError(t, s.Assign([]string{"10", "11"}))
	return s, fake
}

func TestConfigure(t *testing.T) {
	t.Parallel()

	s := New(Options{Dispatcher: &mockDispatcher{}})
	assert.Equal(t, DefaultPollInterval, s.Interval())
	cases := []struct {
		input  time.Duration
		expect time.Duration
	}{
		{0, MinPollInterval},
		{time.Second, MinPollInterval},
		{10 * time.Second, 10 * time.Second},
		{5 * time.Minute, 5 * time.Minute},
		{1800 * time.Second, 1800 * time.Second},
		{24 * time.Hour, MaxPollInterval},
		{-time.Minute, MinPollInterval},
	}
	for _, c := range cases {
		c := c
		t.Run(c.input.String(), func(t *testing.T) {
			s := New(Options{Dispatcher: &mockDispatcher{}})
			assert.Equal(t, c.expect, s.Configure(c.input))
			assert.Equal(t, c.expect, s.Interval())
		})
	}
}

func TestTick(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{}
	s, fake := newTestScheduler(t, d, 10*time.Second)
	assert.False(t, s.Tick(), "not joined")
	assert.Empty(t, d.sent)

	d.joined = true
	assert.True(t, s.Tick(), "first tick after join runs immediately")
	assert.Equal(t, []reading{
		{"10", 21.5, tele_api.SensorEventID},
		{"11", 40, tele_api.SensorEventID},
	}, d.sent)
	v, ts, ok := s.Sensors().List()[0].Last()
	assert.True(t, ok)
	assert.Equal(t, 21.5, v)
	assert.Equal(t, uint32(1700000000), ts)

	for i := 0; i < 9; i++ {
		fake.Add(time.Second)
		assert.False(t, s.Tick())
	}
	fake.AddMillis(999)
	assert.False(t, s.Tick())
	fake.AddMillis(1)
	assert.True(t, s.Tick())
	assert.Len(t, d.sent, 4)

	// rejoin triggers immediate batch
	d.joined = false
	assert.False(t, s.Tick())
	d.joined = true
	fake.Add(time.Second)
	assert.True(t, s.Tick())
	assert.Len(t, d.sent, 6)
	assert.True(t, s.LastBatchCost() >= 0)
}

func TestBatchFailureContinues(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{joined: true, fail: map[string]error{"10": fmt.Errorf("send failed")}}
	s, _ := newTestScheduler(t, d, time.Minute)
	var batches, sentTotal int
	s.opt.OnBatch = func(cost time.Duration, sent int) { batches++; sentTotal += sent }
	s.Sensors().List()[1].Read = func() float64 { return math.NaN() }
	require.NoError(t, s.Sensors().Add(&sensor.Sensor{Name: "third", Read: func() float64 { return 3 }}))
	require.NoError(t, s.Assign([]string{"10", "11", "12"}))

	assert.True(t, s.Tick())
	assert.Equal(t, []reading{{"12", 3, tele_api.SensorEventID}}, d.sent)
	assert.Equal(t, 1, batches)
	assert.Equal(t, 1, sentTotal)
}

func TestBatchUnassigned(t *testing.T) {
	t.Parallel()

	d := &mockDispatcher{joined: true}
	s, fake := newTestScheduler(t, d, time.Minute)
	var batches int
	s.opt.OnBatch = func(time.Duration, int) { batches++ }
	require.NoError(t, s.Sensors().Add(&sensor.Sensor{Name: "late", Read: func() float64 { return 1 }}))

	assert.True(t, s.Tick())
	assert.Empty(t, d.sent)
	assert.Equal(t, 0, batches)
	fake.Add(time.Second)
	assert.False(t, s.Tick(), "skipped batch still waits interval")

	require.NoError(t, s.Assign([]string{"10", "11", "12"}))
	fake.Add(time.Minute)
	assert.True(t, s.Tick())
	assert.Len(t, d.sent, 3)
	assert.Equal(t, 1, batches)
}
