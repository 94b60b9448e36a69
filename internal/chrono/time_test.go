package chrono

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStandardTimeIsSantiago(t *testing.T) {
	now := NewStandardTime().Now()
	require.Equal(t, Santiago().String(), now.Location().String())
}

func TestFakeTimeAdvancesOnWait(t *testing.T) {
	start := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	clock := NewFakeTime(start)

	var seen []time.Duration
	clock.OnWait(func(d time.Duration) { seen = append(seen, d) })

	fired := <-clock.After(time.Minute)
	require.Equal(t, start.Add(time.Minute), fired)
	<-clock.After(2 * time.Minute)

	require.Equal(t, start.Add(3*time.Minute), clock.Now())
	require.Equal(t, []time.Duration{time.Minute, 2 * time.Minute}, clock.Waits())
	require.Equal(t, clock.Waits(), seen)
}
