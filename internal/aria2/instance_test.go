package aria2

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestInstanceLoadCounterUnderConcurrency(t *testing.T) {
	inst := newInstance(newFakeProcess(1), 6801, "s")

	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			inst.addLoad()
			time.Sleep(time.Millisecond)
			inst.doneLoad()
		}()
	}
	wg.Wait()

	require.Equal(t, int64(0), inst.Load())
}

func TestInstanceLoadNeverGoesNegative(t *testing.T) {
	inst := newInstance(newFakeProcess(1), 6801, "s")

	inst.doneLoad()
	inst.doneLoad()
	require.Equal(t, int64(0), inst.Load())

	inst.addLoad()
	require.Equal(t, int64(1), inst.Load())
}

func TestInstanceAliveTracksProcess(t *testing.T) {
	proc := newFakeProcess(1)
	inst := newInstance(proc, 6801, "s")
	require.True(t, inst.Alive())

	proc.die()
	require.False(t, inst.Alive())
}

func TestInstanceLastUsedAtAdvances(t *testing.T) {
	inst := newInstance(newFakeProcess(1), 6801, "s")
	created := inst.LastUsedAt()

	time.Sleep(5 * time.Millisecond)
	inst.addLoad()

	require.True(t, inst.LastUsedAt().After(created))
}
