package aria2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonylu00/bili-sync-sub001/internal/config"
	"github.com/tonylu00/bili-sync-sub001/internal/model"
	"github.com/tonylu00/bili-sync-sub001/internal/platform"
)

func testManager() *config.Manager {
	s := config.Default()
	s.RetryAttempts = 2
	s.RetryBackoff = time.Millisecond
	s.TaskTimeout = 10 * time.Second
	return config.NewManager(s)
}

// testPool builds a pool around pre-made instances, bypassing Start.
func testPool(t *testing.T, instances ...*Instance) *Pool {
	t.Helper()
	pool := NewPool(testManager(), testHTTPClient())
	pool.instances = instances
	pool.targetCount = len(instances)
	pool.binaryPath = "aria2c-under-test"
	return pool
}

// engineInstance pairs a fake engine with an instance pointing at it.
func engineInstance(t *testing.T, secret string, script []model.RawStatus) (*fakeEngine, *Instance) {
	engine := newFakeEngine(t, secret, script)
	inst := newInstance(newFakeProcess(1000+int(engine.port())), engine.port(), secret)
	return engine, inst
}

func TestSelectInstanceLeastLoaded(t *testing.T) {
	a := newInstance(newFakeProcess(1), 6801, "a")
	b := newInstance(newFakeProcess(2), 6802, "b")
	c := newInstance(newFakeProcess(3), 6803, "c")
	a.addLoad()
	a.addLoad()
	a.addLoad()
	c.addLoad()

	pool := testPool(t, a, b, c)

	inst, err := pool.selectInstance()
	require.NoError(t, err)
	require.Same(t, b, inst)
}

func TestSelectInstanceSkipsDeadProcesses(t *testing.T) {
	deadProc := newFakeProcess(1)
	deadProc.die()
	dead := newInstance(deadProc, 6801, "dead")

	busy := newInstance(newFakeProcess(2), 6802, "busy")
	busy.addLoad()
	busy.addLoad()

	pool := testPool(t, dead, busy)

	inst, err := pool.selectInstance()
	require.NoError(t, err)
	require.Same(t, busy, inst)
}

func TestSelectInstanceFallsBackToFirst(t *testing.T) {
	// When nothing passes the liveness filter, instance 0 is still
	// returned; replacing dead workers is the watchdog's job.
	p1 := newFakeProcess(1)
	p1.die()
	p2 := newFakeProcess(2)
	p2.die()
	first := newInstance(p1, 6801, "a")
	pool := testPool(t, first, newInstance(p2, 6802, "b"))

	inst, err := pool.selectInstance()
	require.NoError(t, err)
	require.Same(t, first, inst)
}

func TestSelectInstanceEmptyPool(t *testing.T) {
	pool := testPool(t)

	_, err := pool.selectInstance()
	require.ErrorIs(t, err, ErrNoInstancesAvailable)
}

func TestFetchRoutesToLeastLoadedInstance(t *testing.T) {
	script := []model.RawStatus{
		{Status: "complete", TotalLength: "13", CompletedLength: "13"},
	}
	engineBusy, busy := engineInstance(t, "busy", script)
	engineIdle, idle := engineInstance(t, "idle", script)
	engineIdle.writeFileOnAdd = true

	busy.addLoad()
	busy.addLoad()
	busy.addLoad()

	pool := testPool(t, busy, idle)

	dest := filepath.Join(t.TempDir(), "f.mp4")
	err := pool.Fetch(context.Background(), []string{"http://mirror-a/f", "http://mirror-b/f"}, dest)
	require.NoError(t, err)

	// The task went to the idle instance only
	require.Empty(t, addURIRequests(engineBusy))
	require.Len(t, addURIRequests(engineIdle), 1)

	// Load counters are back at their pre-call values
	require.Equal(t, int64(3), busy.Load())
	require.Equal(t, int64(0), idle.Load())

	// The downloaded file exists and is non-empty
	info, err := os.Stat(dest)
	require.NoError(t, err)
	require.NotZero(t, info.Size())
}

func TestFetchDecrementsLoadOnFailure(t *testing.T) {
	script := []model.RawStatus{
		{Status: "error", ErrorMessage: "mirror exploded"},
	}
	_, inst := engineInstance(t, "s", script)
	pool := testPool(t, inst)

	dest := filepath.Join(t.TempDir(), "f.mp4")
	err := pool.Fetch(context.Background(), []string{"http://mirror/f"}, dest)

	var taskErr *TaskError
	require.ErrorAs(t, err, &taskErr)
	require.Equal(t, int64(0), inst.Load())
}

func TestFetchVerifiesResultingFile(t *testing.T) {
	// The engine claims completion but never writes the file
	script := []model.RawStatus{
		{Status: "complete", TotalLength: "13", CompletedLength: "13"},
	}
	_, inst := engineInstance(t, "s", script)
	pool := testPool(t, inst)

	dest := filepath.Join(t.TempDir(), "f.mp4")
	err := pool.Fetch(context.Background(), []string{"http://mirror/f"}, dest)
	require.ErrorIs(t, err, ErrFileVerification)
	require.Equal(t, int64(0), inst.Load())
}

func TestFetchRequiresURLs(t *testing.T) {
	pool := testPool(t)
	err := pool.Fetch(context.Background(), nil, "/tmp/f.mp4")
	require.Error(t, err)
}

func TestFetchCreatesDestinationDirectory(t *testing.T) {
	script := []model.RawStatus{
		{Status: "complete", TotalLength: "13", CompletedLength: "13"},
	}
	engine, inst := engineInstance(t, "s", script)
	engine.writeFileOnAdd = true
	pool := testPool(t, inst)

	dest := filepath.Join(t.TempDir(), "season 1", "episode 2", "f.mp4")
	require.NoError(t, pool.Fetch(context.Background(), []string{"http://mirror/f"}, dest))

	_, err := os.Stat(dest)
	require.NoError(t, err)
}

func TestShutdownKillsInstancesAndClearsPool(t *testing.T) {
	engineA, a := engineInstance(t, "a", nil)
	engineB, b := engineInstance(t, "b", nil)
	procA := a.process.(*fakeProcess)
	procB := b.process.(*fakeProcess)

	pool := testPool(t, a, b)

	require.NoError(t, pool.Shutdown())

	require.Equal(t, 1, engineA.shutdownCount())
	require.Equal(t, 1, engineB.shutdownCount())
	require.True(t, procA.wasKilled())
	require.True(t, procB.wasKilled())
	require.Equal(t, 0, pool.instanceCount())
}

func TestInstancesStatus(t *testing.T) {
	a := newInstance(newFakeProcess(1), 6801, "secret-a")
	a.addLoad()
	deadProc := newFakeProcess(2)
	deadProc.die()
	b := newInstance(deadProc, 6802, "secret-b")

	pool := testPool(t, a, b)

	status := pool.InstancesStatus()
	require.Len(t, status, 2)
	require.Equal(t, uint16(6801), status[0].Port)
	require.Equal(t, int64(1), status[0].Load)
	require.True(t, status[0].Healthy)
	require.False(t, status[1].Healthy)
}

func TestRestartRebuildsPoolFromCurrentSettings(t *testing.T) {
	if runtime.GOOS == platform.OSWindows {
		t.Skip("fake engine binary is a shell script")
	}

	_, old := engineInstance(t, "old", nil)
	oldProc := old.process.(*fakeProcess)

	dataDir := t.TempDir()
	writeFakeEngineBinary(t, dataDir)

	pool := testPool(t, old)
	pool.provisioner = &Provisioner{
		dataDir:  dataDir,
		tempDir:  t.TempDir(),
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
	}
	pool.spawnProcess = func(string, uint16, string, int, int) (processHandle, error) {
		return newFakeProcess(9000), nil
	}
	pool.verifyInstance = func(context.Context, *rpcClient) (string, error) {
		return "1.37.0", nil
	}

	require.NoError(t, pool.Restart(context.Background()))

	// The old worker is gone and the pool is rebuilt to the size the
	// thread budget dictates.
	require.True(t, oldProc.wasKilled())
	require.Equal(t, InstanceCount(pool.cfg.TotalThreads()), pool.instanceCount())
	require.False(t, containsInstance(pool.snapshotInstances(), old))
}

func TestStartFailsWithoutUsableBinary(t *testing.T) {
	skipIfEngineInstalled(t)

	pool := NewPool(testManager(), testHTTPClient())
	pool.provisioner = &Provisioner{
		dataDir:  t.TempDir(),
		tempDir:  t.TempDir(),
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
	}

	err := pool.Start(context.Background())
	require.ErrorIs(t, err, ErrNoUsableBinary)
}

func TestStartFailsWhenAllInstancesFailVerification(t *testing.T) {
	if runtime.GOOS == platform.OSWindows {
		t.Skip("fake engine binary is a shell script")
	}

	dataDir := t.TempDir()
	writeFakeEngineBinary(t, dataDir)

	pool := NewPool(testManager(), testHTTPClient())
	pool.provisioner = &Provisioner{
		dataDir:  dataDir,
		tempDir:  t.TempDir(),
		lookPath: func(string) (string, error) { return "", errors.New("not found") },
	}
	pool.spawnProcess = func(string, uint16, string, int, int) (processHandle, error) {
		return newFakeProcess(1), nil
	}
	pool.verifyInstance = func(context.Context, *rpcClient) (string, error) {
		return "", errors.New("no answer")
	}

	err := pool.Start(context.Background())
	require.ErrorIs(t, err, ErrNoInstancesAvailable)
}

// addURIRequests filters the recorded requests down to task submissions.
func addURIRequests(e *fakeEngine) []rpcRequest {
	var adds []rpcRequest
	for _, req := range e.recordedRequests() {
		if req.Method == methodAddURI {
			adds = append(adds, req)
		}
	}
	return adds
}

// writeFakeEngineBinary drops a shell script that answers the version
// probe like a real engine.
func writeFakeEngineBinary(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, platform.EngineBinaryName())
	script := "#!/bin/sh\necho \"aria2 version 1.37.0\"\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0755))
	return path
}
