package process

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestRegistry(t *testing.T, opts ...Option) *Registry {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	r := NewRegistry(opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		assert.NoError(t, r.Shutdown(ctx))
	})
	return r
}

func waitTerminated(t *testing.T, r *Registry, pid PID) Info {
	var info Info
	require.Eventually(t, func() bool {
		var err error
		info, err = r.Get(pid)
		return err == nil && info.State.Terminated()
	}, 10*time.Second, 10*time.Millisecond)
	return info
}

func output(t *testing.T, r *Registry, pid PID, stream Stream) string {
	snap, err := r.Output(pid)
	require.NoError(t, err)
	var sb strings.Builder
	for _, c := range snap.Chunks {
		if c.Stream == stream {
			sb.Write(c.Data)
		}
	}
	return sb.String()
}

func TestRegistryStartAndExit(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	info, err := r.Start(ctx, Spec{Command: "echo", Args: []string{"hi"}})
	require.NoError(t, err)
	assert.Equal(t, PID(1), info.PID)
	assert.Equal(t, StateRunning, info.State)

	info = waitTerminated(t, r, 1)
	assert.Equal(t, StateExited, info.State)
	assert.Equal(t, 0, info.ExitCode)
	assert.False(t, info.EndedAt.IsZero())
	assert.Equal(t, "hi\n", output(t, r, 1, Stdout))
}

func TestRegistryExitCodeAndStderr(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Start(context.Background(), Spec{Command: "sh", Args: []string{"-c", "echo oops >&2; exit 3"}})
	require.NoError(t, err)

	info := waitTerminated(t, r, 1)
	assert.Equal(t, StateExited, info.State)
	assert.Equal(t, 3, info.ExitCode)
	assert.Equal(t, "oops\n", output(t, r, 1, Stderr))
	assert.Equal(t, "", output(t, r, 1, Stdout))
}

func TestRegistryWorkingDir(t *testing.T) {
	r := newTestRegistry(t)
	dir := t.TempDir()
	_, err := r.Start(context.Background(), Spec{Command: "pwd", Dir: dir})
	require.NoError(t, err)
	waitTerminated(t, r, 1)
	assert.Contains(t, output(t, r, 1, Stdout), dir)
}

func TestRegistryPIDsAreMonotonic(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	var pids []PID
	for i := 0; i < 3; i++ {
		info, err := r.Start(ctx, Spec{Command: "true"})
		require.NoError(t, err)
		pids = append(pids, info.PID)
	}
	assert.Equal(t, []PID{1, 2, 3}, pids)

	for _, pid := range pids {
		waitTerminated(t, r, pid)
	}
	assert.Equal(t, pids, r.Clear())

	info, err := r.Start(ctx, Spec{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, PID(4), info.PID)
}

func TestRegistrySpawnFailure(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Start(ctx, Spec{Command: "/nonexistent/definitely-not-here"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Empty(t, r.List())

	info, err := r.Start(ctx, Spec{Command: "true"})
	require.NoError(t, err)
	assert.Equal(t, PID(2), info.PID)
}

func TestRegistrySignalKill(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Start(context.Background(), Spec{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)

	require.NoError(t, r.Signal(1, SignalKill))
	info := waitTerminated(t, r, 1)
	assert.Equal(t, StateKilled, info.State)
	assert.Equal(t, "kill", info.Signal)

	err = r.Signal(1, SignalKill)
	assert.ErrorIs(t, err, ErrProcessNotRunning)
}

func TestRegistrySignalReachesProcessGroup(t *testing.T) {
	r := newTestRegistry(t)
	// the shell waits on a child sleep; terminating only the shell would leave the pipe open
	_, err := r.Start(context.Background(), Spec{Command: "sh", Args: []string{"-c", "sleep 60; echo done"}})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return r.Signal(1, SignalTerminate) == nil
	}, 5*time.Second, 10*time.Millisecond)
	info := waitTerminated(t, r, 1)
	assert.Equal(t, StateKilled, info.State)
	assert.Equal(t, "terminate", info.Signal)
	assert.Equal(t, "", output(t, r, 1, Stdout))
}

func TestRegistryNotFound(t *testing.T) {
	r := newTestRegistry(t)
	_, err := r.Get(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Signal(42, SignalKill), ErrNotFound)
	assert.ErrorIs(t, r.Reap(42), ErrNotFound)
	assert.ErrorIs(t, r.WriteStdin(42, []byte("x")), ErrNotFound)
	_, _, _, err = r.Attach(42, "s")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.False(t, r.Detach(42, "s"))
}

func TestRegistryReap(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Start(ctx, Spec{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)
	assert.ErrorIs(t, r.Reap(1), ErrProcessStillRunning)

	_, _, sub, err := r.Attach(1, "s1")
	require.NoError(t, err)

	require.NoError(t, r.Signal(1, SignalKill))
	waitTerminated(t, r, 1)
	require.NoError(t, r.Reap(1))

	// the subscription sees the state change, then ends
	var sawState bool
	for ev := range sub.Events() {
		if ev.State != nil && ev.State.State == StateKilled {
			sawState = true
		}
	}
	assert.True(t, sawState)
	assert.Equal(t, DetachReaped, sub.Reason())

	_, err = r.Get(1)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, r.Reap(1), ErrNotFound)
}

func TestRegistryClearKeepsRunning(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Start(ctx, Spec{Command: "true"})
	require.NoError(t, err)
	_, err = r.Start(ctx, Spec{Command: "sleep", Args: []string{"60"}})
	require.NoError(t, err)
	waitTerminated(t, r, 1)

	assert.Equal(t, []PID{1}, r.Clear())
	infos := r.List()
	require.Len(t, infos, 1)
	assert.Equal(t, PID(2), infos[0].PID)
	assert.Equal(t, StateRunning, infos[0].State)
}

func TestRegistryAttachLiveOutput(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	_, err := r.Start(ctx, Spec{Command: "cat"})
	require.NoError(t, err)

	_, snap, sub, err := r.Attach(1, "s1")
	require.NoError(t, err)
	assert.Empty(t, snap.Chunks)
	assert.Equal(t, uint64(1), snap.FirstSeq)

	require.NoError(t, r.WriteStdin(1, []byte("ping\n")))
	ev := <-sub.Events()
	require.NotNil(t, ev.Chunk)
	assert.Equal(t, "ping\n", string(ev.Chunk.Data))
	assert.Equal(t, uint64(1), ev.Chunk.Seq)

	require.NoError(t, r.CloseStdin(1))
	require.NoError(t, r.CloseStdin(1))
	ev = <-sub.Events()
	require.NotNil(t, ev.State)
	assert.Equal(t, StateExited, ev.State.State)
	assert.ErrorIs(t, r.WriteStdin(1, []byte("late")), ErrProcessNotRunning)
}

func TestRegistryDetachAll(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := r.Start(ctx, Spec{Command: "sleep", Args: []string{"60"}})
		require.NoError(t, err)
	}
	_, _, _, err := r.Attach(1, "a")
	require.NoError(t, err)
	_, _, _, err = r.Attach(2, "a")
	require.NoError(t, err)
	_, _, _, err = r.Attach(2, "b")
	require.NoError(t, err)

	assert.Equal(t, []PID{1, 2}, r.DetachAll("a"))
	ids, err := r.Attached(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, ids)

	// detached processes keep running
	for _, info := range r.List() {
		assert.Equal(t, StateRunning, info.State)
	}
	assert.False(t, r.Detach(1, "a"))
	assert.True(t, r.Detach(2, "b"))
}

type fakeSpawner struct {
	handle Handle
	err    error
}

func (f *fakeSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	return f.handle, f.err
}

type brokenHandle struct {
	stdinR *io.PipeReader
	stdinW *io.PipeWriter
}

func newBrokenHandle() *brokenHandle {
	r, w := io.Pipe()
	return &brokenHandle{stdinR: r, stdinW: w}
}

func (h *brokenHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *brokenHandle) Stdout() io.ReadCloser { return io.NopCloser(strings.NewReader("partial")) }
func (h *brokenHandle) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (h *brokenHandle) Pid() int { return 0 }
func (h *brokenHandle) Signal(sig Signal) error { return nil }
func (h *brokenHandle) Wait() (ExitStatus, error) { return ExitStatus{}, errors.New("wait failed") }

func TestRegistryReapErrorKeepsLastState(t *testing.T) {
	r := newTestRegistry(t, WithSpawner(&fakeSpawner{handle: newBrokenHandle()}))

	_, err := r.Start(context.Background(), Spec{Command: "whatever"})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		snap, err := r.Output(1)
		return err == nil && len(snap.Chunks) == 1 && string(snap.Chunks[0].Data) == "partial"
	}, 5*time.Second, 10*time.Millisecond)

	info, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)
}

func TestRegistryInjectedSpawnError(t *testing.T) {
	r := newTestRegistry(t, WithSpawner(&fakeSpawner{err: errors.New("no")}))
	_, err := r.Start(context.Background(), Spec{Command: "x"})
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "x", spawnErr.Command)
}

// slowSpawner blocks in Spawn until release is closed.
type slowSpawner struct {
	started chan struct{}
	release chan struct{}
}

func (s *slowSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	close(s.started)
	<-s.release
	return LocalSpawner{}.Spawn(ctx, spec)
}

func TestRegistrySlowSpawnBlocksNothingElse(t *testing.T) {
	spawner := &slowSpawner{started: make(chan struct{}), release: make(chan struct{})}
	r := newTestRegistry(t, WithSpawner(spawner))

	startErr := make(chan error, 1)
	go func() {
		_, err := r.Start(context.Background(), Spec{Command: "true"})
		startErr <- err
	}()
	<-spawner.started

	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.Empty(t, r.Clear())
		infos := r.List()
		if assert.Len(t, infos, 1) {
			assert.Equal(t, StateStarting, infos[0].State)
		}
		assert.ErrorIs(t, r.Signal(1, SignalKill), ErrProcessNotRunning)
		assert.ErrorIs(t, r.WriteStdin(1, []byte("x")), ErrProcessNotRunning)
		assert.ErrorIs(t, r.Reap(1), ErrProcessStillRunning)
		_, _, sub, err := r.Attach(1, "s1")
		if assert.NoError(t, err) {
			assert.Equal(t, "s1", sub.ID())
		}
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("registry operations blocked behind a spawn")
	}

	close(spawner.release)
	require.NoError(t, <-startErr)
	info := waitTerminated(t, r, 1)
	assert.Equal(t, StateExited, info.State)
}

// lingeringHandle exits at once but keeps its stdout open until the test closes it.
type lingeringHandle struct {
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	mut     sync.Mutex
	signals []Signal
}

func newLingeringHandle() *lingeringHandle {
	_, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	return &lingeringHandle{stdinW: stdinW, stdoutR: stdoutR, stdoutW: stdoutW}
}

func (h *lingeringHandle) Stdin() io.WriteCloser { return h.stdinW }
func (h *lingeringHandle) Stdout() io.ReadCloser { return h.stdoutR }
func (h *lingeringHandle) Stderr() io.ReadCloser { return io.NopCloser(strings.NewReader("")) }
func (h *lingeringHandle) Pid() int { return 0 }
func (h *lingeringHandle) Wait() (ExitStatus, error) { return ExitStatus{}, nil }

func (h *lingeringHandle) Signal(sig Signal) error {
	h.mut.Lock()
	defer h.mut.Unlock()
	h.signals = append(h.signals, sig)
	return nil
}

func TestRegistrySignalRefusedWhileDraining(t *testing.T) {
	h := newLingeringHandle()
	r := newTestRegistry(t, WithSpawner(&fakeSpawner{handle: h}), WithDrainTimeout(time.Minute))

	_, err := r.Start(context.Background(), Spec{Command: "whatever"})
	require.NoError(t, err)

	// the child has been waited for, but its output is still draining
	require.Eventually(t, func() bool {
		return errors.Is(r.Signal(1, SignalTerminate), ErrProcessNotRunning)
	}, 5*time.Second, 10*time.Millisecond)
	info, err := r.Get(1)
	require.NoError(t, err)
	assert.Equal(t, StateRunning, info.State)

	h.mut.Lock()
	delivered := len(h.signals)
	h.mut.Unlock()
	for _, sig := range []Signal{SignalInterrupt, SignalTerminate, SignalKill} {
		assert.ErrorIs(t, r.Signal(1, sig), ErrProcessNotRunning)
	}
	h.mut.Lock()
	assert.Len(t, h.signals, delivered)
	h.mut.Unlock()

	require.NoError(t, h.stdoutW.Close())
	info = waitTerminated(t, r, 1)
	assert.Equal(t, StateExited, info.State)
}

func TestLocalHandleRefusesSignalAfterExit(t *testing.T) {
	h, err := LocalSpawner{}.Spawn(context.Background(), Spec{Command: "true"})
	require.NoError(t, err)
	defer h.Stdout().Close()
	defer h.Stderr().Close()

	status, err := h.Wait()
	require.NoError(t, err)
	assert.Equal(t, 0, status.Code)
	assert.ErrorIs(t, h.Signal(SignalKill), ErrProcessNotRunning)
}
