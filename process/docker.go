package process

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// DockerSpawner runs commands inside an already running container, through the Docker exec API.
// This supports standard environment variables for configuring the Docker client (DOCKER_HOST etc.).
type DockerSpawner struct {
	Client    *client.Client
	Container string
	// ExitPollInterval is how often the exec is inspected while waiting for the exit code to settle.
	ExitPollInterval time.Duration
}

func NewDockerSpawner(container string) (*DockerSpawner, error) {
	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("building Docker client: %w", err)
	}
	return &DockerSpawner{
		Client:           dockerClient,
		Container:        container,
		ExitPollInterval: 50 * time.Millisecond,
	}, nil
}

func (s *DockerSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	created, err := s.Client.ContainerExecCreate(ctx, s.Container, types.ExecConfig{
		Cmd:          append([]string{spec.Command}, spec.Args...),
		WorkingDir:   spec.Dir,
		Env:          spec.Env,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating exec in container %q: %w", s.Container, err)
	}

	// attaching starts the exec
	attach, err := s.Client.ContainerExecAttach(ctx, created.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("attaching to exec %q: %w", created.ID, err)
	}

	inspect, err := s.Client.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		attach.Close()
		return nil, fmt.Errorf("inspecting exec %q: %w", created.ID, err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	h := &dockerHandle{
		client:       s.Client,
		execID:       created.ID,
		pid:          inspect.Pid,
		pollInterval: s.ExitPollInterval,
		attach:       attach,
		stdout:       stdoutR,
		stderr:       stderrR,
		demuxed:      make(chan struct{}),
	}
	h.stdin = &execStdin{h: h}

	go func() {
		defer close(h.demuxed)
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attach.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	return h, nil
}

type dockerHandle struct {
	client       *client.Client
	execID       string
	pid          int
	pollInterval time.Duration
	attach       types.HijackedResponse
	stdin        *execStdin
	stdout       *io.PipeReader
	stderr       *io.PipeReader
	demuxed      chan struct{}

	sigMut     sync.Mutex
	lastSignal *Signal
}

func (h *dockerHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *dockerHandle) Stdout() io.ReadCloser { return h.stdout }

func (h *dockerHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *dockerHandle) Pid() int { return h.pid }

// Signal signals the exec'd process through its host pid, which requires the daemon to share the Docker host's
// pid namespace.
func (h *dockerHandle) Signal(sig Signal) error {
	if h.pid == 0 {
		return fmt.Errorf("exec %q has no host pid", h.execID)
	}
	if err := signalPID(h.pid, sig); err != nil {
		return err
	}
	h.sigMut.Lock()
	h.lastSignal = &sig
	h.sigMut.Unlock()
	return nil
}

// Wait waits for the output stream to end, then polls the exec until Docker reports it as stopped.
// Docker only reports an exit code, so a code of 128+n after a signal was sent is reported as death by that signal.
func (h *dockerHandle) Wait() (ExitStatus, error) {
	<-h.demuxed
	defer h.attach.Close()

	ctx := context.Background()
	for {
		inspect, err := h.client.ContainerExecInspect(ctx, h.execID)
		if err != nil {
			return ExitStatus{}, fmt.Errorf("inspecting exec %q: %w", h.execID, err)
		}
		if !inspect.Running {
			return h.exitStatus(inspect.ExitCode), nil
		}
		time.Sleep(h.pollInterval)
	}
}

func (h *dockerHandle) exitStatus(code int) ExitStatus {
	h.sigMut.Lock()
	defer h.sigMut.Unlock()
	if h.lastSignal != nil && code > 128 {
		return ExitStatus{Code: -1, Signaled: true, Signal: h.lastSignal.String()}
	}
	return ExitStatus{Code: code}
}

type execStdin struct {
	h *dockerHandle
}

func (w *execStdin) Write(p []byte) (int, error) {
	return w.h.attach.Conn.Write(p)
}

func (w *execStdin) Close() error {
	return w.h.attach.CloseWrite()
}
