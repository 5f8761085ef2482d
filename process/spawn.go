package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
)

// Spec describes a command to spawn.
type Spec struct {
	Command string
	Args    []string
	Dir     string
	Env     []string
}

// ExitStatus is how a child finished.
type ExitStatus struct {
	Code     int
	Signaled bool
	Signal   string
}

// Handle is a spawned child.
// Stdout and Stderr must be read to EOF; Wait may be called concurrently with those reads.
type Handle interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	Stderr() io.ReadCloser
	// Wait blocks until the child exits. An error means the exit status could not be collected.
	Wait() (ExitStatus, error)
	Signal(sig Signal) error
	Pid() int
}

// Spawner starts commands.
type Spawner interface {
	Spawn(ctx context.Context, spec Spec) (Handle, error)
}

// LocalSpawner runs commands on the daemon's host. Each child gets its own process group,
// so signals reach the whole tree the command starts.
type LocalSpawner struct{}

func (LocalSpawner) Spawn(ctx context.Context, spec Spec) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	// The child must outlive the request that started it, so ctx is not tied to the command.
	cmd := exec.Command(spec.Command, spec.Args...)
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}
	setProcessGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}

	// os.Pipe instead of StdoutPipe: Wait must not close the read ends before the pumps drain them.
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("creating stderr pipe: %w", err)
	}
	cmd.Stdout = stdoutW
	cmd.Stderr = stderrW

	err = cmd.Start()
	stdoutW.Close()
	stderrW.Close()
	if err != nil {
		stdin.Close()
		stdoutR.Close()
		stderrR.Close()
		return nil, err
	}

	return &localHandle{
		cmd:    cmd,
		stdin:  stdin,
		stdout: stdoutR,
		stderr: stderrR,
	}, nil
}

type localHandle struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout *os.File
	stderr *os.File

	sigMut sync.Mutex
	exited bool
}

func (h *localHandle) Stdin() io.WriteCloser { return h.stdin }

func (h *localHandle) Stdout() io.ReadCloser { return h.stdout }

func (h *localHandle) Stderr() io.ReadCloser { return h.stderr }

func (h *localHandle) Pid() int { return h.cmd.Process.Pid }

// Signal signals the child's process group. Once the child has exited its pid and group may be reused, so it
// returns ErrProcessNotRunning instead.
func (h *localHandle) Signal(sig Signal) error {
	h.sigMut.Lock()
	defer h.sigMut.Unlock()
	if h.exited {
		return ErrProcessNotRunning
	}
	return signalProcess(h.cmd.Process, sig)
}

func (h *localHandle) markExited() {
	h.sigMut.Lock()
	h.exited = true
	h.sigMut.Unlock()
}

func (h *localHandle) Wait() (ExitStatus, error) {
	// where supported, signals are shut off while the child is still an unreaped zombie holding its pid
	if waitExited(h.cmd.Process.Pid) {
		h.markExited()
	}
	err := h.cmd.Wait()
	h.markExited()
	if err != nil {
		var exitErr *exec.ExitError
		if !errors.As(err, &exitErr) {
			return ExitStatus{}, err
		}
	}
	if h.cmd.ProcessState == nil {
		return ExitStatus{}, errors.New("no process state after wait")
	}
	return exitStatus(h.cmd.ProcessState), nil
}
