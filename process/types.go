package process

import (
	"errors"
	"fmt"
	"time"
)

// PID identifies a process record. PIDs start at 1 and are never reused within a daemon's lifetime.
// They are unrelated to OS process IDs.
type PID uint64

// State is the lifecycle state of a process record.
type State int

const (
	// StateStarting - the record exists, the command is being spawned
	StateStarting State = iota
	// StateRunning - the command is running
	StateRunning
	// StateExited - the command exited on its own, see Info.ExitCode
	StateExited
	// StateKilled - the command was terminated by a signal
	StateKilled
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateExited:
		return "exited"
	case StateKilled:
		return "killed"
	default:
		return "unknown"
	}
}

// Terminated reports whether the process has finished, by exit or by signal.
func (s State) Terminated() bool {
	return s == StateExited || s == StateKilled
}

// Signal is a platform-neutral signal.
type Signal int

const (
	SignalInterrupt Signal = iota
	SignalTerminate
	SignalKill
)

func (s Signal) String() string {
	switch s {
	case SignalInterrupt:
		return "interrupt"
	case SignalTerminate:
		return "terminate"
	case SignalKill:
		return "kill"
	default:
		return "unknown"
	}
}

// ParseSignal parses a signal name as produced by Signal.String.
func ParseSignal(s string) (Signal, error) {
	switch s {
	case "interrupt", "int", "SIGINT":
		return SignalInterrupt, nil
	case "terminate", "term", "SIGTERM":
		return SignalTerminate, nil
	case "kill", "SIGKILL":
		return SignalKill, nil
	default:
		return 0, fmt.Errorf("unknown signal %q", s)
	}
}

// Stream identifies a process output stream.
type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// Info is a point-in-time copy of a process record.
type Info struct {
	PID     PID
	Command string
	Args    []string
	Dir     string
	State   State
	// ExitCode is valid when State is StateExited.
	ExitCode int
	// Signal names the terminating signal when State is StateKilled.
	Signal    string
	StartedAt time.Time
	EndedAt   time.Time
}

var (
	ErrNotFound            = errors.New("process not found")
	ErrProcessNotRunning   = errors.New("process not running")
	ErrProcessStillRunning = errors.New("process still running")
	ErrStdinClosed         = errors.New("stdin already closed")
)

// SpawnError is returned when the OS refuses to start a command.
type SpawnError struct {
	Command string
	Err     error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawning %q: %s", e.Command, e.Err)
}

func (e *SpawnError) Unwrap() error { return e.Err }

// ReapError is reported when a supervisor cannot collect its child's exit status.
// The record is left in its last known state.
type ReapError struct {
	PID PID
	Err error
}

func (e *ReapError) Error() string {
	return fmt.Sprintf("collecting exit status of process %d: %s", e.PID, e.Err)
}

func (e *ReapError) Unwrap() error { return e.Err }
