package proto

import "time"

// Stream identifies which output stream of a process a chunk came from.
type Stream string

const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// SignalKind is a platform-neutral signal name.
type SignalKind string

const (
	SignalInterrupt SignalKind = "interrupt"
	SignalTerminate SignalKind = "terminate"
	SignalKill      SignalKind = "kill"
)

// State is the lifecycle state of a process as reported on the wire.
type State string

const (
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateExited   State = "exited"
	StateKilled   State = "killed"
)

// ProcessInfo describes one process record.
type ProcessInfo struct {
	PID       uint64    `cbor:"pid"`
	Command   string    `cbor:"command"`
	Args      []string  `cbor:"args,omitempty"`
	Dir       string    `cbor:"dir"`
	State     State     `cbor:"state"`
	ExitCode  int       `cbor:"exit_code"`
	Signal    string    `cbor:"signal,omitempty"`
	StartedAt time.Time `cbor:"started_at"`
	EndedAt   time.Time `cbor:"ended_at"`
}

// Request is a command sent by the client. The set of requests is closed: every
// implementation lives in this file.
type Request interface {
	requestType() string
}

// Start spawns a new process. With no Args, Command is split on whitespace.
// With Shell set, Command is run by "sh -c".
type Start struct {
	Command string   `cbor:"command"`
	Args    []string `cbor:"args,omitempty"`
	Dir     string   `cbor:"dir,omitempty"`
	Env     []string `cbor:"env,omitempty"`
	Shell   bool     `cbor:"shell,omitempty"`
}

type List struct{}

type Attach struct {
	PID uint64 `cbor:"pid"`
}

type Detach struct {
	PID uint64 `cbor:"pid"`
}

type Signal struct {
	PID  uint64     `cbor:"pid"`
	Kind SignalKind `cbor:"kind"`
}

type Reap struct {
	PID uint64 `cbor:"pid"`
}

// Clear reaps every terminated process.
type Clear struct{}

// Stdin writes Data to the process's standard input, then closes it if Close is set.
type Stdin struct {
	PID   uint64 `cbor:"pid"`
	Data  []byte `cbor:"data,omitempty"`
	Close bool   `cbor:"close,omitempty"`
}

// Ping is a keep-alive. It resets the session's idle timer.
type Ping struct{}

// Chdir changes the session's working directory, which relative paths resolve against.
type Chdir struct {
	Dir string `cbor:"dir"`
}

// GetFile reads up to Length bytes of a file starting at Offset.
type GetFile struct {
	Path   string `cbor:"path"`
	Offset int64  `cbor:"offset"`
	Length int    `cbor:"length"`
}

// PutFile writes Data into a file at Offset, creating it if needed.
// With Truncate set, the file is truncated first.
type PutFile struct {
	Path     string `cbor:"path"`
	Offset   int64  `cbor:"offset"`
	Data     []byte `cbor:"data,omitempty"`
	Truncate bool   `cbor:"truncate,omitempty"`
}

func (Start) requestType() string   { return "start" }
func (List) requestType() string    { return "list" }
func (Attach) requestType() string  { return "attach" }
func (Detach) requestType() string  { return "detach" }
func (Signal) requestType() string  { return "signal" }
func (Reap) requestType() string    { return "reap" }
func (Clear) requestType() string   { return "clear" }
func (Stdin) requestType() string   { return "stdin" }
func (Ping) requestType() string    { return "ping" }
func (Chdir) requestType() string   { return "chdir" }
func (GetFile) requestType() string { return "get_file" }
func (PutFile) requestType() string { return "put_file" }

// ServerMessage is anything the daemon sends: a response to a request or an
// asynchronous notification about an attached process.
type ServerMessage interface {
	serverMessageType() string
}

// Response answers exactly one Request. Error is empty on success, in which case Result is set.
type Response struct {
	Error   ErrorKind
	Message string
	Result  Result
}

// Output is one chunk of process output.
type Output struct {
	PID    uint64 `cbor:"pid"`
	Stream Stream `cbor:"stream"`
	Seq    uint64 `cbor:"seq"`
	Data   []byte `cbor:"data"`
}

// Truncated tells an attaching client that output before FirstSeq was evicted from the backlog.
type Truncated struct {
	PID      uint64 `cbor:"pid"`
	FirstSeq uint64 `cbor:"first_seq"`
}

// StateChange reports a lifecycle transition of an attached process.
type StateChange struct {
	Process ProcessInfo `cbor:"process"`
}

// Detached tells a client that the daemon ended its attachment to PID without being asked to.
// Attaching again resumes from the retained backlog.
type Detached struct {
	PID    uint64 `cbor:"pid"`
	Reason string `cbor:"reason"`
}

// DetachReasonBackpressure is the Detached reason for a session that fell too far behind the output.
const DetachReasonBackpressure = "backpressure"

func (Response) serverMessageType() string    { return "response" }
func (Output) serverMessageType() string      { return "output" }
func (Truncated) serverMessageType() string   { return "truncated" }
func (StateChange) serverMessageType() string { return "state" }
func (Detached) serverMessageType() string    { return "detached" }

// Result is the payload of a successful Response.
type Result interface {
	resultType() string
}

type Empty struct{}

type Started struct {
	PID uint64 `cbor:"pid"`
}

type Processes struct {
	Processes []ProcessInfo `cbor:"processes"`
}

// Attached is the result of Attach. Backlog output follows it, starting at FirstSeq.
type Attached struct {
	Process   ProcessInfo `cbor:"process"`
	FirstSeq  uint64      `cbor:"first_seq"`
	Truncated bool        `cbor:"truncated,omitempty"`
}

type Dir struct {
	Path string `cbor:"path"`
}

type File struct {
	Data []byte `cbor:"data,omitempty"`
	EOF  bool   `cbor:"eof,omitempty"`
	Size int64  `cbor:"size"`
}

type Reaped struct {
	PIDs []uint64 `cbor:"pids"`
}

func (Empty) resultType() string     { return "empty" }
func (Started) resultType() string   { return "started" }
func (Processes) resultType() string { return "processes" }
func (Attached) resultType() string  { return "attached" }
func (Dir) resultType() string       { return "dir" }
func (File) resultType() string      { return "file" }
func (Reaped) resultType() string    { return "reaped" }
