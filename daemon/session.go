package daemon

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/guseggert/procd/frame"
	"github.com/guseggert/procd/process"
	"github.com/guseggert/procd/proto"
	"go.uber.org/zap"
)

// session serves one connection: handshake, password check, then one response per request.
// It refers to processes only by PID, through the registry.
type session struct {
	id   string
	log  *zap.SugaredLogger
	d    *Daemon
	raw  net.Conn
	conn *frame.Conn

	workDir string

	writeMut sync.Mutex

	forwardersMut sync.Mutex
	forwarders    map[process.PID]*forwarder

	closeOnce sync.Once
}

// forwarder relays one subscription's events to the connection.
type forwarder struct {
	pid  process.PID
	sub  *process.Subscription
	done chan struct{}
}

func newSession(d *Daemon, conn net.Conn) *session {
	id := uuid.NewString()
	return &session{
		id:         id,
		log:        d.logger.Named("session").With("Session", id, "Remote", conn.RemoteAddr().String()),
		d:          d,
		raw:        conn,
		workDir:    d.workDir,
		forwarders: map[process.PID]*forwarder{},
	}
}

func (s *session) close() {
	s.closeOnce.Do(func() {
		if err := s.raw.Close(); err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
}

func (s *session) run(ctx context.Context) {
	s.d.metrics.SessionOpened()
	reason := "error"
	defer func() {
		s.close()
		s.detachAll()
		s.d.metrics.SessionClosed(reason)
		s.log.Debugw("session closed", "Reason", reason)
	}()

	if err := s.authenticate(); err != nil {
		reason = "auth"
		s.log.Debugw("rejected connection", "Err", err)
		return
	}
	s.log.Debug("authenticated")

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(s.d.idleTimeout)); err != nil {
			s.log.Debugf("setting read deadline: %s", err)
			return
		}
		b, err := s.conn.ReadFrame()
		if err != nil {
			reason = readFailureReason(err)
			s.log.Debugw("read failed", "Err", err)
			return
		}

		req, err := proto.DecodeRequest(b)
		if err != nil {
			s.log.Debugw("undecodable request", "Err", err)
			if err := s.send(proto.Response{Error: proto.KindBadRequest, Message: err.Error()}); err != nil {
				return
			}
			continue
		}

		start := time.Now()
		resp, after := s.handle(ctx, req)
		s.d.metrics.CommandHandled(requestName(req), string(resp.Error), time.Since(start))
		if resp.Error != "" {
			s.log.Debugw("command failed", "Command", requestName(req), "Kind", resp.Error, "Message", resp.Message)
		}

		if err := s.send(resp); err != nil {
			s.log.Debugw("writing response", "Err", err)
			return
		}
		if after != nil {
			if err := after(); err != nil {
				s.log.Debugw("writing after response", "Err", err)
				return
			}
		}
	}
}

func readFailureReason(err error) string {
	var netErr net.Error
	switch {
	case errors.Is(err, frame.ErrCorruptFrame):
		return "frame"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "idle"
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return "eof"
	default:
		return "error"
	}
}

// authenticate runs the key exchange and checks the password frame, all within the handshake timeout.
func (s *session) authenticate() error {
	if err := s.raw.SetDeadline(time.Now().Add(s.d.handshakeTimeout)); err != nil {
		return err
	}
	conn, err := frame.Server(s.raw, s.d.key)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrAuth, err)
	}
	s.conn = conn

	pw, err := conn.ReadFrame()
	if err != nil {
		return fmt.Errorf("%w: reading password: %s", ErrAuth, err)
	}
	if !s.d.checkPassword(pw) {
		return fmt.Errorf("%w: wrong password", ErrAuth)
	}
	return s.raw.SetDeadline(time.Time{})
}

// checkPassword compares a password frame against the configured password in constant time.
// Trailing NUL, CR and LF bytes are ignored.
func (d *Daemon) checkPassword(pw []byte) bool {
	if len(pw) > MaxPasswordSize {
		return false
	}
	pw = bytes.TrimRight(pw, "\x00\r\n")
	got := sha256.Sum256(pw)
	want := sha256.Sum256(d.password)
	return subtle.ConstantTimeCompare(got[:], want[:]) == 1
}

func (s *session) send(m proto.ServerMessage) error {
	b, err := proto.EncodeServerMessage(m)
	if err != nil {
		return fmt.Errorf("encoding message: %w", err)
	}
	s.writeMut.Lock()
	defer s.writeMut.Unlock()
	if err := s.writeFrame(b); err != nil {
		// the send counter has moved on and part of the frame may be on the wire, so the stream is unusable
		s.close()
		return err
	}
	return nil
}

func (s *session) writeFrame(b []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.d.writeTimeout)); err != nil {
		return err
	}
	if err := s.conn.WriteFrame(b); err != nil {
		return err
	}
	// a pending deadline on a WebSocket tunnel closes the tunnel when it fires, so it must not outlive the write
	return s.conn.SetWriteDeadline(time.Time{})
}

func requestName(r proto.Request) string {
	switch r.(type) {
	case proto.Start:
		return "start"
	case proto.List:
		return "list"
	case proto.Attach:
		return "attach"
	case proto.Detach:
		return "detach"
	case proto.Signal:
		return "signal"
	case proto.Reap:
		return "reap"
	case proto.Clear:
		return "clear"
	case proto.Stdin:
		return "stdin"
	case proto.Ping:
		return "ping"
	case proto.Chdir:
		return "chdir"
	case proto.GetFile:
		return "get_file"
	case proto.PutFile:
		return "put_file"
	default:
		return "unknown"
	}
}

// handle executes one request. The returned func, if any, runs after the response has been written.
func (s *session) handle(ctx context.Context, req proto.Request) (proto.Response, func() error) {
	var (
		result proto.Result
		after  func() error
		err    error
	)
	switch r := req.(type) {
	case proto.Start:
		result, err = s.start(ctx, r)
	case proto.List:
		result = proto.Processes{Processes: toProcessInfos(s.d.registry.List())}
	case proto.Attach:
		result, after, err = s.attach(process.PID(r.PID))
	case proto.Detach:
		s.detach(process.PID(r.PID))
		result = proto.Empty{}
	case proto.Signal:
		result, err = s.signal(r)
	case proto.Reap:
		err = s.d.registry.Reap(process.PID(r.PID))
		result = proto.Reaped{PIDs: []uint64{r.PID}}
	case proto.Clear:
		result = proto.Reaped{PIDs: toUint64s(s.d.registry.Clear())}
	case proto.Stdin:
		result, err = s.stdin(r)
	case proto.Ping:
		result = proto.Empty{}
	case proto.Chdir:
		result, err = s.chdir(r)
	case proto.GetFile:
		result, err = s.getFile(r)
	case proto.PutFile:
		result, err = s.putFile(r)
	default:
		err = badRequest("unsupported request %T", req)
	}
	if err != nil {
		return errorResponse(err), nil
	}
	return proto.Response{Result: result}, after
}

// resolve makes p absolute relative to the session working directory.
func (s *session) resolve(p string) string {
	if p == "" {
		return s.workDir
	}
	if filepath.IsAbs(p) {
		return filepath.Clean(p)
	}
	return filepath.Join(s.workDir, p)
}

func (s *session) start(ctx context.Context, r proto.Start) (proto.Result, error) {
	spec := process.Spec{
		Command: r.Command,
		Args:    r.Args,
		Dir:     s.resolve(r.Dir),
		Env:     r.Env,
	}
	switch {
	case r.Shell:
		if strings.TrimSpace(r.Command) == "" {
			return nil, badRequest("empty command")
		}
		spec.Command = "sh"
		spec.Args = []string{"-c", r.Command}
	case len(r.Args) == 0:
		fields := strings.Fields(r.Command)
		if len(fields) == 0 {
			return nil, badRequest("empty command")
		}
		spec.Command = fields[0]
		spec.Args = fields[1:]
	}

	info, err := s.d.registry.Start(ctx, spec)
	if err != nil {
		return nil, err
	}
	s.log.Debugw("started process", "PID", info.PID, "Command", spec.Command, "Args", spec.Args)
	return proto.Started{PID: uint64(info.PID)}, nil
}

func (s *session) signal(r proto.Signal) (proto.Result, error) {
	sig, err := process.ParseSignal(string(r.Kind))
	if err != nil {
		return nil, badRequest("%s", err)
	}
	if err := s.d.registry.Signal(process.PID(r.PID), sig); err != nil {
		return nil, err
	}
	return proto.Empty{}, nil
}

func (s *session) stdin(r proto.Stdin) (proto.Result, error) {
	pid := process.PID(r.PID)
	if len(r.Data) > 0 {
		if err := s.d.registry.WriteStdin(pid, r.Data); err != nil {
			return nil, err
		}
	}
	if r.Close {
		if err := s.d.registry.CloseStdin(pid); err != nil {
			return nil, err
		}
	}
	return proto.Empty{}, nil
}

// attach subscribes the session to pid. The backlog replay and the live forwarder start only after the Attached
// response is on the wire.
func (s *session) attach(pid process.PID) (proto.Result, func() error, error) {
	// a second attach to the same pid starts over with a fresh replay
	s.detach(pid)

	info, snap, sub, err := s.d.registry.Attach(pid, s.id)
	if err != nil {
		return nil, nil, err
	}
	result := proto.Attached{
		Process:   toProcessInfo(info),
		FirstSeq:  snap.FirstSeq,
		Truncated: snap.Truncated,
	}
	after := func() error {
		f := &forwarder{pid: pid, sub: sub, done: make(chan struct{})}
		s.forwardersMut.Lock()
		s.forwarders[pid] = f
		s.forwardersMut.Unlock()

		if snap.Truncated {
			if err := s.send(proto.Truncated{PID: uint64(pid), FirstSeq: snap.FirstSeq}); err != nil {
				close(f.done)
				return err
			}
		}
		for _, c := range snap.Chunks {
			if err := s.send(toOutput(pid, c)); err != nil {
				close(f.done)
				return err
			}
		}
		go s.forward(f)
		return nil
	}
	return result, after, nil
}

func (s *session) forward(f *forwarder) {
	defer close(f.done)
	defer func() {
		s.forwardersMut.Lock()
		if s.forwarders[f.pid] == f {
			delete(s.forwarders, f.pid)
		}
		s.forwardersMut.Unlock()
	}()

	for ev := range f.sub.Events() {
		var msg proto.ServerMessage
		if ev.Chunk != nil {
			msg = toOutput(f.pid, *ev.Chunk)
		} else {
			msg = proto.StateChange{Process: toProcessInfo(*ev.State)}
		}
		if err := s.send(msg); err != nil {
			// send closed the session; the read loop detaches everything on its way out
			s.log.Debugw("forwarding output", "PID", f.pid, "Err", err)
			return
		}
	}

	switch f.sub.Reason() {
	case process.DetachBackpressure:
		s.log.Warnw("session fell behind, detached", "PID", f.pid)
		if err := s.send(proto.Detached{PID: uint64(f.pid), Reason: proto.DetachReasonBackpressure}); err != nil {
			s.log.Debugw("sending detach notice", "PID", f.pid, "Err", err)
		}
	case process.DetachReaped:
		s.log.Debugw("attached process reaped", "PID", f.pid)
	}
}

// detach ends the session's subscription to pid and waits for its forwarder, so no output for pid follows.
func (s *session) detach(pid process.PID) {
	s.forwardersMut.Lock()
	f := s.forwarders[pid]
	delete(s.forwarders, pid)
	s.forwardersMut.Unlock()

	s.d.registry.Detach(pid, s.id)
	if f != nil {
		<-f.done
	}
}

// detachAll ends every subscription the session holds. The processes keep running.
func (s *session) detachAll() {
	pids := s.d.registry.DetachAll(s.id)

	s.forwardersMut.Lock()
	fs := make([]*forwarder, 0, len(s.forwarders))
	for _, f := range s.forwarders {
		fs = append(fs, f)
	}
	s.forwarders = map[process.PID]*forwarder{}
	s.forwardersMut.Unlock()

	for _, f := range fs {
		<-f.done
	}
	if len(pids) > 0 {
		s.log.Debugw("detached on close", "PIDs", pids)
	}
}
