package process

import (
	"errors"
	"io"
	"os"
	"sync"
	"time"

	"github.com/guseggert/procd/metrics"
	"go.uber.org/zap"
)

const (
	// readSize bounds a single chunk.
	readSize = 32 * 1024

	DefaultDrainTimeout = 2 * time.Second
)

// Supervisor owns one spawned child. It pumps the child's output into the backlog, forwards stdin writes and
// signals, and reports the exit status once both output streams are drained.
type Supervisor struct {
	log          *zap.SugaredLogger
	metrics      metrics.Collector
	pid          PID
	handle       Handle
	backlog      *Backlog
	drainTimeout time.Duration
	onExit       func(ExitStatus, error)

	stdinMut    sync.Mutex
	stdinClosed bool

	sigMut sync.Mutex
	waited bool

	done chan struct{}
}

func newSupervisor(
	log *zap.SugaredLogger,
	m metrics.Collector,
	pid PID,
	handle Handle,
	backlog *Backlog,
	drainTimeout time.Duration,
	onExit func(ExitStatus, error),
) *Supervisor {
	return &Supervisor{
		log:          log,
		metrics:      m,
		pid:          pid,
		handle:       handle,
		backlog:      backlog,
		drainTimeout: drainTimeout,
		onExit:       onExit,
		done:         make(chan struct{}),
	}
}

// Done is closed after the exit status has been reported.
func (s *Supervisor) Done() <-chan struct{} { return s.done }

func (s *Supervisor) run() {
	defer close(s.done)

	var pumps sync.WaitGroup
	pumps.Add(2)
	go s.pump(&pumps, Stdout, s.handle.Stdout())
	go s.pump(&pumps, Stderr, s.handle.Stderr())

	status, err := s.handle.Wait()
	s.sigMut.Lock()
	s.waited = true
	s.sigMut.Unlock()
	s.log.Debugw("child exited", "OSPID", s.handle.Pid(), "Code", status.Code, "Signal", status.Signal, "Err", err)

	drained := make(chan struct{})
	go func() {
		pumps.Wait()
		close(drained)
	}()

	// a grandchild holding the pipes open must not keep the record alive forever
	timer := time.NewTimer(s.drainTimeout)
	select {
	case <-drained:
		timer.Stop()
	case <-timer.C:
		s.log.Debugf("output not drained after %s, closing pipes", s.drainTimeout)
		s.handle.Stdout().Close()
		s.handle.Stderr().Close()
		<-drained
	}

	s.stdinMut.Lock()
	if !s.stdinClosed {
		s.stdinClosed = true
		s.handle.Stdin().Close()
	}
	s.stdinMut.Unlock()

	s.onExit(status, err)
}

func (s *Supervisor) pump(wg *sync.WaitGroup, stream Stream, r io.ReadCloser) {
	defer wg.Done()
	defer r.Close()
	buf := make([]byte, readSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			s.backlog.Append(stream, buf[:n])
			s.metrics.OutputBytes(stream.String(), n)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, os.ErrClosed) && !errors.Is(err, io.ErrClosedPipe) {
				s.log.Debugw("reading child output", "Stream", stream, "Err", err)
			}
			return
		}
	}
}

// WriteStdin writes data to the child's stdin.
func (s *Supervisor) WriteStdin(data []byte) error {
	s.stdinMut.Lock()
	defer s.stdinMut.Unlock()
	if s.stdinClosed {
		return ErrStdinClosed
	}
	_, err := s.handle.Stdin().Write(data)
	return err
}

// CloseStdin closes the child's stdin. Closing twice is not an error.
func (s *Supervisor) CloseStdin() error {
	s.stdinMut.Lock()
	defer s.stdinMut.Unlock()
	if s.stdinClosed {
		return nil
	}
	s.stdinClosed = true
	return s.handle.Stdin().Close()
}

// Signal signals the child. After Wait has returned the child's pid may belong to another process, so signals
// sent during the drain window are refused.
func (s *Supervisor) Signal(sig Signal) error {
	s.sigMut.Lock()
	defer s.sigMut.Unlock()
	if s.waited {
		return ErrProcessNotRunning
	}
	return s.handle.Signal(sig)
}
