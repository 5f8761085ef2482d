package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/guseggert/procd/client"
	"github.com/guseggert/procd/proto"
	"github.com/urfave/cli/v2"
)

// streamer copies an attached process's output to local writers.
type streamer struct {
	c         *client.Client
	pid       uint64
	stdout    io.Writer
	stderr    io.Writer
	keepalive time.Duration
	timeout   time.Duration
}

// ping runs a Ping in the background. Events must keep being read while it is in flight, since the response is
// queued behind them.
func (s *streamer) ping(ctx context.Context) <-chan error {
	errc := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()
		errc <- s.c.Ping(ctx)
	}()
	return errc
}

// run streams output until the process ends, the daemon detaches the session, or ctx is done.
// attached is the Attach result the stream starts from.
func (s *streamer) run(ctx context.Context, attached proto.Attached) error {
	// A process that already ended sends no more state changes. The backlog replay is written before the
	// response to the next request, so once a Ping returns the replay has been received.
	var replayed <-chan error
	if terminated(attached.Process.State) {
		replayed = s.ping(ctx)
	}

	var tick <-chan time.Time
	if s.keepalive > 0 {
		ticker := time.NewTicker(s.keepalive)
		defer ticker.Stop()
		tick = ticker.C
	}
	var keepalive <-chan error

	for {
		select {
		case <-ctx.Done():
			detachCtx, cancel := context.WithTimeout(context.Background(), s.timeout)
			defer cancel()
			return s.c.Detach(detachCtx, s.pid)
		case <-tick:
			if keepalive == nil {
				keepalive = s.ping(ctx)
			}
		case err := <-keepalive:
			keepalive = nil
			if err != nil && ctx.Err() == nil {
				return fmt.Errorf("keep-alive: %w", err)
			}
		case err := <-replayed:
			if err != nil {
				return fmt.Errorf("waiting for backlog: %w", err)
			}
			if err := s.drain(); err != nil {
				return err
			}
			return exitError(attached.Process)
		case msg, ok := <-s.c.Events():
			if !ok {
				return fmt.Errorf("connection lost: %w", s.c.Err())
			}
			done, err := s.handle(msg)
			if done || err != nil {
				return err
			}
		}
	}
}

// drain handles the events already received.
func (s *streamer) drain() error {
	for {
		select {
		case msg, ok := <-s.c.Events():
			if !ok {
				return nil
			}
			if _, err := s.handle(msg); err != nil {
				return err
			}
		default:
			return nil
		}
	}
}

func (s *streamer) handle(msg proto.ServerMessage) (bool, error) {
	switch m := msg.(type) {
	case proto.Output:
		if m.PID != s.pid {
			return false, nil
		}
		out := s.stdout
		if m.Stream == proto.Stderr {
			out = s.stderr
		}
		_, err := out.Write(m.Data)
		return false, err
	case proto.StateChange:
		if m.Process.PID != s.pid || !terminated(m.Process.State) {
			return false, nil
		}
		return true, exitError(m.Process)
	case proto.Detached:
		if m.PID != s.pid {
			return false, nil
		}
		return true, cli.Exit(fmt.Sprintf("detached by the daemon (%s), attach again to resume", m.Reason), 1)
	}
	return false, nil
}

func terminated(state proto.State) bool {
	return state == proto.StateExited || state == proto.StateKilled
}

// exitError mirrors a finished process's outcome as the command's exit status.
func exitError(p proto.ProcessInfo) error {
	switch {
	case p.State == proto.StateKilled:
		return cli.Exit(fmt.Sprintf("process killed by %s", p.Signal), 1)
	case p.ExitCode != 0:
		return cli.Exit("", p.ExitCode)
	}
	return nil
}

// keepAlive pings the daemon every interval until ctx is done, so a session waiting on local input is not closed
// as idle.
func keepAlive(ctx context.Context, c *client.Client, interval, timeout time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, timeout)
			err := c.Ping(pingCtx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// copyStdin writes r to pid's stdin, chunk by chunk, keeping the session alive while r is quiet.
func copyStdin(ctx context.Context, c *client.Client, pid uint64, r io.Reader, keepalive, timeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go keepAlive(ctx, c, keepalive, timeout)

	buf := make([]byte, client.ChunkSize)
	for {
		n, readErr := r.Read(buf)
		if n > 0 {
			writeCtx, writeCancel := context.WithTimeout(ctx, timeout)
			err := c.WriteStdin(writeCtx, pid, buf[:n])
			writeCancel()
			if err != nil {
				return err
			}
		}
		if errors.Is(readErr, io.EOF) {
			return nil
		}
		if readErr != nil {
			return fmt.Errorf("reading stdin: %w", readErr)
		}
	}
}
