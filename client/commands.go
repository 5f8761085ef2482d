package client

import (
	"context"

	"github.com/guseggert/procd/proto"
)

// Start starts a command and returns its PID.
func (c *Client) Start(ctx context.Context, req proto.Start) (uint64, error) {
	started, err := expect[proto.Started](c.do(ctx, req))
	if err != nil {
		return 0, err
	}
	return started.PID, nil
}

// StartShell runs command with "sh -c".
func (c *Client) StartShell(ctx context.Context, command string) (uint64, error) {
	return c.Start(ctx, proto.Start{Command: command, Shell: true})
}

func (c *Client) List(ctx context.Context) ([]proto.ProcessInfo, error) {
	procs, err := expect[proto.Processes](c.do(ctx, proto.List{}))
	if err != nil {
		return nil, err
	}
	return procs.Processes, nil
}

// Attach subscribes to a process. The backlog, then live output, arrives on Events.
func (c *Client) Attach(ctx context.Context, pid uint64) (proto.Attached, error) {
	return expect[proto.Attached](c.do(ctx, proto.Attach{PID: pid}))
}

// Detach stops output for pid. No Output for pid is delivered after Detach returns without error.
func (c *Client) Detach(ctx context.Context, pid uint64) error {
	_, err := c.do(ctx, proto.Detach{PID: pid})
	return err
}

func (c *Client) Signal(ctx context.Context, pid uint64, kind proto.SignalKind) error {
	_, err := c.do(ctx, proto.Signal{PID: pid, Kind: kind})
	return err
}

func (c *Client) Reap(ctx context.Context, pid uint64) error {
	_, err := c.do(ctx, proto.Reap{PID: pid})
	return err
}

// Clear reaps every finished process and returns their PIDs.
func (c *Client) Clear(ctx context.Context) ([]uint64, error) {
	reaped, err := expect[proto.Reaped](c.do(ctx, proto.Clear{}))
	if err != nil {
		return nil, err
	}
	return reaped.PIDs, nil
}

func (c *Client) WriteStdin(ctx context.Context, pid uint64, data []byte) error {
	_, err := c.do(ctx, proto.Stdin{PID: pid, Data: data})
	return err
}

func (c *Client) CloseStdin(ctx context.Context, pid uint64) error {
	_, err := c.do(ctx, proto.Stdin{PID: pid, Close: true})
	return err
}

// Ping is a keep-alive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.do(ctx, proto.Ping{})
	return err
}

// Chdir changes the session working directory and returns the new absolute path.
// An empty dir returns the current one.
func (c *Client) Chdir(ctx context.Context, dir string) (string, error) {
	d, err := expect[proto.Dir](c.do(ctx, proto.Chdir{Dir: dir}))
	if err != nil {
		return "", err
	}
	return d.Path, nil
}

func (c *Client) GetFile(ctx context.Context, path string, offset int64, length int) (proto.File, error) {
	return expect[proto.File](c.do(ctx, proto.GetFile{Path: path, Offset: offset, Length: length}))
}

func (c *Client) PutFile(ctx context.Context, req proto.PutFile) (proto.File, error) {
	return expect[proto.File](c.do(ctx, req))
}
