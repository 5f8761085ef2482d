package client_test

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/guseggert/procd/client"
	"github.com/guseggert/procd/proto"
)

func Example() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	c, err := client.Dial(ctx, "127.0.0.1:8080", 0x5eedf00ddeadbeef, "hunter2")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	defer c.Close()

	pid, err := c.StartShell(ctx, "echo hello; echo world >&2")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if _, err := c.Attach(ctx, pid); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	for msg := range c.Events() {
		switch m := msg.(type) {
		case proto.Output:
			fmt.Printf("%s: %s", m.Stream, m.Data)
		case proto.StateChange:
			if m.Process.State == proto.StateExited || m.Process.State == proto.StateKilled {
				_ = c.Reap(ctx, pid)
				return
			}
		}
	}
}
