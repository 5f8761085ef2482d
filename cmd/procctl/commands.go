package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/guseggert/procd/client"
	"github.com/guseggert/procd/proto"
	"github.com/urfave/cli/v2"
)

var startCommand = &cli.Command{
	Name:      "start",
	Usage:     "start a process and print its PID",
	ArgsUsage: "COMMAND [ARGS...]",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "shell", Usage: "Run the arguments, joined by spaces, with sh -c."},
		&cli.StringFlag{Name: "dir", Usage: "Working directory, relative to the session's."},
		&cli.StringSliceFlag{Name: "env", Usage: "Extra KEY=VALUE environment entries."},
	},
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		if cctx.NArg() < 1 {
			return fmt.Errorf("missing command")
		}
		req := proto.Start{
			Dir: cctx.String("dir"),
			Env: cctx.StringSlice("env"),
		}
		if cctx.Bool("shell") {
			req.Command = strings.Join(cctx.Args().Slice(), " ")
			req.Shell = true
		} else {
			req.Command = cctx.Args().First()
			req.Args = cctx.Args().Tail()
		}
		pid, err := c.Start(ctx, req)
		if err != nil {
			return err
		}
		fmt.Println(pid)
		return nil
	}),
}

var listCommand = &cli.Command{
	Name:  "list",
	Usage: "list processes",
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		procs, err := c.List(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "PID\tSTATE\tEXIT\tSTARTED\tCOMMAND")
		for _, p := range procs {
			exit := ""
			switch p.State {
			case proto.StateExited:
				exit = fmt.Sprint(p.ExitCode)
			case proto.StateKilled:
				exit = p.Signal
			}
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
				p.PID, p.State, exit, p.StartedAt.Format(time.RFC3339), strings.Join(append([]string{p.Command}, p.Args...), " "))
		}
		return w.Flush()
	}),
}

var attachCommand = &cli.Command{
	Name:      "attach",
	Usage:     "stream a process's output until it ends or until interrupted",
	ArgsUsage: "PID",
	Action: func(cctx *cli.Context) error {
		pid, err := pidArg(cctx)
		if err != nil {
			return err
		}
		c, err := connect(cctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer c.Close()

		ctx, stop := interruptible(cctx.Context)
		defer stop()

		attached, err := c.Attach(ctx, pid)
		if err != nil {
			return err
		}
		if attached.Truncated {
			fmt.Fprintf(os.Stderr, "output before chunk %d was discarded\n", attached.FirstSeq)
		}
		s := &streamer{
			c:         c,
			pid:       pid,
			stdout:    os.Stdout,
			stderr:    os.Stderr,
			keepalive: cctx.Duration("keepalive"),
			timeout:   cctx.Duration("timeout"),
		}
		return s.run(ctx, attached)
	},
}

var detachCommand = &cli.Command{
	Name:      "detach",
	Usage:     "stop receiving a process's output on this session",
	ArgsUsage: "PID",
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		pid, err := pidArg(cctx)
		if err != nil {
			return err
		}
		return c.Detach(ctx, pid)
	}),
}

var signalCommand = &cli.Command{
	Name:      "signal",
	Usage:     "send a signal to a process",
	ArgsUsage: "PID",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "signal",
			Usage: "One of [interrupt,terminate,kill].",
			Value: string(proto.SignalTerminate),
		},
	},
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		pid, err := pidArg(cctx)
		if err != nil {
			return err
		}
		return c.Signal(ctx, pid, proto.SignalKind(cctx.String("signal")))
	}),
}

var reapCommand = &cli.Command{
	Name:      "reap",
	Usage:     "remove a finished process",
	ArgsUsage: "PID",
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		pid, err := pidArg(cctx)
		if err != nil {
			return err
		}
		err = c.Reap(ctx, pid)
		if proto.IsKind(err, proto.KindProcessStillRunning) {
			return fmt.Errorf("process %d is still running, signal it first", pid)
		}
		return err
	}),
}

var clearCommand = &cli.Command{
	Name:  "clear",
	Usage: "remove every finished process",
	Action: withClient(func(ctx context.Context, c *client.Client, cctx *cli.Context) error {
		pids, err := c.Clear(ctx)
		if err != nil {
			return err
		}
		for _, pid := range pids {
			fmt.Println(pid)
		}
		return nil
	}),
}

var stdinCommand = &cli.Command{
	Name:      "stdin",
	Usage:     "copy local stdin to a process's stdin",
	ArgsUsage: "PID",
	Flags: []cli.Flag{
		&cli.BoolFlag{Name: "close", Usage: "Close the process's stdin after local stdin ends."},
	},
	Action: func(cctx *cli.Context) error {
		pid, err := pidArg(cctx)
		if err != nil {
			return err
		}
		c, err := connect(cctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer c.Close()

		ctx, stop := interruptible(cctx.Context)
		defer stop()

		if err := copyStdin(ctx, c, pid, os.Stdin, cctx.Duration("keepalive"), cctx.Duration("timeout")); err != nil {
			return err
		}
		if cctx.Bool("close") {
			return c.CloseStdin(ctx, pid)
		}
		return nil
	},
}

var getCommand = &cli.Command{
	Name:      "get",
	Usage:     "download a file, to stdout if LOCAL is - or missing",
	ArgsUsage: "REMOTE [LOCAL]",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 1 {
			return fmt.Errorf("missing remote path")
		}
		c, err := connect(cctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer c.Close()
		ctx, stop := interruptible(cctx.Context)
		defer stop()

		var w io.Writer = os.Stdout
		if local := cctx.Args().Get(1); local != "" && local != "-" {
			f, err := os.Create(local)
			if err != nil {
				return fmt.Errorf("creating %q: %w", local, err)
			}
			defer f.Close()
			w = f
		}
		_, err = c.ReadFile(ctx, cctx.Args().First(), w)
		return err
	},
}

var putCommand = &cli.Command{
	Name:      "put",
	Usage:     "upload a file, from stdin if LOCAL is -",
	ArgsUsage: "LOCAL REMOTE",
	Action: func(cctx *cli.Context) error {
		if cctx.NArg() < 2 {
			return fmt.Errorf("need local and remote paths")
		}
		c, err := connect(cctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer c.Close()
		ctx, stop := interruptible(cctx.Context)
		defer stop()

		var r io.Reader = os.Stdin
		if local := cctx.Args().First(); local != "-" {
			f, err := os.Open(local)
			if err != nil {
				return fmt.Errorf("opening %q: %w", local, err)
			}
			defer f.Close()
			r = f
		}
		n, err := c.WriteFile(ctx, cctx.Args().Get(1), r)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "wrote %d bytes\n", n)
		return nil
	},
}

var healthCommand = &cli.Command{
	Name:  "health",
	Usage: "check the daemon's admin heartbeat",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:     "admin-url",
			Usage:    "Base URL of the admin server, e.g. http://127.0.0.1:8081.",
			Required: true,
			EnvVars:  []string{"PROCD_ADMIN_URL"},
		},
		&cli.IntFlag{
			Name:  "retries",
			Usage: "Number of retries before giving up.",
			Value: 10,
		},
	},
	Action: func(cctx *cli.Context) error {
		log, err := logger(cctx)
		if err != nil {
			return err
		}
		admin := client.NewAdminClient(log, cctx.String("admin-url"), client.WithRetryMax(cctx.Int("retries")))
		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		hb, err := admin.Heartbeat(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("up since %s, %d sessions, %d processes\n", hb.StartedAt, hb.Sessions, hb.Processes)
		return nil
	},
}
