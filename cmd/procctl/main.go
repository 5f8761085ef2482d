package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/guseggert/procd/client"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"
)

func main() {
	app := &cli.App{
		Name:  "procctl",
		Usage: "control processes on a procd daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "addr",
				Usage:   "The daemon's protocol address.",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{"PROCD_SERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:    "ws-url",
				Usage:   "Connect through the admin WebSocket tunnel instead, e.g. ws://host:8081/ws.",
				EnvVars: []string{"PROCD_WS_URL"},
			},
			&cli.StringFlag{
				Name:    "key",
				Usage:   "The daemon's 64-bit hash key.",
				EnvVars: []string{"PROCD_SERVER_HASHKEY"},
			},
			&cli.StringFlag{
				Name:    "password",
				Usage:   "The daemon's password.",
				EnvVars: []string{"PROCD_SERVER_PASS"},
			},
			&cli.DurationFlag{
				Name:  "timeout",
				Usage: "Timeout for connecting and for each request.",
				Value: 30 * time.Second,
			},
			&cli.DurationFlag{
				Name:  "keepalive",
				Usage: "Ping interval for attach and stdin, which must stay below the daemon's idle timeout. 0 disables.",
				Value: time.Minute,
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Log client debug output to stderr.",
			},
		},
		Commands: []*cli.Command{
			startCommand,
			listCommand,
			attachCommand,
			detachCommand,
			signalCommand,
			reapCommand,
			clearCommand,
			stdinCommand,
			getCommand,
			putCommand,
			healthCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func logger(ctx *cli.Context) (*zap.SugaredLogger, error) {
	if !ctx.Bool("verbose") {
		return zap.NewNop().Sugar(), nil
	}
	l, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	return l.Sugar(), nil
}

// connect dials the daemon using the global connection flags.
func connect(ctx *cli.Context, opts ...client.Option) (*client.Client, error) {
	if ctx.String("key") == "" || ctx.String("password") == "" {
		return nil, fmt.Errorf("--key and --password are required")
	}
	key, err := strconv.ParseUint(ctx.String("key"), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing key: %w", err)
	}
	log, err := logger(ctx)
	if err != nil {
		return nil, err
	}
	opts = append([]client.Option{client.WithLogger(log)}, opts...)

	dialCtx, cancel := context.WithTimeout(ctx.Context, ctx.Duration("timeout"))
	defer cancel()
	if url := ctx.String("ws-url"); url != "" {
		return client.DialWebSocket(dialCtx, url, key, ctx.String("password"), opts...)
	}
	return client.Dial(dialCtx, ctx.String("addr"), key, ctx.String("password"), opts...)
}

// withClient runs f with a connected client and a per-request timeout.
func withClient(f func(ctx context.Context, c *client.Client, cctx *cli.Context) error) cli.ActionFunc {
	return func(cctx *cli.Context) error {
		c, err := connect(cctx)
		if err != nil {
			return fmt.Errorf("connecting: %w", err)
		}
		defer c.Close()
		ctx, cancel := context.WithTimeout(cctx.Context, cctx.Duration("timeout"))
		defer cancel()
		return f(ctx, c, cctx)
	}
}

func pidArg(ctx *cli.Context) (uint64, error) {
	if ctx.NArg() < 1 {
		return 0, fmt.Errorf("missing PID argument")
	}
	pid, err := strconv.ParseUint(ctx.Args().First(), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing PID %q: %w", ctx.Args().First(), err)
	}
	return pid, nil
}

func interruptible(ctx context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
}
