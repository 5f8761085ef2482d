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

	"github.com/guseggert/procd/daemon"
	"github.com/guseggert/procd/process"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap/zapcore"
)

func main() {
	app := &cli.App{
		Name:  "procd",
		Usage: "the remote process management daemon",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address for the protocol listener.",
				Value:   "127.0.0.1:8080",
				EnvVars: []string{"PROCD_SERVER_ADDR"},
			},
			&cli.StringFlag{
				Name:     "hash-key",
				Usage:    "The 64-bit key the session keys are derived from.",
				Required: true,
				EnvVars:  []string{"PROCD_SERVER_HASHKEY"},
			},
			&cli.StringFlag{
				Name:     "password",
				Usage:    "The password clients must send after the handshake.",
				Required: true,
				EnvVars:  []string{"PROCD_SERVER_PASS"},
			},
			&cli.StringFlag{
				Name:    "admin-addr",
				Usage:   "The address for the admin HTTP server (heartbeat, metrics, WebSocket tunnel). Disabled if empty.",
				EnvVars: []string{"PROCD_ADMIN_ADDR"},
			},
			&cli.StringFlag{
				Name:    "docker-container",
				Usage:   "Run processes inside this Docker container instead of on the host.",
				EnvVars: []string{"PROCD_DOCKER_CONTAINER"},
			},
			&cli.StringFlag{
				Name:    "work-dir",
				Usage:   "The initial working directory of every session.",
				EnvVars: []string{"PROCD_WORK_DIR"},
			},
			&cli.DurationFlag{
				Name:    "idle-timeout",
				Usage:   "Close sessions that send nothing for this long.",
				Value:   10 * time.Minute,
				EnvVars: []string{"PROCD_IDLE_TIMEOUT"},
			},
			&cli.IntFlag{
				Name:    "backlog-bytes",
				Usage:   "Output retained per process for late attachers.",
				Value:   process.DefaultBacklogBytes,
				EnvVars: []string{"PROCD_BACKLOG_BYTES"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Usage:   "One of [debug,info,warn,error].",
				Value:   "info",
				EnvVars: []string{"PROCD_LOG_LEVEL"},
			},
		},
		Action: func(ctx *cli.Context) error {
			key, err := strconv.ParseUint(ctx.String("hash-key"), 0, 64)
			if err != nil {
				return fmt.Errorf("parsing hash key: %w", err)
			}
			level, err := zapcore.ParseLevel(ctx.String("log-level"))
			if err != nil {
				return fmt.Errorf("parsing log level: %w", err)
			}

			opts := []daemon.Option{
				daemon.WithLogLevel(level),
				daemon.WithListenAddr(ctx.String("listen-addr")),
				daemon.WithAdminAddr(ctx.String("admin-addr")),
				daemon.WithIdleTimeout(ctx.Duration("idle-timeout")),
				daemon.WithBacklogSize(ctx.Int("backlog-bytes"), process.DefaultBacklogChunks),
			}
			if dir := ctx.String("work-dir"); dir != "" {
				opts = append(opts, daemon.WithWorkDir(dir))
			}
			if container := ctx.String("docker-container"); container != "" {
				spawner, err := process.NewDockerSpawner(container)
				if err != nil {
					return fmt.Errorf("building Docker spawner: %w", err)
				}
				opts = append(opts, daemon.WithSpawner(spawner))
			}

			d, err := daemon.New(key, ctx.String("password"), opts...)
			if err != nil {
				return fmt.Errorf("building daemon: %w", err)
			}

			runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return d.Run(runCtx)
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
