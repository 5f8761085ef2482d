// Package daemon serves the process protocol: encrypted sessions on a TCP listener, and an optional admin HTTP server.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/procd/metrics"
	"github.com/guseggert/procd/process"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// MaxPasswordSize is the largest password frame a session accepts.
const MaxPasswordSize = 64

// Daemon accepts encrypted, password-gated connections and serves the process protocol on them.
// Processes belong to the daemon, not to the connection that started them.
type Daemon struct {
	logger *zap.SugaredLogger

	key      uint64
	password []byte

	listenAddr       string
	adminAddr        string
	handshakeTimeout time.Duration
	idleTimeout      time.Duration
	writeTimeout     time.Duration
	shutdownTimeout  time.Duration
	workDir          string

	metrics      *metrics.Prometheus
	registryOpts []process.Option
	registry     *process.Registry

	listenerMut sync.Mutex
	listener    net.Listener
	adminLn     net.Listener
	adminServer *http.Server
	ready       chan struct{}

	sessionsMut sync.Mutex
	sessions    map[string]*session
	sessionsWG  sync.WaitGroup

	startedAt time.Time
	closed    chan struct{}
	closeOnce sync.Once
}

type Option func(d *Daemon)

// WithListenAddr sets the address of the encrypted protocol listener.
func WithListenAddr(s string) Option {
	return func(d *Daemon) {
		d.listenAddr = s
	}
}

// WithAdminAddr enables the admin HTTP server (heartbeat, metrics and the WebSocket tunnel) on the given address.
func WithAdminAddr(s string) Option {
	return func(d *Daemon) {
		d.adminAddr = s
	}
}

func WithHandshakeTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		d.handshakeTimeout = t
	}
}

// WithIdleTimeout sets how long a session may go without sending a frame before it is closed.
func WithIdleTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		d.idleTimeout = t
	}
}

func WithWriteTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		d.writeTimeout = t
	}
}

// WithWorkDir sets the initial working directory of new sessions.
func WithWorkDir(dir string) Option {
	return func(d *Daemon) {
		d.workDir = dir
	}
}

func WithSpawner(s process.Spawner) Option {
	return func(d *Daemon) {
		d.registryOpts = append(d.registryOpts, process.WithSpawner(s))
	}
}

// WithBacklogSize bounds each process's output backlog by bytes and by chunk count.
func WithBacklogSize(bytes, chunks int) Option {
	return func(d *Daemon) {
		d.registryOpts = append(d.registryOpts, process.WithBacklogLimits(bytes, chunks))
	}
}

// WithSubscriberQueue sets how many output events may be queued for one session before it is detached.
func WithSubscriberQueue(n int) Option {
	return func(d *Daemon) {
		d.registryOpts = append(d.registryOpts, process.WithSubscriberQueue(n))
	}
}

func WithDrainTimeout(t time.Duration) Option {
	return func(d *Daemon) {
		d.registryOpts = append(d.registryOpts, process.WithDrainTimeout(t))
	}
}

func WithMetrics(m *metrics.Prometheus) Option {
	return func(d *Daemon) {
		d.metrics = m
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(d *Daemon) {
		d.logger = l.Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(d *Daemon) {
		d.logger = d.logger.WithOptions(zap.IncreaseLevel(l))
	}
}

// New constructs a daemon that authenticates sessions with the given pre-shared key and password.
func New(key uint64, password string, opts ...Option) (*Daemon, error) {
	if len(password) == 0 || len(password) > MaxPasswordSize {
		return nil, fmt.Errorf("password must be between 1 and %d bytes", MaxPasswordSize)
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, fmt.Errorf("building logger: %w", err)
	}
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting working dir: %w", err)
	}
	d := &Daemon{
		logger:           logger.Sugar(),
		key:              key,
		password:         []byte(password),
		listenAddr:       "127.0.0.1:8080",
		handshakeTimeout: 10 * time.Second,
		idleTimeout:      10 * time.Minute,
		writeTimeout:     30 * time.Second,
		shutdownTimeout:  5 * time.Second,
		workDir:          wd,
		ready:            make(chan struct{}),
		sessions:         map[string]*session{},
		closed:           make(chan struct{}),
	}
	for _, o := range opts {
		o(d)
	}
	d.logger = d.logger.Named("daemon")
	if d.metrics == nil {
		d.metrics = metrics.NewPrometheus("procd")
	}

	regOpts := []process.Option{
		process.WithLogger(d.logger),
		process.WithMetrics(d.metrics),
	}
	d.registry = process.NewRegistry(append(regOpts, d.registryOpts...)...)
	return d, nil
}

// Registry is the daemon's process registry.
func (d *Daemon) Registry() *process.Registry {
	return d.registry
}

// Ready is closed once the listeners are bound.
func (d *Daemon) Ready() <-chan struct{} {
	return d.ready
}

// Addr is the bound address of the protocol listener, valid after Ready.
func (d *Daemon) Addr() net.Addr {
	d.listenerMut.Lock()
	defer d.listenerMut.Unlock()
	if d.listener == nil {
		return nil
	}
	return d.listener.Addr()
}

// AdminAddr is the bound address of the admin server, or nil if it is disabled.
func (d *Daemon) AdminAddr() net.Addr {
	d.listenerMut.Lock()
	defer d.listenerMut.Unlock()
	if d.adminLn == nil {
		return nil
	}
	return d.adminLn.Addr()
}

func (d *Daemon) listen() error {
	d.listenerMut.Lock()
	defer d.listenerMut.Unlock()

	ln, err := net.Listen("tcp", d.listenAddr)
	if err != nil {
		return fmt.Errorf("listening TCP: %w", err)
	}
	d.listener = ln

	if d.adminAddr != "" {
		adminLn, err := net.Listen("tcp", d.adminAddr)
		if err != nil {
			ln.Close()
			return fmt.Errorf("listening admin TCP: %w", err)
		}
		d.adminLn = adminLn
		d.adminServer = &http.Server{
			Handler:           d.adminRouter(),
			ReadHeaderTimeout: d.handshakeTimeout,
		}
	}
	return nil
}

// Run runs the daemon and returns once it has stopped, either because ctx is done or Stop was called.
// Running processes are killed on the way out.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.listen(); err != nil {
		return err
	}
	d.startedAt = time.Now()
	close(d.ready)
	d.logger.Infow("listening", "Addr", d.listener.Addr(), "AdminAddr", d.AdminAddr())

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return d.acceptLoop(groupCtx, d.listener)
	})
	if d.adminServer != nil {
		group.Go(func() error {
			err := d.adminServer.Serve(d.adminLn)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	group.Go(func() error {
		select {
		case <-groupCtx.Done():
		case <-d.closed:
		}
		d.listener.Close()
		if d.adminServer != nil {
			d.adminServer.Close()
		}
		return nil
	})
	err := group.Wait()

	d.Stop()
	d.closeSessions()
	d.sessionsWG.Wait()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), d.shutdownTimeout)
	defer shutdownCancel()
	if shutdownErr := d.registry.Shutdown(shutdownCtx); shutdownErr != nil {
		d.logger.Warnw("processes still running after shutdown", "Err", shutdownErr)
	}
	d.logger.Info("stopped")
	return err
}

func (d *Daemon) acceptLoop(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accepting connection: %w", err)
		}
		d.sessionsWG.Add(1)
		go func() {
			defer d.sessionsWG.Done()
			d.runSession(ctx, conn)
		}()
	}
}

// runSession serves one connection until it closes.
func (d *Daemon) runSession(ctx context.Context, conn net.Conn) {
	s := newSession(d, conn)
	d.addSession(s)
	defer d.removeSession(s)
	s.run(ctx)
}

func (d *Daemon) addSession(s *session) {
	d.sessionsMut.Lock()
	defer d.sessionsMut.Unlock()
	d.sessions[s.id] = s
	select {
	case <-d.closed:
		s.close()
	default:
	}
}

func (d *Daemon) removeSession(s *session) {
	d.sessionsMut.Lock()
	defer d.sessionsMut.Unlock()
	delete(d.sessions, s.id)
}

// SessionCount is the number of open connections, authenticated or not.
func (d *Daemon) SessionCount() int {
	d.sessionsMut.Lock()
	defer d.sessionsMut.Unlock()
	return len(d.sessions)
}

func (d *Daemon) closeSessions() {
	d.sessionsMut.Lock()
	defer d.sessionsMut.Unlock()
	for _, s := range d.sessions {
		s.close()
	}
}

// Stop stops the daemon. Run returns once sessions and processes are cleaned up.
func (d *Daemon) Stop() {
	d.closeOnce.Do(func() {
		close(d.closed)
	})
}
