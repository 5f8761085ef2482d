package process

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/guseggert/procd/metrics"
	"go.uber.org/zap"
)

type record struct {
	mut        sync.Mutex
	info       Info
	supervisor *Supervisor
	backlog    *Backlog
}

func (r *record) snapshot() Info {
	info := r.info
	info.Args = append([]string(nil), r.info.Args...)
	return info
}

// Registry is the daemon-wide table of process records.
// Records outlive the sessions that start or attach to them, and are only removed by Reap or Clear.
type Registry struct {
	log     *zap.SugaredLogger
	metrics metrics.Collector
	spawner Spawner

	backlogBytes    int
	backlogChunks   int
	subscriberQueue int
	drainTimeout    time.Duration

	mut     sync.RWMutex
	nextPID PID
	records map[PID]*record

	supervisors sync.WaitGroup
}

type Option func(r *Registry)

func WithSpawner(s Spawner) Option {
	return func(r *Registry) { r.spawner = s }
}

func WithLogger(l *zap.SugaredLogger) Option {
	return func(r *Registry) { r.log = l.Named("registry") }
}

func WithMetrics(m metrics.Collector) Option {
	return func(r *Registry) { r.metrics = m }
}

// WithBacklogLimits bounds each process's output backlog by total bytes and by chunk count.
func WithBacklogLimits(bytes, chunks int) Option {
	return func(r *Registry) {
		r.backlogBytes = bytes
		r.backlogChunks = chunks
	}
}

// WithSubscriberQueue sets how many events may be queued for one subscriber before it is detached.
func WithSubscriberQueue(n int) Option {
	return func(r *Registry) { r.subscriberQueue = n }
}

// WithDrainTimeout sets how long output is drained after a child exits before its pipes are closed.
func WithDrainTimeout(d time.Duration) Option {
	return func(r *Registry) { r.drainTimeout = d }
}

func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		log:             zap.NewNop().Sugar(),
		metrics:         metrics.NewNoop(),
		spawner:         LocalSpawner{},
		backlogBytes:    DefaultBacklogBytes,
		backlogChunks:   DefaultBacklogChunks,
		subscriberQueue: DefaultSubscriberQueue,
		drainTimeout:    DefaultDrainTimeout,
		records:         map[PID]*record{},
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

func (r *Registry) lookup(pid PID) (*record, error) {
	r.mut.RLock()
	defer r.mut.RUnlock()
	rec, ok := r.records[pid]
	if !ok {
		return nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return rec, nil
}

// Start allocates a PID, spawns the command and begins supervising it.
// A PID consumed by a failed spawn is not reused.
func (r *Registry) Start(ctx context.Context, spec Spec) (Info, error) {
	r.mut.Lock()
	r.nextPID++
	pid := r.nextPID
	rec := &record{
		info: Info{
			PID:       pid,
			Command:   spec.Command,
			Args:      append([]string(nil), spec.Args...),
			Dir:       spec.Dir,
			State:     StateStarting,
			StartedAt: time.Now(),
		},
		backlog: NewBacklog(r.backlogBytes, r.backlogChunks, r.subscriberQueue, r.metrics),
	}
	r.records[pid] = rec
	r.mut.Unlock()

	log := r.log.With("PID", pid)
	log.Debugw("starting process", "Command", spec.Command, "Args", spec.Args, "Dir", spec.Dir)

	// Spawn may be a Docker round trip, so no lock is held across it. Until it returns the record is starting,
	// which refuses signals, stdin and reaping.
	handle, err := r.spawner.Spawn(ctx, spec)
	if err != nil {
		r.mut.Lock()
		delete(r.records, pid)
		r.mut.Unlock()
		rec.backlog.Close()
		log.Debugw("spawn failed", "Err", err)
		return Info{}, &SpawnError{Command: spec.Command, Err: err}
	}

	rec.mut.Lock()
	sup := newSupervisor(log.Named("supervisor"), r.metrics, pid, handle, rec.backlog, r.drainTimeout, func(status ExitStatus, err error) {
		r.finish(rec, status, err)
	})
	rec.supervisor = sup
	rec.info.State = StateRunning
	info := rec.snapshot()
	rec.backlog.PublishState(info)
	rec.mut.Unlock()

	r.metrics.ProcessStateTransition(StateStarting.String(), StateRunning.String())
	log.Debugw("process running", "OSPID", handle.Pid())

	r.supervisors.Add(1)
	go func() {
		defer r.supervisors.Done()
		sup.run()
	}()

	return info, nil
}

// finish records a child's exit and notifies its subscribers.
func (r *Registry) finish(rec *record, status ExitStatus, err error) {
	rec.mut.Lock()
	defer rec.mut.Unlock()

	if err != nil {
		reapErr := &ReapError{PID: rec.info.PID, Err: err}
		r.log.Errorw("process left in last known state", "PID", rec.info.PID, "Err", reapErr)
		r.metrics.ReapError()
		return
	}

	from := rec.info.State
	rec.info.EndedAt = time.Now()
	if status.Signaled {
		rec.info.State = StateKilled
		rec.info.Signal = status.Signal
		rec.info.ExitCode = -1
	} else {
		rec.info.State = StateExited
		rec.info.ExitCode = status.Code
	}
	info := rec.snapshot()
	rec.backlog.PublishState(info)

	r.metrics.ProcessStateTransition(from.String(), info.State.String())
	r.log.Debugw("process finished", "PID", info.PID, "State", info.State, "ExitCode", info.ExitCode, "Signal", info.Signal)
}

// Get returns a copy of one record.
func (r *Registry) Get(pid PID) (Info, error) {
	rec, err := r.lookup(pid)
	if err != nil {
		return Info{}, err
	}
	rec.mut.Lock()
	defer rec.mut.Unlock()
	return rec.snapshot(), nil
}

// List returns every record, ordered by PID.
func (r *Registry) List() []Info {
	r.mut.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mut.RUnlock()

	infos := make([]Info, 0, len(recs))
	for _, rec := range recs {
		rec.mut.Lock()
		infos = append(infos, rec.snapshot())
		rec.mut.Unlock()
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].PID < infos[j].PID })
	return infos
}

// Attach subscribes sessionID to a process's output. The returned snapshot and the subscription together cover
// every chunk exactly once, and the returned Info is consistent with both.
// Attaching an already attached session replaces its subscription.
func (r *Registry) Attach(pid PID, sessionID string) (Info, Snapshot, *Subscription, error) {
	rec, err := r.lookup(pid)
	if err != nil {
		return Info{}, Snapshot{}, nil, err
	}
	rec.mut.Lock()
	defer rec.mut.Unlock()

	snap, sub, ok := rec.backlog.Subscribe(sessionID)
	if !ok {
		// reaped between lookup and lock
		return Info{}, Snapshot{}, nil, fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	return rec.snapshot(), snap, sub, nil
}

// Detach ends sessionID's subscription to pid. Detaching an unknown process or a session that is not attached is
// not an error.
func (r *Registry) Detach(pid PID, sessionID string) bool {
	rec, err := r.lookup(pid)
	if err != nil {
		return false
	}
	return rec.backlog.Unsubscribe(sessionID)
}

// DetachAll ends every subscription held by sessionID and returns the PIDs it was attached to.
func (r *Registry) DetachAll(sessionID string) []PID {
	r.mut.RLock()
	recs := make([]*record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	r.mut.RUnlock()

	var pids []PID
	for _, rec := range recs {
		if rec.backlog.Unsubscribe(sessionID) {
			pids = append(pids, rec.info.PID)
		}
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	return pids
}

// Attached returns the sessions currently attached to pid.
func (r *Registry) Attached(pid PID) ([]string, error) {
	rec, err := r.lookup(pid)
	if err != nil {
		return nil, err
	}
	ids := rec.backlog.Subscribers()
	sort.Strings(ids)
	return ids, nil
}

// Output returns the retained output of pid without attaching.
func (r *Registry) Output(pid PID) (Snapshot, error) {
	rec, err := r.lookup(pid)
	if err != nil {
		return Snapshot{}, err
	}
	return rec.backlog.Snapshot(), nil
}

func (r *Registry) running(pid PID) (*record, *Supervisor, error) {
	rec, err := r.lookup(pid)
	if err != nil {
		return nil, nil, err
	}
	rec.mut.Lock()
	defer rec.mut.Unlock()
	if rec.info.State != StateRunning {
		return nil, nil, fmt.Errorf("pid %d is %s: %w", pid, rec.info.State, ErrProcessNotRunning)
	}
	return rec, rec.supervisor, nil
}

// Signal delivers sig to a running process.
func (r *Registry) Signal(pid PID, sig Signal) error {
	rec, err := r.lookup(pid)
	if err != nil {
		return err
	}
	rec.mut.Lock()
	defer rec.mut.Unlock()
	if rec.info.State != StateRunning {
		return fmt.Errorf("pid %d is %s: %w", pid, rec.info.State, ErrProcessNotRunning)
	}
	r.log.Debugw("signaling process", "PID", pid, "Signal", sig)
	if err := rec.supervisor.Signal(sig); err != nil {
		return fmt.Errorf("signaling pid %d: %w", pid, err)
	}
	return nil
}

// WriteStdin writes data to a running process's stdin.
func (r *Registry) WriteStdin(pid PID, data []byte) error {
	_, sup, err := r.running(pid)
	if err != nil {
		return err
	}
	if err := sup.WriteStdin(data); err != nil {
		return fmt.Errorf("writing stdin of pid %d: %w", pid, err)
	}
	return nil
}

// CloseStdin closes a running process's stdin.
func (r *Registry) CloseStdin(pid PID) error {
	_, sup, err := r.running(pid)
	if err != nil {
		return err
	}
	if err := sup.CloseStdin(); err != nil {
		return fmt.Errorf("closing stdin of pid %d: %w", pid, err)
	}
	return nil
}

// Reap removes a finished process's record and ends its subscriptions.
func (r *Registry) Reap(pid PID) error {
	r.mut.Lock()
	defer r.mut.Unlock()
	rec, ok := r.records[pid]
	if !ok {
		return fmt.Errorf("pid %d: %w", pid, ErrNotFound)
	}
	rec.mut.Lock()
	defer rec.mut.Unlock()
	if !rec.info.State.Terminated() {
		return fmt.Errorf("pid %d is %s: %w", pid, rec.info.State, ErrProcessStillRunning)
	}
	delete(r.records, pid)
	rec.backlog.Close()
	r.log.Debugw("reaped process", "PID", pid)
	return nil
}

// Clear reaps every finished process and returns the reaped PIDs.
func (r *Registry) Clear() []PID {
	r.mut.Lock()
	defer r.mut.Unlock()
	var pids []PID
	for pid, rec := range r.records {
		rec.mut.Lock()
		if rec.info.State.Terminated() {
			delete(r.records, pid)
			rec.backlog.Close()
			pids = append(pids, pid)
		}
		rec.mut.Unlock()
	}
	sort.Slice(pids, func(i, j int) bool { return pids[i] < pids[j] })
	if len(pids) > 0 {
		r.log.Debugw("cleared processes", "PIDs", pids)
	}
	return pids
}

// Shutdown kills every running process and waits for their supervisors, or for ctx to be done.
func (r *Registry) Shutdown(ctx context.Context) error {
	for _, info := range r.List() {
		if info.State != StateRunning {
			continue
		}
		if err := r.Signal(info.PID, SignalKill); err != nil {
			r.log.Debugw("killing process on shutdown", "PID", info.PID, "Err", err)
		}
	}

	done := make(chan struct{})
	go func() {
		r.supervisors.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
