// Package metrics defines the observer that the daemon reports session and process events to.
package metrics

import "time"

// Collector receives daemon events. Implementations must be safe for concurrent use.
type Collector interface {
	// SessionOpened records an accepted connection.
	SessionOpened()

	// SessionClosed records the end of a session. Reason is one of "auth", "frame", "idle", "eof", "shutdown", "error".
	SessionClosed(reason string)

	// CommandHandled records one command and its outcome. Kind is empty on success.
	CommandHandled(command string, kind string, duration time.Duration)

	// ProcessStateTransition records a lifecycle transition of a process.
	ProcessStateTransition(fromState, toState string)

	// OutputBytes records process output appended to a backlog.
	OutputBytes(stream string, n int)

	// BacklogEvicted records chunks evicted from a full backlog.
	BacklogEvicted(chunks int)

	// SubscriberDropped records a session force-detached for falling behind.
	SubscriberDropped()

	// ReapError records a supervisor that could not collect its child's exit status.
	ReapError()
}

type noopCollector struct{}

func (noopCollector) SessionOpened()                                      {}
func (noopCollector) SessionClosed(reason string)                         {}
func (noopCollector) CommandHandled(command, kind string, d time.Duration) {}
func (noopCollector) ProcessStateTransition(fromState, toState string)    {}
func (noopCollector) OutputBytes(stream string, n int)                    {}
func (noopCollector) BacklogEvicted(chunks int)                           {}
func (noopCollector) SubscriberDropped()                                  {}
func (noopCollector) ReapError()                                          {}

// NewNoop returns a Collector that discards everything.
func NewNoop() Collector {
	return noopCollector{}
}
