package process

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDockerExitStatus(t *testing.T) {
	h := &dockerHandle{execID: "abc"}

	assert.Equal(t, ExitStatus{Code: 0}, h.exitStatus(0))
	// without a signal from us, a high code is just an exit code
	assert.Equal(t, ExitStatus{Code: 137}, h.exitStatus(137))

	// a handle with no host pid cannot be signaled, and is not marked as signaled
	err := h.Signal(SignalKill)
	require.ErrorContains(t, err, "no host pid")
	assert.Equal(t, ExitStatus{Code: 143}, h.exitStatus(143))

	sig := SignalTerminate
	h.lastSignal = &sig
	assert.Equal(t, ExitStatus{Code: -1, Signaled: true, Signal: "terminate"}, h.exitStatus(143))
	assert.Equal(t, ExitStatus{Code: 1}, h.exitStatus(1))
	assert.Equal(t, ExitStatus{Code: 128}, h.exitStatus(128))
}
