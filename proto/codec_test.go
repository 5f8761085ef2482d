package proto

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTagsSelectVariant(t *testing.T) {
	b, err := EncodeRequest(Start{Command: "echo hi", Dir: "/tmp", Shell: true})
	require.NoError(t, err)

	req, err := DecodeRequest(b)
	require.NoError(t, err)
	start, ok := req.(Start)
	require.True(t, ok, "decoded %T", req)
	assert.Equal(t, "echo hi", start.Command)
	assert.Equal(t, "/tmp", start.Dir)
	assert.True(t, start.Shell)

	b, err = EncodeRequest(List{})
	require.NoError(t, err)
	req, err = DecodeRequest(b)
	require.NoError(t, err)
	assert.IsType(t, List{}, req)
}

func TestUnknownTypeRejected(t *testing.T) {
	b, err := encMode.Marshal(envelope{Type: "format_disk"})
	require.NoError(t, err)

	_, err = DecodeRequest(b)
	require.ErrorIs(t, err, ErrUnknownType)
	_, err = DecodeServerMessage(b)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestGarbageRejected(t *testing.T) {
	_, err := DecodeRequest([]byte("hunter2"))
	require.Error(t, err)
}

func TestResponseCarriesResult(t *testing.T) {
	started := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	b, err := EncodeServerMessage(Response{Result: Attached{
		Process: ProcessInfo{
			PID:       3,
			Command:   "sleep",
			Args:      []string{"10"},
			State:     StateRunning,
			StartedAt: started,
		},
		FirstSeq:  17,
		Truncated: true,
	}})
	require.NoError(t, err)

	msg, err := DecodeServerMessage(b)
	require.NoError(t, err)
	resp, ok := msg.(Response)
	require.True(t, ok)
	require.NoError(t, resp.Err())

	attached, ok := resp.Result.(Attached)
	require.True(t, ok, "result %T", resp.Result)
	assert.Equal(t, uint64(3), attached.Process.PID)
	assert.Equal(t, StateRunning, attached.Process.State)
	assert.True(t, attached.Process.StartedAt.Equal(started))
	assert.Equal(t, uint64(17), attached.FirstSeq)
	assert.True(t, attached.Truncated)
}

func TestNilResultEncodesEmpty(t *testing.T) {
	b, err := EncodeServerMessage(Response{})
	require.NoError(t, err)
	msg, err := DecodeServerMessage(b)
	require.NoError(t, err)
	assert.Equal(t, Empty{}, msg.(Response).Result)
}

func TestErrorResponse(t *testing.T) {
	b, err := EncodeServerMessage(Response{Error: KindProcessStillRunning, Message: "process 4 is running"})
	require.NoError(t, err)
	msg, err := DecodeServerMessage(b)
	require.NoError(t, err)

	resp := msg.(Response)
	assert.Nil(t, resp.Result)
	err = resp.Err()
	require.Error(t, err)
	assert.True(t, IsKind(err, KindProcessStillRunning))
	assert.True(t, IsKind(fmt.Errorf("reaping: %w", err), KindProcessStillRunning))
	assert.False(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(errors.New("process_still_running"), KindProcessStillRunning))
	assert.Equal(t, "process_still_running: process 4 is running", err.Error())
}

func TestOutputPreservesBinary(t *testing.T) {
	data := []byte{0, 1, 2, 0xff, '\n', 0}
	b, err := EncodeServerMessage(Output{PID: 1, Stream: Stderr, Seq: 9, Data: data})
	require.NoError(t, err)
	msg, err := DecodeServerMessage(b)
	require.NoError(t, err)
	assert.Equal(t, Output{PID: 1, Stream: Stderr, Seq: 9, Data: data}, msg)
}

func TestDetachedNotice(t *testing.T) {
	b, err := EncodeServerMessage(Detached{PID: 3, Reason: DetachReasonBackpressure})
	require.NoError(t, err)
	msg, err := DecodeServerMessage(b)
	require.NoError(t, err)
	assert.Equal(t, Detached{PID: 3, Reason: "backpressure"}, msg)
}
