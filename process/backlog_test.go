package process

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBacklogSequencing(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	c1 := b.Append(Stdout, []byte("a"))
	c2 := b.Append(Stderr, []byte("b"))
	c3 := b.Append(Stdout, []byte("c"))

	assert.Equal(t, uint64(1), c1.Seq)
	assert.Equal(t, uint64(2), c2.Seq)
	assert.Equal(t, uint64(3), c3.Seq)
	assert.Equal(t, Stderr, c2.Stream)

	snap := b.Snapshot()
	assert.Equal(t, uint64(1), snap.FirstSeq)
	assert.False(t, snap.Truncated)
	require.Len(t, snap.Chunks, 3)
	assert.Equal(t, "abc", string(snap.Chunks[0].Data)+string(snap.Chunks[1].Data)+string(snap.Chunks[2].Data))
}

func TestBacklogCopiesData(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	buf := []byte("hello")
	b.Append(Stdout, buf)
	copy(buf, "XXXXX")
	assert.Equal(t, "hello", string(b.Snapshot().Chunks[0].Data))
}

func TestBacklogEvictsByChunkCount(t *testing.T) {
	b := NewBacklog(1<<20, 4, 8, nil)
	for i := 0; i < 10; i++ {
		b.Append(Stdout, []byte(fmt.Sprint(i)))
	}
	snap := b.Snapshot()
	require.Len(t, snap.Chunks, 4)
	assert.Equal(t, uint64(7), snap.FirstSeq)
	assert.True(t, snap.Truncated)
	for i, c := range snap.Chunks {
		assert.Equal(t, uint64(7+i), c.Seq)
		assert.Equal(t, fmt.Sprint(6+i), string(c.Data))
	}
}

func TestBacklogEvictsByBytes(t *testing.T) {
	b := NewBacklog(10, 100, 8, nil)
	b.Append(Stdout, []byte("1234"))
	b.Append(Stdout, []byte("5678"))
	b.Append(Stdout, []byte("9012"))

	snap := b.Snapshot()
	require.Len(t, snap.Chunks, 2)
	assert.Equal(t, uint64(2), snap.FirstSeq)
	assert.True(t, snap.Truncated)

	// a chunk larger than the bound is still retained on its own
	b.Append(Stdout, []byte("this is longer than ten bytes"))
	snap = b.Snapshot()
	require.Len(t, snap.Chunks, 1)
	assert.Equal(t, uint64(4), snap.FirstSeq)
}

func TestBacklogSubscribeSnapshotThenLive(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	b.Append(Stdout, []byte("old"))

	snap, sub, ok := b.Subscribe("s1")
	require.True(t, ok)
	require.Len(t, snap.Chunks, 1)
	assert.Equal(t, "old", string(snap.Chunks[0].Data))

	b.Append(Stdout, []byte("new"))
	b.PublishState(Info{PID: 1, State: StateExited})

	ev := <-sub.Events()
	require.NotNil(t, ev.Chunk)
	assert.Equal(t, uint64(2), ev.Chunk.Seq)
	assert.Equal(t, "new", string(ev.Chunk.Data))

	ev = <-sub.Events()
	require.NotNil(t, ev.State)
	assert.Equal(t, StateExited, ev.State.State)
}

// Chunks appended concurrently with a subscription must show up exactly once, in the snapshot or on the channel.
func TestBacklogSubscribeIsAtomic(t *testing.T) {
	const total = 2000
	b := NewBacklog(1<<20, total, total, nil)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			b.Append(Stdout, []byte{byte(i)})
		}
	}()

	snap, sub, ok := b.Subscribe("s1")
	require.True(t, ok)
	wg.Wait()
	b.Unsubscribe("s1")

	seen := map[uint64]int{}
	for _, c := range snap.Chunks {
		seen[c.Seq]++
	}
	for ev := range sub.Events() {
		seen[ev.Chunk.Seq]++
	}
	require.Len(t, seen, total)
	for seq := uint64(1); seq <= total; seq++ {
		assert.Equal(t, 1, seen[seq], "seq %d", seq)
	}
}

func TestBacklogBackpressureDetaches(t *testing.T) {
	b := NewBacklog(1<<20, 100, 2, nil)
	_, slow, ok := b.Subscribe("slow")
	require.True(t, ok)
	_, fast, ok := b.Subscribe("fast")
	require.True(t, ok)

	var fastGot []uint64
	for i := 0; i < 5; i++ {
		b.Append(Stdout, []byte("x"))
		ev := <-fast.Events()
		fastGot = append(fastGot, ev.Chunk.Seq)
	}
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, fastGot)

	var slowGot []uint64
	for ev := range slow.Events() {
		slowGot = append(slowGot, ev.Chunk.Seq)
	}
	assert.Equal(t, []uint64{1, 2}, slowGot)
	assert.Equal(t, DetachBackpressure, slow.Reason())
	assert.Equal(t, []string{"fast"}, b.Subscribers())

	// the backlog keeps everything regardless
	assert.Len(t, b.Snapshot().Chunks, 5)
}

func TestBacklogUnsubscribe(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	_, sub, ok := b.Subscribe("s1")
	require.True(t, ok)

	assert.True(t, b.Unsubscribe("s1"))
	assert.False(t, b.Unsubscribe("s1"))
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, DetachRequested, sub.Reason())
}

func TestBacklogResubscribeReplaces(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	_, first, _ := b.Subscribe("s1")
	_, second, _ := b.Subscribe("s1")

	_, open := <-first.Events()
	assert.False(t, open)

	b.Append(Stdout, []byte("x"))
	ev := <-second.Events()
	assert.Equal(t, uint64(1), ev.Chunk.Seq)
}

func TestBacklogClose(t *testing.T) {
	b := NewBacklog(1024, 16, 8, nil)
	b.Append(Stdout, []byte("x"))
	_, sub, _ := b.Subscribe("s1")

	b.Close()
	_, open := <-sub.Events()
	assert.False(t, open)
	assert.Equal(t, DetachReaped, sub.Reason())

	_, _, ok := b.Subscribe("s2")
	assert.False(t, ok)
	b.Append(Stdout, []byte("ignored"))
	assert.Empty(t, b.Snapshot().Chunks)
}
