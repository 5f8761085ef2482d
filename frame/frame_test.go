package frame

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKeys(t *testing.T) (c2s, s2c []byte) {
	c2s, s2c, err := DeriveKeys(0xdeadbeefcafe, bytes.Repeat([]byte{1}, NonceSize), bytes.Repeat([]byte{2}, NonceSize))
	require.NoError(t, err)
	return c2s, s2c
}

func newPair(t *testing.T, key []byte) (*Encoder, *Decoder) {
	enc, err := NewEncoder(key)
	require.NoError(t, err)
	dec, err := NewDecoder(key)
	require.NoError(t, err)
	return enc, dec
}

func randBytes(t *testing.T, n int) []byte {
	b := make([]byte, n)
	_, err := rand.Read(b)
	require.NoError(t, err)
	return b
}

func TestRoundTrip(t *testing.T) {
	key, _ := testKeys(t)
	enc, dec := newPair(t, key)

	sizes := []int{0, 1, 7, 8, 15, 16, 17, 255, 1024, 32768, 65535}
	for _, size := range sizes {
		payload := randBytes(t, size)
		b, err := enc.Encode(payload)
		require.NoError(t, err)
		assert.Len(t, b, lengthSize+size+TagSize)

		dec.Feed(b)
		got, err := dec.Next()
		require.NoError(t, err, "size %d", size)
		assert.Equal(t, payload, got, "size %d", size)
		assert.Equal(t, 0, dec.Buffered())
	}
}

func TestEncodeRejectsOversizedPayload(t *testing.T) {
	key, _ := testKeys(t)
	enc, _ := newPair(t, key)
	_, err := enc.Encode(make([]byte, MaxPayload+1))
	require.Error(t, err)
}

func TestPartialDelivery(t *testing.T) {
	key, _ := testKeys(t)
	payload := []byte("the quick brown fox jumps over the lazy dog")

	for split := 0; split <= lengthSize+len(payload)+TagSize; split++ {
		enc, dec := newPair(t, key)
		b, err := enc.Encode(payload)
		require.NoError(t, err)

		dec.Feed(b[:split])
		if split < len(b) {
			_, err := dec.Next()
			require.ErrorIs(t, err, ErrNeedMoreData, "split %d", split)
		}
		dec.Feed(b[split:])
		got, err := dec.Next()
		require.NoError(t, err, "split %d", split)
		assert.Equal(t, payload, got)
	}
}

func TestByteAtATime(t *testing.T) {
	key, _ := testKeys(t)
	enc, dec := newPair(t, key)

	var stream []byte
	var want [][]byte
	for i := 0; i < 5; i++ {
		p := randBytes(t, i*13)
		want = append(want, p)
		b, err := enc.Encode(p)
		require.NoError(t, err)
		stream = append(stream, b...)
	}

	var got [][]byte
	for _, c := range stream {
		dec.Feed([]byte{c})
		for {
			p, err := dec.Next()
			if errors.Is(err, ErrNeedMoreData) {
				break
			}
			require.NoError(t, err)
			got = append(got, p)
		}
	}
	assert.Equal(t, want, got)
}

func TestBitFlipIsCorrupt(t *testing.T) {
	key, _ := testKeys(t)
	payload := []byte("hunter2")

	enc, _ := newPair(t, key)
	b, err := enc.Encode(payload)
	require.NoError(t, err)

	for i := lengthSize; i < len(b); i++ {
		for bit := 0; bit < 8; bit++ {
			mutated := append([]byte(nil), b...)
			mutated[i] ^= 1 << bit

			_, dec := newPair(t, key)
			dec.Feed(mutated)
			got, err := dec.Next()
			require.ErrorIs(t, err, ErrCorruptFrame, "byte %d bit %d", i, bit)
			assert.Nil(t, got)
		}
	}
}

func TestLengthPrefixTampering(t *testing.T) {
	key, _ := testKeys(t)
	enc, _ := newPair(t, key)
	b, err := enc.Encode([]byte("hello"))
	require.NoError(t, err)

	// shrinking the declared length by one still lands in range, so the tag check must catch it
	mutated := append([]byte(nil), b...)
	mutated[3]--
	_, dec := newPair(t, key)
	dec.Feed(mutated)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestMalformedLength(t *testing.T) {
	key, _ := testKeys(t)

	cases := []struct {
		name   string
		prefix []byte
	}{
		{name: "shorter than tag", prefix: []byte{0, 0, 0, TagSize - 1}},
		{name: "zero", prefix: []byte{0, 0, 0, 0}},
		{name: "too large", prefix: []byte{0xff, 0xff, 0xff, 0xff}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, dec := newPair(t, key)
			dec.Feed(c.prefix)
			_, err := dec.Next()
			require.ErrorIs(t, err, ErrCorruptFrame)
		})
	}
}

func TestCorruptionIsSticky(t *testing.T) {
	key, _ := testKeys(t)
	enc, dec := newPair(t, key)

	bad, err := enc.Encode([]byte("one"))
	require.NoError(t, err)
	bad[len(bad)-1] ^= 0x80
	good, err := enc.Encode([]byte("two"))
	require.NoError(t, err)

	dec.Feed(bad)
	dec.Feed(good)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestReorderedFramesAreCorrupt(t *testing.T) {
	key, _ := testKeys(t)
	enc, dec := newPair(t, key)

	first, err := enc.Encode([]byte("first"))
	require.NoError(t, err)
	second, err := enc.Encode([]byte("second"))
	require.NoError(t, err)

	dec.Feed(second)
	dec.Feed(first)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestDirectionsAreIndependent(t *testing.T) {
	c2s, s2c := testKeys(t)
	assert.NotEqual(t, c2s, s2c)

	enc, err := NewEncoder(c2s)
	require.NoError(t, err)
	dec, err := NewDecoder(s2c)
	require.NoError(t, err)

	b, err := enc.Encode([]byte("hello"))
	require.NoError(t, err)
	dec.Feed(b)
	_, err = dec.Next()
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestDeriveKeysDependsOnNonces(t *testing.T) {
	a1, a2, err := DeriveKeys(42, bytes.Repeat([]byte{1}, NonceSize), bytes.Repeat([]byte{2}, NonceSize))
	require.NoError(t, err)
	b1, b2, err := DeriveKeys(42, bytes.Repeat([]byte{1}, NonceSize), bytes.Repeat([]byte{3}, NonceSize))
	require.NoError(t, err)
	assert.NotEqual(t, a1, b1)
	assert.NotEqual(t, a2, b2)

	c1, _, err := DeriveKeys(43, bytes.Repeat([]byte{1}, NonceSize), bytes.Repeat([]byte{2}, NonceSize))
	require.NoError(t, err)
	assert.NotEqual(t, a1, c1)
}

type handshakeResult struct {
	conn *Conn
	err  error
}

func handshake(t *testing.T, serverKey, clientKey uint64) (server, client *Conn, serverErr error) {
	serverSide, clientSide := net.Pipe()
	t.Cleanup(func() {
		serverSide.Close()
		clientSide.Close()
	})

	ch := make(chan handshakeResult, 1)
	go func() {
		c, err := Server(serverSide, serverKey)
		ch <- handshakeResult{conn: c, err: err}
	}()

	client, err := Client(clientSide, clientKey)
	require.NoError(t, err)
	res := <-ch
	return res.conn, client, res.err
}

func TestConnExchange(t *testing.T) {
	server, client, err := handshake(t, 7, 7)
	require.NoError(t, err)

	go func() {
		_ = client.WriteFrame([]byte("hunter2"))
		_ = client.WriteFrame(nil)
	}()

	p, err := server.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("hunter2"), p)
	p, err = server.ReadFrame()
	require.NoError(t, err)
	assert.Empty(t, p)

	go func() {
		_ = server.WriteFrame([]byte("ok"))
	}()
	p, err = client.ReadFrame()
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), p)
}

func TestConnWrongKey(t *testing.T) {
	server, client, err := handshake(t, 7, 8)
	require.NoError(t, err)

	go func() {
		_ = client.WriteFrame([]byte("hunter2"))
	}()
	_, err = server.ReadFrame()
	require.ErrorIs(t, err, ErrCorruptFrame)
}

func TestConnEOFMidFrame(t *testing.T) {
	server, client, err := handshake(t, 7, 7)
	require.NoError(t, err)

	enc, err := NewEncoder(make([]byte, keySize))
	require.NoError(t, err)
	b, err := enc.Encode([]byte("truncated"))
	require.NoError(t, err)

	go func() {
		_, _ = client.conn.Write(b[:6])
		client.Close()
	}()
	_, err = server.ReadFrame()
	require.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestBadHello(t *testing.T) {
	serverSide, clientSide := net.Pipe()
	defer serverSide.Close()
	defer clientSide.Close()

	go func() {
		_, _ = clientSide.Write([]byte("GET / HTTP/1.1\r\nHost: x\r\n"))
	}()
	_, err := Server(serverSide, 1)
	require.ErrorIs(t, err, ErrHandshake)
}
