package frame

import (
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const (
	// lengthSize is the size of the big-endian length prefix on every frame.
	lengthSize = 4

	// TagSize is the size of the integrity tag appended to every frame body.
	TagSize = chacha20poly1305.Overhead

	// MaxPayload is the largest plaintext a single frame can carry.
	MaxPayload = 1 << 20
)

var (
	// ErrNeedMoreData is returned by Decoder.Next when the buffered bytes do not yet hold a whole frame.
	ErrNeedMoreData = errors.New("need more data")

	// ErrCorruptFrame is returned when a frame fails its integrity check or carries a malformed length prefix.
	// It is terminal for the stream.
	ErrCorruptFrame = errors.New("corrupt frame")
)

func nonceFor(counter uint64) []byte {
	nonce := make([]byte, chacha20poly1305.NonceSize)
	binary.BigEndian.PutUint64(nonce[chacha20poly1305.NonceSize-8:], counter)
	return nonce
}

// Encoder seals plaintexts into frames for one direction of a connection.
// It is not safe for concurrent use.
type Encoder struct {
	aead    cipher.AEAD
	counter uint64
}

// NewEncoder builds an Encoder from a 32-byte direction key.
func NewEncoder(key []byte) (*Encoder, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("building encoder cipher: %w", err)
	}
	return &Encoder{aead: aead}, nil
}

// Encode returns the frame bytes for plaintext: [length][ciphertext][tag].
// The length prefix is authenticated along with the body.
func (e *Encoder) Encode(plaintext []byte) ([]byte, error) {
	if len(plaintext) > MaxPayload {
		return nil, fmt.Errorf("payload of %d bytes exceeds maximum %d", len(plaintext), MaxPayload)
	}
	var header [lengthSize]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(plaintext)+TagSize))

	out := make([]byte, lengthSize, lengthSize+len(plaintext)+TagSize)
	copy(out, header[:])
	out = e.aead.Seal(out, nonceFor(e.counter), plaintext, header[:])
	e.counter++
	return out, nil
}

// Decoder accumulates raw stream bytes and opens complete frames from them.
// Decoding is a pure function of the buffered bytes and the frame counter: it never blocks
// and never hands out plaintext from a frame that failed its integrity check.
// It is not safe for concurrent use.
type Decoder struct {
	aead    cipher.AEAD
	counter uint64
	buf     []byte
	err     error
}

// NewDecoder builds a Decoder from a 32-byte direction key.
func NewDecoder(key []byte) (*Decoder, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, fmt.Errorf("building decoder cipher: %w", err)
	}
	return &Decoder{aead: aead}, nil
}

// Feed appends raw stream bytes to the decode buffer.
func (d *Decoder) Feed(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes fed but not yet consumed by a decoded frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the plaintext of the next complete frame.
// It returns ErrNeedMoreData until a whole frame is buffered. Once a frame is corrupt,
// every later call returns the same ErrCorruptFrame error.
func (d *Decoder) Next() ([]byte, error) {
	if d.err != nil {
		return nil, d.err
	}
	if len(d.buf) < lengthSize {
		return nil, ErrNeedMoreData
	}
	sealedLen := binary.BigEndian.Uint32(d.buf[:lengthSize])
	if sealedLen < TagSize || sealedLen > MaxPayload+TagSize {
		d.err = fmt.Errorf("%w: length prefix %d out of range", ErrCorruptFrame, sealedLen)
		return nil, d.err
	}
	frameLen := lengthSize + int(sealedLen)
	if len(d.buf) < frameLen {
		return nil, ErrNeedMoreData
	}

	plaintext, err := d.aead.Open(nil, nonceFor(d.counter), d.buf[lengthSize:frameLen], d.buf[:lengthSize])
	if err != nil {
		d.err = fmt.Errorf("%w: frame %d: %s", ErrCorruptFrame, d.counter, err)
		return nil, d.err
	}
	d.counter++

	rest := copy(d.buf, d.buf[frameLen:])
	d.buf = d.buf[:rest]

	if plaintext == nil {
		plaintext = []byte{}
	}
	return plaintext, nil
}
