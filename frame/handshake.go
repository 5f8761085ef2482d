package frame

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/crypto/hkdf"
)

// NonceSize is the size of the per-connection nonce each side sends in the clear.
const NonceSize = 16

const (
	protocolVersion byte = 0x01
	helloSize            = 4 + 1 + NonceSize
	keySize              = 32
)

var helloMagic = []byte("PRCD")

// HKDF info strings, one per direction.
var (
	infoClientToServer = []byte("procd c2s v1")
	infoServerToClient = []byte("procd s2c v1")
)

// ErrHandshake is returned when the peer's hello is not a procd hello of a supported version.
var ErrHandshake = errors.New("bad handshake")

func writeHello(w io.Writer, nonce []byte) error {
	hello := make([]byte, 0, helloSize)
	hello = append(hello, helloMagic...)
	hello = append(hello, protocolVersion)
	hello = append(hello, nonce...)
	if _, err := w.Write(hello); err != nil {
		return fmt.Errorf("writing hello: %w", err)
	}
	return nil
}

func readHello(r io.Reader) ([]byte, error) {
	hello := make([]byte, helloSize)
	if _, err := io.ReadFull(r, hello); err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	if !bytes.Equal(hello[:4], helloMagic) {
		return nil, fmt.Errorf("%w: unexpected magic %q", ErrHandshake, hello[:4])
	}
	if hello[4] != protocolVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrHandshake, hello[4])
	}
	return hello[5:], nil
}

func newNonce() ([]byte, error) {
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return nonce, nil
}

// DeriveKeys expands the pre-shared key and both connection nonces into independent
// client-to-server and server-to-client keys.
func DeriveKeys(key uint64, clientNonce, serverNonce []byte) (c2s, s2c []byte, err error) {
	ikm := binary.BigEndian.AppendUint64(nil, key)
	salt := make([]byte, 0, len(clientNonce)+len(serverNonce))
	salt = append(salt, clientNonce...)
	salt = append(salt, serverNonce...)

	c2s = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, infoClientToServer), c2s); err != nil {
		return nil, nil, fmt.Errorf("deriving client key: %w", err)
	}
	s2c = make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, ikm, salt, infoServerToClient), s2c); err != nil {
		return nil, nil, fmt.Errorf("deriving server key: %w", err)
	}
	return c2s, s2c, nil
}

// Server performs the server side of the nonce exchange on conn and returns the framed connection.
// Deadlines on conn are left to the caller.
func Server(conn net.Conn, key uint64) (*Conn, error) {
	clientNonce, err := readHello(conn)
	if err != nil {
		return nil, err
	}
	serverNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	if err := writeHello(conn, serverNonce); err != nil {
		return nil, err
	}
	c2s, s2c, err := DeriveKeys(key, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	return newConn(conn, s2c, c2s)
}

// Client performs the client side of the nonce exchange on conn and returns the framed connection.
func Client(conn net.Conn, key uint64) (*Conn, error) {
	clientNonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	if err := writeHello(conn, clientNonce); err != nil {
		return nil, err
	}
	serverNonce, err := readHello(conn)
	if err != nil {
		return nil, err
	}
	c2s, s2c, err := DeriveKeys(key, clientNonce, serverNonce)
	if err != nil {
		return nil, err
	}
	return newConn(conn, c2s, s2c)
}
