package proto

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// ErrUnknownType is returned when a decoded envelope carries a type tag this version does not know.
var ErrUnknownType = errors.New("unknown message type")

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error

	encOptions := cbor.CoreDetEncOptions()
	encOptions.Time = cbor.TimeRFC3339Nano
	encMode, err = encOptions.EncMode()
	if err != nil {
		panic("proto: CBOR encoder initialization failed: " + err.Error())
	}

	decMode, err = cbor.DecOptions{
		MaxNestedLevels: 16,
	}.DecMode()
	if err != nil {
		panic("proto: CBOR decoder initialization failed: " + err.Error())
	}
}

// envelope is the outer wire form of every message: a type tag and the CBOR-encoded body.
type envelope struct {
	Type string          `cbor:"t"`
	Body cbor.RawMessage `cbor:"b,omitempty"`
}

type responseWire struct {
	Error   ErrorKind `cbor:"error,omitempty"`
	Message string    `cbor:"message,omitempty"`
	Result  *envelope `cbor:"result,omitempty"`
}

func seal(typ string, body any) (*envelope, error) {
	b, err := encMode.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encoding %s body: %w", typ, err)
	}
	return &envelope{Type: typ, Body: b}, nil
}

func open(b []byte) (*envelope, error) {
	var env envelope
	if err := decMode.Unmarshal(b, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	return &env, nil
}

func unmarshalBody(typ string, body cbor.RawMessage, v any) error {
	if len(body) == 0 {
		return nil
	}
	if err := decMode.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decoding %s body: %w", typ, err)
	}
	return nil
}

func decodeRequest[T Request](env *envelope) (Request, error) {
	var v T
	if err := unmarshalBody(env.Type, env.Body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeResult[T Result](env *envelope) (Result, error) {
	var v T
	if err := unmarshalBody(env.Type, env.Body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

func decodeServerMessage[T ServerMessage](env *envelope) (ServerMessage, error) {
	var v T
	if err := unmarshalBody(env.Type, env.Body, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// EncodeRequest encodes a request for the wire.
func EncodeRequest(r Request) ([]byte, error) {
	env, err := seal(r.requestType(), r)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// DecodeRequest decodes a request from the wire.
func DecodeRequest(b []byte) (Request, error) {
	env, err := open(b)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "start":
		return decodeRequest[Start](env)
	case "list":
		return decodeRequest[List](env)
	case "attach":
		return decodeRequest[Attach](env)
	case "detach":
		return decodeRequest[Detach](env)
	case "signal":
		return decodeRequest[Signal](env)
	case "reap":
		return decodeRequest[Reap](env)
	case "clear":
		return decodeRequest[Clear](env)
	case "stdin":
		return decodeRequest[Stdin](env)
	case "ping":
		return decodeRequest[Ping](env)
	case "chdir":
		return decodeRequest[Chdir](env)
	case "get_file":
		return decodeRequest[GetFile](env)
	case "put_file":
		return decodeRequest[PutFile](env)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
}

func encodeResult(r Result) (*envelope, error) {
	if r == nil {
		r = Empty{}
	}
	return seal(r.resultType(), r)
}

func decodeResultEnvelope(env *envelope) (Result, error) {
	switch env.Type {
	case "empty":
		return decodeResult[Empty](env)
	case "started":
		return decodeResult[Started](env)
	case "processes":
		return decodeResult[Processes](env)
	case "attached":
		return decodeResult[Attached](env)
	case "dir":
		return decodeResult[Dir](env)
	case "file":
		return decodeResult[File](env)
	case "reaped":
		return decodeResult[Reaped](env)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
}

// EncodeServerMessage encodes a server message for the wire.
func EncodeServerMessage(m ServerMessage) ([]byte, error) {
	var body any = m
	if resp, ok := m.(Response); ok {
		wire := responseWire{Error: resp.Error, Message: resp.Message}
		if resp.Error == "" {
			result, err := encodeResult(resp.Result)
			if err != nil {
				return nil, err
			}
			wire.Result = result
		}
		body = wire
	}
	env, err := seal(m.serverMessageType(), body)
	if err != nil {
		return nil, err
	}
	return encMode.Marshal(env)
}

// DecodeServerMessage decodes a server message from the wire.
func DecodeServerMessage(b []byte) (ServerMessage, error) {
	env, err := open(b)
	if err != nil {
		return nil, err
	}
	switch env.Type {
	case "response":
		var wire responseWire
		if err := unmarshalBody(env.Type, env.Body, &wire); err != nil {
			return nil, err
		}
		resp := Response{Error: wire.Error, Message: wire.Message}
		if wire.Result != nil {
			resp.Result, err = decodeResultEnvelope(wire.Result)
			if err != nil {
				return nil, err
			}
		}
		return resp, nil
	case "output":
		return decodeServerMessage[Output](env)
	case "truncated":
		return decodeServerMessage[Truncated](env)
	case "state":
		return decodeServerMessage[StateChange](env)
	case "detached":
		return decodeServerMessage[Detached](env)
	default:
		return nil, fmt.Errorf("%w %q", ErrUnknownType, env.Type)
	}
}

// Err returns the response's failure as an *Error, or nil on success.
func (r Response) Err() error {
	if r.Error == "" {
		return nil
	}
	return &Error{Kind: r.Error, Message: r.Message}
}
