/*
Package proto defines the messages exchanged inside procd frames.

There are three closed families of messages, each represented by an interface with an unexported method so that
no type outside this package can join them:

  - Request: client->server commands (start, list, attach, detach, signal, reap, clear, stdin, ping, chdir, get_file, put_file).
  - ServerMessage: server->client messages. A Response answers exactly one Request, in order. Output, Truncated,
    StateChange and Detached arrive asynchronously for attached processes.
  - Result: the payload of a successful Response.

Every message is CBOR-encoded as an envelope {t: type tag, b: body}. Decoders switch on the tag and reject unknown
tags with ErrUnknownType.
*/
package proto
