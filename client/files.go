package client

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/guseggert/procd/proto"
)

// ChunkSize is the amount of file data moved per request.
const ChunkSize = 256 * 1024

// ReadFile copies a remote file into w, one chunk per request, and returns the number of bytes copied.
func (c *Client) ReadFile(ctx context.Context, path string, w io.Writer) (int64, error) {
	var offset int64
	for {
		f, err := c.GetFile(ctx, path, offset, ChunkSize)
		if err != nil {
			return offset, err
		}
		if len(f.Data) > 0 {
			if _, err := w.Write(f.Data); err != nil {
				return offset, fmt.Errorf("writing local data: %w", err)
			}
			offset += int64(len(f.Data))
		}
		if f.EOF || len(f.Data) == 0 {
			return offset, nil
		}
	}
}

// WriteFile replaces a remote file with the contents of r, one chunk per request.
func (c *Client) WriteFile(ctx context.Context, path string, r io.Reader) (int64, error) {
	buf := make([]byte, ChunkSize)
	var offset int64
	first := true
	for {
		n, readErr := io.ReadFull(r, buf)
		if n > 0 || first {
			_, err := c.PutFile(ctx, proto.PutFile{
				Path:     path,
				Offset:   offset,
				Data:     buf[:n],
				Truncate: first,
			})
			if err != nil {
				return offset, err
			}
			offset += int64(n)
			first = false
		}
		if errors.Is(readErr, io.EOF) || errors.Is(readErr, io.ErrUnexpectedEOF) {
			return offset, nil
		}
		if readErr != nil {
			return offset, fmt.Errorf("reading local data: %w", readErr)
		}
	}
}
