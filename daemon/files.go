package daemon

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/guseggert/procd/proto"
)

// MaxFileChunk bounds the data in a single get_file response.
const MaxFileChunk = 256 * 1024

func (s *session) chdir(r proto.Chdir) (proto.Result, error) {
	if r.Dir == "" {
		return proto.Dir{Path: s.workDir}, nil
	}
	dir := s.resolve(r.Dir)
	fi, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("changing dir: %w", err)
	}
	if !fi.IsDir() {
		return nil, badRequest("%q is not a directory", dir)
	}
	s.workDir = dir
	return proto.Dir{Path: dir}, nil
}

func (s *session) getFile(r proto.GetFile) (proto.Result, error) {
	if r.Offset < 0 || r.Length < 0 {
		return nil, badRequest("negative offset or length")
	}
	length := r.Length
	if length == 0 || length > MaxFileChunk {
		length = MaxFileChunk
	}

	path := s.resolve(r.Path)
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return nil, badRequest("%q is a directory", path)
	}

	buf := make([]byte, length)
	n, err := f.ReadAt(buf, r.Offset)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("reading file: %w", err)
	}
	return proto.File{
		Data: buf[:n],
		EOF:  r.Offset+int64(n) >= fi.Size(),
		Size: fi.Size(),
	}, nil
}

func (s *session) putFile(r proto.PutFile) (proto.Result, error) {
	if r.Offset < 0 {
		return nil, badRequest("negative offset")
	}
	path := s.resolve(r.Path)
	if err := os.MkdirAll(filepath.Dir(path), 0777); err != nil {
		return nil, fmt.Errorf("creating parent dirs: %w", err)
	}

	flags := os.O_WRONLY | os.O_CREATE
	if r.Truncate {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening file: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteAt(r.Data, r.Offset); err != nil {
		return nil, fmt.Errorf("writing file: %w", err)
	}
	fi, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	return proto.File{Size: fi.Size()}, nil
}
