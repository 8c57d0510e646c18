package sink

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
)

// Local replicates into a directory on this host, typically a mounted
// external disk or an NFS path.
type Local struct {
	root string
}

func NewLocal(root string) *Local {
	return &Local{root: root}
}

func (l *Local) ID() string { return "local:" + filepath.ToSlash(l.root) }

func (l *Local) path(artifact string) string {
	return filepath.Join(l.root, filepath.FromSlash(artifact))
}

func (l *Local) Open(_ context.Context, artifact string) (Handle, error) {
	final := l.path(artifact)
	if err := os.MkdirAll(filepath.Dir(final), 0o755); err != nil {
		return nil, &IOError{Op: "open", Path: final, Err: err}
	}
	tmp := final + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return nil, &IOError{Op: "open", Path: tmp, Err: err}
	}
	return &localHandle{f: f, tmp: tmp, final: final}, nil
}

type localHandle struct {
	f     *os.File
	tmp   string
	final string
}

func (h *localHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if err != nil {
		return n, &IOError{Op: "write", Path: h.tmp, Err: err}
	}
	return n, nil
}

// Finalize syncs the temporary file and renames it into place, so readers
// only ever see fully written artifacts.
func (h *localHandle) Finalize(_ context.Context) error {
	if err := h.f.Sync(); err != nil {
		h.f.Close()
		return &IOError{Op: "sync", Path: h.tmp, Err: err}
	}
	if err := h.f.Close(); err != nil {
		return &IOError{Op: "close", Path: h.tmp, Err: err}
	}
	if err := os.Rename(h.tmp, h.final); err != nil {
		return &IOError{Op: "publish", Path: h.final, Err: err}
	}
	return nil
}

func (h *localHandle) Abort() error {
	h.f.Close()
	if err := os.Remove(h.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &IOError{Op: "abort", Path: h.tmp, Err: err}
	}
	return nil
}

func (l *Local) Reader(_ context.Context, artifact string) (io.ReadCloser, error) {
	f, err := os.Open(l.path(artifact))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &IOError{Op: "read", Path: l.path(artifact), Err: ErrNotExist}
		}
		return nil, &IOError{Op: "read", Path: l.path(artifact), Err: err}
	}
	return f, nil
}

func (l *Local) Init(_ context.Context) error {
	marker := l.path(Marker)
	if err := os.MkdirAll(filepath.Dir(marker), 0o755); err != nil {
		return &IOError{Op: "init", Path: l.root, Err: err}
	}
	if err := os.WriteFile(marker, nil, 0o644); err != nil {
		return &IOError{Op: "init", Path: marker, Err: err}
	}
	return nil
}

func (l *Local) Check(_ context.Context) error {
	if _, err := os.Stat(l.root); err != nil {
		return &IOError{Op: "check", Path: l.root, Err: err}
	}
	if _, err := os.Stat(l.path(Marker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &IOError{Op: "check", Path: l.root, Err: ErrNotInitialized}
		}
		return &IOError{Op: "check", Path: l.path(Marker), Err: err}
	}
	return nil
}

func (l *Local) Close() error { return nil }
