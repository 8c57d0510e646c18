// Package sink abstracts the places artifacts are replicated to: local
// directories, SSH hosts reached over SFTP, and S3 buckets. A sink stores
// opaque byte streams under sink-relative paths; it knows nothing about
// chains or manifests.
package sink

import (
	"context"
	"errors"
	"fmt"
	"io"

	"zmt/internal/config"
)

// Marker is written by Init and checked before backups. A sink without it
// was never prepared for replication, which usually means a typo in the
// configured path or bucket.
const Marker = "zfs/.initialized"

// ErrNotExist reports that an artifact is not present on a sink. Wrapped
// inside IOError or TransportError; test with errors.Is.
var ErrNotExist = errors.New("artifact does not exist")

// ErrNotInitialized reports that a sink is missing the Marker object.
var ErrNotInitialized = errors.New("sink is not initialized, run: zmt init")

// IOError is a failure on a local sink.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string { return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err) }
func (e *IOError) Unwrap() error { return e.Err }

// TransportError is a failure on a remote sink.
type TransportError struct {
	Op     string
	Target string // sink id
	Path   string // artifact, empty for dial and check failures
	Err    error
}

func (e *TransportError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("%s %s on %s: %v", e.Op, e.Path, e.Target, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}
func (e *TransportError) Unwrap() error { return e.Err }

// Handle is one artifact being written. Exactly one of Finalize or Abort
// must be called.
type Handle interface {
	io.Writer

	// Finalize flushes everything to durable storage and publishes the
	// artifact under its final path. Until it returns the artifact is
	// not visible to readers.
	Finalize(ctx context.Context) error

	// Abort drops whatever was written so far.
	Abort() error
}

// Sink is one replication destination.
type Sink interface {
	// ID is the stable identity recorded in manifest rows. It must not
	// change across runs for the same configured destination.
	ID() string

	Open(ctx context.Context, artifact string) (Handle, error)

	// Reader streams an artifact back. A missing artifact satisfies
	// errors.Is(err, ErrNotExist).
	Reader(ctx context.Context, artifact string) (io.ReadCloser, error)

	// Init prepares the layout and writes the Marker.
	Init(ctx context.Context) error

	// Check verifies the sink is reachable and initialized.
	Check(ctx context.Context) error

	Close() error
}

// New builds the sinks of one target group. SSH sinks dial lazily, the S3
// client is constructed here so credential problems surface early.
func New(ctx context.Context, cfg *config.Config, group *config.TargetGroup) ([]Sink, error) {
	var sinks []Sink
	for _, p := range group.Paths {
		if group.Remote != "" {
			remote, err := cfg.FindRemote(group.Remote)
			if err != nil {
				return nil, err
			}
			sinks = append(sinks, NewSSH(remote, p))
			continue
		}
		sinks = append(sinks, NewLocal(p))
	}
	if group.S3Prefix != "" {
		s3Sink, err := NewS3(ctx, cfg.S3, group.S3Prefix, cfg.S3RetryAttempts())
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s3Sink)
	}
	return sinks, nil
}
