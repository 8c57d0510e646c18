package sink

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"path"
	"sync"
	"time"

	"github.com/melbahja/goph"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"zmt/internal/config"
)

// SSH replicates into a directory on a remote host over SFTP. The
// connection is dialed on first use and shared by all artifacts of a run.
type SSH struct {
	remote *config.Remote
	root   string

	mu     sync.Mutex
	client *goph.Client
	sftp   *sftp.Client
}

func NewSSH(remote *config.Remote, root string) *SSH {
	return &SSH{remote: remote, root: root}
}

func (s *SSH) ID() string {
	return fmt.Sprintf("ssh://%s@%s/%s", s.remote.User, s.remote.Host, s.root)
}

func (s *SSH) path(artifact string) string {
	return path.Join(s.root, artifact)
}

func (s *SSH) connect() (*sftp.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		return s.sftp, nil
	}

	var auth goph.Auth
	var err error
	if s.remote.KeyPath != "" {
		auth, err = goph.Key(s.remote.KeyPath, "")
	} else {
		auth, err = goph.UseAgent()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Target: s.ID(), Err: err}
	}

	var callback ssh.HostKeyCallback
	if s.remote.KnownHosts != "" {
		callback, err = goph.KnownHosts(s.remote.KnownHosts)
	} else {
		callback, err = goph.DefaultKnownHosts()
	}
	if err != nil {
		return nil, &TransportError{Op: "dial", Target: s.ID(), Err: err}
	}

	client, err := goph.NewConn(&goph.Config{
		User:     s.remote.User,
		Addr:     s.remote.Host,
		Port:     uint(s.remote.Port),
		Auth:     auth,
		Timeout:  30 * time.Second,
		Callback: callback,
	})
	if err != nil {
		return nil, &TransportError{Op: "dial", Target: s.ID(), Err: err}
	}

	sftpClient, err := client.NewSFTP()
	if err != nil {
		client.Close()
		return nil, &TransportError{Op: "dial", Target: s.ID(), Err: err}
	}

	s.client = client
	s.sftp = sftpClient
	return s.sftp, nil
}

func (s *SSH) Open(_ context.Context, artifact string) (Handle, error) {
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	final := s.path(artifact)
	if err := c.MkdirAll(path.Dir(final)); err != nil {
		return nil, &TransportError{Op: "open", Target: s.ID(), Path: artifact, Err: err}
	}
	tmp := final + ".tmp"
	f, err := c.Create(tmp)
	if err != nil {
		return nil, &TransportError{Op: "open", Target: s.ID(), Path: artifact, Err: err}
	}
	return &sshHandle{sink: s, c: c, f: f, artifact: artifact, tmp: tmp, final: final}, nil
}

type sshHandle struct {
	sink     *SSH
	c        *sftp.Client
	f        *sftp.File
	artifact string
	tmp      string
	final    string
}

func (h *sshHandle) Write(p []byte) (int, error) {
	n, err := h.f.Write(p)
	if err != nil {
		return n, &TransportError{Op: "write", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	return n, nil
}

// Finalize fsyncs the remote file (fsync@openssh.com) and publishes it
// with an atomic rename (posix-rename@openssh.com).
func (h *sshHandle) Finalize(_ context.Context) error {
	if err := h.f.Sync(); err != nil {
		h.f.Close()
		return &TransportError{Op: "sync", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	if err := h.f.Close(); err != nil {
		return &TransportError{Op: "close", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	if err := h.c.PosixRename(h.tmp, h.final); err != nil {
		return &TransportError{Op: "publish", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	return nil
}

func (h *sshHandle) Abort() error {
	h.f.Close()
	if err := h.c.Remove(h.tmp); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &TransportError{Op: "abort", Target: h.sink.ID(), Path: h.artifact, Err: err}
	}
	return nil
}

func (s *SSH) Reader(_ context.Context, artifact string) (io.ReadCloser, error) {
	c, err := s.connect()
	if err != nil {
		return nil, err
	}
	f, err := c.Open(s.path(artifact))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &TransportError{Op: "read", Target: s.ID(), Path: artifact, Err: ErrNotExist}
		}
		return nil, &TransportError{Op: "read", Target: s.ID(), Path: artifact, Err: err}
	}
	return f, nil
}

func (s *SSH) Init(_ context.Context) error {
	c, err := s.connect()
	if err != nil {
		return err
	}
	marker := s.path(Marker)
	if err := c.MkdirAll(path.Dir(marker)); err != nil {
		return &TransportError{Op: "init", Target: s.ID(), Err: err}
	}
	f, err := c.Create(marker)
	if err != nil {
		return &TransportError{Op: "init", Target: s.ID(), Err: err}
	}
	if err := f.Close(); err != nil {
		return &TransportError{Op: "init", Target: s.ID(), Err: err}
	}
	return nil
}

func (s *SSH) Check(_ context.Context) error {
	c, err := s.connect()
	if err != nil {
		return err
	}
	if _, err := c.Stat(s.path(Marker)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &TransportError{Op: "check", Target: s.ID(), Err: ErrNotInitialized}
		}
		return &TransportError{Op: "check", Target: s.ID(), Err: err}
	}
	return nil
}

func (s *SSH) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sftp != nil {
		s.sftp.Close()
		s.sftp = nil
	}
	if s.client != nil {
		err := s.client.Close()
		s.client = nil
		return err
	}
	return nil
}
