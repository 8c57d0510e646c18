// Package manifest keeps the durable, per-sink record of every replicated
// artifact. It is the source of truth for chain planning, verification and
// restore: an artifact counts as replicated only once its row here says so.
package manifest

import (
	"errors"
	"fmt"
	"time"
)

// Status of one artifact on one sink.
type Status string

const (
	// StatusComplete means the artifact was fully written, flushed and
	// checksummed on the sink.
	StatusComplete Status = "complete"
	// StatusFailed marks an upload that did not finish, or an artifact
	// verification found corrupted.
	StatusFailed Status = "failed"
	// StatusMissing marks an artifact verification could not find anymore.
	StatusMissing Status = "missing"
)

// Kind of stream an artifact holds.
type Kind string

const (
	KindFull        Kind = "full"
	KindIncremental Kind = "incremental"
)

// ErrEntryComplete is returned by Record when it would overwrite a row
// whose status is complete. Completed artifacts are immutable; verification
// has to demote them first.
var ErrEntryComplete = errors.New("manifest entry is already complete")

// Entry is one artifact on one sink.
type Entry struct {
	TargetGroup string
	Sink        string
	Dataset     string
	Seq         uint64
	Base        uint64 // 0 for a full stream
	Kind        Kind
	Artifact    string // sink-relative path
	Checksum    string // hex BLAKE3 of the artifact bytes as sent
	Bytes       int64
	Status      Status
	Run         string // id of the run that last touched the row
	UpdatedAt   time.Time
}

// Key identifies the entry in log lines and error messages.
func (e *Entry) Key() string {
	return fmt.Sprintf("%s/%s %s@%d", e.TargetGroup, e.Sink, e.Dataset, e.Seq)
}

// ChecksumMismatchError reports that an artifact read back from a sink no
// longer hashes to what the manifest recorded.
type ChecksumMismatchError struct {
	Entry *Entry
	Got   string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s on %s: recorded %s, read %s",
		e.Entry.Artifact, e.Entry.Sink, e.Entry.Checksum, e.Got)
}
