package manifest

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const entryColumns = "target_group, sink, dataset, seq, base, kind, artifact, checksum, bytes, status, run, updated_at"

// Store persists entries in a SQLite database under the state directory.
type Store struct {
	db *sql.DB
}

// Open opens or creates the manifest database. Use ":memory:" for an
// in-memory database in tests.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open manifest %s: %w", path, err)
	}

	// SQLite only allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// A verify may run while a backup of another dataset holds the writer.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create manifest schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Record inserts or replaces the entry for (target group, sink, dataset,
// seq). The read of the previous status and the write happen in one
// transaction, and a complete row is never replaced: that returns
// ErrEntryComplete and leaves the row untouched.
func (s *Store) Record(e *Entry) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin manifest transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	err = tx.QueryRow(
		"SELECT status FROM entries WHERE target_group = ? AND sink = ? AND dataset = ? AND seq = ?",
		e.TargetGroup, e.Sink, e.Dataset, e.Seq,
	).Scan(&status)
	if err == nil && Status(status) == StatusComplete {
		return fmt.Errorf("%s: %w", e.Key(), ErrEntryComplete)
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("failed to read entry %s: %w", e.Key(), err)
	}

	query := `
		INSERT OR REPLACE INTO entries
		(` + entryColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = tx.Exec(query,
		e.TargetGroup,
		e.Sink,
		e.Dataset,
		e.Seq,
		e.Base,
		string(e.Kind),
		e.Artifact,
		e.Checksum,
		e.Bytes,
		string(e.Status),
		e.Run,
		e.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("failed to record entry %s: %w", e.Key(), err)
	}

	return tx.Commit()
}

// Demote flips a complete entry to failed or missing, keeping the recorded
// checksum and size as evidence of what was expected. It refuses to touch
// rows that are not complete.
func (s *Store) Demote(e *Entry, to Status, run string) error {
	res, err := s.db.Exec(
		`UPDATE entries SET status = ?, run = ?, updated_at = ?
		 WHERE target_group = ? AND sink = ? AND dataset = ? AND seq = ? AND status = ?`,
		string(to), run, time.Now().UTC().Format(time.RFC3339),
		e.TargetGroup, e.Sink, e.Dataset, e.Seq, string(StatusComplete),
	)
	if err != nil {
		return fmt.Errorf("failed to demote entry %s: %w", e.Key(), err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to demote entry %s: %w", e.Key(), err)
	}
	if n == 0 {
		return fmt.Errorf("no complete entry %s to demote", e.Key())
	}
	return nil
}

// Get returns the entry for the exact key, or nil when none exists.
func (s *Store) Get(group, sink, dataset string, seq uint64) (*Entry, error) {
	query := "SELECT " + entryColumns + " FROM entries WHERE target_group = ? AND sink = ? AND dataset = ? AND seq = ?"
	e, err := scanEntry(s.db.QueryRow(query, group, sink, dataset, seq))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get entry: %w", err)
	}
	return e, nil
}

// SinkEntries returns one sink's rows for a dataset in ascending sequence
// order. This is the planning input.
func (s *Store) SinkEntries(group, sink, dataset string) ([]*Entry, error) {
	query := "SELECT " + entryColumns + ` FROM entries
		WHERE target_group = ? AND sink = ? AND dataset = ?
		ORDER BY seq`
	return s.queryEntries(query, group, sink, dataset)
}

// Entries returns all rows, optionally narrowed to a target group and a
// dataset, ordered for stable reporting.
func (s *Store) Entries(group, dataset string) ([]*Entry, error) {
	return s.filtered(nil, group, dataset)
}

// CompleteEntries returns the rows verification and restore operate on,
// with the same optional narrowing as Entries.
func (s *Store) CompleteEntries(group, dataset string) ([]*Entry, error) {
	return s.filtered([]string{"status = ?"}, group, dataset, string(StatusComplete))
}

func (s *Store) filtered(conds []string, group, dataset string, args ...any) ([]*Entry, error) {
	if group != "" {
		conds = append(conds, "target_group = ?")
		args = append(args, group)
	}
	if dataset != "" {
		conds = append(conds, "dataset = ?")
		args = append(args, dataset)
	}
	query := "SELECT " + entryColumns + " FROM entries"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY dataset, target_group, sink, seq"
	return s.queryEntries(query, args...)
}

// MaxSeq returns the highest sequence ever recorded for a dataset across
// all target groups and sinks, in any status, or zero when the dataset is
// unknown. Sequence allocation never goes below this.
func (s *Store) MaxSeq(dataset string) (uint64, error) {
	var seq uint64
	err := s.db.QueryRow(
		"SELECT COALESCE(MAX(seq), 0) FROM entries WHERE dataset = ?", dataset,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("failed to read max sequence for %s: %w", dataset, err)
	}
	return seq, nil
}

// Datasets returns the distinct datasets a target group holds rows for.
func (s *Store) Datasets(group string) ([]string, error) {
	rows, err := s.db.Query(
		"SELECT DISTINCT dataset FROM entries WHERE target_group = ? ORDER BY dataset", group)
	if err != nil {
		return nil, fmt.Errorf("failed to list datasets: %w", err)
	}
	defer rows.Close()

	var datasets []string
	for rows.Next() {
		var ds string
		if err := rows.Scan(&ds); err != nil {
			return nil, fmt.Errorf("failed to scan dataset: %w", err)
		}
		datasets = append(datasets, ds)
	}
	return datasets, rows.Err()
}

func (s *Store) queryEntries(query string, args ...any) ([]*Entry, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query entries: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan entry: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (*Entry, error) {
	var e Entry
	var kind, status, updatedAt string
	err := row.Scan(
		&e.TargetGroup,
		&e.Sink,
		&e.Dataset,
		&e.Seq,
		&e.Base,
		&kind,
		&e.Artifact,
		&e.Checksum,
		&e.Bytes,
		&status,
		&e.Run,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	e.Status = Status(status)
	if e.UpdatedAt, err = time.Parse(time.RFC3339, updatedAt); err != nil {
		return nil, fmt.Errorf("failed to parse updated_at: %w", err)
	}
	return &e, nil
}
