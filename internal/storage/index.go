package storage

import (
	"database/sql"
	"fmt"
	"math"
	"time"
)

// maxIndexAttempts bounds how often a document is retried before it is
// marked failed.
const maxIndexAttempts = 3

// DB exposes the underlying database for the page vector store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// ClaimIndexJob marks the oldest document waiting for its page index as
// indexing and returns it. It returns nil when nothing is due.
func (s *Store) ClaimIndexJob() (*Document, error) {
	now := time.Now().UTC().Format(timeLayout)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	d, err := scanDocument(tx.QueryRow(`SELECT `+documentColumns+`
		FROM documents
		WHERE index_status = ? AND index_after <= ?
		ORDER BY index_after ASC, created_at ASC, rowid ASC
		LIMIT 1`, IndexPending, now))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next document to index: %w", err)
	}

	res, err := tx.Exec(`UPDATE documents SET index_status = ? WHERE id = ? AND index_status = ?`,
		IndexRunning, d.ID, IndexPending)
	if err != nil {
		return nil, fmt.Errorf("updating index status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated document rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	d.IndexStatus = IndexRunning
	return &d, nil
}

// CompleteIndex marks the document's page index as ready.
func (s *Store) CompleteIndex(id string) error {
	return s.setIndexState(id, `UPDATE documents SET index_status = ?, index_error = '' WHERE id = ?`, IndexReady, id)
}

// FailIndex records a failed indexing attempt. The document goes back to
// pending with exponential backoff until it runs out of attempts.
func (s *Store) FailIndex(id string, errMsg string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRow(`SELECT index_attempts FROM documents WHERE id = ?`, id).Scan(&attempts)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}

	attempts++
	if attempts >= maxIndexAttempts {
		_, err = tx.Exec(`UPDATE documents SET index_status = ?, index_attempts = ?, index_error = ? WHERE id = ?`,
			IndexFailed, attempts, errMsg, id)
	} else {
		backoff := time.Duration(math.Pow(2, float64(attempts))) * time.Second
		after := time.Now().UTC().Add(backoff).Format(timeLayout)
		_, err = tx.Exec(`UPDATE documents SET index_status = ?, index_attempts = ?, index_error = ?, index_after = ? WHERE id = ?`,
			IndexPending, attempts, errMsg, after, id)
	}
	if err != nil {
		return err
	}
	return tx.Commit()
}

// RequeueIndex puts a document back in line for indexing with a fresh
// attempt budget.
func (s *Store) RequeueIndex(id string) error {
	return s.setIndexState(id,
		`UPDATE documents SET index_status = ?, index_attempts = 0, index_error = '', index_after = '' WHERE id = ?`,
		IndexPending, id)
}

// ResetStaleIndexing returns documents left in the indexing state by an
// interrupted run to pending. It reports how many were reset.
func (s *Store) ResetStaleIndexing() (int, error) {
	res, err := s.db.Exec(`UPDATE documents SET index_status = ? WHERE index_status = ?`, IndexPending, IndexRunning)
	if err != nil {
		return 0, fmt.Errorf("resetting stale index jobs: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) setIndexState(id, query string, args ...any) error {
	res, err := s.db.Exec(query, args...)
	if err != nil {
		return fmt.Errorf("updating index state of %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
