package storage

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding documents, transcripts and notifications.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "docqa.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// One connection: the in-memory database is per-connection, and a single
	// writer avoids "database is locked".
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate applies embedded migrations that are not yet recorded in schema_version.
func (s *Store) migrate() error {
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}
		if err := s.applyMigration(version, entry.Name()); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) applyMigration(version int, name string) error {
	var exists int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
		return fmt.Errorf("checking migration %d: %w", version, err)
	}
	if exists > 0 {
		return nil
	}

	content, err := migrationsFS.ReadFile("migrations/" + name)
	if err != nil {
		return fmt.Errorf("reading migration %s: %w", name, err)
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(string(content)); err != nil {
		return fmt.Errorf("applying migration %d: %w", version, err)
	}
	if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
		return fmt.Errorf("recording migration %d: %w", version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing migration %d: %w", version, err)
	}
	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

func newRowID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func nowOr(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing %s: %w", field, err)
	}
	return t, nil
}

// --- Documents ---

// SaveDocument inserts a document, filling ID and CreatedAt when unset.
func (s *Store) SaveDocument(doc Document) (Document, error) {
	if doc.ID == "" {
		doc.ID = newRowID()
	}
	doc.CreatedAt = nowOr(doc.CreatedAt)
	if doc.IndexStatus == "" {
		doc.IndexStatus = IndexPending
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, title, path, page_count, index_status, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.Title, doc.Path, doc.PageCount, doc.IndexStatus, doc.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Document{}, fmt.Errorf("saving document: %w", err)
	}
	return doc, nil
}

const documentColumns = `id, title, path, page_count, index_status, index_error, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var d Document
	var createdAt string
	if err := row.Scan(&d.ID, &d.Title, &d.Path, &d.PageCount, &d.IndexStatus, &d.IndexError, &createdAt); err != nil {
		return Document{}, err
	}
	var err error
	if d.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
		return Document{}, err
	}
	return d, nil
}

func (s *Store) GetDocument(id string) (Document, error) {
	d, err := scanDocument(s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Document{}, ErrNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return d, nil
}

// ListDocuments returns up to limit documents, newest first.
func (s *Store) ListDocuments(limit int) ([]Document, error) {
	rows, err := s.db.Query(`SELECT `+documentColumns+`
		FROM documents ORDER BY created_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Document{}
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Transcript ---

// AppendMessage adds a transcript entry for its document.
func (s *Store) AppendMessage(m Message) (Message, error) {
	if m.ID == "" {
		m.ID = newRowID()
	}
	m.CreatedAt = nowOr(m.CreatedAt)

	citations := m.Citations
	if citations == nil {
		citations = []Citation{}
	}
	raw, err := json.Marshal(citations)
	if err != nil {
		return Message{}, fmt.Errorf("encoding citations: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO messages (id, document_id, role, content, citations, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.DocumentID, m.Role, m.Content, string(raw), m.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Message{}, fmt.Errorf("appending message: %w", err)
	}
	return m, nil
}

// ListMessages returns the last limit messages of the document's transcript
// in the order they were appended.
func (s *Store) ListMessages(documentID string, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, role, content, citations, created_at FROM (
			SELECT seq, id, document_id, role, content, citations, created_at
			FROM messages WHERE document_id = ? ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, documentID, limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

// ListHistory returns up to limit of the latest messages that form the
// conversation before a question asked at askedAt: every assistant message,
// and user messages recorded strictly before askedAt. Oldest first.
func (s *Store) ListHistory(documentID string, askedAt time.Time, limit int) ([]Message, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, role, content, citations, created_at FROM (
			SELECT seq, id, document_id, role, content, citations, created_at
			FROM messages
			WHERE document_id = ? AND (role != 'user' OR created_at < ?)
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq ASC`, documentID, askedAt.UTC().Format(timeLayout), limit,
	)
	if err != nil {
		return nil, err
	}
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	defer rows.Close()

	results := []Message{}
	for rows.Next() {
		var m Message
		var citations, createdAt string
		if err := rows.Scan(&m.ID, &m.DocumentID, &m.Role, &m.Content, &citations, &createdAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(citations), &m.Citations); err != nil {
			return nil, fmt.Errorf("decoding citations for message %s: %w", m.ID, err)
		}
		var err error
		if m.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, m)
	}
	return results, rows.Err()
}

// --- Notifications ---

func (s *Store) AddNotification(n Notification) (Notification, error) {
	if n.ID == "" {
		n.ID = newRowID()
	}
	n.CreatedAt = nowOr(n.CreatedAt)
	_, err := s.db.Exec(`
		INSERT INTO notifications (id, document_id, text, created_at)
		VALUES (?, ?, ?, ?)`,
		n.ID, n.DocumentID, n.Text, n.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return Notification{}, fmt.Errorf("adding notification: %w", err)
	}
	return n, nil
}

// ListNotifications returns up to limit notifications for the document, newest first.
func (s *Store) ListNotifications(documentID string, limit int) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, text, created_at
		FROM notifications WHERE document_id = ? ORDER BY seq DESC LIMIT ?`, documentID, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	results := []Notification{}
	for rows.Next() {
		var n Notification
		var createdAt string
		if err := rows.Scan(&n.ID, &n.DocumentID, &n.Text, &createdAt); err != nil {
			return nil, err
		}
		if n.CreatedAt, err = parseTime("created_at", createdAt); err != nil {
			return nil, err
		}
		results = append(results, n)
	}
	return results, rows.Err()
}
