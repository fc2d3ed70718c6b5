package retrieval

import (
	"container/heap"
	"database/sql"
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"
)

var _ VectorStore = (*SQLiteStore)(nil)

// SQLiteStore stores page embeddings in the page_vectors table and searches
// them by brute-force cosine similarity. A document has at most a few
// thousand pages, so a scan per question is fast enough.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore wraps an existing *sql.DB. The page_vectors table must
// already exist (created via migrations).
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Replace deletes the document's stored pages and inserts pages in one transaction.
func (s *SQLiteStore) Replace(documentID string, pages []PageVector) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("beginning replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM page_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clearing pages of %s: %w", documentID, err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO page_vectors (document_id, page, text, embedding, created_at)
		VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing insert statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range pages {
		createdAt := p.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now().UTC()
		}
		if _, err := stmt.Exec(documentID, p.Page, p.Text, encodeFloat32s(p.Embedding), createdAt.Format(time.RFC3339)); err != nil {
			return fmt.Errorf("inserting page %d: %w", p.Page, err)
		}
	}
	return tx.Commit()
}

// pageScore holds only the page number and score during the scan phase of
// Search. Page text is fetched only for the top-K winners.
type pageScore struct {
	Page  int
	Score float32
}

// Search scans the document's page embeddings and returns the topK most
// similar pages, best first.
func (s *SQLiteStore) Search(documentID string, vector []float32, topK int) ([]ScoredPage, error) {
	queryNorm := norm(vector)
	if queryNorm == 0 || topK <= 0 {
		return nil, nil
	}

	rows, err := s.db.Query(`SELECT page, embedding FROM page_vectors WHERE document_id = ?`, documentID)
	if err != nil {
		return nil, fmt.Errorf("querying vectors: %w", err)
	}
	defer rows.Close()

	h := &pageScoreHeap{}
	heap.Init(h)

	// Reused across rows to avoid a decode allocation per page.
	var buf []float32

	for rows.Next() {
		var page int
		var blob []byte
		if err := rows.Scan(&page, &blob); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		buf, err = decodeFloat32sInto(buf, blob)
		if err != nil {
			return nil, fmt.Errorf("decoding embedding for page %d: %w", page, err)
		}

		score := dotProduct(vector, buf, queryNorm)
		if h.Len() < topK {
			heap.Push(h, pageScore{Page: page, Score: score})
		} else if score > (*h)[0].Score {
			(*h)[0] = pageScore{Page: page, Score: score}
			heap.Fix(h, 0)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating rows: %w", err)
	}
	if h.Len() == 0 {
		return nil, nil
	}

	scores := make(map[int]float32, h.Len())
	args := []any{documentID}
	for h.Len() > 0 {
		item := heap.Pop(h).(pageScore)
		scores[item.Page] = item.Score
		args = append(args, item.Page)
	}

	textRows, err := s.db.Query(`SELECT page, text, created_at FROM page_vectors
		WHERE document_id = ? AND page IN (?`+strings.Repeat(",?", len(scores)-1)+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("fetching top-K pages: %w", err)
	}
	defer textRows.Close()

	results := make([]ScoredPage, 0, len(scores))
	for textRows.Next() {
		p := PageVector{DocumentID: documentID}
		var createdAt string
		if err := textRows.Scan(&p.Page, &p.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning page: %w", err)
		}
		if p.CreatedAt, err = time.Parse(time.RFC3339, createdAt); err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		results = append(results, ScoredPage{PageVector: p, Score: scores[p.Page]})
	}
	if err := textRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating pages: %w", err)
	}

	// The IN query does not preserve score order.
	sortByScore(results)
	return results, nil
}

// sortByScore sorts by Score descending, then page ascending. Used for small slices (topK).
func sortByScore(results []ScoredPage) {
	less := func(a, b ScoredPage) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.Page < b.Page
	}
	for i := 1; i < len(results); i++ {
		for j := i; j > 0 && less(results[j], results[j-1]); j-- {
			results[j], results[j-1] = results[j-1], results[j]
		}
	}
}

// Count returns the number of stored pages of the document.
func (s *SQLiteStore) Count(documentID string) (int, error) {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM page_vectors WHERE document_id = ?`, documentID).Scan(&count)
	return count, err
}

// Delete removes every stored page of the document.
func (s *SQLiteStore) Delete(documentID string) error {
	if _, err := s.db.Exec(`DELETE FROM page_vectors WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("deleting pages of %s: %w", documentID, err)
	}
	return nil
}

// encodeFloat32s serializes a float32 slice to little-endian bytes.
func encodeFloat32s(v []float32) []byte {
	buf := make([]byte, len(v)*4)
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}

// decodeFloat32sInto decodes little-endian bytes into buf, growing it when needed.
// A length that is not a multiple of 4 means the blob is corrupt.
func decodeFloat32sInto(buf []float32, b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, fmt.Errorf("byte slice length %d is not a multiple of 4", len(b))
	}
	n := len(b) / 4
	if cap(buf) < n {
		buf = make([]float32, n)
	} else {
		buf = buf[:n]
	}
	for i := range buf {
		buf[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
	}
	return buf, nil
}

// norm returns the L2 norm of a vector.
func norm(v []float32) float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	return float32(math.Sqrt(sum))
}

// dotProduct computes cosine similarity as dot(a,b) / (aNorm * bNorm).
// aNorm is the precomputed L2 norm of a.
func dotProduct(a, b []float32, aNorm float32) float32 {
	if len(a) != len(b) {
		return 0
	}
	var dot, bNormSq float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		bNormSq += float64(b[i]) * float64(b[i])
	}
	bNorm := math.Sqrt(bNormSq)
	if bNorm == 0 {
		return 0
	}
	return float32(dot / (float64(aNorm) * bNorm))
}

// pageScoreHeap is a min-heap of pageScore ordered by Score.
type pageScoreHeap []pageScore

func (h pageScoreHeap) Len() int           { return len(h) }
func (h pageScoreHeap) Less(i, j int) bool { return h[i].Score < h[j].Score }
func (h pageScoreHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *pageScoreHeap) Push(x any)        { *h = append(*h, x.(pageScore)) }
func (h *pageScoreHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}
