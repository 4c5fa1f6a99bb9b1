package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/hyperjump/intellidoc/internal/models"
)

// SQLiteStorage implements Storage using SQLite.
type SQLiteStorage struct {
	db *sql.DB
}

// NewSQLiteStorage opens or creates a SQLite database at dbPath and initializes the schema.
// Parent directories are created if they do not exist. Transactions begin IMMEDIATE so
// concurrent pipeline commits queue on the busy timeout instead of failing on lock upgrade.
func NewSQLiteStorage(dbPath string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	dsn := dbPath + "?_busy_timeout=5000&_foreign_keys=on&_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL: %w", err)
	}

	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &SQLiteStorage{db: db}, nil
}

func initSchema(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS documents (
		id TEXT PRIMARY KEY,
		owner_id TEXT NOT NULL,
		title TEXT NOT NULL DEFAULT '',
		filename TEXT NOT NULL DEFAULT '',
		file_type TEXT NOT NULL DEFAULT '',
		file_size INTEGER NOT NULL DEFAULT 0,
		storage_path TEXT NOT NULL DEFAULT '',
		checksum TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL,
		processing_progress INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		page_count INTEGER NOT NULL DEFAULT 0,
		word_count INTEGER NOT NULL DEFAULT 0,
		chunk_count INTEGER NOT NULL DEFAULT 0,
		is_indexed INTEGER NOT NULL DEFAULT 0,
		embedding_model TEXT NOT NULL DEFAULT '',
		query_count INTEGER NOT NULL DEFAULT 0,
		uploaded_at TIMESTAMP NOT NULL,
		processed_at TIMESTAMP,
		last_accessed TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_documents_owner_status ON documents(owner_id, status);
	CREATE INDEX IF NOT EXISTS idx_documents_status_uploaded ON documents(status, uploaded_at);
	CREATE INDEX IF NOT EXISTS idx_documents_owner_checksum ON documents(owner_id, checksum);

	CREATE TABLE IF NOT EXISTS document_chunks (
		id TEXT PRIMARY KEY,
		document_id TEXT NOT NULL,
		chunk_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		chunk_size INTEGER NOT NULL,
		page_number INTEGER,
		vector_id INTEGER NOT NULL UNIQUE,
		embedding_model TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		UNIQUE (document_id, chunk_index),
		FOREIGN KEY (document_id) REFERENCES documents(id) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_document_id ON document_chunks(document_id);
	`
	_, err := db.Exec(schema)
	return err
}

const documentColumns = `id, owner_id, title, filename, file_type, file_size, storage_path, checksum,
	status, processing_progress, error_message, page_count, word_count, chunk_count, is_indexed,
	embedding_model, query_count, uploaded_at, processed_at, last_accessed`

const chunkColumns = `id, document_id, chunk_index, content, chunk_size, page_number, vector_id,
	embedding_model, created_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanDocument(row scanner) (*models.Document, error) {
	var doc models.Document
	var processed, accessed sql.NullTime
	err := row.Scan(&doc.ID, &doc.OwnerID, &doc.Title, &doc.Filename, &doc.FileType, &doc.FileSize,
		&doc.StoragePath, &doc.Checksum, &doc.Status, &doc.Progress, &doc.ErrorMessage, &doc.PageCount,
		&doc.WordCount, &doc.ChunkCount, &doc.IsIndexed, &doc.EmbeddingModel, &doc.QueryCount,
		&doc.UploadedAt, &processed, &accessed)
	if err != nil {
		return nil, err
	}
	if processed.Valid {
		t := processed.Time
		doc.ProcessedAt = &t
	}
	if accessed.Valid {
		t := accessed.Time
		doc.LastAccessed = &t
	}
	return &doc, nil
}

func scanChunk(row scanner) (*models.Chunk, error) {
	var c models.Chunk
	var page sql.NullInt64
	if err := row.Scan(&c.ID, &c.DocumentID, &c.ChunkIndex, &c.Content, &c.ChunkSize, &page,
		&c.VectorID, &c.EmbeddingModel, &c.CreatedAt); err != nil {
		return nil, err
	}
	if page.Valid {
		p := int(page.Int64)
		c.PageNumber = &p
	}
	return &c, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// CreateDocument inserts a document. UploadedAt defaults to now.
func (s *SQLiteStorage) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now()
	}
	doc.UploadedAt = doc.UploadedAt.UTC()
	if doc.Status == "" {
		doc.Status = models.StatusUploading
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO documents (id, owner_id, title, filename, file_type, file_size, storage_path, checksum,
			status, processing_progress, error_message, embedding_model, uploaded_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		doc.ID, doc.OwnerID, doc.Title, doc.Filename, doc.FileType, doc.FileSize, doc.StoragePath, doc.Checksum,
		doc.Status, doc.Progress, doc.ErrorMessage, doc.EmbeddingModel, doc.UploadedAt,
	)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

// GetDocument returns a document by ID, including deleted ones.
func (s *SQLiteStorage) GetDocument(ctx context.Context, id string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

// GetDocuments returns the documents that exist among ids, keyed by id.
func (s *SQLiteStorage) GetDocuments(ctx context.Context, ids []string) (map[string]*models.Document, error) {
	out := make(map[string]*models.Document, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out[doc.ID] = doc
	}
	return out, rows.Err()
}

// ListDocuments returns an owner's non-deleted documents, newest first. An empty
// ownerID lists every owner.
func (s *SQLiteStorage) ListDocuments(ctx context.Context, ownerID string, offset, limit int) ([]*models.Document, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE status != ? AND (? = '' OR owner_id = ?)
		 ORDER BY uploaded_at DESC, id LIMIT ? OFFSET ?`,
		models.StatusDeleted, ownerID, ownerID, limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var docs []*models.Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

// ReadyDocumentIDs returns the ids of an owner's ready documents. An empty owner
// matches every owner.
func (s *SQLiteStorage) ReadyDocumentIDs(ctx context.Context, ownerID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM documents WHERE (? = '' OR owner_id = ?) AND status = ? ORDER BY id`,
		ownerID, ownerID, models.StatusReady)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// FindByChecksum returns an owner's non-deleted document with the given content checksum.
func (s *SQLiteStorage) FindByChecksum(ctx context.Context, ownerID, checksum string) (*models.Document, error) {
	doc, err := scanDocument(s.db.QueryRowContext(ctx,
		`SELECT `+documentColumns+` FROM documents
		 WHERE owner_id = ? AND checksum = ? AND status != ?
		 ORDER BY uploaded_at LIMIT 1`,
		ownerID, checksum, models.StatusDeleted))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return doc, err
}

// OwnerUsage counts an owner's non-deleted documents and their total size.
func (s *SQLiteStorage) OwnerUsage(ctx context.Context, ownerID string) (Usage, error) {
	var u Usage
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(file_size), 0) FROM documents WHERE owner_id = ? AND status != ?`,
		ownerID, models.StatusDeleted,
	).Scan(&u.Documents, &u.Bytes)
	return u, err
}

// explainNoRows turns a zero-row transition into ErrNotFound, ErrDocumentDeleted
// or a state error.
func explainNoRows(ctx context.Context, q interface {
	QueryRowContext(context.Context, string, ...any) *sql.Row
}, id, want string) error {
	var status models.Status
	err := q.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, id).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("document %s: %w", id, ErrNotFound)
	case err != nil:
		return err
	case status == models.StatusDeleted:
		return fmt.Errorf("document %s: %w", id, ErrDocumentDeleted)
	default:
		return fmt.Errorf("document %s is %s, expected %s: %w", id, status, want, ErrStateChanged)
	}
}

func (s *SQLiteStorage) transition(ctx context.Context, id, want, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return explainNoRows(ctx, s.db, id, want)
	}
	return nil
}

// StartProcessing moves a non-deleted document to processing and clears any error.
func (s *SQLiteStorage) StartProcessing(ctx context.Context, id string, progress int) error {
	return s.transition(ctx, id, "not deleted",
		`UPDATE documents SET status = ?, processing_progress = ?, error_message = ''
		 WHERE id = ? AND status != ?`,
		models.StatusProcessing, progress, id, models.StatusDeleted)
}

// UpdateProgress sets the progress of a processing document.
func (s *SQLiteStorage) UpdateProgress(ctx context.Context, id string, progress int) error {
	return s.transition(ctx, id, string(models.StatusProcessing),
		`UPDATE documents SET processing_progress = ? WHERE id = ? AND status = ?`,
		progress, id, models.StatusProcessing)
}

// RecordExtraction stores page and word counts of a processing document.
func (s *SQLiteStorage) RecordExtraction(ctx context.Context, id string, pageCount, wordCount, progress int) error {
	return s.transition(ctx, id, string(models.StatusProcessing),
		`UPDATE documents SET page_count = ?, word_count = ?, processing_progress = ?
		 WHERE id = ? AND status = ?`,
		pageCount, wordCount, progress, id, models.StatusProcessing)
}

// CommitIngestion replaces the document's chunks and marks it ready in one transaction.
func (s *SQLiteStorage) CommitIngestion(ctx context.Context, c Commit) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var status models.Status
	err = tx.QueryRowContext(ctx, `SELECT status FROM documents WHERE id = ?`, c.DocumentID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("document %s: %w", c.DocumentID, ErrNotFound)
	}
	if err != nil {
		return err
	}
	switch status {
	case models.StatusProcessing:
	case models.StatusDeleted:
		return fmt.Errorf("document %s: %w", c.DocumentID, ErrDocumentDeleted)
	default:
		return fmt.Errorf("document %s is %s, expected %s: %w", c.DocumentID, status, models.StatusProcessing, ErrStateChanged)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, c.DocumentID); err != nil {
		return fmt.Errorf("delete previous chunks: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO document_chunks (`+chunkColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	processedAt := c.ProcessedAt.UTC()
	for _, ch := range c.Chunks {
		ch.CreatedAt = processedAt
		var page any
		if ch.PageNumber != nil {
			page = *ch.PageNumber
		}
		if _, err := stmt.ExecContext(ctx, ch.ID, c.DocumentID, ch.ChunkIndex, ch.Content, ch.ChunkSize,
			page, ch.VectorID, ch.EmbeddingModel, ch.CreatedAt); err != nil {
			return fmt.Errorf("insert chunk %d: %w", ch.ChunkIndex, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, processing_progress = 100, error_message = '', chunk_count = ?,
			is_indexed = 1, embedding_model = ?, page_count = ?, word_count = ?, processed_at = ?
		 WHERE id = ?`,
		models.StatusReady, len(c.Chunks), c.EmbeddingModel, c.PageCount, c.WordCount, processedAt, c.DocumentID,
	); err != nil {
		return fmt.Errorf("mark ready: %w", err)
	}
	return tx.Commit()
}

// FailDocument moves a non-deleted document to error, keeping its last progress.
func (s *SQLiteStorage) FailDocument(ctx context.Context, id, message string) error {
	return s.transition(ctx, id, "not deleted",
		`UPDATE documents SET status = ?, error_message = ?, is_indexed = 0 WHERE id = ? AND status != ?`,
		models.StatusError, message, id, models.StatusDeleted)
}

// ResetForReprocess drops a document's chunks and returns it to uploading.
func (s *SQLiteStorage) ResetForReprocess(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, processing_progress = 0, error_message = '', chunk_count = 0,
			is_indexed = 0, processed_at = NULL
		 WHERE id = ? AND status != ?`,
		models.StatusUploading, id, models.StatusDeleted)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return explainNoRows(ctx, tx, id, "not deleted")
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// MarkDeleted sets status deleted and removes the document's chunks. Deleting an
// already deleted document is a no-op.
func (s *SQLiteStorage) MarkDeleted(ctx context.Context, id string) (*models.Document, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	doc, err := scanDocument(tx.QueryRowContext(ctx, `SELECT `+documentColumns+` FROM documents WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("document %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if doc.Status == models.StatusDeleted {
		return doc, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = ?`, id); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE documents SET status = ?, chunk_count = 0, is_indexed = 0 WHERE id = ?`,
		models.StatusDeleted, id); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	doc.Status, doc.ChunkCount, doc.IsIndexed = models.StatusDeleted, 0, false
	return doc, nil
}

// MarkStale moves documents uploaded before cutoff that are still uploading or
// processing to error, except those skip reports as busy.
func (s *SQLiteStorage) MarkStale(ctx context.Context, cutoff time.Time, message string, skip func(id string) bool) ([]string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM documents WHERE status IN (?, ?) AND uploaded_at < ? ORDER BY uploaded_at`,
		models.StatusUploading, models.StatusProcessing, cutoff.UTC())
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		if skip != nil && skip(id) {
			continue
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for _, id := range ids {
		if _, err := tx.ExecContext(ctx,
			`UPDATE documents SET status = ?, error_message = ?, is_indexed = 0 WHERE id = ? AND status IN (?, ?)`,
			models.StatusError, message, id, models.StatusUploading, models.StatusProcessing); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// GetChunksByDocumentID returns all chunks for a document ordered by chunk_index.
func (s *SQLiteStorage) GetChunksByDocumentID(ctx context.Context, docID string) ([]*models.Chunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE document_id = ? ORDER BY chunk_index`, docID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chunks []*models.Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// GetChunksByVectorIDs resolves vector ids to chunks. Ids with no chunk are absent
// from the result.
func (s *SQLiteStorage) GetChunksByVectorIDs(ctx context.Context, vectorIDs []int64) (map[int64]*models.Chunk, error) {
	out := make(map[int64]*models.Chunk, len(vectorIDs))
	if len(vectorIDs) == 0 {
		return out, nil
	}
	args := make([]any, len(vectorIDs))
	for i, id := range vectorIDs {
		args[i] = id
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+chunkColumns+` FROM document_chunks WHERE vector_id IN (`+placeholders(len(args))+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		out[c.VectorID] = c
	}
	return out, rows.Err()
}

// CountChunksByDocumentID returns the number of chunk rows for a document.
func (s *SQLiteStorage) CountChunksByDocumentID(ctx context.Context, docID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks WHERE document_id = ?`, docID).Scan(&n)
	return n, err
}

// RecordQuery increments query_count and sets last_accessed for docIDs.
func (s *SQLiteStorage) RecordQuery(ctx context.Context, docIDs []string, at time.Time) error {
	if len(docIDs) == 0 {
		return nil
	}
	args := make([]any, 0, len(docIDs)+1)
	args = append(args, at.UTC())
	for _, id := range docIDs {
		args = append(args, id)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE documents SET query_count = query_count + 1, last_accessed = ?
		 WHERE id IN (`+placeholders(len(docIDs))+`)`, args...)
	return err
}

// CountDocuments returns the number of non-deleted documents.
func (s *SQLiteStorage) CountDocuments(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE status != ?`, models.StatusDeleted).Scan(&count)
	return count, err
}

// CountByStatus returns document counts grouped by status.
func (s *SQLiteStorage) CountByStatus(ctx context.Context) (map[models.Status]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[models.Status]int64)
	for rows.Next() {
		var st models.Status
		var n int64
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[st] = n
	}
	return out, rows.Err()
}

// CountChunks returns the total number of chunks.
func (s *SQLiteStorage) CountChunks(ctx context.Context) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM document_chunks`).Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}
