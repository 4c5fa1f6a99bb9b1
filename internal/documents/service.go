// Package documents is the entry point for uploading, inspecting, deleting and
// reprocessing documents. It owns the stored files and hands ingestion to the
// job orchestrator.
package documents

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hyperjump/intellidoc/internal/admission"
	"github.com/hyperjump/intellidoc/internal/extract"
	"github.com/hyperjump/intellidoc/internal/jobs"
	"github.com/hyperjump/intellidoc/internal/models"
	"github.com/hyperjump/intellidoc/internal/storage"
)

var (
	// ErrInvalidUpload is returned for uploads missing an owner, a filename or a body.
	ErrInvalidUpload = errors.New("invalid upload")
	// ErrForbidden is returned when a caller touches another owner's document.
	ErrForbidden = errors.New("document belongs to another owner")
	// ErrBusy is returned by Reprocess while a run for the document is outstanding.
	ErrBusy = errors.New("document is being processed")
)

// Scheduler queues ingestion runs. Reserve claims a document without queueing
// it; a reservation ends with Submit or Release.
type Scheduler interface {
	Schedule(docID string) error
	Pending(docID string) bool
	Reserve(docID string) error
	Submit(docID string) error
	Release(docID string)
}

// Purger drops a document's derived index entries.
type Purger interface {
	Purge(ctx context.Context, docID string) error
}

// UploadRequest is one file handed to Upload.
type UploadRequest struct {
	OwnerID  string
	Title    string
	Filename string
	Body     io.Reader
	// Size is the declared size used for admission; the stored size is measured.
	Size int64
}

// Service manages documents and their stored files.
type Service struct {
	store     storage.Storage
	scheduler Scheduler
	purger    Purger
	checker   admission.Checker
	uploadDir string
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Service.
type Option func(*Service)

// WithLogger sets a logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// WithChecker sets the admission checker. The default admits everything.
func WithChecker(c admission.Checker) Option {
	return func(s *Service) { s.checker = c }
}

// NewService creates a document service storing files under uploadDir.
func NewService(store storage.Storage, scheduler Scheduler, purger Purger, uploadDir string, opts ...Option) *Service {
	s := &Service{
		store:     store,
		scheduler: scheduler,
		purger:    purger,
		checker:   admission.AllowAll{},
		uploadDir: uploadDir,
		logger:    zap.NewNop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Upload stores the file, creates the document in uploading and schedules ingestion.
// Uploading the same bytes twice for one owner returns the existing document.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (*models.Document, error) {
	if req.OwnerID == "" || req.Filename == "" || req.Body == nil {
		return nil, fmt.Errorf("%w: owner, filename and body are required", ErrInvalidUpload)
	}
	if strings.ContainsAny(req.OwnerID, `/\`) || req.OwnerID == "." || req.OwnerID == ".." {
		return nil, fmt.Errorf("%w: owner id %q", ErrInvalidUpload, req.OwnerID)
	}
	if err := s.checker.Admit(ctx, req.OwnerID, req.Size); err != nil {
		return nil, err
	}

	filename := filepath.Base(req.Filename)
	ext := filepath.Ext(filename)
	fileType := extract.NormalizeType(ext)
	id := uuid.New().String()

	dir := filepath.Join(s.uploadDir, req.OwnerID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, uuid.New().String()+strings.ToLower(ext))
	size, checksum, err := writeFile(path, req.Body)
	if err != nil {
		return nil, err
	}

	existing, err := s.store.FindByChecksum(ctx, req.OwnerID, checksum)
	switch {
	case err == nil:
		_ = os.Remove(path)
		s.logger.Info("duplicate upload", zap.String("owner_id", req.OwnerID), zap.String("document_id", existing.ID))
		return existing, nil
	case !errors.Is(err, storage.ErrNotFound):
		_ = os.Remove(path)
		return nil, fmt.Errorf("check duplicate: %w", err)
	}
	// The declared size may be unknown or wrong; admit again on the measured size.
	if size != req.Size {
		if err := s.checker.Admit(ctx, req.OwnerID, size); err != nil {
			_ = os.Remove(path)
			return nil, err
		}
	}

	title := strings.TrimSpace(req.Title)
	if title == "" {
		title = strings.TrimSuffix(filename, ext)
	}
	doc := &models.Document{
		ID:          id,
		OwnerID:     req.OwnerID,
		Title:       title,
		Filename:    filename,
		FileType:    fileType,
		FileSize:    size,
		StoragePath: path,
		Checksum:    checksum,
		Status:      models.StatusUploading,
		UploadedAt:  s.now().UTC(),
	}
	if err := s.store.CreateDocument(ctx, doc); err != nil {
		_ = os.Remove(path)
		return nil, fmt.Errorf("create document: %w", err)
	}
	s.logger.Info("document uploaded",
		zap.String("document_id", id),
		zap.String("owner_id", req.OwnerID),
		zap.String("file_type", fileType),
		zap.Int64("size", size))

	// A full queue leaves the document in uploading; the next start or sweep picks it up.
	if err := s.scheduler.Schedule(id); err != nil {
		s.logger.Warn("schedule failed", zap.String("document_id", id), zap.Error(err))
	}
	return doc, nil
}

func writeFile(path string, body io.Reader) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return 0, "", fmt.Errorf("create file: %w", err)
	}
	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, h), body)
	if err == nil {
		err = f.Sync()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return 0, "", fmt.Errorf("write file: %w", err)
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Get returns the document if ownerID may see it. An empty ownerID skips the check.
func (s *Service) Get(ctx context.Context, ownerID, id string) (*models.Document, error) {
	doc, err := s.store.GetDocument(ctx, id)
	if err != nil {
		return nil, err
	}
	if ownerID != "" && doc.OwnerID != ownerID {
		return nil, ErrForbidden
	}
	return doc, nil
}

// List returns the owner's non-deleted documents, newest first.
func (s *Service) List(ctx context.Context, ownerID string, offset, limit int) ([]*models.Document, error) {
	return s.store.ListDocuments(ctx, ownerID, offset, limit)
}

// Status summarises the document's processing state.
func (s *Service) Status(ctx context.Context, ownerID, id string) (models.DocumentStatus, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return models.DocumentStatus{}, err
	}
	return models.StatusOf(doc), nil
}

// Delete marks the document deleted, drops its chunks and index entries and
// removes the stored file. It is safe while an ingestion run is in flight: the
// run observes the deleted status and aborts without committing.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	if _, err := s.Get(ctx, ownerID, id); err != nil {
		return err
	}
	doc, err := s.store.MarkDeleted(ctx, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if err := s.purger.Purge(ctx, id); err != nil {
		return fmt.Errorf("purge indices: %w", err)
	}
	if doc.StoragePath != "" {
		if err := os.Remove(doc.StoragePath); err != nil && !os.IsNotExist(err) {
			s.logger.Warn("remove stored file failed", zap.String("path", doc.StoragePath), zap.Error(err))
		}
	}
	s.logger.Info("document deleted", zap.String("document_id", id))
	return nil
}

// Reprocess discards the document's chunks and vectors and schedules a fresh run.
// Old vectors are invalidated before any new ones are written.
func (s *Service) Reprocess(ctx context.Context, ownerID, id string) (*models.Document, error) {
	doc, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return nil, err
	}
	if doc.Status == models.StatusDeleted {
		return nil, storage.ErrDocumentDeleted
	}
	if err := s.scheduler.Reserve(id); err != nil {
		if errors.Is(err, jobs.ErrAlreadyScheduled) {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("reserve: %w", err)
	}
	if err := s.store.ResetForReprocess(ctx, id); err != nil {
		s.scheduler.Release(id)
		return nil, fmt.Errorf("reset document: %w", err)
	}
	if err := s.purger.Purge(ctx, id); err != nil {
		s.scheduler.Release(id)
		return nil, fmt.Errorf("purge indices: %w", err)
	}
	if err := s.scheduler.Submit(id); err != nil {
		return nil, fmt.Errorf("schedule: %w", err)
	}
	s.logger.Info("document reprocess scheduled", zap.String("document_id", id))
	return s.store.GetDocument(ctx, id)
}

// Resume schedules every document left in uploading or processing, for example
// after a restart. It returns how many were scheduled.
func (s *Service) Resume(ctx context.Context) (int, error) {
	docs, err := s.store.ListDocuments(ctx, "", 0, 0)
	if err != nil {
		return 0, fmt.Errorf("list documents: %w", err)
	}
	n := 0
	for _, doc := range docs {
		if doc.Status != models.StatusUploading && doc.Status != models.StatusProcessing {
			continue
		}
		if err := s.scheduler.Schedule(doc.ID); err != nil {
			s.logger.Warn("resume schedule failed", zap.String("document_id", doc.ID), zap.Error(err))
			continue
		}
		n++
	}
	if n > 0 {
		s.logger.Info("resumed pending documents", zap.Int("count", n))
	}
	return n, nil
}
