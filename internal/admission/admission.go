// Package admission decides whether an owner may upload another document.
package admission

import (
	"context"
	"errors"
	"fmt"

	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/storage"
)

// ErrLimitExceeded is returned when an upload would exceed a plan limit.
var ErrLimitExceeded = errors.New("plan limit exceeded")

// Checker runs before a document is created and scheduled.
type Checker interface {
	Admit(ctx context.Context, ownerID string, fileSize int64) error
}

// UsageSource reports an owner's current footprint.
type UsageSource interface {
	OwnerUsage(ctx context.Context, ownerID string) (storage.Usage, error)
}

// PlanLimits enforces fixed per-owner limits. A zero limit is unlimited.
type PlanLimits struct {
	usage           UsageSource
	maxDocuments    int
	maxStorageBytes int64
	maxFileBytes    int64
}

// NewPlanLimits builds a checker from the admission config section.
func NewPlanLimits(usage UsageSource, cfg config.AdmissionConfig) *PlanLimits {
	return &PlanLimits{
		usage:           usage,
		maxDocuments:    cfg.MaxDocuments,
		maxStorageBytes: cfg.MaxStorageBytes,
		maxFileBytes:    cfg.MaxFileBytes,
	}
}

// Admit returns ErrLimitExceeded, wrapped with the reason, when the upload does not fit.
func (p *PlanLimits) Admit(ctx context.Context, ownerID string, fileSize int64) error {
	if p.maxFileBytes > 0 && fileSize > p.maxFileBytes {
		return fmt.Errorf("%w: file is %d bytes, limit is %d", ErrLimitExceeded, fileSize, p.maxFileBytes)
	}
	if p.maxDocuments <= 0 && p.maxStorageBytes <= 0 {
		return nil
	}
	u, err := p.usage.OwnerUsage(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("read usage: %w", err)
	}
	if p.maxDocuments > 0 && u.Documents >= p.maxDocuments {
		return fmt.Errorf("%w: %d of %d documents used", ErrLimitExceeded, u.Documents, p.maxDocuments)
	}
	if p.maxStorageBytes > 0 && u.Bytes+fileSize > p.maxStorageBytes {
		return fmt.Errorf("%w: storage would grow to %d bytes, limit is %d", ErrLimitExceeded, u.Bytes+fileSize, p.maxStorageBytes)
	}
	return nil
}

// AllowAll admits every upload.
type AllowAll struct{}

// Admit always returns nil.
func (AllowAll) Admit(context.Context, string, int64) error { return nil }
