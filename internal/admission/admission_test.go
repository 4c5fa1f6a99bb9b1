package admission

import (
	"context"
	"errors"
	"testing"

	"github.com/hyperjump/intellidoc/internal/config"
	"github.com/hyperjump/intellidoc/internal/storage"
)

type fixedUsage struct {
	usage storage.Usage
	err   error
	calls int
}

func (f *fixedUsage) OwnerUsage(context.Context, string) (storage.Usage, error) {
	f.calls++
	return f.usage, f.err
}

func TestPlanLimits_Admit(t *testing.T) {
	tests := []struct {
		name    string
		cfg     config.AdmissionConfig
		usage   storage.Usage
		size    int64
		wantErr bool
	}{
		{"unlimited", config.AdmissionConfig{}, storage.Usage{Documents: 1000, Bytes: 1 << 40}, 1 << 30, false},
		{"file too large", config.AdmissionConfig{MaxFileBytes: 100}, storage.Usage{}, 101, true},
		{"file at limit", config.AdmissionConfig{MaxFileBytes: 100}, storage.Usage{}, 100, false},
		{"document count reached", config.AdmissionConfig{MaxDocuments: 3}, storage.Usage{Documents: 3}, 1, true},
		{"document count below", config.AdmissionConfig{MaxDocuments: 3}, storage.Usage{Documents: 2}, 1, false},
		{"storage exceeded", config.AdmissionConfig{MaxStorageBytes: 1000}, storage.Usage{Bytes: 900}, 101, true},
		{"storage exactly full", config.AdmissionConfig{MaxStorageBytes: 1000}, storage.Usage{Bytes: 900}, 100, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPlanLimits(&fixedUsage{usage: tt.usage}, tt.cfg)
			err := p.Admit(context.Background(), "alice", tt.size)
			if tt.wantErr != (err != nil) {
				t.Fatalf("Admit = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrLimitExceeded) {
				t.Errorf("error %v does not wrap ErrLimitExceeded", err)
			}
		})
	}
}

func TestPlanLimits_SkipsUsageWhenUnlimited(t *testing.T) {
	usage := &fixedUsage{}
	p := NewPlanLimits(usage, config.AdmissionConfig{MaxFileBytes: 10})
	if err := p.Admit(context.Background(), "alice", 5); err != nil {
		t.Fatal(err)
	}
	if usage.calls != 0 {
		t.Errorf("usage read %d times", usage.calls)
	}
}

func TestPlanLimits_UsageError(t *testing.T) {
	boom := errors.New("db down")
	p := NewPlanLimits(&fixedUsage{err: boom}, config.AdmissionConfig{MaxDocuments: 1})
	err := p.Admit(context.Background(), "alice", 1)
	if !errors.Is(err, boom) || errors.Is(err, ErrLimitExceeded) {
		t.Errorf("Admit = %v", err)
	}
}
