package reportrepo

import (
	"context"
	"sync"

	"github.com/yanqian/weereg/internal/domain/registry"
)

// MemoryRepository is an in-memory registry.Repository used for tests/dev.
type MemoryRepository struct {
	mu      sync.RWMutex
	reports []registry.Report
	maxSeen int64
}

// NewMemoryRepository constructs a repo backed by memory.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{}
}

// Insert implements registry.Repository.
func (r *MemoryRepository) Insert(_ context.Context, report registry.Report) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report)
	if report.LastSeen > r.maxSeen {
		r.maxSeen = report.LastSeen
	}
	return nil
}

// MaxLastSeen implements registry.Repository.
func (r *MemoryRepository) MaxLastSeen(_ context.Context, stationURL string) (int64, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var (
		latest int64
		seen   bool
	)
	for _, report := range r.reports {
		if report.StationURL != stationURL {
			continue
		}
		if !seen || report.LastSeen > latest {
			latest, seen = report.LastSeen, true
		}
	}
	return latest, seen, nil
}

// LatestPerStation implements registry.Repository.
func (r *MemoryRepository) LatestPerStation(_ context.Context, since int64, limit int) ([]registry.Report, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return registry.LatestPerStation(r.reports, since, limit), nil
}

// FieldHistogram implements registry.Repository.
func (r *MemoryRepository) FieldHistogram(_ context.Context, field registry.Field, since *int64, batchSize int) (registry.Stats, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return registry.Histogram(r.reports, field, since, batchSize, r.maxSeen), nil
}

var _ registry.Repository = (*MemoryRepository)(nil)
