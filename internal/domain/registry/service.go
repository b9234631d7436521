package registry

import (
	"context"
	"log/slog"
	"time"

	apperrors "github.com/yanqian/weereg/pkg/errors"
	"github.com/yanqian/weereg/pkg/util"
)

// Service exposes registration and fleet queries.
type Service interface {
	Register(ctx context.Context, req RegisterRequest) (Outcome, error)
	Snapshot(ctx context.Context, q SnapshotQuery) ([]Report, error)
	Stats(ctx context.Context, q StatsQuery) (Stats, error)
}

// RegisterRequest is one heartbeat as received by the transport.
type RegisterRequest struct {
	Fields     Submission
	RemoteAddr string
}

// SnapshotQuery selects the current fleet roster.
type SnapshotQuery struct {
	Since int64
	Limit int
}

// StatsQuery selects a field histogram.
type StatsQuery struct {
	Field       string
	Since       *int64
	BatchSize   int
	Consolidate bool
}

type service struct {
	cfg     Config
	repo    Repository
	policy  *Policy
	capture CaptureDispatcher
	logger  *slog.Logger
	now     func() time.Time
}

// NewService wires up the registry domain. capture may be nil.
func NewService(cfg Config, repo Repository, capture CaptureDispatcher, logger *slog.Logger) Service {
	cfg = cfg.withDefaults()
	return &service{
		cfg:     cfg,
		repo:    repo,
		policy:  NewPolicy(cfg, repo),
		capture: capture,
		logger:  logger.With("component", "registry.service"),
		now:     util.NowUTC,
	}
}

func (s *service) Register(ctx context.Context, req RegisterRequest) (Outcome, error) {
	fields := make(Submission, len(req.Fields)+2)
	for k, v := range req.Fields {
		fields[k] = v
	}
	// Round to the nearest second.
	fields[KeyLastSeen] = s.now().Add(500 * time.Millisecond).Unix()
	fields[KeyLastAddr] = req.RemoteAddr

	clean, diags := Sanitize(fields)
	for _, d := range diags {
		s.logger.Warn("submission field normalized", "field", d.Field, "detail", d.Message, "station_url", clean[KeyStationURL])
	}

	outcome, err := s.policy.Admit(ctx, clean)
	if err != nil {
		return nil, err
	}
	accepted, ok := outcome.(Accepted)
	if !ok {
		rejected := outcome.(Rejected)
		s.logger.Info("registration rejected", "code", rejected.Code, "status", rejected.Status, "station_url", clean[KeyStationURL], "addr", req.RemoteAddr)
		return outcome, nil
	}

	if err := s.repo.Insert(ctx, accepted.Report); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to store report", err)
	}
	s.logger.Info("station registered", "station_url", accepted.Report.StationURL, "first_seen", accepted.FirstSeen, "addr", req.RemoteAddr)

	if accepted.FirstSeen && s.capture != nil {
		if err := s.capture.Dispatch(context.WithoutCancel(ctx), accepted.Report); err != nil {
			s.logger.Warn("capture dispatch failed", "station_url", accepted.Report.StationURL, "error", err)
		}
	}
	return accepted, nil
}

func (s *service) Snapshot(ctx context.Context, q SnapshotQuery) ([]Report, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = s.cfg.StationsLimit
	}
	reports, err := s.repo.LatestPerStation(ctx, q.Since, limit)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to load stations", err)
	}
	return reports, nil
}

func (s *service) Stats(ctx context.Context, q StatsQuery) (Stats, error) {
	field, err := ParseField(q.Field)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeInvalidInput, "unsupported stats field", err)
	}
	batchSize := q.BatchSize
	if batchSize <= 0 {
		batchSize = s.cfg.BatchSize
	}
	stats, err := s.repo.FieldHistogram(ctx, field, q.Since, batchSize)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeStorage, "failed to compute stats", err)
	}
	if q.Consolidate {
		stats = Consolidate(stats, field)
	}
	return stats, nil
}
