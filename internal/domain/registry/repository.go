package registry

import "context"

// Repository is the append-only station report table.
type Repository interface {
	Insert(ctx context.Context, report Report) error
	// MaxLastSeen returns the newest last_seen for the station, or false if it was never seen.
	MaxLastSeen(ctx context.Context, stationURL string) (int64, bool, error)
	// LatestPerStation returns the newest report of every station seen after since, at most
	// limit stations, ordered by ascending last_seen.
	LatestPerStation(ctx context.Context, since int64, limit int) ([]Report, error)
	// FieldHistogram buckets the newest report per station per batchSize-day window. A nil
	// since means all reports participate.
	FieldHistogram(ctx context.Context, field Field, since *int64, batchSize int) (Stats, error)
}

// CaptureDispatcher schedules the screenshot capture for a newly registered station. It must
// not block on the capture itself.
type CaptureDispatcher interface {
	Dispatch(ctx context.Context, report Report) error
}
