package capture

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Job asks for a screenshot of one station's public page.
type Job struct {
	ID          uuid.UUID `json:"id"`
	StationURL  string    `json:"station_url"`
	RequestedAt time.Time `json:"requested_at"`
}

// Handler executes a delivered job.
type Handler func(ctx context.Context, job Job)

// Queue delivers jobs to a handler outside the request path.
type Queue interface {
	Enqueue(ctx context.Context, job Job) error
	SetHandler(handler Handler)
}

// NewJob stamps a job for stationURL.
func NewJob(stationURL string, now time.Time) Job {
	return Job{ID: uuid.New(), StationURL: stationURL, RequestedAt: now.UTC()}
}
