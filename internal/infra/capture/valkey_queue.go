package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/valkey-io/valkey-go"
)

const defaultQueueKey = "weereg:capture:jobs"

// ValkeyQueue persists jobs in a Valkey list and delivers them to a handler from a worker loop.
type ValkeyQueue struct {
	client      valkey.Client
	queueKey    string
	logger      *slog.Logger
	pollTimeout time.Duration

	mu      sync.Mutex
	handler Handler
	started bool
	stop    chan struct{}
	done    chan struct{}
}

// NewValkeyQueue constructs a Valkey-backed queue.
func NewValkeyQueue(client valkey.Client, queueKey string, logger *slog.Logger) *ValkeyQueue {
	if queueKey == "" {
		queueKey = defaultQueueKey
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &ValkeyQueue{
		client:      client,
		queueKey:    queueKey,
		logger:      logger.With("component", "capture.queue.valkey"),
		pollTimeout: 5 * time.Second,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// SetHandler starts the worker loop that pops jobs and invokes the handler.
func (q *ValkeyQueue) SetHandler(handler Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
	if handler == nil || q.started {
		return
	}
	q.started = true
	go q.consume()
}

// Enqueue pushes a job onto the queue.
func (q *ValkeyQueue) Enqueue(ctx context.Context, job Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return err
	}
	cmd := q.client.B().Lpush().Key(q.queueKey).Element(string(encoded)).Build()
	return q.client.Do(ctx, cmd).Error()
}

// Close stops the worker loop after the in-flight pop returns.
func (q *ValkeyQueue) Close() {
	q.mu.Lock()
	started := q.started
	select {
	case <-q.stop:
	default:
		close(q.stop)
	}
	q.mu.Unlock()
	if started {
		<-q.done
	}
}

func (q *ValkeyQueue) currentHandler() Handler {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.handler
}

func (q *ValkeyQueue) consume() {
	defer close(q.done)
	ctx := context.Background()
	for {
		select {
		case <-q.stop:
			return
		default:
		}
		resp := q.client.Do(ctx, q.client.B().Brpop().Key(q.queueKey).Timeout(q.pollTimeout.Seconds()).Build())
		values, err := resp.ToArray()
		if err != nil {
			if !valkey.IsValkeyNil(err) {
				q.logger.Warn("valkey queue pop failed", "error", err)
				time.Sleep(time.Second)
			}
			continue
		}
		handler := q.currentHandler()
		if len(values) < 2 || handler == nil {
			continue
		}
		raw, err := values[1].ToString()
		if err != nil {
			q.logger.Warn("valkey queue payload decode failed", "error", err)
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Warn("valkey queue unmarshal failed", "error", err)
			continue
		}
		handler(ctx, job)
	}
}

var _ Queue = (*ValkeyQueue)(nil)
