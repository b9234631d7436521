package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
	"github.com/valkey-io/valkey-go"

	"github.com/yanqian/weereg/internal/domain/registry"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type stubStorage struct {
	mu      sync.Mutex
	putFunc func(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error)
	keys    []string
}

func (s *stubStorage) Put(ctx context.Context, key string, data []byte, mimeType string) (StoredObject, error) {
	s.mu.Lock()
	s.keys = append(s.keys, key)
	s.mu.Unlock()
	if s.putFunc != nil {
		return s.putFunc(ctx, key, data, mimeType)
	}
	return StoredObject{Key: key, Size: int64(len(data)), MimeType: mimeType}, nil
}

func requireShell(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("capture tests need a POSIX shell")
	}
}

func TestRunner_DisabledWithoutCommand(t *testing.T) {
	runner := NewRunner(RunnerConfig{}, nil, newTestLogger())

	_, err := runner.Capture(context.Background(), NewJob("https://a.local", time.Now()))

	require.ErrorIs(t, err, ErrDisabled)
	runner.Run(context.Background(), NewJob("https://a.local", time.Now()))
}

func TestRunner_WritesAndUploadsScreenshot(t *testing.T) {
	requireShell(t)
	dir := t.TempDir()
	store := &stubStorage{}
	var uploaded []byte
	store.putFunc = func(_ context.Context, key string, data []byte, mimeType string) (StoredObject, error) {
		uploaded = data
		require.Equal(t, "image/png", mimeType)
		return StoredObject{Key: key}, nil
	}
	runner := NewRunner(RunnerConfig{
		Command:   []string{"sh", "-c", `printf '%s' "$1" > "$0"`, "{out}", "{url}"},
		OutputDir: dir,
		Timeout:   5 * time.Second,
	}, store, newTestLogger())

	out, err := runner.Capture(context.Background(), NewJob("https://Station.local:8080/weewx", time.Now()))

	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, "station.local_8080.png"), out)
	written, err := os.ReadFile(out)
	require.NoError(t, err)
	require.Equal(t, "https://Station.local:8080/weewx", string(written))
	require.Equal(t, []string{"screenshots/station.local_8080.png"}, store.keys)
	require.Equal(t, written, uploaded)
}

func TestRunner_UploadFailureIsSwallowed(t *testing.T) {
	requireShell(t)
	store := &stubStorage{putFunc: func(context.Context, string, []byte, string) (StoredObject, error) {
		return StoredObject{}, errors.New("bucket gone")
	}}
	runner := NewRunner(RunnerConfig{
		Command:   []string{"sh", "-c", `: > "$0"`, "{out}"},
		OutputDir: t.TempDir(),
	}, store, newTestLogger())

	_, err := runner.Capture(context.Background(), NewJob("https://a.local", time.Now()))

	require.NoError(t, err)
	require.Len(t, store.keys, 1)
}

func TestRunner_TimeoutKillsProcessGroup(t *testing.T) {
	requireShell(t)
	runner := NewRunner(RunnerConfig{
		Command:   []string{"sh", "-c", "sleep 10 & sleep 10"},
		OutputDir: t.TempDir(),
		Timeout:   200 * time.Millisecond,
	}, nil, newTestLogger())

	start := time.Now()
	_, err := runner.Capture(context.Background(), NewJob("https://a.local", time.Now()))

	require.ErrorIs(t, err, ErrTimeout)
	require.Less(t, time.Since(start), 5*time.Second)
}

func TestRunner_FailureReportsOutput(t *testing.T) {
	requireShell(t)
	runner := NewRunner(RunnerConfig{
		Command:   []string{"sh", "-c", "echo boom >&2; exit 3"},
		OutputDir: t.TempDir(),
	}, nil, newTestLogger())

	_, err := runner.Capture(context.Background(), NewJob("https://a.local", time.Now()))

	require.Error(t, err)
	require.Contains(t, err.Error(), "boom")
}

func TestRunner_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	requireShell(t)
	runner := NewRunner(RunnerConfig{
		Command:   []string{"sh", "-c", "exit 1"},
		OutputDir: t.TempDir(),
		Breaker:   BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute},
	}, nil, newTestLogger())
	job := NewJob("https://a.local", time.Now())

	for i := 0; i < 2; i++ {
		_, err := runner.Capture(context.Background(), job)
		require.Error(t, err)
		require.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	_, err := runner.Capture(context.Background(), job)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
}

func TestRunner_RejectsHostlessURL(t *testing.T) {
	runner := NewRunner(RunnerConfig{Command: []string{"true"}, OutputDir: t.TempDir()}, nil, newTestLogger())

	_, err := runner.Capture(context.Background(), NewJob("not a url", time.Now()))

	require.Error(t, err)
}

func TestExpandArgs(t *testing.T) {
	got := expandArgs([]string{"shot", "--url={url}", "-o", "{out}"}, "https://a.local", "/tmp/a.png")
	require.Equal(t, []string{"shot", "--url=https://a.local", "-o", "/tmp/a.png"}, got)
}

func TestDispatcher_EnqueuesWithoutWaiting(t *testing.T) {
	queue := NewImmediateQueue(nil)
	release := make(chan struct{})
	var (
		mu   sync.Mutex
		jobs []Job
	)
	queue.SetHandler(func(_ context.Context, job Job) {
		<-release
		mu.Lock()
		jobs = append(jobs, job)
		mu.Unlock()
	})
	dispatcher := NewDispatcher(queue, nil, newTestLogger())
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	dispatcher.now = func() time.Time { return fixed }

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, dispatcher.Dispatch(ctx, registry.Report{StationURL: "https://a.local"}))
	cancel()
	close(release)
	queue.Wait()

	require.Len(t, jobs, 1)
	require.Equal(t, "https://a.local", jobs[0].StationURL)
	require.Equal(t, fixed, jobs[0].RequestedAt)
	require.NotEqual(t, uuid.Nil, jobs[0].ID)
}

func TestDispatcher_WiresRunnerAsHandler(t *testing.T) {
	queue := NewImmediateQueue(nil)
	runner := NewRunner(RunnerConfig{}, nil, newTestLogger())
	dispatcher := NewDispatcher(queue, runner, newTestLogger())

	require.NoError(t, dispatcher.Dispatch(context.Background(), registry.Report{StationURL: "https://a.local"}))
	queue.Wait()
	require.NotNil(t, queue.handler)
}

func TestSanitizeEndpoint(t *testing.T) {
	require.Equal(t, "abc.r2.cloudflarestorage.com", sanitizeEndpoint(" https://abc.r2.cloudflarestorage.com/bucket "))
	require.Equal(t, "localhost:9000", sanitizeEndpoint("http://localhost:9000"))
}

// TestValkeyQueue_RoundTrip needs a running server, e.g. VALKEY_ADDR=localhost:6379.
func TestValkeyQueue_RoundTrip(t *testing.T) {
	addr := os.Getenv("VALKEY_ADDR")
	if addr == "" {
		t.Skip("VALKEY_ADDR not set")
	}
	client, err := valkey.NewClient(valkey.ClientOption{InitAddress: []string{addr}})
	require.NoError(t, err)
	t.Cleanup(client.Close)

	queue := NewValkeyQueue(client, "weereg:test:"+time.Now().Format("150405.000"), newTestLogger())
	queue.pollTimeout = time.Second
	received := make(chan Job, 1)
	queue.SetHandler(func(_ context.Context, job Job) { received <- job })
	t.Cleanup(queue.Close)

	job := NewJob("https://a.local", time.Now())
	require.NoError(t, queue.Enqueue(context.Background(), job))

	select {
	case got := <-received:
		require.Equal(t, job.ID, got.ID)
		require.Equal(t, job.StationURL, got.StationURL)
	case <-time.After(5 * time.Second):
		t.Fatal("job was not delivered")
	}
}
