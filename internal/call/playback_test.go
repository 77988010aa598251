package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aribridge/internal/ari/mock"
	"github.com/MrWong99/aribridge/internal/observe"
)

func newTestQueue(t *testing.T, control *mock.ControlPlane) *playbackQueue {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	q := newPlaybackQueue("ch-1", control, observe.DefaultMetrics(), log)
	q.dir = t.TempDir()
	q.retryDelay = 10 * time.Millisecond
	return q
}

// waitFor polls cond until it holds or the test deadline budget runs out.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (q *playbackQueue) currentPath(t *testing.T) string {
	t.Helper()
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.current == nil {
		t.Fatal("no segment playing")
	}
	return q.current.path
}

func (q *playbackQueue) queuedPaths() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	paths := make([]string, len(q.segments))
	for i, seg := range q.segments {
		paths[i] = seg.path
	}
	return paths
}

func (q *playbackQueue) isPlaying() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.playing
}

func assertGone(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("expected %s to be removed, stat err = %v", path, err)
	}
}

func TestPlaybackQueue_PlaysInOrder(t *testing.T) {
	control := &mock.ControlPlane{}
	q := newTestQueue(t, control)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte{0xFF, 0xFF}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "first segment to start", func() bool { return control.PlayCount() == 1 })
	first := q.currentPath(t)

	if err := q.Enqueue(ctx, []byte{0x7F}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := q.Enqueue(ctx, []byte{0x3F}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued := q.queuedPaths()
	if len(queued) != 2 {
		t.Fatalf("expected 2 queued segments, got %d", len(queued))
	}

	q.OnPlaybackDone(ctx, "playback-1", false)
	waitFor(t, "second segment to start", func() bool { return control.PlayCount() == 2 })
	assertGone(t, first)
	if got := q.currentPath(t); got != queued[0] {
		t.Errorf("second played segment = %s, want %s", got, queued[0])
	}

	q.OnPlaybackDone(ctx, "playback-2", false)
	waitFor(t, "third segment to start", func() bool { return control.PlayCount() == 3 })
	if got := q.currentPath(t); got != queued[1] {
		t.Errorf("third played segment = %s, want %s", got, queued[1])
	}

	q.OnPlaybackDone(ctx, "playback-3", false)
	waitFor(t, "queue to drain", func() bool { return !q.isPlaying() })
	for _, path := range queued {
		assertGone(t, path)
	}
}

func TestPlaybackQueue_PlayFailureSkipsSegment(t *testing.T) {
	control := &mock.ControlPlane{PlayErr: errors.New("media engine unavailable"), PlayErrOnce: true}
	q := newTestQueue(t, control)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte{0xFF}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "failed segment to be dropped", func() bool { return !q.isPlaying() })

	ops := control.Ops()
	if len(ops) != 1 || !strings.HasPrefix(string(ops[0]), "Play(ch-1, sound:") {
		t.Fatalf("unexpected ops after failure: %v", ops)
	}
	if control.PlayCount() != 0 {
		t.Fatalf("PlayCount = %d after failed play, want 0", control.PlayCount())
	}

	if err := q.Enqueue(ctx, []byte{0x7F}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "next segment to play", func() bool { return control.PlayCount() == 1 })
	path := q.currentPath(t)
	q.OnPlaybackDone(ctx, "playback-1", false)
	waitFor(t, "queue to drain", func() bool { return !q.isPlaying() })
	assertGone(t, path)
}

func TestPlaybackQueue_StaleEventIgnored(t *testing.T) {
	control := &mock.ControlPlane{}
	q := newTestQueue(t, control)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte{0xFF}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "segment to start", func() bool { return control.PlayCount() == 1 })
	path := q.currentPath(t)

	q.OnPlaybackDone(ctx, "playback-99", false)
	if !q.isPlaying() {
		t.Fatal("stale playback event advanced the queue")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("stale playback event removed active segment file: %v", err)
	}

	q.OnPlaybackDone(ctx, "playback-1", true)
	waitFor(t, "queue to drain", func() bool { return !q.isPlaying() })
	assertGone(t, path)
}

func TestPlaybackQueue_CloseRemovesPendingFiles(t *testing.T) {
	control := &mock.ControlPlane{}
	q := newTestQueue(t, control)
	ctx := context.Background()

	if err := q.Enqueue(ctx, []byte{0xFF}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	waitFor(t, "segment to start", func() bool { return control.PlayCount() == 1 })
	playing := q.currentPath(t)
	if err := q.Enqueue(ctx, []byte{0x7F}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	queued := q.queuedPaths()

	q.Close()
	assertGone(t, playing)
	for _, path := range queued {
		assertGone(t, path)
	}

	if err := q.Enqueue(ctx, []byte{0x3F}); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Enqueue after Close = %v, want ErrQueueClosed", err)
	}
}
