package call

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/MrWong99/aribridge/internal/ari"
	"github.com/MrWong99/aribridge/internal/observe"
)

// ErrQueueClosed is returned by Enqueue after the queue has been closed.
var ErrQueueClosed = errors.New("call: playback queue closed")

const defaultPlayRetryDelay = 250 * time.Millisecond

// segment is one queued chunk of agent audio persisted to disk so the
// telephony side can play it as a regular media resource.
type segment struct {
	id         string
	path       string
	enqueuedAt time.Time
}

// mediaURI renders the segment as a playable sound resource. The file
// extension is left off the URI; the media engine derives the format from
// the file on disk.
func (s *segment) mediaURI() string {
	return "sound:" + strings.TrimSuffix(s.path, ".ulaw")
}

func (s *segment) remove(log *slog.Logger) {
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("could not remove playback segment file", "path", s.path, "error", err)
	}
}

// playbackQueue serializes agent audio onto the telephony leg: segments are
// written to temp files and played strictly in arrival order, one at a time.
// A play failure drops that segment and, after a short delay, moves on to
// the next rather than stalling the queue.
type playbackQueue struct {
	channelID  string
	control    ari.ControlPlane
	metrics    *observe.Metrics
	log        *slog.Logger
	dir        string // "" means the OS temp dir
	retryDelay time.Duration

	mu                sync.Mutex
	segments          []*segment
	playing           bool
	current           *segment
	currentPlaybackID string
	closed            bool
}

func newPlaybackQueue(channelID string, control ari.ControlPlane, metrics *observe.Metrics, log *slog.Logger) *playbackQueue {
	return &playbackQueue{
		channelID:  channelID,
		control:    control,
		metrics:    metrics,
		log:        log,
		retryDelay: defaultPlayRetryDelay,
	}
}

// Enqueue persists data as a new segment and starts playback when the queue
// was idle. data must already be raw audio (container headers stripped).
func (q *playbackQueue) Enqueue(ctx context.Context, data []byte) error {
	f, err := os.CreateTemp(q.dir, "aribridge-seg-*.ulaw")
	if err != nil {
		return fmt.Errorf("call: create playback segment: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(f.Name())
		return fmt.Errorf("call: write playback segment: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return fmt.Errorf("call: close playback segment: %w", err)
	}

	seg := &segment{id: uuid.NewString(), path: f.Name(), enqueuedAt: time.Now()}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		seg.remove(q.log)
		return ErrQueueClosed
	}
	q.segments = append(q.segments, seg)
	start := !q.playing
	if start {
		q.playing = true
	}
	q.mu.Unlock()

	q.metrics.PlaybackQueueDepth.Add(ctx, 1)
	if start {
		go q.advance(ctx)
	}
	return nil
}

// advance pops segments and hands them to the media engine until one is in
// flight or the queue drains. Runs on its own goroutine so a slow control
// plane never blocks the audio receive path.
func (q *playbackQueue) advance(ctx context.Context) {
	for {
		q.mu.Lock()
		if q.closed || len(q.segments) == 0 {
			q.playing = false
			q.current = nil
			q.currentPlaybackID = ""
			q.mu.Unlock()
			return
		}
		seg := q.segments[0]
		q.segments = q.segments[1:]
		q.current = seg
		q.mu.Unlock()

		q.metrics.PlaybackQueueDepth.Add(ctx, -1)

		playbackID, err := q.control.Play(ctx, q.channelID, seg.mediaURI())
		if err == nil {
			q.mu.Lock()
			q.currentPlaybackID = playbackID
			q.mu.Unlock()
			return
		}

		q.log.Warn("playback start failed, skipping segment", "segment", seg.id, "error", err)
		q.metrics.PlaybackSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", "failed")))
		seg.remove(q.log)

		select {
		case <-ctx.Done():
			q.mu.Lock()
			q.playing = false
			q.current = nil
			q.mu.Unlock()
			return
		case <-time.After(q.retryDelay):
		}
	}
}

// OnPlaybackDone handles a completion event for playbackID. Events for
// unknown playbacks are ignored; the id check is what keeps a stale event
// from a skipped segment from advancing the queue twice.
func (q *playbackQueue) OnPlaybackDone(ctx context.Context, playbackID string, failed bool) {
	q.mu.Lock()
	if q.currentPlaybackID != playbackID || q.current == nil {
		q.mu.Unlock()
		return
	}
	seg := q.current
	q.current = nil
	q.currentPlaybackID = ""
	q.mu.Unlock()

	seg.remove(q.log)
	status := "played"
	if failed {
		status = "failed"
	}
	q.metrics.PlaybackSegments.Add(ctx, 1, metric.WithAttributes(attribute.String("status", status)))
	q.metrics.PlaybackDuration.Record(ctx, time.Since(seg.enqueuedAt).Seconds())

	go q.advance(ctx)
}

// Close rejects further segments and deletes every pending file.
func (q *playbackQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	queued := len(q.segments)
	pending := q.segments
	if q.current != nil {
		pending = append(pending, q.current)
	}
	q.segments = nil
	q.current = nil
	q.currentPlaybackID = ""
	q.mu.Unlock()

	for _, seg := range pending {
		seg.remove(q.log)
	}
	if queued > 0 {
		q.metrics.PlaybackQueueDepth.Add(context.Background(), int64(-queued))
	}
}

// depth reports how many segments are queued but not yet playing.
func (q *playbackQueue) depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.segments)
}
