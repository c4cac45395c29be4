package history

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-cloud/internal/relay"
)

// Lifecycle event names written to the time-series store.
const (
	eventConnected    = "connected"
	eventDisconnected = "disconnected"
)

// defaultSampleInterval is how often traffic counters are sampled when the
// config leaves the interval unset.
const defaultSampleInterval = 60 * time.Second

// ErrNoWriter indicates the recorder was created without a store to write to.
var ErrNoWriter = errors.New("history: no writer configured")

// Writer is the subset of the time-series client the recorder needs.
// This is typically implemented by the InfluxDB client.
type Writer interface {
	// WriteRelayEvent records a connection lifecycle event.
	WriteRelayEvent(channel, event string, clean bool, reason string)

	// WriteRelayTraffic records a snapshot of cumulative traffic counters.
	WriteRelayTraffic(channel string, framesTx, framesRx, reconnects, errors uint64)

	// WriteQueueDepth records the current report queue depth.
	WriteQueueDepth(channel string, depth, pending int)
}

// Channel is the subset of a relay connection the recorder observes.
type Channel interface {
	// RegisterOnConnect adds a hook run after each link is established.
	RegisterOnConnect(fn func(context.Context) error)

	// RegisterOnDisconnect adds a hook run after each established link ends.
	RegisterOnDisconnect(fn func(context.Context) error)

	// LastDisconnectReason returns why the last link ended, or nil.
	LastDisconnectReason() *relay.DisconnectReason

	// Stats returns a snapshot of the link counters.
	Stats() relay.Stats
}

// QueueSampler is the subset of the reporter the recorder samples.
type QueueSampler interface {
	// QueueDepth returns the number of entries waiting to be sent.
	QueueDepth() int

	// PendingCount returns the number of callers awaiting an ack.
	PendingCount() int
}

// Logger is the minimal structured logging interface used by the recorder.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
}

// RecorderConfig holds configuration for the connection history recorder.
type RecorderConfig struct {
	// Writer is the time-series store. Required.
	Writer Writer

	// Interval is how often traffic counters are sampled.
	// Default: 60 seconds.
	Interval time.Duration

	// Logger is optional; nil disables logging.
	Logger Logger
}

// Recorder writes relay connection history to a time-series store.
//
// It records two kinds of data: lifecycle events (a channel came up or went
// down, and why) written as they happen via relay hooks, and periodic
// snapshots of traffic counters and queue depth taken by a sample loop.
//
// Thread Safety:
//   - All exported methods are safe for concurrent use.
//   - Track and TrackQueue are typically called before Start, but may be
//     called at any time.
type Recorder struct {
	writer   Writer
	interval time.Duration
	logger   Logger

	mu       sync.Mutex
	channels map[string]Channel
	queues   map[string]QueueSampler

	// Rundown: done stops the sample loop, stopOnce makes Stop reentrant.
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewRecorder creates a connection history recorder.
//
// Parameters:
//   - cfg: Configuration; Writer is required
//
// Returns:
//   - *Recorder: Ready to track channels (call Start to begin sampling)
//   - error: ErrNoWriter if no store was configured
func NewRecorder(cfg RecorderConfig) (*Recorder, error) {
	if cfg.Writer == nil {
		return nil, ErrNoWriter
	}

	interval := cfg.Interval
	if interval <= 0 {
		interval = defaultSampleInterval
	}

	return &Recorder{
		writer:   cfg.Writer,
		interval: interval,
		logger:   cfg.Logger,
		channels: make(map[string]Channel),
		queues:   make(map[string]QueueSampler),
		done:     make(chan struct{}),
	}, nil
}

// Track begins recording lifecycle events and traffic counters for a
// relay channel. The name tags every point written for this channel.
//
// Lifecycle hooks are registered immediately; traffic sampling starts
// when Start is called.
func (r *Recorder) Track(name string, ch Channel) {
	r.mu.Lock()
	r.channels[name] = ch
	r.mu.Unlock()

	ch.RegisterOnConnect(func(context.Context) error {
		r.writer.WriteRelayEvent(name, eventConnected, false, "")
		r.logDebug("recorded connect event", "channel", name)
		return nil
	})

	ch.RegisterOnDisconnect(func(context.Context) error {
		clean := false
		reason := ""
		if dr := ch.LastDisconnectReason(); dr != nil {
			clean = dr.Clean
			reason = dr.Reason
		}
		r.writer.WriteRelayEvent(name, eventDisconnected, clean, reason)
		r.logDebug("recorded disconnect event", "channel", name, "clean", clean, "reason", reason)
		return nil
	})
}

// TrackQueue begins sampling a report queue's depth under the given
// channel name.
func (r *Recorder) TrackQueue(name string, q QueueSampler) {
	r.mu.Lock()
	r.queues[name] = q
	r.mu.Unlock()
}

// Start launches the periodic sampling loop. Cancelling ctx or calling
// Stop ends it.
func (r *Recorder) Start(ctx context.Context) {
	r.wg.Add(1)
	go r.sampleLoop(ctx)
}

// Stop ends sampling and takes a final counter snapshot before
// returning, so the store holds the totals at shutdown. Reentrant.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() {
		close(r.done)
		r.wg.Wait()
		r.sampleAll()
	})
}

// sampleLoop runs the periodic counter sampling.
func (r *Recorder) sampleLoop(ctx context.Context) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	// Take an initial sample so a baseline exists immediately
	r.sampleAll()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.sampleAll()
		}
	}
}

// sampleAll writes one traffic snapshot per tracked channel and one depth
// snapshot per tracked queue.
func (r *Recorder) sampleAll() {
	r.mu.Lock()
	channels := make(map[string]Channel, len(r.channels))
	for name, ch := range r.channels {
		channels[name] = ch
	}
	queues := make(map[string]QueueSampler, len(r.queues))
	for name, q := range r.queues {
		queues[name] = q
	}
	r.mu.Unlock()

	for name, ch := range channels {
		stats := ch.Stats()
		r.writer.WriteRelayTraffic(name, stats.FramesTx, stats.FramesRx, stats.ReconnectsTotal, stats.ErrorsTotal)
	}

	for name, q := range queues {
		r.writer.WriteQueueDepth(name, q.QueueDepth(), q.PendingCount())
	}
}

// logDebug logs a debug message if a logger is set.
func (r *Recorder) logDebug(msg string, keysAndValues ...any) {
	if r.logger != nil {
		r.logger.Debug(msg, keysAndValues...)
	}
}
