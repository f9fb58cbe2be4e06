// Package replay buffers screen-capture frames, encodes them and ships them
// as $snapshot events.
package replay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tracely/internal/events"
	"tracely/internal/metrics"
	"tracely/internal/store"
	"tracely/internal/transport"
)

// Defaults for the tuning knobs.
const (
	DefaultQuality         = 75
	DefaultBatchSize       = 10
	DefaultBatchIntervalMs = 5000
)

// tickInterval is how often the worker evaluates the batch condition.
const tickInterval = 100 * time.Millisecond

// Sender ships a pre-built replay payload.
type Sender interface {
	PostReplay(ctx context.Context, payload string) transport.Response
}

type snapshotFrame struct {
	base64    string
	id        int
	x, y      int
	width     int
	height    int
	timestamp int64
}

type metaEvent struct {
	width     int
	height    int
	screen    string
	timestamp int64
}

// Pipeline accepts raw PNG frames while active, compresses them and batches
// them into snapshot events. A single background worker owns delivery; its
// lifetime ends strictly before the store and sender it borrows.
type Pipeline struct {
	sender Sender
	store  *store.Store
	apiKey string
	logger *slog.Logger

	mu              sync.Mutex
	snapshots       []snapshotFrame
	metaEvents      []metaEvent
	lastBatch       time.Time
	quality         int
	batchSize       int
	batchIntervalMs int
	maxImageDim     int

	active atomic.Bool
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the pipeline and starts its worker. The pipeline begins idle;
// call SetActive(true) to accept frames.
func New(sender Sender, st *store.Store, apiKey string, logger *slog.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		sender:          sender,
		store:           st,
		apiKey:          apiKey,
		logger:          logger,
		lastBatch:       time.Now(),
		quality:         DefaultQuality,
		batchSize:       DefaultBatchSize,
		batchIntervalMs: DefaultBatchIntervalMs,
		cancel:          cancel,
	}
	p.wg.Add(1)
	go p.worker(ctx)
	return p
}

// SetActive pauses or resumes frame ingestion. The worker keeps running.
func (p *Pipeline) SetActive(active bool) { p.active.Store(active) }

// IsActive reports whether the pipeline accepts frames.
func (p *Pipeline) IsActive() bool { return p.active.Load() }

// SetCompressionQuality sets the JPEG quality (1-100).
func (p *Pipeline) SetCompressionQuality(q int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q > 0 && q <= 100 {
		p.quality = q
	}
}

// SetBatchSize sets the snapshot count that triggers an immediate send.
func (p *Pipeline) SetBatchSize(n int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n > 0 {
		p.batchSize = n
	}
}

// SetBatchInterval sets the maximum milliseconds between sends while frames
// are buffered.
func (p *Pipeline) SetBatchInterval(ms int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ms > 0 {
		p.batchIntervalMs = ms
	}
}

// SetMaxImageDimension caps the longer image side; 0 means unlimited.
func (p *Pipeline) SetMaxImageDimension(dim int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if dim >= 0 {
		p.maxImageDim = dim
	}
}

// AddSnapshot encodes a raw PNG frame and appends it to the buffer. Frames
// arriving while the pipeline is inactive are dropped silently.
func (p *Pipeline) AddSnapshot(pngBytes []byte, id, x, y, width, height int) {
	if !p.active.Load() {
		p.logger.Debug("Snapshot ignored, session replay not active")
		return
	}

	p.mu.Lock()
	quality, maxDim := p.quality, p.maxImageDim
	p.mu.Unlock()

	data, _, _, ok := encodeFrame(pngBytes, quality, maxDim)
	if ok {
		// The wireframe rect keeps the host's logical dimensions; when maxDim
		// is set, the rect is fitted within it on its own, with a factor
		// computed from the host dimensions rather than the frame's pixels.
		width, height = scaleRect(width, height, maxDim)
		p.logger.Debug("Compressed frame",
			slog.Int("png_bytes", len(pngBytes)),
			slog.Int("jpeg_bytes", len(data)),
			slog.Int("quality", quality))
	} else {
		p.logger.Debug("JPEG encoding unavailable for frame, keeping PNG bytes")
	}

	frame := snapshotFrame{
		base64:    base64.StdEncoding.EncodeToString(data),
		id:        id,
		x:         x,
		y:         y,
		width:     width,
		height:    height,
		timestamp: events.NowMs(),
	}

	p.mu.Lock()
	p.snapshots = append(p.snapshots, frame)
	size := len(p.snapshots)
	p.mu.Unlock()

	metrics.ReplaySnapshots.Inc()
	p.logger.Debug("Snapshot buffered", slog.Int("buffer_size", size))
}

// scaleRect fits the host-reported frame size within maxDim preserving aspect
// ratio. Frames already inside the limit, and maxDim 0, pass through.
func scaleRect(width, height, maxDim int) (int, int) {
	if maxDim <= 0 || (width <= maxDim && height <= maxDim) {
		return width, height
	}
	scale := float64(maxDim) / float64(width)
	if s := float64(maxDim) / float64(height); s < scale {
		scale = s
	}
	scaledW := int(float64(width) * scale)
	scaledH := int(float64(height) * scale)
	if scaledW < 1 {
		scaledW = 1
	}
	if scaledH < 1 {
		scaledH = 1
	}
	return scaledW, scaledH
}

// AddMetaEvent records a viewport announcement; it is delivered before any
// snapshots in the same batch.
func (p *Pipeline) AddMetaEvent(width, height int, screen string) {
	if !p.active.Load() {
		return
	}
	p.mu.Lock()
	p.metaEvents = append(p.metaEvents, metaEvent{
		width:     width,
		height:    height,
		screen:    screen,
		timestamp: events.NowMs(),
	})
	p.mu.Unlock()
}

// Flush sends whatever is currently buffered, best effort.
func (p *Pipeline) Flush(ctx context.Context) {
	snapshots, metaEvents := p.takeBuffers()
	if len(snapshots) == 0 && len(metaEvents) == 0 {
		return
	}
	p.sendBatch(ctx, snapshots, metaEvents)
}

// Stop deactivates the pipeline, waits for the worker to exit, then performs
// a final flush bounded by ctx. After Stop returns no goroutine of this
// pipeline references the store or sender.
func (p *Pipeline) Stop(ctx context.Context) {
	p.active.Store(false)
	p.cancel()
	p.wg.Wait()
	p.Flush(ctx)
}

func (p *Pipeline) worker(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Debug("Replay worker stopped")
			return
		case <-ticker.C:
			if !p.active.Load() {
				continue
			}
			snapshots, metaEvents := p.takeBatchIfDue()
			if len(snapshots) == 0 && len(metaEvents) == 0 {
				continue
			}
			p.sendBatch(ctx, snapshots, metaEvents)
		}
	}
}

// takeBatchIfDue moves the buffers out under the lock when the batch
// condition holds: the snapshot buffer reached batchSize, or it is non-empty
// and batchIntervalMs elapsed since the last send.
func (p *Pipeline) takeBatchIfDue() ([]snapshotFrame, []metaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()

	elapsed := time.Since(p.lastBatch)
	due := len(p.snapshots) >= p.batchSize ||
		(len(p.snapshots) > 0 && elapsed >= time.Duration(p.batchIntervalMs)*time.Millisecond)
	if !due {
		return nil, nil
	}

	snapshots, metaEvents := p.snapshots, p.metaEvents
	p.snapshots, p.metaEvents = nil, nil
	p.lastBatch = time.Now()
	return snapshots, metaEvents
}

func (p *Pipeline) takeBuffers() ([]snapshotFrame, []metaEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshots, metaEvents := p.snapshots, p.metaEvents
	p.snapshots, p.metaEvents = nil, nil
	return snapshots, metaEvents
}

type wireframe struct {
	ID     int            `json:"id"`
	X      int            `json:"x"`
	Y      int            `json:"y"`
	Width  int            `json:"width"`
	Height int            `json:"height"`
	Type   string         `json:"type"`
	Base64 string         `json:"base64"`
	Style  map[string]any `json:"style"`
}

type snapshotData struct {
	InitialOffset map[string]int `json:"initialOffset"`
	Wireframes    []wireframe    `json:"wireframes"`
	Timestamp     int64          `json:"timestamp"`
}

type snapshotEntry struct {
	Type      int   `json:"type"`
	Data      any   `json:"data"`
	Timestamp int64 `json:"timestamp"`
}

type metaData struct {
	Href   string `json:"href"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// sendBatch serialises meta events first, then snapshots, and POSTs the
// result. Failures leave nothing to retry: replay frames are ephemeral.
func (p *Pipeline) sendBatch(ctx context.Context, snapshots []snapshotFrame, metaEvents []metaEvent) {
	distinctID := p.resolveDistinctID()
	sessionID := p.resolveSessionID()

	batch := events.Batch{APIKey: p.apiKey, Batch: make([]events.Event, 0, len(metaEvents)+len(snapshots))}

	for _, meta := range metaEvents {
		props := p.baseProperties(sessionID, meta.width, meta.height)
		props["$snapshot_data"] = []any{snapshotEntry{
			Type:      4,
			Data:      metaData{Href: meta.screen, Width: meta.width, Height: meta.height},
			Timestamp: meta.timestamp,
		}}
		batch.Batch = append(batch.Batch, events.Event{
			Event:      "$snapshot",
			DistinctID: distinctID,
			Timestamp:  meta.timestamp,
			Properties: props,
		})
	}

	for _, snap := range snapshots {
		props := p.baseProperties(sessionID, snap.width, snap.height)
		props["$snapshot_data"] = []any{snapshotEntry{
			Type: 2,
			Data: snapshotData{
				InitialOffset: map[string]int{"top": 0, "left": 0},
				Wireframes: []wireframe{{
					ID:     snap.id,
					X:      snap.x,
					Y:      snap.y,
					Width:  snap.width,
					Height: snap.height,
					Type:   "screenshot",
					Base64: snap.base64,
					Style:  map[string]any{},
				}},
				Timestamp: snap.timestamp,
			},
			Timestamp: snap.timestamp,
		}}
		batch.Batch = append(batch.Batch, events.Event{
			Event:      "$snapshot",
			DistinctID: distinctID,
			Timestamp:  snap.timestamp,
			Properties: props,
		})
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		p.logger.Error("Failed to marshal replay batch", slog.Any("error", err))
		return
	}

	p.logger.Debug("Sending replay batch",
		slog.Int("snapshots", len(snapshots)),
		slog.Int("meta_events", len(metaEvents)),
		slog.Int("bytes", len(payload)))

	resp := p.sender.PostReplay(ctx, string(payload))
	if resp.Success {
		metrics.ReplayBatches.Inc()
		p.logger.Debug("Replay batch sent",
			slog.Int("snapshots", len(snapshots)),
			slog.Int("meta_events", len(metaEvents)))
	} else {
		p.logger.Error("Failed to send replay batch", slog.Int("status", resp.Status))
	}
}

func (p *Pipeline) baseProperties(sessionID string, width, height int) events.Properties {
	return events.Properties{
		"$snapshot_source": "mobile",
		"$session_id":      sessionID,
		"$window_id":       events.WindowID,
		"$lib":             events.LibName,
		"$lib_version":     events.LibVersion,
		"$device_type":     events.DeviceType,
		"$os":              events.OSName,
		"$screen_width":    width,
		"$screen_height":   height,
	}
}

// resolveDistinctID never returns an empty id: a missing id is replaced with a
// fresh UUID that is persisted for subsequent events.
func (p *Pipeline) resolveDistinctID() string {
	id, err := p.store.DistinctID()
	if err == nil && id != "" {
		return id
	}
	if err != nil {
		p.logger.Error("Failed to read distinct id for replay", slog.Any("error", err))
		return events.SentinelUser
	}
	id = uuid.NewString()
	if err := p.store.SetDistinctID(id); err != nil {
		p.logger.Error("Failed to persist generated distinct id", slog.Any("error", err))
	}
	return id
}

func (p *Pipeline) resolveSessionID() string {
	id, err := p.store.SessionID()
	if err != nil || id == "" {
		if err != nil {
			p.logger.Error("Failed to read session id for replay", slog.Any("error", err))
		}
		return events.SentinelSession
	}
	return id
}
