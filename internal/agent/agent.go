// Package agent is the public facade: identity management, event
// construction, the flush scheduler and the lifecycle owner of the store,
// transport, flag cache and replay pipeline.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"

	"tracely/internal/config"
	"tracely/internal/events"
	"tracely/internal/flags"
	"tracely/internal/metrics"
	"tracely/internal/replay"
	"tracely/internal/store"
	"tracely/internal/transport"
)

// shutdownFlushTimeout bounds the final replay flush during Close.
const shutdownFlushTimeout = 3 * time.Second

// Agent owns the four subsystems exclusively. Its workers hold references
// whose lifetime ends strictly before the subsystems close: Close joins them
// before releasing the store.
type Agent struct {
	mu          sync.Mutex
	cfg         *config.Config
	logger      *slog.Logger
	level       *slog.LevelVar
	store       *store.Store
	transport   *transport.Client
	flags       *flags.Cache
	replay      *replay.Pipeline
	sessionID   string
	optOut      bool
	initialized bool

	// flushMu serialises drain-and-post between the flush worker and the
	// inline flush triggered by capture, so a batch is removed before the
	// next drain reads.
	flushMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New runs the setup protocol: open the store, build the transport and flag
// cache, conditionally start the replay pipeline, establish identity, preload
// flags, enqueue the "App Started" screen event unless opted out and start
// the flush worker.
func New(cfg *config.Config, logger *slog.Logger, level *slog.LevelVar) (*Agent, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("agent: api key is required")
	}

	st, err := store.Open(cfg.DataDir, logger)
	if err != nil {
		return nil, fmt.Errorf("agent: storage unavailable: %w", err)
	}

	client := transport.New(cfg.Host, cfg.APIKey, logger)
	flagCache := flags.New(client, st, logger)

	a := &Agent{
		cfg:       cfg,
		logger:    logger,
		level:     level,
		store:     st,
		transport: client,
		flags:     flagCache,
		optOut:    cfg.OptOut,
	}

	if cfg.SessionReplay {
		logger.Debug("Initializing session replay")
		p := replay.New(client, st, cfg.APIKey, logger)
		rc := cfg.SessionReplayConfig
		p.SetCompressionQuality(rc.CompressionQuality)
		p.SetBatchSize(rc.BatchSize)
		p.SetBatchInterval(rc.BatchIntervalMs)
		p.SetMaxImageDimension(rc.MaxImageDimension)
		p.SetActive(true)
		a.replay = p
	}

	if err := st.SetOptOut(cfg.OptOut); err != nil {
		logger.Error("Failed to persist opt-out flag", slog.Any("error", err))
	}

	distinctID := a.getOrCreateDistinctID()

	// A fresh session id on every start, deliberately not carried over from
	// the previous process.
	a.sessionID = uuid.NewString()
	if err := st.SetSessionID(a.sessionID); err != nil {
		logger.Error("Failed to persist session id", slog.Any("error", err))
	}

	if cfg.PreloadFeatureFlags && !cfg.OptOut {
		flagCache.Reload(context.Background(), distinctID, nil)
	}

	a.initialized = true

	if !cfg.OptOut {
		a.enqueueEvent(a.buildEvent("$screen", events.Properties{"$screen_name": "App Started"}))
	}
	logger.Debug("Session initialized", slog.String("session_id", a.sessionID))

	ctx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go a.flushWorker(ctx)

	return a, nil
}

// Capture records an application event. When the queue reaches flushAt the
// call drains and posts inline before returning.
func (a *Agent) Capture(eventName string, properties events.Properties) {
	if eventName == "" {
		return
	}

	a.mu.Lock()
	if !a.initialized || a.optOut {
		a.mu.Unlock()
		return
	}
	ev := a.buildEvent(eventName, properties)
	a.enqueueEvent(ev)
	if _, err := a.store.TrimQueue(a.cfg.MaxQueueSize); err != nil {
		a.logger.Error("Failed to trim queue", slog.Any("error", err))
	}
	flushAt := a.cfg.FlushAt
	maxBatch := a.cfg.MaxBatchSize
	a.mu.Unlock()

	size, err := a.store.QueueSize()
	if err != nil {
		return
	}
	metrics.QueueSize.Set(float64(size))
	if size >= flushAt {
		a.sendQueued(context.Background(), maxBatch)
	}
}

// Identify sets the distinct id and enqueues an $identify event.
func (a *Agent) Identify(userID string) {
	if userID == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.optOut {
		return
	}
	if err := a.store.SetDistinctID(userID); err != nil {
		a.logger.Error("Failed to persist distinct id", slog.Any("error", err))
	}
	ev := events.New("$identify", userID, events.Properties{
		"$session_id": a.sessionID,
		"$window_id":  events.WindowID,
	})
	a.enqueueEvent(ev)
}

// Screen enqueues a $screen event with the full identity property block.
func (a *Agent) Screen(screenName string) {
	if screenName == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.optOut {
		return
	}
	a.enqueueEvent(a.buildEvent("$screen", events.Properties{"$screen_name": screenName}))
}

// Alias links a new id to the current one, then switches the distinct id.
func (a *Agent) Alias(alias string) {
	if alias == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.optOut {
		return
	}
	oldID := a.getOrCreateDistinctID()
	ev := events.New("$create_alias", alias, events.Properties{"alias": oldID})
	a.enqueueEvent(ev)
	if err := a.store.SetDistinctID(alias); err != nil {
		a.logger.Error("Failed to persist distinct id", slog.Any("error", err))
	}
}

// Group enqueues a $groupidentify event.
func (a *Agent) Group(groupType, groupKey string) {
	if groupType == "" || groupKey == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.optOut {
		return
	}
	ev := events.New("$groupidentify", a.getOrCreateDistinctID(), events.Properties{
		"$group_type": groupType,
		"$group_key":  groupKey,
	})
	a.enqueueEvent(ev)
}

// CaptureException enqueues an $exception event with the supplied properties.
func (a *Agent) CaptureException(properties events.Properties) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized || a.optOut {
		return
	}
	props := events.Properties{
		"$session_id": a.sessionID,
		"$window_id":  events.WindowID,
	}
	props.MergeDefaults(properties)
	ev := events.New("$exception", a.getOrCreateDistinctID(), props)
	a.enqueueEvent(ev)
}

// DistinctID returns the persistent distinct id, creating one if missing.
func (a *Agent) DistinctID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return ""
	}
	return a.getOrCreateDistinctID()
}

// Reset rotates the distinct id and clears all super-properties.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return
	}
	if err := a.store.SetDistinctID(uuid.NewString()); err != nil {
		a.logger.Error("Failed to reset distinct id", slog.Any("error", err))
	}
	if err := a.store.ClearSuperProperties(); err != nil {
		a.logger.Error("Failed to clear super properties", slog.Any("error", err))
	}
}

// Enable resumes tracking.
func (a *Agent) Enable() { a.setOptOut(false) }

// Disable suppresses all tracking and network traffic.
func (a *Agent) Disable() { a.setOptOut(true) }

func (a *Agent) setOptOut(optOut bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.optOut = optOut
	if a.store != nil {
		if err := a.store.SetOptOut(optOut); err != nil {
			a.logger.Error("Failed to persist opt-out flag", slog.Any("error", err))
		}
	}
}

// IsOptOut reports the persisted opt-out flag.
func (a *Agent) IsOptOut() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store != nil {
		if v, err := a.store.OptOut(); err == nil {
			return v
		}
	}
	return a.optOut
}

// SetDebug flips the log level at runtime.
func (a *Agent) SetDebug(debug bool) {
	if a.level == nil {
		return
	}
	if debug {
		a.level.Set(slog.LevelDebug)
	} else {
		a.level.Set(slog.LevelInfo)
	}
}

// Register stores a super-property merged into every subsequent event.
func (a *Agent) Register(key string, value any) {
	if key == "" {
		return
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return
	}
	encoded, err := json.Marshal(value)
	if err != nil {
		a.logger.Error("Failed to encode super property", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := a.store.SetSuperProperty(key, string(encoded)); err != nil {
		a.logger.Error("Failed to store super property", slog.String("key", key), slog.Any("error", err))
	}
}

// Unregister removes a super-property.
func (a *Agent) Unregister(key string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.store == nil {
		return
	}
	if err := a.store.RemoveSuperProperty(key); err != nil {
		a.logger.Error("Failed to remove super property", slog.String("key", key), slog.Any("error", err))
	}
}

// Flush forces an immediate drain-and-post of the event queue.
func (a *Agent) Flush() {
	a.mu.Lock()
	if !a.initialized || a.optOut {
		a.mu.Unlock()
		return
	}
	maxBatch := a.cfg.MaxBatchSize
	a.mu.Unlock()
	a.sendQueued(context.Background(), maxBatch)
}

// IsFeatureEnabled reports whether a feature flag is on.
func (a *Agent) IsFeatureEnabled(key string) bool { return a.flags.IsEnabled(key) }

// GetFeatureFlag returns the flag's variant value.
func (a *Agent) GetFeatureFlag(key string) string { return a.flags.Get(key) }

// GetFeatureFlagPayload returns the flag's payload.
func (a *Agent) GetFeatureFlagPayload(key string) string { return a.flags.Payload(key) }

// ReloadFeatureFlags refreshes the flag cache from the decide endpoint.
func (a *Agent) ReloadFeatureFlags() {
	a.mu.Lock()
	if !a.initialized || a.optOut {
		a.mu.Unlock()
		return
	}
	distinctID := a.getOrCreateDistinctID()
	a.mu.Unlock()
	a.flags.Reload(context.Background(), distinctID, nil)
}

// SessionID returns the session id, stable until CreateNewSession.
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// CreateNewSession rotates the session id and enqueues a "Session Started"
// screen event under the new id.
func (a *Agent) CreateNewSession() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.initialized {
		return
	}
	a.sessionID = uuid.NewString()
	if err := a.store.SetSessionID(a.sessionID); err != nil {
		a.logger.Error("Failed to persist session id", slog.Any("error", err))
	}
	a.enqueueEvent(a.buildEvent("$screen", events.Properties{"$screen_name": "Session Started"}))
	a.logger.Debug("New session created", slog.String("session_id", a.sessionID))
}

// SendFullSnapshot forwards a raw frame to the replay pipeline.
func (a *Agent) SendFullSnapshot(imageBytes []byte, id, x, y, width, height int) {
	if a.replay == nil {
		return
	}
	a.replay.AddSnapshot(imageBytes, id, x, y, width, height)
}

// SendMetaEvent forwards a viewport announcement to the replay pipeline.
func (a *Agent) SendMetaEvent(width, height int, screen string) {
	if a.replay == nil {
		return
	}
	a.replay.AddMetaEvent(width, height, screen)
}

// IsSessionReplayActive reports whether the replay pipeline accepts frames.
func (a *Agent) IsSessionReplayActive() bool {
	return a.replay != nil && a.replay.IsActive()
}

// OpenURL hands the url to the OS handler, fire and forget.
func (a *Agent) OpenURL(url string) {
	if url == "" {
		return
	}
	if err := exec.Command("xdg-open", url).Start(); err != nil {
		a.logger.Error("Failed to open url", slog.String("url", url), slog.Any("error", err))
	}
}

// QueueSize returns the number of events waiting for delivery.
func (a *Agent) QueueSize() int {
	size, err := a.store.QueueSize()
	if err != nil {
		return 0
	}
	return size
}

// Close tears the agent down in strict order: poison the workers, stop and
// join the replay pipeline first (with a final bounded flush), join the flush
// worker, wait out any in-flight inline flush, then close the store. Workers
// never observe a closed store because their lifetime ends here first.
func (a *Agent) Close() error {
	a.mu.Lock()
	if !a.initialized {
		a.mu.Unlock()
		return nil
	}
	a.initialized = false
	rp := a.replay
	a.mu.Unlock()

	if rp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownFlushTimeout)
		rp.Stop(ctx)
		cancel()
	}

	a.cancel()
	a.wg.Wait()

	// An inline flush that started before initialized flipped may still be
	// posting; its completion releases flushMu.
	a.flushMu.Lock()
	a.flushMu.Unlock()

	if err := a.store.Close(); err != nil {
		return fmt.Errorf("agent: failed to close store: %w", err)
	}
	a.logger.Debug("Agent closed")
	return nil
}

// buildEvent constructs an event with the merged property layers: library
// identity, session, super-properties, then caller properties. Earlier layers
// win on key collisions. Callers hold a.mu.
func (a *Agent) buildEvent(eventName string, callerProps events.Properties) events.Event {
	props := events.LibraryProperties()
	props["$session_id"] = a.sessionID
	props["$window_id"] = events.WindowID

	super, err := a.store.SuperProperties()
	if err != nil {
		a.logger.Error("Failed to read super properties", slog.Any("error", err))
	}
	for key, raw := range super {
		var value any
		if err := json.Unmarshal([]byte(raw), &value); err != nil {
			// Older rows may hold bare strings rather than JSON.
			value = raw
		}
		props.SetDefault(key, value)
	}

	props.MergeDefaults(callerProps)

	return events.New(eventName, a.getOrCreateDistinctID(), props)
}

// enqueueEvent serialises the event into the durable queue. Failure loses the
// event but is otherwise non-fatal. Callers hold a.mu.
func (a *Agent) enqueueEvent(ev events.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		a.logger.Error("Failed to marshal event", slog.String("event", ev.Event), slog.Any("error", err))
		return
	}
	if err := a.store.EnqueueEvent(string(payload)); err != nil {
		return
	}
	metrics.EventsEnqueued.Inc()
	a.logger.Debug("Event enqueued", slog.String("event", ev.Event))
}

// getOrCreateDistinctID reads the persistent distinct id, generating and
// persisting a fresh UUID when none exists. Callers hold a.mu.
func (a *Agent) getOrCreateDistinctID() string {
	id, err := a.store.DistinctID()
	if err != nil {
		a.logger.Error("Failed to read distinct id", slog.Any("error", err))
		return events.SentinelUser
	}
	if id != "" {
		return id
	}
	id = uuid.NewString()
	if err := a.store.SetDistinctID(id); err != nil {
		a.logger.Error("Failed to persist distinct id", slog.Any("error", err))
	}
	return id
}

// sendQueued drains up to maxBatch events, posts them and removes the rows
// the server acknowledged. Events stay queued on any failure.
func (a *Agent) sendQueued(ctx context.Context, maxBatch int) {
	a.flushMu.Lock()
	defer a.flushMu.Unlock()

	a.mu.Lock()
	open := a.initialized
	a.mu.Unlock()
	if !open {
		return
	}

	rows, err := a.store.QueuedEvents(maxBatch)
	if err != nil || len(rows) == 0 {
		return
	}

	ids := make([]string, 0, len(rows))
	jsons := make([]string, 0, len(rows))
	for _, row := range rows {
		ids = append(ids, row.ID)
		jsons = append(jsons, row.EventJSON)
	}

	resp := a.transport.PostCapture(ctx, jsons)
	if !resp.Success {
		a.logger.Error("Failed to send events, keeping them queued",
			slog.Int("count", len(jsons)),
			slog.Int("status", resp.Status))
		return
	}

	if err := a.store.RemoveEvents(ids); err != nil {
		a.logger.Error("Failed to remove delivered events", slog.Any("error", err))
		return
	}
	if size, err := a.store.QueueSize(); err == nil {
		metrics.QueueSize.Set(float64(size))
	}
	a.logger.Debug("Events delivered", slog.Int("count", len(ids)))
}

// flushWorker wakes every flushInterval and drains the queue. Errors and
// panics inside an iteration are logged and never end the loop.
func (a *Agent) flushWorker(ctx context.Context) {
	defer a.wg.Done()

	interval := time.Duration(a.cfg.FlushIntervalSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Debug("Flush worker stopped")
			return
		case <-ticker.C:
			a.runFlushCycle(ctx)
		}
	}
}

func (a *Agent) runFlushCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("Panic recovered in flush worker", slog.Any("panic", r))
		}
	}()

	a.mu.Lock()
	if !a.initialized || a.optOut {
		a.mu.Unlock()
		return
	}
	maxBatch := a.cfg.MaxBatchSize
	a.mu.Unlock()

	a.sendQueued(ctx, maxBatch)
}
