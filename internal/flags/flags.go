// Package flags caches the feature-flag evaluations returned by the decide
// endpoint.
package flags

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"

	"tracely/internal/events"
	"tracely/internal/store"
	"tracely/internal/transport"
)

// Value is a single decoded flag variant: either a boolean or a string label.
type Value struct {
	IsBool bool
	Bool   bool
	Str    string
}

// Enabled reports whether the variant counts as "on": boolean true, the
// strings "true" or "1", or any non-empty string label.
func (v Value) Enabled() bool {
	if v.IsBool {
		return v.Bool
	}
	return v.Str != ""
}

// String returns the variant for value-typed queries; booleans render as
// "true"/"false".
func (v Value) String() string {
	if v.IsBool {
		return strconv.FormatBool(v.Bool)
	}
	return v.Str
}

type decideResponse struct {
	FeatureFlags map[string]json.RawMessage `json:"featureFlags"`
}

// Cache holds the last-seen flag map. The whole map is replaced atomically on
// refresh; a parse failure leaves the previous cache intact.
type Cache struct {
	mu     sync.RWMutex
	flags  map[string]Value
	store  *store.Store
	client *transport.Client
	logger *slog.Logger
}

// New builds a cache hydrated from the blob persisted by the last successful
// refresh, if any.
func New(client *transport.Client, st *store.Store, logger *slog.Logger) *Cache {
	c := &Cache{
		flags:  map[string]Value{},
		store:  st,
		client: client,
		logger: logger,
	}
	blob, err := st.FeatureFlags()
	if err == nil && blob != "" && blob != "{}" {
		if parsed, ok := parseResponse(blob); ok {
			c.flags = parsed
		}
	}
	return c
}

// Reload calls the decide endpoint and, on success, replaces the cache and
// persists the raw response blob. Returns false on any transport or parse
// failure; the previous cache stays in place.
func (c *Cache) Reload(ctx context.Context, distinctID string, properties events.Properties) bool {
	resp := c.client.PostDecide(ctx, distinctID, properties)
	if !resp.Success || resp.Body == "" {
		return false
	}

	parsed, ok := parseResponse(resp.Body)
	if !ok {
		c.logger.Error("Failed to parse decide response, keeping cached flags")
		return false
	}

	c.mu.Lock()
	c.flags = parsed
	c.mu.Unlock()

	if err := c.store.SetFeatureFlags(resp.Body); err != nil {
		c.logger.Error("Failed to persist feature flags", slog.Any("error", err))
	}
	return true
}

// IsEnabled reports whether the flag is on; absent keys are off.
func (c *Cache) IsEnabled(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[key]
	return ok && v.Enabled()
}

// Get returns the flag's variant value, or "" when the key is absent.
func (c *Cache) Get(key string) string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.flags[key]
	if !ok {
		return ""
	}
	return v.String()
}

// Payload returns the JSON payload attached to a flag. The decide response
// format for payloads is unconfirmed for this ingestion tier, so this stays an
// extension point and always returns "".
func (c *Cache) Payload(key string) string {
	return ""
}

func parseResponse(body string) (map[string]Value, bool) {
	var resp decideResponse
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		return nil, false
	}
	if resp.FeatureFlags == nil {
		return nil, false
	}
	flags := make(map[string]Value, len(resp.FeatureFlags))
	for key, raw := range resp.FeatureFlags {
		var b bool
		if err := json.Unmarshal(raw, &b); err == nil {
			flags[key] = Value{IsBool: true, Bool: b}
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			flags[key] = Value{Str: s}
			continue
		}
		// Numbers and other scalars keep their literal form.
		flags[key] = Value{Str: string(raw)}
	}
	return flags, true
}
