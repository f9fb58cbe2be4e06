// Package events defines the capture event model and its wire encoding.
package events

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Library identity reported with every event. The values mirror the Flutter SDK
// so server-side ingestion groups this agent with the other platform builds.
const (
	LibName         = "posthog-flutter"
	LibVersion      = "5.9.0"
	DeviceType      = "Mobile"
	OSName          = "Linux"
	OSVersion       = "Unknown"
	ScreenWidth     = 1024
	ScreenHeight    = 600
	WindowID        = "main"
	SentinelUser    = "unknown_user"
	SentinelSession = "unknown_session"
)

// Properties is the recursive JSON-shaped property payload attached to events.
// Values are any combination of nil, bool, numbers, strings, []any and
// map[string]any; encoding/json folds the tree onto the wire.
type Properties map[string]any

// SetDefault stores value under key only when the key is not already present.
// Merge order therefore decides precedence: earlier writers win.
func (p Properties) SetDefault(key string, value any) {
	if _, ok := p[key]; !ok {
		p[key] = value
	}
}

// MergeDefaults applies SetDefault for every entry of src.
func (p Properties) MergeDefaults(src Properties) {
	for k, v := range src {
		p.SetDefault(k, v)
	}
}

// Event is a single captured application event. Instances are immutable after
// construction; they are serialised into the durable queue and deleted only
// after the server acknowledged the batch containing them.
type Event struct {
	Event      string
	DistinctID string
	// Timestamp is milliseconds since the Unix epoch. It crosses the wire as a
	// decimal string; the ingestion service rejects numeric timestamps from
	// this SDK lineage.
	Timestamp  int64
	Properties Properties
}

// New builds an event stamped with the current time.
func New(name, distinctID string, props Properties) Event {
	if props == nil {
		props = Properties{}
	}
	return Event{
		Event:      name,
		DistinctID: distinctID,
		Timestamp:  NowMs(),
		Properties: props,
	}
}

// NowMs returns the current time in milliseconds since the Unix epoch.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

type eventWire struct {
	Event      string          `json:"event"`
	DistinctID string          `json:"distinct_id"`
	Timestamp  json.RawMessage `json:"timestamp"`
	Properties Properties      `json:"properties"`
}

// MarshalJSON encodes the event with the timestamp as a decimal string and
// guarantees non-empty event and distinct_id fields on the wire.
func (e Event) MarshalJSON() ([]byte, error) {
	name := e.Event
	if name == "" {
		name = "$snapshot"
	}
	distinctID := e.DistinctID
	if distinctID == "" {
		distinctID = SentinelUser
	}
	props := e.Properties
	if props == nil {
		props = Properties{}
	}
	ts, err := json.Marshal(strconv.FormatInt(e.Timestamp, 10))
	if err != nil {
		return nil, err
	}
	return json.Marshal(eventWire{
		Event:      name,
		DistinctID: distinctID,
		Timestamp:  ts,
		Properties: props,
	})
}

// UnmarshalJSON accepts the timestamp as either a decimal string or a number;
// older queue rows may carry the numeric form.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w eventWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	var ts int64
	if len(w.Timestamp) > 0 {
		var s string
		if err := json.Unmarshal(w.Timestamp, &s); err == nil {
			parsed, perr := strconv.ParseInt(s, 10, 64)
			if perr != nil {
				return fmt.Errorf("events: invalid timestamp %q: %w", s, perr)
			}
			ts = parsed
		} else if err := json.Unmarshal(w.Timestamp, &ts); err != nil {
			return fmt.Errorf("events: invalid timestamp: %w", err)
		}
	}
	e.Event = w.Event
	e.DistinctID = w.DistinctID
	e.Timestamp = ts
	e.Properties = w.Properties
	return nil
}

// Batch is the /capture/ request envelope.
type Batch struct {
	APIKey string  `json:"api_key"`
	Batch  []Event `json:"batch"`
}

// DecidePayload is the /decide/ request envelope.
type DecidePayload struct {
	APIKey     string     `json:"api_key"`
	DistinctID string     `json:"distinct_id"`
	Properties Properties `json:"properties,omitempty"`
}

// LibraryProperties returns the fixed identity block merged into captured
// events before session, super and caller properties.
func LibraryProperties() Properties {
	return Properties{
		"$lib":           LibName,
		"$lib_version":   LibVersion,
		"$device_type":   DeviceType,
		"$os":            OSName,
		"$os_version":    OSVersion,
		"$screen_width":  ScreenWidth,
		"$screen_height": ScreenHeight,
	}
}
