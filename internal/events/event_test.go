package events_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracely/internal/events"
)

func TestEventMarshal(t *testing.T) {
	t.Run("timestamp crosses the wire as a decimal string", func(t *testing.T) {
		ev := events.Event{
			Event:      "hello",
			DistinctID: "user-1",
			Timestamp:  1712345678901,
			Properties: events.Properties{"plan": "pro"},
		}

		data, err := json.Marshal(ev)
		require.NoError(t, err)

		var raw map[string]json.RawMessage
		require.NoError(t, json.Unmarshal(data, &raw))
		assert.JSONEq(t, `"1712345678901"`, string(raw["timestamp"]))
		assert.JSONEq(t, `"hello"`, string(raw["event"]))
		assert.JSONEq(t, `"user-1"`, string(raw["distinct_id"]))
	})

	t.Run("empty identity falls back to sentinels", func(t *testing.T) {
		data, err := json.Marshal(events.Event{Timestamp: 1})
		require.NoError(t, err)

		var decoded map[string]any
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, events.SentinelUser, decoded["distinct_id"])
		assert.NotEmpty(t, decoded["event"])
	})
}

func TestEventUnmarshal(t *testing.T) {
	t.Run("accepts string timestamps", func(t *testing.T) {
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(
			`{"event":"a","distinct_id":"d","timestamp":"1700000000000","properties":{}}`), &ev))
		assert.Equal(t, int64(1700000000000), ev.Timestamp)
	})

	t.Run("accepts numeric timestamps from older rows", func(t *testing.T) {
		var ev events.Event
		require.NoError(t, json.Unmarshal([]byte(
			`{"event":"a","distinct_id":"d","timestamp":1700000000000,"properties":{}}`), &ev))
		assert.Equal(t, int64(1700000000000), ev.Timestamp)
	})

	t.Run("round trips through the wire form", func(t *testing.T) {
		original := events.New("signup", "user-2", events.Properties{"ref": "ad"})
		data, err := json.Marshal(original)
		require.NoError(t, err)

		var decoded events.Event
		require.NoError(t, json.Unmarshal(data, &decoded))
		assert.Equal(t, original.Event, decoded.Event)
		assert.Equal(t, original.DistinctID, decoded.DistinctID)
		assert.Equal(t, original.Timestamp, decoded.Timestamp)
		assert.Equal(t, "ad", decoded.Properties["ref"])
	})
}

func TestPropertiesMerge(t *testing.T) {
	t.Run("earlier writers win", func(t *testing.T) {
		props := events.LibraryProperties()
		props.MergeDefaults(events.Properties{
			"$lib":   "impostor",
			"custom": "value",
		})

		assert.Equal(t, events.LibName, props["$lib"])
		assert.Equal(t, "value", props["custom"])
	})

	t.Run("set default skips existing keys", func(t *testing.T) {
		props := events.Properties{"a": 1}
		props.SetDefault("a", 2)
		props.SetDefault("b", 3)
		assert.Equal(t, 1, props["a"])
		assert.Equal(t, 3, props["b"])
	})
}
