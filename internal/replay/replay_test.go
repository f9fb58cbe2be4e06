package replay_test

import (
	"context"
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tracely/internal/replay"
	"tracely/internal/store"
	"tracely/internal/testsupport"
	"tracely/internal/transport"
)

func setupPipeline(t *testing.T) (*replay.Pipeline, *testsupport.FakeServer, *store.Store) {
	t.Helper()
	fs := testsupport.NewFakeServer(t)
	st := testsupport.SetupTestStore(t)
	require.NoError(t, st.SetDistinctID("replay-user"))
	require.NoError(t, st.SetSessionID("replay-session"))

	client := transport.New(fs.URL(), "phc_test", testsupport.GetLogger())
	p := replay.New(client, st, "phc_test", testsupport.GetLogger())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})
	return p, fs, st
}

func waitForRequests(t *testing.T, fs *testsupport.FakeServer, n int) []testsupport.CapturedRequest {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if reqs := fs.RequestsTo("/capture/"); len(reqs) >= n {
			return reqs
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d capture requests", n)
	return nil
}

func TestPipelineBatching(t *testing.T) {
	t.Run("meta events precede snapshots and carry the session id", func(t *testing.T) {
		p, fs, _ := setupPipeline(t)
		p.SetBatchSize(1)
		p.SetActive(true)

		p.AddMetaEvent(800, 600, "home")
		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 1, 0, 0, 800, 600)

		requests := waitForRequests(t, fs, 1)
		apiKey, batch := requests[0].Batch(t)
		assert.Equal(t, "phc_test", apiKey)
		require.Len(t, batch, 2)

		meta, snapshot := batch[0], batch[1]
		for _, ev := range []map[string]any{meta, snapshot} {
			assert.Equal(t, "$snapshot", ev["event"])
			assert.Equal(t, "replay-user", ev["distinct_id"])
			props := ev["properties"].(map[string]any)
			assert.Equal(t, "replay-session", props["$session_id"])
			assert.Equal(t, "mobile", props["$snapshot_source"])
			assert.Equal(t, "main", props["$window_id"])
		}

		metaData := meta["properties"].(map[string]any)["$snapshot_data"].([]any)
		require.Len(t, metaData, 1)
		metaEntry := metaData[0].(map[string]any)
		assert.EqualValues(t, 4, metaEntry["type"])
		assert.Equal(t, "home", metaEntry["data"].(map[string]any)["href"])
		assert.EqualValues(t, 800, metaEntry["data"].(map[string]any)["width"])

		snapData := snapshot["properties"].(map[string]any)["$snapshot_data"].([]any)
		require.Len(t, snapData, 1)
		snapEntry := snapData[0].(map[string]any)
		assert.EqualValues(t, 2, snapEntry["type"])

		// The wireframe rect carries the host-reported size, not the pixel
		// size of the 1x1 test frame.
		snapProps := snapshot["properties"].(map[string]any)
		assert.EqualValues(t, 800, snapProps["$screen_width"])
		assert.EqualValues(t, 600, snapProps["$screen_height"])

		wireframes := snapEntry["data"].(map[string]any)["wireframes"].([]any)
		require.Len(t, wireframes, 1)
		wf := wireframes[0].(map[string]any)
		assert.Equal(t, "screenshot", wf["type"])
		assert.EqualValues(t, 1, wf["id"])
		assert.EqualValues(t, 800, wf["width"])
		assert.EqualValues(t, 600, wf["height"])

		decoded, err := base64.StdEncoding.DecodeString(wf["base64"].(string))
		require.NoError(t, err)
		require.NotEmpty(t, decoded)
		// JPEG magic: the 1x1 PNG must have survived re-encoding.
		assert.Equal(t, []byte{0xFF, 0xD8}, decoded[:2])
	})

	t.Run("batch interval ships a partial buffer", func(t *testing.T) {
		p, fs, _ := setupPipeline(t)
		p.SetBatchSize(100)
		p.SetBatchInterval(200)
		p.SetActive(true)

		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 1, 0, 0, 1, 1)

		requests := waitForRequests(t, fs, 1)
		_, batch := requests[0].Batch(t)
		assert.Len(t, batch, 1)
	})

	t.Run("max image dimension shrinks the rect by the same factor", func(t *testing.T) {
		p, fs, _ := setupPipeline(t)
		p.SetBatchSize(1)
		p.SetMaxImageDimension(100)
		p.SetActive(true)

		p.AddSnapshot(testsupport.TinyPNG(t, 400, 200), 1, 0, 0, 800, 600)

		requests := waitForRequests(t, fs, 1)
		_, batch := requests[0].Batch(t)
		require.Len(t, batch, 1)

		snapEntry := batch[0]["properties"].(map[string]any)["$snapshot_data"].([]any)[0].(map[string]any)
		wf := snapEntry["data"].(map[string]any)["wireframes"].([]any)[0].(map[string]any)
		assert.EqualValues(t, 100, wf["width"])
		assert.EqualValues(t, 75, wf["height"])
	})

	t.Run("inactive pipeline drops frames", func(t *testing.T) {
		p, fs, _ := setupPipeline(t)
		p.SetBatchSize(1)
		p.SetActive(false)

		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 1, 0, 0, 1, 1)
		p.AddMetaEvent(10, 10, "ignored")

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Flush(ctx)
		assert.Empty(t, fs.RequestsTo("/capture/"))
	})
}

func TestPipelineStop(t *testing.T) {
	t.Run("stop performs a final bounded flush", func(t *testing.T) {
		fs := testsupport.NewFakeServer(t)
		st := testsupport.SetupTestStore(t)
		require.NoError(t, st.SetDistinctID("replay-user"))
		require.NoError(t, st.SetSessionID("replay-session"))

		client := transport.New(fs.URL(), "phc_test", testsupport.GetLogger())
		p := replay.New(client, st, "phc_test", testsupport.GetLogger())
		p.SetActive(true)
		// Large batch and long interval: the worker will not ship this frame.
		p.SetBatchSize(100)
		p.SetBatchInterval(60000)

		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 1, 0, 0, 1, 1)

		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		p.Stop(ctx)

		requests := fs.RequestsTo("/capture/")
		require.Len(t, requests, 1)
		_, batch := requests[0].Batch(t)
		assert.Len(t, batch, 1)

		// The worker is gone: new frames are refused and nothing else ships.
		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 2, 0, 0, 1, 1)
		time.Sleep(250 * time.Millisecond)
		assert.Len(t, fs.RequestsTo("/capture/"), 1)
	})

	t.Run("missing identity falls back to a generated id and the session sentinel", func(t *testing.T) {
		fs := testsupport.NewFakeServer(t)
		st := testsupport.SetupTestStore(t)

		client := transport.New(fs.URL(), "phc_test", testsupport.GetLogger())
		p := replay.New(client, st, "phc_test", testsupport.GetLogger())
		p.SetActive(true)
		p.SetBatchSize(1)

		p.AddSnapshot(testsupport.TinyPNG(t, 1, 1), 1, 0, 0, 1, 1)
		requests := waitForRequests(t, fs, 1)

		_, batch := requests[0].Batch(t)
		require.Len(t, batch, 1)
		assert.NotEmpty(t, batch[0]["distinct_id"])
		props := batch[0]["properties"].(map[string]any)
		assert.Equal(t, "unknown_session", props["$session_id"])

		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.Stop(ctx)
	})
}
