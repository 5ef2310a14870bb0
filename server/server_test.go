package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiliton/mongo/cfg"
	"github.com/kiliton/mongo/cursor"
	"github.com/kiliton/mongo/hlc"
	"github.com/kiliton/mongo/id"
	"github.com/kiliton/mongo/notify"
	"github.com/kiliton/mongo/oplog"
	"github.com/kiliton/mongo/pipeline"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	clock := hlc.NewClock(1)
	hub := notify.NewHub()
	l := oplog.NewMemoryLog(clock, 1000)
	l.SetNotifier(hub)

	compiler, err := pipeline.NewCompiler(16)
	require.NoError(t, err)

	capture, err := NewCaptureFilter([]string{"system.*"})
	require.NoError(t, err)

	gen := id.NewHLCGenerator(clock)
	manager := cursor.NewManager(l, hub, compiler, gen)
	handlers := NewHandlers(l, manager, capture, gen, cfg.ChangeStreamConfiguration{
		MaxAwaitTimeMS:   5000,
		DefaultBatchSize: 101,
		MaxBatchSize:     1000,
	})

	ts := httptest.NewServer(Router(handlers, nil))
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, method, url string, body interface{}) (*http.Response, map[string]interface{}) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var decoded map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	return resp, decoded
}

func openStream(t *testing.T, ts *httptest.Server, collection string, stages []map[string]interface{}) uint64 {
	t.Helper()

	body := map[string]interface{}{"pipeline": stages}
	resp, decoded := doJSON(t, http.MethodPost, ts.URL+"/db/"+collection+"/changeStreams", body)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decoded["data"].(map[string]interface{})
	return uint64(data["cursorId"].(float64))
}

func getMore(t *testing.T, ts *httptest.Server, cursorID uint64, maxTimeMS int64) (*http.Response, map[string]interface{}) {
	t.Helper()
	url := fmt.Sprintf("%s/cursors/%d/getMore", ts.URL, cursorID)
	return doJSON(t, http.MethodPost, url, map[string]interface{}{"maxTimeMS": maxTimeMS})
}

func TestInsert_ReturnsGeneratedID(t *testing.T) {
	ts := newTestServer(t)

	resp, decoded := doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents",
		map[string]interface{}{"item": "widget"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decoded["data"].(map[string]interface{})
	assert.NotEmpty(t, data["_id"])
}

func TestInsert_RejectsNonStringID(t *testing.T) {
	ts := newTestServer(t)

	resp, decoded := doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents",
		map[string]interface{}{"_id": 5, "item": "widget"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decoded["error"], "_id must be a string")
}

func TestChangeStream_EndToEnd(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)
	require.NotZero(t, cursorID)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents",
		map[string]interface{}{"_id": "o1", "item": "widget"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded := getMore(t, ts, cursorID, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, float64(cursorID), data["cursorId"])

	batch := data["batch"].([]interface{})
	require.Len(t, batch, 1)
	record := batch[0].(map[string]interface{})
	assert.Equal(t, "insert", record["operationType"])
	assert.Equal(t, "widget", record["fullDocument"].(map[string]interface{})["item"])
	assert.Equal(t, "o1", record["documentKey"].(map[string]interface{})["_id"])
}

func TestChangeStream_BlockingGetMoreWakesOnInsert(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)

	type result struct {
		resp    *http.Response
		decoded map[string]interface{}
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		resp, decoded := getMore(t, ts, cursorID, 5000)
		done <- result{resp, decoded}
	}()

	time.Sleep(100 * time.Millisecond)
	doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents",
		map[string]interface{}{"_id": "o1"})

	select {
	case got := <-done:
		require.Equal(t, http.StatusOK, got.resp.StatusCode)
		batch := got.decoded["data"].(map[string]interface{})["batch"].([]interface{})
		require.Len(t, batch, 1)
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(10 * time.Second):
		t.Fatal("blocking getMore did not return")
	}
}

func TestChangeStream_PipelineFiltersOverHTTP(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", []map[string]interface{}{
		{"$match": map[string]interface{}{"operationType": "delete"}},
	})

	doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents", map[string]interface{}{"_id": "o1"})

	resp, decoded := getMore(t, ts, cursorID, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decoded["data"].(map[string]interface{})["batch"].([]interface{})
	assert.Empty(t, batch)

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/db/orders/documents/o1", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded = getMore(t, ts, cursorID, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch = decoded["data"].(map[string]interface{})["batch"].([]interface{})
	require.Len(t, batch, 1)
	assert.Equal(t, "delete", batch[0].(map[string]interface{})["operationType"])
}

func TestChangeStream_DropInvalidatesCursor(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/db/orders/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded := getMore(t, ts, cursorID, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	data := decoded["data"].(map[string]interface{})
	assert.Equal(t, float64(0), data["cursorId"])

	batch := data["batch"].([]interface{})
	require.Len(t, batch, 2)
	assert.Equal(t, "drop", batch[0].(map[string]interface{})["operationType"])
	assert.Equal(t, "invalidate", batch[1].(map[string]interface{})["operationType"])

	// The cursor is gone afterwards.
	resp, _ = getMore(t, ts, cursorID, 0)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestGetMore_UnknownCursorIs404(t *testing.T) {
	ts := newTestServer(t)

	resp, decoded := getMore(t, ts, 99999, 0)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Contains(t, decoded["error"], "not found")
}

func TestGetMore_NegativeMaxTimeIs400(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)
	resp, _ := getMore(t, ts, cursorID, -1)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetMore_ConcurrentCallIs409(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		getMore(t, ts, cursorID, 2000)
	}()

	time.Sleep(100 * time.Millisecond)
	resp, decoded := getMore(t, ts, cursorID, 0)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Contains(t, decoded["error"], "in progress")

	doJSON(t, http.MethodPost, ts.URL+"/db/orders/documents", map[string]interface{}{"_id": "o1"})
	<-done
}

func TestOpenChangeStream_BadPipelineIs400(t *testing.T) {
	ts := newTestServer(t)

	body := map[string]interface{}{"pipeline": []map[string]interface{}{
		{"$group": map[string]interface{}{}},
	}}
	resp, decoded := doJSON(t, http.MethodPost, ts.URL+"/db/orders/changeStreams", body)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, decoded["error"], "$group")
}

func TestKillCursor(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "orders", nil)

	url := fmt.Sprintf("%s/cursors/%d/", ts.URL, cursorID)
	resp, _ := doJSON(t, http.MethodDelete, url, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, _ = getMore(t, ts, cursorID, 0)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodDelete, url, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCaptureExclude_WritesLeaveNoTrace(t *testing.T) {
	ts := newTestServer(t)

	cursorID := openStream(t, ts, "system.users", nil)

	resp, _ := doJSON(t, http.MethodPost, ts.URL+"/db/system.users/documents",
		map[string]interface{}{"_id": "admin"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, decoded := getMore(t, ts, cursorID, 0)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	batch := decoded["data"].(map[string]interface{})["batch"].([]interface{})
	assert.Empty(t, batch)
}

func TestCaptureFilter_Patterns(t *testing.T) {
	filter, err := NewCaptureFilter([]string{"system.*", "tmp_?"})
	require.NoError(t, err)

	assert.True(t, filter.Captures("orders"))
	assert.False(t, filter.Captures("system.users"))
	assert.False(t, filter.Captures("tmp_1"))
	assert.True(t, filter.Captures("tmp_10"))

	_, err = NewCaptureFilter([]string{"["})
	assert.Error(t, err)
}
