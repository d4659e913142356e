package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photo_server/server/catalog/repository"
	"photo_server/server/common/infra/object"
	"photo_server/server/embedding"
	"photo_server/server/feed"
	indexer "photo_server/server/indexer/service"
	ingest "photo_server/server/ingest/service"
	retrieval "photo_server/server/retrieval/service"
	synthesis "photo_server/server/synthesis/service"
	"photo_server/server/synthesis/vlm"
)

const testDim = 8

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01}

type scriptedVLM struct {
	mu     sync.Mutex
	calls  int
	deltas []string
	err    error
}

func (s *scriptedVLM) Stream(_ context.Context, _ []vlm.Part, _ string, onDelta func(string) error) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	for _, d := range s.deltas {
		if err := onDelta(d); err != nil {
			return err
		}
	}
	return s.err
}

type testEnv struct {
	router  *gin.Engine
	catalog *repository.MemoryCatalog
	worker  *indexer.Worker
	model   *scriptedVLM
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cat := repository.NewMemoryCatalog(testDim)
	store, err := object.NewDiskStore(filepath.Join(t.TempDir(), "photos"))
	require.NoError(t, err)
	space, err := embedding.NewSpace(embedding.NewHashModel(testDim), embedding.SpaceOptions{Dim: testDim, CacheSize: 16})
	require.NoError(t, err)
	model := &scriptedVLM{deltas: []string{"The kitchen ", "was busy."}}

	ingestSvc := ingest.NewIngestService(store, cat, feed.NewMemoryFeed())
	retrievalSvc := retrieval.NewRetrievalService(space, cat, retrieval.Options{MaxImages: 5})
	relay := synthesis.NewRelay(model, synthesis.NewImagePreparer(store, 0, 4), nil, nil, synthesis.RelayOptions{})

	r := gin.New()
	NewHandler(ingestSvc, retrievalSvc, relay, cat, 0).RegisterRoutes(r)
	return &testEnv{
		router:  r,
		catalog: cat,
		worker:  indexer.NewWorker(cat, store, space, nil, nil, indexer.Options{}),
		model:   model,
	}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func uploadRequest(t *testing.T, fields map[string]string, file []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if file != nil {
		fw, err := mw.CreateFormFile("file", "cam.jpg")
		require.NoError(t, err)
		_, _ = fw.Write(file)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/api/upload", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func (e *testEnv) upload(t *testing.T, location, ts string) string {
	t.Helper()
	w := e.do(uploadRequest(t, map[string]string{"location": location, "timestamp": ts}, jpegBytes))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var resp struct {
		Message  string `json:"message"`
		Filename string `json:"filename"`
		ImageID  string `json:"image_id"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cam.jpg", resp.Filename)
	assert.Equal(t, "File uploaded and queued successfully", resp.Message)
	return resp.ImageID
}

func metadata(t *testing.T, e *testEnv, id, query string) (int, map[string]any) {
	t.Helper()
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/image_metadata/"+id+query, nil))
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w.Code, body
}

func TestPing(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(httptest.NewRequest(http.MethodGet, "/api/ping", nil))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"pong"}`, w.Body.String())
}

func TestUploadThenIndexLifecycle(t *testing.T) {
	e := newTestEnv(t)
	id := e.upload(t, "kitchen", "2024-05-01T08:00:00Z")

	code, body := metadata(t, e, id, "?include_vector=true")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "pending", body["status"])
	vec := body["vector"].([]any)
	assert.Len(t, vec, testDim)
	for _, x := range vec {
		assert.Zero(t, x)
	}

	_, err := e.worker.Process(context.Background(), id)
	require.NoError(t, err)

	code, body = metadata(t, e, id, "?include_vector=true&include_description=false")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "completed", body["status"])
	assert.Len(t, body["vector"], testDim)
	assert.NotContains(t, body, "description")
}

func TestUploadValidation(t *testing.T) {
	e := newTestEnv(t)
	cases := []struct {
		name   string
		fields map[string]string
		file   []byte
	}{
		{"missing file", map[string]string{"location": "kitchen", "timestamp": "2024-05-01T08:00:00"}, nil},
		{"missing location", map[string]string{"timestamp": "2024-05-01T08:00:00"}, jpegBytes},
		{"missing timestamp", map[string]string{"location": "kitchen"}, jpegBytes},
		{"bad timestamp", map[string]string{"location": "kitchen", "timestamp": "last tuesday"}, jpegBytes},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(uploadRequest(t, tc.fields, tc.file))
			assert.Equal(t, http.StatusBadRequest, w.Code, w.Body.String())
		})
	}
	recent, err := e.catalog.ListRecent(context.Background(), 10)
	require.NoError(t, err)
	assert.Empty(t, recent)

	w := e.do(uploadRequest(t, map[string]string{"location": "kitchen", "timestamp": "nope"}, jpegBytes))
	assert.JSONEq(t, `{"error":"Invalid timestamp format. Expected ISO format."}`, w.Body.String())
}

func TestMetadataLookupErrors(t *testing.T) {
	e := newTestEnv(t)
	id := e.upload(t, "kitchen", "2024-05-01T08:00:00Z")

	code, _ := metadata(t, e, id, "?include_description=false&include_vector=false")
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = metadata(t, e, "11111111-2222-3333-4444-555555555555", "")
	assert.Equal(t, http.StatusNotFound, code)

	code, body := metadata(t, e, "not-a-uuid", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, "Image metadata not found", body["error"])

	code, _ = metadata(t, e, id, "?include_vector=maybe")
	assert.Equal(t, http.StatusBadRequest, code)

	code, body = metadata(t, e, id, "")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "description")
	assert.NotContains(t, body, "vector")
}

func TestImageVectorAlias(t *testing.T) {
	e := newTestEnv(t)
	id := e.upload(t, "hall", "2024-05-01T08:00:00Z")

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/image_vector/"+id, nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body vectorView
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Vector, testDim)

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/image_vector/11111111-2222-3333-4444-555555555555", nil))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.JSONEq(t, `{"error":"Image vector not found"}`, w.Body.String())
}

func TestListPhotos(t *testing.T) {
	e := newTestEnv(t)
	older := e.upload(t, "hall", "2024-05-01T08:00:00Z")
	newer := e.upload(t, "kitchen", "2024-05-01T09:00:00Z")

	w := e.do(httptest.NewRequest(http.MethodGet, "/api/photos?count=1", nil))
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Photos []photoView `json:"photos"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Photos, 1)
	assert.Equal(t, newer, body.Photos[0].ImageID)
	assert.NotEqual(t, older, body.Photos[0].ImageID)

	w = e.do(httptest.NewRequest(http.MethodGet, "/api/photos?count=zero", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func askRequestBody(question string, count int) *http.Request {
	b, _ := json.Marshal(map[string]any{"question": question, "count": count})
	req := httptest.NewRequest(http.MethodPost, "/api/ask", bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

type sseEvent struct {
	name string
	text string
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var (
		events []sseEvent
		cur    sseEvent
		data   []string
	)
	sc := bufio.NewScanner(strings.NewReader(body))
	for sc.Scan() {
		line := sc.Text()
		switch {
		case line == "":
			if cur.name != "" || len(data) > 0 {
				var payload sseData
				require.NoError(t, json.Unmarshal([]byte(strings.Join(data, "\n")), &payload))
				cur.text = payload.Text
				events = append(events, cur)
			}
			cur, data = sseEvent{}, nil
		case strings.HasPrefix(line, "event:"):
			cur.name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data = append(data, strings.TrimPrefix(line, "data:"))
		}
	}
	return events
}

func TestAskEmptyCatalog(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(askRequestBody("where is the red bag?", 3))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"message":"No relevant photos found"}`, w.Body.String())
	assert.Equal(t, 0, e.model.calls)
}

func TestAskRejectsEmptyQuestion(t *testing.T) {
	e := newTestEnv(t)
	w := e.do(askRequestBody("  ", 3))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAskStreamsAnswer(t *testing.T) {
	e := newTestEnv(t)
	id := e.upload(t, "kitchen", "2024-05-01T08:00:00Z")
	_, err := e.worker.Process(context.Background(), id)
	require.NoError(t, err)

	w := e.do(askRequestBody("what happened?", 3))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/event-stream")

	events := parseSSE(t, w.Body.String())
	require.Len(t, events, 3)
	assert.Equal(t, sseEvent{"message", "The kitchen "}, events[0])
	assert.Equal(t, sseEvent{"message", "was busy."}, events[1])
	assert.Equal(t, "done", events[2].name)
}

func TestAskStreamsErrorMarker(t *testing.T) {
	e := newTestEnv(t)
	e.model.err = vlm.ErrStreamInterrupted
	id := e.upload(t, "kitchen", "2024-05-01T08:00:00Z")
	_, err := e.worker.Process(context.Background(), id)
	require.NoError(t, err)

	events := parseSSE(t, e.do(askRequestBody("what happened?", 3)).Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, "error", events[len(events)-1].name)
	for _, ev := range events {
		assert.NotEqual(t, "done", ev.name)
	}
}

func TestAskWebsocket(t *testing.T) {
	e := newTestEnv(t)
	srv := httptest.NewServer(e.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/ask/ws", nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	require.NoError(t, conn.WriteJSON(map[string]any{"question": "anyone home?"}))
	var frame wsFrame
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, wsFrame{Type: "message", Text: "No relevant photos found"}, frame)

	id := e.upload(t, "kitchen", "2024-05-01T08:00:00Z")
	_, err = e.worker.Process(context.Background(), id)
	require.NoError(t, err)

	require.NoError(t, conn.WriteJSON(map[string]any{"question": "anyone home?", "count": 2}))
	var frames []wsFrame
	for {
		var f wsFrame
		require.NoError(t, conn.ReadJSON(&f))
		frames = append(frames, f)
		if f.Type != "chunk" {
			break
		}
	}
	require.Len(t, frames, 3)
	assert.Equal(t, "The kitchen ", frames[0].Text)
	assert.Equal(t, "done", frames[2].Type)
}
