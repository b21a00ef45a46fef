package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/strata-labs/researchd/internal/models"
	"github.com/strata-labs/researchd/internal/streaming"
)

// stubService is a canned controller for handler tests.
type stubService struct {
	tasks     map[string]models.Task
	analytics map[string]models.Analytics
	cancelled []string
	startErr  error
}

func newStubService() *stubService {
	return &stubService{
		tasks:     make(map[string]models.Task),
		analytics: make(map[string]models.Analytics),
	}
}

func (s *stubService) StartTask(_ context.Context, topic string, clarifications map[string]string, maxIterations int) (models.Task, error) {
	if s.startErr != nil {
		return models.Task{}, s.startErr
	}
	task := models.NewTask("task-new", topic, clarifications, maxIterations).Snapshot()
	s.tasks[task.ID] = task
	return task, nil
}

func (s *stubService) Snapshot(taskID string) (models.Task, bool) {
	t, ok := s.tasks[taskID]
	return t, ok
}

func (s *stubService) Analytics(taskID string) (models.Analytics, bool) {
	a, ok := s.analytics[taskID]
	return a, ok
}

func (s *stubService) Cancel(taskID string) bool {
	s.cancelled = append(s.cancelled, taskID)
	return true
}

func newTestServer(svc Service) *httptest.Server {
	mux := http.NewServeMux()
	NewHandler(svc, zap.NewNop()).RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func TestCreateResearchTask(t *testing.T) {
	svc := newStubService()
	srv := newTestServer(svc)
	defer srv.Close()

	body := strings.NewReader(`{"topic":"quantum error correction","max_iterations":3}`)
	resp, err := http.Post(srv.URL+"/api/research", "application/json", body)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created createResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	assert.Equal(t, "task-new", created.TaskID)
	assert.Equal(t, "initializing", created.Status)
}

func TestCreateRejectsInvalidBody(t *testing.T) {
	srv := newTestServer(newStubService())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/research", "application/json", strings.NewReader("{broken"))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreatePropagatesValidationError(t *testing.T) {
	svc := newStubService()
	svc.startErr = fmt.Errorf("topic length must be between 3 and 500 characters")
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/research", "application/json", strings.NewReader(`{"topic":"ab"}`))
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetTask(t *testing.T) {
	svc := newStubService()
	task := models.NewTask("task-1", "known topic", nil, 5).Snapshot()
	task.Status = models.StatusSearching
	task.Iteration = 2
	svc.tasks["task-1"] = task
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/research/task-1")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got models.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, "known topic", got.Topic)
	assert.Equal(t, models.StatusSearching, got.Status)
	assert.Equal(t, 2, got.Iteration)
}

func TestGetUnknownTaskIs404(t *testing.T) {
	srv := newTestServer(newStubService())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/research/nope")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCancelRunningTask(t *testing.T) {
	svc := newStubService()
	task := models.NewTask("task-1", "running topic", nil, 5).Snapshot()
	task.Status = models.StatusAnalyzing
	svc.tasks["task-1"] = task
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/research/task-1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, []string{"task-1"}, svc.cancelled)
}

func TestCancelFinishedTaskIsConflict(t *testing.T) {
	svc := newStubService()
	task := models.NewTask("task-1", "done topic", nil, 5).Snapshot()
	task.Status = models.StatusCompleted
	svc.tasks["task-1"] = task
	srv := newTestServer(svc)
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/research/task-1/cancel", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Empty(t, svc.cancelled)
}

func TestAnalyticsLifecycle(t *testing.T) {
	svc := newStubService()
	running := models.NewTask("task-running", "ongoing", nil, 5).Snapshot()
	running.Status = models.StatusAnalyzing
	svc.tasks["task-running"] = running

	done := models.NewTask("task-done", "finished", nil, 5).Snapshot()
	done.Status = models.StatusCompleted
	svc.tasks["task-done"] = done
	svc.analytics["task-done"] = models.Analytics{TaskID: "task-done", TotalFindings: 7}

	srv := newTestServer(svc)
	defer srv.Close()

	// Completed task serves aggregates.
	resp, err := http.Get(srv.URL + "/api/analytics/task-done")
	require.NoError(t, err)
	var aggs models.Analytics
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&aggs))
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 7, aggs.TotalFindings)

	// A known but unfinished task is a conflict.
	resp, err = http.Get(srv.URL + "/api/analytics/task-running")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Unknown task is a miss.
	resp, err = http.Get(srv.URL + "/api/analytics/task-missing")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func newStreamingServer(mgr *streaming.Manager) *httptest.Server {
	mux := http.NewServeMux()
	h := NewStreamingHandler(mgr, zap.NewNop())
	h.heartbeat = 50 * time.Millisecond
	h.RegisterRoutes(mux)
	return httptest.NewServer(mux)
}

func TestSSEDeliversEvents(t *testing.T) {
	mgr := streaming.NewManager(16)
	srv := newStreamingServer(mgr)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream/sse?task_id=task-1", nil)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	// Initial connection comment.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	// Give the subscriber a moment to attach before publishing.
	time.Sleep(20 * time.Millisecond)
	mgr.Publish(streaming.Event{TaskID: "task-1", Type: streaming.TypeAnalysis, Status: models.StatusAnalyzing})

	deadline := time.After(2 * time.Second)
	lines := make(chan string, 16)
	go func() {
		for {
			l, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			lines <- l
		}
	}()

	var sawID, sawEvent, sawData bool
	for !(sawID && sawEvent && sawData) {
		select {
		case l := <-lines:
			switch {
			case strings.HasPrefix(l, "id: "):
				sawID = true
			case strings.HasPrefix(l, "event: analysis"):
				sawEvent = true
			case strings.HasPrefix(l, "data: "):
				sawData = true
				assert.Contains(t, l, `"task_id":"task-1"`)
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE event")
		}
	}
}

func TestSSERequiresTaskID(t *testing.T) {
	srv := newStreamingServer(streaming.NewManager(16))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSSEReplaysFromLastEventID(t *testing.T) {
	mgr := streaming.NewManager(16)
	for i := 1; i <= 3; i++ {
		mgr.Publish(streaming.Event{TaskID: "task-1", Type: streaming.TypeStatus})
	}
	srv := newStreamingServer(mgr)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/stream/sse?task_id=task-1", nil)
	req.Header.Set("Last-Event-ID", "1")
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	resp, err := http.DefaultClient.Do(req.WithContext(ctx))
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	var ids []string
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			break
		}
		if strings.HasPrefix(line, "id: ") {
			ids = append(ids, strings.TrimSpace(strings.TrimPrefix(line, "id: ")))
		}
		if len(ids) == 2 {
			break
		}
	}
	// Events 2 and 3 replay; event 1 is behind the cursor.
	assert.Equal(t, []string{"2", "3"}, ids)
}

func TestWebSocketDeliversEvents(t *testing.T) {
	mgr := streaming.NewManager(16)
	srv := newStreamingServer(mgr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?task_id=task-1"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	mgr.Publish(streaming.Event{TaskID: "task-1", Type: streaming.TypeReport, Status: models.StatusReporting})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt streaming.Event
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "task-1", evt.TaskID)
	assert.Equal(t, streaming.TypeReport, evt.Type)
}

func TestWebSocketTypeFilter(t *testing.T) {
	mgr := streaming.NewManager(16)
	srv := newStreamingServer(mgr)
	defer srv.Close()

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?task_id=task-1&types=report"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	time.Sleep(20 * time.Millisecond)
	mgr.Publish(streaming.Event{TaskID: "task-1", Type: streaming.TypeStatus})
	mgr.Publish(streaming.Event{TaskID: "task-1", Type: streaming.TypeReport})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var evt streaming.Event
	require.NoError(t, conn.ReadJSON(&evt))
	// The status event is filtered out; the first frame is the report.
	assert.Equal(t, streaming.TypeReport, evt.Type)
}
