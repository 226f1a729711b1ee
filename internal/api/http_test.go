package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-contrib/sessions/cookie"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourusername/call-intake/internal/auth"
	"github.com/yourusername/call-intake/internal/callsapi"
	"github.com/yourusername/call-intake/internal/intake"
	"github.com/yourusername/call-intake/internal/jobs"
	"github.com/yourusername/call-intake/internal/staging"
)

type stubScheduler struct {
	reg        *Registry
	queueID    string
	credential string
	scheduled  int
	err        error
}

// Schedule は jobs.Manager と同じく投入前にキューを確保します。
func (s *stubScheduler) Schedule(ctx context.Context, queueID, credential string) (string, error) {
	jobID := fmt.Sprintf("job-%d", s.scheduled+1)
	if s.reg != nil {
		if err := s.reg.Reserve(queueID, jobID); err != nil {
			return "", err
		}
	}
	s.scheduled++
	s.queueID = queueID
	s.credential = credential
	return jobID, s.err
}

type stubCalls struct {
	calls []callsapi.Call
	err   error
}

func (s *stubCalls) List(ctx context.Context, token string) ([]callsapi.Call, error) {
	return s.calls, s.err
}

func (s *stubCalls) Get(ctx context.Context, token, id string) (*callsapi.Call, error) {
	if s.err != nil {
		return nil, s.err
	}
	for i := range s.calls {
		if s.calls[i].ID.String() == id {
			return &s.calls[i], nil
		}
	}
	return nil, &intake.TransportError{Status: http.StatusNotFound, Message: "Call not found"}
}

func (s *stubCalls) SyncCRM(ctx context.Context, token, id string) (*callsapi.Call, error) {
	return s.Get(ctx, token, id)
}

type stubLookup map[string]*jobs.Record

func (s stubLookup) GetRecord(ctx context.Context, jobID string) (*jobs.Record, error) {
	return s[jobID], nil
}

type testServer struct {
	router *gin.Engine
	reg    *Registry
}

func newTestServer(t *testing.T, maxFiles int, analyzer intake.Analyzer, opts HandlerOptions, calls CallsService) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	reg := NewRegistry(staging.New(t.TempDir()), analyzer, maxFiles, intake.NewValidator(), nil, intake.WithTickInterval(time.Millisecond))
	authManager := auth.NewManager(nil, nil)

	router := gin.New()
	router.Use(sessions.Sessions(auth.SessionCookieName, cookie.NewStore([]byte("test-secret"))))
	router.POST("/api/intake/analyze-anonymous", AnalyzeHandler(reg, opts))

	protected := router.Group("/api")
	protected.Use(authManager.RequireCredential(), authManager.VerifyCSRF())
	protected.POST("/intake/files", AddFilesHandler(reg))
	protected.GET("/intake/queue", QueueHandler(reg))
	protected.DELETE("/intake/queue", ResetHandler(reg))
	protected.POST("/intake/analyze", AnalyzeHandler(reg, opts))
	protected.GET("/jobs/:id", JobStatusHandler(stubLookup{"job-1": {JobID: "job-1", Status: jobs.StatusRunning}}))
	protected.GET("/calls", ListCallsHandler(calls))
	protected.GET("/calls/:id", GetCallHandler(calls))
	protected.POST("/calls/:id/sync-crm", SyncCRMHandler(calls))
	return &testServer{router: router, reg: reg}
}

func (s *testServer) do(method, path, queueID string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, body)
	req.Header.Set("Authorization", "Bearer tok")
	if queueID != "" {
		req.Header.Set(QueueHeader, queueID)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) upload(t *testing.T, queueID string, files map[string]string, order ...string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for _, name := range order {
		part, err := writer.CreateFormFile("files[]", name)
		require.NoError(t, err)
		_, err = io.WriteString(part, files[name])
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())

	rec := s.do(http.MethodPost, "/api/intake/files", queueID, body, writer.FormDataContentType())
	var payload map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &payload)
	return rec, payload
}

func analyzerByName(failing string) intake.Analyzer {
	return intake.AnalyzerFunc(func(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
		if file.Name == failing {
			return nil, &intake.TransportError{Status: http.StatusInternalServerError, Message: "transcription failed"}
		}
		rc, err := file.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		data, _ := io.ReadAll(rc)
		return &intake.Analysis{
			CallID: "call-" + string(data),
			Record: intake.ProjectValue(nil),
		}, nil
	})
}

func TestAddFilesAdmitsAndRejects(t *testing.T) {
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName(""), HandlerOptions{}, &stubCalls{})

	rec, payload := srv.upload(t, "", map[string]string{
		"a.mp3": "a", "b.pdf": "b", "c.txt": "c",
	}, "a.mp3", "b.pdf", "c.txt")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "2/10 files queued", payload["label"])
	assert.Len(t, payload["admitted"], 2)
	rejected := payload["rejected"].([]any)
	require.Len(t, rejected, 1)
	assert.Equal(t, "UNSUPPORTED_FORMAT", rejected[0].(map[string]any)["reason"])
	assert.Equal(t, "Unsupported format for b.pdf.", rejected[0].(map[string]any)["message"])

	queueID := payload["queueId"].(string)
	manifest, err := srv.reg.Stager().Manifest(queueID)
	require.NoError(t, err)
	require.Len(t, manifest.Files, 2)
	assert.Equal(t, "a.mp3", manifest.Files[0].OriginalName)
	assert.Equal(t, "c.txt", manifest.Files[1].OriginalName)
}

func TestAddFilesDropsOverCapacity(t *testing.T) {
	srv := newTestServer(t, 2, analyzerByName(""), HandlerOptions{}, &stubCalls{})

	rec, payload := srv.upload(t, "", map[string]string{"a.mp3": "a", "b.mp3": "b", "c.mp3": "c"}, "a.mp3", "b.mp3", "c.mp3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["dropped"])
	assert.Equal(t, "2/2 files queued", payload["label"])

	queueID := payload["queueId"].(string)
	rec, payload = srv.upload(t, queueID, map[string]string{"d.mp3": "d"}, "d.mp3")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(1), payload["dropped"])
	assert.Empty(t, payload["admitted"])
}

func TestAnalyzeSyncRun(t *testing.T) {
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName("a.mp3"), HandlerOptions{}, &stubCalls{})
	_, payload := srv.upload(t, "", map[string]string{"a.mp3": "a", "b.wav": "b"}, "a.mp3", "b.wav")
	queueID := payload["queueId"].(string)

	rec := srv.do(http.MethodPost, "/api/intake/analyze", queueID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Result intake.RunResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 1, body.Result.Analyzed)
	assert.Equal(t, 1, body.Result.Failed)
	assert.Equal(t, "call-b", body.Result.NavigateTo)
	require.Len(t, body.Result.Items, 2)
	assert.Equal(t, intake.StatusFailed, body.Result.Items[0].Status)
	assert.Equal(t, "transcription failed", body.Result.Items[0].Error)
	assert.Equal(t, intake.StatusAnalyzed, body.Result.Items[1].Status)
	assert.Equal(t, 100, body.Result.Items[1].Progress)
}

func TestAnalyzeRequiresCredential(t *testing.T) {
	called := false
	analyzer := intake.AnalyzerFunc(func(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
		called = true
		return nil, errors.New("unexpected")
	})
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzer, HandlerOptions{}, &stubCalls{})

	req := httptest.NewRequest(http.MethodPost, "/api/intake/analyze-anonymous", nil)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "UNAUTHENTICATED")
	assert.False(t, called)
}

func TestAnalyzeEmptyQueue(t *testing.T) {
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName(""), HandlerOptions{}, &stubCalls{})
	rec := srv.do(http.MethodPost, "/api/intake/analyze", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "EMPTY_QUEUE")
}

func TestAnalyzeAsyncSchedulesJob(t *testing.T) {
	scheduler := &stubScheduler{}
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName(""), HandlerOptions{Scheduler: scheduler}, &stubCalls{})

	rec := srv.do(http.MethodPost, "/api/intake/analyze", "", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	_, payload := srv.upload(t, "", map[string]string{"a.mp3": "a"}, "a.mp3")
	queueID := payload["queueId"].(string)

	rec = srv.do(http.MethodPost, "/api/intake/analyze", queueID, nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"jobId":"job-1","queueId":"`+queueID+`"}`, rec.Body.String())
	assert.Equal(t, queueID, scheduler.queueID)
	assert.Equal(t, "tok", scheduler.credential)

	rec = srv.do(http.MethodGet, "/api/jobs/job-1", "", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = srv.do(http.MethodGet, "/api/jobs/job-2", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestResetWhileBusyIsRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	analyzer := intake.AnalyzerFunc(func(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
		close(started)
		<-release
		return &intake.Analysis{CallID: "1", Record: intake.ProjectValue(nil)}, nil
	})
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzer, HandlerOptions{}, &stubCalls{})
	_, payload := srv.upload(t, "", map[string]string{"a.mp3": "a"}, "a.mp3")
	queueID := payload["queueId"].(string)

	done := make(chan *httptest.ResponseRecorder)
	go func() {
		done <- srv.do(http.MethodPost, "/api/intake/analyze", queueID, nil, "")
	}()
	<-started

	rec := srv.do(http.MethodDelete, "/api/intake/queue", queueID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_BUSY")

	rec, _ = srv.upload(t, queueID, map[string]string{"b.mp3": "b"}, "b.mp3")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = srv.do(http.MethodGet, "/api/intake/queue", queueID, nil, "")
	assert.Contains(t, rec.Body.String(), `"busy":true`)

	close(release)
	require.Equal(t, http.StatusOK, (<-done).Code)

	rec = srv.do(http.MethodDelete, "/api/intake/queue", queueID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "0/10 files queued")
	_, err := srv.reg.Stager().Manifest(queueID)
	assert.Error(t, err)
}

func TestRegistryRestoresStagedQueue(t *testing.T) {
	dir := t.TempDir()
	stager := staging.New(dir)
	first := NewRegistry(stager, analyzerByName(""), 10, intake.NewValidator(), nil)
	queueID, orch := first.Create()
	f, err := stager.Stage(queueID, "a.mp3", "", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = orch.Queue().Admit([]intake.File{f})
	require.NoError(t, err)

	second := NewRegistry(staging.New(dir), analyzerByName(""), 10, intake.NewValidator(), nil)
	restored, err := second.Get(queueID)
	require.NoError(t, err)
	require.Equal(t, 1, restored.Queue().Len())

	res, err := second.RunQueue(context.Background(), queueID, "", "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, "call-a", res.NavigateTo)

	_, err = second.Get("6f1c2a55-0000-4000-8000-000000000000")
	assert.ErrorIs(t, err, intake.ErrQueueNotFound)
	_, err = second.Get("../../etc")
	assert.ErrorIs(t, err, intake.ErrQueueNotFound)
}

func TestCallsHandlers(t *testing.T) {
	calls := &stubCalls{calls: []callsapi.Call{
		{ID: "42", FileName: "a.mp3", Status: "analyzed", Transcript: "hello", Analysis: json.RawMessage(`{"scores": {"closing_probability": 74}}`)},
		{ID: "43", FileName: "b.mp3", Status: "failed", Analysis: json.RawMessage(`"oops"`)},
	}}
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName(""), HandlerOptions{}, calls)

	rec := srv.do(http.MethodGet, "/api/calls", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Calls []callView `json:"calls"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list.Calls, 2)
	assert.Equal(t, "74", list.Calls[0].Analysis.Scores.ClosingProbability.String())
	assert.Empty(t, list.Calls[0].Transcript)
	assert.Nil(t, list.Calls[1].Analysis)
	assert.NotEmpty(t, list.Calls[1].AnalysisError)

	rec = srv.do(http.MethodGet, "/api/calls/42", "", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"transcript":"hello"`)

	rec = srv.do(http.MethodPost, "/api/calls/99/sync-crm", "", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Contains(t, rec.Body.String(), "CALL_NOT_FOUND")

	calls.err = &intake.AuthError{Status: http.StatusUnauthorized, Message: "expired"}
	rec = srv.do(http.MethodGet, "/api/calls", "", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	calls.err = &intake.TransportError{Status: http.StatusServiceUnavailable, Message: "maintenance"}
	rec = srv.do(http.MethodGet, "/api/calls", "", nil, "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Contains(t, rec.Body.String(), "maintenance")
}

func TestRestoredQueueSkipsAnalyzedItems(t *testing.T) {
	dir := t.TempDir()
	var uploads []string
	analyzer := intake.AnalyzerFunc(func(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
		uploads = append(uploads, file.Name)
		if file.Name == "b.mp3" && len(uploads) == 2 {
			return nil, &intake.TransportError{Status: http.StatusInternalServerError, Message: "transcription failed"}
		}
		return &intake.Analysis{CallID: "call-" + file.Name, Record: intake.ProjectValue(nil)}, nil
	})

	first := NewRegistry(staging.New(dir), analyzer, 10, intake.NewValidator(), nil, intake.WithTickInterval(time.Millisecond))
	queueID, orch := first.Create()
	var files []intake.File
	for _, name := range []string{"a.mp3", "b.mp3"} {
		f, err := first.Stager().Stage(queueID, name, "", strings.NewReader(name))
		require.NoError(t, err)
		files = append(files, f)
	}
	_, err := orch.Queue().Admit(files)
	require.NoError(t, err)

	res, err := first.RunQueue(context.Background(), queueID, "", "tok", nil)
	require.NoError(t, err)
	require.Equal(t, 1, res.Analyzed)
	require.Equal(t, 1, res.Failed)

	// 再起動後の Registry は結果をマニフェストから引き継ぐ
	second := NewRegistry(staging.New(dir), analyzer, 10, intake.NewValidator(), nil, intake.WithTickInterval(time.Millisecond))
	restored, err := second.Get(queueID)
	require.NoError(t, err)
	items := restored.Queue().Items()
	require.Len(t, items, 2)
	assert.Equal(t, intake.StatusAnalyzed, items[0].Status)
	assert.Equal(t, "call-a.mp3", items[0].CallID)
	assert.Equal(t, intake.StatusFailed, items[1].Status)
	assert.Equal(t, "transcription failed", items[1].Error)

	res, err = second.RunQueue(context.Background(), queueID, "", "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 1, res.Analyzed)
	assert.Equal(t, []string{"a.mp3", "b.mp3", "b.mp3"}, uploads)
}

func TestAnalyzeSyncRunOutlivesClientDisconnect(t *testing.T) {
	reqCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	analyzer := intake.AnalyzerFunc(func(ctx context.Context, credential string, file intake.File) (*intake.Analysis, error) {
		if file.Name == "a.mp3" {
			cancel()
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return &intake.Analysis{CallID: "call-" + file.Name, Record: intake.ProjectValue(nil)}, nil
	})
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzer, HandlerOptions{}, &stubCalls{})
	_, payload := srv.upload(t, "", map[string]string{"a.mp3": "a", "b.mp3": "b", "c.mp3": "c"}, "a.mp3", "b.mp3", "c.mp3")
	queueID := payload["queueId"].(string)

	req := httptest.NewRequest(http.MethodPost, "/api/intake/analyze", nil).WithContext(reqCtx)
	req.Header.Set("Authorization", "Bearer tok")
	req.Header.Set(QueueHeader, queueID)
	rec := httptest.NewRecorder()
	srv.router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var body struct {
		Result intake.RunResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 3, body.Result.Analyzed)
	assert.Zero(t, body.Result.Failed)
}

func TestAnalyzeAsyncRejectsSecondRequest(t *testing.T) {
	scheduler := &stubScheduler{}
	srv := newTestServer(t, intake.DefaultMaxFiles, analyzerByName(""), HandlerOptions{Scheduler: scheduler}, &stubCalls{})
	scheduler.reg = srv.reg
	_, payload := srv.upload(t, "", map[string]string{"a.mp3": "a"}, "a.mp3")
	queueID := payload["queueId"].(string)

	rec := srv.do(http.MethodPost, "/api/intake/analyze", queueID, nil, "")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = srv.do(http.MethodPost, "/api/intake/analyze", queueID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Contains(t, rec.Body.String(), "QUEUE_BUSY")
	assert.Equal(t, 1, scheduler.scheduled)

	rec = srv.do(http.MethodDelete, "/api/intake/queue", queueID, nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	rec, _ = srv.upload(t, queueID, map[string]string{"b.mp3": "b"}, "b.mp3")
	assert.Equal(t, http.StatusConflict, rec.Code)

	// ジョブが実行されると確保は解除される
	res, err := srv.reg.RunQueue(context.Background(), queueID, "job-1", "tok", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Analyzed)
	rec = srv.do(http.MethodDelete, "/api/intake/queue", queueID, nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegistryConcurrentRestoreYieldsOneQueue(t *testing.T) {
	dir := t.TempDir()
	first := NewRegistry(staging.New(dir), analyzerByName(""), 10, intake.NewValidator(), nil)
	queueID, orch := first.Create()
	f, err := first.Stager().Stage(queueID, "a.mp3", "", strings.NewReader("a"))
	require.NoError(t, err)
	_, err = orch.Queue().Admit([]intake.File{f})
	require.NoError(t, err)

	second := NewRegistry(staging.New(dir), analyzerByName(""), 10, intake.NewValidator(), nil)
	const n = 8
	got := make([]*intake.Orchestrator, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o, err := second.Get(queueID)
			if assert.NoError(t, err) {
				got[i] = o
			}
		}()
	}
	wg.Wait()

	for i := 1; i < n; i++ {
		assert.Same(t, got[0], got[i])
	}
	assert.Equal(t, 1, got[0].Queue().Len())
}
