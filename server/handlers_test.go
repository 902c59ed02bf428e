package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"lbc_ingest/captcha"
	"lbc_ingest/models"
	"lbc_ingest/runs"
	"lbc_ingest/settings"
	"lbc_ingest/storage"
	"lbc_ingest/token"
)

type fakeStarter struct {
	id  uuid.UUID
	err error
}

func (f *fakeStarter) ExecuteAsync(ctx context.Context) (uuid.UUID, error) {
	return f.id, f.err
}

type fakeToken struct {
	current    string
	captureErr error
}

func (f *fakeToken) Capture(ctx context.Context) (string, error) {
	if f.captureErr != nil {
		return "", f.captureErr
	}
	f.current = "captured-token"
	return f.current, nil
}

func (f *fakeToken) Current(ctx context.Context) (string, error) {
	return f.current, nil
}

type testEnv struct {
	echo    *echo.Echo
	store   *storage.MemoryStore
	runs    *runs.Manager
	starter *fakeStarter
	token   *fakeToken
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := storage.NewMemoryStore()
	runManager := runs.NewManager(store)
	channel := captcha.NewChannel(store, runManager)
	starter := &fakeStarter{id: uuid.New()}
	tok := &fakeToken{}

	e := echo.New()
	New(store, runManager, channel, starter, tok, nil).RegisterRoutes(e)
	return &testEnv{echo: e, store: store, runs: runManager, starter: starter, token: tok}
}

func (env *testEnv) do(method, target, body string) *httptest.ResponseRecorder {
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, reader)
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	rec := httptest.NewRecorder()
	env.echo.ServeHTTP(rec, req)
	return rec
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, out any) {
	t.Helper()
	var resp struct {
		Data  json.RawMessage `json:"data"`
		Error *apiError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v\nbody: %s", err, rec.Body.String())
	}
	if resp.Error != nil {
		t.Fatalf("unexpected API error: %s %s", resp.Error.Code, resp.Error.Message)
	}
	if out != nil {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			t.Fatalf("decode data: %v", err)
		}
	}
}

func TestStartRun(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/runs", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}
	var data map[string]string
	decodeData(t, rec, &data)
	if data["id"] != env.starter.id.String() {
		t.Fatalf("id = %q", data["id"])
	}
}

func TestStartRunConflict(t *testing.T) {
	env := newTestEnv(t)
	env.starter.err = runs.ErrConflict

	rec := env.do(http.MethodPost, "/runs", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "run_conflict") {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestGetRunNotFound(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodGet, "/runs/"+uuid.NewString(), "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}

	rec = env.do(http.MethodGet, "/runs/not-a-uuid", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestAbortRunLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.runs.Start(ctx, settings.Defaults())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := env.do(http.MethodPost, "/runs/"+id.String()+"/abort", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	run, _ := env.runs.Get(ctx, id)
	if run.Status != models.RunStatusAborted {
		t.Fatalf("status = %s, want aborted", run.Status)
	}

	// A second abort hits a terminal run.
	rec = env.do(http.MethodPost, "/runs/"+id.String()+"/abort", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestRunLogsRendering(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.runs.Start(ctx, settings.Defaults())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	rec := env.do(http.MethodGet, "/runs/"+id.String()+"/logs", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "(no output yet)") {
		t.Fatalf("empty log render: %q", rec.Body.String())
	}
	if !strings.Contains(rec.Body.String(), "started ") {
		t.Fatalf("render missing start timestamp: %q", rec.Body.String())
	}

	if err := env.runs.Advance(ctx, id, 0.4, "collecting", "fetching page 1"); err != nil {
		t.Fatalf("Advance: %v", err)
	}
	if err := env.runs.AppendLog(ctx, id, "page 1: 20 collected"); err != nil {
		t.Fatalf("AppendLog: %v", err)
	}
	rec = env.do(http.MethodGet, "/runs/"+id.String()+"/logs", "")
	body := rec.Body.String()
	if !strings.Contains(body, "page 1: 20 collected") {
		t.Fatalf("mid-run render: %q", body)
	}
	if !strings.Contains(body, "step collecting: fetching page 1") {
		t.Fatalf("render missing current step and message: %q", body)
	}
	if strings.Contains(body, "run finished") || strings.Contains(body, "finished ") {
		t.Fatalf("finish markers should only render once terminal: %q", body)
	}

	if err := env.runs.Complete(ctx, id, models.RunStatusError, "boom", storage.RunTotals{}); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	rec = env.do(http.MethodGet, "/runs/"+id.String()+"/logs", "")
	body = rec.Body.String()
	if !strings.Contains(body, "run finished: error") || !strings.Contains(body, "boom") {
		t.Fatalf("terminal render: %q", body)
	}
	if !strings.Contains(body, "finished ") {
		t.Fatalf("render missing finish timestamp: %q", body)
	}
}

func TestUpdateAndListSettings(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/settings", `{"max_pages":"25","rotate_ip":"true"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", rec.Code, rec.Body.String())
	}

	var list []models.Setting
	decodeData(t, env.do(http.MethodGet, "/settings", ""), &list)
	values := make(map[string]string)
	for _, setting := range list {
		if setting.Value != nil {
			values[setting.Key] = *setting.Value
		}
	}
	if values["max_pages"] != "25" || values["rotate_ip"] != "true" {
		t.Fatalf("settings = %v", values)
	}

	snap, err := settings.Resolve(context.Background(), env.store)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if snap.MaxPages != 25 || !snap.RotateIP {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestUpdateSettingsEmptyBody(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/settings", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCaptchaNotifyCheckClear(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(http.MethodPost, "/captcha/notify", `{"challenge_type":"datadome","details":"manual report"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var check struct {
		Pending      bool                        `json:"pending"`
		Notification *models.CaptchaNotification `json:"notification"`
	}
	decodeData(t, env.do(http.MethodGet, "/captcha/check", ""), &check)
	if !check.Pending || check.Notification == nil {
		t.Fatalf("check = %+v", check)
	}
	if check.Notification.ChallengeType != "datadome" {
		t.Fatalf("challenge type = %q", check.Notification.ChallengeType)
	}

	if rec := env.do(http.MethodDelete, "/captcha/check", ""); rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}

	decodeData(t, env.do(http.MethodGet, "/captcha/check", ""), &check)
	if check.Pending {
		t.Fatal("notification should be cleared")
	}
}

func TestCaptchaNotifyWithRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, err := env.runs.Start(ctx, settings.Defaults())
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := env.runs.UpdateTotals(ctx, id, storage.RunTotals{TotalCollected: 12, CreatedCount: 7, UpdatedCount: 5}); err != nil {
		t.Fatalf("UpdateTotals: %v", err)
	}

	rec := env.do(http.MethodPost, "/captcha/notify", `{"challenge_type":"datadome","run_id":"`+id.String()+`"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	run, _ := env.runs.Get(ctx, id)
	if run.Status != models.RunStatusCaptchaDetected {
		t.Fatalf("status = %s, want captcha_detected", run.Status)
	}
	if run.TotalCollected != 12 || run.CreatedCount != 7 || run.UpdatedCount != 5 {
		t.Fatalf("tallies lost: %d/%d/%d", run.TotalCollected, run.CreatedCount, run.UpdatedCount)
	}

	rec = env.do(http.MethodPost, "/captcha/notify", `{"challenge_type":"datadome","run_id":"`+uuid.NewString()+`"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404 for unknown run", rec.Code)
	}
}

func TestCaptchaNotifyRequiresType(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/captcha/notify", `{"details":"no type"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestTokenStatusAndCapture(t *testing.T) {
	env := newTestEnv(t)

	var status map[string]any
	decodeData(t, env.do(http.MethodGet, "/token", ""), &status)
	if status["present"] != false {
		t.Fatalf("status = %v", status)
	}

	if rec := env.do(http.MethodPost, "/token/capture", ""); rec.Code != http.StatusOK {
		t.Fatalf("capture status = %d", rec.Code)
	}

	decodeData(t, env.do(http.MethodGet, "/token", ""), &status)
	if status["present"] != true {
		t.Fatalf("status = %v", status)
	}
}

func TestTokenCaptureNotFound(t *testing.T) {
	env := newTestEnv(t)
	env.token.captureErr = token.ErrTokenNotFound

	rec := env.do(http.MethodPost, "/token/capture", "")
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
}

func TestClearCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	id, _ := env.runs.Start(ctx, settings.Defaults())
	env.runs.Abort(ctx, id)
	env.store.UpsertListing(ctx, &models.ExternalListing{ID: uuid.New(), Hash: "h1", Title: "x"})

	rec := env.do(http.MethodDelete, "/cache", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}
	if list, _ := env.runs.List(ctx, 10); len(list) != 0 {
		t.Fatalf("%d runs remain", len(list))
	}
	if count, _ := env.store.CountListings(ctx); count != 1 {
		t.Fatal("listings should survive a plain cache clear")
	}

	rec = env.do(http.MethodDelete, "/cache?listings=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if count, _ := env.store.CountListings(ctx); count != 0 {
		t.Fatalf("%d listings remain", count)
	}
}

func TestPhotoArchiveNotConfigured(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(http.MethodPost, "/photos/archive", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
