package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/mediacrawler/harvester/internal/credential"
	"github.com/mediacrawler/harvester/internal/httpapi"
	"github.com/mediacrawler/harvester/internal/journal"
	"github.com/mediacrawler/harvester/internal/login"
	"github.com/mediacrawler/harvester/internal/model"
	"github.com/mediacrawler/harvester/internal/platform"
	"github.com/mediacrawler/harvester/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// qrDriver serves a qr challenge and reports a login once loggedIn is set.
type qrDriver struct {
	mx       sync.Mutex
	loggedIn bool
}

func (d *qrDriver) login() {
	d.mx.Lock()
	defer d.mx.Unlock()
	d.loggedIn = true
}

func (d *qrDriver) NavigateToLogin(context.Context) (string, error) {
	return "https://login.example/", nil
}

func (d *qrDriver) CaptureChallengeImage(context.Context) ([]byte, error) {
	return []byte("png"), nil
}

func (d *qrDriver) SwitchMode(context.Context, model.LoginMode) error { return nil }
func (d *qrDriver) FillIdentifier(context.Context, string) error { return nil }
func (d *qrDriver) RequestCode(context.Context) error { return nil }
func (d *qrDriver) FillCode(context.Context, string) error { return nil }
func (d *qrDriver) Submit(context.Context) error { return nil }
func (d *qrDriver) WaitForSuccess(context.Context) (bool, error) { return true, nil }
func (d *qrDriver) Close() error { return nil }
func (d *qrDriver) Cookies(context.Context) ([]login.Cookie, error) {
	d.mx.Lock()
	defer d.mx.Unlock()
	if d.loggedIn {
		return []login.Cookie{{Name: "web_session", Value: "user"}}, nil
	}
	return []login.Cookie{{Name: "web_session", Value: "guest"}}, nil
}

type fixture struct {
	srv   *httptest.Server
	cache *credential.Cache
	drv   *qrDriver
}

func newFixture(t *testing.T, script string) fixture {
	t.Helper()
	return newPushFixture(t, script, 10*time.Millisecond)
}

func newPushFixture(t *testing.T, script string, push time.Duration) fixture {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not available")
	}
	dir := t.TempDir()
	cache, err := credential.NewCache(filepath.Join(dir, "cookies"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = cache.Close() })

	journals := journal.NewRegistry()
	orch := service.NewOrchestrator(service.Options{
		Crawler: model.Crawler{Command: []string{sh, "-c", script, "crawler"}, Dir: dir, BrowserData: "browser_data"},
	}, nil, journals, cache, nil)

	drv := &qrDriver{}
	logins, err := login.NewManager(login.Options{
		Dir:  filepath.Join(dir, "logs"),
		Poll: 10 * time.Millisecond,
		Factory: func(context.Context, platform.Descriptor) (login.Driver, error) {
			return drv, nil
		},
	}, cache, journals)
	require.NoError(t, err)

	srv := httptest.NewServer(httpapi.Server{
		Jobs:    orch,
		Logins:  logins,
		Cookies: cache,
		Push:    push,
		Version: "test",
	}.Router())
	t.Cleanup(func() {
		srv.Close()
		orch.Close(context.Background())
		_ = logins.Close(context.Background())
	})
	return fixture{srv: srv, cache: cache, drv: drv}
}

func (f fixture) do(t *testing.T, method, path string, body any) (int, map[string]any) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(t.Context(), method, f.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Close = true
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		var raw any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
		if m, ok := raw.(map[string]any); ok {
			out = m
		} else {
			out = map[string]any{"items": raw}
		}
	}
	return resp.StatusCode, out
}

func (f fixture) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.srv.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.DialContext(t.Context(), url, nil)
	require.NoError(t, err)
	_ = resp.Body.Close()
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func searchBody() map[string]any {
	return map[string]any{
		"platform":   "xhs",
		"job_type":   "search",
		"target_set": map[string]any{"keywords": []string{"coffee"}},
		"limits":     map[string]any{"max_items": 5, "max_comments": 0},
	}
}

func TestHealthAndPlatforms(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	code, body := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "test", body["version"])

	code, body = f.do(t, http.MethodGet, "/api/v1/platforms", nil)
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["items"], len(platform.All()))
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t, `
echo "开始爬取"
echo "已爬取 2/5"
echo "保存完成"
`)

	code, body := f.do(t, http.MethodPost, "/api/v1/tasks", searchBody())
	require.Equal(t, http.StatusCreated, code)
	id, _ := body["task_id"].(string)
	require.NotEmpty(t, id)

	conn := f.dial(t, "/api/v1/tasks/"+id+"/ws")
	var last model.JobStatus
	for {
		var st model.JobStatus
		if err := conn.ReadJSON(&st); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		last = st
	}
	require.True(t, last.Done)
	require.NotNil(t, last.Success)
	require.True(t, *last.Success)

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "completed", body["status"])

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["success"])

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/events?limit=2", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 2, body["total"])

	code, body = f.do(t, http.MethodGet, "/api/v1/system/stats", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["successful_tasks"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/stop", nil)
	require.Equal(t, http.StatusNotFound, code)

	// the job goroutine may still be returning after the result is stored
	removed := 0.0
	for range 100 {
		code, body = f.do(t, http.MethodPost, "/api/v1/system/cleanup?keep=0", nil)
		require.Equal(t, http.StatusOK, code)
		if removed = body["removed"].(float64); removed > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	require.EqualValues(t, 1, removed)

	code, _ = f.do(t, http.MethodGet, "/api/v1/tasks/"+id, nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestTaskStop(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "exec sleep 30")

	code, body := f.do(t, http.MethodPost, "/api/v1/tasks", searchBody())
	require.Equal(t, http.StatusCreated, code)
	id := body["task_id"].(string)

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks", nil)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["total"])

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/result", nil)
	require.Equal(t, http.StatusAccepted, code)
	require.Equal(t, "running", body["status"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/tasks/"+id+"/stop", nil)
	require.Equal(t, http.StatusOK, code)

	code, body = f.do(t, http.MethodGet, "/api/v1/tasks/"+id+"/result", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["success"])
	require.Equal(t, service.MsgStopped, body["message"])
}

func TestTaskErrors(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	var testCases = []struct {
		scenario string
		method   string
		path     string
		body     any
		code     int
		field    string
	}{
		{"missing keywords", http.MethodPost, "/api/v1/tasks", map[string]any{"platform": "xhs", "job_type": "search"}, http.StatusBadRequest, "keywords"},
		{"unknown platform", http.MethodPost, "/api/v1/tasks", map[string]any{"platform": "myspace", "job_type": "search", "target_set": map[string]any{"keywords": []string{"a"}}}, http.StatusBadRequest, "platform"},
		{"unknown field", http.MethodPost, "/api/v1/tasks", map[string]any{"bogus": 1}, http.StatusBadRequest, ""},
		{"unknown task", http.MethodGet, "/api/v1/tasks/nope/result", nil, http.StatusNotFound, ""},
		{"unknown events", http.MethodGet, "/api/v1/tasks/nope/events", nil, http.StatusNotFound, ""},
		{"bad limit", http.MethodGet, "/api/v1/tasks/nope/events?limit=x", nil, http.StatusBadRequest, "limit"},
	}
	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			code, body := f.do(t, tc.method, tc.path, tc.body)
			require.Equal(t, tc.code, code)
			require.NotEmpty(t, body["error"])
			if tc.field != "" {
				require.Equal(t, tc.field, body["field"])
			}
		})
	}
}

func TestCookies(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	code, _ := f.do(t, http.MethodPost, "/api/v1/cookies/bili", map[string]any{"cookies": ""})
	require.Equal(t, http.StatusBadRequest, code)
	code, _ = f.do(t, http.MethodPost, "/api/v1/cookies/bili", map[string]any{"cookies": "SESSDATA=x"})
	require.Equal(t, http.StatusOK, code)

	code, body := f.do(t, http.MethodGet, "/api/v1/cookies/bili", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["is_valid"])

	code, body = f.do(t, http.MethodGet, "/api/v1/cookies", nil)
	require.Equal(t, http.StatusOK, code)
	require.Contains(t, body, "bili")

	code, _ = f.do(t, http.MethodDelete, "/api/v1/cookies/bili", nil)
	require.Equal(t, http.StatusOK, code)
	code, body = f.do(t, http.MethodGet, "/api/v1/cookies/bili", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["has_cache"])

	code, _ = f.do(t, http.MethodGet, "/api/v1/cookies/myspace", nil)
	require.Equal(t, http.StatusBadRequest, code)
}

func TestLoginCredential(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	create := map[string]any{"task_id": "j1", "platform": "bili", "login_type": "credential_blob", "cookies": "SESSDATA=x"}
	code, body := f.do(t, http.MethodPost, "/api/v1/login/sessions", create)
	require.Equal(t, http.StatusCreated, code)
	require.Equal(t, "pending", body["status"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/login/sessions", create)
	require.Equal(t, http.StatusConflict, code)

	code, body = f.do(t, http.MethodPost, "/api/v1/login/sessions/j1/start", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "success", body["status"])

	code, body = f.do(t, http.MethodGet, "/api/v1/login/sessions/j1/cookies", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "SESSDATA=x", body["cookies"])

	code, _ = f.do(t, http.MethodPost, "/api/v1/login/sessions/j1/refresh", nil)
	require.Equal(t, http.StatusBadRequest, code)

	code, _ = f.do(t, http.MethodDelete, "/api/v1/login/sessions/j1", nil)
	require.Equal(t, http.StatusOK, code)
	code, _ = f.do(t, http.MethodGet, "/api/v1/login/sessions/j1", nil)
	require.Equal(t, http.StatusNotFound, code)
}

func TestLoginPush(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	code, _ := f.do(t, http.MethodPost, "/api/v1/login/sessions", map[string]any{"task_id": "j1", "platform": "xhs", "login_type": "qrcode"})
	require.Equal(t, http.StatusCreated, code)
	code, body := f.do(t, http.MethodPost, "/api/v1/login/sessions/j1/start", nil)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "qrcode_generated", body["status"])
	require.NotEmpty(t, body["challenge_image"])

	conn := f.dial(t, "/api/v1/login/ws/j1")
	var first map[string]any
	require.NoError(t, conn.ReadJSON(&first))
	require.Equal(t, "qrcode_generated", first["status"])
	require.NotEmpty(t, first["qrcode_image"])

	f.drv.login()
	var last map[string]any
	for {
		var msg map[string]any
		if err := conn.ReadJSON(&msg); err != nil {
			require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		last = msg
	}
	require.Equal(t, "success", last["status"])

	blob, ok := f.cache.Load(t.Context(), model.PlatformXHS, credential.DefaultMaxAge)
	require.True(t, ok)
	require.Equal(t, "web_session=user", blob)
}

func TestPushFollowsChanges(t *testing.T) {
	t.Parallel()
	// the interval never fires, so every push after the first one is
	// driven by a change
	f := newPushFixture(t, `sleep 0.2; echo "开始爬取"; echo "保存 1 条"`, time.Hour)

	t.Run("login", func(t *testing.T) {
		code, _ := f.do(t, http.MethodPost, "/api/v1/login/sessions", map[string]any{"task_id": "j1", "platform": "xhs", "login_type": "qrcode"})
		require.Equal(t, http.StatusCreated, code)
		code, _ = f.do(t, http.MethodPost, "/api/v1/login/sessions/j1/start", nil)
		require.Equal(t, http.StatusOK, code)

		conn := f.dial(t, "/api/v1/login/ws/j1")
		var first map[string]any
		require.NoError(t, conn.ReadJSON(&first))
		require.Equal(t, "qrcode_generated", first["status"])

		f.drv.login()
		var last map[string]any
		for {
			var msg map[string]any
			if err := conn.ReadJSON(&msg); err != nil {
				require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
				break
			}
			last = msg
		}
		require.Equal(t, "success", last["status"])
	})

	t.Run("task", func(t *testing.T) {
		code, body := f.do(t, http.MethodPost, "/api/v1/tasks", searchBody())
		require.Equal(t, http.StatusCreated, code)
		id, _ := body["task_id"].(string)

		conn := f.dial(t, "/api/v1/tasks/"+id+"/ws")
		var pushes []model.JobStatus
		for {
			var st model.JobStatus
			if err := conn.ReadJSON(&st); err != nil {
				require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
				break
			}
			pushes = append(pushes, st)
		}
		require.NotEmpty(t, pushes)
		last := pushes[len(pushes)-1]
		require.True(t, last.Done)
		require.Equal(t, 1, last.Items)
	})
}

func TestLoginPushUnknownSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t, "true")

	conn := f.dial(t, "/api/v1/login/ws/nope")
	var msg map[string]any
	require.NoError(t, conn.ReadJSON(&msg))
	require.Equal(t, "error", msg["type"])
	_, _, err := conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err)
}
