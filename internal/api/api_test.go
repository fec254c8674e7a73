package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vigil/internal/auth"
	"vigil/internal/camera"
	"vigil/internal/events"
	"vigil/internal/identity"
	"vigil/internal/pipeline"
)

type fakePipeline struct {
	mu       sync.Mutex
	running  map[string]pipeline.CameraStatus
	bindings map[string]string
	index    *identity.Index
	reload   error
}

func newFakePipeline() *fakePipeline {
	idx := identity.NewIndex()
	idx.Publish([]identity.Record{{Name: "Ana", Role: identity.RoleEmployee, Embedding: identity.Embedding{1, 0}}})
	return &fakePipeline{
		running:  map[string]pipeline.CameraStatus{},
		bindings: map[string]string{},
		index:    idx,
	}
}

func (f *fakePipeline) StartCamera(id, source string, stride int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; ok {
		return fmt.Errorf("%w: %s", pipeline.ErrCameraExists, id)
	}
	f.running[id] = pipeline.CameraStatus{CameraID: id, Source: source, Stride: stride, State: pipeline.CameraRunning}
	return nil
}

func (f *fakePipeline) StopCamera(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[id]; !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrCameraNotFound, id)
	}
	delete(f.running, id)
	return nil
}

func (f *fakePipeline) IsRunning(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.running[id]
	return ok
}

func (f *fakePipeline) CameraStatus(id string) (pipeline.CameraStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	st, ok := f.running[id]
	if !ok {
		return st, pipeline.ErrCameraNotFound
	}
	return st, nil
}

func (f *fakePipeline) Status() []pipeline.CameraStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]pipeline.CameraStatus, 0, len(f.running))
	for _, st := range f.running {
		out = append(out, st)
	}
	return out
}

func (f *fakePipeline) Summary(time.Time) events.Summary {
	return events.Summary{Window: 30 * time.Second, PerCamera: map[string]int{"cam1": 2}, Unknown: 1, Total: 2}
}

func (f *fakePipeline) ReloadIdentityIndex(context.Context) (*identity.Snapshot, error) {
	if f.reload != nil {
		return nil, f.reload
	}
	return f.index.Snapshot(), nil
}

func (f *fakePipeline) BindTrack(_ context.Context, cam string, track int, person string) error {
	if _, ok := f.index.Snapshot().Lookup(person); !ok {
		return fmt.Errorf("%w: %s", pipeline.ErrUnknownPerson, person)
	}
	f.mu.Lock()
	f.bindings[fmt.Sprintf("%s/%d", cam, track)] = person
	f.mu.Unlock()
	return nil
}

func (f *fakePipeline) UnbindTrack(_ context.Context, cam string, track int) error {
	f.mu.Lock()
	delete(f.bindings, fmt.Sprintf("%s/%d", cam, track))
	f.mu.Unlock()
	return nil
}

type fakeLoader struct {
	got  events.Filter
	recs []events.Record
}

func (l *fakeLoader) Load(_ context.Context, f events.Filter) ([]events.Record, error) {
	l.got = f
	return l.recs, nil
}

type harness struct {
	srv     *Server
	pipe    *fakePipeline
	loader  *fakeLoader
	cameras *camera.Registry
}

func newHarness(t *testing.T, authCfg auth.Config) *harness {
	t.Helper()
	reg, err := camera.LoadRegistry(filepath.Join(t.TempDir(), "cameras.yaml"))
	require.NoError(t, err)
	require.NoError(t, reg.Add(camera.Camera{ID: "cam1", Source: "rtsp://10.0.0.5/live"}))

	a, err := auth.NewAuthenticator(authCfg)
	require.NoError(t, err)

	h := &harness{pipe: newFakePipeline(), loader: &fakeLoader{}, cameras: reg}
	h.srv = NewServer(Config{}, Deps{
		Pipeline: h.pipe,
		Cameras:  reg,
		Auth:     a,
		Events:   h.loader,
		Checks: []Check{
			{Name: "detector", Check: func(context.Context) error { return nil }},
		},
		Logger: zerolog.Nop(),
	})
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(w, req)
	return w
}

func TestCameraLifecycle(t *testing.T) {
	h := newHarness(t, auth.Config{})

	w := h.do(t, http.MethodPost, "/api/v1/cameras/cam1/start", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, h.pipe.IsRunning("cam1"))
	cam, err := h.cameras.Get("cam1")
	require.NoError(t, err)
	assert.True(t, cam.Enabled, "start persists the enabled flag")

	w = h.do(t, http.MethodPost, "/api/v1/cameras/cam1/start", nil, "")
	assert.Equal(t, http.StatusConflict, w.Code)

	w = h.do(t, http.MethodGet, "/api/v1/cameras", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Data []cameraView `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	require.Len(t, list.Data, 1)
	assert.True(t, list.Data[0].Running)
	assert.Equal(t, pipeline.CameraRunning, list.Data[0].Status.State)

	w = h.do(t, http.MethodPost, "/api/v1/cameras/cam1/stop", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, h.pipe.IsRunning("cam1"))

	w = h.do(t, http.MethodPost, "/api/v1/cameras/cam1/stop", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/cameras/nope/start", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCreateAndDeleteCamera(t *testing.T) {
	h := newHarness(t, auth.Config{})

	tests := []struct {
		name string
		body camera.Camera
		code int
	}{
		{"valid and enabled", camera.Camera{ID: "gate", Source: "rtsp://10.0.0.9/s", Enabled: true}, http.StatusCreated},
		{"duplicate", camera.Camera{ID: "gate", Source: "rtsp://10.0.0.9/s"}, http.StatusConflict},
		{"missing source", camera.Camera{ID: "x"}, http.StatusBadRequest},
		{"missing device", camera.Camera{ID: "usb", Source: "/dev/does-not-exist"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := h.do(t, http.MethodPost, "/api/v1/cameras", tt.body, "")
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
	assert.True(t, h.pipe.IsRunning("gate"))

	w := h.do(t, http.MethodDelete, "/api/v1/cameras/gate", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.False(t, h.pipe.IsRunning("gate"))
	_, err := h.cameras.Get("gate")
	assert.ErrorIs(t, err, camera.ErrNotFound)
}

func TestSummaryAndEvents(t *testing.T) {
	h := newHarness(t, auth.Config{})
	h.loader.recs = []events.Record{{ID: "r1", CameraID: "cam1"}}

	w := h.do(t, http.MethodGet, "/api/v1/summary", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var sum struct {
		Text string `json:"text"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sum))
	assert.Equal(t, "cam1:2; Unknown: 1", sum.Text)

	w = h.do(t, http.MethodGet, "/api/v1/events?camera=cam1&limit=5000&since=2025-03-01T10:00:00Z", nil, "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "cam1", h.loader.got.CameraID)
	assert.Equal(t, maxEventLimit, h.loader.got.Limit)
	assert.Equal(t, time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC), h.loader.got.Since)

	for _, q := range []string{"limit=0", "since=yesterday", "since=2025-03-02T00:00:00Z&until=2025-03-01T00:00:00Z"} {
		w = h.do(t, http.MethodGet, "/api/v1/events?"+q, nil, "")
		assert.Equal(t, http.StatusBadRequest, w.Code, q)
	}
}

func TestIdentityAndBindings(t *testing.T) {
	h := newHarness(t, auth.Config{})

	w := h.do(t, http.MethodPost, "/api/v1/identity/reload", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"persons":1`)

	h.pipe.reload = identity.ErrNoSource
	w = h.do(t, http.MethodPost, "/api/v1/identity/reload", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/bindings", bindBody("cam1", 4, "Ana"), "")
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, "Ana", h.pipe.bindings["cam1/4"])

	w = h.do(t, http.MethodPost, "/api/v1/bindings", bindBody("cam1", 5, "Bob"), "")
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/bindings", bindBody("cam1", 0, "Ana"), "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = h.do(t, http.MethodDelete, "/api/v1/bindings/cam1/4", nil, "")
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, h.pipe.bindings)

	w = h.do(t, http.MethodDelete, "/api/v1/bindings/cam1/four", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func bindBody(cam string, track int, person string) map[string]any {
	return map[string]any{"camera_id": cam, "track_id": track, "person": person}
}

func TestAuthRequired(t *testing.T) {
	h := newHarness(t, auth.Config{Enabled: true, Username: "op", Password: "pw", JWTSecret: "k"})

	w := h.do(t, http.MethodGet, "/api/v1/status", nil, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: "op", Password: "bad"}, "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = h.do(t, http.MethodPost, "/api/v1/auth/login", loginRequest{Username: "op", Password: "pw"}, "")
	require.Equal(t, http.StatusOK, w.Code)
	var login struct {
		Token string `json:"token"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &login))
	require.NotEmpty(t, login.Token)

	w = h.do(t, http.MethodGet, "/api/v1/auth/status", nil, login.Token)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"username":"op"`)
}

func TestReadyz(t *testing.T) {
	h := newHarness(t, auth.Config{})
	w := h.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusOK, w.Code)

	h.srv.checks = append(h.srv.checks, Check{Name: "database", Check: func(context.Context) error {
		return fmt.Errorf("connection refused")
	}})
	w = h.do(t, http.MethodGet, "/readyz", nil, "")
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "connection refused")
}
