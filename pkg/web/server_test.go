package web

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/teslashibe/picturear/pkg/camera"
	"github.com/teslashibe/picturear/pkg/coordinator"
	"github.com/teslashibe/picturear/pkg/session"
)

type fakeController struct {
	mu          sync.Mutex
	devices     []camera.Descriptor
	current     string
	denied      bool
	transitions []string
}

func (f *fakeController) Status() coordinator.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	return coordinator.Status{
		State:             session.Open,
		Device:            camera.Descriptor{ID: f.current},
		PermissionGranted: !f.denied,
		LibraryReady:      true,
		Cameras:           len(f.devices),
	}
}

func (f *fakeController) Cameras(ctx context.Context) ([]camera.Descriptor, error) {
	if f.denied {
		return nil, coordinator.ErrPermissionDenied
	}
	return f.devices, nil
}

func (f *fakeController) SwitchCamera(ctx context.Context, id string) error {
	if f.denied {
		return coordinator.ErrPermissionDenied
	}
	for _, d := range f.devices {
		if d.ID == id {
			f.mu.Lock()
			f.current = id
			f.mu.Unlock()
			return nil
		}
	}
	return fmt.Errorf("%w: %s", camera.ErrUnknownDevice, id)
}

func (f *fakeController) Foreground(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, "foreground")
	return nil
}

func (f *fakeController) Background(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitions = append(f.transitions, "background")
	return nil
}

func newTestServer(t *testing.T, ctrl *fakeController) *Server {
	t.Helper()
	return NewServer(Options{
		Controller: ctrl,
		Settings:   camera.NewSettings(camera.DefaultConfig()),
	})
}

func do(t *testing.T, s *Server, method, path, body string) (int, []byte) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp.StatusCode, data
}

func twoCameras() *fakeController {
	return &fakeController{
		devices: []camera.Descriptor{
			{ID: "0", Label: "back", Facing: camera.FacingBack},
			{ID: "1", Label: "front", Facing: camera.FacingFront},
		},
		current: "0",
	}
}

func TestStatusEndpoint(t *testing.T) {
	s := newTestServer(t, twoCameras())

	code, body := do(t, s, http.MethodGet, "/api/status", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %s", code, body)
	}
	var got map[string]any
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got["state"] != "open" {
		t.Errorf("state = %v, want open", got["state"])
	}
	if got["cameras"] != float64(2) {
		t.Errorf("cameras = %v, want 2", got["cameras"])
	}
}

func TestCamerasEndpoint(t *testing.T) {
	s := newTestServer(t, twoCameras())

	code, body := do(t, s, http.MethodGet, "/api/cameras", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d, body %s", code, body)
	}
	var got []camera.Descriptor
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	ids := make([]string, len(got))
	for i, d := range got {
		ids[i] = d.ID
	}
	if diff := cmp.Diff([]string{"0", "1"}, ids); diff != "" {
		t.Errorf("ids (-want +got):\n%s", diff)
	}
}

func TestSelectEndpoint(t *testing.T) {
	tests := []struct {
		name   string
		ctrl   func() *fakeController
		id     string
		want   int
		active string
	}{
		{name: "known", ctrl: twoCameras, id: "1", want: http.StatusAccepted, active: "1"},
		{name: "unknown", ctrl: twoCameras, id: "9", want: http.StatusNotFound, active: "0"},
		{name: "denied", ctrl: func() *fakeController {
			c := twoCameras()
			c.denied = true
			return c
		}, id: "1", want: http.StatusForbidden, active: "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := tt.ctrl()
			s := newTestServer(t, ctrl)

			code, body := do(t, s, http.MethodPost, "/api/cameras/"+tt.id+"/select", "")
			if code != tt.want {
				t.Fatalf("status = %d, want %d (body %s)", code, tt.want, body)
			}
			if got := ctrl.Status().Device.ID; got != tt.active {
				t.Errorf("active = %q, want %q", got, tt.active)
			}
			if code >= 400 {
				var e errorBody
				if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
					t.Errorf("error body = %s", body)
				}
			}
		})
	}
}

func TestLifecycleEndpoint(t *testing.T) {
	ctrl := twoCameras()
	s := newTestServer(t, ctrl)

	for _, tr := range []string{"background", "foreground"} {
		if code, body := do(t, s, http.MethodPost, "/api/lifecycle/"+tr, ""); code != http.StatusOK {
			t.Fatalf("%s: status = %d, body %s", tr, code, body)
		}
	}
	if code, _ := do(t, s, http.MethodPost, "/api/lifecycle/sideways", ""); code != http.StatusBadRequest {
		t.Errorf("unknown transition: status = %d, want 400", code)
	}
	if diff := cmp.Diff([]string{"background", "foreground"}, ctrl.transitions); diff != "" {
		t.Errorf("transitions (-want +got):\n%s", diff)
	}
}

func TestCameraConfigEndpoint(t *testing.T) {
	s := newTestServer(t, twoCameras())

	code, body := do(t, s, http.MethodPatch, "/api/camera/config", `{"width":320,"height":240}`)
	if code != http.StatusOK {
		t.Fatalf("patch: status = %d, body %s", code, body)
	}

	code, body = do(t, s, http.MethodGet, "/api/camera/config", "")
	if code != http.StatusOK {
		t.Fatalf("get: status = %d", code)
	}
	var got camera.Config
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatal(err)
	}
	if got.Width != 320 || got.Height != 240 {
		t.Errorf("budget = %dx%d, want 320x240", got.Width, got.Height)
	}

	if code, _ := do(t, s, http.MethodPatch, "/api/camera/config", `{"width":10}`); code != http.StatusUnprocessableEntity {
		t.Errorf("invalid width: status = %d, want 422", code)
	}
}

func TestCameraConfigWithoutSettings(t *testing.T) {
	s := NewServer(Options{Controller: twoCameras()})
	if code, _ := do(t, s, http.MethodGet, "/api/camera/config", ""); code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, twoCameras())
	code, body := do(t, s, http.MethodGet, "/metrics", "")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if !strings.Contains(string(body), "go_goroutines") {
		t.Error("metrics output missing runtime collectors")
	}
}

func TestWebsocketRequiresUpgrade(t *testing.T) {
	s := newTestServer(t, twoCameras())
	if code, _ := do(t, s, http.MethodGet, "/ws/preview", ""); code != http.StatusUpgradeRequired {
		t.Errorf("status = %d, want 426", code)
	}
}
