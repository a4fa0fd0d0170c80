package device

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi"
	"github.com/google/go-cmp/cmp"
	"github.com/mbi-berlin/lightfield-http/lightfield"
)

func serve(t *testing.T, d *Device) http.Handler {
	t.Helper()
	r := chi.NewRouter()
	NewHTTPWrapper(d).RT().Bind(r)
	return r
}

func do(h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	}
	h.ServeHTTP(w, req)
	return w
}

func TestHTTPState(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	h := serve(t, d)
	if body := strings.TrimSpace(do(h, http.MethodGet, "/state", "").Body.String()); body != `{"str":"INITIALIZING"}` {
		t.Errorf("unexpected body %s", body)
	}
	d.Init()
	if body := strings.TrimSpace(do(h, http.MethodGet, "/state", "").Body.String()); body != `{"str":"READY"}` {
		t.Errorf("unexpected body %s", body)
	}
}

func TestHTTPAttributes(t *testing.T) {
	d, m, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	d.Init()
	h := serve(t, d)

	w := do(h, http.MethodPost, "/attribute/exposure", `{"f64": 250}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write exposure: %d %s", w.Code, w.Body.String())
	}
	v, _ := m.GetValue(lightfield.ShutterTimingExposureTime)
	if v.(float64) != 250 {
		t.Errorf("exposure %v", v)
	}
	if body := strings.TrimSpace(do(h, http.MethodGet, "/attribute/exposure", "").Body.String()); body != `{"f64":250}` {
		t.Errorf("unexpected body %s", body)
	}

	w = do(h, http.MethodPost, "/attribute/shutter_mode", `{"str": "open"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("write shutter_mode by label: %d %s", w.Code, w.Body.String())
	}
	if body := strings.TrimSpace(do(h, http.MethodGet, "/attribute/shutter_mode", "").Body.String()); body != `{"int":2}` {
		t.Errorf("unexpected body %s", body)
	}

	for _, tt := range []struct {
		path, body string
		code       int
	}{
		{"/attribute/temp_read", `{"f64": 1}`, http.StatusBadRequest},
		{"/attribute/nope", `{"f64": 1}`, http.StatusBadRequest},
		{"/attribute/n_frames", `{"f64": 1.5}`, http.StatusBadRequest},
		{"/attribute/n_frames", `{"x": 1}`, http.StatusBadRequest},
	} {
		if w := do(h, http.MethodPost, tt.path, tt.body); w.Code != tt.code {
			t.Errorf("POST %s %s: %d, want %d", tt.path, tt.body, w.Code, tt.code)
		}
	}

	d.Handle(lightfield.AcquisitionStarted{})
	if w := do(h, http.MethodPost, "/attribute/exposure", `{"f64": 1}`); w.Code != http.StatusLocked {
		t.Errorf("write while running: %d, want 423", w.Code)
	}
}

func TestHTTPAttributeList(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	h := serve(t, d)
	var attrs []struct {
		Name   string   `json:"name"`
		Kind   string   `json:"kind"`
		Labels []string `json:"labels"`
	}
	if err := json.NewDecoder(do(h, http.MethodGet, "/attribute", "").Body).Decode(&attrs); err != nil {
		t.Fatal(err)
	}
	if len(attrs) != 17 {
		t.Fatalf("expected 17 attributes, got %d", len(attrs))
	}
	if attrs[2].Name != "temp_status" || attrs[2].Kind != "enum" || len(attrs[2].Labels) != 3 {
		t.Errorf("unexpected metadata %+v", attrs[2])
	}
}

func TestHTTPROI(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{Width: 100, Height: 50}, Config{})
	d.Init()
	h := serve(t, d)
	w := do(h, http.MethodPost, "/roi", `[0, 10, 0, 20]`)
	if w.Code != http.StatusOK || strings.TrimSpace(w.Body.String()) != `{"bool":true}` {
		t.Errorf("set roi: %d %s", w.Code, w.Body.String())
	}
	w = do(h, http.MethodPost, "/roi", `[0, 10, 0]`)
	if w.Code != http.StatusBadRequest || strings.TrimSpace(w.Body.String()) != `{"bool":false}` {
		t.Errorf("bad arity: %d %s", w.Code, w.Body.String())
	}
	var sizes []int
	json.NewDecoder(do(h, http.MethodGet, "/roi", "").Body).Decode(&sizes)
	if diff := cmp.Diff([]int{0, 0, 10, 20, 1, 1}, sizes); diff != "" {
		t.Error(diff)
	}
	var shape []int
	json.NewDecoder(do(h, http.MethodGet, "/chip-shape", "").Body).Decode(&shape)
	if diff := cmp.Diff([]int{50, 100}, shape); diff != "" {
		t.Error(diff)
	}
	if w := do(h, http.MethodPost, "/binning", `{"int": 0}`); w.Code != http.StatusBadRequest {
		t.Errorf("binning 0: %d", w.Code)
	}
}

func TestHTTPAcquireNotReady(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	h := serve(t, d)
	if w := do(h, http.MethodPost, "/acquire", ""); w.Code != http.StatusConflict {
		t.Errorf("acquire before init: %d, want 409", w.Code)
	}
}

func TestHTTPImage(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	d.Init()
	h := serve(t, d)
	if w := do(h, http.MethodGet, "/image", ""); w.Code != http.StatusNotFound {
		t.Errorf("image before any frame: %d", w.Code)
	}
	d.Handle(lightfield.FrameReady{Frames: 1, Frame: constFrame(3, 2, 7)})
	var img struct {
		Height, Width int
		Count         int
		Pix           []float64
	}
	if err := json.NewDecoder(do(h, http.MethodGet, "/image", "").Body).Decode(&img); err != nil {
		t.Fatal(err)
	}
	if img.Height != 2 || img.Width != 3 || len(img.Pix) != 6 || img.Pix[5] != 7 {
		t.Errorf("unexpected image %+v", img)
	}
	for _, f := range []string{"png", "jpg", "fits"} {
		w := do(h, http.MethodGet, "/image?fmt="+f, "")
		if w.Code != http.StatusOK || w.Body.Len() == 0 {
			t.Errorf("fmt=%s: %d, %d bytes", f, w.Code, w.Body.Len())
		}
	}
	if w := do(h, http.MethodGet, "/image?fmt=tiff", ""); w.Code != http.StatusBadRequest {
		t.Errorf("fmt=tiff: %d", w.Code)
	}
}

func TestHTTPImageNonFinitePixels(t *testing.T) {
	d, _, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	d.Init()
	h := serve(t, d)
	f := lightfield.NewFrame(lightfield.Float32, 2, 1, func(x, y int) float64 {
		if x == 0 {
			return math.NaN()
		}
		return 1.5
	})
	d.Handle(lightfield.FrameReady{Frames: 1, Frame: f})
	w := do(h, http.MethodGet, "/image", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status %d %s", w.Code, w.Body.String())
	}
	var img struct {
		Pix []*float64
	}
	if err := json.NewDecoder(w.Body).Decode(&img); err != nil {
		t.Fatal(err)
	}
	if len(img.Pix) != 2 || img.Pix[0] != nil || img.Pix[1] == nil || *img.Pix[1] != 1.5 {
		t.Errorf("unexpected pixels %v", img.Pix)
	}
}

func TestHTTPShortcuts(t *testing.T) {
	d, m, _ := newDevice(t, lightfield.MockConfig{}, Config{})
	d.Init()
	h := serve(t, d)

	if body := strings.TrimSpace(do(h, http.MethodGet, "/temperature", "").Body.String()); body != `{"f64":-60}` {
		t.Errorf("temperature %s", body)
	}
	if w := do(h, http.MethodPost, "/exposure", `{"f64": 12.5}`); w.Code != http.StatusOK {
		t.Fatalf("write exposure: %d %s", w.Code, w.Body.String())
	}
	v, _ := m.GetValue(lightfield.ShutterTimingExposureTime)
	if v.(float64) != 12.5 {
		t.Errorf("exposure %v", v)
	}
	if body := strings.TrimSpace(do(h, http.MethodGet, "/exposure", "").Body.String()); body != `{"f64":12.5}` {
		t.Errorf("exposure %s", body)
	}
	if w := do(h, http.MethodPost, "/exposure", `{"f64": -1}`); w.Code != http.StatusBadRequest {
		t.Errorf("negative exposure: %d", w.Code)
	}

	if body := strings.TrimSpace(do(h, http.MethodGet, "/image/count", "").Body.String()); body != `{"int":0}` {
		t.Errorf("count before any frame %s", body)
	}
	d.Handle(lightfield.FrameReady{Frames: 1, Frame: constFrame(2, 2, 1)})
	d.Handle(lightfield.FrameReady{Frames: 1, Frame: constFrame(2, 2, 3)})
	if body := strings.TrimSpace(do(h, http.MethodGet, "/image/count", "").Body.String()); body != `{"int":2}` {
		t.Errorf("count %s", body)
	}
}
