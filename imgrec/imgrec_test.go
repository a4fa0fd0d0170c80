package imgrec

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/mbi-berlin/lightfield-http/device"
	"github.com/mbi-berlin/lightfield-http/frame"
	"github.com/mbi-berlin/lightfield-http/generichttp"
	"github.com/mbi-berlin/lightfield-http/lightfield"
)

var day = time.Date(2022, 3, 4, 10, 0, 0, 0, time.UTC)

func newRecorder(t *testing.T) *Recorder {
	t.Helper()
	r := New(t.TempDir(), "lf", true, nil)
	r.now = func() time.Time { return day }
	return r
}

func snap(v float64) device.Snapshot {
	return device.Snapshot{
		Image: frame.Image{Format: lightfield.Uint16, Width: 2, Height: 2, Pix: []float64{v, v, v, v}},
		Count: 2,
		Time:  day,
	}
}

func TestRecordIncrements(t *testing.T) {
	r := newRecorder(t)
	fldr := filepath.Join(r.Root, "2022-03-04")
	if err := os.MkdirAll(fldr, 0777); err != nil {
		t.Fatal(err)
	}
	// an existing file from an earlier run, and one that does not belong to the sequence
	os.WriteFile(filepath.Join(fldr, "lf000007.fits"), nil, 0666)
	os.WriteFile(filepath.Join(fldr, "lfnotes.fits"), nil, 0666)

	fn, err := r.Record(snap(1))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(fldr, "lf000008.fits"); fn != want {
		t.Errorf("recorded %s, want %s", fn, want)
	}
	fn, _ = r.Record(snap(2))
	if !strings.HasSuffix(fn, "lf000009.fits") {
		t.Errorf("second file %s", fn)
	}

	f, err := os.Open(fn)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	fits, err := fitsio.Open(f)
	if err != nil {
		t.Fatal(err)
	}
	defer fits.Close()
	hdr := fits.HDU(0).Header()
	if card := hdr.Get("NCOMBINE"); card == nil || fmt.Sprint(card.Value) != "2" {
		t.Errorf("NCOMBINE card %+v", card)
	}
}

func TestRecordScansOnce(t *testing.T) {
	r := newRecorder(t)
	fldr := filepath.Join(r.Root, "2022-03-04")
	if _, err := r.Record(snap(1)); err != nil {
		t.Fatal(err)
	}
	// written behind the recorder's back, not seen until the next scan
	os.WriteFile(filepath.Join(fldr, "lf000050.fits"), nil, 0666)
	fn, err := r.Record(snap(2))
	if err != nil {
		t.Fatal(err)
	}
	if want := filepath.Join(fldr, "lf000002.fits"); fn != want {
		t.Errorf("recorded %s, want %s", fn, want)
	}

	NewHTTPWrapper(r).SetPrefix("lf")
	fn, _ = r.Record(snap(3))
	if want := filepath.Join(fldr, "lf000051.fits"); fn != want {
		t.Errorf("after a prefix change recorded %s, want %s", fn, want)
	}

	r.now = func() time.Time { return day.Add(24 * time.Hour) }
	fn, _ = r.Record(snap(4))
	if want := filepath.Join(r.Root, "2022-03-05", "lf000001.fits"); fn != want {
		t.Errorf("on a new day recorded %s, want %s", fn, want)
	}
}

func TestPublishImageHonorsEnabled(t *testing.T) {
	r := newRecorder(t)
	r.Enabled = false
	r.PublishImage(snap(1))
	if _, err := os.Stat(filepath.Join(r.Root, "2022-03-04")); !os.IsNotExist(err) {
		t.Errorf("disabled recorder touched the disk: %v", err)
	}
	r.Enabled = true
	r.PublishImage(snap(1))
	if _, err := os.Stat(filepath.Join(r.Root, "2022-03-04", "lf000001.fits")); err != nil {
		t.Error(err)
	}
}

type routes generichttp.RouteTable

func (r routes) RT() generichttp.RouteTable { return generichttp.RouteTable(r) }

func TestInject(t *testing.T) {
	r := newRecorder(t)
	rt := routes{}
	NewHTTPWrapper(r).Inject(rt)
	if len(rt) != 6 {
		t.Fatalf("expected 6 routes, got %d", len(rt))
	}
	mux := chi.NewRouter()
	rt.RT().Bind(mux)

	root := filepath.Join(t.TempDir(), "new")
	for _, tt := range []struct {
		method, path, body, want string
		code                     int
	}{
		{http.MethodPost, "/autowrite/prefix", `{"str":"dark"}`, "", http.StatusOK},
		{http.MethodGet, "/autowrite/prefix", "", `{"str":"dark"}`, http.StatusOK},
		{http.MethodPost, "/autowrite/root", `{"str":"` + root + `"}`, "", http.StatusOK},
		{http.MethodGet, "/autowrite/root", "", `{"str":"` + root + `"}`, http.StatusOK},
		{http.MethodPost, "/autowrite/enabled", `{"bool":false}`, "", http.StatusOK},
		{http.MethodGet, "/autowrite/enabled", "", `{"bool":false}`, http.StatusOK},
		{http.MethodPost, "/autowrite/enabled", `nope`, "", http.StatusBadRequest},
	} {
		w := httptest.NewRecorder()
		mux.ServeHTTP(w, httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body)))
		if w.Code != tt.code {
			t.Errorf("%s %s: %d, want %d", tt.method, tt.path, w.Code, tt.code)
		}
		if tt.want != "" && strings.TrimSpace(w.Body.String()) != tt.want {
			t.Errorf("%s %s: body %s, want %s", tt.method, tt.path, w.Body.String(), tt.want)
		}
	}
	if _, err := os.Stat(filepath.Join(root, "2022-03-04")); err != nil {
		t.Errorf("setting the root did not create today's folder: %v", err)
	}
	if r.Enabled || r.Prefix != "dark" {
		t.Errorf("recorder not updated: %+v", r)
	}
}
