package server

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestReplyWithFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.spe"), []byte("spectra"), 0666); err != nil {
		t.Fatal(err)
	}
	w := httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "a.spe", dir)
	if w.Code != http.StatusOK || w.Body.String() != "spectra" {
		t.Errorf("%d %q", w.Code, w.Body.String())
	}

	w = httptest.NewRecorder()
	ReplyWithFile(w, httptest.NewRequest(http.MethodGet, "/", nil), "b.spe", dir)
	if w.Code != http.StatusNotFound {
		t.Errorf("missing file: %d", w.Code)
	}
}
