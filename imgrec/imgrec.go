// Package imgrec contains an image recorder used to automatically save images to disk.
package imgrec

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mbi-berlin/lightfield-http/device"
	"github.com/mbi-berlin/lightfield-http/generichttp"
	"go.uber.org/zap"
)

// Recorder records image sequences with incrementing filenames in yyyy-mm-dd subfolders.
// It satisfies device.Publisher and saves every published snapshot as FITS while Enabled.
type Recorder struct {
	mu sync.Mutex

	// counter is the internally incrementing counter
	counter int

	// scanned is the folder counter was last scanned from; empty forces a rescan
	scanned string

	// Root is the root path
	Root string

	// Prefix is the prefix for the filenames
	Prefix string

	// Enabled turns recording on and off
	Enabled bool

	// now is the clock used for the folder name
	now func() time.Time

	log *zap.Logger
}

// New returns a recorder writing under root
func New(root, prefix string, enabled bool, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{Root: root, Prefix: prefix, Enabled: enabled, now: time.Now, log: logger}
}

// folder is the yyyy-mm-dd subfolder of Root for today
func (r *Recorder) folder() string {
	now := r.now()
	return filepath.Join(r.Root, fmt.Sprintf("%04d-%02d-%02d", now.Year(), now.Month(), now.Day()))
}

// mkDir makes the folder and returns it
func (r *Recorder) mkDir() (string, error) {
	fldr := r.folder()
	err := os.MkdirAll(fldr, 0777)
	return fldr, err
}

// incr updates the filename counter.  The folder is scanned once, and again
// when the day, root or prefix changes.
func (r *Recorder) incr() error {
	if r.scanned != "" && r.scanned == r.folder() {
		r.counter++
		return nil
	}
	dn, err := r.mkDir()
	if err != nil {
		return err
	}
	files, err := os.ReadDir(dn)
	if err != nil {
		return err
	}
	count := 0
	for _, file := range files {
		// skip directories, non-fits, and wrong prefix
		if file.IsDir() {
			continue
		}
		fn := file.Name()
		if !strings.HasSuffix(fn, ".fits") || !strings.HasPrefix(fn, r.Prefix) {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(fn, r.Prefix), ".fits"))
		if err != nil {
			continue
		}
		if count < n {
			count = n
		}
	}
	r.counter = count + 1
	r.scanned = dn
	return nil
}

// Record writes the snapshot to the next file in the sequence and returns its path
func (r *Recorder) Record(s device.Snapshot) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.incr(); err != nil {
		return "", err
	}
	fn := filepath.Join(r.folder(), fmt.Sprintf("%s%06d.fits", r.Prefix, r.counter))
	fid, err := os.Create(fn)
	if err != nil {
		// the folder may have gone away, start over next time
		r.scanned = ""
		return "", err
	}
	defer fid.Close()
	return fn, s.WriteFITS(fid, device.FITSCards(s))
}

// PublishImage records the snapshot if the recorder is enabled
func (r *Recorder) PublishImage(s device.Snapshot) {
	if !r.IsEnabled() {
		return
	}
	fn, err := r.Record(s)
	if err != nil {
		r.log.Error("image could not be recorded", zap.Error(err))
		return
	}
	r.log.Debug("image recorded", zap.String("file", fn), zap.Int("count", s.Count))
}

// PublishStatus is a no-op
func (r *Recorder) PublishStatus(device.Status) {}

// IsEnabled returns Enabled
func (r *Recorder) IsEnabled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Enabled
}

// HTTPWrapper is an HTTP wrapper around an image recorder that allows the folder and prefix to be changed on the fly
//
// it does not implement generichttp.HTTPer, offering an Inject method allowing it to be injected
// into another HTTPer
type HTTPWrapper struct {
	*Recorder
}

// NewHTTPWrapper returns an HTTP wrapper around a recorder
func NewHTTPWrapper(r *Recorder) HTTPWrapper {
	return HTTPWrapper{r}
}

// SetRoot updates the root folder of the recorder, creating today's folder
func (h HTTPWrapper) SetRoot(root string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	old := h.Root
	h.Root = root
	if _, err := h.mkDir(); err != nil {
		h.Root = old
		return err
	}
	h.scanned = ""
	return nil
}

// GetRoot gets the recorder's root folder
func (h HTTPWrapper) GetRoot() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Root, nil
}

// SetPrefix updates the filename prefix of the recorder
func (h HTTPWrapper) SetPrefix(prefix string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Prefix = prefix
	h.scanned = ""
	return nil
}

// GetPrefix gets the recorder's prefix
func (h HTTPWrapper) GetPrefix() (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.Prefix, nil
}

// GetEnabled returns the Recorder's Enabled field
func (h HTTPWrapper) GetEnabled() (bool, error) {
	return h.IsEnabled(), nil
}

// SetEnabled sets the recorder's Enabled field
func (h HTTPWrapper) SetEnabled(b bool) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Enabled = b
	return nil
}

// Inject adds GET and POST routes for /autowrite/root, /autowrite/prefix and /autowrite/enabled
// to the HTTPer which manipulate this wrapper's recorder
func (h HTTPWrapper) Inject(other generichttp.HTTPer) {
	badRequest := func(error) int { return http.StatusBadRequest }
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/root"}] = generichttp.SetString(h.SetRoot, badRequest)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/root"}] = generichttp.GetString(h.GetRoot)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/prefix"}] = generichttp.SetString(h.SetPrefix)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/prefix"}] = generichttp.GetString(h.GetPrefix)
	rt[generichttp.MethodPath{Method: http.MethodPost, Path: "/autowrite/enabled"}] = generichttp.SetBool(h.SetEnabled)
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/autowrite/enabled"}] = generichttp.GetBool(h.GetEnabled)
}
