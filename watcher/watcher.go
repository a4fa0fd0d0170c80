// Package watcher follows the folder the vendor engine saves data to and
// remembers the last data file written there
package watcher

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/mbi-berlin/lightfield-http/generichttp"
	"github.com/mbi-berlin/lightfield-http/server"
	"go.uber.org/zap"
)

// ErrNoFile is returned when no data file has been written since the watch began
var ErrNoFile = errors.New("no file written yet")

// File is a data file written by the vendor engine
type File struct {
	Path string    `json:"path"`
	Time time.Time `json:"time"`
}

// Watcher tracks the newest file with extension Ext in a folder
type Watcher struct {
	// Ext is the extension of data files, including the dot
	Ext string

	fs  *fsnotify.Watcher
	log *zap.Logger

	mu   sync.Mutex
	dir  string
	last File
	seen bool
}

// New starts watching dir.  The folder must exist.
func New(dir, ext string, logger *zap.Logger) (*Watcher, error) {
	fs, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err = fs.Add(dir); err != nil {
		fs.Close()
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Watcher{Ext: ext, dir: dir, fs: fs, log: logger}, nil
}

// Dir returns the watched folder
func (w *Watcher) Dir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dir
}

// Watch moves the watch to dir.  The last file is kept until one is written
// in the new folder.  On error the old folder stays watched.
func (w *Watcher) Watch(dir string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if filepath.Clean(dir) == filepath.Clean(w.dir) {
		return nil
	}
	if err := w.fs.Add(dir); err != nil {
		return err
	}
	if err := w.fs.Remove(w.dir); err != nil {
		w.log.Warn("old save folder could not be unwatched", zap.String("dir", w.dir), zap.Error(err))
	}
	w.log.Info("save folder watch moved", zap.String("from", w.dir), zap.String("to", dir))
	w.dir = dir
	return nil
}

// Run consumes folder events until ctx is done, then closes the watch
func (w *Watcher) Run(ctx context.Context) {
	defer w.fs.Close()
	for {
		select {
		case ev, ok := <-w.fs.Events:
			if !ok {
				return
			}
			w.handle(ev)
		case err, ok := <-w.fs.Errors:
			if !ok {
				return
			}
			w.log.Warn("save folder watch error", zap.String("dir", w.Dir()), zap.Error(err))
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return
	}
	if w.Ext != "" && !strings.EqualFold(filepath.Ext(ev.Name), w.Ext) {
		return
	}
	w.mu.Lock()
	changed := w.last.Path != ev.Name
	w.last = File{Path: ev.Name, Time: time.Now()}
	w.seen = true
	w.mu.Unlock()
	if changed {
		w.log.Info("data file written", zap.String("file", ev.Name))
	}
}

// Last returns the newest data file
func (w *Watcher) Last() (File, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.seen {
		return File{}, ErrNoFile
	}
	return w.last, nil
}

// HTTPLast replies with the newest data file as JSON, 404 if there is none
func (w *Watcher) HTTPLast(rw http.ResponseWriter, r *http.Request) {
	f, err := w.Last()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	generichttp.RespondJSON(rw, f)
}

// HTTPDownload serves the contents of the newest data file
func (w *Watcher) HTTPDownload(rw http.ResponseWriter, r *http.Request) {
	f, err := w.Last()
	if err != nil {
		http.Error(rw, err.Error(), http.StatusNotFound)
		return
	}
	server.ReplyWithFile(rw, r, filepath.Base(f.Path), filepath.Dir(f.Path))
}

// Inject adds GET /last-file and GET /last-file/data to the HTTPer
func (w *Watcher) Inject(other generichttp.HTTPer) {
	rt := other.RT()
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/last-file"}] = w.HTTPLast
	rt[generichttp.MethodPath{Method: http.MethodGet, Path: "/last-file/data"}] = w.HTTPDownload
}
