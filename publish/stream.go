package publish

import (
	"bytes"
	"fmt"
	"image"
	"image/jpeg"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"sync"

	"github.com/disintegration/gift"
	"github.com/mbi-berlin/lightfield-http/device"
	"go.uber.org/zap"
)

// Stream is an MJPEG live view of the published images.  Slow clients skip
// frames rather than delay the device.
type Stream struct {
	// MaxWidth downsizes wider images, keeping the aspect ratio; 0 keeps the size
	MaxWidth int

	// Quality is the JPEG quality, 1 to 100
	Quality int

	log *zap.Logger

	mu   sync.Mutex
	subs map[chan []byte]struct{}
}

// NewStream creates a live view with no subscribers
func NewStream(maxWidth, quality int, logger *zap.Logger) *Stream {
	if quality <= 0 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Stream{MaxWidth: maxWidth, Quality: quality, log: logger, subs: map[chan []byte]struct{}{}}
}

// Subscribers is the number of connected clients
func (s *Stream) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Stream) subscribe() chan []byte {
	ch := make(chan []byte, 1)
	s.mu.Lock()
	s.subs[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

func (s *Stream) unsubscribe(ch chan []byte) {
	s.mu.Lock()
	delete(s.subs, ch)
	s.mu.Unlock()
}

// Encode renders a snapshot as an 8-bit JPEG, downsized to MaxWidth
func (s *Stream) Encode(snap device.Snapshot) ([]byte, error) {
	var img image.Image = snap.Gray()
	if s.MaxWidth > 0 && snap.Width > s.MaxWidth {
		g := gift.New(gift.Resize(s.MaxWidth, 0, gift.LinearResampling))
		dst := image.NewGray(g.Bounds(img.Bounds()))
		g.Draw(dst, img)
		img = dst
	}
	buf := &bytes.Buffer{}
	err := jpeg.Encode(buf, img, &jpeg.Options{Quality: s.Quality})
	return buf.Bytes(), err
}

// PublishImage sends the snapshot to every client.  Nothing is encoded without clients.
func (s *Stream) PublishImage(snap device.Snapshot) {
	if s.Subscribers() == 0 {
		return
	}
	b, err := s.Encode(snap)
	if err != nil {
		s.log.Error("live view frame could not be encoded", zap.Error(err))
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- b:
		default:
		}
	}
}

// PublishStatus is a no-op; the live view only carries images
func (s *Stream) PublishStatus(device.Status) {}

// ServeHTTP streams multipart/x-mixed-replace JPEG parts until the client goes away
func (s *Stream) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ch := s.subscribe()
	defer s.unsubscribe(ch)

	mimeWriter := multipart.NewWriter(w)
	defer mimeWriter.Close()
	w.Header().Add("Connection", "close")
	w.Header().Add("Cache-Control", "no-store, no-cache")
	w.Header().Add("Content-Type", fmt.Sprintf("multipart/x-mixed-replace;boundary=%s", mimeWriter.Boundary()))
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	for {
		select {
		case <-r.Context().Done():
			s.log.Debug("live view client disconnected")
			return
		case b := <-ch:
			partHeader := make(textproto.MIMEHeader)
			partHeader.Add("Content-Type", "image/jpeg")
			partWriter, err := mimeWriter.CreatePart(partHeader)
			if err != nil {
				s.log.Warn("live view: create part", zap.Error(err))
				return
			}
			if _, err := partWriter.Write(b); err != nil {
				s.log.Debug("live view: write", zap.Error(err))
				return
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
	}
}
