package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/types"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/astrogo/fitsio"
	"github.com/go-chi/chi"
	"github.com/mbi-berlin/lightfield-http/binding"
	"github.com/mbi-berlin/lightfield-http/generichttp"
)

// StatusCode maps an error returned by a Device to an HTTP status code
func StatusCode(err error) int {
	var (
		ve  *binding.ValidationError
		ire *InvalidRegionError
	)
	switch {
	case errors.Is(err, ErrDeviceBusy):
		return http.StatusLocked
	case errors.Is(err, ErrNotReady):
		return http.StatusConflict
	case errors.Is(err, binding.ErrUnknownAttribute), errors.Is(err, binding.ErrReadOnly),
		errors.As(err, &ve), errors.As(err, &ire):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// HTTPWrapper exposes a Device over HTTP
type HTTPWrapper struct {
	// Dev is the underlying device
	Dev *Device

	// RouteTable maps URLs to functions
	RouteTable generichttp.RouteTable
}

// NewHTTPWrapper returns a new HTTP wrapper with the route table pre-configured
func NewHTTPWrapper(d *Device) HTTPWrapper {
	w := HTTPWrapper{Dev: d}
	w.RouteTable = generichttp.RouteTable{
		{Method: http.MethodPost, Path: "/acquire"}:          w.command(d.Acquire),
		{Method: http.MethodPost, Path: "/preview"}:          w.command(d.Preview),
		{Method: http.MethodPost, Path: "/stop"}:             w.stop,
		{Method: http.MethodPost, Path: "/binning"}:          generichttp.SetInt(d.SetBinning, StatusCode),
		{Method: http.MethodPost, Path: "/roi"}:              w.setROI,
		{Method: http.MethodGet, Path: "/roi"}:               w.getROI,
		{Method: http.MethodGet, Path: "/chip-shape"}:        w.chipShape,
		{Method: http.MethodGet, Path: "/state"}:             generichttp.GetString(func() (string, error) { return d.Status().String(), nil }),
		{Method: http.MethodGet, Path: "/attribute"}:         w.attributes,
		{Method: http.MethodGet, Path: "/attribute/{name}"}:  w.readAttribute,
		{Method: http.MethodPost, Path: "/attribute/{name}"}: w.writeAttribute,
		{Method: http.MethodGet, Path: "/image"}:             w.image,
		{Method: http.MethodGet, Path: "/image/count"}:       generichttp.GetInt(w.imageCount),
		{Method: http.MethodGet, Path: "/temperature"}:       generichttp.GetFloat(w.floatAttribute("temp_read"), StatusCode),
		{Method: http.MethodGet, Path: "/exposure"}:          generichttp.GetFloat(w.floatAttribute("exposure"), StatusCode),
		{Method: http.MethodPost, Path: "/exposure"}:         generichttp.SetFloat(w.writeFloat("exposure"), StatusCode),
	}
	return w
}

// RT satisfies generichttp.HTTPer
func (h HTTPWrapper) RT() generichttp.RouteTable {
	return h.RouteTable
}

func (h HTTPWrapper) command(fcn func(context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := fcn(r.Context())
		if err != nil {
			http.Error(w, err.Error(), StatusCode(err))
			return
		}
		w.WriteHeader(http.StatusOK)
	}
}

func (h HTTPWrapper) stop(w http.ResponseWriter, r *http.Request) {
	err := h.Dev.Stop()
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (h HTTPWrapper) setROI(w http.ResponseWriter, r *http.Request) {
	var vals []int
	err := json.NewDecoder(r.Body).Decode(&vals)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	ok, err := h.Dev.SetROI(vals)
	code := http.StatusOK
	if err != nil {
		code = StatusCode(err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(generichttp.BoolT{Bool: ok})
}

func (h HTTPWrapper) getROI(w http.ResponseWriter, r *http.Request) {
	sizes, err := h.Dev.ROISizes()
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	generichttp.RespondJSON(w, sizes)
}

func (h HTTPWrapper) chipShape(w http.ResponseWriter, r *http.Request) {
	shape, err := h.Dev.ChipShape()
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	generichttp.RespondJSON(w, shape)
}

// floatAttribute reads a Float attribute of the binding table
func (h HTTPWrapper) floatAttribute(name string) func() (float64, error) {
	return func() (float64, error) {
		v, err := h.Dev.Table().Read(name)
		if err != nil {
			return 0, err
		}
		f, ok := v.(float64)
		if !ok {
			return 0, fmt.Errorf("attribute %s is %T, not a float", name, v)
		}
		return f, nil
	}
}

func (h HTTPWrapper) writeFloat(name string) func(float64) error {
	return func(f float64) error {
		return h.Dev.Table().Write(name, f)
	}
}

// imageCount is the number of frames in the current image, 0 before the first frame
func (h HTTPWrapper) imageCount() (int, error) {
	snap, ok := h.Dev.Image()
	if !ok {
		return 0, nil
	}
	return snap.Count, nil
}

func (h HTTPWrapper) attributes(w http.ResponseWriter, r *http.Request) {
	generichttp.RespondJSON(w, h.Dev.Table().Attributes())
}

func (h HTTPWrapper) readAttribute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	v, err := h.Dev.Table().Read(name)
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	var hp generichttp.HumanPayload
	switch x := v.(type) {
	case int:
		hp = generichttp.HumanPayload{T: types.Int, Int: x}
	case float64:
		hp = generichttp.HumanPayload{T: types.Float64, Float: x}
	case string:
		hp = generichttp.HumanPayload{T: types.String, String: x}
	case bool:
		hp = generichttp.HumanPayload{T: types.Bool, Bool: x}
	}
	hp.EncodeAndRespond(w, r)
}

// writeAttribute accepts any of {"int": v}, {"f64": v}, {"str": v} or {"bool": v}.
// Enum attributes also accept their label as {"str": label}.
func (h HTTPWrapper) writeAttribute(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	payload := map[string]interface{}{}
	err := json.NewDecoder(r.Body).Decode(&payload)
	defer r.Body.Close()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if len(payload) != 1 {
		http.Error(w, "expected exactly one of int, f64, str, bool", http.StatusBadRequest)
		return
	}
	var v interface{}
	for k, val := range payload {
		switch k {
		case "int", "f64", "str", "bool":
			v = val
		default:
			http.Error(w, fmt.Sprintf("unknown payload key %q", k), http.StatusBadRequest)
			return
		}
	}
	if d, ok := h.Dev.Table().Lookup(name); ok && d.Kind == binding.Enum {
		if s, isStr := v.(string); isStr {
			for i, l := range d.Labels {
				if l == s {
					v = i
					break
				}
			}
		}
	}
	err = h.Dev.Table().Write(name, v)
	if err != nil {
		http.Error(w, err.Error(), StatusCode(err))
		return
	}
	w.WriteHeader(http.StatusOK)
}

// image returns the current image.  The format is chosen by the fmt query
// parameter: json (default), fits, png or jpg.
func (h HTTPWrapper) image(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.Dev.Image()
	if !ok {
		http.Error(w, "no image has been acquired", http.StatusNotFound)
		return
	}
	format := r.URL.Query().Get("fmt")
	if format == "" {
		format = "json"
	}
	hdr := w.Header()
	switch format {
	case "json":
		generichttp.RespondJSON(w, struct {
			Height int       `json:"height"`
			Width  int       `json:"width"`
			Format string    `json:"format"`
			Count  int       `json:"count"`
			Mode   string    `json:"mode"`
			Time   time.Time `json:"time"`
			Pix    pixels    `json:"pix"`
		}{snap.Height, snap.Width, snap.Format.String(), snap.Count, snap.Mode.String(), snap.Time, snap.Pix})
	case "png":
		hdr.Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		snap.WritePNG(w)
	case "jpg", "jpeg":
		hdr.Set("Content-Type", "image/jpeg")
		w.WriteHeader(http.StatusOK)
		snap.WriteJPEG(w)
	case "fits":
		hdr.Set("Content-Type", "image/fits")
		hdr.Set("Content-Disposition", "attachment; filename=image.fits")
		err := snap.WriteFITS(w, FITSCards(snap))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
	default:
		http.Error(w, fmt.Sprintf("unknown image format %q", format), http.StatusBadRequest)
	}
}

// pixels marshals as a JSON array with null in place of NaN and Inf
type pixels []float64

func (p pixels) MarshalJSON() ([]byte, error) {
	b := make([]byte, 0, 2+8*len(p))
	b = append(b, '[')
	for i, v := range p {
		if i > 0 {
			b = append(b, ',')
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			b = append(b, "null"...)
			continue
		}
		b = strconv.AppendFloat(b, v, 'g', -1, 64)
	}
	return append(b, ']'), nil
}

// FITSCards describes how a snapshot was acquired as FITS header cards
func FITSCards(s Snapshot) []fitsio.Card {
	return []fitsio.Card{
		{Name: "NCOMBINE", Value: s.Count, Comment: "number of frames averaged"},
		{Name: "ACQMODE", Value: s.Mode.String(), Comment: "acquisition mode"},
		{Name: "DATE-OBS", Value: s.Time.UTC().Format("2006-01-02T15:04:05.000"), Comment: "time of the last frame"},
	}
}
