// Package server contains misc server utilities.
package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
)

// ReplyWithFile replies to the client request by serving the given file name
func ReplyWithFile(w http.ResponseWriter, r *http.Request, fn string, fldr string) {
	filePath, err := filepath.Abs(filepath.Join(fldr, fn))
	if err != nil {
		http.Error(w, fmt.Sprintf("unable to compute abspath of file %s %s %s", fldr, fn, err), http.StatusInternalServerError)
		return
	}

	f, err := os.Open(filePath)
	if err != nil {
		http.Error(w, fmt.Sprintf("source file missing %s", filePath), http.StatusNotFound)
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		http.Error(w, fmt.Sprintf("error retrieving source file stats %s", err), http.StatusNotFound)
		return
	}
	// read some stuff to set the headers appropriately
	http.ServeContent(w, r, filepath.Base(fn), stat.ModTime(), f)
}
