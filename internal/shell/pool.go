package shell

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strconv"
)

// DirPool serves the shell application from a directory on disk. Unknown
// paths fall back to index.html so client-side routes resolve.
type DirPool struct{}

var _ Pool = DirPool{}

// Forward serves the request path from dir.
func (DirPool) Forward(r *http.Request, dir string) (*http.Response, error) {
	rel := path.Clean("/" + r.URL.Path)
	file := filepath.Join(dir, filepath.FromSlash(rel))

	data, err := os.ReadFile(file)
	if err != nil {
		file = filepath.Join(dir, "index.html")
		data, err = os.ReadFile(file)
		if err != nil {
			return nil, err
		}
	}

	contentType := mime.TypeByExtension(filepath.Ext(file))
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	resp := &http.Response{
		StatusCode:    http.StatusOK,
		Status:        "200 OK",
		Proto:         r.Proto,
		ProtoMajor:    r.ProtoMajor,
		ProtoMinor:    r.ProtoMinor,
		Header:        make(http.Header),
		Body:          io.NopCloser(bytes.NewReader(data)),
		ContentLength: int64(len(data)),
		Request:       r,
	}
	resp.Header.Set("Content-Type", contentType)
	resp.Header.Set("Content-Length", strconv.Itoa(len(data)))
	return resp, nil
}
