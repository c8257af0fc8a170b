package web

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"transcribee.dev/coordinator/coordinator/mediastore"
)

// mediaChunkSize caps how much a single range request returns so one request
// cannot hold a connection on a multi-gigabyte blob.
const mediaChunkSize = 512 << 10

// serveMedia serves a stored blob after verifying its signed URL. Partial
// requests are honored with at most mediaChunkSize bytes per response.
func (server *Server) serveMedia(w http.ResponseWriter, r *http.Request) {
	file := mux.Vars(r)["file"]
	signature := r.URL.Query().Get(mediastore.SignatureParameter)
	if err := server.services.Signer.Verify(file, signature); err != nil {
		server.serveError(w, err)
		return
	}

	blob, size, err := server.services.Blobs.Open(r.Context(), file)
	if err != nil {
		server.serveError(w, err)
		return
	}
	defer func() { _ = blob.Close() }()

	head := make([]byte, 512)
	n, err := io.ReadFull(blob, head)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
		server.serveError(w, Error.Wrap(err))
		return
	}
	contentType := http.DetectContentType(head[:n])

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", contentType)

	start, end, ok := parseRange(r.Header.Get("Range"), size)
	if !ok {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return
	}

	status := http.StatusOK
	if r.Header.Get("Range") != "" {
		status = http.StatusPartialContent
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
	}
	length := end - start + 1
	w.Header().Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)
	if r.Method == http.MethodHead {
		return
	}

	if _, err := blob.Seek(start, io.SeekStart); err != nil {
		return
	}
	if _, err := io.CopyN(w, blob, length); err != nil {
		server.log.Debug("writing media response failed")
	}
}

// parseRange interprets a single-range Range header against a blob of the
// given size, capping the span at mediaChunkSize. An absent header selects
// the whole blob.
func parseRange(header string, size int64) (start, end int64, ok bool) {
	if size == 0 {
		return 0, -1, header == ""
	}
	if header == "" {
		return 0, size - 1, true
	}

	spec, found := strings.CutPrefix(header, "bytes=")
	if !found || strings.Contains(spec, ",") {
		return 0, 0, false
	}
	first, last, found := strings.Cut(spec, "-")
	if !found {
		return 0, 0, false
	}

	if first == "" {
		// suffix form: the final N bytes
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false
		}
		if n > size {
			n = size
		}
		start = size - n
		end = size - 1
	} else {
		parsed, err := strconv.ParseInt(first, 10, 64)
		if err != nil || parsed < 0 || parsed >= size {
			return 0, 0, false
		}
		start = parsed
		end = size - 1
		if last != "" {
			parsed, err := strconv.ParseInt(last, 10, 64)
			if err != nil || parsed < start {
				return 0, 0, false
			}
			if parsed < end {
				end = parsed
			}
		}
	}

	if end-start+1 > mediaChunkSize {
		end = start + mediaChunkSize - 1
	}
	return start, end, true
}
