package stream

import (
	"fmt"
	"mime"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"streambit/internal/torrent"
)

// chunkSize is how much payload is written per readiness
// check while serving a range
const chunkSize = 64 * 1024

// Resolver looks up a running torrent by its hex info hash
type Resolver func(hexHash string) (*torrent.Torrent, bool)

// Server serves torrent payload over HTTP with range
// support, so a media player can play a file while it
// downloads
type Server struct {
	resolve Resolver
	router  *mux.Router
}

func NewServer(resolve Resolver) *Server {
	s := &Server{resolve: resolve}

	r := mux.NewRouter()
	r.HandleFunc("/torrents/{hash}/files/{index:[0-9]+}", s.handleFile).Methods(http.MethodGet, http.MethodHead)
	s.router = r

	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleFile(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)

	t, ok := s.resolve(vars["hash"])
	if !ok {
		http.Error(w, "unknown torrent", http.StatusNotFound)
		return
	}

	index, err := strconv.Atoi(vars["index"])
	if err != nil || index < 0 || index >= len(t.Files()) {
		http.Error(w, "unknown file", http.StatusNotFound)
		return
	}

	file := t.Files()[index]
	size := int64(file.Length)

	start, end, partial, err := parseRange(r.Header.Get("Range"), size)
	if err != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, err.Error(), http.StatusRequestedRangeNotSatisfiable)
		return
	}

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Length", strconv.FormatInt(end-start+1, 10))

	if ctype := mime.TypeByExtension(filepath.Ext(file.Name)); ctype != "" {
		w.Header().Set("Content-Type", ctype)
	}

	status := http.StatusOK
	if partial {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", start, end, size))
		status = http.StatusPartialContent
	}

	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}

	stream, err := Open(t, index, start)
	if err != nil {
		return
	}
	defer stream.Stop()

	s.copyRange(w, r, stream, start, end)
}

// copyRange writes [start, end] to the client, waiting for
// pieces to arrive as needed. A slow swarm stalls the
// response; a disconnected client aborts it.
func (s *Server) copyRange(w http.ResponseWriter, r *http.Request, stream *Stream, start, end int64) {
	flusher, _ := w.(http.Flusher)

	for offset := start; offset <= end; {
		n := chunkSize
		if remaining := end - offset + 1; remaining < int64(n) {
			n = int(remaining)
		}

		if err := stream.WaitReady(r.Context(), offset, n); err != nil {
			return
		}

		data, err := stream.Read(offset, n)
		if err != nil {
			log.Debug().Err(err).Msg("stream read failed")
			return
		}

		if _, err := w.Write(data); err != nil {
			return
		}

		if flusher != nil {
			flusher.Flush()
		}

		offset += int64(len(data))
	}
}

// parseRange handles the single-range form of the Range
// header: "bytes=start-end", "bytes=start-" and
// "bytes=-suffix"
func parseRange(header string, size int64) (start, end int64, partial bool, err error) {
	end = size - 1

	if header == "" {
		return 0, end, false, nil
	}

	if !strings.HasPrefix(header, "bytes=") {
		return 0, 0, false, fmt.Errorf("unsupported range unit")
	}

	spec := strings.TrimPrefix(header, "bytes=")
	if strings.Contains(spec, ",") {
		// Multipart ranges are not supported; players do not
		// use them
		return 0, 0, false, fmt.Errorf("multiple ranges not supported")
	}

	parts := strings.SplitN(spec, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false, fmt.Errorf("malformed range")
	}

	if parts[0] == "" {
		// Suffix form: last N bytes
		n, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || n <= 0 {
			return 0, 0, false, fmt.Errorf("malformed range")
		}

		if n > size {
			n = size
		}

		return size - n, size - 1, true, nil
	}

	start, err = strconv.ParseInt(parts[0], 10, 64)
	if err != nil || start < 0 || start >= size {
		return 0, 0, false, fmt.Errorf("range start out of bounds")
	}

	if parts[1] != "" {
		end, err = strconv.ParseInt(parts[1], 10, 64)
		if err != nil || end < start {
			return 0, 0, false, fmt.Errorf("malformed range")
		}

		if end >= size {
			end = size - 1
		}
	} else {
		end = size - 1
	}

	return start, end, true, nil
}

// ListenAndServe runs the stream server until ctx would
// normally cancel it; callers manage shutdown via the
// returned http.Server
func ListenAndServe(addr string, resolve Resolver) *http.Server {
	srv := &http.Server{
		Addr:         addr,
		Handler:      NewServer(resolve),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 0, // streaming responses have no bound
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Err(err).Msg("stream server failed")
		}
	}()

	return srv
}
