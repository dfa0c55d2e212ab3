package web

import (
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/pal-kamlesh/buffeNStreams/internal/logging"
)

// handleStreamVideo serves a stored file in full or the single byte window
// named by the Range header.
func (s *Server) handleStreamVideo(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "fileId")
	if err != nil {
		s.fail(w, r, err)
		return
	}

	res, rec, err := s.service.StreamFile(r.Context(), id, r.Header.Get("Range"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	defer res.Body.Close()

	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", res.ContentType)
	h.Set("Content-Length", strconv.FormatInt(max(res.Range.Length(), 0), 10))

	status := http.StatusOK
	if res.Partial {
		h.Set("Content-Range", res.Range.ContentRange())
		status = http.StatusPartialContent
	}
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return
	}
	n, err := io.Copy(w, res.Body)
	if err != nil {
		// Headers are gone; the client sees a short body.
		logging.FromContext(r.Context()).Debug("stream aborted",
			"file_id", rec.ID,
			"bytes_sent", n,
			"error", err,
		)
	}
}

// handleLogs streams server log lines as server-sent events until the client
// disconnects. A comment line is sent periodically so idle proxies keep the
// connection open.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	rc := http.NewResponseController(w)

	sub, err := s.service.Subscribe()
	if err != nil {
		respondError(w, r, err, http.StatusServiceUnavailable)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		logging.FromContext(r.Context()).Warn("log stream unavailable", "error", err)
		return
	}

	heartbeat := s.cfg.Broadcast.Heartbeat
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				if sub.Evicted() {
					io.WriteString(w, "event: overflow\ndata: log stream fell behind, reconnect to resume\n\n")
					rc.Flush()
					logging.FromContext(r.Context()).Warn("log subscriber evicted")
				}
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", sseData(ev)); err != nil {
				return
			}
		case <-ticker.C:
			if _, err := io.WriteString(w, ": ping\n\n"); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

// sseData keeps an event inside one SSE block.
func sseData(ev string) string {
	ev = strings.ReplaceAll(ev, "\r", "")
	return strings.ReplaceAll(ev, "\n", "\ndata: ")
}
