package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/seantiz/tarn/internal/model"
)

// handleStreamLogs streams the environment's worker output as server-sent
// events until the worker exits or the client goes away.
func (s *Server) handleStreamLogs(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEnvironment(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Nothing will ever be published for an environment without a worker.
	if e.State != model.StateLaunching && e.State != model.StateLaunched {
		w.WriteHeader(http.StatusOK)
		return
	}

	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Error("set write deadline for SSE", "error", err)
	}

	// A worker that exited since the lookup leaves a closed topic, so the
	// loop below ends at once.
	ch, unsub := s.broker.Subscribe(e.Name)
	defer unsub()

	streams := logStreams.WithLabelValues(e.Name)
	streams.Inc()
	defer streams.Dec()

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	for {
		select {
		case line, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", "worker exited")
				if canFlush {
					flusher.Flush()
				}
				return
			}
			if err := writeSSEData(w, line); err != nil {
				return
			}
			if canFlush {
				flusher.Flush()
			}
		case <-r.Context().Done():
			return
		}
	}
}

// logHistoryLine is a single log line in the history response.
type logHistoryLine struct {
	LaunchID  string `json:"launch_id"`
	Seq       int    `json:"seq"`
	Line      string `json:"line"`
	CreatedAt string `json:"created_at"`
}

// logHistoryResponse is the JSON response for
// GET /v1/environments/{name}/logs/history.
type logHistoryResponse struct {
	Environment string           `json:"environment"`
	LaunchID    string           `json:"launch_id,omitempty"`
	Lines       []logHistoryLine `json:"lines"`
}

// handleGetLogHistory returns persisted worker output. The launch_id query
// parameter selects one launch and "all" selects every launch. Without it the
// current launch is returned, or every launch when no worker is live.
func (s *Server) handleGetLogHistory(w http.ResponseWriter, r *http.Request) {
	e, ok := s.lookupEnvironment(w, r)
	if !ok {
		return
	}

	launchID := r.URL.Query().Get("launch_id")
	switch launchID {
	case "":
		launchID = e.LaunchID
	case "all":
		launchID = ""
	}

	logLines, err := s.store.GetLogLines(r.Context(), e.Name, launchID)
	if err != nil {
		s.logger.Error("get log lines", "environment", e.Name, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get log lines")
		return
	}

	lines := make([]logHistoryLine, len(logLines))
	for i, l := range logLines {
		lines[i] = logHistoryLine{
			LaunchID:  l.LaunchID,
			Seq:       l.Seq,
			Line:      l.Line,
			CreatedAt: l.CreatedAt.Format(time.RFC3339),
		}
	}

	s.writeJSON(w, http.StatusOK, logHistoryResponse{
		Environment: e.Name,
		LaunchID:    launchID,
		Lines:       lines,
	})
}

// writeSSEData writes a log line as an SSE data event. Multi-line strings are
// split so that each segment gets its own "data:" prefix.
func writeSSEData(w http.ResponseWriter, line string) error {
	for seg := range strings.SplitSeq(line, "\n") {
		if _, err := fmt.Fprintf(w, "data: %s\n", seg); err != nil {
			return err
		}
	}
	_, err := fmt.Fprint(w, "\n")
	return err
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
