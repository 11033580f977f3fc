package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleRunEvents serves a Server-Sent Events stream of a run's status and
// stage summary. It polls the ledger and sends an event whenever the run's
// version changes. When the run becomes terminal it sends a "done" event.
func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runId")
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		s.writeStoreError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no") // disable nginx buffering if present

	sendDone := func(reason string) {
		fmt.Fprintf(w, "event: done\ndata: %s\n\n", reason)
		flusher.Flush()
	}

	tick := time.NewTicker(s.pollInterval)
	defer tick.Stop()

	var lastVersion string
	for {
		run, err := s.store.GetRun(r.Context(), runID)
		if err != nil {
			sendDone("run not found")
			return
		}
		if v := string(run.Version); v != lastVersion {
			lastVersion = v
			data, err := json.Marshal(map[string]any{
				"runId":        run.RunID,
				"status":       run.Status,
				"attempt":      run.Attempt,
				"stageSummary": run.StageSummary,
			})
			if err != nil {
				sendDone("encode failed")
				return
			}
			fmt.Fprintf(w, "event: run\ndata: %s\n\n", data)
			flusher.Flush()
		}
		if run.Terminal() {
			sendDone(run.Status)
			return
		}

		select {
		case <-r.Context().Done():
			return
		case <-tick.C:
		}
	}
}
