package controlplane

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// handleSSE streams a live status frame every interval until the client
// disconnects.
func (a *API) handleSSE(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// First frame immediately, then on the ticker
	a.writeFrame(w)
	flusher.Flush()

	ticker := time.NewTicker(a.sseInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
			a.writeFrame(w)
			flusher.Flush()
		}
	}
}

func (a *API) writeFrame(w http.ResponseWriter) {
	var rateLimit interface{}
	if a.limiter != nil {
		rateLimit = map[string]interface{}{
			"metrics": a.limiter.Metrics(),
			"config":  a.limiterConfig(),
		}
	}

	var cors interface{}
	if a.cfg.CORS.Enabled {
		cors = a.corsConfig()
	}

	frame := map[string]interface{}{
		"timestamp": time.Now().UnixMilli(),
		"rateLimit": rateLimit,
		"cors":      cors,
		"shell": map[string]interface{}{
			"enabled":  a.shell.Enabled(),
			"dir":      a.shell.Dir(),
			"excludes": a.shell.Excludes(),
		},
		"recentLogs": a.log.Recent(10),
	}

	data, err := json.Marshal(frame)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
}
