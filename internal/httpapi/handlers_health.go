package httpapi

import (
	"net/http"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleHealthDetailed probes the Store and the ledger. The ledger is one
// combined "ledger" check (the Watcher's blue score, read from the push
// backend with the indexer as fallback); the push backend and the indexer
// are not reported separately.
func (s *Server) handleHealthDetailed(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{"status": "ok"}
	overall := http.StatusOK

	if err := s.engine.Store.Ping(r.Context()); err != nil {
		checks["store"] = "down: " + err.Error()
		overall = http.StatusServiceUnavailable
	} else {
		checks["store"] = "ok"
	}

	if _, err := s.engine.Watcher.CurrentBlueScore(r.Context()); err != nil {
		checks["ledger"] = "down: " + err.Error()
		overall = http.StatusServiceUnavailable
	} else {
		checks["ledger"] = "ok"
	}

	if overall != http.StatusOK {
		checks["status"] = "degraded"
	}
	writeJSON(w, overall, checks)
}

// handleHealthReady reports whether the gateway can accept traffic: the
// store must be reachable.
func (s *Server) handleHealthReady(w http.ResponseWriter, r *http.Request) {
	if err := s.engine.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// handleHealthLive reports whether the process itself is alive; it performs
// no dependency checks, so a wedged dependency never causes an orchestrator
// to kill a process that could otherwise recover.
func (s *Server) handleHealthLive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}
