// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


package serve

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/tombee/toolhost/internal/log"
	"github.com/tombee/toolhost/internal/toolserver"
)

// healthResponse is the /healthz body.
type healthResponse struct {
	Healthy bool                      `json:"healthy"`
	Active  int                       `json:"active"`
	Servers []toolserver.WorkerStatus `json:"servers"`
}

// newHandler serves /metrics, /healthz and /v1/servers.
func newHandler(sup *toolserver.Supervisor, metrics http.Handler, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", metrics)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		resp := healthResponse{Healthy: true, Active: sup.ActiveCount(), Servers: sup.ListStatus()}
		for i, st := range resp.Servers {
			resp.Servers[i].Stderr = nil
			if st.Enabled && st.State != toolserver.StateRunning && supervised(sup, st.Name) {
				resp.Healthy = false
			}
		}
		status := http.StatusOK
		if !resp.Healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, resp)
	})

	mux.HandleFunc("GET /v1/servers", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, sup.ListStatus())
	})

	mux.HandleFunc("GET /v1/servers/{name}", func(w http.ResponseWriter, r *http.Request) {
		st, ok := sup.Status(r.PathValue("name"))
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"error": "server not found"})
			return
		}
		writeJSON(w, http.StatusOK, st)
	})

	return log.Middleware(logger, mux)
}

// supervised reports whether the supervisor would ever start name. Servers
// on an unsupported transport are skipped at startup and never count
// against health.
func supervised(sup *toolserver.Supervisor, name string) bool {
	desc, ok := sup.Registry().Lookup(name)
	return ok && desc.SupportsStdio()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
