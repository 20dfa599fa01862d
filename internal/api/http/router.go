package http

import (
	"net/http"
	"time"

	"github.com/arkilian/chunkindex/internal/status"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatusResponse is the body of GET /v1/status.
type StatusResponse struct {
	Service     string            `json:"service"`
	Controllers []status.Snapshot `json:"controllers"`
	Observers   int               `json:"observers"`
	Time        time.Time         `json:"time"`
}

// ObserverCounter reports the number of subscribed sync streams.
type ObserverCounter interface {
	Len() int
}

// Deps wires the router.
type Deps struct {
	Service   string
	Import    *ImportHandler
	Status    *status.Registry
	Observers ObserverCounter
}

// NewRouter builds the admin API.
func NewRouter(d Deps) http.Handler {
	reg := prometheus.NewRegistry()
	reg.MustRegister(status.NewCollector(d.Status))
	reg.MustRegister(collectors.NewGoCollector())

	r := mux.NewRouter()
	r.Use(RecoveryMiddleware, RequestIDMiddleware, LoggingMiddleware)

	r.Path("/health").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": d.Service})
	})
	r.Path("/metrics").Methods(http.MethodGet).Handler(promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	r.Path("/v1/status").Methods(http.MethodGet).HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		resp := StatusResponse{Service: d.Service, Controllers: d.Status.Snapshots(), Time: time.Now().UTC()}
		if d.Observers != nil {
			resp.Observers = d.Observers.Len()
		}
		writeJSON(w, http.StatusOK, resp)
	})

	if d.Import != nil {
		r.Path("/v1/import").Methods(http.MethodPost).HandlerFunc(d.Import.Import)
		r.Path("/v1/import/groups/delete").Methods(http.MethodPost).HandlerFunc(d.Import.RemoveGroups)
		r.Path("/v1/import/{id}").Methods(http.MethodGet).HandlerFunc(d.Import.Batch)
		r.Path("/v1/objects/delete").Methods(http.MethodPost).HandlerFunc(d.Import.DeleteObjects)
	}

	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed", "", r.Header.Get("X-Request-ID"))
	})
	return r
}
