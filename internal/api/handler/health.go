package handler

import (
	"context"
	"net/http"

	"github.com/nebula-systems/nebula/internal/infrastructure/jobcontrol"
)

// dbPinger is satisfied by *postgres.Client; narrowed to an interface so
// this package doesn't need to import the infrastructure/postgres package
// just for a health check.
type dbPinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports liveness of this process's dependencies, aggregated
// rather than a bare container-inspect probe.
type HealthHandler struct {
	db      dbPinger
	control *jobcontrol.Client
	// isWorker is true when this handler is mounted by the combined or
	// worker-only process, which can attest to its own liveness directly
	// rather than through the Redis heartbeat it itself writes.
	isWorker bool
}

func NewHealthHandler(db dbPinger, control *jobcontrol.Client, isWorker bool) *HealthHandler {
	return &HealthHandler{db: db, control: control, isWorker: isWorker}
}

type healthResponse struct {
	Status   string `json:"status"`
	Database string `json:"database"`
	Worker   string `json:"worker"`
}

// Health handles GET /health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "healthy", Database: "healthy", Worker: "healthy"}

	if err := h.db.Ping(r.Context()); err != nil {
		resp.Database = "unreachable"
		resp.Status = "degraded"
	}

	if !h.isWorker {
		switch age, seen, err := h.control.LastHeartbeat(r.Context()); {
		case err != nil:
			resp.Worker = "unknown"
			resp.Status = "degraded"
		case !seen:
			resp.Worker = "unknown"
			resp.Status = "degraded"
		case age > 0:
			resp.Worker = "healthy"
		}
	}

	JSON(w, http.StatusOK, resp)
}
