package http

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	cerrors "github.com/arkilian/chunkindex/internal/errors"
	"github.com/arkilian/chunkindex/internal/importer"
	"github.com/arkilian/chunkindex/internal/status"
	"github.com/arkilian/chunkindex/internal/worker"
	"github.com/arkilian/chunkindex/pkg/types"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	lru "github.com/hashicorp/golang-lru/v2"
)

// batchHistory bounds how many finished import batches stay queryable.
const batchHistory = 1024

// ImportRequest is the body of POST /v1/import.
type ImportRequest struct {
	Objects []types.ImportObject `json:"objects"`
}

// BatchStatus describes one asynchronous import batch.
type BatchStatus struct {
	BatchID    string            `json:"batch_id"`
	State      string            `json:"state"`
	Objects    int               `json:"objects"`
	Attempts   int               `json:"attempts,omitempty"`
	Summary    *importer.Summary `json:"summary,omitempty"`
	Error      string            `json:"error,omitempty"`
	AcceptedAt time.Time         `json:"accepted_at"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
}

// Batch states.
const (
	StatePending = "pending"
	StateDone    = "done"
	StateFailed  = "failed"
)

// ImportHandler serves the write side of the API.
type ImportHandler struct {
	importer *importer.Importer
	pool     *worker.Pool
	reporter *status.Reporter

	// ctx outlives the requests that submit batches.
	ctx context.Context

	mu      sync.Mutex
	batches *lru.Cache[string, BatchStatus]
}

// NewImportHandler creates the handler. Batches run on pool under ctx.
func NewImportHandler(ctx context.Context, im *importer.Importer, pool *worker.Pool, reporter *status.Reporter) (*ImportHandler, error) {
	batches, err := lru.New[string, BatchStatus](batchHistory)
	if err != nil {
		return nil, err
	}
	return &ImportHandler{importer: im, pool: pool, reporter: reporter, ctx: ctx, batches: batches}, nil
}

// Import handles POST /v1/import. The batch runs asynchronously and the
// reply is 202 with its id; ?wait=true runs it inline and replies with the
// summary.
func (h *ImportHandler) Import(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())

	var req ImportRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), cerrors.CodeBadEnvelope, requestID)
		return
	}
	if len(req.Objects) == 0 {
		writeError(w, http.StatusBadRequest, "objects must not be empty", cerrors.CodeEmptyBatch, requestID)
		return
	}

	if r.URL.Query().Get("wait") == "true" {
		summary, err := h.importer.Import(r.Context(), req.Objects)
		if err != nil {
			h.reporter.RecordError(err)
			writeStructuredError(w, err, requestID)
			return
		}
		h.reporter.AddCompiled(len(req.Objects))
		writeJSON(w, http.StatusOK, summary)
		return
	}

	batchID := uuid.NewString()
	st := BatchStatus{BatchID: batchID, State: StatePending, Objects: len(req.Objects), AcceptedAt: time.Now().UTC()}
	h.put(st)

	objects := req.Objects
	fn := func(ctx context.Context) worker.Result {
		summary, err := h.importer.Import(ctx, objects)
		return worker.FromError(summary, err)
	}
	err := h.pool.Submit(h.ctx, "import-"+batchID, fn, func(res worker.Result) { h.finish(batchID, res) })
	if err != nil {
		h.batches.Remove(batchID)
		writeError(w, http.StatusServiceUnavailable, err.Error(), "", requestID)
		return
	}

	log.Printf("http: accepted import batch %s with %d objects (request %s)", batchID, len(objects), requestID)
	writeJSON(w, http.StatusAccepted, st)
}

func (h *ImportHandler) finish(batchID string, res worker.Result) {
	h.mu.Lock()
	defer h.mu.Unlock()

	st, ok := h.batches.Peek(batchID)
	if !ok {
		st = BatchStatus{BatchID: batchID}
	}
	now := time.Now().UTC()
	st.FinishedAt = &now
	st.Attempts = res.Attempts
	if res.Status == worker.StatusOk {
		st.State = StateDone
		st.Summary, _ = res.Value.(*importer.Summary)
		h.reporter.AddCompiled(st.Objects)
	} else {
		st.State = StateFailed
		if res.Err != nil {
			st.Error = res.Err.Error()
		}
		h.reporter.RecordError(res.Err)
	}
	h.batches.Add(batchID, st)
}

func (h *ImportHandler) put(st BatchStatus) {
	h.mu.Lock()
	h.batches.Add(st.BatchID, st)
	h.mu.Unlock()
}

// Batch handles GET /v1/import/{id}.
func (h *ImportHandler) Batch(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	h.mu.Lock()
	st, ok := h.batches.Get(id)
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "unknown batch "+id, "", GetRequestID(r.Context()))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// RemoveGroupsRequest is the body of POST /v1/import/groups/delete.
type RemoveGroupsRequest struct {
	Hashes []string `json:"hashes"`
}

// RemoveGroups drops every route owned by the given import groups.
func (h *ImportHandler) RemoveGroups(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	var req RemoveGroupsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), cerrors.CodeBadEnvelope, requestID)
		return
	}
	n, err := h.importer.RemoveImportGroups(r.Context(), req.Hashes)
	if err != nil {
		writeStructuredError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"repacked": n})
}

// DeleteObjectsRequest is the body of POST /v1/objects/delete.
type DeleteObjectsRequest struct {
	Keys []string `json:"keys"`
}

// DeleteObjects removes objects by key.
func (h *ImportHandler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	requestID := GetRequestID(r.Context())
	var req DeleteObjectsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err), cerrors.CodeBadEnvelope, requestID)
		return
	}
	n, err := h.importer.DeleteObjects(r.Context(), req.Keys)
	if err != nil {
		writeStructuredError(w, err, requestID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

// writeStructuredError maps error categories onto status codes.
func writeStructuredError(w http.ResponseWriter, err error, requestID string) {
	code := http.StatusInternalServerError
	switch cerrors.GetCategory(err) {
	case cerrors.ErrCategoryValidation:
		code = http.StatusBadRequest
	case cerrors.ErrCategoryStore:
		if cerrors.IsRetryable(err) {
			code = http.StatusServiceUnavailable
		}
	}
	writeError(w, code, err.Error(), cerrors.GetCode(err), requestID)
}
