package admin

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/gobwas/glob"
	"github.com/maxpert/tabletd/tablet"
	"github.com/maxpert/tabletd/task"
	"github.com/maxpert/tabletd/telemetry"
	"github.com/rs/zerolog/log"
)

// Canceller runs cancel-delete requests
type Canceller interface {
	Execute(req task.CancelDeleteRequest) *task.Result
}

// AdminHandlers handles admin API endpoints for tablet headers
type AdminHandlers struct {
	manager   *tablet.TabletManager
	canceller Canceller
}

// NewAdminHandlers creates a new AdminHandlers instance
func NewAdminHandlers(manager *tablet.TabletManager, canceller Canceller) *AdminHandlers {
	return &AdminHandlers{
		manager:   manager,
		canceller: canceller,
	}
}

type predicateView struct {
	Version    int64    `json:"version"`
	Conditions []string `json:"conditions"`
}

type replicaView struct {
	Tablet           string          `json:"tablet"`
	TabletID         int64           `json:"tablet_id"`
	SchemaHash       uint32          `json:"schema_hash"`
	StorePath        string          `json:"store_path"`
	Revision         uint64          `json:"revision"`
	Dirty            bool            `json:"dirty"`
	DeletePredicates []predicateView `json:"delete_predicates"`
}

type outcomeView struct {
	Tablet string `json:"tablet"`
	State  string `json:"state"`
	Error  string `json:"error,omitempty"`
}

type addPredicateRequest struct {
	Version    int64    `json:"version"`
	Conditions []string `json:"conditions"`
}

func toReplicaView(t *tablet.Tablet) replicaView {
	meta, dirty := t.Snapshot()

	view := replicaView{
		Tablet:           t.FullName(),
		TabletID:         int64(t.TabletID()),
		SchemaHash:       t.SchemaHash(),
		StorePath:        t.StorePath(),
		Revision:         meta.Revision,
		Dirty:            dirty,
		DeletePredicates: make([]predicateView, 0, len(meta.DeletePredicates)),
	}
	for _, p := range meta.DeletePredicates {
		view.DeletePredicates = append(view.DeletePredicates, predicateView{
			Version:    p.Version,
			Conditions: p.Conditions,
		})
	}
	return view
}

// writeJSONResponse writes a success response wrapped in {"data": ...}
func writeJSONResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(map[string]interface{}{"data": data}); err != nil {
		log.Error().Err(err).Msg("Failed to encode JSON response")
	}
}

// writeErrorResponse writes an error response
func writeErrorResponse(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	response := map[string]interface{}{
		"error": message,
	}
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Error().Err(err).Msg("Failed to encode error response")
	}
}

func (h *AdminHandlers) wrapWithTabletID(fn func(http.ResponseWriter, *http.Request, tablet.TabletID)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := tablet.ParseTabletID(chi.URLParam(r, "tabletID"))
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, err.Error())
			return
		}
		fn(w, r, id)
	}
}

// handleListTablets lists every local replica, optionally filtered by ?match=<glob> on the full name
func (h *AdminHandlers) handleListTablets(w http.ResponseWriter, r *http.Request) {
	var matcher glob.Glob
	if pattern := r.URL.Query().Get("match"); pattern != "" {
		g, err := glob.Compile(pattern)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid match pattern %q: %v", pattern, err))
			return
		}
		matcher = g
	}

	views := []replicaView{}
	for _, t := range h.manager.AllTablets() {
		if matcher != nil && !matcher.Match(t.FullName()) {
			continue
		}
		views = append(views, toReplicaView(t))
	}

	writeJSONResponse(w, http.StatusOK, views)
}

func (h *AdminHandlers) handleGetTablet(w http.ResponseWriter, r *http.Request, id tablet.TabletID) {
	replicas := h.manager.GetTabletsByID(id)
	if len(replicas) == 0 {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("tablet %d not found", id))
		return
	}

	views := make([]replicaView, 0, len(replicas))
	for _, t := range replicas {
		views = append(views, toReplicaView(t))
	}
	writeJSONResponse(w, http.StatusOK, views)
}

// handleAddDeletePredicate registers a predicate on every replica, stopping at the first failure
func (h *AdminHandlers) handleAddDeletePredicate(w http.ResponseWriter, r *http.Request, id tablet.TabletID) {
	var req addPredicateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}

	replicas := h.manager.GetTabletsByID(id)
	if len(replicas) == 0 {
		writeErrorResponse(w, http.StatusNotFound, fmt.Sprintf("tablet %d not found", id))
		return
	}

	pred := tablet.DeletePredicate{Version: req.Version, Conditions: req.Conditions}
	outcomes := make([]outcomeView, 0, len(replicas))
	for _, t := range replicas {
		if err := t.AddDeletePredicate(pred); err != nil {
			log.Warn().Err(err).Str("tablet", t.FullName()).Int64("version", req.Version).Msg("Failed to add delete predicate")
			outcomes = append(outcomes, outcomeView{Tablet: t.FullName(), State: "failed", Error: err.Error()})
			writeJSONResponse(w, addPredicateStatus(err), map[string]interface{}{
				"status":   "failure",
				"error":    err.Error(),
				"replicas": outcomes,
			})
			return
		}
		telemetry.DeletePredicatesAddedTotal.Inc()
		outcomes = append(outcomes, outcomeView{Tablet: t.FullName(), State: "added"})
	}

	writeJSONResponse(w, http.StatusCreated, map[string]interface{}{
		"status":   "success",
		"replicas": outcomes,
	})
}

func addPredicateStatus(err error) int {
	switch {
	case errors.Is(err, tablet.ErrPredicateExists):
		return http.StatusConflict
	case errors.Is(err, tablet.ErrInvalidVersion), errors.Is(err, tablet.ErrEmptyConditions):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// handleCancelDelete removes the predicate at {version} from every replica
func (h *AdminHandlers) handleCancelDelete(w http.ResponseWriter, r *http.Request, id tablet.TabletID) {
	version, err := strconv.ParseInt(chi.URLParam(r, "version"), 10, 64)
	if err != nil || version < 0 {
		writeErrorResponse(w, http.StatusBadRequest, fmt.Sprintf("invalid version %q", chi.URLParam(r, "version")))
		return
	}

	result := h.canceller.Execute(task.CancelDeleteRequest{TabletID: id, Version: version})

	outcomes := make([]outcomeView, 0, len(result.Replicas))
	for _, o := range result.Replicas {
		view := outcomeView{Tablet: o.Tablet, State: o.State.String()}
		if o.Err != nil {
			view.Error = o.Err.Error()
		}
		outcomes = append(outcomes, view)
	}

	body := map[string]interface{}{
		"status":   result.Status.String(),
		"applied":  result.Applied(),
		"replicas": outcomes,
	}
	if result.Err != nil {
		body["error"] = result.Err.Error()
	}

	writeJSONResponse(w, cancelDeleteStatus(result), body)
}

func cancelDeleteStatus(result *task.Result) int {
	switch result.Status {
	case task.StatusSuccess:
		return http.StatusOK
	case task.StatusNotFound:
		return http.StatusNotFound
	}

	switch {
	case errors.Is(result.Err, task.ErrPersistMeta):
		return http.StatusInternalServerError
	case errors.Is(result.Err, tablet.ErrPredicateNotFound):
		return http.StatusConflict
	case errors.Is(result.Err, tablet.ErrInvalidVersion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
