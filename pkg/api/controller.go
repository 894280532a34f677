// Package api exposes the fleet over HTTP: subscription lifecycle calls,
// node administration, scoring, the event feed and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"keyfleet/pkg/fleet"
	"keyfleet/pkg/metrics"
	"keyfleet/pkg/model"
	"keyfleet/pkg/snapshot"
	"keyfleet/pkg/store"
)

// Deps are the collaborators the server routes to.
type Deps struct {
	Orchestrator *fleet.Orchestrator
	Scorer       *fleet.Scorer
	Store        store.Store
	Snapshots    snapshot.Store
	SnapshotTTL  time.Duration
	Events       *EventHub
	Metrics      *metrics.Metrics
	JWTSecret    string
	Logger       *zap.Logger
}

// Server is the control API.
type Server struct {
	Deps
	log *zap.Logger
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.SnapshotTTL <= 0 {
		d.SnapshotTTL = fleet.DefaultSnapshotTTL
	}
	if d.Events == nil {
		d.Events = NewEventHub(d.Logger)
	}
	return &Server{Deps: d, log: d.Logger.Named("api")}
}

// Handler wires every route on a fresh mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	guard := func(h http.HandlerFunc) http.HandlerFunc { return requireToken(s.JWTSecret, h) }

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := s.Store.Ping(r.Context()); err != nil {
			http.Error(w, "store unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.Handle("GET /metrics", s.Metrics.Handler())

	mux.HandleFunc("GET /api/v1/nodes", guard(s.listNodes))
	mux.HandleFunc("GET /api/v1/nodes/health", guard(s.nodeHealth))
	mux.HandleFunc("POST /api/v1/nodes/{id}/active", guard(s.setNodeActive))
	mux.HandleFunc("DELETE /api/v1/nodes/{id}", guard(s.deleteNode))

	mux.HandleFunc("PUT /api/v1/subscriptions/{id}", guard(s.upsertSubscription))
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/coverage", guard(s.ensureCoverage))
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/refresh", guard(s.refresh))
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/credentials", guard(s.listCredentials))
	mux.HandleFunc("DELETE /api/v1/subscriptions/{id}/credentials", guard(s.deleteCredentials))
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/expiry", guard(s.updateExpiry))
	mux.HandleFunc("POST /api/v1/subscriptions/{id}/enabled", guard(s.setEnabled))
	mux.HandleFunc("GET /api/v1/subscriptions/{id}/traffic", guard(s.traffic))

	mux.HandleFunc("GET /api/v1/scores", guard(s.scores))
	mux.HandleFunc("POST /api/v1/scores/recompute", guard(s.recompute))
	mux.HandleFunc("POST /api/v1/groups/{name}/activate", guard(s.activateGroup))

	mux.HandleFunc("GET /api/v1/events", guard(s.Events.ServeWS))
	return mux
}

func (s *Server) listNodes(w http.ResponseWriter, r *http.Request) {
	nodes, err := s.Orchestrator.Nodes(r.Context())
	if err != nil {
		s.internal(w, "list nodes", err)
		return
	}
	writeJSON(w, http.StatusOK, nodes)
}

func (s *Server) nodeHealth(w http.ResponseWriter, r *http.Request) {
	report, err := s.Orchestrator.Health(r.Context())
	if err != nil {
		s.internal(w, "node health", err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) setNodeActive(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		Active *bool `json:"active"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Active == nil {
		writeError(w, http.StatusBadRequest, "active is required")
		return
	}
	if err := s.Orchestrator.SetNodeActive(r.Context(), id, *req.Active); err != nil {
		s.storeError(w, "set node active", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "active": *req.Active})
}

func (s *Server) deleteNode(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := s.Orchestrator.DeleteNode(r.Context(), id); err != nil {
		s.storeError(w, "delete node", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type subscriptionRequest struct {
	OwnerID     int64     `json:"ownerId"`
	ExpiresAt   time.Time `json:"expiresAt"`
	DeviceLimit int       `json:"deviceLimit"`
	Active      bool      `json:"active"`
}

func (s *Server) upsertSubscription(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.ExpiresAt.IsZero() {
		writeError(w, http.StatusBadRequest, "expiresAt is required")
		return
	}
	sub, err := s.Store.UpsertSubscription(r.Context(), model.Subscription{
		ID:          id,
		OwnerID:     req.OwnerID,
		ExpiresAt:   req.ExpiresAt,
		DeviceLimit: req.DeviceLimit,
		Active:      req.Active,
	})
	if err != nil {
		s.internal(w, "upsert subscription", err)
		return
	}
	writeJSON(w, http.StatusOK, sub)
}

// coverageResponse adds a human readable warning when fewer credentials
// than targeted could be issued.
type coverageResponse struct {
	fleet.CoverageResult
	Warning string `json:"warning,omitempty"`
}

func (s *Server) ensureCoverage(w http.ResponseWriter, r *http.Request) {
	s.coverage(w, r, s.Orchestrator.EnsureCoverage)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.coverage(w, r, s.Orchestrator.Refresh)
}

type coverageFunc func(ctx context.Context, sub model.Subscription, ownerID int64) (fleet.CoverageResult, error)

func (s *Server) coverage(w http.ResponseWriter, r *http.Request, run coverageFunc) {
	sub, ok := s.subscription(w, r)
	if !ok {
		return
	}
	var req struct {
		OwnerID *int64 `json:"ownerId"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	owner := sub.OwnerID
	if req.OwnerID != nil {
		owner = *req.OwnerID
	}

	res, err := run(r.Context(), sub, owner)
	resp := coverageResponse{CoverageResult: res}
	if resp.Credentials == nil {
		resp.Credentials = []model.Credential{}
	}
	switch {
	case errors.Is(err, fleet.ErrAllocationExhausted):
		resp.Warning = "every target node failed"
		writeJSON(w, http.StatusBadGateway, resp)
		return
	case errors.Is(err, fleet.ErrSubscriptionNotLive):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		s.internal(w, "coverage", err)
		return
	}
	if len(res.Failures) > 0 {
		resp.Warning = "some nodes failed; fewer credentials were issued"
	} else if len(res.Credentials) == 0 {
		resp.Warning = "no node with free capacity"
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listCredentials(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	creds, err := s.Store.ActiveCredentials(r.Context(), id)
	if err != nil {
		s.internal(w, "list credentials", err)
		return
	}
	if creds == nil {
		creds = []model.Credential{}
	}
	writeJSON(w, http.StatusOK, creds)
}

func (s *Server) deleteCredentials(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscription(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.Orchestrator.DeleteAll(r.Context(), sub))
}

func (s *Server) updateExpiry(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscription(w, r)
	if !ok {
		return
	}
	var req struct {
		ExpiresAt *time.Time `json:"expiresAt"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid payload")
		return
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.Equal(sub.ExpiresAt) {
		sub.ExpiresAt = *req.ExpiresAt
		var err error
		if sub, err = s.Store.UpsertSubscription(r.Context(), sub); err != nil {
			s.internal(w, "update subscription", err)
			return
		}
	}
	res, err := s.Orchestrator.UpdateExpiry(r.Context(), sub)
	s.updateResult(w, res, err)
}

func (s *Server) setEnabled(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscription(w, r)
	if !ok {
		return
	}
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		writeError(w, http.StatusBadRequest, "enabled is required")
		return
	}
	res, err := s.Orchestrator.SetEnabled(r.Context(), sub, *req.Enabled)
	s.updateResult(w, res, err)
}

func (s *Server) updateResult(w http.ResponseWriter, res fleet.UpdateResult, err error) {
	if err != nil {
		s.log.Warn("update failed on every node", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, map[string]any{"updated": res.Updated, "failures": res.Failures, "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) traffic(w http.ResponseWriter, r *http.Request) {
	sub, ok := s.subscription(w, r)
	if !ok {
		return
	}
	sum, err := s.Orchestrator.Traffic(r.Context(), sub)
	if err != nil {
		s.internal(w, "traffic", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) scores(w http.ResponseWriter, r *http.Request) {
	snap, ok, err := s.Snapshots.Load(r.Context())
	if err != nil {
		s.internal(w, "load snapshot", err)
		return
	}
	resp := map[string]any{"exists": ok, "fresh": false}
	if ok {
		resp["snapshot"] = snap
		resp["fresh"] = snap.Fresh(time.Now(), s.SnapshotTTL)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) recompute(w http.ResponseWriter, r *http.Request) {
	report, err := s.Scorer.Recompute(r.Context())
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error(), "failed": report.Failed})
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) activateGroup(w http.ResponseWriter, r *http.Request) {
	group := r.PathValue("name")
	stats, err := s.Orchestrator.BulkActivateGroup(r.Context(), group)
	switch {
	case errors.Is(err, fleet.ErrGroupEmpty):
		writeError(w, http.StatusNotFound, err.Error())
	case err != nil:
		s.internal(w, "activate group", err)
	default:
		writeJSON(w, http.StatusOK, stats)
	}
}

// subscription loads the subscription named by the path.
func (s *Server) subscription(w http.ResponseWriter, r *http.Request) (model.Subscription, bool) {
	id, ok := pathID(w, r)
	if !ok {
		return model.Subscription{}, false
	}
	sub, err := s.Store.GetSubscription(r.Context(), id)
	if err != nil {
		s.storeError(w, "get subscription", err)
		return model.Subscription{}, false
	}
	return sub, true
}

func (s *Server) storeError(w http.ResponseWriter, op string, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.internal(w, op, err)
}

func (s *Server) internal(w http.ResponseWriter, op string, err error) {
	s.log.Error("request failed", zap.String("op", op), zap.Error(err))
	writeError(w, http.StatusInternalServerError, op+" failed")
}

func pathID(w http.ResponseWriter, r *http.Request) (uint, bool) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 64)
	if err != nil || id == 0 {
		writeError(w, http.StatusBadRequest, "invalid id")
		return 0, false
	}
	return uint(id), true
}

// decodeOptional decodes a JSON body that may be absent.
func decodeOptional(r *http.Request, v any) error {
	if r.Body == nil {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
