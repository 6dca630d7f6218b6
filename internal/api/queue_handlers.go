package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/ringbase/ringbase/internal/acdqueue"
)

// mountQueueRoutes registers the call-queue management endpoints. Called
// from WithQueueEngine once the acdqueue registries are available, rather
// than from routes(), so it can be mounted independently without
// re-registering every other route.
func (s *Server) mountQueueRoutes() {
	s.router.Route("/api/v1/queues", func(r chi.Router) {
		r.Get("/", s.handleListQueues)
		r.Route("/{name}", func(r chi.Router) {
			r.Get("/", s.handleGetQueue)
			r.Get("/members", s.handleListQueueMembers)
			r.Post("/members", s.handleAddQueueMember)
			r.Delete("/members/{iface}", s.handleRemoveQueueMember)
			r.Put("/members/{iface}/pause", s.handleSetMemberPaused)
			r.Put("/members/{iface}/penalty", s.handleSetMemberPenalty)
			r.Post("/reload", s.handleReloadQueue)
		})
	})
}

type queueMemberView struct {
	Interface   string `json:"interface"`
	DisplayName string `json:"display_name"`
	Penalty     int    `json:"penalty"`
	Paused      bool   `json:"paused"`
	CallInUse   bool   `json:"call_in_use"`
	Provenance  string `json:"provenance"`
	Status      string `json:"status"`
}

func toQueueMemberView(snap acdqueue.Snapshot) queueMemberView {
	var prov string
	switch snap.Provenance {
	case acdqueue.ProvenanceStatic:
		prov = "static"
	case acdqueue.ProvenanceRealtime:
		prov = "realtime"
	default:
		prov = "dynamic"
	}
	return queueMemberView{
		Interface:   snap.Interface,
		DisplayName: snap.DisplayName,
		Penalty:     snap.Penalty,
		Paused:      snap.Paused,
		CallInUse:   snap.CallInUse,
		Provenance:  prov,
		Status:      snap.Status.String(),
	}
}

type queueView struct {
	Name         string            `json:"name"`
	Waiting      int               `json:"waiting"`
	AvailableMem int               `json:"available_members"`
	Stats        acdqueue.Stats    `json:"stats"`
	Members      []queueMemberView `json:"members"`
}

func (s *Server) resolveQueue(w http.ResponseWriter, r *http.Request) (*acdqueue.Queue, bool) {
	if s.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue engine not enabled")
		return nil, false
	}
	name := chi.URLParam(r, "name")
	q, err := s.queues.Get(name)
	if err != nil {
		writeError(w, http.StatusNotFound, "queue not found")
		return nil, false
	}
	return q, true
}

func (s *Server) handleListQueues(w http.ResponseWriter, r *http.Request) {
	if s.queues == nil {
		writeError(w, http.StatusServiceUnavailable, "queue engine not enabled")
		return
	}
	writeJSON(w, http.StatusOK, s.queues.List())
}

func (s *Server) handleGetQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	members := q.Members().Ordered()
	views := make([]queueMemberView, len(members))
	for i, m := range members {
		views[i] = toQueueMemberView(m.Snapshot())
	}
	writeJSON(w, http.StatusOK, queueView{
		Name:         q.Name,
		Waiting:      q.Data.Len(),
		AvailableMem: q.NumAvailableMembers(),
		Stats:        q.Data.Stats(),
		Members:      views,
	})
}

func (s *Server) handleListQueueMembers(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	members := q.Members().Ordered()
	views := make([]queueMemberView, len(members))
	for i, m := range members {
		views[i] = toQueueMemberView(m.Snapshot())
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleAddQueueMember(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}

	var req struct {
		Interface   string `json:"interface"`
		DisplayName string `json:"display_name"`
		Penalty     int    `json:"penalty"`
		StateKey    string `json:"state_key"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}
	if req.Interface == "" {
		writeError(w, http.StatusBadRequest, "interface is required")
		return
	}
	stateKey := req.StateKey
	if stateKey == "" {
		stateKey = req.Interface
	}

	device, err := s.queueDevices.Acquire(stateKey)
	if err != nil {
		slog.Error("add queue member: failed to acquire device", "error", err, "interface", req.Interface)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	m := acdqueue.NewMember(req.Interface, device)
	m.DisplayName = req.DisplayName
	m.Penalty = req.Penalty
	m.Provenance = acdqueue.ProvenanceDynamic

	q.Members().Insert(m)

	if s.queuePersist != nil {
		if err := s.queuePersist.Dump(r.Context(), q); err != nil {
			slog.Error("add queue member: failed to persist", "error", err, "queue", q.Name)
		}
	}

	slog.Info("queue member added", "queue", q.Name, "interface", req.Interface)
	writeJSON(w, http.StatusCreated, toQueueMemberView(m.Snapshot()))
}

func (s *Server) handleRemoveQueueMember(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	iface := chi.URLParam(r, "iface")
	if removed := q.Members().Remove(iface); removed == nil {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	if s.queuePersist != nil {
		if err := s.queuePersist.Dump(r.Context(), q); err != nil {
			slog.Error("remove queue member: failed to persist", "error", err, "queue", q.Name)
		}
	}

	slog.Info("queue member removed", "queue", q.Name, "interface", iface)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSetMemberPaused(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	iface := chi.URLParam(r, "iface")
	m, found := q.Members().Get(iface)
	if !found {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	var req struct {
		Paused bool `json:"paused"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	m.SetPaused(req.Paused)

	if s.queuePersist != nil && m.Snapshot().Provenance == acdqueue.ProvenanceDynamic {
		if err := s.queuePersist.Dump(r.Context(), q); err != nil {
			slog.Error("set member paused: failed to persist", "error", err, "queue", q.Name)
		}
	}

	writeJSON(w, http.StatusOK, toQueueMemberView(m.Snapshot()))
}

func (s *Server) handleSetMemberPenalty(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	iface := chi.URLParam(r, "iface")
	m, found := q.Members().Get(iface)
	if !found {
		writeError(w, http.StatusNotFound, "member not found")
		return
	}

	var req struct {
		Penalty int `json:"penalty"`
	}
	if errMsg := readJSON(r, &req); errMsg != "" {
		writeError(w, http.StatusBadRequest, errMsg)
		return
	}

	if err := m.SetPenalty(req.Penalty); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.queuePersist != nil && m.Snapshot().Provenance == acdqueue.ProvenanceDynamic {
		if err := s.queuePersist.Dump(r.Context(), q); err != nil {
			slog.Error("set member penalty: failed to persist", "error", err, "queue", q.Name)
		}
	}

	writeJSON(w, http.StatusOK, toQueueMemberView(m.Snapshot()))
}

// handleReloadQueue re-applies the queue's persisted dynamic-member set
// from the KV store, without disturbing any caller currently waiting
// (spec.md §9 "Reload atomicity" — QueueData is shared, not replaced).
func (s *Server) handleReloadQueue(w http.ResponseWriter, r *http.Request) {
	q, ok := s.resolveQueue(w, r)
	if !ok {
		return
	}
	if s.queuePersist == nil {
		writeError(w, http.StatusServiceUnavailable, "persistence not enabled")
		return
	}
	if err := s.queuePersist.Load(r.Context(), q); err != nil {
		slog.Error("reload queue: failed to load dynamic members", "error", err, "queue", q.Name)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	slog.Info("queue reloaded", "queue", q.Name)
	writeJSON(w, http.StatusOK, map[string]any{"reloaded": q.Name})
}
