package www

import (
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"

	"hivemesh/ota"
)

type nodeProgressView struct {
	Node        string    `json:"node"`
	Status      string    `json:"status"`
	CurrentPart int       `json:"current_part"`
	TotalParts  int       `json:"total_parts"`
	Error       string    `json:"error,omitempty"`
	LastActive  time.Time `json:"last_active"`
}

type jobView struct {
	ID          string             `json:"id"`
	ExternalID  string             `json:"external_id,omitempty"`
	FirmwareID  string             `json:"firmware_id"`
	TargetRole  string             `json:"target_role"`
	Hardware    string             `json:"hardware,omitempty"`
	MD5         string             `json:"md5"`
	TotalParts  int                `json:"total_parts"`
	Force       bool               `json:"force"`
	Status      string             `json:"status"`
	CreatedAt   time.Time          `json:"created_at"`
	StartedAt   time.Time          `json:"started_at,omitempty"`
	CompletedAt time.Time          `json:"completed_at,omitempty"`
	Nodes       []nodeProgressView `json:"nodes"`
}

func viewJob(j *ota.Job) jobView {
	v := jobView{
		ID:          j.ID,
		ExternalID:  j.ExternalID,
		FirmwareID:  j.FirmwareID,
		TargetRole:  j.TargetRole,
		Hardware:    j.Hardware,
		MD5:         j.MD5,
		TotalParts:  j.TotalParts,
		Force:       j.Force,
		Status:      string(j.Status),
		CreatedAt:   j.CreatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
		Nodes:       make([]nodeProgressView, 0, len(j.Nodes)),
	}
	for id, p := range j.Nodes {
		v.Nodes = append(v.Nodes, nodeProgressView{
			Node:        id.ShortName(),
			Status:      string(p.Status),
			CurrentPart: p.CurrentPart,
			TotalParts:  p.TotalParts,
			Error:       p.Error,
			LastActive:  p.LastActivity,
		})
	}
	sort.Slice(v.Nodes, func(i, k int) bool { return v.Nodes[i].Node < v.Nodes[k].Node })
	return v
}

func (h *Handlers) apiListJobs(w http.ResponseWriter, r *http.Request) {
	var views []jobView
	h.node.DoSync(func() {
		for _, j := range h.node.Distributor().Jobs() {
			views = append(views, viewJob(j))
		}
	})
	sort.Slice(views, func(i, k int) bool { return views[i].CreatedAt.After(views[k].CreatedAt) })
	writeJSON(w, views)
}

func (h *Handlers) apiGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var view jobView
	found := false
	h.node.DoSync(func() {
		if j, ok := h.node.Distributor().Job(jobID); ok {
			view = viewJob(j)
			found = true
		}
	})
	if !found {
		writeError(w, http.StatusNotFound, "unknown job")
		return
	}
	writeJSON(w, view)
}

func (h *Handlers) apiCreateJob(w http.ResponseWriter, r *http.Request) {
	req := struct {
		FirmwareID string `json:"firmware_id"`
		TargetRole string `json:"target_role"`
		Hardware   string `json:"hardware"`
		MD5        string `json:"md5"`
		Parts      int    `json:"parts"`
		Force      bool   `json:"force"`
		Start      *bool  `json:"start"` // default true
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid body")
		return
	}
	start := req.Start == nil || *req.Start

	var (
		view   jobView
		jobErr error
	)
	h.node.DoSync(func() {
		now := time.Now()
		dist := h.node.Distributor()
		job, err := dist.NewJob(req.FirmwareID, req.TargetRole, req.Hardware, req.MD5, req.Parts, req.Force, now)
		if err != nil {
			jobErr = err
			return
		}
		if start {
			if err := dist.Start(job.ID, now); err != nil {
				jobErr = err
				return
			}
		}
		view = viewJob(job)
	})
	if jobErr != nil {
		writeError(w, http.StatusBadRequest, jobErr.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(view)
}

func (h *Handlers) apiCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	var jobErr error
	h.node.DoSync(func() {
		jobErr = h.node.Distributor().Cancel(jobID, time.Now())
	})
	if jobErr != nil {
		writeError(w, http.StatusBadRequest, jobErr.Error())
		return
	}
	writeJSON(w, map[string]string{"status": "cancelled"})
}
