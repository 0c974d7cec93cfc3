package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/xuan1250/transfer2read/internal/types"
)

// createJobRequest is the JSON body for registering a pre-uploaded
// document by object reference.
type createJobRequest struct {
	OwnerID  string `json:"owner_id" validate:"required,uuid4"`
	Tier     string `json:"tier" validate:"required,oneof=free pro unlimited"`
	InputRef string `json:"input_ref" validate:"required"`
}

// handleCreateJob registers a new conversion job. A multipart request
// uploads the document inline; a JSON request references an object that
// was uploaded out of band.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "multipart/form-data") {
		s.createJobFromUpload(w, r)
		return
	}

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := s.validate.Struct(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid owner_id")
		return
	}

	job, err := s.service.Submit(r.Context(), ownerID, types.AccountTier(req.Tier), req.InputRef)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, job)
}

func (s *Server) createJobFromUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload)
	if err := r.ParseMultipartForm(s.maxUpload); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid multipart body")
		return
	}

	ownerID, err := uuid.Parse(r.FormValue("owner_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid owner_id")
		return
	}
	tier := types.AccountTier(r.FormValue("tier"))

	file, header, err := r.FormFile("document")
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "document file is required")
		return
	}
	defer file.Close()
	if !strings.HasSuffix(strings.ToLower(header.Filename), ".pdf") {
		s.errorResponse(w, http.StatusBadRequest, "only PDF documents are accepted")
		return
	}

	ref := fmt.Sprintf("uploads/%s.pdf", uuid.New())
	if err := s.store.Put(r.Context(), ref, file); err != nil {
		s.serviceError(w, err)
		return
	}

	job, err := s.service.Submit(r.Context(), ownerID, tier, ref)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, job)
}

// handleStartJob begins processing an uploaded job, charging the owner's
// monthly quota.
func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	job, err := s.service.Start(r.Context(), jobID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// handleGetJob returns the job record with status, progress, and the
// quality report once completed.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	job, err := s.service.Get(r.Context(), jobID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, job)
}

// handleCancelJob requests cancellation; the response reflects whether
// the job was finalized immediately or will stop at the next checkpoint.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	job, err := s.service.Cancel(r.Context(), jobID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, job)
}

// handleListJobs lists an owner's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "owner_id query parameter is required")
		return
	}
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit < 1 || limit > 500 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
	}
	jobs, err := s.service.List(r.Context(), ownerID, limit)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"jobs": jobs})
}

// handleDeleteJob soft-deletes a terminal job.
func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	ownerID, err := uuid.Parse(r.URL.Query().Get("owner_id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "owner_id query parameter is required")
		return
	}
	if err := s.service.Delete(r.Context(), jobID, ownerID); err != nil {
		s.serviceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDownload redirects to a time-limited URL for the produced EPUB.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	url, err := s.service.DownloadURL(r.Context(), jobID)
	if err != nil {
		s.serviceError(w, err)
		return
	}
	http.Redirect(w, r, url, http.StatusFound)
}

// handleJobEvents streams progress events over SSE: a replay of everything
// published so far, then live events until the job reaches a terminal
// state or the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := s.pathJobID(w, r)
	if !ok {
		return
	}
	if _, err := s.service.Get(r.Context(), jobID); err != nil {
		s.serviceError(w, err)
		return
	}

	stream, err := newEventStream(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	events, err := s.events.Subscribe(r.Context(), jobID)
	if err != nil {
		stream.WriteError("subscription failed")
		return
	}
	for ev := range events {
		if err := stream.WriteProgress(ev); err != nil {
			return
		}
		if ev.Status.Terminal() {
			return
		}
	}
}

func (s *Server) pathJobID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	jobID, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid job id")
		return uuid.Nil, false
	}
	return jobID, true
}
