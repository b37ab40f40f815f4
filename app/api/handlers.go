package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	log "github.com/go-pkgz/lgr"
	"golang.org/x/crypto/bcrypt"

	"github.com/umputun/rowjobs/app/backend"
	"github.com/umputun/rowjobs/app/engine"
	"github.com/umputun/rowjobs/app/job"
	"github.com/umputun/rowjobs/app/sheet"
)

// CategoryStatus is a per-category part of status response
type CategoryStatus struct {
	Running         int    `json:"running"`
	Completed       int    `json:"completed"`
	Loading         bool   `json:"loading"`
	Error           string `json:"error,omitempty"`
	OverviewPolling bool   `json:"overview_polling"`
	RunningPolling  bool   `json:"running_polling"`
}

// StatusResponse is the JSON response for /api/v1/status
type StatusResponse struct {
	Categories     map[job.Type]CategoryStatus `json:"categories"`
	TotalRunning   int                         `json:"total_running"`
	TotalCompleted int                         `json:"total_completed"`
	Polling        bool                        `json:"polling"`
	Timestamp      time.Time                   `json:"timestamp"`
}

// JobsResponse is the JSON response with jobs of a category
type JobsResponse struct {
	Category  job.Type  `json:"category"`
	Running   []job.Job `json:"running"`
	Completed []job.Job `json:"completed"`
	Loading   bool      `json:"loading"`
}

// RowsResponse is the JSON response with rows of a job
type RowsResponse struct {
	ID   string       `json:"id"`
	Rows []job.RawRow `json:"rows"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	snap := s.store.Snapshot()
	resp := StatusResponse{
		Categories:     make(map[job.Type]CategoryStatus, len(s.order)),
		TotalRunning:   s.store.TotalRunning(),
		TotalCompleted: s.store.TotalCompleted(),
		Polling:        s.coordinator.Active(),
		Timestamp:      time.Now(),
	}
	for _, t := range s.order {
		st := snap[t]
		overview, running := s.engines[t].Polling()
		resp.Categories[t] = CategoryStatus{Running: len(st.Running), Completed: len(st.Completed),
			Loading: st.Loading, Error: st.Error, OverviewPolling: overview, RunningPolling: running}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, JobsResponse{Category: job.Type(e.Name()), Running: e.Running(),
		Completed: e.Completed(), Loading: e.IsLoadingOverview()})
}

// handleUpload reads multipart "file" field, validates its rows and starts a job
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.uploadLimit)
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "file field required")
		return
	}
	defer file.Close() //nolint:errcheck // multipart file
	data, err := io.ReadAll(file)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "can't read uploaded file")
		return
	}

	table, err := sheet.Read(data)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := e.ProcessFileAndCreateJob(ctx, backend.File{Name: header.Filename, Data: data}, table.Rows)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCreateFromFile(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := e.CreateJobFromUploadedFile(ctx, r.PathValue("file"))
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleJobRows(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	s.writeJSON(w, http.StatusOK, RowsResponse{ID: id, Rows: e.LoadJobDetails(r.Context(), id)})
}

func (s *Server) handleClearState(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	e.ClearPersistedState()
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func (s *Server) handlePollingStop(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.StopAll()
	s.writeJSON(w, http.StatusOK, map[string]bool{"polling": false})
}

func (s *Server) handlePollingResume(w http.ResponseWriter, _ *http.Request) {
	resumed := s.coordinator.Resume()
	s.writeJSON(w, http.StatusOK, map[string]bool{"polling": true, "resumed": resumed})
}

func (s *Server) handleNavigate(w http.ResponseWriter, _ *http.Request) {
	s.coordinator.NavigationStarted()
	w.WriteHeader(http.StatusAccepted)
}

// engine returns engine of the category from path, writes 404 if unknown
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (Engine, bool) {
	e, ok := s.engines[job.Type(r.PathValue("category"))]
	if !ok {
		s.writeJSONError(w, http.StatusNotFound, "unknown category")
		return nil, false
	}
	return e, true
}

// writeEngineError maps setup errors to status codes
func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	var verr *engine.ValidationError
	var uerr *engine.FileUploadError
	var terr *engine.ProcessingTriggerError
	switch {
	case errors.As(err, &verr):
		s.writeJSON(w, http.StatusBadRequest, map[string]any{"error": verr.Error(), "missing": verr.Missing})
	case errors.As(err, &uerr), errors.As(err, &terr):
		log.Printf("[WARN] job setup failed, %v", err)
		s.writeJSONError(w, http.StatusBadGateway, err.Error())
	default:
		log.Printf("[ERROR] job setup failed, %v", err)
		s.writeJSONError(w, http.StatusInternalServerError, "job setup failed")
	}
}

// authMiddleware checks basic auth against bcrypt hash
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ping" {
			next.ServeHTTP(w, r)
			return
		}
		username, password, ok := r.BasicAuth()
		if ok && username == authUser {
			if err := bcrypt.CompareHashAndPassword([]byte(s.passwordHash), []byte(password)); err == nil {
				next.ServeHTTP(w, r)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="rowjobs"`)
		s.writeJSONError(w, http.StatusUnauthorized, "unauthorized")
	})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("[WARN] failed to encode JSON response: %v", err)
	}
}

// writeJSONError writes a JSON error response
func (s *Server) writeJSONError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}
