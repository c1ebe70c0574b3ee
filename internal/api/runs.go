package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/sosmill/internal/backend"
	"github.com/seantiz/sosmill/internal/engine"
	"github.com/seantiz/sosmill/internal/model"
	"github.com/seantiz/sosmill/internal/notebook"
	"github.com/seantiz/sosmill/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 32 << 20 // 32 MB
)

// notebookContentType is the registered media type of .ipynb documents.
const notebookContentType = "application/x-ipynb+json"

// createRunRequest is the JSON body for POST /v1/runs.
type createRunRequest struct {
	Engine   string          `json:"engine"`
	Notebook json.RawMessage `json:"notebook"`
	Options  *runOptionsReq  `json:"options"`
}

// runOptionsReq carries engine options. Durations are Go duration strings
// or numbers of seconds. Omitted switches keep the engine defaults.
type runOptionsReq struct {
	KernelName          string         `json:"kernel_name"`
	LogOutput           *bool          `json:"log_output"`
	StartTimeout        any            `json:"start_timeout"`
	ExecutionTimeout    any            `json:"execution_timeout"`
	IOPubTimeout        any            `json:"iopub_timeout"`
	RaiseOnIOPubTimeout *bool          `json:"raise_on_iopub_timeout"`
	StopOnError         *bool          `json:"stop_on_error"`
	Endpoint            string         `json:"endpoint"`
	ConnectionFile      string         `json:"connection_file"`
	InputPath           string         `json:"input_path"`
	Extra               map[string]any `json:"extra"`
}

func (o *runOptionsReq) toOptions(defaults backend.Options) (backend.Options, error) {
	opts := backend.Options{
		LogOutput:           defaults.LogOutput,
		RaiseOnIOPubTimeout: defaults.RaiseOnIOPubTimeout,
		StopOnError:         defaults.StopOnError,
	}
	if o == nil {
		return opts, nil
	}
	opts.KernelName = o.KernelName
	opts.Endpoint = o.Endpoint
	opts.ConnectionFile = o.ConnectionFile
	opts.InputPath = o.InputPath
	opts.Extra = o.Extra
	for _, sw := range []struct {
		v   *bool
		dst *bool
	}{
		{o.LogOutput, &opts.LogOutput},
		{o.RaiseOnIOPubTimeout, &opts.RaiseOnIOPubTimeout},
		{o.StopOnError, &opts.StopOnError},
	} {
		if sw.v != nil {
			*sw.dst = *sw.v
		}
	}
	durations := []struct {
		name string
		v    any
		dst  *time.Duration
	}{
		{"start_timeout", o.StartTimeout, &opts.StartTimeout},
		{"execution_timeout", o.ExecutionTimeout, &opts.ExecutionTimeout},
		{"iopub_timeout", o.IOPubTimeout, &opts.IOPubTimeout},
	}
	for _, d := range durations {
		v, err := backend.ParseDuration(d.v)
		if err != nil {
			return backend.Options{}, fmt.Errorf("%s: %w", d.name, err)
		}
		if v < 0 {
			return backend.Options{}, fmt.Errorf("%s must not be negative", d.name)
		}
		*d.dst = v
	}
	return opts, nil
}

// listRunsResponse wraps the paginated list response.
type listRunsResponse struct {
	Runs   []*model.Run `json:"runs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if len(req.Notebook) == 0 {
		s.writeError(w, http.StatusBadRequest, "notebook is required")
		return
	}
	nb, err := notebook.Parse(req.Notebook)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if _, err := s.registry.Resolve(req.Engine); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	opts, err := req.Options.toOptions(s.engine.Defaults())
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	run := &model.Run{
		ID:         model.NewID(),
		Status:     model.StatusPending,
		Engine:     req.Engine,
		KernelName: opts.KernelName,
		InputPath:  opts.InputPath,
		CreatedAt:  time.Now().UTC(),
	}

	if err := s.engine.Submit(r.Context(), run, nb, opts); err != nil {
		s.logger.Error("submit run", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to submit run")
		return
	}

	runsSubmittedTotal.WithLabelValues(run.Engine).Inc()
	w.Header().Set("Location", "/v1/runs/"+run.ID)
	s.writeJSON(w, http.StatusAccepted, run)
}

// lookupRun fetches the run named by the URL, writing the error response
// when it cannot.
func (s *Server) lookupRun(w http.ResponseWriter, r *http.Request) (*model.Run, bool) {
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "run not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get run", "run_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get run")
		return nil, false
	}
	return run, true
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, run)
}

// handleGetNotebook returns the stored notebook: the executed document once
// the run has ended, the submitted one before that.
func (s *Server) handleGetNotebook(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", notebookContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", run.ID+".ipynb"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(run.Notebook); err != nil {
		s.logger.Error("write notebook", "run_id", run.ID, "error", err)
	}
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	runs, total, err := s.store.ListRuns(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list runs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list runs")
		return
	}

	if runs == nil {
		runs = []*model.Run{}
	}

	s.writeJSON(w, http.StatusOK, listRunsResponse{
		Runs:   runs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelRun requests cancellation. An executing run finishes
// asynchronously, so the response carries the run as it was when the
// request was accepted.
func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.engine.Cancel(r.Context(), id); err != nil {
		switch {
		case errors.Is(err, store.ErrNotFound):
			s.writeError(w, http.StatusNotFound, "run not found")
		case errors.Is(err, engine.ErrRunFinished), errors.Is(err, store.ErrInvalidTransition):
			s.writeError(w, http.StatusConflict, "run already finished")
		default:
			s.logger.Error("cancel run", "run_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to cancel run")
		}
		return
	}

	run, ok := s.lookupRun(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
