package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/claude-cto/ctod/internal/errs"
	"github.com/claude-cto/ctod/internal/model"
	"github.com/claude-cto/ctod/internal/orchestrator"
	"github.com/claude-cto/ctod/internal/store"
	"github.com/claude-cto/ctod/internal/taskrunner"
)

// Server holds the dependencies the HTTP surface dispatches into. The task and
// orchestration creation handlers hand the run off to a background goroutine
// and return immediately — this is a fire-and-forget execution service
// (spec §1, §6.1); delete, clear and cancel complete before responding.
type Server struct {
	st       *store.Store
	runner   *taskrunner.Runner
	orch     *orchestrator.Orchestrator
	isolated *taskrunner.IsolatedRunner // nil unless the daemon is configured for isolated-runner mode
	logger   *slog.Logger
	service  string
}

func NewServer(st *store.Store, runner *taskrunner.Runner, orch *orchestrator.Orchestrator, isolated *taskrunner.IsolatedRunner, serviceName string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{st: st, runner: runner, orch: orch, isolated: isolated, service: serviceName, logger: logger}
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return &errs.ValidationError{Reason: "malformed JSON body: " + err.Error()}
	}
	return nil
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	m, err := validateCreateTask(req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.createAndLaunch(w, r, req, m)
}

func (s *Server) handleCreateMCPTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	m, err := validateMCPTask(req)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	s.createAndLaunch(w, r, req, m)
}

func (s *Server) createAndLaunch(w http.ResponseWriter, r *http.Request, req CreateTaskRequest, m model.Model) {
	task, err := s.st.CreateTask(r.Context(), store.CreateTaskInput{
		WorkingDirectory: req.WorkingDirectory,
		SystemPrompt:     req.SystemPrompt,
		ExecutionPrompt:  req.ExecutionPrompt,
		Model:            m,
	})
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	// Standalone tasks (not part of an orchestration) launch through the
	// isolated runner when configured, so they survive this server process's
	// own death; orchestration members always run in-process, since dependency
	// gating needs the Orchestrator's in-memory signals (spec §9).
	if s.isolated != nil {
		if err := s.isolated.Launch(r.Context(), task.ID); err != nil {
			s.logger.Error("isolated task launch failed", "task_id", task.ID, "error", err)
			writeError(w, s.logger, err)
			return
		}
	} else {
		runner := s.runner
		go func() {
			if err := runner.Run(context.Background(), task.ID); err != nil {
				s.logger.Warn("background task run failed", "task_id", task.ID, "error", err)
			}
		}()
	}

	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	task, err := s.st.GetTask(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, mapStoreNotFound(err, "task", id))
		return
	}
	writeJSON(w, http.StatusOK, newTaskView(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.st.ListTasks(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	views := make([]TaskView, 0, len(tasks))
	for _, t := range tasks {
		views = append(views, newTaskView(t))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleClearTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.st.ClearCompletedTasks(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	deleted, err := s.st.DeleteTask(r.Context(), id)
	if err != nil {
		if err == store.ErrTaskNotDeletable {
			writeError(w, s.logger, &errs.ValidationError{Reason: err.Error()})
			return
		}
		writeError(w, s.logger, mapStoreNotFound(err, "task", id))
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleCreateOrchestration(w http.ResponseWriter, r *http.Request) {
	var req CreateOrchestrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, s.logger, err)
		return
	}
	if err := validateOrchestrationItems(req.Tasks); err != nil {
		writeError(w, s.logger, err)
		return
	}

	known := make(map[string]bool, len(req.Tasks))
	depGraph := make(map[string][]string, len(req.Tasks))
	for _, item := range req.Tasks {
		known[item.Identifier] = true
		depGraph[item.Identifier] = item.DependsOn
	}
	if err := orchestrator.ValidateDependencyGraph(known, depGraph); err != nil {
		writeError(w, s.logger, err)
		return
	}

	ctx := r.Context()
	orch, err := s.st.CreateOrchestration(ctx, len(req.Tasks))
	if err != nil {
		writeError(w, s.logger, err)
		return
	}

	resp := CreateOrchestrationResponse{
		OrchestrationID: orch.ID,
		Status:          string(orch.Status),
		TotalTasks:      len(req.Tasks),
	}
	for _, item := range req.Tasks {
		m, _ := validateModel(item.Model)
		task, err := s.st.CreateTask(ctx, store.CreateTaskInput{
			WorkingDirectory:    item.WorkingDirectory,
			SystemPrompt:        item.SystemPrompt,
			ExecutionPrompt:     item.ExecutionPrompt,
			Model:               m,
			OrchestrationID:     &orch.ID,
			Identifier:          item.Identifier,
			DependsOn:           item.DependsOn,
			InitialDelaySeconds: item.InitialDelay,
		})
		if err != nil {
			writeError(w, s.logger, err)
			return
		}
		resp.Tasks = append(resp.Tasks, OrchestrationTaskView{
			Identifier:   item.Identifier,
			TaskID:       task.ID,
			DependsOn:    item.DependsOn,
			InitialDelay: item.InitialDelay,
		})
	}

	orchestrationID := orch.ID
	orch2 := s.orch
	go func() {
		if err := orch2.Run(context.Background(), orchestrationID); err != nil {
			s.logger.Warn("background orchestration run failed", "orchestration_id", orchestrationID, "error", err)
		}
	}()

	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetOrchestration(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	orch, err := s.st.GetOrchestration(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, mapStoreNotFound(err, "orchestration", id))
		return
	}
	tasks, err := s.st.GetTasksByOrchestration(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, newOrchestrationView(orch, tasks))
}

func (s *Server) handleListOrchestrations(w http.ResponseWriter, r *http.Request) {
	orchs, err := s.st.ListOrchestrations(r.Context())
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	views := make([]OrchestrationView, 0, len(orchs))
	for _, o := range orchs {
		views = append(views, newOrchestrationView(o, nil))
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCancelOrchestration(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r, "id")
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	orch, err := s.st.GetOrchestration(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, mapStoreNotFound(err, "orchestration", id))
		return
	}
	if orch.Status.IsTerminal() {
		writeError(w, s.logger, &errs.ValidationError{Reason: "orchestration is already terminal"})
		return
	}
	count, err := s.orch.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, s.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"cancelled_count": count})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "service": s.service})
}

func parseID(r *http.Request, param string) (int64, error) {
	raw := chi.URLParam(r, param)
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, &errs.ValidationError{Reason: "invalid id: " + raw}
	}
	return id, nil
}

func mapStoreNotFound(err error, kind string, id int64) error {
	if err == store.ErrTaskNotFound || err == store.ErrOrchestrationNotFound {
		return &errs.NotFoundError{Kind: kind, ID: id}
	}
	return err
}
