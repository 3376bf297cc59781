package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/tasklab/syncd/internal/api"
	"github.com/tasklab/syncd/internal/engine"
	"github.com/tasklab/syncd/internal/model"
	"github.com/tasklab/syncd/internal/store"
)

// taskInput carries the user-editable fields, wire-named like the task
// record itself so the rendering layer reuses one shape.
type taskInput struct {
	Title            string     `json:"title"`
	Priority         int        `json:"priority"`
	PrioritySchedule *time.Time `json:"prioritySchedule"`
	NotificationDate *time.Time `json:"notificationDate"`
	List             string     `json:"list"`
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var in taskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := s.engine.AddTask(r.Context(), engine.TaskDraft{
		Title:            in.Title,
		Priority:         model.Priority(in.Priority),
		PrioritySchedule: in.PrioritySchedule,
		NotificationDate: in.NotificationDate,
		List:             in.List,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusCreated, outcome)
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	var in taskInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := s.engine.UpdateTask(r.Context(), mux.Vars(r)["id"], engine.TaskPatch{
		Title:            in.Title,
		Priority:         model.Priority(in.Priority),
		PrioritySchedule: in.PrioritySchedule,
		NotificationDate: in.NotificationDate,
		List:             in.List,
	})
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, outcome)
}

func (s *Server) handleToggleTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Completed bool `json:"completed"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := s.engine.ToggleCompletion(r.Context(), mux.Vars(r)["id"], in.Completed)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, outcome)
}

func (s *Server) handleSnoozeTask(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Duration json.RawMessage `json:"duration"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	minutes, ok := parseDuration(in.Duration)
	if !ok {
		s.writeError(w, http.StatusBadRequest, "duration must be minutes or \"unsnooze\"")
		return
	}
	outcome, err := s.engine.SnoozeTask(r.Context(), mux.Vars(r)["id"], minutes)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, outcome)
}

// parseDuration accepts snooze minutes as a number, or the sentinel
// string "unsnooze" meaning clear.
func parseDuration(raw json.RawMessage) (int, bool) {
	if len(raw) == 0 {
		return 0, false
	}
	var minutes int
	if err := json.Unmarshal(raw, &minutes); err == nil {
		return minutes, true
	}
	var word string
	if err := json.Unmarshal(raw, &word); err == nil && word == "unsnooze" {
		return 0, true
	}
	return 0, false
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.DeleteTask(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, outcome)
}

// handleBrowseTasks returns every task in browse order: open tasks
// first, completed tasks after, most recently completed on top. The
// effective (snooze-expired, schedule-bumped) view is what goes out.
func (s *Server) handleBrowseTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.Tasks(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	now := time.Now().UTC()
	list := r.URL.Query().Get("list")
	out := make([]model.Task, 0, len(tasks))
	for _, task := range tasks {
		if list != "" && task.List != list {
			continue
		}
		out = append(out, task.Effective(now))
	}
	model.SortBrowse(out)
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": out})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.engine.Tasks(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	list := r.URL.Query().Get("list")
	if list == "" {
		list = s.opts.DashboardList
	}
	limit := s.opts.DashboardLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	view := model.DashboardView(tasks, list, limit, time.Now().UTC())
	s.writeJSON(w, http.StatusOK, map[string]any{"tasks": view, "list": list})
}

func (s *Server) handleGetLists(w http.ResponseWriter, r *http.Request) {
	lists, err := s.engine.Lists(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"lists": lists})
}

func (s *Server) handleCreateList(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	outcome, err := s.engine.AddList(r.Context(), in.Name)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusCreated, outcome)
}

func (s *Server) handleDeleteList(w http.ResponseWriter, r *http.Request) {
	outcome, err := s.engine.DeleteList(r.Context(), mux.Vars(r)["name"])
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeOutcome(w, http.StatusOK, outcome)
}

func (s *Server) handleSyncNow(w http.ResponseWriter, r *http.Request) {
	s.kicker.Kick()
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "scheduled"})
}

func (s *Server) handleSyncStatus(w http.ResponseWriter, r *http.Request) {
	queued, err := s.engine.QueueLength(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"queued":        queued,
		"authenticated": !s.session.Expired(time.Now()),
	})
}

// handleSetSession stores the bearer token the rendering layer obtained
// from the remote's login flow, then kicks a sync so queued work drains
// right after re-login.
func (s *Server) handleSetSession(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil || in.Token == "" {
		s.writeError(w, http.StatusBadRequest, "token is required")
		return
	}
	if err := s.session.SetToken(in.Token); err != nil {
		s.logger.Printf("server: persist session: %v", err)
		s.writeError(w, http.StatusInternalServerError, "could not persist session")
		return
	}
	s.kicker.Kick()
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) writeOutcome(w http.ResponseWriter, code int, outcome engine.Outcome) {
	body := map[string]any{"status": string(outcome.Status)}
	if outcome.Task != nil {
		body["task"] = outcome.Task
	}
	s.writeJSON(w, code, body)
}

func (s *Server) writeEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, api.ErrNotAuthenticated):
		s.writeError(w, http.StatusUnauthorized, "authentication required")
	case errors.Is(err, model.ErrEmptyTitle),
		errors.Is(err, model.ErrInvalidPriority),
		errors.Is(err, model.ErrEmptyListName),
		errors.Is(err, model.ErrDefaultList):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Printf("server: %v", err)
		s.writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, msg string) {
	s.writeJSON(w, code, map[string]any{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Printf("server: encode response: %v", err)
	}
}
