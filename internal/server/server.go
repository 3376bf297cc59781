// Package server exposes the daemon's loopback control surface: the
// rendering layer talks HTTP+WebSocket to this process, and this process
// talks to the remote API on its behalf.
package server

import (
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/cors"

	"github.com/tasklab/syncd/internal/api"
	"github.com/tasklab/syncd/internal/engine"
	"github.com/tasklab/syncd/internal/notify"
)

// Kicker requests an immediate sync pass.
type Kicker interface {
	Kick()
}

// Options are the request-independent defaults handlers fall back to.
type Options struct {
	DashboardList  string
	DashboardLimit int
}

type Server struct {
	engine  *engine.Engine
	session *api.Session
	hub     *notify.Hub
	kicker  Kicker
	opts    Options
	logger  *log.Logger
}

func New(eng *engine.Engine, session *api.Session, hub *notify.Hub, kicker Kicker, opts Options, logger *log.Logger) *Server {
	if opts.DashboardList == "" {
		opts.DashboardList = "home"
	}
	if opts.DashboardLimit <= 0 {
		opts.DashboardLimit = 8
	}
	if logger == nil {
		logger = log.Default()
	}
	return &Server{
		engine:  eng,
		session: session,
		hub:     hub,
		kicker:  kicker,
		opts:    opts,
		logger:  logger,
	}
}

// Handler builds the routed, CORS-wrapped handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	// Task routes
	r.HandleFunc("/api/tasks", s.handleBrowseTasks).Methods("GET")
	r.HandleFunc("/api/tasks", s.handleCreateTask).Methods("POST")
	r.HandleFunc("/api/tasks/dashboard", s.handleDashboard).Methods("GET")
	r.HandleFunc("/api/tasks/{id}", s.handleUpdateTask).Methods("PUT")
	r.HandleFunc("/api/tasks/{id}", s.handleDeleteTask).Methods("DELETE")
	r.HandleFunc("/api/tasks/{id}/toggle", s.handleToggleTask).Methods("POST")
	r.HandleFunc("/api/tasks/{id}/snooze", s.handleSnoozeTask).Methods("POST")

	// List routes
	r.HandleFunc("/api/lists", s.handleGetLists).Methods("GET")
	r.HandleFunc("/api/lists", s.handleCreateList).Methods("POST")
	r.HandleFunc("/api/lists/{name}", s.handleDeleteList).Methods("DELETE")

	// Sync control
	r.HandleFunc("/api/sync", s.handleSyncNow).Methods("POST")
	r.HandleFunc("/api/sync/status", s.handleSyncStatus).Methods("GET")
	r.HandleFunc("/api/session", s.handleSetSession).Methods("POST")

	// WebSocket route for real-time updates
	r.HandleFunc("/api/ws", s.hub.ServeWS)

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
