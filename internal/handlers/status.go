// Package handlers serves the agent's local status endpoints: health plus
// read-only snapshots of the running engine's state.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/mediline/clinic-sync/internal/channel"
	"github.com/mediline/clinic-sync/internal/models"
)

// Engine is the view of the session engine the status server needs.
type Engine interface {
	Conversations() []models.Conversation
	Notifications() []models.Notification
	UnreadNotifications() int
	Phase() channel.Phase
	UserID() string
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "clinic-sync",
	})
}

func Connection(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"phase":   string(engine.Phase()),
			"user_id": engine.UserID(),
		})
	}
}

func Conversations(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, engine.Conversations())
	}
}

func Notifications(engine Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"notifications": engine.Notifications(),
			"unread":        engine.UnreadNotifications(),
		})
	}
}

// NewRouter wires the status endpoints.
func NewRouter(engine Engine) *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/health", Health).Methods("GET")
	router.HandleFunc("/connection", Connection(engine)).Methods("GET")
	router.HandleFunc("/conversations", Conversations(engine)).Methods("GET")
	router.HandleFunc("/notifications", Notifications(engine)).Methods("GET")
	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return router
}
