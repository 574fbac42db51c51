// Package api exposes the fleet over a JSON HTTP API: device and task
// management, command dispatch, and user authentication.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"skyfleet/internal/auth"
	"skyfleet/internal/coordinator"
	"skyfleet/internal/models"
	"skyfleet/internal/registry"
	"skyfleet/internal/store"
)

// Server provides the HTTP API over the fleet state and coordinator.
type Server struct {
	log    zerolog.Logger
	store  *store.Store
	coord  *coordinator.Coordinator
	auth   *auth.Service
	server *http.Server
}

// NewServer wires the API over the given components.
func NewServer(log zerolog.Logger, st *store.Store, coord *coordinator.Coordinator, authSvc *auth.Service, addr string) *Server {
	s := &Server{
		log:   log.With().Str("component", "api").Logger(),
		store: st,
		coord: coord,
		auth:  authSvc,
	}
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Router builds the chi router. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.health)
	r.HandleFunc("/ws", s.coord.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.addDevice)
			r.Get("/", s.listDevices)
			r.Get("/{deviceID}", s.getDevice)
			r.Delete("/{deviceID}", s.removeDevice)
			r.Get("/{deviceID}/logs", s.deviceLogs)
			r.Post("/{deviceID}/command", s.sendCommand)
		})
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Get("/{taskID}", s.getTask)
			r.Delete("/{taskID}", s.deleteTask)
			r.Post("/{taskID}/status", s.updateTaskStatus)
			r.Get("/{taskID}/logs", s.taskLogs)
		})
		r.Route("/auth", func(r chi.Router) {
			r.Post("/register", s.register)
			r.Post("/login", s.login)
		})
	})

	return r
}

// Start runs the server until Shutdown.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("api server listening")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "ok",
		"connected": s.coord.Registry().Len(),
	})
}

// --- Device handlers ---

type addDeviceRequest struct {
	DeviceID string `json:"device_id"`
	Name     string `json:"name"`
	Type     string `json:"type"`
}

func (s *Server) addDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.DeviceID == "" {
		writeError(w, http.StatusBadRequest, "device_id required")
		return
	}

	device, err := s.store.AddDevice(req.DeviceID, req.Name, req.Type)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, device)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.store.ListDevices()
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if devices == nil {
		devices = []models.Device{}
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	device, err := s.store.GetDevice(chi.URLParam(r, "deviceID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, device)
}

func (s *Server) removeDevice(w http.ResponseWriter, r *http.Request) {
	if err := s.store.RemoveDevice(chi.URLParam(r, "deviceID")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}

func (s *Server) deviceLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	logs, err := s.store.RecentDeviceLogs(chi.URLParam(r, "deviceID"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []models.DeviceLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

type commandRequest struct {
	Command string         `json:"command"`
	Params  map[string]any `json:"params"`
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Command == "" {
		writeError(w, http.StatusBadRequest, "command required")
		return
	}

	deviceID := chi.URLParam(r, "deviceID")
	if err := s.coord.SendCommand(deviceID, req.Command, req.Params); err != nil {
		if errors.Is(err, registry.ErrNotConnected) {
			writeError(w, http.StatusConflict, "device not connected")
			return
		}
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

// --- Task handlers ---

type createTaskRequest struct {
	Name        string            `json:"name"`
	Type        string            `json:"type"`
	DeviceID    string            `json:"device_id"`
	Description string            `json:"description"`
	Priority    int               `json:"priority"`
	Params      map[string]string `json:"params"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name required")
		return
	}

	task, err := s.store.CreateTask(req.Name, req.Type, req.DeviceID, req.Description, req.Priority, req.Params)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	deviceID := r.URL.Query().Get("device_id")
	status := models.TaskStatus(r.URL.Query().Get("status"))

	var tasks []models.Task
	var err error
	if deviceID != "" {
		tasks, err = s.store.ListTasksByDevice(deviceID, status)
	} else {
		tasks, err = s.store.ListTasks(status)
	}
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.store.GetTask(chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteTask(chi.URLParam(r, "taskID")); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

type updateTaskStatusRequest struct {
	Status   string `json:"status"`
	Progress *int   `json:"progress"`
}

func (s *Server) updateTaskStatus(w http.ResponseWriter, r *http.Request) {
	var req updateTaskStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	status := models.TaskStatus(req.Status)
	switch status {
	case models.TaskStatusPending, models.TaskStatusRunning, models.TaskStatusCompleted, models.TaskStatusFailed:
	default:
		writeError(w, http.StatusBadRequest, "invalid status")
		return
	}

	taskID := chi.URLParam(r, "taskID")
	if err := s.store.UpdateTaskStatus(taskID, status, req.Progress); err != nil {
		s.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) taskLogs(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	logs, err := s.store.RecentTaskLogs(chi.URLParam(r, "taskID"), limit)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if logs == nil {
		logs = []models.TaskLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}

// --- Auth handlers ---

type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Email    string `json:"email"`
}

func (s *Server) register(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	user, err := s.auth.Register(req.Username, req.Password, req.Email)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrUsernameTaken):
			writeError(w, http.StatusConflict, err.Error())
		case errors.Is(err, auth.ErrUsernameTooShort), errors.Is(err, auth.ErrPasswordTooShort):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			s.internalError(w, err)
		}
		return
	}
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	user, err := s.auth.Login(req.Username, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		s.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}

// --- Helpers ---

// writeStoreError maps store sentinel errors onto HTTP statuses.
func (s *Server) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrDeviceNotFound), errors.Is(err, store.ErrTaskNotFound), errors.Is(err, store.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, store.ErrDuplicateDevice), errors.Is(err, store.ErrDuplicateUser):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("request failed")
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	return n
}
