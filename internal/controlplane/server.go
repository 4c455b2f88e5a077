package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/alicehq/alice/internal/models"
	"github.com/alicehq/alice/internal/store"
)

// PortFileName is the discovery file hook scripts read to find the
// daemon, written under the alice home directory.
const PortFileName = "http_port"

// Server provides the loopback HTTP API for alice.
type Server struct {
	service  *Service
	port     int
	portFile string
	server   *http.Server
	listener net.Listener
}

// NewServer creates a server that will bind 127.0.0.1:port. Port 0 picks
// an ephemeral port. portFile, when non-empty, receives the bound port.
func NewServer(service *Service, port int, portFile string) *Server {
	return &Server{service: service, port: port, portFile: portFile}
}

// Start binds the loopback listener and serves until Shutdown.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return fmt.Errorf("bind loopback: %w", err)
	}
	s.listener = ln
	s.port = ln.Addr().(*net.TCPAddr).Port

	if s.portFile != "" {
		if err := writePortFile(s.portFile, s.port); err != nil {
			ln.Close()
			return err
		}
	}

	s.server = &http.Server{
		Handler:      s.routes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	log.Printf("controlplane: listening on 127.0.0.1:%d", s.port)
	err = s.server.Serve(ln)
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Port returns the bound port; valid after Start has bound the listener.
func (s *Server) Port() int {
	return s.port
}

// Shutdown gracefully stops the server and removes the port file.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.portFile != "" {
		os.Remove(s.portFile)
	}
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/notify", s.handleNotify)

	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/reorder", s.handleReorder)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	mux.HandleFunc("/sessions", s.handleSessions)
	mux.HandleFunc("/sessions/search", s.handleSessions)
	mux.HandleFunc("/sessions/", s.handleSessionByID)

	mux.HandleFunc("/queue/start", s.handleQueueStart)
	mux.HandleFunc("/queue/stop", s.handleQueueStop)
	mux.HandleFunc("/queue/status", s.handleQueueStatus)

	mux.HandleFunc("/autoaction/start", s.handleAutoActionStart)
	mux.HandleFunc("/autoaction/cancel", s.handleAutoActionCancel)
	mux.HandleFunc("/autoaction/status", s.handleAutoActionStatus)

	return mux
}

// --- Status and notify ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.service.Version(),
	})
}

type notifyRequest struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Provider  string `json:"provider,omitempty"`
	EventType string `json:"event_type,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

type notifyResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req notifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	err := s.service.Notify(req.Title, req.Body, req.EventType, req.SessionID)
	switch {
	case errors.Is(err, ErrEmptyNotification):
		writeJSON(w, http.StatusBadRequest, notifyResponse{Success: false, Message: err.Error()})
	case err != nil:
		writeJSON(w, http.StatusInternalServerError, notifyResponse{Success: false, Message: err.Error()})
	default:
		writeJSON(w, http.StatusOK, notifyResponse{Success: true, Message: "notification dispatched"})
	}
}

// --- Tasks ---

func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var task models.Task
		if err := json.NewDecoder(r.Body).Decode(&task); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		created, err := s.service.CreateTask(&task)
		if err != nil {
			status := http.StatusInternalServerError
			if errors.Is(err, ErrPromptRequired) || errors.Is(err, ErrUnknownProvider) {
				status = http.StatusBadRequest
			}
			http.Error(w, err.Error(), status)
			return
		}
		writeJSON(w, http.StatusCreated, created)

	case http.MethodGet:
		tasks, err := s.service.ListTasks(models.TaskStatus(r.URL.Query().Get("status")))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if tasks == nil {
			tasks = []models.Task{}
		}
		writeJSON(w, http.StatusOK, tasks)

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

type reorderRequest struct {
	IDs []string `json:"ids"`
}

func (s *Server) handleReorder(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req reorderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.service.ReorderTasks(req.IDs); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "reordered"})
}

func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(path, "/")
	if parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}
	id := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	var err error
	switch {
	case action == "" && r.Method == http.MethodGet:
		var task *models.Task
		if task, err = s.service.GetTask(id); err == nil {
			writeJSON(w, http.StatusOK, task)
			return
		}
	case action == "" && r.Method == http.MethodDelete:
		if err = s.service.DeleteTask(id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
	case action == "queue" && r.Method == http.MethodPost:
		if err = s.service.QueueTask(id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "queued"})
			return
		}
	case action == "cancel" && r.Method == http.MethodPost:
		if err = s.service.CancelTask(id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
			return
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	s.writeTaskError(w, err)
}

func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrTaskNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, ErrTaskRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

// --- Sessions ---

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	limit := 0
	if raw := q.Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}

	var (
		sessions []models.Session
		err      error
	)
	if q.Get("q") != "" || q.Get("status") != "" || q.Get("model") != "" || q.Get("from") != "" || q.Get("to") != "" {
		sessions, err = s.service.SearchSessions(store.SessionFilter{
			Query:       q.Get("q"),
			ProjectPath: q.Get("project"),
			Status:      models.SessionStatus(q.Get("status")),
			Model:       q.Get("model"),
			DateFrom:    q.Get("from"),
			DateTo:      q.Get("to"),
			Limit:       limit,
		})
	} else {
		sessions, err = s.service.ListSessions(q.Get("project"), limit)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sessions == nil {
		sessions = []models.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

type sessionDetailResponse struct {
	Session  *models.Session         `json:"session"`
	Messages []models.SessionMessage `json:"messages"`
}

type labelRequest struct {
	Label string `json:"label"`
}

type tagsRequest struct {
	Tags []string `json:"tags"`
}

func (s *Server) handleSessionByID(w http.ResponseWriter, r *http.Request) {
	// Paths look like /sessions/{provider}/{id}[/label|/tags].
	path := strings.TrimPrefix(r.URL.Path, "/sessions/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		http.Error(w, "provider and session id required", http.StatusBadRequest)
		return
	}
	p := models.Provider(parts[0])
	if !knownProvider(p) {
		http.Error(w, ErrUnknownProvider.Error(), http.StatusBadRequest)
		return
	}
	id := parts[1]
	action := ""
	if len(parts) > 2 {
		action = parts[2]
	}

	var err error
	switch {
	case action == "" && r.Method == http.MethodGet:
		var sess *models.Session
		var msgs []models.SessionMessage
		if sess, msgs, err = s.service.GetSession(p, id); err == nil {
			writeJSON(w, http.StatusOK, sessionDetailResponse{Session: sess, Messages: msgs})
			return
		}
	case action == "" && r.Method == http.MethodDelete:
		if err = s.service.DeleteSession(p, id); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
			return
		}
	case action == "label" && r.Method == http.MethodPost:
		var req labelRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err = s.service.SetSessionLabel(p, id, req.Label); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
			return
		}
	case action == "tags" && r.Method == http.MethodPost:
		var req tagsRequest
		if decodeErr := json.NewDecoder(r.Body).Decode(&req); decodeErr != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		if err = s.service.SetSessionTags(p, id, req.Tags); err == nil {
			writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
			return
		}
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if errors.Is(err, ErrSessionNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

// --- Queue ---

func (s *Server) handleQueueStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.service.StartQueue()
	writeJSON(w, http.StatusOK, s.service.QueueStatus())
}

func (s *Server) handleQueueStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.service.StopQueue()
	writeJSON(w, http.StatusOK, s.service.QueueStatus())
}

func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.QueueStatus())
}

// --- Auto-action ---

func (s *Server) handleAutoActionStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := s.service.StartAutoAction(); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	writeJSON(w, http.StatusOK, s.service.AutoActionStatus())
}

func (s *Server) handleAutoActionCancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.service.CancelAutoAction()
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleAutoActionStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.AutoActionStatus())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writePortFile(path string, port int) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create port file dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(port)), 0644); err != nil {
		return fmt.Errorf("write port file: %w", err)
	}
	return nil
}

// ReadPortFile returns the daemon port recorded at path.
func ReadPortFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse port file %s: %w", path, err)
	}
	return port, nil
}
