package mockapi

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"repo-cipher/pkg/model"
)

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req model.CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.RepositoryURL) == "" {
		http.Error(w, "repository_url required", http.StatusUnprocessableEntity)
		return
	}
	id := uuid.NewString()
	s.mu.Lock()
	s.tasks[id] = &task{id: id, repository: req.RepositoryURL, prompt: req.Prompt}
	s.mu.Unlock()
	s.logger.Info("task created", zap.String("task", id), zap.String("repository", req.RepositoryURL))
	writeJSON(w, http.StatusOK, model.CreateTaskResponse{
		TaskID:       id,
		Status:       string(model.StatusCreated),
		WebSocketURL: "/ws/tasks/" + id,
		Message:      "Analysis task created",
	})
}
