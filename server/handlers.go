package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/poiesic/neurosim"
	"github.com/poiesic/neurosim/core"
	"github.com/poiesic/neurosim/storage"
)

// UploadResponse acknowledges a queued document.
type UploadResponse struct {
	FileID   string `json:"file_id"`
	UserID   string `json:"user_id"`
	Filename string `json:"filename"`
	Status   string `json:"status"`
	Message  string `json:"message"`
}

// UploadStatusResponse reports ingestion progress of a document.
type UploadStatusResponse struct {
	FileID        string    `json:"file_id"`
	Filename      string    `json:"filename"`
	Status        string    `json:"status"`
	ChunkCount    int       `json:"chunk_count"`
	FailureReason string    `json:"failure_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Question string `json:"question"`
}

// ChatResponse carries the answer given as the user.
type ChatResponse struct {
	Question    string `json:"question"`
	Answer      string `json:"answer"`
	SourcesUsed int    `json:"sources_used"`
	UserID      string `json:"user_id"`
	Outcome     string `json:"outcome"`
}

// DeleteResponse confirms removal of a user's data.
type DeleteResponse struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	DeletedAt time.Time `json:"deleted_at"`
}

// HealthResponse reports readiness.
type HealthResponse struct {
	Status            string   `json:"status"`
	Model             string   `json:"model"`
	SecurityLevel     string   `json:"security_level"`
	VectorDBConnected bool     `json:"vector_db_connected"`
	PrivacyFeatures   []string `json:"privacy_features"`
}

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes+multipartOverhead)

	file, header, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, neurosim.ErrFileTooLarge.Error())
			return
		}
		writeError(w, http.StatusBadRequest, `multipart form field "file" is required`)
		return
	}
	defer file.Close()

	raw, err := io.ReadAll(io.LimitReader(file, s.maxUploadBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read uploaded file")
		return
	}
	if int64(len(raw)) > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, neurosim.ErrFileTooLarge.Error())
		return
	}

	receipt, err := s.service.Upload(r.Context(), userID, header.Filename, raw)
	if err != nil {
		s.serviceError(w, r, "upload", err)
		return
	}
	writeJSON(w, http.StatusAccepted, UploadResponse{
		FileID:   receipt.FileID,
		UserID:   receipt.UserID,
		Filename: receipt.Filename,
		Status:   receipt.Status,
		Message:  receipt.Message,
	})
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.service.JobStatus(r.Context(), userIDFrom(r.Context()), chi.URLParam(r, "fileID"))
	if err != nil {
		s.serviceError(w, r, "upload status", err)
		return
	}
	writeJSON(w, http.StatusOK, UploadStatusResponse{
		FileID:        job.FileID,
		Filename:      job.Filename,
		Status:        job.Status.String(),
		ChunkCount:    job.ChunkCount,
		FailureReason: job.FailureReason,
		CreatedAt:     job.CreatedAt,
		UpdatedAt:     job.UpdatedAt,
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID := userIDFrom(r.Context())

	var req ChatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "request body must be JSON with a question")
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		writeError(w, http.StatusBadRequest, "question is required")
		return
	}

	reply, err := s.service.Chat(r.Context(), userID, req.Question)
	if err != nil {
		s.serviceError(w, r, "chat", err)
		return
	}
	writeJSON(w, http.StatusOK, ChatResponse{
		Question:    req.Question,
		Answer:      reply.Answer,
		SourcesUsed: reply.SourcesUsed,
		UserID:      userID,
		Outcome:     reply.Outcome.String(),
	})
}

func (s *Server) handleDeleteUser(w http.ResponseWriter, r *http.Request) {
	caller := userIDFrom(r.Context())
	target := chi.URLParam(r, "userID")
	if target != caller {
		writeError(w, http.StatusForbidden, "users may only delete their own data")
		return
	}

	report, err := s.service.DeleteUser(r.Context(), target)
	if err != nil {
		s.serviceError(w, r, "delete user", err)
		return
	}
	writeJSON(w, http.StatusOK, DeleteResponse{
		Status:    "success",
		Message:   "All data for user " + target + " has been permanently deleted",
		DeletedAt: report.DeletedAt,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	h := s.service.Health(r.Context())
	status := http.StatusOK
	if !h.VectorDBConnected {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, HealthResponse{
		Status:            h.Status,
		Model:             h.Model,
		SecurityLevel:     h.SecurityLevel,
		VectorDBConnected: h.VectorDBConnected,
		PrivacyFeatures:   h.PrivacyFeatures,
	})
}

// serviceError maps a service error to a fixed client message and logs the detail.
func (s *Server) serviceError(w http.ResponseWriter, r *http.Request, op string, err error) {
	status, message := http.StatusInternalServerError, "internal error"
	switch {
	case errors.Is(err, neurosim.ErrFileTooLarge):
		status, message = http.StatusRequestEntityTooLarge, neurosim.ErrFileTooLarge.Error()
	case errors.Is(err, neurosim.ErrUnsupportedFileType):
		status, message = http.StatusUnsupportedMediaType, neurosim.ErrUnsupportedFileType.Error()
	case errors.Is(err, neurosim.ErrEmptyFile):
		status, message = http.StatusBadRequest, neurosim.ErrEmptyFile.Error()
	case errors.Is(err, neurosim.ErrInvalidEncoding):
		status, message = http.StatusBadRequest, neurosim.ErrInvalidEncoding.Error()
	case errors.Is(err, storage.ErrNotFound):
		status, message = http.StatusNotFound, "upload not found"
	case errors.Is(err, core.ErrInput):
		status, message = http.StatusBadRequest, "invalid request"
	case errors.Is(err, neurosim.ErrServiceClosed):
		status, message = http.StatusServiceUnavailable, "service unavailable"
	case errors.Is(err, core.ErrStorage):
		status, message = http.StatusServiceUnavailable, "storage unavailable, try again later"
	}

	level := s.logger.Warn
	if status >= http.StatusInternalServerError {
		level = s.logger.Error
	}
	level(op+" failed",
		"user_id", userIDFrom(r.Context()),
		"status", status,
		"error_class", core.Classify(err),
		"err", err)
	writeError(w, status, message)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, ErrorResponse{Error: message})
}
