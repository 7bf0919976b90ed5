package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/you-humble/fileflow/internal/domain"
)

type Usecase interface {
	CreateTask(ctx context.Context, req domain.FileRequest, chain []domain.CallbackStep) (domain.TaskSummary, error)
	UploadPart(ctx context.Context, taskID string, number int, data io.Reader, size int64) (domain.PartRecord, error)
	CompleteUpload(ctx context.Context, taskID string, parts []domain.CompletedPart) (domain.TaskSummary, error)
	AbortTask(ctx context.Context, taskID string) error
	GetTaskInfo(ctx context.Context, taskID string) (domain.TaskView, error)
	ResultFile(ctx context.Context, taskID string) (domain.ResultFile, error)
}

type createTaskRequest struct {
	domain.FileRequest
	CallbackChain []domain.CallbackStep `json:"callback_chain"`
}

type completeRequest struct {
	Parts []domain.CompletedPart `json:"parts"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

const maxJSONBody = 1 << 20

type handler struct {
	maxPartBytes int64
	usecase      Usecase
}

func NewHandler(maxUploadBytesMb int64, uc Usecase) *handler {
	return &handler{
		maxPartBytes: maxUploadBytesMb << 20,
		usecase:      uc,
	}
}

func (h *handler) createTask(w http.ResponseWriter, r *http.Request) {
	logger := requestLogger(r, "create_task")

	var req createTaskRequest
	if !decodeJSON(w, r, &req, logger) {
		return
	}

	sum, err := h.usecase.CreateTask(r.Context(), req.FileRequest, req.CallbackChain)
	if err != nil {
		respondError(w, err, logger)
		return
	}
	writeJSON(w, http.StatusCreated, sum)
}

func (h *handler) uploadPart(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	logger := requestLogger(r, "upload_part").With(slog.String("task_id", taskID))

	number, err := strconv.Atoi(r.PathValue("n"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "part number must be an integer")
		return
	}
	if r.ContentLength < 0 {
		writeError(w, http.StatusLengthRequired, "Content-Length is required")
		return
	}
	if r.ContentLength > h.maxPartBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "part is larger than the configured limit")
		return
	}

	defer r.Body.Close()
	body := http.MaxBytesReader(w, r.Body, h.maxPartBytes)

	rec, err := h.usecase.UploadPart(r.Context(), taskID, number, body, r.ContentLength)
	if err != nil {
		respondError(w, err, logger)
		return
	}
	w.Header().Set("ETag", strconv.Quote(rec.Tag))
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) completeUpload(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	logger := requestLogger(r, "complete_upload").With(slog.String("task_id", taskID))

	var req completeRequest
	if !decodeJSON(w, r, &req, logger) {
		return
	}

	sum, err := h.usecase.CompleteUpload(r.Context(), taskID, req.Parts)
	if err != nil {
		respondError(w, err, logger)
		return
	}
	writeJSON(w, http.StatusAccepted, sum)
}

func (h *handler) abortTask(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	logger := requestLogger(r, "abort_task").With(slog.String("task_id", taskID))

	if err := h.usecase.AbortTask(r.Context(), taskID); err != nil {
		respondError(w, err, logger)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) taskInfo(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	logger := requestLogger(r, "task_info").With(slog.String("task_id", taskID))

	view, err := h.usecase.GetTaskInfo(r.Context(), taskID)
	if err != nil {
		respondError(w, err, logger)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (h *handler) download(w http.ResponseWriter, r *http.Request) {
	taskID := r.PathValue("id")
	logger := requestLogger(r, "download").With(slog.String("task_id", taskID))

	result, err := h.usecase.ResultFile(r.Context(), taskID)
	if err != nil {
		respondError(w, err, logger)
		return
	}
	defer result.Content.Close()

	contentType := result.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": result.Filename}))
	if result.Size >= 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(result.Size, 10))
	}

	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, result.Content); err != nil {
		logger.Error("download: send file", slog.String("error", err.Error()))
	}
}

func requestLogger(r *http.Request, name string) *slog.Logger {
	requestID := r.Header.Get(requestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	return slog.With(
		slog.String("request_id", requestID),
		slog.String("handler", name),
		slog.String("remote_addr", r.RemoteAddr),
	)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any, logger *slog.Logger) bool {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		logger.Warn("decode body", slog.String("error", err.Error()))
		writeError(w, http.StatusBadRequest, "malformed JSON body")
		return false
	}
	return true
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidRequest),
		errors.Is(err, domain.ErrInvalidTaskID),
		errors.Is(err, domain.ErrInvalidPart):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrTaskExpired):
		return http.StatusGone
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrUploadClosed),
		errors.Is(err, domain.ErrTaskNotReady):
		return http.StatusConflict
	case errors.Is(err, domain.ErrSizeExceeded):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrPartMismatch):
		return http.StatusUnprocessableEntity
	default:
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return http.StatusRequestEntityTooLarge
		}
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, err error, logger *slog.Logger) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, status, "")
		return
	}
	logger.Info("request rejected", slog.Int("status", status), slog.String("error", err.Error()))
	writeError(w, status, err.Error())
}

func writeError(w http.ResponseWriter, status int, message string) {
	if message == "" {
		message = http.StatusText(status)
	}
	resp := errorResponse{
		Error:   http.StatusText(status),
		Message: message,
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("writeJSON", slog.String("error", err.Error()))
	}
}
