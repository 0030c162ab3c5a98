package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Pr3zLy/face-swap-site/internal/invite"
	"github.com/Pr3zLy/face-swap-site/internal/queue"
	"github.com/Pr3zLy/face-swap-site/internal/settings"
	"github.com/Pr3zLy/face-swap-site/internal/task"
)

const maxUploadBytes = 512 << 20

var (
	imageExtensions = map[string]bool{".png": true, ".jpg": true, ".jpeg": true, ".webp": true}
	videoExtensions = map[string]bool{".mp4": true, ".mov": true, ".avi": true, ".mkv": true, ".webm": true}
)

type Handler struct {
	tasks      *queue.Repo
	invites    *invite.Repo
	settings   *settings.Repo
	uploadsDir string
	outputsDir string
	logger     *zap.Logger
}

func NewHandler(tasks *queue.Repo, invites *invite.Repo, s *settings.Repo, uploadsDir, outputsDir string, logger *zap.Logger) *Handler {
	return &Handler{
		tasks:      tasks,
		invites:    invites,
		settings:   s,
		uploadsDir: uploadsDir,
		outputsDir: outputsDir,
		logger:     logger,
	}
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// taskView is the public status representation. Raw captured stdout/stderr
// are for the admin view only and are never exposed here.
type taskView struct {
	ID           string      `json:"task_id"`
	Status       task.Status `json:"status"`
	Kind         task.Kind   `json:"task_type"`
	Priority     int         `json:"priority"`
	OutputPath   string      `json:"output_path,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	CompletedAt  *time.Time  `json:"completed_at,omitempty"`
	ErrorMessage string      `json:"error_message,omitempty"`
}

func publicView(t *task.Task) taskView {
	return taskView{
		ID:           t.ID,
		Status:       t.Status,
		Kind:         t.Kind,
		Priority:     t.Priority,
		OutputPath:   t.OutputPath,
		CreatedAt:    t.CreatedAt,
		StartedAt:    t.StartedAt,
		CompletedAt:  t.CompletedAt,
		ErrorMessage: t.ErrorMessage,
	}
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SubmitTask accepts a multipart upload gated by an unused invite code,
// stores the source and target files and queues the processing task.
func (h *Handler) SubmitTask(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		respondError(w, http.StatusBadRequest, "invalid multipart request")
		return
	}

	code := r.FormValue("invite_code")
	if code == "" {
		respondError(w, http.StatusBadRequest, "invite_code is required")
		return
	}

	inv, err := h.invites.Find(r.Context(), code)
	if errors.Is(err, invite.ErrNotFound) {
		respondError(w, http.StatusForbidden, "invalid invite code")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if inv.Used {
		respondError(w, http.StatusForbidden, "invite code already used")
		return
	}

	sourcePath, err := h.saveUpload(r, "source_image", code, "source", imageExtensions)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	targetAllowed := imageExtensions
	if inv.Kind == task.KindVideo {
		targetAllowed = mergeExtensions(imageExtensions, videoExtensions)
	}
	targetPath, err := h.saveUpload(r, "target_media", code, "target", targetAllowed)
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	// Kind follows the uploaded target, not the invite: an image uploaded
	// on a video invite is still an image job.
	kind := task.KindImage
	priority := task.DefaultImagePriority
	if videoExtensions[strings.ToLower(filepath.Ext(targetPath))] {
		kind = task.KindVideo
		priority = task.DefaultVideoPriority
	}

	t := task.Task{
		ID:         uuid.New().String(),
		InviteCode: code,
		SourcePath: sourcePath,
		TargetPath: targetPath,
		Options:    optionsFromForm(r),
		Kind:       kind,
		Status:     task.StatusQueued,
		Priority:   priority,
		CreatedAt:  time.Now().UTC(),
	}

	if err := h.tasks.Append(r.Context(), t); err != nil {
		respondError(w, http.StatusInternalServerError, "failed to queue task")
		return
	}

	// Marking the invite is a separate write; a crash between the two
	// leaves the task queued with the invite still unused. Surfaced to the
	// operator, not rolled back.
	if err := h.invites.MarkUsed(r.Context(), code); err != nil {
		h.logger.Error("task queued but invite not marked used",
			zap.String("task_id", t.ID),
			zap.String("invite_code", code),
			zap.Error(err),
		)
	}

	respondJSON(w, http.StatusCreated, publicView(&t))
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.tasks.Find(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, publicView(t))
}

// ServeOutput serves a finished output file from the outputs tree.
func (h *Handler) ServeOutput(w http.ResponseWriter, r *http.Request) {
	code := chi.URLParam(r, "code")
	file := chi.URLParam(r, "file")
	if code != sanitizeName(code) || file != sanitizeName(file) {
		respondError(w, http.StatusBadRequest, "invalid path")
		return
	}
	http.ServeFile(w, r, filepath.Join(h.outputsDir, code, file))
}

// --- Admin handlers ---

// AdminOnly verifies the admin password header against the settings
// document.
func (h *Handler) AdminOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		password := r.Header.Get("X-Admin-Password")
		if err := h.settings.VerifyAdminPassword(r.Context(), password); err != nil {
			if errors.Is(err, settings.ErrWrongPassword) {
				respondError(w, http.StatusUnauthorized, "unauthorized")
				return
			}
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		next.ServeHTTP(w, r)
	})
}

func statusRank(s task.Status) int {
	switch s {
	case task.StatusProcessing:
		return 0
	case task.StatusQueued:
		return 1
	case task.StatusCompleted:
		return 2
	case task.StatusFailed:
		return 3
	default:
		return 4
	}
}

// ListTasks returns every task, full record included, ordered for the admin
// queue view.
func (h *Handler) ListTasks(w http.ResponseWriter, r *http.Request) {
	tasks, err := h.tasks.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := &tasks[i], &tasks[j]
		if statusRank(a.Status) != statusRank(b.Status) {
			return statusRank(a.Status) < statusRank(b.Status)
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	respondJSON(w, http.StatusOK, tasks)
}

type priorityRequest struct {
	Priority int `json:"priority"`
}

func (h *Handler) UpdatePriority(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req priorityRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	err := h.tasks.ApplyUpdate(r.Context(), id, task.Patch{Priority: &req.Priority})
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{"task_id": id, "priority": req.Priority})
}

// RetryTask re-queues a failed task, clearing all execution artifacts. Only
// legal from the failed state.
func (h *Handler) RetryTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	t, err := h.tasks.Find(r.Context(), id)
	if errors.Is(err, queue.ErrNotFound) {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !task.CanTransition(t.Status, task.StatusQueued) {
		respondError(w, http.StatusConflict,
			fmt.Sprintf("task in state %q cannot be retried", t.Status))
		return
	}

	if err := h.tasks.ApplyUpdate(r.Context(), id, task.RetryPatch()); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"task_id": id, "status": string(task.StatusQueued)})
}

// DeleteTask removes a task from any state and best-effort deletes its
// files. It is not a cancel: an in-flight run is not stopped.
func (h *Handler) DeleteTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tasks, err := h.tasks.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	idx := -1
	for i := range tasks {
		if tasks[i].ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		respondError(w, http.StatusNotFound, "task not found")
		return
	}

	for _, path := range []string{tasks[idx].SourcePath, tasks[idx].TargetPath, tasks[idx].OutputPath} {
		if path == "" {
			continue
		}
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			h.logger.Warn("failed to delete task file",
				zap.String("task_id", id),
				zap.String("path", path),
				zap.Error(err),
			)
		}
	}

	remaining := append(tasks[:idx], tasks[idx+1:]...)
	if err := h.tasks.ReplaceAll(r.Context(), remaining); err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListInvites(w http.ResponseWriter, r *http.Request) {
	invites, err := h.invites.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, invites)
}

type createInviteRequest struct {
	Kind task.Kind `json:"type"`
}

func (h *Handler) CreateInvite(w http.ResponseWriter, r *http.Request) {
	var req createInviteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind != task.KindImage && req.Kind != task.KindVideo {
		respondError(w, http.StatusBadRequest, "type must be image or video")
		return
	}

	inv, err := h.invites.Issue(r.Context(), req.Kind)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusCreated, inv)
}

type changePasswordRequest struct {
	OldPassword string `json:"old_password"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	var req changePasswordRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NewPassword == "" {
		respondError(w, http.StatusBadRequest, "new_password is required")
		return
	}

	err := h.settings.SetAdminPassword(r.Context(), req.OldPassword, req.NewPassword)
	if errors.Is(err, settings.ErrWrongPassword) {
		respondError(w, http.StatusUnauthorized, "wrong password")
		return
	}
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, map[string]string{"status": "password changed"})
}

// --- helpers ---

func (h *Handler) saveUpload(r *http.Request, field, code, prefix string, allowed map[string]bool) (string, error) {
	file, header, err := r.FormFile(field)
	if err != nil {
		return "", fmt.Errorf("%s is required", field)
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowed[ext] {
		return "", fmt.Errorf("invalid %s file type %q", field, ext)
	}

	dir := filepath.Join(h.uploadsDir, code)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}

	name := fmt.Sprintf("%s_%s_%s", prefix, uuid.New().String()[:8], sanitizeName(header.Filename))
	path, err := filepath.Abs(filepath.Join(dir, name))
	if err != nil {
		return "", err
	}

	dst, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("save upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, file); err != nil {
		os.Remove(path)
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

// sanitizeName strips everything but safe filename characters.
func sanitizeName(name string) string {
	name = filepath.Base(name)
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '.' || r == '-' || r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

func mergeExtensions(sets ...map[string]bool) map[string]bool {
	merged := make(map[string]bool)
	for _, set := range sets {
		for ext := range set {
			merged[ext] = true
		}
	}
	return merged
}

func optionsFromForm(r *http.Request) task.Options {
	on := func(field string) bool { return r.FormValue(field) == "on" }
	return task.Options{
		FaceSwapper:  on("fp_face_swapper"),
		FaceEnhancer: on("fp_face_enhancer"),
		KeepFPS:      on("keep_fps"),
		KeepAudio:    on("keep_audio"),
		KeepFrames:   on("keep_frames"),
		ManyFaces:    on("many_faces"),
		MapFaces:     on("map_faces"),
		MouthMask:    on("mouth_mask"),
		ProviderCUDA: on("ep_cuda"),
		ProviderCPU:  on("ep_cpu"),
	}
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
