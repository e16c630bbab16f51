package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"mime"
	"net/http"
	"net/url"
	"path/filepath"
	"strconv"
	"time"

	"github.com/kilupskalvis/imgsrv/internal/core"
	"github.com/kilupskalvis/imgsrv/internal/metrics"
	"github.com/kilupskalvis/imgsrv/internal/models"
	"github.com/kilupskalvis/imgsrv/internal/remote"
)

// ImageService is the pipeline the handlers call into.
type ImageService interface {
	Upload(ctx context.Context, projectID, contentType string, body io.Reader) (*core.UploadResult, error)
	List(ctx context.Context, projectID string) ([]core.ImageView, error)
	Cover(ctx context.Context, projectID string) (io.ReadCloser, string, error)
	Rendition(ctx context.Context, projectID, imageID, name string) (io.ReadCloser, error)
	Delete(ctx context.Context, projectID, imageID string) (*core.DeleteResult, error)
	SetPrimary(ctx context.Context, projectID, imageID string) (string, error)
	Renditions() []string
	Ping(ctx context.Context) error
}

// ServerConfig holds configurable limits for the server.
type ServerConfig struct {
	MaxUploadBytes    int64         // payload limit enforced by the pipeline
	RequestsPerMinute int           // per-client rate limit, 0 disables
	LockTimeout       time.Duration // advertised in Retry-After on busy
	Metrics           *metrics.Metrics
}

// DefaultServerConfig returns reasonable defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		MaxUploadBytes: core.DefaultMaxUploadBytes,
		LockTimeout:    15 * time.Second,
	}
}

// multipartOverhead is the room allowed for multipart framing on top of
// the payload limit.
const multipartOverhead = 1 << 20

// Handler creates the HTTP handler with all routes and middleware.
// The returned cleanup function stops background goroutines and should be
// called on server shutdown.
func Handler(svc ImageService, cfg *ServerConfig, logger *slog.Logger) (http.Handler, func()) {
	if cfg == nil {
		cfg = DefaultServerConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}

	h := &handlers{svc: svc, cfg: cfg, logger: logger}
	rl := newRateLimiter(cfg.RequestsPerMinute)
	limited := func(fn http.HandlerFunc) http.Handler {
		return applyMiddleware(fn, rl.middleware)
	}

	mux := http.NewServeMux()

	// Health endpoints (no rate limit)
	mux.HandleFunc("GET /healthz", handleHealthz)
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		if err := svc.Ping(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("not ready: metadata store unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Metrics.Handler())
	}

	// Images
	mux.Handle("POST /projects/{pid}/images", limited(h.handleUpload))
	mux.Handle("GET /projects/{pid}/images", limited(h.handleList))
	mux.Handle("GET /projects/{pid}/thumbnail", limited(h.handleCover))
	mux.Handle("GET /projects/{pid}/images/{iid}", limited(h.handleRendition))
	mux.Handle("DELETE /projects/{pid}/images/{iid}", limited(h.handleDelete))
	mux.Handle("PUT /projects/{pid}/primary/{iid}", limited(h.handleSetPrimary))

	// Apply global middleware
	handler := applyMiddleware(mux,
		recoveryMiddleware(logger),
		metricsMiddleware(cfg.Metrics),
		loggingMiddleware(logger),
		requestIDMiddleware,
	)

	cleanup := func() {
		rl.Stop()
	}

	return handler, cleanup
}

// applyMiddleware applies middleware in reverse order so the first in the list runs first.
func applyMiddleware(h http.Handler, mws ...func(http.Handler) http.Handler) http.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

type handlers struct {
	svc    ImageService
	cfg    *ServerConfig
	logger *slog.Logger
}

// --- Image Handlers ---

func (h *handlers) handleUpload(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	var (
		res *core.UploadResult
		err error
	)
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+multipartOverhead)
		res, err = h.uploadMultipart(r, pid)
	} else {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxUploadBytes+1)
		res, err = h.svc.Upload(r.Context(), pid, r.Header.Get("Content-Type"), r.Body)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, remote.UploadResponse{
		ImageID:   res.ImageID,
		ProjectID: res.ProjectID,
		IsPrimary: res.IsPrimary,
		URLs:      renditionURLs(res.ProjectID, res.ImageID, res.Renditions),
	})
}

// uploadMultipart streams the form part named "file" into the pipeline.
// The part's declared type wins; a missing one is derived from the file name.
func (h *handlers) uploadMultipart(r *http.Request, pid string) (*core.UploadResult, error) {
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return nil, fmt.Errorf("%w: multipart form has no \"file\" field", core.ErrInvalidInput)
		}
		if err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, fmt.Errorf("%w: %v", core.ErrTooLarge, err)
			}
			return nil, fmt.Errorf("%w: %v", core.ErrInvalidInput, err)
		}
		if part.FormName() != "file" {
			part.Close()
			continue
		}

		contentType := part.Header.Get("Content-Type")
		if contentType == "" || contentType == "application/octet-stream" {
			if guessed := mime.TypeByExtension(filepath.Ext(part.FileName())); guessed != "" {
				contentType = guessed
			}
		}
		defer part.Close()
		return h.svc.Upload(r.Context(), pid, contentType, part)
	}
}

func (h *handlers) handleList(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	views, err := h.svc.List(r.Context(), pid)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	names := h.svc.Renditions()
	out := make([]remote.ImageResponse, 0, len(views))
	for _, v := range views {
		out = append(out, remote.ImageResponse{
			ImageID:   v.ID,
			IsPrimary: v.IsPrimary,
			CreatedAt: v.CreatedAt,
			URLs:      renditionURLs(pid, v.ID, names),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) handleCover(w http.ResponseWriter, r *http.Request) {
	rc, imageID, err := h.svc.Cover(r.Context(), r.PathValue("pid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	// The cover follows the primary, so it must be revalidated.
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Image-ID", imageID)
	h.writeImage(w, rc)
}

func (h *handlers) handleRendition(w http.ResponseWriter, r *http.Request) {
	size := r.URL.Query().Get("size")
	if size == "" {
		size = models.RenditionOriginal
	}
	rc, err := h.svc.Rendition(r.Context(), r.PathValue("pid"), r.PathValue("iid"), size)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer rc.Close()

	// Image ids are never reused, so a rendition never changes.
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	h.writeImage(w, rc)
}

func (h *handlers) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := h.svc.Delete(r.Context(), r.PathValue("pid"), r.PathValue("iid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := remote.DeleteResponse{OK: true, ProjectID: res.ProjectID, DeletedImageID: res.DeletedImageID}
	if res.NewPrimary != "" {
		resp.NewPrimary = &res.NewPrimary
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *handlers) handleSetPrimary(w http.ResponseWriter, r *http.Request) {
	pid := r.PathValue("pid")
	primary, err := h.svc.SetPrimary(r.Context(), pid, r.PathValue("iid"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, remote.PrimaryResponse{OK: true, ProjectID: pid, PrimaryImageID: primary})
}

// --- Helpers ---

func handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *handlers) writeImage(w http.ResponseWriter, rc io.Reader) {
	w.Header().Set("Content-Type", "image/jpeg")
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("write image", "error", err)
	}
}

// writeError maps pipeline errors to status codes.
func (h *handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.Is(err, core.ErrTooLarge), errors.As(err, &tooLarge):
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": remote.CodeTooLarge, "message": err.Error()})
	case errors.Is(err, core.ErrInvalidInput):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": remote.CodeInvalidInput, "message": err.Error()})
	case errors.Is(err, core.ErrUnsupportedImage):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": remote.CodeUnsupportedImage, "message": err.Error()})
	case errors.Is(err, core.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": remote.CodeNotFound, "message": err.Error()})
	case errors.Is(err, core.ErrBusy):
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(h.cfg.LockTimeout)))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": remote.CodeBusy, "message": "project is busy, retry later"})
	case errors.Is(err, core.ErrCorruptMetadata):
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": remote.CodeCorruptMetadata, "message": err.Error()})
	default:
		reqID, _ := r.Context().Value(contextKeyRequestID).(string)
		h.logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "error", err, "request_id", reqID)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": remote.CodeInternal, "message": "internal server error"})
	}
}

func retryAfterSeconds(d time.Duration) int {
	return max(1, int(math.Ceil(d.Seconds())))
}

// renditionURLs maps each rendition name to its fetch URL.
func renditionURLs(projectID, imageID string, names []string) map[string]string {
	urls := make(map[string]string, len(names))
	base := "/projects/" + url.PathEscape(projectID) + "/images/" + url.PathEscape(imageID)
	for _, name := range names {
		urls[name] = base + "?size=" + url.QueryEscape(name)
	}
	return urls
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
