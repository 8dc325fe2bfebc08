// Package api provides the HTTP server and handlers.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/auth"
	"github.com/fruitsalade/docvault/internal/events"
	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/quota"
	"github.com/fruitsalade/docvault/internal/vfs"
)

// maxJSONBody bounds request bodies that are not file content.
const maxJSONBody = 1 << 20

// Server is the HTTP server.
type Server struct {
	engine        *vfs.Engine
	auth          *auth.Auth
	broadcaster   *events.Broadcaster
	rateLimiter   *quota.RateLimiter
	maxUploadSize int64
	validate      *validator.Validate
}

// NewServer creates a new server.
func NewServer(
	engine *vfs.Engine,
	authHandler *auth.Auth,
	broadcaster *events.Broadcaster,
	rateLimiter *quota.RateLimiter,
	maxUploadSize int64,
) *Server {
	return &Server{
		engine:        engine,
		auth:          authHandler,
		broadcaster:   broadcaster,
		rateLimiter:   rateLimiter,
		maxUploadSize: maxUploadSize,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
	}
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Public endpoints (no auth required)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /api/auth/register", s.auth.HandleRegister)
	mux.HandleFunc("POST /api/auth/token", s.auth.HandleLogin)

	// Protected endpoints
	protected := http.NewServeMux()
	protected.HandleFunc("GET /api/auth/me", s.auth.HandleMe)

	protected.HandleFunc("GET /api/files", s.handleList)
	protected.HandleFunc("POST /api/files", s.handleCreate)
	protected.HandleFunc("POST /api/files/create_folder", s.handleCreateFolder)
	protected.HandleFunc("POST /api/files/upload", s.handleUpload)
	protected.HandleFunc("POST /api/files/move", s.handleMove)
	protected.HandleFunc("DELETE /api/files/bulk_delete", s.handleBulkDelete)
	protected.HandleFunc("GET /api/files/stats", s.handleStats)

	protected.HandleFunc("GET /api/files/{id}", s.handleGet)
	protected.HandleFunc("PUT /api/files/{id}", s.handleRename)
	protected.HandleFunc("PATCH /api/files/{id}", s.handleRename)
	protected.HandleFunc("DELETE /api/files/{id}", s.handleDelete)
	protected.HandleFunc("PUT /api/files/{id}/content", s.handleReplaceContent)
	protected.HandleFunc("GET /api/files/{id}/download", s.handleDownload)

	// SSE endpoint
	protected.HandleFunc("GET /api/events", s.handleEvents)

	// Wrap protected routes with auth then rate limiter
	rateLimited := quota.RateLimitMiddleware(s.rateLimiter, auth.UserID)(protected)
	mux.Handle("/api/", s.auth.Middleware(rateLimited))

	return metrics.Middleware(logging.Middleware(trimTrailingSlash(mux)))
}

// trimTrailingSlash lets clients address routes as "/api/files/" as well.
func trimTrailingSlash(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if p := r.URL.Path; len(p) > 1 && strings.HasSuffix(p, "/") {
			r.URL.Path = strings.TrimRight(p, "/")
			if r.URL.Path == "" {
				r.URL.Path = "/"
			}
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	sendJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleEvents streams the caller's change events.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		sendError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	ownerID, _ := auth.UserID(r.Context())

	// Subscribe before the headers go out so a client that saw them
	// cannot miss an event.
	ch := s.broadcaster.Subscribe(ownerID)
	defer s.broadcaster.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := events.MarshalEvent(event)
			if err != nil {
				continue
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event.Type, data)
			flusher.Flush()
		}
	}
}

// envelope is the JSON body of every non-streaming response.
type envelope struct {
	Success bool              `json:"success"`
	Data    any               `json:"data,omitempty"`
	Message string            `json:"message,omitempty"`
	Error   string            `json:"error,omitempty"`
	Code    int               `json:"code,omitempty"`
	Errors  map[string]string `json:"errors,omitempty"`
}

func sendJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func sendError(w http.ResponseWriter, code int, message string) {
	sendJSON(w, code, envelope{Error: message, Code: code})
}

// statusFor maps an engine error to its HTTP status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch vfs.KindOf(err) {
	case vfs.ErrValidation:
		return http.StatusBadRequest
	case vfs.ErrNotFound:
		return http.StatusNotFound
	case vfs.ErrDuplicateName:
		return http.StatusConflict
	case vfs.ErrInvalidParent, vfs.ErrInvalidTarget:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

// sendEngineError reports err with the status its kind maps to. Internal
// errors are logged and not echoed to the client.
func sendEngineError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		logging.WithContext(r.Context()).Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		if vfs.KindOf(err) == nil {
			msg = "internal error"
		}
	}
	sendError(w, code, msg)
}

// decodeJSON reads a JSON body into dst and validates it. It writes the
// error response itself and reports whether the handler should go on.
func (s *Server) decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody))
	if err := dec.Decode(dst); err != nil {
		sendError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		sendValidationError(w, err)
		return false
	}
	return true
}

func sendValidationError(w http.ResponseWriter, err error) {
	resp := envelope{Error: "validation failed", Code: http.StatusBadRequest, Errors: map[string]string{}}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			resp.Errors[jsonName(fe.Field())] = fe.Tag()
		}
	}
	sendJSON(w, http.StatusBadRequest, resp)
}

// jsonName converts a Go field name such as TargetPath to target_path.
func jsonName(field string) string {
	var b strings.Builder
	for i, c := range field {
		if c >= 'A' && c <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			c += 'a' - 'A'
		}
		b.WriteRune(c)
	}
	return b.String()
}

func ownerOf(r *http.Request) int64 {
	id, _ := auth.UserID(r.Context())
	return id
}

// nodeView is the wire form of a node.
type nodeView struct {
	*models.Node
	FullPath    string `json:"full_path"`
	DownloadURL string `json:"download_url,omitempty"`
}

func view(r *http.Request, n *models.Node) nodeView {
	v := nodeView{Node: n, FullPath: n.FullPath()}
	if n.IsFile() {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		v.DownloadURL = scheme + "://" + r.Host + "/api/files/" + n.ID + "/download"
	}
	return v
}

func views(r *http.Request, nodes []*models.Node) []nodeView {
	out := make([]nodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, view(r, n))
	}
	return out
}
