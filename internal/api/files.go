package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/metrics"
	"github.com/fruitsalade/docvault/internal/models"
	"github.com/fruitsalade/docvault/internal/vfs"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

type createFolderRequest struct {
	Type string `json:"type" validate:"omitempty,oneof=folder"`
	Name string `json:"name" validate:"required"`
	Path string `json:"path"`
}

type renameRequest struct {
	Name string `json:"name" validate:"required"`
}

type moveRequest struct {
	Items      []string `json:"items" validate:"required,min=1,dive,required"`
	TargetPath string   `json:"target_path" validate:"required"`
}

type bulkDeleteRequest struct {
	Items []string `json:"items"`
}

type listResponse struct {
	Success bool       `json:"success"`
	Data    []nodeView `json:"data"`
	Path    string     `json:"path"`
	Count   int        `json:"count"`
}

type itemError struct {
	Item  string `json:"item"`
	Error string `json:"error"`
}

type uploadResponse struct {
	Success      bool        `json:"success"`
	Uploaded     int         `json:"uploaded"`
	Errors       int         `json:"errors"`
	Data         []nodeView  `json:"data"`
	ErrorDetails []itemError `json:"error_details"`
	Message      string      `json:"message"`
}

type moveResponse struct {
	Success bool           `json:"success"`
	Moved   int            `json:"moved"`
	Skipped int            `json:"skipped"`
	Failed  int            `json:"failed"`
	Items   []vfs.MoveItem `json:"items"`
	Message string         `json:"message"`
}

type bulkDeleteResponse struct {
	Success        bool        `json:"success"`
	Deleted        int         `json:"deleted"`
	Failed         int         `json:"failed"`
	Errors         []itemError `json:"errors,omitempty"`
	PhysicalErrors []itemError `json:"physical_errors,omitempty"`
	Message        string      `json:"message"`
}

type statsView struct {
	TotalFiles   int        `json:"total_files"`
	TotalFolders int        `json:"total_folders"`
	TotalSize    int64      `json:"total_size"`
	RecentFiles  []nodeView `json:"recent_files"`
}

func itemErrors(errs []vfs.ItemError) []itemError {
	out := make([]itemError, 0, len(errs))
	for _, e := range errs {
		out = append(out, itemError{Item: e.Item, Error: e.Err.Error()})
	}
	return out
}

func kindLabel(k models.Kind) string {
	if k == models.KindFolder {
		return "Folder"
	}
	return "File"
}

func isMultipart(r *http.Request) bool {
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	return ct == "multipart/form-data"
}

// parseMultipart bounds the request body to the upload limit and parses it.
func (s *Server) parseMultipart(w http.ResponseWriter, r *http.Request) bool {
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
			return false
		}
		sendError(w, http.StatusBadRequest, "invalid multipart body")
		return false
	}
	return true
}

// handleList handles GET /api/files?path=&search=.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")
	if path == "" {
		path = "/"
	}
	nodes, err := s.engine.List(r.Context(), ownerOf(r), path, r.URL.Query().Get("search"))
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, listResponse{
		Success: true,
		Data:    views(r, nodes),
		Path:    path,
		Count:   len(nodes),
	})
}

// handleCreate handles POST /api/files: a JSON folder or a multipart file.
func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	if !isMultipart(r) {
		s.handleCreateFolder(w, r)
		return
	}
	if !s.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	if t := r.FormValue("type"); t != "" && t != string(models.KindFile) {
		sendError(w, http.StatusBadRequest, "multipart bodies create files only")
		return
	}
	f, fh, err := formFile(r)
	if err != nil {
		sendError(w, http.StatusBadRequest, "file content required")
		return
	}
	defer f.Close()

	name := r.FormValue("name")
	if name == "" {
		name = fh.Filename
	}
	n, err := s.engine.Create(r.Context(), ownerOf(r), r.FormValue("path"), name, models.KindFile,
		&vfs.Content{Body: f, Size: fh.Size})
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, envelope{Success: true, Data: view(r, n), Message: "File created successfully"})
}

// formFile returns the uploaded file of a single-file request.
func formFile(r *http.Request) (multipart.File, *multipart.FileHeader, error) {
	for _, field := range []string{"file_data", "file"} {
		f, fh, err := r.FormFile(field)
		if err == nil {
			return f, fh, nil
		}
		if !errors.Is(err, http.ErrMissingFile) {
			return nil, nil, err
		}
	}
	return nil, nil, http.ErrMissingFile
}

// handleCreateFolder handles POST /api/files/create_folder.
func (s *Server) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var req createFolderRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.engine.Create(r.Context(), ownerOf(r), req.Path, req.Name, models.KindFolder, nil)
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusCreated, envelope{Success: true, Data: view(r, n), Message: "Folder created successfully"})
}

// handleUpload handles POST /api/files/upload with multipart "files" and "path".
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !s.parseMultipart(w, r) {
		return
	}
	defer r.MultipartForm.RemoveAll()

	headers := r.MultipartForm.File["files"]
	if len(headers) == 0 {
		sendError(w, http.StatusBadRequest, "no files provided")
		return
	}

	var (
		contents []vfs.Content
		failed   []itemError
	)
	for _, fh := range headers {
		f, err := fh.Open()
		if err != nil {
			failed = append(failed, itemError{Item: fh.Filename, Error: err.Error()})
			continue
		}
		defer f.Close()
		contents = append(contents, vfs.Content{Name: fh.Filename, Body: f, Size: fh.Size})
	}

	var uploaded []*models.Node
	if len(contents) > 0 {
		res, err := s.engine.Upload(r.Context(), ownerOf(r), r.FormValue("path"), contents)
		if err != nil {
			sendEngineError(w, r, err)
			return
		}
		uploaded = res.Uploaded
		failed = append(failed, itemErrors(res.Failed)...)
	}

	status := http.StatusCreated
	if len(failed) > 0 {
		status = http.StatusMultiStatus
	} else {
		failed = nil
	}
	sendJSON(w, status, uploadResponse{
		Success:      len(failed) == 0,
		Uploaded:     len(uploaded),
		Errors:       len(failed),
		Data:         views(r, uploaded),
		ErrorDetails: failed,
		Message:      fmt.Sprintf("Uploaded %d file(s) successfully", len(uploaded)),
	})
}

// handleGet handles GET /api/files/{id}.
func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.Get(r.Context(), ownerOf(r), r.PathValue("id"))
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, envelope{Success: true, Data: view(r, n)})
}

// handleRename handles PUT and PATCH /api/files/{id}.
func (s *Server) handleRename(w http.ResponseWriter, r *http.Request) {
	var req renameRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	n, err := s.engine.Rename(r.Context(), ownerOf(r), r.PathValue("id"), req.Name)
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, envelope{Success: true, Data: view(r, n), Message: "Item updated successfully"})
}

// handleReplaceContent handles PUT /api/files/{id}/content. The body is the
// new content; a Content-Type other than application/octet-stream is kept
// as the file's type.
func (s *Server) handleReplaceContent(w http.ResponseWriter, r *http.Request) {
	if r.ContentLength > s.maxUploadSize {
		sendError(w, http.StatusRequestEntityTooLarge, fmt.Sprintf("upload too large: max %d bytes", s.maxUploadSize))
		return
	}
	content := vfs.Content{
		Body: http.MaxBytesReader(w, r.Body, s.maxUploadSize),
		Size: r.ContentLength,
	}
	if ct, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && ct != models.DefaultMimeType {
		content.MimeType = ct
	}

	n, err := s.engine.ReplaceContent(r.Context(), ownerOf(r), r.PathValue("id"), content)
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, envelope{Success: true, Data: view(r, n), Message: "Content replaced successfully"})
}

// handleDelete handles DELETE /api/files/{id}.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.Delete(r.Context(), ownerOf(r), r.PathValue("id"))
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, envelope{
		Success: true,
		Data:    res,
		Message: fmt.Sprintf("%s %q deleted successfully", kindLabel(res.Node.Kind), res.Node.Name),
	})
}

// handleBulkDelete handles DELETE /api/files/bulk_delete with {"items": [...]}.
func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	var req bulkDeleteRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	if len(req.Items) == 0 {
		sendError(w, http.StatusBadRequest, "No items specified for deletion")
		return
	}
	res, err := s.engine.BulkDelete(r.Context(), ownerOf(r), req.Items)
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, bulkDeleteResponse{
		Success:        true,
		Deleted:        res.Deleted,
		Failed:         len(res.Failed),
		Errors:         itemErrors(res.Failed),
		PhysicalErrors: itemErrors(res.PhysicalErrors),
		Message:        fmt.Sprintf("Deleted %d item(s) successfully", res.Deleted),
	})
}

// handleMove handles POST /api/files/move with {"items", "target_path"}.
func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req moveRequest
	if !s.decodeJSON(w, r, &req) {
		return
	}
	res, err := s.engine.Move(r.Context(), ownerOf(r), req.Items, req.TargetPath)
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, moveResponse{
		Success: true,
		Moved:   res.Moved,
		Skipped: res.Skipped,
		Failed:  res.Failed,
		Items:   res.Items,
		Message: fmt.Sprintf("Moved %d item(s) successfully", res.Moved),
	})
}

// handleDownload handles GET /api/files/{id}/download.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	rc, n, err := s.engine.Open(r.Context(), ownerOf(r), r.PathValue("id"))
	if err != nil {
		metrics.RecordContentDownload(0, false)
		sendEngineError(w, r, err)
		return
	}
	defer rc.Close()

	ct := n.MimeType
	if ct == "" {
		ct = models.DefaultMimeType
	}
	w.Header().Set("Content-Type", ct)
	w.Header().Set("Content-Length", strconv.FormatInt(n.Size(), 10))
	w.Header().Set("Content-Disposition", contentDisposition(n.Name))
	w.WriteHeader(http.StatusOK)

	written, err := io.Copy(w, rc)
	if err != nil {
		logging.WithContext(r.Context()).Warn("content transfer error", zap.String("id", n.ID), zap.Error(err))
	}
	metrics.RecordContentDownload(written, err == nil)
}

func contentDisposition(name string) string {
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return `attachment; filename="` + strings.ReplaceAll(name, `"`, "") + `"`
}

// handleStats handles GET /api/files/stats.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context(), ownerOf(r))
	if err != nil {
		sendEngineError(w, r, err)
		return
	}
	sendJSON(w, http.StatusOK, envelope{Success: true, Data: statsView{
		TotalFiles:   st.TotalFiles,
		TotalFolders: st.TotalFolders,
		TotalSize:    st.TotalSize,
		RecentFiles:  views(r, st.RecentFiles),
	}})
}
