package receipt

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/zombor/receipt-ledger/internal/export"
	"github.com/zombor/receipt-ledger/internal/models"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

// maxUploadSize accommodates high-resolution phone photos
const maxUploadSize = int64(50 << 20)

// uploadResponse is a processed session plus where to fetch its export
type uploadResponse struct {
	*SessionView
	ExportURL string `json:"export_url,omitempty"`
}

type resolveRequest struct {
	Category      string `json:"category"`
	Subcategory   string `json:"subcategory"`
	CanonicalName string `json:"canonical_name"`
}

type accountRequest struct {
	Account string `json:"account"`
}

// writeJSON encodes v with the given status code
func writeJSON(w http.ResponseWriter, code int, v any) {
	setCORSHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("Error encoding response", "error", err)
	}
}

// statusFor maps pipeline errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrAlreadyResolved),
		errors.Is(err, models.ErrInvalidTransition),
		errors.Is(err, export.ErrExport):
		return http.StatusConflict
	case errors.Is(err, scanning.ErrExtraction):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes a JSON error body; internal errors are not echoed
func writeError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	message := err.Error()
	if code == http.StatusInternalServerError {
		message = "Internal server error"
	}
	writeJSON(w, code, map[string]string{"error": message})
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(r.PathValue(name), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %s must be a positive integer", ErrInvalidInput, name)
	}
	return id, nil
}

// contentTypeFor determines an upload's type from its header or extension
func contentTypeFor(declared, filename string) string {
	contentType := strings.ToLower(strings.TrimSpace(declared))
	if contentType != "" {
		return contentType
	}

	switch strings.ToLower(filepath.Ext(filename)) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".pdf":
		return "application/pdf"
	case ".heic":
		return "image/heic"
	case ".heif":
		return "image/heif"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}

// handleUploadReceipt handles receipt upload
func (s *Server) handleUploadReceipt(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadSize)
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		slog.Error("Error parsing multipart form", "error", err)
		message := "Error parsing form"
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			message = "File is too large. Maximum size is 50MB. Please compress or resize your image."
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": message})
		return
	}

	f, header, err := r.FormFile("file")
	if err != nil {
		slog.Error("Error getting file from form", "error", err)
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "No file was selected. Please choose a file to upload.",
		})
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		slog.Error("Error reading file data", "error", err, "filename", header.Filename)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "Error reading file. Please try again.",
		})
		return
	}

	view, err := s.service.ProcessReceipt(r.Context(), Submission{
		UserExternalID: userFromRequest(r),
		Filename:       header.Filename,
		Data:           data,
		ContentType:    contentTypeFor(header.Header.Get("Content-Type"), header.Filename),
		Caption:        r.FormValue("caption"),
	})
	if err != nil {
		slog.Error("Error processing receipt", "filename", header.Filename, "error", err)
		body := map[string]any{"error": err.Error()}
		if view != nil {
			body["session_id"] = view.Session.ID
			body["retryable"] = errors.Is(err, scanning.ErrExtraction)
		}
		code := statusFor(err)
		if code == http.StatusInternalServerError {
			body["error"] = "Internal server error"
		}
		writeJSON(w, code, body)
		return
	}

	resp := uploadResponse{SessionView: view}
	if view.Session.Status == models.StatusDone {
		resp.ExportURL = fmt.Sprintf("/api/sessions/%d/export", view.Session.ID)
	}
	writeJSON(w, http.StatusCreated, resp)
}

// handleGetSession returns a session with its lines and state
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	view, err := s.service.GetSession(r.Context(), userFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleGetImage returns the stored receipt image
func (s *Server) handleGetImage(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := s.service.GetImage(r.Context(), userFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", http.DetectContentType(data))
	w.Write(data)
}

// handleResolveLine categorizes one unresolved line
func (s *Server) handleResolveLine(w http.ResponseWriter, r *http.Request) {
	sessionID, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	lineID, err := pathID(r, "lineID")
	if err != nil {
		writeError(w, err)
		return
	}

	var req resolveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	view, err := s.service.ResolveLine(r.Context(), Resolution{
		UserExternalID: userFromRequest(r),
		SessionID:      sessionID,
		LineID:         lineID,
		Category:       req.Category,
		Subcategory:    req.Subcategory,
		CanonicalName:  req.CanonicalName,
	})
	if err != nil {
		slog.Error("Error resolving line", "session_id", sessionID, "line_id", lineID, "error", err)
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleExport streams the Money Manager TSV for a DONE session
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}

	data, err := s.service.Export(r.Context(), userFromRequest(r), id)
	if err != nil {
		writeError(w, err)
		return
	}

	setCORSHeaders(w)
	w.Header().Set("Content-Type", "text/tab-separated-values; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="money_manager_%d.tsv"`, id))
	w.Write(data)
}

// handleSetAccount stores the caller's default account
func (s *Server) handleSetAccount(w http.ResponseWriter, r *http.Request) {
	var req accountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, fmt.Errorf("%w: invalid request body", ErrInvalidInput))
		return
	}

	user, err := s.service.SetDefaultAccount(r.Context(), userFromRequest(r), req.Account)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, user)
}
