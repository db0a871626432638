package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"docket/api/internal/auth"
	"docket/api/internal/blob"
	"docket/api/internal/search"
	"docket/api/internal/store"
)

const maxUploadBytes = 32 << 20

// BlobStore is what the upload and delete handlers need from object storage.
type BlobStore interface {
	Put(ctx context.Context, name string, r io.Reader, size int64, contentType string) (blob.Ref, error)
	Delete(ctx context.Context, key string) error
	KeyFromURL(fileURL string) string
}

type HTTPServer struct {
	service    *Service
	blobs      BlobStore
	corsOrigin string
	log        *zap.Logger
	metrics    http.Handler
}

// NewHTTPServer wires the router. blobs may be nil when no object store is
// configured; uploads then answer 503.
func NewHTTPServer(service *Service, blobs BlobStore, corsOrigin string, log *zap.Logger) *HTTPServer {
	return &HTTPServer{
		service:    service,
		blobs:      blobs,
		corsOrigin: corsOrigin,
		log:        log,
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(metricsMiddleware(http.HandlerFunc(s.handle)))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		w.Header().Del("Content-Type")
		s.metrics.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}
		if err := s.service.Health(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Auth routes, no session required
	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/register" {
		var body RegisterInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.Register(r.Context(), body)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusCreated, sess)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/login" {
		var body LoginInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.Login(r.Context(), body)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		sess, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, sess)
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/auth/logout" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.Logout(r.Context(), body.RefreshToken); err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Everything below needs a valid access token.
	who, ok := s.requireIdentity(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "documents" {
		switch r.Method {
		case http.MethodGet:
			s.handleListDocuments(w, r, who)
		case http.MethodPost:
			s.handleUploadDocument(w, r, who)
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(parts) >= 3 && parts[0] == "api" && parts[1] == "documents" {
		s.handleDocument(w, r, who, parts[2], parts[3:])
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "deadlines" && r.Method == http.MethodGet {
		s.handleDeadlines(w, r, who)
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "analytics" && r.Method == http.MethodGet {
		s.handleAnalytics(w, r, who)
		return
	}

	if len(parts) == 2 && parts[0] == "api" && parts[1] == "search" && r.Method == http.MethodGet {
		s.handleSearch(w, r, who)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleDocument(w http.ResponseWriter, r *http.Request, who Identity, documentID string, rest []string) {
	if len(rest) == 0 {
		switch r.Method {
		case http.MethodGet:
			item, err := s.service.GetDocument(r.Context(), who, documentID)
			if err != nil {
				st, ec, em, ed := mapError(err)
				writeError(w, st, ec, em, ed)
				return
			}
			writeJSON(w, http.StatusOK, documentView(item))
		case http.MethodPut, http.MethodPatch:
			var patch map[string]any
			if err := decodeBody(r, &patch); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return
			}
			item, err := s.service.UpdateDocument(r.Context(), who, documentID, patch)
			if err != nil {
				st, ec, em, ed := mapError(err)
				writeError(w, st, ec, em, ed)
				return
			}
			writeJSON(w, http.StatusOK, documentView(item))
		case http.MethodDelete:
			item, err := s.service.DeleteDocument(r.Context(), who, documentID)
			if err != nil {
				st, ec, em, ed := mapError(err)
				writeError(w, st, ec, em, ed)
				return
			}
			s.removeBlob(item.FileURL)
			writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": item.ID})
		default:
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		}
		return
	}

	if len(rest) == 1 && rest[0] == "share" && r.Method == http.MethodPost {
		var body ShareInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		entries, err := s.service.ShareDocument(r.Context(), who, documentID, body)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"accessControl": entries})
		return
	}

	if len(rest) == 1 && rest[0] == "analyze" && r.Method == http.MethodPost {
		var body AnalyzeInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.AnalyzeDocument(r.Context(), who, documentID, body)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, documentView(item))
		return
	}

	if len(rest) == 1 && rest[0] == "versions" && r.Method == http.MethodGet {
		versions, err := s.service.ListVersions(r.Context(), who, documentID)
		if err != nil {
			st, ec, em, ed := mapError(err)
			writeError(w, st, ec, em, ed)
			return
		}
		writeJSON(w, http.StatusOK, versions)
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleListDocuments(w http.ResponseWriter, r *http.Request, who Identity) {
	query := r.URL.Query()
	filter := store.ListFilter{
		Type:   query.Get("type"),
		Status: query.Get("status"),
		Query:  query.Get("q"),
		Page:   queryInt(query.Get("page"), 1),
		Limit:  queryInt(query.Get("limit"), 20),
	}
	page, err := s.service.ListDocuments(r.Context(), who, filter)
	if err != nil {
		st, ec, em, ed := mapError(err)
		writeError(w, st, ec, em, ed)
		return
	}

	views := make([]map[string]any, 0, len(page.Documents))
	for _, item := range page.Documents {
		views = append(views, documentView(item))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"documents": views,
		"total":     page.Total,
		"page":      page.Page,
		"limit":     page.Limit,
	})
}

func (s *HTTPServer) handleUploadDocument(w http.ResponseWriter, r *http.Request, who Identity) {
	if s.blobs == nil {
		writeError(w, http.StatusServiceUnavailable, "STORAGE_UNAVAILABLE", "File storage is not configured", nil)
		return
	}

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", "invalid multipart form", nil)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "file is required", nil)
		return
	}
	defer file.Close()

	var tags []string
	if raw := r.FormValue("tags"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &tags); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "tags must be a JSON array of strings", nil)
			return
		}
	}

	ref, err := s.blobs.Put(r.Context(), header.Filename, file, header.Size, header.Header.Get("Content-Type"))
	if err != nil {
		s.log.Error("blob upload failed", zap.String("file", header.Filename), zap.Error(err))
		st, ec, em, ed := mapError(upstreamError("File storage is unavailable"))
		writeError(w, st, ec, em, ed)
		return
	}

	item, err := s.service.CreateDocument(r.Context(), who, CreateDocumentInput{
		Title:       r.FormValue("title"),
		Description: r.FormValue("description"),
		Type:        r.FormValue("type"),
		Tags:        tags,
		FileName:    header.Filename,
		FileURL:     ref.URL,
		FileSize:    ref.Size,
	})
	if err != nil {
		s.removeBlobKey(ref.Key)
		st, ec, em, ed := mapError(err)
		writeError(w, st, ec, em, ed)
		return
	}
	writeJSON(w, http.StatusCreated, documentView(item))
}

func (s *HTTPServer) handleDeadlines(w http.ResponseWriter, r *http.Request, who Identity) {
	windowDays := queryInt(r.URL.Query().Get("upcoming"), 30)
	deadlines, err := s.service.UpcomingDeadlines(r.Context(), who, windowDays)
	if err != nil {
		st, ec, em, ed := mapError(err)
		writeError(w, st, ec, em, ed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"deadlines": deadlines,
		"total":     len(deadlines),
	})
}

func (s *HTTPServer) handleAnalytics(w http.ResponseWriter, r *http.Request, who Identity) {
	periodDays := queryInt(r.URL.Query().Get("period"), 30)
	summary, err := s.service.Analytics(r.Context(), who, periodDays)
	if err != nil {
		st, ec, em, ed := mapError(err)
		writeError(w, st, ec, em, ed)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, who Identity) {
	query := r.URL.Query()
	response := s.service.SearchDocuments(r.Context(), who, search.Query{
		Text:         query.Get("q"),
		FilterType:   query.Get("type"),
		FilterStatus: query.Get("status"),
		Limit:        queryInt(query.Get("limit"), 20),
		Offset:       queryInt(query.Get("offset"), 0),
	})
	writeJSON(w, http.StatusOK, response)
}

// removeBlob deletes the stored object behind a document, fire-and-forget.
// The document row is already gone; a leaked object only costs storage.
func (s *HTTPServer) removeBlob(fileURL string) {
	if s.blobs == nil {
		return
	}
	key := s.blobs.KeyFromURL(fileURL)
	if key == "" {
		return
	}
	s.removeBlobKey(key)
}

func (s *HTTPServer) removeBlobKey(key string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.blobs.Delete(ctx, key); err != nil {
			s.log.Warn("blob delete failed", zap.String("key", key), zap.Error(err))
		}
	}()
}

func (s *HTTPServer) requireIdentity(w http.ResponseWriter, r *http.Request) (Identity, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	who, err := s.service.IdentityFromToken(token)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Identity{}, false
	}
	return who, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.log.Info("http request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,PATCH,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(value string, fallback int) int {
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

// documentView shapes a document for JSON responses.
func documentView(item store.Document) map[string]any {
	view := map[string]any{
		"id":           item.ID,
		"title":        item.Title,
		"description":  item.Description,
		"type":         item.Type,
		"status":       item.Status,
		"fileUrl":      item.FileURL,
		"fileSize":     item.FileSize,
		"organization": item.Organization,
		"uploadedBy": map[string]any{
			"id":    item.UploadedBy,
			"name":  item.UploadedByName,
			"email": item.UploadedByEmail,
		},
		"tags":      item.Tags,
		"version":   item.Version,
		"createdAt": item.CreatedAt,
		"updatedAt": item.UpdatedAt,
	}
	if item.Insights != nil {
		view["aiInsights"] = item.Insights
	}
	if item.Deadlines != nil {
		view["deadlines"] = item.Deadlines
	}
	if item.AccessControl != nil {
		view["accessControl"] = item.AccessControl
	}
	if item.VersionHistory != nil {
		view["versionHistory"] = item.VersionHistory
	}
	return view
}
