package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	cache "github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"docket/api/internal/analyze"
	"docket/api/internal/auth"
	"docket/api/internal/authpw"
	"docket/api/internal/config"
	"docket/api/internal/rbac"
	"docket/api/internal/search"
	"docket/api/internal/session"
	"docket/api/internal/store"
	"docket/api/internal/util"
)

// Identity is the authenticated caller, extracted from token claims. Every
// document operation scopes by Organization; UserID only attributes activity.
type Identity struct {
	UserID       string
	Name         string
	Organization string
	Role         string
}

type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Organization string    `json:"organization"`
	Role         string    `json:"role"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

type RegisterInput struct {
	Name         string `json:"name"`
	Email        string `json:"email"`
	Password     string `json:"password"`
	Organization string `json:"organization"`
	Role         string `json:"role"`
}

type LoginInput struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type CreateDocumentInput struct {
	Title       string
	Description string
	Type        string
	Tags        []string
	FileName    string
	FileURL     string
	FileSize    int64
}

type ShareInput struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
}

type VersionsResult struct {
	CurrentVersion int                  `json:"currentVersion"`
	History        []store.VersionEntry `json:"history"`
}

type DocumentPage struct {
	Documents []store.Document `json:"documents"`
	Total     int              `json:"total"`
	Page      int              `json:"page"`
	Limit     int              `json:"limit"`
}

var allowedTypes = map[string]struct{}{
	store.TypeContract:  {},
	store.TypeNDA:       {},
	store.TypeAgreement: {},
	store.TypeOther:     {},
}

var allowedStatuses = map[string]struct{}{
	store.StatusActive:   {},
	store.StatusExpired:  {},
	store.StatusArchived: {},
}

var allowedPermissions = map[string]struct{}{
	store.PermissionView:  {},
	store.PermissionEdit:  {},
	store.PermissionAdmin: {},
}

type dataStore interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	InsertDocument(ctx context.Context, item *store.Document) error
	GetDocument(ctx context.Context, organizationID, documentID string) (store.Document, error)
	ListDocuments(ctx context.Context, organizationID string, filter store.ListFilter) ([]store.Document, int, error)
	UpdateDocumentFields(ctx context.Context, organizationID, documentID string, fields map[string]any) (bool, error)
	DeleteDocument(ctx context.Context, organizationID, documentID string) (store.Document, error)
	UpsertAccess(ctx context.Context, organizationID, documentID, userID, permission string) (bool, error)
	ListAccess(ctx context.Context, documentID string) ([]store.AccessEntry, error)
	ApplyInsights(ctx context.Context, organizationID, documentID string, insights store.Insights, deadlines []store.Deadline, replaceDeadlines bool) (bool, error)
	ListVersions(ctx context.Context, organizationID, documentID string) (int, []store.VersionEntry, error)
	CountDocuments(ctx context.Context, organizationID string) (int, error)
	CountDocumentsCreatedSince(ctx context.Context, organizationID string, since time.Time) (int, error)
	CountDocumentsByType(ctx context.Context, organizationID string) (map[string]int, error)
	CountDocumentsByStatus(ctx context.Context, organizationID string) (map[string]int, error)
	DocumentsWithDeadlinesBetween(ctx context.Context, organizationID string, from time.Time, until *time.Time) ([]store.Document, error)
	InsertActivity(ctx context.Context, entry store.ActivityEntry) error
	ListUserActivity(ctx context.Context, userID string, since time.Time, limit int) ([]store.ActivityEntry, error)
	Ping(ctx context.Context) error
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(doc search.DocumentRecord)
	DeleteDocument(id string)
}

type documentAnalyzer interface {
	Analyze(ctx context.Context, title, text string) analyze.Result
}

type accountService interface {
	Register(ctx context.Context, name, email, password, organization, role string) (store.User, error)
	SignIn(ctx context.Context, email, password string) (store.User, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions session.Store
	search   searchService
	analyzer documentAnalyzer
	accounts accountService
	cache    *cache.Cache
	log      *zap.Logger
	now      func() time.Time
}

func New(cfg config.Config, st dataStore, sessions session.Store, sr searchService, an documentAnalyzer, accounts accountService, log *zap.Logger) *Service {
	return &Service{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		search:   sr,
		analyzer: an,
		accounts: accounts,
		cache:    cache.New(5*time.Minute, 10*time.Minute),
		log:      log,
		now:      time.Now,
	}
}

// ----- auth -----

func (s *Service) Register(ctx context.Context, in RegisterInput) (Session, error) {
	user, err := s.accounts.Register(ctx, in.Name, in.Email, in.Password, in.Organization, in.Role)
	if errors.Is(err, authpw.ErrEmailTaken) {
		return Session{}, domainError(http.StatusConflict, "CONFLICT", "email already registered", nil)
	}
	if err != nil {
		return Session{}, validationError(err.Error(), nil)
	}
	s.recordActivity(ctx, user.ID, "", "login", nil)
	return s.issueSession(ctx, user)
}

func (s *Service) Login(ctx context.Context, in LoginInput) (Session, error) {
	user, err := s.accounts.SignIn(ctx, in.Email, in.Password)
	if errors.Is(err, authpw.ErrInvalidCredentials) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid email or password", nil)
	}
	if err != nil {
		return Session{}, fmt.Errorf("sign in: %w", err)
	}
	s.recordActivity(ctx, user.ID, "", "login", nil)
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token and re-reads the user so role or
// organization changes take effect on the next access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	hash := auth.HashToken(refreshToken)
	userID, err := s.sessions.Lookup(ctx, hash)
	if errors.Is(err, session.ErrNotFound) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token", nil)
	}
	if err != nil {
		return Session{}, fmt.Errorf("lookup session: %w", err)
	}

	user, err := s.store.GetUserByID(ctx, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return Session{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid refresh token", nil)
	}
	if err != nil {
		return Session{}, fmt.Errorf("load user: %w", err)
	}

	if err := s.sessions.Revoke(ctx, hash); err != nil {
		s.log.Warn("revoke rotated session", zap.Error(err))
	}
	return s.issueSession(ctx, user)
}

// IdentityFromToken validates an access token and extracts the caller.
func (s *Service) IdentityFromToken(token string) (Identity, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Identity{}, err
	}
	return Identity{
		UserID:       claims.Subject,
		Name:         claims.Name,
		Organization: claims.Organization,
		Role:         claims.Role,
	}, nil
}

func (s *Service) Logout(ctx context.Context, refreshToken string) error {
	return s.sessions.Revoke(ctx, auth.HashToken(refreshToken))
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user.ID, user.Name, user.Organization, user.Role, expiresAt))
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("")
	if err := s.sessions.Save(ctx, auth.HashToken(refresh), user.ID, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Name,
		Organization: user.Organization,
		Role:         user.Role,
		ExpiresAt:    expiresAt,
	}, nil
}

// ----- documents -----

func (s *Service) CreateDocument(ctx context.Context, who Identity, in CreateDocumentInput) (store.Document, error) {
	if in.FileURL == "" {
		return store.Document{}, validationError("file is required", nil)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = in.FileName
	}
	if title == "" {
		return store.Document{}, validationError("title is required", nil)
	}

	docType := in.Type
	if docType == "" {
		docType = store.TypeOther
	}
	if _, ok := allowedTypes[docType]; !ok {
		return store.Document{}, validationError("invalid document type", map[string]any{"type": docType})
	}

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}

	item := store.Document{
		ID:           util.NewID("doc"),
		Title:        title,
		Description:  in.Description,
		Type:         docType,
		Status:       store.StatusActive,
		FileURL:      in.FileURL,
		FileSize:     in.FileSize,
		Organization: who.Organization,
		UploadedBy:   who.UserID,
		Tags:         tags,
		Version:      1,
	}
	if err := s.store.InsertDocument(ctx, &item); err != nil {
		return store.Document{}, err
	}
	item.UploadedByName = who.Name

	s.search.IndexDocument(indexRecord(item))
	s.recordActivity(ctx, who.UserID, item.ID, "upload", map[string]any{"title": item.Title})
	return item, nil
}

func (s *Service) GetDocument(ctx context.Context, who Identity, documentID string) (store.Document, error) {
	key := cacheKey(who.Organization, documentID)
	if cached, ok := s.cache.Get(key); ok {
		item := cached.(store.Document)
		s.recordActivity(ctx, who.UserID, documentID, "view", nil)
		return item, nil
	}

	item, err := s.store.GetDocument(ctx, who.Organization, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFoundError("document not found")
	}
	if err != nil {
		return store.Document{}, err
	}

	s.cache.SetDefault(key, item)
	s.recordActivity(ctx, who.UserID, documentID, "view", nil)
	return item, nil
}

func (s *Service) ListDocuments(ctx context.Context, who Identity, filter store.ListFilter) (DocumentPage, error) {
	if filter.Type != "" {
		if _, ok := allowedTypes[filter.Type]; !ok {
			return DocumentPage{}, validationError("invalid document type", map[string]any{"type": filter.Type})
		}
	}
	if filter.Status != "" {
		if _, ok := allowedStatuses[filter.Status]; !ok {
			return DocumentPage{}, validationError("invalid document status", map[string]any{"status": filter.Status})
		}
	}
	if filter.Limit <= 0 {
		filter.Limit = 20
	}
	if filter.Page <= 0 {
		filter.Page = 1
	}

	items, total, err := s.store.ListDocuments(ctx, who.Organization, filter)
	if err != nil {
		return DocumentPage{}, err
	}
	return DocumentPage{Documents: items, Total: total, Page: filter.Page, Limit: filter.Limit}, nil
}

// UpdateDocument applies a partial update. Only title, description, type,
// status and tags are writable; unknown keys are ignored rather than
// rejected, matching what API clients already send.
func (s *Service) UpdateDocument(ctx context.Context, who Identity, documentID string, patch map[string]any) (store.Document, error) {
	fields := make(map[string]any)
	var updated []string

	for key, raw := range patch {
		switch key {
		case "title":
			title, ok := raw.(string)
			if !ok || strings.TrimSpace(title) == "" {
				return store.Document{}, validationError("title must be a non-empty string", nil)
			}
			fields[key] = strings.TrimSpace(title)
		case "description":
			description, ok := raw.(string)
			if !ok {
				return store.Document{}, validationError("description must be a string", nil)
			}
			fields[key] = description
		case "type":
			docType, ok := raw.(string)
			if !ok {
				return store.Document{}, validationError("type must be a string", nil)
			}
			if _, valid := allowedTypes[docType]; !valid {
				return store.Document{}, validationError("invalid document type", map[string]any{"type": docType})
			}
			fields[key] = docType
		case "status":
			status, ok := raw.(string)
			if !ok {
				return store.Document{}, validationError("status must be a string", nil)
			}
			if _, valid := allowedStatuses[status]; !valid {
				return store.Document{}, validationError("invalid document status", map[string]any{"status": status})
			}
			fields[key] = status
		case "tags":
			tags, err := stringSlice(raw)
			if err != nil {
				return store.Document{}, validationError("tags must be an array of strings", nil)
			}
			fields[key] = tags
		default:
			// ignored
		}
	}
	for key := range fields {
		updated = append(updated, key)
	}

	found, err := s.store.UpdateDocumentFields(ctx, who.Organization, documentID, fields)
	if err != nil {
		return store.Document{}, err
	}
	if !found {
		return store.Document{}, notFoundError("document not found")
	}

	s.cache.Delete(cacheKey(who.Organization, documentID))
	item, err := s.store.GetDocument(ctx, who.Organization, documentID)
	if err != nil {
		return store.Document{}, err
	}

	s.search.IndexDocument(indexRecord(item))
	s.recordActivity(ctx, who.UserID, documentID, "edit", map[string]any{"updates": updated})
	return item, nil
}

func (s *Service) DeleteDocument(ctx context.Context, who Identity, documentID string) (store.Document, error) {
	if !rbac.Can(rbac.Role(who.Role), rbac.ActionDelete) {
		return store.Document{}, domainError(http.StatusForbidden, "FORBIDDEN", "insufficient permissions to delete documents", nil)
	}

	item, err := s.store.DeleteDocument(ctx, who.Organization, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return store.Document{}, notFoundError("document not found")
	}
	if err != nil {
		return store.Document{}, err
	}

	s.cache.Delete(cacheKey(who.Organization, documentID))
	s.search.DeleteDocument(documentID)
	s.recordActivity(ctx, who.UserID, documentID, "delete", map[string]any{"title": item.Title})
	return item, nil
}

func (s *Service) ShareDocument(ctx context.Context, who Identity, documentID string, in ShareInput) ([]store.AccessEntry, error) {
	if in.UserID == "" {
		return nil, validationError("userId is required", nil)
	}
	if _, ok := allowedPermissions[in.Permission]; !ok {
		return nil, validationError("invalid permission", map[string]any{"permission": in.Permission})
	}

	if _, err := s.store.GetUserByID(ctx, in.UserID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFoundError("user not found")
		}
		return nil, err
	}

	found, err := s.store.UpsertAccess(ctx, who.Organization, documentID, in.UserID, in.Permission)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notFoundError("document not found")
	}

	s.cache.Delete(cacheKey(who.Organization, documentID))
	entries, err := s.store.ListAccess(ctx, documentID)
	if err != nil {
		return nil, err
	}
	s.recordActivity(ctx, who.UserID, documentID, "share", map[string]any{
		"sharedWith": in.UserID,
		"permission": in.Permission,
	})
	return entries, nil
}

func (s *Service) ListVersions(ctx context.Context, who Identity, documentID string) (VersionsResult, error) {
	current, history, err := s.store.ListVersions(ctx, who.Organization, documentID)
	if errors.Is(err, sql.ErrNoRows) {
		return VersionsResult{}, notFoundError("document not found")
	}
	if err != nil {
		return VersionsResult{}, err
	}
	if history == nil {
		history = []store.VersionEntry{}
	}
	return VersionsResult{CurrentVersion: current, History: history}, nil
}

func (s *Service) SearchDocuments(_ context.Context, who Identity, q search.Query) search.Response {
	q.Organization = who.Organization
	return s.search.Search(q)
}

func (s *Service) Health(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// ----- helpers -----

// recordActivity never fails the caller; a lost audit row is better than a
// failed document operation.
func (s *Service) recordActivity(ctx context.Context, userID, documentID, action string, details map[string]any) {
	entry := store.ActivityEntry{
		UserID:     userID,
		DocumentID: documentID,
		Action:     action,
		Details:    details,
	}
	if err := s.store.InsertActivity(context.WithoutCancel(ctx), entry); err != nil {
		s.log.Warn("record activity", zap.String("action", action), zap.Error(err))
	}
}

func indexRecord(item store.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:           item.ID,
		Title:        item.Title,
		Description:  item.Description,
		Type:         item.Type,
		Status:       item.Status,
		Tags:         item.Tags,
		Organization: item.Organization,
	}
}

func cacheKey(organizationID, documentID string) string {
	return organizationID + "/" + documentID
}

func stringSlice(raw any) ([]string, error) {
	switch v := raw.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			str, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("not a string: %v", item)
			}
			out = append(out, str)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("not a string slice")
	}
}
