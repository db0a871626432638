package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// PostgresStore is the organization-scoped persistence layer. Every document
// read and write resolves the target by id AND organization; a tenant
// mismatch surfaces as sql.ErrNoRows, indistinguishable from absence.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ----- users -----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, name, email, password_hash, organization_id, role)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Name, user.Email, user.PasswordHash, user.Organization, user.Role)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, organization_id, role
		FROM users
		WHERE email=$1
	`, email).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Organization, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, email, password_hash, organization_id, role
		FROM users
		WHERE id=$1
	`, userID).Scan(&user.ID, &user.Name, &user.Email, &user.PasswordHash, &user.Organization, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) TouchUserLogin(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET last_login_at=NOW(), updated_at=NOW() WHERE id=$1`, userID)
	if err != nil {
		return fmt.Errorf("touch user login: %w", err)
	}
	return nil
}

// ----- documents -----

const documentColumns = `
	d.id, d.title, d.description, d.doc_type, d.status, d.file_url, d.file_size,
	d.organization_id, d.uploaded_by, d.tags, d.ai_insights, d.version,
	d.created_at, d.updated_at,
	COALESCE(u.name, ''), COALESCE(u.email, '')`

func (s *PostgresStore) InsertDocument(ctx context.Context, item *Document) error {
	tags, err := json.Marshal(nonNilStrings(item.Tags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO documents (id, title, description, doc_type, status, file_url, file_size, organization_id, uploaded_by, tags, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at, updated_at
	`, item.ID, item.Title, item.Description, item.Type, item.Status, item.FileURL, item.FileSize,
		item.Organization, item.UploadedBy, tags, item.Version,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, organizationID, documentID string) (Document, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+documentColumns+`
		FROM documents d
		LEFT JOIN users u ON u.id = d.uploaded_by
		WHERE d.id=$1 AND d.organization_id=$2
	`, documentID, organizationID)

	item, err := scanDocument(row)
	if err != nil {
		return Document{}, err
	}

	if item.Deadlines, err = s.loadDeadlines(ctx, item.ID); err != nil {
		return Document{}, err
	}
	if item.AccessControl, err = s.ListAccess(ctx, item.ID); err != nil {
		return Document{}, err
	}
	if item.VersionHistory, err = s.loadVersions(ctx, item.ID); err != nil {
		return Document{}, err
	}
	return item, nil
}

// ListDocuments returns one page of base document rows (child collections are
// not attached) plus the unpaginated match count.
func (s *PostgresStore) ListDocuments(ctx context.Context, organizationID string, filter ListFilter) ([]Document, int, error) {
	where := []string{"d.organization_id=$1"}
	args := []any{organizationID}

	if filter.Type != "" {
		args = append(args, filter.Type)
		where = append(where, fmt.Sprintf("d.doc_type=$%d", len(args)))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		where = append(where, fmt.Sprintf("d.status=$%d", len(args)))
	}
	if strings.TrimSpace(filter.Query) != "" {
		args = append(args, filter.Query)
		where = append(where, fmt.Sprintf("d.fts @@ plainto_tsquery('english', $%d)", len(args)))
	}
	condition := strings.Join(where, " AND ")

	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents d WHERE `+condition, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count documents: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	page := filter.Page
	if page <= 0 {
		page = 1
	}
	args = append(args, limit, (page-1)*limit)

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s
		FROM documents d
		LEFT JOIN users u ON u.id = d.uploaded_by
		WHERE %s
		ORDER BY d.created_at DESC
		LIMIT $%d OFFSET $%d
	`, documentColumns, condition, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		item, err := scanDocument(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate documents: %w", err)
	}
	return items, total, nil
}

// UpdateDocumentFields applies a field-level update. The keys of fields are
// logical field names already validated by the caller. Returns false when the
// document does not exist in the organization.
func (s *PostgresStore) UpdateDocumentFields(ctx context.Context, organizationID, documentID string, fields map[string]any) (bool, error) {
	columns := map[string]string{
		"title":       "title",
		"description": "description",
		"type":        "doc_type",
		"status":      "status",
		"tags":        "tags",
	}

	set := []string{"updated_at=NOW()"}
	args := []any{documentID, organizationID}
	for name, value := range fields {
		column, ok := columns[name]
		if !ok {
			return false, fmt.Errorf("unknown document field %q", name)
		}
		if name == "tags" {
			encoded, err := json.Marshal(value)
			if err != nil {
				return false, fmt.Errorf("marshal tags: %w", err)
			}
			value = encoded
		}
		args = append(args, value)
		set = append(set, fmt.Sprintf("%s=$%d", column, len(args)))
	}

	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE documents SET %s WHERE id=$1 AND organization_id=$2
	`, strings.Join(set, ", ")), args...)
	if err != nil {
		return false, fmt.Errorf("update document: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update document affected: %w", err)
	}
	return affected > 0, nil
}

// DeleteDocument hard-removes the record and returns its final base state.
// Child rows go with it via ON DELETE CASCADE; the blob is the caller's
// problem.
func (s *PostgresStore) DeleteDocument(ctx context.Context, organizationID, documentID string) (Document, error) {
	var item Document
	var tags []byte
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM documents
		WHERE id=$1 AND organization_id=$2
		RETURNING id, title, doc_type, file_url, file_size, tags
	`, documentID, organizationID).Scan(&item.ID, &item.Title, &item.Type, &item.FileURL, &item.FileSize, &tags)
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal(tags, &item.Tags); err != nil {
		return Document{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	item.Organization = organizationID
	return item, nil
}

// ----- access control -----

// UpsertAccess inserts or replaces the single access entry for userID in one
// statement, keyed on (document_id, user_id). Concurrent shares for different
// users land as independent rows; concurrent shares for the same user resolve
// last-write-wins on the permission only.
func (s *PostgresStore) UpsertAccess(ctx context.Context, organizationID, documentID, userID, permission string) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin share tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		INSERT INTO document_access (document_id, user_id, permission)
		SELECT d.id, $3, $4 FROM documents d WHERE d.id=$1 AND d.organization_id=$2
		ON CONFLICT (document_id, user_id) DO UPDATE SET permission=EXCLUDED.permission
	`, documentID, organizationID, userID, permission)
	if err != nil {
		return false, fmt.Errorf("upsert access: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("upsert access affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx, `UPDATE documents SET updated_at=NOW() WHERE id=$1`, documentID); err != nil {
		return false, fmt.Errorf("touch document: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit share tx: %w", err)
	}
	return true, nil
}

// ListAccess returns access entries in grant order.
func (s *PostgresStore) ListAccess(ctx context.Context, documentID string) ([]AccessEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.user_id, a.permission, COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM document_access a
		LEFT JOIN users u ON u.id = a.user_id
		WHERE a.document_id=$1
		ORDER BY a.id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list access: %w", err)
	}
	defer rows.Close()

	entries := make([]AccessEntry, 0)
	for rows.Next() {
		var entry AccessEntry
		if err := rows.Scan(&entry.UserID, &entry.Permission, &entry.UserName, &entry.UserEmail); err != nil {
			return nil, fmt.Errorf("scan access entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate access entries: %w", err)
	}
	return entries, nil
}

// ----- insights and deadlines -----

// ApplyInsights writes the insight payload and, when replaceDeadlines is set,
// swaps the deadline list wholesale — one transaction, so a failure leaves no
// partial deadline list behind. Returns false when the document is absent or
// out of tenant.
func (s *PostgresStore) ApplyInsights(ctx context.Context, organizationID, documentID string, insights Insights, deadlines []Deadline, replaceDeadlines bool) (bool, error) {
	encoded, err := json.Marshal(insights)
	if err != nil {
		return false, fmt.Errorf("marshal insights: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin insights tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE documents SET ai_insights=$3, updated_at=NOW() WHERE id=$1 AND organization_id=$2
	`, documentID, organizationID, encoded)
	if err != nil {
		return false, fmt.Errorf("update insights: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update insights affected: %w", err)
	}
	if affected == 0 {
		return false, nil
	}

	if replaceDeadlines {
		if _, err := tx.ExecContext(ctx, `DELETE FROM document_deadlines WHERE document_id=$1`, documentID); err != nil {
			return false, fmt.Errorf("clear deadlines: %w", err)
		}
		for i, deadline := range deadlines {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO document_deadlines (document_id, title, due_date, notified, position)
				VALUES ($1, $2, $3, $4, $5)
			`, documentID, deadline.Title, deadline.Date, deadline.Notified, i); err != nil {
				return false, fmt.Errorf("insert deadline: %w", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit insights tx: %w", err)
	}
	return true, nil
}

func (s *PostgresStore) loadDeadlines(ctx context.Context, documentID string) ([]Deadline, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT title, due_date, notified
		FROM document_deadlines
		WHERE document_id=$1
		ORDER BY position
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load deadlines: %w", err)
	}
	defer rows.Close()

	deadlines := make([]Deadline, 0)
	for rows.Next() {
		var d Deadline
		if err := rows.Scan(&d.Title, &d.Date, &d.Notified); err != nil {
			return nil, fmt.Errorf("scan deadline: %w", err)
		}
		deadlines = append(deadlines, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deadlines: %w", err)
	}
	return deadlines, nil
}

// DocumentsWithDeadlinesBetween returns documents in the organization holding
// at least one deadline with due_date >= from (and <= *until when bounded),
// each with its full deadline list attached, ordered by creation time so that
// downstream flattening is deterministic.
func (s *PostgresStore) DocumentsWithDeadlinesBetween(ctx context.Context, organizationID string, from time.Time, until *time.Time) ([]Document, error) {
	query := `
		SELECT DISTINCT d.id, d.title, d.doc_type, d.created_at
		FROM documents d
		JOIN document_deadlines dl ON dl.document_id = d.id
		WHERE d.organization_id=$1 AND dl.due_date >= $2`
	args := []any{organizationID, from}
	if until != nil {
		args = append(args, *until)
		query += " AND dl.due_date <= $3"
	}
	query += " ORDER BY d.created_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("documents with deadlines: %w", err)
	}
	defer rows.Close()

	items := make([]Document, 0)
	for rows.Next() {
		var item Document
		if err := rows.Scan(&item.ID, &item.Title, &item.Type, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan deadline document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deadline documents: %w", err)
	}

	for i := range items {
		if items[i].Deadlines, err = s.loadDeadlines(ctx, items[i].ID); err != nil {
			return nil, err
		}
	}
	return items, nil
}

// ----- versions -----

func (s *PostgresStore) ListVersions(ctx context.Context, organizationID, documentID string) (int, []VersionEntry, error) {
	var current int
	err := s.db.QueryRowContext(ctx, `
		SELECT version FROM documents WHERE id=$1 AND organization_id=$2
	`, documentID, organizationID).Scan(&current)
	if err != nil {
		return 0, nil, err
	}
	history, err := s.loadVersions(ctx, documentID)
	if err != nil {
		return 0, nil, err
	}
	return current, history, nil
}

func (s *PostgresStore) loadVersions(ctx context.Context, documentID string) ([]VersionEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT v.version, v.file_url, v.updated_by, v.updated_at, v.changes,
			COALESCE(u.name, ''), COALESCE(u.email, '')
		FROM document_versions v
		LEFT JOIN users u ON u.id = v.updated_by
		WHERE v.document_id=$1
		ORDER BY v.version, v.id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("load versions: %w", err)
	}
	defer rows.Close()

	entries := make([]VersionEntry, 0)
	for rows.Next() {
		var entry VersionEntry
		if err := rows.Scan(&entry.Version, &entry.FileURL, &entry.UpdatedBy, &entry.UpdatedAt, &entry.Changes,
			&entry.UpdatedByName, &entry.UpdatedByEmail); err != nil {
			return nil, fmt.Errorf("scan version entry: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate version entries: %w", err)
	}
	return entries, nil
}

// ----- aggregation counts -----

func (s *PostgresStore) CountDocuments(ctx context.Context, organizationID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM documents WHERE organization_id=$1`, organizationID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountDocumentsCreatedSince(ctx context.Context, organizationID string, since time.Time) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM documents WHERE organization_id=$1 AND created_at >= $2
	`, organizationID, since).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count recent documents: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) CountDocumentsByType(ctx context.Context, organizationID string) (map[string]int, error) {
	return s.groupCount(ctx, organizationID, "doc_type")
}

func (s *PostgresStore) CountDocumentsByStatus(ctx context.Context, organizationID string) (map[string]int, error) {
	return s.groupCount(ctx, organizationID, "status")
}

func (s *PostgresStore) groupCount(ctx context.Context, organizationID, column string) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT %s, COUNT(*) FROM documents WHERE organization_id=$1 GROUP BY %s
	`, column, column), organizationID)
	if err != nil {
		return nil, fmt.Errorf("group count by %s: %w", column, err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var key string
		var count int
		if err := rows.Scan(&key, &count); err != nil {
			return nil, fmt.Errorf("scan group count: %w", err)
		}
		counts[key] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group counts: %w", err)
	}
	return counts, nil
}

// ----- activity log -----

func (s *PostgresStore) InsertActivity(ctx context.Context, entry ActivityEntry) error {
	var details []byte
	if entry.Details != nil {
		encoded, err := json.Marshal(entry.Details)
		if err != nil {
			return fmt.Errorf("marshal activity details: %w", err)
		}
		details = encoded
	}
	var documentID any
	if entry.DocumentID != "" {
		documentID = entry.DocumentID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_log (user_id, document_id, action, details)
		VALUES ($1, $2, $3, $4)
	`, entry.UserID, documentID, entry.Action, details)
	if err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}

// ListUserActivity returns the caller's most recent entries, newest first,
// with document titles resolved where the document still exists.
func (s *PostgresStore) ListUserActivity(ctx context.Context, userID string, since time.Time, limit int) ([]ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.id, a.user_id, COALESCE(a.document_id, ''), a.action, a.details, a.created_at,
			COALESCE(d.title, '')
		FROM activity_log a
		LEFT JOIN documents d ON d.id = a.document_id
		WHERE a.user_id=$1 AND a.created_at >= $2
		ORDER BY a.created_at DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	entries := make([]ActivityEntry, 0)
	for rows.Next() {
		var entry ActivityEntry
		var details []byte
		if err := rows.Scan(&entry.ID, &entry.UserID, &entry.DocumentID, &entry.Action, &details, &entry.CreatedAt, &entry.DocumentTitle); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		if len(details) > 0 {
			if err := json.Unmarshal(details, &entry.Details); err != nil {
				return nil, fmt.Errorf("unmarshal activity details: %w", err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate activity: %w", err)
	}
	return entries, nil
}

// ----- refresh sessions (Postgres fallback when Redis is not configured) -----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (string, error) {
	var userID string
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id FROM refresh_sessions
		WHERE token_hash=$1 AND revoked_at IS NULL AND expires_at > NOW()
	`, tokenHash).Scan(&userID)
	if err != nil {
		return "", err
	}
	return userID, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

// ----- scanning helpers -----

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (Document, error) {
	var item Document
	var tags []byte
	var insights []byte
	err := row.Scan(
		&item.ID, &item.Title, &item.Description, &item.Type, &item.Status,
		&item.FileURL, &item.FileSize, &item.Organization, &item.UploadedBy,
		&tags, &insights, &item.Version, &item.CreatedAt, &item.UpdatedAt,
		&item.UploadedByName, &item.UploadedByEmail,
	)
	if err != nil {
		return Document{}, err
	}
	if err := json.Unmarshal(tags, &item.Tags); err != nil {
		return Document{}, fmt.Errorf("unmarshal tags: %w", err)
	}
	if len(insights) > 0 {
		item.Insights = &Insights{}
		if err := json.Unmarshal(insights, item.Insights); err != nil {
			return Document{}, fmt.Errorf("unmarshal insights: %w", err)
		}
	}
	return item, nil
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
