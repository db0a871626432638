package store

import "time"

// Document enum values. The store itself does not enforce them; the service
// validates before writing.
const (
	TypeContract  = "contract"
	TypeNDA       = "nda"
	TypeAgreement = "agreement"
	TypeOther     = "other"

	StatusActive   = "active"
	StatusExpired  = "expired"
	StatusArchived = "archived"

	PermissionView  = "view"
	PermissionEdit  = "edit"
	PermissionAdmin = "admin"
)

type User struct {
	ID           string
	Name         string
	Email        string
	PasswordHash string
	Organization string
	Role         string
	LastLoginAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Insights is the structured AI-derived payload attached to a document.
// Absent (nil on Document) until the first analysis.
type Insights struct {
	Summary     string    `json:"summary"`
	KeyTerms    []string  `json:"keyTerms"`
	Parties     []string  `json:"parties"`
	Obligations []string  `json:"obligations"`
	Risks       []string  `json:"risks"`
	AnalyzedAt  time.Time `json:"analyzedAt"`
}

// Deadline is a titled date extracted from a document. Notified is flipped by
// an external notifier, never by this service.
type Deadline struct {
	Title    string    `json:"title"`
	Date     time.Time `json:"date"`
	Notified bool      `json:"notified"`
}

// AccessEntry grants one user one permission on a document. At most one entry
// per user; a second share replaces the permission.
type AccessEntry struct {
	UserID     string `json:"userId"`
	Permission string `json:"permission"`
	// Joined fields for API responses
	UserName  string `json:"userName,omitempty"`
	UserEmail string `json:"userEmail,omitempty"`
}

// VersionEntry records one explicit version-bump event. The history length is
// not required to match Document.Version.
type VersionEntry struct {
	Version   int       `json:"version"`
	FileURL   string    `json:"fileUrl"`
	UpdatedBy string    `json:"updatedBy"`
	UpdatedAt time.Time `json:"updatedAt"`
	Changes   string    `json:"changes"`
	// Joined fields for API responses
	UpdatedByName  string `json:"updatedByName,omitempty"`
	UpdatedByEmail string `json:"updatedByEmail,omitempty"`
}

type Document struct {
	ID             string
	Title          string
	Description    string
	Type           string
	Status         string
	FileURL        string
	FileSize       int64
	Organization   string
	UploadedBy     string
	Tags           []string
	Insights       *Insights
	Deadlines      []Deadline
	Version        int
	VersionHistory []VersionEntry
	AccessControl  []AccessEntry
	CreatedAt      time.Time
	UpdatedAt      time.Time
	// Joined fields for API responses
	UploadedByName  string
	UploadedByEmail string
}

// ActivityEntry is append-only and never mutated. DocumentID may dangle after
// a hard delete; readers tolerate the missing document.
type ActivityEntry struct {
	ID         int64
	UserID     string
	DocumentID string
	Action     string
	Details    map[string]any
	CreatedAt  time.Time
	// Joined field for API responses
	DocumentTitle string
}

// ListFilter narrows a paginated organization-scoped document listing.
type ListFilter struct {
	Type   string
	Status string
	Query  string
	Page   int
	Limit  int
}
