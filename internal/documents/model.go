package documents

import (
	"errors"
	"fmt"
	"strings"
)

const (
	maxIdentifierLength = 190
	defaultTitle        = "Untitled"
	maxTitleLength      = 320
)

var (
	// ErrInvalidDocumentID indicates that a document identifier is empty or exceeds storage bounds.
	ErrInvalidDocumentID = errors.New("documents: invalid document id")
	// ErrInvalidUserID indicates that a user identifier is empty or exceeds storage bounds.
	ErrInvalidUserID = errors.New("documents: invalid user id")
	// ErrDocumentNotFound indicates that the store holds no row for the requested document.
	// Callers must treat this as authoritative deletion, distinct from transient store failures.
	ErrDocumentNotFound = errors.New("documents: document not found")
)

// DocumentID represents a validated document identifier.
type DocumentID string

// NewDocumentID validates raw input and returns a DocumentID.
func NewDocumentID(rawInput string) (DocumentID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidDocumentID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidDocumentID, maxIdentifierLength)
	}
	return DocumentID(trimmed), nil
}

// String returns the underlying string identifier.
func (id DocumentID) String() string {
	return string(id)
}

// UserID represents a validated user identifier.
type UserID string

// NewUserID validates raw input and returns a UserID.
func NewUserID(rawInput string) (UserID, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidUserID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidUserID, maxIdentifierLength)
	}
	return UserID(trimmed), nil
}

// String returns the underlying string identifier.
func (id UserID) String() string {
	return string(id)
}

// NormalizeTitle trims the raw title and substitutes the default when empty.
// Overlong titles are cut on a rune boundary so the stored value stays valid
// UTF-8.
func NormalizeTitle(rawTitle string) string {
	trimmed := strings.TrimSpace(rawTitle)
	if trimmed == "" {
		return defaultTitle
	}
	if runes := []rune(trimmed); len(runes) > maxTitleLength {
		return string(runes[:maxTitleLength])
	}
	return trimmed
}

// Document models the persisted document row. Data holds the full encoded
// collaborative state; metadata fields follow last-write-wins semantics.
type Document struct {
	ID               string `gorm:"column:id;primaryKey;size:190;not null"`
	OwnerID          string `gorm:"column:owner_id;size:190;not null;index:idx_documents_owner_updated,priority:1"`
	Title            string `gorm:"column:title;size:320;not null;default:''"`
	Data             []byte `gorm:"column:data;type:blob"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null;index:idx_documents_owner_updated,priority:2"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "documents"
}

// Collaborator grants a user access to a document it does not own.
type Collaborator struct {
	DocumentID string `gorm:"column:document_id;primaryKey;size:190;not null"`
	UserID     string `gorm:"column:user_id;primaryKey;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collaborator) TableName() string {
	return "document_collaborators"
}

// AccessRecord captures the identities allowed to open a document.
type AccessRecord struct {
	OwnerID         UserID
	CollaboratorIDs []UserID
}

// Allows reports whether the given user may open the document.
func (record AccessRecord) Allows(userID UserID) bool {
	if record.OwnerID == userID {
		return true
	}
	for _, collaboratorID := range record.CollaboratorIDs {
		if collaboratorID == userID {
			return true
		}
	}
	return false
}
