package documents

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	errMissingDatabase   = errors.New("database handle is required")
	errMissingIDProvider = errors.New("id provider is required")
	noOpLogger           = zap.NewNop()
)

const (
	opStoreNew         = "documents.store.new"
	opConditionalSave  = "documents.conditional_save"
	opFetchState       = "documents.fetch_state"
	opAccess           = "documents.access"
	opCreate           = "documents.create"
	opGet              = "documents.get"
	opList             = "documents.list"
	opRename           = "documents.rename"
	opDelete           = "documents.delete"
	opAddCollaborator  = "documents.add_collaborator"
	fieldDocumentID    = "document_id"
	fieldOwnerID       = "owner_id"
	queryByID          = "id = ?"
	queryByDocument    = "document_id = ?"
	maxListLimit       = 100
	defaultListLimit   = 20
	reasonQueryFailed  = "query_failed"
	reasonUpdateFailed = "update_failed"
)

// StoreError carries an operation.reason code alongside the underlying cause.
type StoreError struct {
	code string
	err  error
}

func (e *StoreError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Code returns the operation.reason code.
func (e *StoreError) Code() string {
	return e.code
}

func newStoreError(operation, reason string, cause error) error {
	return &StoreError{code: fmt.Sprintf("%s.%s", operation, reason), err: cause}
}

// IDProvider issues identifiers for newly created documents.
type IDProvider interface {
	NewID() (string, error)
}

// StoreConfig describes the dependencies required by the document store.
type StoreConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
	Logger     *zap.Logger
}

// Store wraps the durable document table. Failures bubble up without retries;
// callers decide whether a miss feeds the deletion cache.
type Store struct {
	db         *gorm.DB
	clock      func() time.Time
	idProvider IDProvider
	logger     *zap.Logger
}

// NewStore validates the configuration and constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, newStoreError(opStoreNew, "missing_database", errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	idProvider := cfg.IDProvider
	if idProvider == nil {
		idProvider = NewUUIDProvider()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Store{
		db:         cfg.Database,
		clock:      clock,
		idProvider: idProvider,
		logger:     logger,
	}, nil
}

// ConditionalSave writes the encoded state into an existing row and reports
// whether any row was touched. It never creates a row: a live session must
// not resurrect a document deleted by its owner. Zero rows affected means
// the document is gone and the caller should feed the deletion cache.
func (s *Store) ConditionalSave(ctx context.Context, documentID DocumentID, state []byte) (bool, error) {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryByID, documentID.String()).
		Updates(map[string]interface{}{
			"data":         state,
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opConditionalSave, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return false, newStoreError(opConditionalSave, reasonUpdateFailed, result.Error)
	}
	return result.RowsAffected > 0, nil
}

// FetchState loads the persisted encoded state for a document.
// ErrDocumentNotFound is returned when the row is absent.
func (s *Store) FetchState(ctx context.Context, documentID DocumentID) ([]byte, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Select("data").
		Where(queryByID, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opFetchState, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return nil, newStoreError(opFetchState, reasonQueryFailed, err)
	}
	return document.Data, nil
}

// Access returns the owner and collaborator identities for a document.
func (s *Store) Access(ctx context.Context, documentID DocumentID) (AccessRecord, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Select("id", "owner_id").
		Where(queryByID, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return AccessRecord{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opAccess, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return AccessRecord{}, newStoreError(opAccess, reasonQueryFailed, err)
	}

	var collaborators []Collaborator
	if err := s.db.WithContext(ctx).
		Where(queryByDocument, documentID.String()).
		Find(&collaborators).Error; err != nil {
		s.logError(opAccess, "collaborator_query_failed", err, zap.String(fieldDocumentID, documentID.String()))
		return AccessRecord{}, newStoreError(opAccess, "collaborator_query_failed", err)
	}

	record := AccessRecord{
		OwnerID:         UserID(document.OwnerID),
		CollaboratorIDs: make([]UserID, 0, len(collaborators)),
	}
	for _, collaborator := range collaborators {
		record.CollaboratorIDs = append(record.CollaboratorIDs, UserID(collaborator.UserID))
	}
	return record, nil
}

// Create inserts a new empty document owned by the given user.
func (s *Store) Create(ctx context.Context, ownerID UserID, rawTitle string) (Document, error) {
	id, err := s.idProvider.NewID()
	if err != nil {
		s.logError(opCreate, "id_generation_failed", err, zap.String(fieldOwnerID, ownerID.String()))
		return Document{}, newStoreError(opCreate, "id_generation_failed", err)
	}
	now := s.clock().UTC().Unix()
	document := Document{
		ID:               id,
		OwnerID:          ownerID.String(),
		Title:            NormalizeTitle(rawTitle),
		CreatedAtSeconds: now,
		UpdatedAtSeconds: now,
	}
	if err := s.db.WithContext(ctx).Create(&document).Error; err != nil {
		s.logError(opCreate, "insert_failed", err, zap.String(fieldOwnerID, ownerID.String()))
		return Document{}, newStoreError(opCreate, "insert_failed", err)
	}
	return document, nil
}

// Get loads document metadata. The Data column is intentionally omitted.
func (s *Store) Get(ctx context.Context, documentID DocumentID) (Document, error) {
	var document Document
	err := s.db.WithContext(ctx).
		Select("id", "owner_id", "title", "created_at_s", "updated_at_s").
		Where(queryByID, documentID.String()).
		Take(&document).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		s.logError(opGet, reasonQueryFailed, err, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newStoreError(opGet, reasonQueryFailed, err)
	}
	return document, nil
}

// DocumentPage holds one page of a cursor-paginated listing.
type DocumentPage struct {
	Documents  []Document
	NextCursor *int64
}

// List returns documents owned by the user, newest first. The cursor is the
// updated_at_s value of the last item on the previous page; zero means start
// from the top. One extra row is fetched to decide whether a next page exists.
func (s *Store) List(ctx context.Context, ownerID UserID, limit int, cursor int64) (DocumentPage, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	query := s.db.WithContext(ctx).
		Select("id", "owner_id", "title", "created_at_s", "updated_at_s").
		Where("owner_id = ?", ownerID.String())
	if cursor > 0 {
		query = query.Where("updated_at_s < ?", cursor)
	}

	var rows []Document
	if err := query.
		Order("updated_at_s DESC").
		Limit(limit + 1).
		Find(&rows).Error; err != nil {
		s.logError(opList, reasonQueryFailed, err, zap.String(fieldOwnerID, ownerID.String()))
		return DocumentPage{}, newStoreError(opList, reasonQueryFailed, err)
	}

	page := DocumentPage{Documents: rows}
	if len(rows) > limit {
		page.Documents = rows[:limit]
		last := page.Documents[len(page.Documents)-1].UpdatedAtSeconds
		page.NextCursor = &last
	}
	return page, nil
}

// Rename updates the document title. Titles are last-write-wins; the stored
// value is normalized the same way creation is.
func (s *Store) Rename(ctx context.Context, documentID DocumentID, rawTitle string) (Document, error) {
	result := s.db.WithContext(ctx).
		Model(&Document{}).
		Where(queryByID, documentID.String()).
		Updates(map[string]interface{}{
			"title":        NormalizeTitle(rawTitle),
			"updated_at_s": s.clock().UTC().Unix(),
		})
	if result.Error != nil {
		s.logError(opRename, reasonUpdateFailed, result.Error, zap.String(fieldDocumentID, documentID.String()))
		return Document{}, newStoreError(opRename, reasonUpdateFailed, result.Error)
	}
	if result.RowsAffected == 0 {
		return Document{}, ErrDocumentNotFound
	}
	return s.Get(ctx, documentID)
}

// Delete removes the document row and its collaborator grants.
func (s *Store) Delete(ctx context.Context, documentID DocumentID) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Where(queryByID, documentID.String()).Delete(&Document{})
		if result.Error != nil {
			s.logError(opDelete, "delete_failed", result.Error, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opDelete, "delete_failed", result.Error)
		}
		if result.RowsAffected == 0 {
			return ErrDocumentNotFound
		}
		if err := tx.Where(queryByDocument, documentID.String()).Delete(&Collaborator{}).Error; err != nil {
			s.logError(opDelete, "collaborator_delete_failed", err, zap.String(fieldDocumentID, documentID.String()))
			return newStoreError(opDelete, "collaborator_delete_failed", err)
		}
		return nil
	})
}

// AddCollaborator grants a user access to a document.
func (s *Store) AddCollaborator(ctx context.Context, documentID DocumentID, userID UserID) error {
	collaborator := Collaborator{
		DocumentID: documentID.String(),
		UserID:     userID.String(),
	}
	if err := s.db.WithContext(ctx).Save(&collaborator).Error; err != nil {
		s.logError(opAddCollaborator, "insert_failed", err,
			zap.String(fieldDocumentID, documentID.String()),
			zap.String("user_id", userID.String()))
		return newStoreError(opAddCollaborator, "insert_failed", err)
	}
	return nil
}

func (s *Store) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("document store error", attrs...)
}
