package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"go.uber.org/zap"
)

const anonymousDisplayName = "Anonymous"

var (
	// ErrUnauthorized indicates an absent or cryptographically invalid credential.
	ErrUnauthorized = errors.New("auth: unauthorized")
	// ErrForbidden indicates an authenticated identity without access to the document.
	ErrForbidden = errors.New("auth: insufficient permissions")

	errMissingTokenValidator = errors.New("auth: token validator is required")
	errMissingAccessReader   = errors.New("auth: access reader is required")
	errMissingDeletionCache  = errors.New("auth: deletion cache is required")
)

// TokenValidator verifies a bearer credential and yields its claims.
type TokenValidator interface {
	ValidateToken(tokenString string) (CollabClaims, error)
}

// AccessReader loads the owner and collaborator list for a document.
type AccessReader interface {
	Access(ctx context.Context, documentID documents.DocumentID) (documents.AccessRecord, error)
}

// Principal is the identity attached to an admitted session.
type Principal struct {
	UserID      documents.UserID
	DisplayName string
}

// SessionAuthenticatorConfig describes the authenticator's dependencies.
type SessionAuthenticatorConfig struct {
	Tokens    TokenValidator
	Access    AccessReader
	Deletions *documents.DeletionCache
	Clock     func() time.Time
	Logger    *zap.Logger
}

// SessionAuthenticator validates an inbound connection's credential and its
// authorization against document ownership before admission.
type SessionAuthenticator struct {
	tokens    TokenValidator
	access    AccessReader
	deletions *documents.DeletionCache
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSessionAuthenticator validates the configuration and constructs a
// SessionAuthenticator.
func NewSessionAuthenticator(cfg SessionAuthenticatorConfig) (*SessionAuthenticator, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if cfg.Access == nil {
		return nil, errMissingAccessReader
	}
	if cfg.Deletions == nil {
		return nil, errMissingDeletionCache
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionAuthenticator{
		tokens:    cfg.Tokens,
		access:    cfg.Access,
		deletions: cfg.Deletions,
		clock:     clock,
		logger:    logger,
	}, nil
}

// Authenticate verifies the credential and the identity's access to the
// document. Failure modes map to distinct sentinels: ErrUnauthorized,
// ErrTokenExpired, documents.ErrDocumentNotFound (which also warms the
// deletion cache), and ErrForbidden.
func (a *SessionAuthenticator) Authenticate(ctx context.Context, credential string, documentID documents.DocumentID) (Principal, error) {
	if strings.TrimSpace(credential) == "" {
		return Principal{}, ErrUnauthorized
	}

	claims, err := a.tokens.ValidateToken(credential)
	if err != nil {
		if errors.Is(err, ErrTokenExpired) {
			return Principal{}, ErrTokenExpired
		}
		a.logger.Warn("credential verification failed",
			zap.String("document_id", documentID.String()),
			zap.Error(err))
		return Principal{}, ErrUnauthorized
	}

	// The validator already enforces expiry; checking again keeps the
	// expired reason distinct even if claims arrive through another path.
	if claims.ExpiresAt != nil && a.clock().After(claims.ExpiresAt.Time) {
		return Principal{}, ErrTokenExpired
	}

	userID, err := documents.NewUserID(claims.UserID)
	if err != nil {
		return Principal{}, ErrUnauthorized
	}

	if a.deletions.Contains(documentID) {
		return Principal{}, documents.ErrDocumentNotFound
	}

	access, err := a.access.Access(ctx, documentID)
	if errors.Is(err, documents.ErrDocumentNotFound) {
		a.deletions.MarkDeleted(documentID)
		return Principal{}, documents.ErrDocumentNotFound
	}
	if err != nil {
		return Principal{}, fmt.Errorf("auth: access lookup: %w", err)
	}

	if !access.Allows(userID) {
		a.logger.Warn("access denied",
			zap.String("user_id", userID.String()),
			zap.String("document_id", documentID.String()))
		return Principal{}, ErrForbidden
	}

	displayName := strings.TrimSpace(claims.DisplayName)
	if displayName == "" {
		displayName = anonymousDisplayName
	}

	a.logger.Info("session authenticated",
		zap.String("user_id", userID.String()),
		zap.String("document_id", documentID.String()),
		zap.Bool("owner", access.OwnerID == userID))

	return Principal{UserID: userID, DisplayName: displayName}, nil
}
