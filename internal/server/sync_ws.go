package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/session"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var syncUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The bearer token carried on the request authorizes the connection;
	// origin enforcement belongs to the deployment's edge.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleSync admits a sync connection and bridges websocket frames to the
// session manager. Admission failures are rejected before the upgrade so
// clients get a meaningful HTTP status.
func (h *httpHandler) handleSync(c *gin.Context) {
	documentID, ok := h.requestDocumentID(c)
	if !ok {
		return
	}

	credential := syncCredential(c)
	connection, err := h.sessions.Connect(c.Request.Context(), credential, documentID)
	if err != nil {
		status, reason := syncRejection(err)
		c.JSON(status, gin.H{"error": reason})
		return
	}

	socket, err := syncUpgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		connection.Close()
		return
	}

	go h.pumpEvents(socket, connection)
	h.pumpUpdates(socket, connection)
}

// pumpUpdates reads client frames and folds them into the session. Runs on
// the request goroutine until the socket closes.
func (h *httpHandler) pumpUpdates(socket *websocket.Conn, connection *session.Connection) {
	defer func() {
		connection.Close()
		_ = socket.Close()
	}()

	for {
		messageType, payload, err := socket.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		if err := connection.Apply(payload); err != nil {
			if errors.Is(err, session.ErrConnectionClosed) {
				return
			}
			h.logger.Warn("rejected sync update",
				zap.String("user_id", connection.Principal().UserID.String()),
				zap.Error(err))
		}
	}
}

// pumpEvents forwards peer updates to the socket. A deleted-document notice
// closes the socket with a policy-violation frame so the client can redirect.
// The socket is always closed on exit: when the events channel closes without
// a notice the server hung up the connection, and closing here unblocks the
// read pump as well.
func (h *httpHandler) pumpEvents(socket *websocket.Conn, connection *session.Connection) {
	defer socket.Close() //nolint:errcheck

	for event := range connection.Events() {
		switch event.Type {
		case session.EventUpdate:
			if err := socket.WriteMessage(websocket.BinaryMessage, event.Payload); err != nil {
				return
			}
		case session.EventDocumentDeleted:
			closeFrame := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "document no longer exists")
			_ = socket.WriteMessage(websocket.CloseMessage, closeFrame)
			return
		}
	}

	closeFrame := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing")
	_ = socket.WriteMessage(websocket.CloseMessage, closeFrame)
}

// syncCredential accepts the token as a query parameter (browser websocket
// clients cannot set headers) or a standard Authorization header.
func syncCredential(c *gin.Context) string {
	if token := strings.TrimSpace(c.Query("token")); token != "" {
		return token
	}
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	return ""
}

func syncRejection(err error) (int, string) {
	switch {
	case errors.Is(err, auth.ErrUnauthorized), errors.Is(err, auth.ErrTokenExpired):
		return http.StatusUnauthorized, err.Error()
	case errors.Is(err, auth.ErrForbidden):
		return http.StatusForbidden, err.Error()
	case errors.Is(err, documents.ErrDocumentNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, session.ErrUserConnectionLimit), errors.Is(err, session.ErrDocumentConnectionLimit):
		return http.StatusTooManyRequests, err.Error()
	case errors.Is(err, session.ErrDraining):
		return http.StatusServiceUnavailable, err.Error()
	default:
		return http.StatusInternalServerError, "connection failed"
	}
}
