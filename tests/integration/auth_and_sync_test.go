package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/database"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/documents"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/limits"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/persistence"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/server"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/session"
	"github.com/MarcoPoloResearchLab/cowrite/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	integrationSigningSecret = "integration-secret"
	integrationIssuer        = "cowrite-auth"
	integrationAudience      = "cowrite-api"
	jsonContentType          = "application/json"
)

type integrationStack struct {
	server  *httptest.Server
	store   *documents.Store
	manager *session.Manager
}

func mustStack(testContext *testing.T) *integrationStack {
	testContext.Helper()
	gin.SetMode(gin.TestMode)

	db, err := database.OpenSQLite(filepath.Join(testContext.TempDir(), "integration.db"), zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	store, err := documents.NewStore(documents.StoreConfig{Database: db, Logger: zap.NewNop()})
	if err != nil {
		testContext.Fatalf("failed to build document store: %v", err)
	}

	deletions := documents.NewDeletionCache()

	var manager *session.Manager
	scheduler, err := persistence.NewScheduler(persistence.SchedulerConfig{
		Store:            store,
		Deletions:        deletions,
		Logger:           zap.NewNop(),
		DebounceInterval: 20 * time.Millisecond,
		SnapshotInterval: 10 * time.Second,
		OnDeleted: func(documentID documents.DocumentID) {
			if manager != nil {
				manager.NotifyDeleted(documentID)
			}
		},
	})
	if err != nil {
		testContext.Fatalf("failed to build scheduler: %v", err)
	}

	tokenIssuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(integrationSigningSecret),
		Issuer:        integrationIssuer,
		Audience:      integrationAudience,
	})

	authenticator, err := auth.NewSessionAuthenticator(auth.SessionAuthenticatorConfig{
		Tokens:    tokenIssuer,
		Access:    store,
		Deletions: deletions,
		Logger:    zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build authenticator: %v", err)
	}

	manager, err = session.NewManager(session.ManagerConfig{
		Authenticator: authenticator,
		Admissions:    limits.NewAdmissionController(limits.AdmissionControllerConfig{}),
		Scheduler:     scheduler,
		Store:         store,
		Logger:        zap.NewNop(),
		ShutdownGrace: 100 * time.Millisecond,
	})
	if err != nil {
		testContext.Fatalf("failed to build session manager: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		testContext.Fatalf("failed to build user service: %v", err)
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenManager: tokenIssuer,
		Users:        userService,
		Documents:    store,
		Sessions:     manager,
		Logger:       zap.NewNop(),
	})
	if err != nil {
		testContext.Fatalf("failed to build handler: %v", err)
	}

	testServer := httptest.NewServer(handler)
	testContext.Cleanup(testServer.Close)

	return &integrationStack{server: testServer, store: store, manager: manager}
}

func (s *integrationStack) mustIssueToken(testContext *testing.T, userID, name string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"user_id": userID, "name": name})
	response, err := http.Post(s.server.URL+"/auth/token", jsonContentType, bytes.NewReader(body))
	if err != nil {
		testContext.Fatalf("token request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		testContext.Fatalf("unexpected token status: %d", response.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode token response: %v", err)
	}
	return payload.Token
}

func (s *integrationStack) mustCreateDocument(testContext *testing.T, token, title string) string {
	testContext.Helper()
	body, _ := json.Marshal(map[string]string{"title": title})
	request, _ := http.NewRequest(http.MethodPost, s.server.URL+"/documents", bytes.NewReader(body))
	request.Header.Set("Content-Type", jsonContentType)
	request.Header.Set("Authorization", "Bearer "+token)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("create request failed: %v", err)
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusCreated {
		testContext.Fatalf("unexpected create status: %d", response.StatusCode)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(response.Body).Decode(&payload); err != nil {
		testContext.Fatalf("failed to decode create response: %v", err)
	}
	return payload.ID
}

func (s *integrationStack) mustDialSync(testContext *testing.T, documentID, token string) *websocket.Conn {
	testContext.Helper()
	url := strings.Replace(s.server.URL, "http://", "ws://", 1) + "/sync/" + documentID + "?token=" + token
	socket, response, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		status := 0
		if response != nil {
			status = response.StatusCode
		}
		testContext.Fatalf("sync dial failed (status %d): %v", status, err)
	}
	return socket
}

func TestAuthAndSyncFlow(testContext *testing.T) {
	stack := mustStack(testContext)

	ownerToken := stack.mustIssueToken(testContext, "user-owner", "Owner")
	documentID := stack.mustCreateDocument(testContext, ownerToken, "Shared Plans")

	first := stack.mustDialSync(testContext, documentID, ownerToken)
	defer first.Close()
	second := stack.mustDialSync(testContext, documentID, ownerToken)
	defer second.Close()

	update := []byte{0x01, 0x02, 0x03}
	if err := first.WriteMessage(websocket.BinaryMessage, update); err != nil {
		testContext.Fatalf("failed to send update: %v", err)
	}

	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	messageType, payload, err := second.ReadMessage()
	if err != nil {
		testContext.Fatalf("failed to read broadcast: %v", err)
	}
	if messageType != websocket.BinaryMessage || !bytes.Equal(payload, update) {
		testContext.Fatalf("unexpected broadcast: type %d payload %v", messageType, payload)
	}

	first.Close()
	second.Close()

	// The last disconnect flushes the trailing state synchronously.
	deadline := time.Now().Add(2 * time.Second)
	for {
		state, err := stack.store.FetchState(context.Background(), documents.DocumentID(documentID))
		if err == nil && len(state) > 0 {
			break
		}
		if time.Now().After(deadline) {
			testContext.Fatalf("expected persisted state after disconnect, got %v (err %v)", state, err)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestSyncRejectsStrangersAndMissingDocuments(testContext *testing.T) {
	stack := mustStack(testContext)

	ownerToken := stack.mustIssueToken(testContext, "user-owner", "Owner")
	strangerToken := stack.mustIssueToken(testContext, "user-stranger", "Stranger")
	documentID := stack.mustCreateDocument(testContext, ownerToken, "Private")

	dial := func(documentID, token string) int {
		url := strings.Replace(stack.server.URL, "http://", "ws://", 1) + "/sync/" + documentID + "?token=" + token
		_, response, err := websocket.DefaultDialer.Dial(url, nil)
		if err == nil {
			testContext.Fatalf("expected the dial to be rejected")
		}
		if response == nil {
			testContext.Fatalf("expected an http rejection, got %v", err)
		}
		return response.StatusCode
	}

	if status := dial(documentID, strangerToken); status != http.StatusForbidden {
		testContext.Fatalf("expected 403 for a stranger, got %d", status)
	}
	if status := dial("no-such-document", ownerToken); status != http.StatusNotFound {
		testContext.Fatalf("expected 404 for a missing document, got %d", status)
	}
	if status := dial(documentID, ""); status != http.StatusUnauthorized {
		testContext.Fatalf("expected 401 without a token, got %d", status)
	}
}

func TestShutdownClosesSyncSockets(testContext *testing.T) {
	stack := mustStack(testContext)

	ownerToken := stack.mustIssueToken(testContext, "user-owner", "Owner")
	documentID := stack.mustCreateDocument(testContext, ownerToken, "Ephemeral")

	socket := stack.mustDialSync(testContext, documentID, ownerToken)
	defer socket.Close()

	go stack.manager.Shutdown(context.Background())

	// The drain force-closes the connection, which must reach the client as a
	// closed socket rather than a read parked until the deadline.
	_ = socket.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, _, err := socket.ReadMessage()
	if err == nil {
		testContext.Fatal("expected the socket to be closed during shutdown")
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		testContext.Fatal("socket stayed open through shutdown, read timed out")
	}
}

func TestDeleteClosesLiveSessions(testContext *testing.T) {
	stack := mustStack(testContext)

	ownerToken := stack.mustIssueToken(testContext, "user-owner", "Owner")
	documentID := stack.mustCreateDocument(testContext, ownerToken, "Doomed")

	socket := stack.mustDialSync(testContext, documentID, ownerToken)
	defer socket.Close()

	request, _ := http.NewRequest(http.MethodDelete, stack.server.URL+"/documents/"+documentID, nil)
	request.Header.Set("Authorization", "Bearer "+ownerToken)
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		testContext.Fatalf("delete request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusNoContent {
		testContext.Fatalf("unexpected delete status: %d", response.StatusCode)
	}

	// The next save attempt discovers the deletion and notifies the session,
	// which surfaces as a policy-violation close frame.
	if err := socket.WriteMessage(websocket.BinaryMessage, []byte{0x04}); err != nil {
		testContext.Fatalf("failed to send update: %v", err)
	}

	_ = socket.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		if _, _, err := socket.ReadMessage(); err != nil {
			if closeErr, ok := err.(*websocket.CloseError); ok {
				if closeErr.Code != websocket.ClosePolicyViolation {
					testContext.Fatalf("unexpected close code: %d", closeErr.Code)
				}
				return
			}
			testContext.Fatalf("expected a close frame, got %v", err)
		}
	}
}
