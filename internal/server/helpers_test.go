package server

import (
	"bytes"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/callroom/internal/auth"
	"github.com/MarcoPoloResearchLab/callroom/internal/realtime"
	"github.com/MarcoPoloResearchLab/callroom/internal/records"
	"github.com/MarcoPoloResearchLab/callroom/internal/session"
	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	jsoniter "github.com/json-iterator/go"
	"gorm.io/gorm"
)

const (
	testSigningSecret = "server-test-secret"
	testIssuer        = "callroom-auth"
)

var databaseCounter atomic.Int64

type testServer struct {
	handler  http.Handler
	registry *session.Registry
	issuer   *auth.TokenIssuer
}

func newTestServer(t *testing.T, configure ...func(*session.Config)) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s_%d?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"), databaseCounter.Add(1))
	database, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.AutoMigrate(records.Models()...); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}

	store, err := records.NewStore(records.StoreConfig{Database: database})
	if err != nil {
		t.Fatalf("failed to construct store: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
		InviteTTL:     time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	validator, err := auth.NewCredentialValidator(auth.CredentialValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		Issuer:        testIssuer,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	registryConfig := session.Config{
		Store:   store,
		Fanout:  realtime.NewDispatcher(64),
		Invites: issuer,
	}
	for _, apply := range configure {
		apply(&registryConfig)
	}
	registry, err := session.NewRegistry(registryConfig)
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(registry.Close)

	handler, err := NewHTTPHandler(Dependencies{
		Validator:          validator,
		Registry:           registry,
		Connections:        realtime.ConnConfig{PingInterval: time.Second},
		ICEURLs:            []string{"stun:stun.example.com:3478", " "},
		NegotiationTimeout: 15 * time.Second,
		JoinLinkBaseURL:    "https://calls.example.com/join",
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, registry: registry, issuer: issuer}
}

func (s *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := s.issuer.IssueAccessToken(t.Context(), userID, nil)
	if err != nil {
		t.Fatalf("failed to issue token for %s: %v", userID, err)
	}
	return token
}

type testEnvelope struct {
	Success bool                `json:"success"`
	Data    jsoniter.RawMessage `json:"data"`
	Error   *errorPayload       `json:"error"`
}

func (s *testServer) do(t *testing.T, method, path, userID string, body any) (*httptest.ResponseRecorder, testEnvelope) {
	t.Helper()
	var reader *bytes.Reader
	if body == nil {
		reader = bytes.NewReader(nil)
	} else {
		payload, err := jsoniter.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if userID != "" {
		request.Header.Set("Authorization", "Bearer "+s.token(t, userID))
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)

	var decoded testEnvelope
	if recorder.Body.Len() > 0 {
		if err := jsoniter.Unmarshal(recorder.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder, decoded
}

func decodeData[T any](t *testing.T, envelope testEnvelope) T {
	t.Helper()
	var value T
	if err := jsoniter.Unmarshal(envelope.Data, &value); err != nil {
		t.Fatalf("failed to decode data %q: %v", string(envelope.Data), err)
	}
	return value
}
