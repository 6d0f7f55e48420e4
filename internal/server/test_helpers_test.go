package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/livery/internal/auth"
	"github.com/MarcoPoloResearchLab/livery/internal/collab"
	"github.com/MarcoPoloResearchLab/livery/internal/database"
	"github.com/MarcoPoloResearchLab/livery/internal/realtime"
	"github.com/MarcoPoloResearchLab/livery/internal/schemes"
	"github.com/MarcoPoloResearchLab/livery/internal/users"
	githubsqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const testPassword = "correct horse battery"

type testServer struct {
	server  *httptest.Server
	handler http.Handler
	tokens  map[string]string
	userIDs map[string]string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	db, err := gorm.Open(githubsqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared&_pragma=foreign_keys(1)", name)), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("failed to open in-memory database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql database: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := database.Migrate(db, zap.NewNop()); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	userService, err := users.NewService(users.ServiceConfig{Database: db, BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("failed to build user service: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{SigningSecret: []byte("server-test-secret"), TokenTTL: time.Hour})
	if err != nil {
		t.Fatalf("failed to build token issuer: %v", err)
	}
	verifier, err := auth.NewVerifier(auth.VerifierConfig{Tokens: issuer, Credentials: userService, CookieName: "livery_session"})
	if err != nil {
		t.Fatalf("failed to build verifier: %v", err)
	}
	store, err := schemes.NewStore(schemes.ServiceConfig{Database: db, IDProvider: schemes.NewUUIDProvider()})
	if err != nil {
		t.Fatalf("failed to build store: %v", err)
	}
	registry := realtime.NewRegistry(realtime.RegistryConfig{SessionBuffer: 32})
	eventLog := realtime.NewMemoryEventLog(64)
	engine, err := collab.NewEngine(collab.Config{
		Store:       store,
		Verifier:    verifier,
		Passwords:   userService,
		Tokens:      issuer,
		Registry:    registry,
		Broadcaster: realtime.NewBroadcaster(registry, eventLog, zap.NewNop()),
		Reconnector: realtime.NewReconnector(realtime.ReconnectorConfig{Registry: registry, Log: eventLog}),
	})
	if err != nil {
		t.Fatalf("failed to build engine: %v", err)
	}

	shutdown, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	handler, err := NewHTTPHandler(Dependencies{
		Engine:     engine,
		CookieName: "livery_session",
		Logger:     zap.NewNop(),
		Shutdown:   shutdown,
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	ts := &testServer{server: server, handler: handler, tokens: map[string]string{}, userIDs: map[string]string{}}
	for _, handle := range []string{"owner", "bob", "stranger", "admin"} {
		user, err := userService.Register(context.Background(), users.RegisterRequest{
			Email:    handle + "@example.com",
			Password: testPassword,
			IsAdmin:  handle == "admin",
		})
		if err != nil {
			t.Fatalf("failed to register %s: %v", handle, err)
		}
		ts.userIDs[handle] = user.ID
		ts.tokens[handle] = ts.login(t, handle+"@example.com", testPassword)
	}
	return ts
}

func (ts *testServer) login(t *testing.T, email, password string) string {
	t.Helper()
	recorder := ts.do(t, "", http.MethodPost, "/auth/login", map[string]string{"email": email, "password": password}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("login failed for %s: %d %s", email, recorder.Code, recorder.Body.String())
	}
	var payload collab.Login
	decodeBody(t, recorder, &payload)
	if payload.AccessToken == "" || payload.TokenType != "Bearer" {
		t.Fatalf("unexpected login payload: %+v", payload)
	}
	return payload.AccessToken
}

// do serves a request in process. handle selects whose token is sent; empty sends none.
func (ts *testServer) do(t *testing.T, handle, method, path string, body any, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode request body: %v", err)
		}
		reader = bytes.NewReader(encoded)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if handle != "" {
		request.Header.Set("Authorization", "Bearer "+ts.tokens[handle])
	}
	for key, value := range headers {
		request.Header.Set(key, value)
	}
	recorder := httptest.NewRecorder()
	ts.handler.ServeHTTP(recorder, request)
	return recorder
}

func (ts *testServer) createScheme(t *testing.T) schemes.State {
	t.Helper()
	recorder := ts.do(t, "owner", http.MethodPost, "/schemes", map[string]any{"name": "Livery", "car_make": "gt3"}, nil)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create scheme failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var state schemes.State
	decodeBody(t, recorder, &state)
	return state
}

func (ts *testServer) createLayer(t *testing.T, schemeID, text string, headers map[string]string) collab.Applied {
	t.Helper()
	recorder := ts.do(t, "owner", http.MethodPost, "/schemes/"+schemeID+"/layers", map[string]any{
		"type": schemes.LayerTypeText,
		"name": text,
		"data": map[string]any{"text": text},
	}, headers)
	if recorder.Code != http.StatusCreated {
		t.Fatalf("create layer failed: %d %s", recorder.Code, recorder.Body.String())
	}
	var applied collab.Applied
	decodeBody(t, recorder, &applied)
	return applied
}

func (ts *testServer) share(t *testing.T, schemeID, handle, level string, accept bool) {
	t.Helper()
	recorder := ts.do(t, "owner", http.MethodPut, "/schemes/"+schemeID+"/shares/"+ts.userIDs[handle], map[string]string{"level": level}, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("share failed: %d %s", recorder.Code, recorder.Body.String())
	}
	if !accept {
		return
	}
	recorder = ts.do(t, handle, http.MethodPost, "/schemes/"+schemeID+"/shares/accept", nil, nil)
	if recorder.Code != http.StatusOK {
		t.Fatalf("accept failed: %d %s", recorder.Code, recorder.Body.String())
	}
}

func decodeBody(t *testing.T, recorder *httptest.ResponseRecorder, target any) {
	t.Helper()
	if err := json.Unmarshal(recorder.Body.Bytes(), target); err != nil {
		t.Fatalf("failed to decode response body %q: %v", recorder.Body.String(), err)
	}
}
