package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/courier/internal/auth"
	"github.com/MarcoPoloResearchLab/courier/internal/ingest"
	"github.com/MarcoPoloResearchLab/courier/internal/keys"
	"github.com/MarcoPoloResearchLab/courier/internal/outbox"
	"github.com/MarcoPoloResearchLab/courier/internal/wire"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/crypto/openpgp"
	"golang.org/x/crypto/openpgp/packet"
)

const (
	alice wire.Address = "alice@example.org"
	bob   wire.Address = "bob@example.org"
	carol wire.Address = "carol@example.org"
	doris wire.Address = "doris@example.org"
)

type testServer struct {
	handler    http.Handler
	issuer     *auth.TokenIssuer
	dispatcher *outbox.Dispatcher
	registry   *ingest.Registry
}

type testServerOptions struct {
	logger         *zap.Logger
	allowedOrigins []string
	heartbeat      time.Duration
}

func newTestServer(t *testing.T, options testServerOptions) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := options.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("server-test-secret"),
		Issuer:        "courier-core",
		Audience:      "courier-pipeline",
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}
	dispatcher := outbox.NewDispatcher()
	registry, err := ingest.NewRegistry(ingest.RegistryConfig{
		DataDir: filepath.Join(t.TempDir(), "accounts"),
		Clock:   func() time.Time { return time.Unix(1700000000, 0).UTC() },
		Outbox:  dispatcher,
		Logger:  logger,
	})
	if err != nil {
		t.Fatalf("failed to construct registry: %v", err)
	}
	t.Cleanup(func() { _ = registry.Close() })

	handler, err := NewHTTPHandler(Dependencies{
		Tokens:            issuer,
		Registry:          registry,
		Outbox:            dispatcher,
		AllowedOrigins:    options.allowedOrigins,
		HeartbeatInterval: options.heartbeat,
		Logger:            logger,
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}
	return &testServer{handler: handler, issuer: issuer, dispatcher: dispatcher, registry: registry}
}

func (s *testServer) token(t *testing.T, accounts ...string) string {
	t.Helper()
	token, _, err := s.issuer.IssuePipelineToken(context.Background(), "receive-pipeline", accounts)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

// do sends body as JSON with a token for every account and decodes the response into out.
func (s *testServer) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()
	return s.doWithToken(t, s.token(t), method, path, body, out)
}

func (s *testServer) doWithToken(t *testing.T, token, method, path string, body any, out any) int {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		reader = bytes.NewReader(payload)
	} else {
		reader = bytes.NewReader(nil)
	}
	request := httptest.NewRequest(method, path, reader)
	request.Header.Set("Content-Type", "application/json")
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	recorder := httptest.NewRecorder()
	s.handler.ServeHTTP(recorder, request)
	if out != nil && recorder.Body.Len() > 0 {
		if err := json.Unmarshal(recorder.Body.Bytes(), out); err != nil {
			t.Fatalf("failed to decode response %q: %v", recorder.Body.String(), err)
		}
	}
	return recorder.Code
}

func accountPath(account wire.Address, suffix string) string {
	return "/v1/accounts/" + account.String() + suffix
}

type testKey struct {
	material    []byte
	fingerprint string
}

func mustKey(t *testing.T, label string) testKey {
	t.Helper()
	entity, err := openpgp.NewEntity(label, "", label+"@example.org", &packet.Config{RSABits: 1024})
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}
	var buffer bytes.Buffer
	if err := entity.Serialize(&buffer); err != nil {
		t.Fatalf("failed to serialize key: %v", err)
	}
	return testKey{
		material:    buffer.Bytes(),
		fingerprint: keys.FormatFingerprint(entity.PrimaryKey.Fingerprint[:]),
	}
}

func incomingMessage(messageID string, from wire.Address, seconds int64) wire.RawMessage {
	return wire.RawMessage{
		MessageID:        "<" + messageID + ">",
		From:             from.String(),
		TimestampSeconds: seconds,
		Signature:        wire.Signature{Status: wire.SignatureAbsent},
		Headers:          map[string][]string{},
		ProtectedHeaders: map[string][]string{wire.HeaderFrom: {from.String()}},
	}
}
