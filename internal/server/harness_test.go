package server

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/storefront/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/database"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/inquiries"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/longpoll"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/notify"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/realtime"
	"github.com/MarcoPoloResearchLab/storefront/backend/internal/users"
	"github.com/gin-gonic/gin"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

const (
	testSigningSecret = "test-signing-secret"
	testCookieName    = "app_session"
)

type testStack struct {
	server    *httptest.Server
	issuer    *auth.TokenIssuer
	inquiries *inquiries.Service
	registry  *realtime.Registry
	bus       *realtime.Bus

	closedConnections atomic.Int64
}

type stackOptions struct {
	pollRatePerMinute int
	registryClock     clock.Clock
}

func newTestStack(t *testing.T, options stackOptions) *testStack {
	t.Helper()
	gin.SetMode(gin.TestMode)

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: dsn}, zap.NewNop())
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}

	validator, err := auth.NewSessionValidator(auth.SessionValidatorConfig{
		SigningSecret: []byte(testSigningSecret),
		CookieName:    testCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(testSigningSecret),
		TokenTTL:      time.Hour,
	})
	if err != nil {
		t.Fatalf("failed to construct issuer: %v", err)
	}

	principals, err := users.NewService(users.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct users service: %v", err)
	}
	metrics := realtime.NewMetrics()
	bus := realtime.NewBus()
	channel, err := notify.NewClient(notify.ClientConfig{Bus: bus, Metrics: metrics})
	if err != nil {
		t.Fatalf("failed to construct channel client: %v", err)
	}
	inquiryService, err := inquiries.NewService(inquiries.ServiceConfig{
		Database: db,
		Notifier: channel,
		Admins:   principals,
	})
	if err != nil {
		t.Fatalf("failed to construct inquiries service: %v", err)
	}
	coordinator, err := longpoll.NewCoordinator(longpoll.CoordinatorConfig{
		Source:         inquiryService,
		Bus:            bus,
		Metrics:        metrics,
		DefaultTimeout: 2 * time.Second,
		MaxTimeout:     5 * time.Second,
	})
	if err != nil {
		t.Fatalf("failed to construct coordinator: %v", err)
	}
	registry := realtime.NewRegistry(realtime.RegistryConfig{Clock: options.registryClock, Metrics: metrics})
	relay, err := realtime.NewRelay(realtime.RelayConfig{Bus: bus, Registry: registry, Messages: inquiryService})
	if err != nil {
		t.Fatalf("failed to construct relay: %v", err)
	}
	relayCtx, cancelRelay := context.WithCancel(context.Background())
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		relay.Run(relayCtx)
	}()

	gatherer := prometheus.NewRegistry()
	gatherer.MustRegister(metrics)

	handler, err := NewHTTPHandler(Dependencies{
		SessionValidator: validator,
		Principals:       principals,
		Inquiries:        inquiryService,
		Coordinator:      coordinator,
		Registry:         registry,
		Channel:          channel,
		Gatherer:         gatherer,
		PollLimiter:      NewPollLimiter(options.pollRatePerMinute),
		Logger:           zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct http handler: %v", err)
	}

	stack := &testStack{
		issuer:    issuer,
		inquiries: inquiryService,
		registry:  registry,
		bus:       bus,
	}
	server := httptest.NewUnstartedServer(handler)
	server.Config.ConnState = func(_ net.Conn, state http.ConnState) {
		if state == http.StateClosed || state == http.StateHijacked {
			stack.closedConnections.Add(1)
		}
	}
	server.Start()
	stack.server = server
	t.Cleanup(func() {
		registry.CloseAll()
		server.Close()
		cancelRelay()
		<-relayDone
		_ = channel.Close(context.Background())
	})

	// The relay subscribes asynchronously; wait so no early message escapes it.
	waitForBusListeners(t, stack, 1)
	return stack
}

func (s *testStack) token(t *testing.T, userID int64, roles ...string) string {
	t.Helper()
	token, _, err := s.issuer.IssueToken(context.Background(), auth.TokenRequest{
		Subject: strconv.FormatInt(userID, 10),
		Email:   fmt.Sprintf("user-%d@example.com", userID),
		Roles:   roles,
	})
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (s *testStack) do(t *testing.T, method, path, token, body string) *http.Response {
	t.Helper()
	request, err := http.NewRequest(method, s.server.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatalf("failed to construct request: %v", err)
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	if body != "" {
		request.Header.Set("Content-Type", "application/json")
	}
	response, err := http.DefaultClient.Do(request)
	if err != nil {
		t.Fatalf("request %s %s failed: %v", method, path, err)
	}
	t.Cleanup(func() { _ = response.Body.Close() })
	return response
}

func (s *testStack) createConversation(t *testing.T, token string) int64 {
	t.Helper()
	response := s.do(t, http.MethodPost, "/conversations", token, `{"subject":"Order 1001"}`)
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected create status: %d", response.StatusCode)
	}
	var payload struct {
		Data struct {
			ID int64 `json:"id"`
		} `json:"data"`
	}
	decodeBody(t, response, &payload)
	return payload.Data.ID
}

func (s *testStack) postMessage(t *testing.T, token string, conversationID int64, content string) int64 {
	t.Helper()
	path := fmt.Sprintf("/conversations/%d/messages", conversationID)
	response := s.do(t, http.MethodPost, path, token, fmt.Sprintf(`{"content":%q}`, content))
	if response.StatusCode != http.StatusCreated {
		t.Fatalf("unexpected message status: %d", response.StatusCode)
	}
	var payload struct {
		Data inquiries.MessagePayload `json:"data"`
	}
	decodeBody(t, response, &payload)
	return payload.Data.ID
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func decodeJSON(response *http.Response, target any) error {
	return json.NewDecoder(response.Body).Decode(target)
}

func readAll(t *testing.T, response *http.Response) string {
	t.Helper()
	body, err := io.ReadAll(response.Body)
	if err != nil {
		t.Fatalf("failed to read response: %v", err)
	}
	return string(body)
}

func waitForBusListeners(t *testing.T, stack *testStack, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for stack.bus.ListenerCount() != expected {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d bus listeners, have %d", expected, stack.bus.ListenerCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}
