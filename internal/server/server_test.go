package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/db"
	"gigline/internal/domain"
	"gigline/internal/engine"
	"gigline/internal/engine/auth"
	"gigline/internal/escrow"
	"gigline/internal/migrate"
	"gigline/internal/repo"
)

const (
	testJWTSecret    = "jwt-test-secret"
	testEscrowSecret = "escrow-test-secret"
)

type stubGateway struct {
	mu     sync.Mutex
	orders int
}

func (g *stubGateway) CreateOrder(_ context.Context, req escrow.OrderRequest) (escrow.Order, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.orders++
	return escrow.Order{ID: fmt.Sprintf("order_%d", g.orders), Amount: req.Amount, Currency: req.Currency, Receipt: req.Receipt, Status: "created"}, nil
}

func (g *stubGateway) VerifyPayment(orderID, paymentID, signature string) error {
	return escrow.VerifySignature(orderID, paymentID, signature, testEscrowSecret)
}

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
}

type serverOption func(*Config)

func newTestServer(t *testing.T, opts ...serverOption) *testServer {
	t.Helper()
	workspace := t.TempDir()
	_, err := db.EnsureWorkspace(workspace)
	require.NoError(t, err)
	conn, err := db.Open(db.Config{Workspace: workspace})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn, nil))

	e := engine.New(conn, config.Default())
	e.Gateway = &stubGateway{}
	cfg := Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{JWTSecret: testJWTSecret},
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	handler, err := New(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	return &testServer{URL: srv.URL, Engine: e, client: srv.Client()}
}

func token(t *testing.T, actorID, role string) map[string]string {
	t.Helper()
	tok, err := SignToken(testJWTSecret, actorID, role, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + tok}
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

// call issues the request, asserts the status and decodes the body into out.
func (s *testServer) call(t *testing.T, method, path string, body any, headers map[string]string, status int, out any) {
	t.Helper()
	res, data := doJSON(t, s.client, method, s.URL+path, body, headers)
	require.Equal(t, status, res.StatusCode, "%s %s: %s", method, path, string(data))
	if out != nil {
		require.NoError(t, json.Unmarshal(data, out), string(data))
	}
}

type envelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func (s *testServer) expectError(t *testing.T, method, path string, body any, headers map[string]string, status int, code string) envelope {
	t.Helper()
	var env envelope
	s.call(t, method, path, body, headers, status, &env)
	assert.Equal(t, code, env.Error.Code)
	assert.NotEmpty(t, env.Error.Message)
	return env
}

func TestHealthIsPublic(t *testing.T) {
	srv := newTestServer(t)
	var body map[string]string
	srv.call(t, http.MethodGet, "/v1/health", nil, nil, http.StatusOK, &body)
	assert.Equal(t, "ok", body["status"])
}

func TestOpenAPIAndMetricsAreServed(t *testing.T) {
	srv := newTestServer(t)
	var oas map[string]any
	srv.call(t, http.MethodGet, "/v1/openapi.json", nil, nil, http.StatusOK, &oas)
	paths, ok := oas["paths"].(map[string]any)
	require.True(t, ok)
	assert.Contains(t, paths, "/v1/applications/{gigId}/accept")
	assert.Contains(t, paths, "/v1/freelancer/wallet/withdraw")

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/metrics", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(data), "gigline_http_requests_total")
}

func TestOpenAPIConcurrentFirstFetch(t *testing.T) {
	srv := newTestServer(t)
	const n = 8
	bodies := make([]string, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.client.Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				return
			}
			defer res.Body.Close()
			data, _ := io.ReadAll(res.Body)
			if res.StatusCode == http.StatusOK {
				bodies[i] = string(data)
			}
		}(i)
	}
	wg.Wait()
	require.NotEmpty(t, bodies[0])
	for i := 1; i < n; i++ {
		assert.Equal(t, bodies[0], bodies[i])
	}
}

func TestAcceptRejectsUnknownAction(t *testing.T) {
	h := handlers{}
	_, err := h.accept(context.Background(), auth.Actor{ID: "company-1", Role: domain.RoleHiring}, "g1", AcceptRequest{Action: "refund", FreelancerID: "alice"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))

	_, err = h.accept(context.Background(), auth.Actor{ID: "company-1", Role: domain.RoleHiring}, "g1", AcceptRequest{FreelancerID: "alice"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestAuthenticationRequired(t *testing.T) {
	srv := newTestServer(t)
	srv.expectError(t, http.MethodGet, "/v1/me", nil, nil, http.StatusUnauthorized, "unauthorized")
	srv.expectError(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer nope"}, http.StatusUnauthorized, "invalid_credentials")

	other, err := SignToken("some-other-secret", "alice", domain.RoleFreelancer, time.Hour)
	require.NoError(t, err)
	srv.expectError(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + other}, http.StatusUnauthorized, "invalid_credentials")

	var me WhoAmIResponse
	srv.call(t, http.MethodGet, "/v1/me", nil, token(t, "alice", domain.RoleFreelancer), http.StatusOK, &me)
	assert.Equal(t, WhoAmIResponse{ActorID: "alice", Role: domain.RoleFreelancer, Source: "jwt"}, me)
}

func TestSignTokenRejectsUnknownRole(t *testing.T) {
	_, err := SignToken(testJWTSecret, "alice", "owner", time.Hour)
	require.Error(t, err)
	_, err = SignToken("", "alice", domain.RoleAdmin, time.Hour)
	require.Error(t, err)
}

func TestAPIKeyAuthentication(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Engine.Repo.InsertAPIKey(context.Background(), repo.APIKey{
		ID:        "key-1",
		ActorID:   "ops",
		Role:      domain.RoleAdmin,
		Name:      "ops",
		KeyHash:   repo.HashAPIKey("secret-key"),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
	}))

	var me WhoAmIResponse
	srv.call(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": "secret-key"}, http.StatusOK, &me)
	assert.Equal(t, "ops", me.ActorID)
	assert.Equal(t, domain.RoleAdmin, me.Role)
	assert.Equal(t, "api_key", me.Source)

	srv.expectError(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Api-Key": "wrong"}, http.StatusUnauthorized, "invalid_credentials")
}

func TestLegacyActorHeader(t *testing.T) {
	headers := map[string]string{"X-Actor-Id": "alice", "X-Actor-Role": domain.RoleFreelancer}

	strict := newTestServer(t)
	strict.expectError(t, http.MethodGet, "/v1/me", nil, headers, http.StatusUnauthorized, "unauthorized")

	lenient := newTestServer(t, func(c *Config) { c.Auth.AllowLegacyActorHeader = true })
	var me WhoAmIResponse
	lenient.call(t, http.MethodGet, "/v1/me", nil, headers, http.StatusOK, &me)
	assert.Equal(t, "legacy_header", me.Source)
	lenient.expectError(t, http.MethodGet, "/v1/me", nil, map[string]string{"X-Actor-Id": "alice", "X-Actor-Role": "root"}, http.StatusUnauthorized, "invalid_credentials")
}

func TestDevLogin(t *testing.T) {
	off := newTestServer(t)
	off.expectError(t, http.MethodPost, "/v1/auth/dev/login", map[string]any{"actor_id": "alice", "role": "freelancer"}, nil, http.StatusUnauthorized, "unauthorized")

	on := newTestServer(t, func(c *Config) { c.Auth.DevLogin = true })
	var login DevLoginResponse
	on.call(t, http.MethodPost, "/v1/auth/dev/login", map[string]any{"actor_id": "alice", "role": "freelancer"}, nil, http.StatusOK, &login)
	require.NotEmpty(t, login.Token)

	var me WhoAmIResponse
	on.call(t, http.MethodGet, "/v1/me", nil, map[string]string{"Authorization": "Bearer " + login.Token}, http.StatusOK, &me)
	assert.Equal(t, "alice", me.ActorID)
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, func(c *Config) {
		c.RateLimit = config.RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2}
	})
	headers := token(t, "alice", domain.RoleFreelancer)
	srv.call(t, http.MethodGet, "/v1/me", nil, headers, http.StatusOK, nil)
	srv.call(t, http.MethodGet, "/v1/me", nil, headers, http.StatusOK, nil)

	res, data := doJSON(t, srv.client, http.MethodGet, srv.URL+"/v1/me", nil, headers)
	require.Equal(t, http.StatusTooManyRequests, res.StatusCode)
	assert.Equal(t, "1", res.Header.Get("Retry-After"))
	assert.Contains(t, string(data), "rate_limited")

	// buckets are per actor
	srv.call(t, http.MethodGet, "/v1/me", nil, token(t, "bob", domain.RoleFreelancer), http.StatusOK, nil)
}

func TestErrorEnvelopeMapping(t *testing.T) {
	srv := newTestServer(t)
	company := token(t, "company-1", domain.RoleHiring)
	alice := token(t, "alice", domain.RoleFreelancer)

	srv.expectError(t, http.MethodGet, "/v1/gigs/missing", nil, alice, http.StatusNotFound, "not_found")
	srv.expectError(t, http.MethodPost, "/v1/gigs", map[string]any{"title": "x", "budget": 10}, alice, http.StatusForbidden, "forbidden")

	var g domain.Gig
	srv.call(t, http.MethodPost, "/v1/gigs", map[string]any{"title": "Logo", "budget": 500}, company, http.StatusCreated, &g)

	srv.expectError(t, http.MethodPost, "/v1/applications/create", map[string]any{"gig_id": g.ID, "iterations": 2}, alice,
		http.StatusPaymentRequired, "subscription_required")

	srv.expectError(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", map[string]any{
		"action": "verify_payment", "freelancer_id": "alice",
	}, company, http.StatusBadRequest, "validation_failed")

	res, _ := doJSON(t, srv.client, http.MethodPost, srv.URL+"/v1/gigs", map[string]any{"title": "", "budget": 0}, company)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestHireDeliverAndWithdraw(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "admin-1", domain.RoleAdmin)
	company := token(t, "company-1", domain.RoleHiring)
	alice := token(t, "alice", domain.RoleFreelancer)
	bob := token(t, "bob", domain.RoleFreelancer)

	endDate := time.Now().UTC().AddDate(0, 1, 0).Format(time.RFC3339)
	for _, who := range []string{"alice", "bob"} {
		srv.call(t, http.MethodPut, "/v1/subscriptions/"+who, map[string]any{
			"plan": "pro", "status": "active", "max_applications": -1, "end_date": endDate,
		}, admin, http.StatusOK, nil)
	}
	srv.expectError(t, http.MethodPut, "/v1/subscriptions/alice", map[string]any{
		"max_applications": 1, "end_date": endDate,
	}, alice, http.StatusForbidden, "forbidden")

	var g domain.Gig
	srv.call(t, http.MethodPost, "/v1/gigs", map[string]any{"title": "Landing page", "budget": 1000}, company, http.StatusCreated, &g)

	var app domain.Application
	srv.call(t, http.MethodPost, "/v1/applications/create", map[string]any{"gig_id": g.ID, "iterations": 2, "cover_letter": "hi"}, alice, http.StatusCreated, &app)
	assert.Equal(t, domain.ApplicationPending, app.Status)
	srv.call(t, http.MethodPost, "/v1/applications/create", map[string]any{"gig_id": g.ID, "iterations": 1}, bob, http.StatusCreated, nil)
	srv.expectError(t, http.MethodPost, "/v1/applications/create", map[string]any{"gig_id": g.ID, "iterations": 2}, alice, http.StatusConflict, "already_applied")

	var listed []domain.Application
	srv.call(t, http.MethodGet, "/v1/applications/"+g.ID, nil, company, http.StatusOK, &listed)
	assert.Len(t, listed, 2)

	var negotiated AcceptResponse
	srv.call(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", map[string]any{"action": "negotiate", "freelancer_id": "alice"}, company, http.StatusOK, &negotiated)
	assert.Equal(t, domain.ApplicationNegotiating, negotiated.Application.Status)
	require.NotNil(t, negotiated.Conversation)

	var offer domain.NegotiationEvent
	srv.call(t, http.MethodPost, "/v1/applications/"+g.ID+"/negotiate", map[string]any{"amount": 1200, "message": "more scope"}, alice, http.StatusCreated, &offer)
	assert.Equal(t, int64(1200), offer.Amount)

	var ordered AcceptResponse
	srv.call(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", map[string]any{"action": "create_order", "freelancer_id": "alice"}, company, http.StatusOK, &ordered)
	require.NotNil(t, ordered.Order)
	assert.Equal(t, int64(1200), ordered.Order.Amount)

	verify := map[string]any{
		"action":        "verify_payment",
		"freelancer_id": "alice",
		"order_id":      ordered.Order.ID,
		"payment_id":    "pay_1",
		"signature":     escrow.Sign(ordered.Order.ID, "pay_1", testEscrowSecret),
		"agreed_amount": 1200,
	}
	bad := map[string]any{}
	for k, v := range verify {
		bad[k] = v
	}
	bad["signature"] = strings.Repeat("0", 64)
	srv.expectError(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", bad, company, http.StatusBadRequest, "invalid_signature")

	var accepted AcceptResponse
	srv.call(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", verify, company, http.StatusOK, &accepted)
	assert.Equal(t, domain.ApplicationAccepted, accepted.Application.Status)
	require.NotNil(t, accepted.Payment)
	assert.Equal(t, domain.PaymentCompleted, accepted.Payment.Status)
	assert.False(t, accepted.Replayed)
	conversationID := accepted.Conversation.ID

	var replay AcceptResponse
	srv.call(t, http.MethodPost, "/v1/applications/"+g.ID+"/accept", verify, company, http.StatusOK, &replay)
	assert.True(t, replay.Replayed)
	assert.Equal(t, accepted.Payment.ID, replay.Payment.ID)

	var bobApp domain.Application
	srv.call(t, http.MethodGet, "/v1/applications/"+g.ID+"/bob", nil, company, http.StatusOK, &bobApp)
	assert.Equal(t, domain.ApplicationRejected, bobApp.Status)

	var escrowPayment domain.Payment
	srv.call(t, http.MethodGet, "/v1/payments/"+accepted.Payment.ID, nil, alice, http.StatusOK, &escrowPayment)
	assert.Equal(t, domain.PaymentEscrow, escrowPayment.Type)
	assert.NotEmpty(t, escrowPayment.StatusHistory)
	srv.expectError(t, http.MethodGet, "/v1/payments/"+accepted.Payment.ID, nil, bob, http.StatusForbidden, "forbidden")

	var conv domain.Conversation
	srv.call(t, http.MethodGet, "/v1/conversations/"+conversationID, nil, alice, http.StatusOK, &conv)
	assert.Equal(t, "active", conv.Status)

	var project domain.Project
	srv.call(t, http.MethodPost, "/v1/projects", map[string]any{
		"conversation_id": conversationID,
		"gig_id":          g.ID,
		"title":           "v1",
		"files":           []map[string]string{{"name": "site.zip", "url": "https://files.example/site.zip"}},
	}, alice, http.StatusCreated, &project)
	assert.Equal(t, domain.ProjectSubmitted, project.Status)
	assert.Equal(t, int64(1200), project.PaymentAmount)

	srv.call(t, http.MethodPost, "/v1/projects/"+project.ID+"/status", map[string]any{"status": "under_review"}, company, http.StatusOK, &project)
	assert.Equal(t, domain.ProjectUnderReview, project.Status)

	srv.call(t, http.MethodPost, "/v1/projects/"+project.ID+"/request-revision", map[string]any{"feedback": "bigger logo"}, company, http.StatusOK, &project)
	assert.Equal(t, domain.ProjectRevisionRequested, project.Status)
	assert.Equal(t, 1, project.Iterations.Remaining)

	srv.call(t, http.MethodPost, "/v1/projects", map[string]any{"conversation_id": conversationID, "gig_id": g.ID, "title": "v2"}, alice, http.StatusCreated, &project)
	srv.expectError(t, http.MethodPost, "/v1/projects/"+project.ID+"/approve", nil, alice, http.StatusForbidden, "forbidden")
	srv.call(t, http.MethodPost, "/v1/projects/"+project.ID+"/approve", nil, company, http.StatusOK, &project)
	assert.Equal(t, domain.ProjectCompleted, project.Status)
	assert.Equal(t, "released", project.PaymentStatus)

	var evts []domain.Event
	srv.call(t, http.MethodGet, "/v1/gigs/"+g.ID+"/events?type=application.accepted", nil, company, http.StatusOK, &evts)
	require.Len(t, evts, 1)
	assert.Equal(t, "company-1", evts[0].ActorID)
	srv.expectError(t, http.MethodGet, "/v1/gigs/"+g.ID+"/events", nil, alice, http.StatusForbidden, "forbidden")

	var projects []domain.Project
	srv.call(t, http.MethodGet, "/v1/gigs/"+g.ID+"/projects", nil, company, http.StatusOK, &projects)
	assert.Len(t, projects, 1)

	var view engine.WalletView
	srv.call(t, http.MethodGet, "/v1/freelancer/wallet", nil, alice, http.StatusOK, &view)
	assert.Equal(t, int64(1200), view.Wallet.Balance)
	assert.Equal(t, int64(1200), view.Wallet.TotalEarned)
	srv.expectError(t, http.MethodGet, "/v1/freelancer/wallet?freelancer_id=alice", nil, bob, http.StatusForbidden, "forbidden")

	srv.expectError(t, http.MethodPost, "/v1/freelancer/wallet/withdraw", map[string]any{
		"amount": 5000, "payout": map[string]any{"method": "upi", "upi_id": "alice@bank"},
	}, alice, http.StatusConflict, "insufficient_balance")

	var withdrawal domain.Payment
	srv.call(t, http.MethodPost, "/v1/freelancer/wallet/withdraw", map[string]any{
		"amount": 700, "payout": map[string]any{"method": "upi", "upi_id": "alice@bank"},
	}, alice, http.StatusCreated, &withdrawal)
	assert.Equal(t, domain.PaymentPending, withdrawal.Status)

	var pending []domain.Payment
	srv.call(t, http.MethodGet, "/v1/payments/withdrawals?status=pending", nil, admin, http.StatusOK, &pending)
	require.Len(t, pending, 1)

	srv.expectError(t, http.MethodPost, "/v1/payments/withdraw/"+withdrawal.ID+"/process", map[string]any{"action": "approve"}, alice, http.StatusForbidden, "forbidden")
	srv.call(t, http.MethodPost, "/v1/payments/withdraw/"+withdrawal.ID+"/process", map[string]any{"action": "approve"}, admin, http.StatusOK, &withdrawal)
	assert.Equal(t, domain.PaymentProcessing, withdrawal.Status)
	srv.call(t, http.MethodPost, "/v1/payments/withdraw/"+withdrawal.ID+"/complete", nil, admin, http.StatusOK, &withdrawal)
	assert.Equal(t, domain.PaymentCompleted, withdrawal.Status)

	srv.call(t, http.MethodGet, "/v1/freelancer/wallet", nil, alice, http.StatusOK, &view)
	assert.Equal(t, int64(500), view.Wallet.Balance)
	assert.Equal(t, int64(700), view.Wallet.TotalWithdrawn)
}

func TestWithdrawApplication(t *testing.T) {
	srv := newTestServer(t)
	admin := token(t, "admin-1", domain.RoleAdmin)
	company := token(t, "company-1", domain.RoleHiring)
	alice := token(t, "alice", domain.RoleFreelancer)

	srv.call(t, http.MethodPut, "/v1/subscriptions/alice", map[string]any{
		"max_applications": -1, "end_date": time.Now().UTC().AddDate(0, 0, 7).Format(time.RFC3339),
	}, admin, http.StatusOK, nil)
	var g domain.Gig
	srv.call(t, http.MethodPost, "/v1/gigs", map[string]any{"title": "Copy", "budget": 300}, company, http.StatusCreated, &g)
	srv.call(t, http.MethodPost, "/v1/applications/create", map[string]any{"gig_id": g.ID, "iterations": 1}, alice, http.StatusCreated, nil)

	var mine []domain.Application
	srv.call(t, http.MethodGet, "/v1/applications/mine", nil, alice, http.StatusOK, &mine)
	require.Len(t, mine, 1)

	var out WithdrawnResponse
	srv.call(t, http.MethodDelete, "/v1/applications/"+g.ID+"/withdraw", nil, alice, http.StatusOK, &out)
	assert.Equal(t, WithdrawnResponse{GigID: g.ID, Status: "withdrawn"}, out)
	srv.expectError(t, http.MethodDelete, "/v1/applications/"+g.ID+"/withdraw", nil, alice, http.StatusNotFound, "not_found")
}
