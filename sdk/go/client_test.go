package giglinesdk

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyPaymentSendsProof(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/applications/gig-1/accept", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"application":{"id":"app-1","status":"accepted"},"payment":{"id":"pay-1","status":"completed","amount":900}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	res, err := c.VerifyPayment(context.Background(), "gig-1", "alice", PaymentProof{
		OrderID: "order_1", PaymentID: "pay_1", Signature: "sig", AgreedAmount: 900,
	})
	require.NoError(t, err)
	assert.Equal(t, "accepted", res.Application.Status)
	require.NotNil(t, res.Payment)
	assert.Equal(t, int64(900), res.Payment.Amount)

	assert.Equal(t, "verify_payment", got["action"])
	assert.Equal(t, "order_1", got["order_id"])
	assert.Equal(t, float64(900), got["agreed_amount"])
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":{"code":"insufficient_balance","message":"withdrawal exceeds wallet balance"}}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "key"
	_, err := c.RequestWithdrawal(context.Background(), 5000, Payout{Method: "upi", UPIID: "a@b"})
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "insufficient_balance", apiErr.Code)
}
