package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archerline/bridge"
	"github.com/archerline/bridge/shared"
)

func newTestClient(t *testing.T, url string) *Client {
	t.Helper()
	client, err := NewClient(shared.NewNopLogger(), url, "test-token")
	require.NoError(t, err)
	return client
}

func TestClientStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		is     error
	}{
		{name: "Not found", status: http.StatusNotFound, is: shared.ErrNotFound},
		{name: "Conflict", status: http.StatusConflict, is: shared.ErrRejected},
		{name: "Unprocessable", status: http.StatusUnprocessableEntity, is: shared.ErrRejected},
		{name: "Server error", status: http.StatusInternalServerError, is: shared.ErrCollaboratorUnavailable},
		{name: "Bad gateway", status: http.StatusBadGateway, is: shared.ErrCollaboratorUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			client := newTestClient(t, srv.URL)
			err := client.do(context.Background(), http.MethodPost, "/verify", map[string]string{}, nil)
			assert.ErrorIs(t, err, tt.is)
		})
	}
}

func TestClientUnreachableHost(t *testing.T) {
	client := newTestClient(t, "http://127.0.0.1:1")
	err := client.do(context.Background(), http.MethodGet, "/customers/x", nil, nil)
	assert.ErrorIs(t, err, shared.ErrCollaboratorUnavailable)
}

func TestClientSendsAuthAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-token", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verified":true,"customer_id":"cust_1","name":"Pat","balance":1250.5}`))
	}))
	defer srv.Close()

	verification := NewVerification(newTestClient(t, srv.URL))
	result, err := verification.Verify(context.Background(), verifyRequest{
		AccountLast4: "1234",
		PostalCode:   "94107",
	})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "cust_1", result.CustomerId)
	assert.Equal(t, 1250.5, result.Balance)
}

func TestVerifyNotFoundMeansUnverified(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	verification := NewVerification(newTestClient(t, srv.URL))
	result, err := verification.Verify(context.Background(), verifyRequest{AccountLast4: "0000", PostalCode: "00000"})
	require.NoError(t, err)
	assert.False(t, result.Verified)
}

func TestVerifyToolInjectsCustomerRefAndUpdatesSession(t *testing.T) {
	var received verifyRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"verified":true,"customer_id":"cust_9","name":"Sam","balance":300,"days_overdue":45}`))
	}))
	defer srv.Close()

	tool := NewVerification(newTestClient(t, srv.URL)).Tool()
	sess, err := bridge.NewSession(shared.NewNopLogger(), "CA50", "ref-50", "inbound")
	require.NoError(t, err)

	out, err := tool.Run(context.Background(), sess, []byte(`{"account_last4":"1234","postal_code":"94107"}`))
	require.NoError(t, err)

	assert.Equal(t, "ref-50", received.CustomerRef, "session ref rides along")
	result := out.(*VerifyResult)
	assert.True(t, result.Verified)
	assert.Equal(t, "Sam", sess.Customer.Name, "verified identity lands on the session")
	assert.Equal(t, 45, sess.Customer.DaysOverdue)
}

func TestPaymentToolInjectsCallId(t *testing.T) {
	var received paymentRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"confirmation_number":"PAY-77","next_due_date":"2026-10-01"}`))
	}))
	defer srv.Close()

	tool := NewPayments(newTestClient(t, srv.URL)).Tool()
	sess, err := bridge.NewSession(shared.NewNopLogger(), "CA51", "ref-51", "inbound")
	require.NoError(t, err)

	out, err := tool.Run(context.Background(), sess, []byte(`{"customer_id":"cust_9","payment_type":"settlement","amount":180}`))
	require.NoError(t, err)

	assert.Equal(t, "CA51", received.CallId)
	assert.Equal(t, "settlement", received.PaymentType)
	result := out.(*PaymentResult)
	assert.Equal(t, "PAY-77", result.ConfirmationNumber)
}

func TestPaymentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"reason":"amount below minimum"}`))
	}))
	defer srv.Close()

	payments := NewPayments(newTestClient(t, srv.URL))
	_, err := payments.RecordPayment(context.Background(), paymentRequest{CustomerId: "cust_1", Amount: 1})
	assert.ErrorIs(t, err, shared.ErrRejected)
}

func TestCallRecordsFinalize(t *testing.T) {
	var path string
	var received finalizeCallRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&received))
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	records := NewCallRecords(newTestClient(t, srv.URL))
	err := records.FinalizeCall(context.Background(), "CA60", 83*time.Second, "completed", []bridge.ToolCallRecord{
		{Tool: "verify_account", Token: "call_1"},
	})
	require.NoError(t, err)

	assert.Equal(t, "/calls/CA60/finalize", path)
	assert.Equal(t, 83, received.DurationSeconds)
	assert.Equal(t, "completed", received.Outcome)
	require.Len(t, received.ToolLog, 1)
	assert.Equal(t, "verify_account", received.ToolLog[0].Tool)
}

func TestCallRecordsCustomer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/customers/ref-9", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"customer_id":"cust_9","name":"Sam","phone":"+15550100","balance":300,"days_overdue":45}`))
	}))
	defer srv.Close()

	records := NewCallRecords(newTestClient(t, srv.URL))
	customer, err := records.Customer(context.Background(), "ref-9")
	require.NoError(t, err)
	assert.Equal(t, "Sam", customer.Name)
	assert.Equal(t, 45, customer.DaysOverdue)
}

func TestNewClientRejectsBadURL(t *testing.T) {
	_, err := NewClient(shared.NewNopLogger(), "not a url", "")
	assert.Error(t, err)
}
