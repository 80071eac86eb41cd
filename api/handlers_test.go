package api_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olympay/loyalty-engine/api"
	"github.com/olympay/loyalty-engine/loyalty"
	"github.com/olympay/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()
	ledger := loyalty.NewLedger(store.NewMemory())
	srv := httptest.NewServer(api.NewRouter(api.NewHandler(ledger)))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var out T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

// =============================================================================
// LEDGER ENDPOINTS
// =============================================================================

func TestAwardEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/loyalty/award", api.AwardRequest{
		WalletAddress: "wallet-1", Amount: 100, RedemptionID: "r1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decodeBody[api.AwardResponse](t, resp)
	assert.True(t, body.OK)
	assert.Equal(t, int64(100), body.Awarded)
	assert.Equal(t, int64(100), body.Balance.Spendable)

	// Replay returns 200 with a zero-effect result, not an error.
	resp = postJSON(t, srv.URL+"/api/loyalty/award", api.AwardRequest{
		WalletAddress: "wallet-1", Amount: 100, RedemptionID: "r1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[api.AwardResponse](t, resp)
	assert.Equal(t, int64(0), body.Awarded)
	assert.Equal(t, int64(100), body.Balance.Spendable)
}

func TestAwardEndpoint_Validation(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/loyalty/award", api.AwardRequest{
		Amount: 100, RedemptionID: "r1", // missing wallet
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSpendEndpoint_WithTopupMatch(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/admin/topups", api.TopupRequest{
		WalletAddress: "wallet-1", Amount: 40,
		UnlockAt: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	topup := decodeBody[api.TopupResponse](t, resp)
	assert.NotEmpty(t, topup.BatchID)

	// 2 USD at rate 10 = 20 points; matches 20 of the 40 pending.
	resp = postJSON(t, srv.URL+"/api/loyalty/spend", api.SpendRequest{
		WalletAddress: "wallet-1", AmountUSD: "2", OrderID: "o1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.SpendResponse](t, resp)
	assert.Equal(t, int64(20), body.MatchedFromTopup)
	assert.Equal(t, int64(40), body.Balance.Spendable)
	assert.Equal(t, int64(20), body.Balance.Pending)
}

func TestSpendEndpoint_BadAmount(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/loyalty/spend", api.SpendRequest{
		WalletAddress: "wallet-1", AmountUSD: "not-a-number",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestWithdrawEndpoint(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/admin/topups", api.TopupRequest{
		WalletAddress: "wallet-1", Amount: 30,
		UnlockAt: time.Now().UTC().Add(time.Hour).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/loyalty/withdraw", api.WithdrawRequest{
		WalletAddress: "wallet-1", AmountUSD: "100", WithdrawID: "wd1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.WithdrawResponse](t, resp)
	assert.Equal(t, int64(30), body.Withdrawn, "capped at total pending")
	assert.Equal(t, int64(0), body.Balance.Pending)
}

func TestBalanceAndEventsEndpoints(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/loyalty/award", api.AwardRequest{
		WalletAddress: "wallet-1", Amount: 55, RedemptionID: "r1",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	getResp, err := http.Get(fmt.Sprintf("%s/api/loyalty/%s/balance", srv.URL, "wallet-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	bal := decodeBody[api.BalanceDTO](t, getResp)
	assert.Equal(t, int64(55), bal.Spendable)

	// Unknown wallet reads as all-zero, not 404.
	getResp, err = http.Get(fmt.Sprintf("%s/api/loyalty/%s/balance", srv.URL, "nobody"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	bal = decodeBody[api.BalanceDTO](t, getResp)
	assert.Equal(t, int64(0), bal.Spendable)

	getResp, err = http.Get(fmt.Sprintf("%s/api/loyalty/%s/events", srv.URL, "wallet-1"))
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, getResp.StatusCode)
	events := decodeBody[[]api.EventDTO](t, getResp)
	require.Len(t, events, 1)
	assert.Equal(t, "AWARD", events[0].Type)
	assert.Equal(t, int64(55), events[0].Amount)
}

// =============================================================================
// ADMIN ENDPOINTS
// =============================================================================

func TestReleaseEndpoint(t *testing.T) {
	srv := newTestServer(t)

	// Already-due batch: unlock time in the past.
	resp := postJSON(t, srv.URL+"/api/admin/topups", api.TopupRequest{
		WalletAddress: "wallet-1", Amount: 25,
		UnlockAt: time.Now().UTC().Add(-time.Minute).Format(time.RFC3339),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	resp.Body.Close()

	resp = postJSON(t, srv.URL+"/api/admin/release", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decodeBody[api.ReleaseResponse](t, resp)
	assert.True(t, body.OK)
	assert.Equal(t, 1, body.Processed)
	assert.Equal(t, int64(25), body.ReleasedTotal)

	// Second sweep finds nothing.
	resp = postJSON(t, srv.URL+"/api/admin/release", struct{}{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body = decodeBody[api.ReleaseResponse](t, resp)
	assert.Equal(t, 0, body.Processed)
}

func TestTopupEndpoint_BadUnlockAt(t *testing.T) {
	srv := newTestServer(t)

	resp := postJSON(t, srv.URL+"/api/admin/topups", api.TopupRequest{
		WalletAddress: "wallet-1", Amount: 25, UnlockAt: "yesterday",
	})
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
