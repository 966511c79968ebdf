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

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"vaultlend/config"
	"vaultlend/core/events"
	"vaultlend/crypto"
	"vaultlend/services/lendingd/eventlog"
	"vaultlend/services/lendingd/node"
	"vaultlend/storage"
)

var (
	manager = crypto.DeriveAddress([]byte("manager"))
	alice   = crypto.DeriveAddress([]byte("alice"))
	keeper  = crypto.DeriveAddress([]byte("keeper"))
	secret  = strings.Repeat("k", 32)
)

func genesisFor(t *testing.T) *config.Genesis {
	t.Helper()
	g, err := config.Parse(fmt.Sprintf(`
[[Assets]]
Symbol = "USDX"
Decimals = 6

[[Assets]]
Symbol = "ETHX"
Decimals = 6

[[Balances]]
Account = "%[1]s"
Asset = "USDX"
Amount = "100000"

[[Balances]]
Account = "%[2]s"
Asset = "ETHX"
Amount = "10"

[[Balances]]
Account = "%[2]s"
Asset = "USDX"
Amount = "100"

[[Prices]]
Asset = "USDX"
Price = "1"

[[Prices]]
Asset = "ETHX"
Price = "2000"

[[Strategies]]
ID = 1
Name = "dex"
Keeper = "%[3]s"

[[Markets]]
Manager = "%[1]s"
Collateral = "ETHX"
Borrow = "USDX"
CollateralFactor = "0.5"
WarningThreshold = "0.7"
Liquidators = [1]
InitialStake = "50000"

[Markets.Rate]
Base = "0.1"
SlopeBelowKink = "0"
SlopeAboveKink = "0"
Kink = "1"
`, manager, alice, keeper))
	require.NoError(t, err)
	return g
}

type harness struct {
	t    *testing.T
	node *node.Node
	srv  *httptest.Server
	auth bool
}

func newHarness(t *testing.T, opts Options) *harness {
	t.Helper()
	var n *node.Node
	nodeOpts := node.Options{Now: func() time.Time { return time.Unix(1_700_000_000, 0) }}
	height := func() uint64 {
		if n == nil {
			return 0
		}
		return n.Height()
	}
	var fanout events.Fanout
	if opts.Events != nil {
		fanout = append(fanout, opts.Events.Emitter(height, nil))
	}
	if opts.Stream != nil {
		fanout = append(fanout, opts.Stream)
	}
	nodeOpts.Emitter = fanout
	var err error
	n, err = node.New(storage.NewMemDB(), genesisFor(t), nodeOpts)
	require.NoError(t, err)
	return startHarness(t, n, opts)
}

func startHarness(t *testing.T, n *node.Node, opts Options) *harness {
	t.Helper()
	if opts.KeeperScope == "" {
		opts.KeeperScope = "lending:keeper"
	}
	if opts.OracleScope == "" {
		opts.OracleScope = "lending:oracle"
	}
	if opts.AdminScope == "" {
		opts.AdminScope = "lending:admin"
	}
	srv := httptest.NewServer(New(n, opts).Handler())
	t.Cleanup(srv.Close)
	_, err := n.ProduceBlock()
	require.NoError(t, err)
	return &harness{t: t, node: n, srv: srv, auth: opts.Auth.Enabled}
}

func (h *harness) token(who crypto.Address, scopes ...string) string {
	h.t.Helper()
	tok, err := IssueToken([]byte(secret), TokenRequest{Subject: who, Scopes: scopes, TTL: time.Hour})
	require.NoError(h.t, err)
	return tok
}

func (h *harness) do(method, path string, who *crypto.Address, body interface{}, scopes ...string) (int, map[string]interface{}) {
	h.t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(h.t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, h.srv.URL+path, &buf)
	require.NoError(h.t, err)
	if who != nil {
		if h.auth {
			req.Header.Set("Authorization", "Bearer "+h.token(*who, scopes...))
		} else {
			req.Header.Set(DevAccountHeader, who.String())
		}
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(h.t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp.StatusCode, out
}

func TestHealthz(t *testing.T) {
	h := newHarness(t, Options{})
	status, body := h.do(http.MethodGet, "/healthz", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "ok", body["status"])
	require.EqualValues(t, 1, body["height"])
}

func TestBorrowFlow(t *testing.T) {
	h := newHarness(t, Options{})

	status, body := h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "10000000"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(http.MethodPost, "/v1/markets/1/borrow", &alice, amountRequest{Amount: "1000000000"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(http.MethodGet, "/v1/markets/1/accounts/"+alice.String(), nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000000000", body["debt"])
	require.Equal(t, "10000000", body["collateral"])
	require.Equal(t, true, body["solvent"])

	status, body = h.do(http.MethodPost, "/v1/markets/1/repay", &alice, repayRequest{})
	require.Equal(t, http.StatusConflict, status, body)
	require.Contains(t, body["error"], "same block")

	_, err := h.node.ProduceBlock()
	require.NoError(t, err)
	status, body = h.do(http.MethodPost, "/v1/markets/1/repay", &alice, repayRequest{Amount: "500000000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "500000000", body["repaid"])
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t, Options{})

	status, _ := h.do(http.MethodPost, "/v1/markets/1/borrow", nil, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, _ = h.do(http.MethodPost, "/v1/markets/9/collateral", &alice, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "0"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, map[string]string{"amount": "1", "bogus": "x"})
	require.Equal(t, http.StatusBadRequest, status)

	status, _ = h.do(http.MethodPost, "/v1/markets/1/borrow", &alice, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusConflict, status, "borrow without collateral")
}

func TestCreateAndUpdateMarket(t *testing.T) {
	h := newHarness(t, Options{})
	req := createMarketRequest{
		CollateralAsset:  "USDX",
		BorrowAsset:      "ETHX",
		CollateralFactor: "0.6",
		WarningThreshold: "0.8",
		Liquidators:      []uint32{1},
		InitialStake:     "1",
		Rate:             rateRequest{Base: "0.05", SlopeBelowKink: "0", SlopeAboveKink: "0", Kink: "1"},
	}
	status, body := h.do(http.MethodPost, "/v1/markets", &alice, req)
	require.Equal(t, http.StatusOK, status, body)
	require.EqualValues(t, 2, body["id"])

	status, body = h.do(http.MethodGet, "/v1/markets/2", nil, nil)
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, "0.6", body["collateral_factor"])
	require.Equal(t, alice.String(), body["manager"])

	update := updateMarketRequest{CollateralFactor: "0.5", WarningThreshold: "0.8", Liquidators: []uint32{1}}
	status, _ = h.do(http.MethodPut, "/v1/markets/2", &manager, update)
	require.Equal(t, http.StatusForbidden, status)
	status, body = h.do(http.MethodPut, "/v1/markets/2", &alice, update)
	require.Equal(t, http.StatusOK, status, body)

	req.CollateralFactor = "0.60001"
	status, _ = h.do(http.MethodPost, "/v1/markets", &alice, req)
	require.Equal(t, http.StatusBadRequest, status)
}

func TestAuthenticatedRoutes(t *testing.T) {
	h := newHarness(t, Options{Auth: AuthConfig{Enabled: true, HMACSecret: secret}})

	status, _ := h.do(http.MethodPost, "/v1/markets/1/collateral", nil, amountRequest{Amount: "1"})
	require.Equal(t, http.StatusUnauthorized, status)

	status, body := h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "1000"})
	require.Equal(t, http.StatusOK, status, body)

	status, _ = h.do(http.MethodPost, "/v1/liquidations/"+uuid.NewString()+"/settle", &keeper, settleRequest{Proceeds: "0"})
	require.Equal(t, http.StatusForbidden, status, "keeper scope required")

	status, _ = h.do(http.MethodPost, "/v1/liquidations/"+uuid.NewString()+"/settle", &keeper, settleRequest{Proceeds: "0"}, "lending:keeper")
	require.Equal(t, http.StatusNotFound, status)

	status, _ = h.do(http.MethodPut, "/v1/prices/ETHX", &keeper, priceRequest{Value: "1"})
	require.Equal(t, http.StatusForbidden, status)
	status, body = h.do(http.MethodPut, "/v1/prices/ETHX", &keeper, priceRequest{Value: "1"}, "lending:oracle")
	require.Equal(t, http.StatusOK, status, body)

	req, err := http.NewRequest(http.MethodGet, h.srv.URL+"/v1/markets", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLiquidationThroughAPI(t *testing.T) {
	h := newHarness(t, Options{})
	status, body := h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "1000000"})
	require.Equal(t, http.StatusOK, status, body)
	status, body = h.do(http.MethodPost, "/v1/markets/1/borrow", &alice, amountRequest{Amount: "900000000"})
	require.Equal(t, http.StatusOK, status, body)

	// ETHX halves: 1 ETHX of collateral now backs 500 against a 900 debt.
	status, body = h.do(http.MethodPut, "/v1/prices/ETHX", &keeper, priceRequest{Value: "1000000000000000000000000"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(http.MethodPost, "/v1/markets/1/liquidate", &keeper, liquidateRequest{Borrowers: []string{alice.String()}})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, []interface{}{alice.String()}, body["liquidated"])

	resp, err := http.Get(h.srv.URL + "/v1/liquidations")
	require.NoError(t, err)
	var orders []orderJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&orders))
	resp.Body.Close()
	require.Len(t, orders, 1)
	require.Equal(t, "1000000", orders[0].CollateralAmount)
}

func TestSupplyAndPause(t *testing.T) {
	h := newHarness(t, Options{})
	status, body := h.do(http.MethodPost, "/v1/markets/1/supply", &alice, amountRequest{Amount: "100000000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "100000000", body["shares"])

	status, body = h.do(http.MethodPut, "/v1/admin/pauses/lending", &manager, pauseRequest{Paused: true})
	require.Equal(t, http.StatusOK, status, body)
	status, _ = h.do(http.MethodPost, "/v1/markets/1/supply/withdraw", &alice, amountRequest{Amount: "100000000"})
	require.Equal(t, http.StatusServiceUnavailable, status)

	status, _ = h.do(http.MethodPut, "/v1/admin/pauses/lending", &manager, pauseRequest{Paused: false})
	require.Equal(t, http.StatusOK, status)
	status, body = h.do(http.MethodPost, "/v1/markets/1/supply/withdraw", &alice, amountRequest{Amount: "100000000"})
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "100000000", body["amount"])
}

func TestManagerStakeIsLocked(t *testing.T) {
	h := newHarness(t, Options{})
	status, body := h.do(http.MethodPost, "/v1/markets/1/supply/withdraw", &manager, amountRequest{Amount: "50000000000"})
	require.Equal(t, http.StatusConflict, status, body)

	status, body = h.do(http.MethodGet, "/v1/markets/1/stats", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, Options{RateLimit: RateLimit{RequestsPerMinute: 1, Burst: 1}})
	status, _ := h.do(http.MethodGet, "/v1/markets/1", nil, nil)
	require.Equal(t, http.StatusOK, status)
	status, _ = h.do(http.MethodGet, "/v1/markets/1", nil, nil)
	require.Equal(t, http.StatusTooManyRequests, status)
}

func TestEventsRoute(t *testing.T) {
	h := newHarness(t, Options{})
	status, _ := h.do(http.MethodGet, "/v1/events", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	store, err := eventlog.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h = newHarness(t, Options{Events: store})
	status, body := h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "5"})
	require.Equal(t, http.StatusOK, status, body)

	resp, err := http.Get(h.srv.URL + "/v1/events?type=lending.collateralDeposited")
	require.NoError(t, err)
	defer resp.Body.Close()
	var archived []eventJSON
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&archived))
	require.Len(t, archived, 1)
	require.Equal(t, alice.String(), archived[0].Account)
	require.EqualValues(t, 1, archived[0].Height)
}

func TestEventStreamReplaysBacklogThenLive(t *testing.T) {
	h := newHarness(t, Options{})
	status, _ := h.do(http.MethodGet, "/v1/events/stream", nil, nil)
	require.Equal(t, http.StatusNotFound, status)

	store, err := eventlog.Open("sqlite", fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	h = newHarness(t, Options{Events: store, Stream: eventlog.NewBroker(nil)})
	status, body := h.do(http.MethodPost, "/v1/markets/1/collateral", &alice, amountRequest{Amount: "5"})
	require.Equal(t, http.StatusOK, status, body)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/v1/events/stream?from_height=1&account=" + alice.String()
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	require.NoError(t, err)
	defer conn.Close(websocket.StatusNormalClosure, "done")

	read := func() eventlog.Message {
		_, data, err := conn.Read(ctx)
		require.NoError(t, err)
		var msg eventlog.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		return msg
	}
	backlog := read()
	require.Equal(t, events.TypeLendingCollateralDeposited, backlog.Type)
	require.Equal(t, "5", backlog.Attributes["amount"])

	status, body = h.do(http.MethodPost, "/v1/markets/1/collateral/withdraw", &alice, amountRequest{Amount: "2"})
	require.Equal(t, http.StatusOK, status, body)
	live := read()
	require.Equal(t, events.TypeLendingCollateralWithdrawn, live.Type)
	require.Equal(t, alice.String(), live.Account)
	require.Equal(t, "2", live.Attributes["amount"])
}

func TestPriceRouteReportsSpotAndTWAP(t *testing.T) {
	h := newHarness(t, Options{})
	status, body := h.do(http.MethodGet, "/v1/prices/ETHX", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "2000000000000000000000000", body["value"])
	require.NotContains(t, body, "twap")

	status, body = h.do(http.MethodPut, "/v1/prices/ETHX", &keeper, priceRequest{Value: "1000000000000000000000000"})
	require.Equal(t, http.StatusOK, status, body)

	status, body = h.do(http.MethodGet, "/v1/prices/ETHX?weights=3,1", nil, nil)
	require.Equal(t, http.StatusOK, status, body)
	require.Equal(t, "1000000000000000000000000", body["value"])
	require.EqualValues(t, 1, body["block"])
	require.Equal(t, "1250000000000000000000000", body["twap"])

	for _, weights := range []string{"1,1,1", "0,0", "x"} {
		status, body = h.do(http.MethodGet, "/v1/prices/ETHX?weights="+weights, nil, nil)
		require.Equal(t, http.StatusBadRequest, status, weights, body)
	}
	status, _ = h.do(http.MethodGet, "/v1/prices/NOPE", nil, nil)
	require.Equal(t, http.StatusNotFound, status)
}
