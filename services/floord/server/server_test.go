package server

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"floorlend/config"
	floorstate "floorlend/core/state"
	"floorlend/crypto"
	"floorlend/native/amm"
	"floorlend/native/bank"
	"floorlend/native/lending"
	"floorlend/native/market"
	"floorlend/services/floord/auth"
	"floorlend/storage"
)

const (
	adminToken = "secret"
	year       = 31_536_000 * time.Second
)

// account is a key holder that signs its own requests.
type account struct {
	key  *crypto.PrivateKey
	addr crypto.Address
}

func testAccount(name string) *account {
	seed := sha256.Sum256([]byte("floord-test/" + name))
	key, err := crypto.PrivateKeyFromBytes(seed[:])
	if err != nil {
		panic(err)
	}
	return &account{key: key, addr: key.PubKey().Address()}
}

func (a *account) String() string { return a.addr.String() }

var (
	funder   = testAccount("funder")
	lender   = testAccount("lender")
	borrower = testAccount("borrower")
	keeper   = testAccount("keeper")
	thief    = testAccount("thief")
	treasury = crypto.DeriveModuleAddress("floord-test/treasury")
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testEnv struct {
	srv     *Server
	handler http.Handler
	clock   *testClock
	state   *floorstate.Manager
}

func newTestEnv(t *testing.T, limit RateLimit) *testEnv {
	t.Helper()
	manager := floorstate.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(manager)
	registry, err := market.NewRegistry(manager, ledger, market.Options{
		Quote:         "USD",
		InterestModel: lending.NewInterestModel(2.0, 0, 0, 0.8),
	})
	require.NoError(t, err)
	clock := &testClock{now: time.Unix(1_700_000_000, 0)}
	srv, err := New(Config{
		ListenAddress: ":0",
		State:         manager,
		Bank:          ledger,
		Registry:      registry,
		Logger:        slog.New(slog.NewJSONHandler(io.Discard, nil)),
		APITokens:     []string{adminToken},
		RateLimit:     limit,
		Now:           clock.Now,
	})
	require.NoError(t, err)
	return &testEnv{srv: srv, handler: srv.Handler(), clock: clock, state: manager}
}

// newLaunchedEnv applies a genesis with 1.1M FLR, 1M of it seeded against
// 1M USD, and a lender supplying 1M USD at a flat 200% APR.
func newLaunchedEnv(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, RateLimit{RequestsPerSecond: 1_000, Burst: 1_000})
	plan := &config.GenesisPlan{
		Funder: funder.addr,
		Balances: []config.Allocation{
			{Address: funder.addr, Amount: big.NewInt(1_000_000)},
			{Address: lender.addr, Amount: big.NewInt(1_000_000)},
		},
		Supply: []config.Allocation{{Address: lender.addr, Amount: big.NewInt(1_000_000)}},
		Launches: []market.LaunchParams{{
			Symbol:   "FLR",
			Name:     "Floor",
			Decimals: 18,
			Supply:   big.NewInt(1_100_000),
			Pool: market.PoolParams{
				ID:          "flr",
				TokenAmount: big.NewInt(1_000_000),
				QuoteAmount: big.NewInt(1_000_000),
				StartFeeBps: 30,
				EndFeeBps:   30,
				Treasury:    treasury,
			},
		}},
	}
	require.False(t, env.srv.Bootstrapped())
	require.NoError(t, env.srv.ApplyGenesis(config.QuoteConfig{Asset: "USD", Name: "Dollar", Decimals: 6}, plan))
	require.True(t, env.srv.Bootstrapped())
	return env
}

func encodeBody(t *testing.T, body any) []byte {
	t.Helper()
	if body == nil {
		return nil
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return raw
}

// sign returns a bearer token from as for exactly this request.
func (env *testEnv) sign(t *testing.T, as *account, method, path string, raw []byte) string {
	t.Helper()
	token, err := auth.Issue(as.key, method, path, raw, env.clock.Now())
	require.NoError(t, err)
	return token
}

func (env *testEnv) send(method, path string, raw []byte, token, apiKey string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(raw))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if apiKey != "" {
		req.Header.Set(HeaderAPIKey, apiKey)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	return rec
}

// do sends body signed by as, when as is set, and with the admin key, when
// apiKey is set.
func (env *testEnv) do(t *testing.T, method, path string, body any, as *account, apiKey string) *httptest.ResponseRecorder {
	t.Helper()
	raw := encodeBody(t, body)
	token := ""
	if as != nil {
		token = env.sign(t, as, method, path, raw)
	}
	return env.send(method, path, raw, token, apiKey)
}

func (env *testEnv) post(t *testing.T, path string, body any, as *account) map[string]string {
	t.Helper()
	rec := env.do(t, http.MethodPost, path, body, as, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("POST %s: status %d body %s", path, rec.Code, rec.Body.String())
	}
	var resp txResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp.Result
}

func (env *testEnv) get(t *testing.T, path string, out any) {
	t.Helper()
	rec := env.do(t, http.MethodGet, path, nil, nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("GET %s: status %d body %s", path, rec.Code, rec.Body.String())
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out))
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var resp errorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestRecoveryOverHTTP(t *testing.T) {
	env := newLaunchedEnv(t)

	var pool poolView
	env.get(t, "/v1/pools/flr", &pool)
	require.Equal(t, "FLR", pool.Token)
	require.Equal(t, "USD", pool.Quote)
	require.True(t, pool.Lending)
	require.Equal(t, "1100000", pool.TokenSupply)
	require.Equal(t, "902077839410748385", pool.PMin)

	env.post(t, "/v1/transfer", map[string]string{
		"asset": "flr", "from": funder.String(), "to": borrower.String(), "amount": "100000",
	}, funder)
	env.post(t, "/v1/pools/flr/collateral/deposit", map[string]string{
		"account": borrower.String(), "amount": "100000",
	}, borrower)

	var pos positionView
	env.get(t, "/v1/pools/flr/positions/"+borrower.String(), &pos)
	require.Equal(t, "90207", pos.BorrowCapacity)
	require.True(t, pos.Healthy)

	env.post(t, "/v1/pools/flr/borrow", map[string]string{
		"account": borrower.String(), "amount": "45103",
	}, borrower)

	env.clock.Advance(year)
	env.get(t, "/v1/pools/flr/positions/"+borrower.String(), &pos)
	require.Equal(t, "135309", pos.Debt)
	require.False(t, pos.Healthy)

	rec := env.do(t, http.MethodPost, "/v1/pools/flr/recover", map[string]string{
		"caller": keeper.String(), "account": borrower.String(),
	}, keeper, "")
	require.Equal(t, http.StatusConflict, rec.Code)

	env.post(t, "/v1/pools/flr/mark", map[string]string{
		"caller": keeper.String(), "account": borrower.String(),
	}, keeper)
	env.clock.Advance(72 * time.Hour)
	// An omitted caller is the signer.
	result := env.post(t, "/v1/pools/flr/recover", map[string]string{
		"account": borrower.String(),
	}, keeper)
	require.Equal(t, "100000", result["collateral"])
	require.Equal(t, "90661", result["proceeds"])
	require.Equal(t, "453", result["bounty"])
	require.Equal(t, "90208", result["repaid"])
	require.Equal(t, "47326", result["shortfall"])
	require.Equal(t, "0", result["refund"])

	rec = env.do(t, http.MethodGet, "/v1/pools/flr/positions/"+borrower.String(), nil, nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	env.get(t, "/v1/pools/flr", &pool)
	require.Equal(t, "1100000", pool.TokenReserve)
	require.Equal(t, "909339", pool.QuoteReserve)

	var liquidity liquidityView
	env.get(t, "/v1/liquidity", &liquidity)
	require.Equal(t, "47326", liquidity.BadDebt)
	require.Equal(t, "0", liquidity.TotalBorrows)
	require.Empty(t, liquidity.Borrowers)

	var balances struct {
		Balances map[string]string `json:"balances"`
	}
	env.get(t, "/v1/balances/"+keeper.String(), &balances)
	require.Equal(t, "453", balances.Balances["USD"])
	require.Equal(t, "0", balances.Balances["FLR"])
}

func TestErrorStatusMapping(t *testing.T) {
	env := newLaunchedEnv(t)

	rec := env.do(t, http.MethodGet, "/v1/pools/nope", nil, nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "not_found", decodeError(t, rec).Reason)

	rec = env.do(t, http.MethodPost, "/v1/pools/flr/borrow", map[string]string{
		"account": borrower.String(), "amount": "lots",
	}, borrower, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/pools/flr/borrow", map[string]string{
		"account": borrower.String(), "amount": "1", "memo": "x",
	}, borrower, "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	env.post(t, "/v1/transfer", map[string]string{
		"asset": "FLR", "from": funder.String(), "to": borrower.String(), "amount": "100000",
	}, funder)
	env.post(t, "/v1/pools/flr/collateral/deposit", map[string]string{
		"account": borrower.String(), "amount": "100000",
	}, borrower)
	rec = env.do(t, http.MethodPost, "/v1/pools/flr/borrow", map[string]string{
		"account": borrower.String(), "amount": "90208",
	}, borrower, "")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	resp := decodeError(t, rec)
	require.Equal(t, "limit", resp.Reason)
	require.NotEmpty(t, resp.RequestID)

	rec = env.do(t, http.MethodGet, "/v1/quote", nil, nil, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/v1/pools/flr/quote?asset=usd&amount=1000", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestTransactionsRequireSignedCaller(t *testing.T) {
	env := newLaunchedEnv(t)
	drain := func(from crypto.Address) map[string]string {
		return map[string]string{"asset": "USD", "from": from.String(), "to": thief.String(), "amount": "1000"}
	}

	rec := env.do(t, http.MethodPost, "/v1/transfer", drain(funder.addr), nil, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Equal(t, "unauthenticated", decodeError(t, rec).Reason)

	// No key controls a module account, whoever signs.
	m, err := env.srv.registry.Get("flr")
	require.NoError(t, err)
	for _, module := range []crypto.Address{amm.PoolAddress("flr"), m.Harvester.Address(), m.Ledger.Address(), env.srv.registry.Liquidity().Address()} {
		rec = env.do(t, http.MethodPost, "/v1/transfer", drain(module), thief, "")
		require.Equal(t, http.StatusForbidden, rec.Code, module.String())
		require.Equal(t, "authorization", decodeError(t, rec).Reason)
	}

	rec = env.do(t, http.MethodPost, "/v1/transfer", drain(funder.addr), thief, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/pools/flr/swap", map[string]string{
		"trader": lender.String(), "asset_in": "USD", "amount_in": "1000",
	}, thief, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/liquidity/withdraw", map[string]string{
		"owner": lender.String(), "shares": "1000",
	}, thief, "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	var balances struct {
		Balances map[string]string `json:"balances"`
	}
	env.get(t, "/v1/balances/"+thief.String(), &balances)
	require.Equal(t, "0", balances.Balances["USD"])
	require.Equal(t, "0", balances.Balances["FLR"])
}

func TestSignedTokensAreSingleUseAndBound(t *testing.T) {
	env := newLaunchedEnv(t)
	raw := encodeBody(t, map[string]string{"asset": "FLR", "to": borrower.String(), "amount": "10"})
	token := env.sign(t, funder, http.MethodPost, "/v1/transfer", raw)

	rec := env.send(http.MethodPost, "/v1/transfer", raw, token, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = env.send(http.MethodPost, "/v1/transfer", raw, token, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token = env.sign(t, funder, http.MethodPost, "/v1/transfer", raw)
	tampered := encodeBody(t, map[string]string{"asset": "FLR", "to": thief.String(), "amount": "10"})
	rec = env.send(http.MethodPost, "/v1/transfer", tampered, token, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	token = env.sign(t, funder, http.MethodPost, "/v1/transfer", raw)
	env.clock.Advance(time.Hour)
	rec = env.send(http.MethodPost, "/v1/transfer", raw, token, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	var balances struct {
		Balances map[string]string `json:"balances"`
	}
	env.get(t, "/v1/balances/"+borrower.String(), &balances)
	require.Equal(t, "10", balances.Balances["FLR"])
}

func TestAdminRoutesRequireToken(t *testing.T) {
	env := newLaunchedEnv(t)
	pause := map[string]any{"module": "amm", "paused": true}

	rec := env.do(t, http.MethodPost, "/v1/admin/pause", pause, funder, "")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/admin/pause", pause, funder, "wrong")
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/admin/pause", pause, nil, adminToken)
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/admin/pause", pause, funder, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)

	swap := map[string]string{"trader": lender.String(), "asset_in": "USD", "amount_in": "1000"}
	rec = env.do(t, http.MethodPost, "/v1/pools/flr/swap", swap, lender, "")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	require.Equal(t, "paused", decodeError(t, rec).Reason)

	pause["paused"] = false
	rec = env.do(t, http.MethodPost, "/v1/admin/pause", pause, funder, adminToken)
	require.Equal(t, http.StatusOK, rec.Code)
	result := env.post(t, "/v1/pools/flr/swap", swap, lender)
	require.NotEmpty(t, result["amount_out"])
}

func TestAdminLaunchesToken(t *testing.T) {
	env := newLaunchedEnv(t)
	body := map[string]any{
		"funder": funder.String(),
		"symbol": "gld",
		"name":   "Gold",
		"supply": "500000",
		"pool": map[string]any{
			"id":            "gold",
			"token_amount":  "400000",
			"quote_amount":  "200000",
			"start_fee_bps": 100,
			"end_fee_bps":   30,
			"decay_target":  "50000",
			"treasury":      treasury.String(),
		},
	}
	// The funder spent its USD seeding the first pool.
	rec := env.do(t, http.MethodPost, "/v1/admin/launch", body, funder, adminToken)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	// Only the funder may sign for its own funds.
	rec = env.do(t, http.MethodPost, "/v1/admin/launch", body, lender, adminToken)
	require.Equal(t, http.StatusForbidden, rec.Code)

	redeemed := env.post(t, "/v1/liquidity/withdraw", map[string]string{
		"owner": lender.String(), "shares": "200000",
	}, lender)
	require.Equal(t, "200000", redeemed["amount"])
	env.post(t, "/v1/transfer", map[string]string{
		"asset": "USD", "from": lender.String(), "to": funder.String(), "amount": "200000",
	}, lender)

	rec = env.do(t, http.MethodPost, "/v1/admin/launch", body, funder, adminToken)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var pools struct {
		Pools []poolView `json:"pools"`
	}
	env.get(t, "/v1/pools", &pools)
	require.Len(t, pools.Pools, 2)
	require.Equal(t, "flr", pools.Pools[0].ID)
	require.Equal(t, "gold", pools.Pools[1].ID)
	require.Equal(t, "GLD", pools.Pools[1].Token)
	require.Equal(t, uint64(100), pools.Pools[1].FeeBps)
	require.True(t, pools.Pools[1].Lending)

	rec = env.do(t, http.MethodPost, "/v1/admin/pools/gold/lending", nil, funder, adminToken)
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/admin/launch", body, funder, adminToken)
	require.NotEqual(t, http.StatusOK, rec.Code)
}

func TestTransactionsAreRateLimited(t *testing.T) {
	env := newTestEnv(t, RateLimit{RequestsPerSecond: 0.001, Burst: 1})
	body := map[string]string{"account": borrower.String()}

	rec := env.do(t, http.MethodPost, "/v1/pools/flr/poke", body, keeper, "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	rec = env.do(t, http.MethodPost, "/v1/pools/flr/poke", body, keeper, "")
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	require.Equal(t, "rate_limited", decodeError(t, rec).Reason)

	// Views are not limited.
	rec = env.do(t, http.MethodGet, "/v1/pools", nil, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRequestIDIsEchoedOrGenerated(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	id := uuid.NewString()
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", id)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, id, rec.Header().Get("X-Request-ID"))

	req = httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	generated := rec.Header().Get("X-Request-ID")
	require.NotEqual(t, "not-a-uuid", generated)
	_, err := uuid.Parse(generated)
	require.NoError(t, err)
}

func TestGenesisAppliesOnce(t *testing.T) {
	env := newLaunchedEnv(t)
	err := env.srv.ApplyGenesis(config.QuoteConfig{Asset: "USD"}, nil)
	require.Error(t, err)

	var shares map[string]string
	env.get(t, "/v1/liquidity/shares/"+lender.String(), &shares)
	require.Equal(t, "1000000", shares["shares"])
}

func TestFailedGenesisLeavesNoMarkets(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	plan := &config.GenesisPlan{
		Funder:   funder.addr,
		Balances: []config.Allocation{{Address: funder.addr, Amount: big.NewInt(1_000_000)}},
		// The lender holds no quote, so supplying fails after the launch.
		Supply: []config.Allocation{{Address: lender.addr, Amount: big.NewInt(1)}},
		Launches: []market.LaunchParams{{
			Symbol: "FLR",
			Name:   "Floor",
			Supply: big.NewInt(1_100_000),
			Pool: market.PoolParams{
				ID:          "flr",
				TokenAmount: big.NewInt(1_000_000),
				QuoteAmount: big.NewInt(1_000_000),
				StartFeeBps: 30,
				EndFeeBps:   30,
				Treasury:    treasury,
			},
		}},
	}
	err := env.srv.ApplyGenesis(config.QuoteConfig{Asset: "USD", Name: "Dollar", Decimals: 6}, plan)
	require.ErrorIs(t, err, bank.ErrInsufficientBalance)
	require.False(t, env.srv.Bootstrapped())
	require.Empty(t, env.srv.registry.Markets())

	var pools struct {
		Pools []map[string]any `json:"pools"`
	}
	env.get(t, "/v1/pools", &pools)
	require.Empty(t, pools.Pools)
}

type recordedClock struct {
	times []uint64
}

func (c *recordedClock) SetBlockTime(ts uint64) { c.times = append(c.times, ts) }

func TestSequencerRollsBackFailedTransactions(t *testing.T) {
	manager := floorstate.NewManager(storage.NewMemDB())
	ledger := bank.NewLedger(manager)
	clock := &testClock{now: time.Unix(1_000, 0)}
	engine := &recordedClock{}
	seq := NewSequencer(manager, engine, clock.Now)

	boom := errors.New("boom")
	err := seq.Submit(func(uint64) error {
		if err := ledger.Register("TST", "Test", 0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)
	require.False(t, manager.TokenExists("TST"))
	require.Zero(t, manager.Depth())

	err = seq.Submit(func(uint64) error {
		if err := ledger.Register("TST", "Test", 0); err != nil {
			return err
		}
		panic("kaboom")
	})
	require.Error(t, err)
	require.False(t, manager.TokenExists("TST"))
	require.Zero(t, manager.Depth())

	require.NoError(t, seq.Submit(func(uint64) error {
		return ledger.Register("TST", "Test", 0)
	}))
	require.True(t, manager.TokenExists("TST"))

	// Block time never runs backwards.
	clock.Advance(-time.Hour)
	require.NoError(t, seq.View(func(ts uint64) error {
		require.Equal(t, uint64(1_000), ts)
		return nil
	}))
	for _, ts := range engine.times {
		require.Equal(t, uint64(1_000), ts)
	}

	var nilSeq *Sequencer
	require.ErrorIs(t, nilSeq.Submit(func(uint64) error { return nil }), errNilSequencer)
}

func TestPauseRejectsUnknownModule(t *testing.T) {
	env := newTestEnv(t, RateLimit{})
	rec := env.do(t, http.MethodPost, "/v1/admin/pause", map[string]any{"module": "bank", "paused": true}, funder, adminToken)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "precondition", decodeError(t, rec).Reason)
}
