package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"estatechain/internal/config"
	"estatechain/internal/deploy"
	"estatechain/internal/escrow"
	"estatechain/internal/hmacauth"
	"estatechain/internal/idempotency"
	"estatechain/internal/loader"
	"estatechain/internal/metadata"
	"estatechain/internal/wallet"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubFetcher map[string]*metadata.Metadata

func (f stubFetcher) Fetch(_ context.Context, uri string) (*metadata.Metadata, error) {
	md, ok := f[uri]
	if !ok {
		return nil, errors.New("gateway timeout")
	}
	return md, nil
}

type pinger struct{ err error }

func (p pinger) Ping(context.Context) error { return p.err }

type harness struct {
	srv    *Server
	chain  *escrow.FakeChain
	wallet *wallet.Wallet
	loader *loader.Loader
	store  *idempotency.MemoryStore

	buyer, seller, inspector, lender common.Address
}

func newHarness(t *testing.T, fetcher metadata.Fetcher) *harness {
	t.Helper()
	h := &harness{
		chain:  escrow.NewFakeChain(31337),
		wallet: wallet.New(),
		store:  idempotency.NewMemoryStore(),
	}
	add := func() common.Address {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		addr := h.wallet.Add(key)
		h.chain.Credit(addr, escrow.Ether(100))
		return addr
	}
	h.buyer, h.seller, h.inspector, h.lender = add(), add(), add(), add()

	opts := func(a common.Address) *bind.TransactOpts { return &bind.TransactOpts{From: a} }
	res, err := deploy.Run(context.Background(), h.chain, deploy.Parties{
		Deployer:  opts(h.buyer),
		Buyer:     opts(h.buyer),
		Seller:    opts(h.seller),
		Inspector: opts(h.inspector),
		Lender:    opts(h.lender),
	}, deploy.DefaultPlan(), nil)
	require.NoError(t, err)

	h.loader = loader.New(h.chain, h.chain, config.Deployments{"31337": res.Deployment()}, nil)
	cfg := &config.AppConfig{Service: config.ServiceConfig{
		HMACSecret:        testSecret,
		HMACClockSkew:     time.Minute,
		IdempotencyWindow: time.Minute,
	}}
	h.srv = NewServer(cfg, Deps{
		Loader:   h.loader,
		Wallet:   h.wallet,
		Store:    h.store,
		Metadata: fetcher,
		Chain:    h.chain,
	})
	_, err = h.loader.Load(context.Background(), h.buyer)
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	return h.do(t, httptest.NewRequest(http.MethodGet, path, nil))
}

func (h *harness) act(t *testing.T, as common.Address, path, key string) *httptest.ResponseRecorder {
	t.Helper()
	require.NoError(t, h.wallet.Select(as))
	req := httptest.NewRequest(http.MethodPost, path, nil)
	require.NoError(t, hmacauth.Sign(req, testSecret, time.Now()))
	if key != "" {
		req.Header.Set(idempotencyHeader, key)
	}
	return h.do(t, req)
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSessionAndAssets(t *testing.T) {
	uri := deploy.DefaultMetadataBaseURI + "/1.json"
	h := newHarness(t, stubFetcher{uri: {Name: "Luxury NYC Penthouse", Attributes: []metadata.Attribute{{TraitType: "Bed Rooms", Value: float64(2)}}}})

	rec := h.get(t, "/api/v1/session")
	require.Equal(t, http.StatusOK, rec.Code)
	session := decode[sessionResponse](t, rec)
	assert.Equal(t, "31337", session.ChainID)
	assert.Equal(t, h.buyer.Hex(), session.Account)
	assert.Equal(t, 3, session.Assets)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = h.get(t, "/api/v1/assets")
	require.Equal(t, http.StatusOK, rec.Code)
	assets := decode[[]assetResponse](t, rec)
	require.Len(t, assets, 3)
	assert.Equal(t, "1", assets[0].ID)
	require.NotNil(t, assets[0].Metadata)
	assert.Equal(t, "Luxury NYC Penthouse", assets[0].Metadata.Name)
	assert.Nil(t, assets[1].Metadata)
	assert.Equal(t, "gateway timeout", assets[1].MetadataError)

	h.srv.ObserveMetadataFetch(nil)
	metrics := h.get(t, "/api/v1/metrics").Body.String()
	assert.Contains(t, metrics, `estatechain_metadata_fetches_total{result="ok"} 1`)
	assert.Contains(t, metrics, `estatechain_metadata_fetches_total{result="failed"} 2`)
	assert.Contains(t, metrics, `estatechain_metadata_upstream_fetches_total{result="fetched"} 1`)
}

func TestSessionDiagnostic(t *testing.T) {
	h := newHarness(t, nil)
	broken := loader.New(h.chain, h.chain, config.Deployments{}, nil)
	_, _ = broken.Load(context.Background(), h.buyer)
	h.srv.loader = broken

	rec := h.get(t, "/api/v1/session")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, decode[errorResponse](t, rec).Error, "chainId 31337")

	rec = h.get(t, "/api/v1/assets/1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = h.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"loaded":false`)
}

func TestAssetSnapshot(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.get(t, "/api/v1/assets/1")
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[snapshotResponse](t, rec)
	assert.Equal(t, "buyer", snap.Role.String())
	assert.Equal(t, "20", snap.Status.PurchasePrice)
	assert.Equal(t, "10", snap.Status.EscrowAmount)
	assert.True(t, snap.Status.Listed)
	require.Len(t, snap.Actions, 2)
	assert.Equal(t, "buy", string(snap.Actions[0].Action))
	assert.True(t, snap.Actions[0].Enabled)

	rec = h.get(t, "/api/v1/assets/2?account="+h.inspector.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	snap = decode[snapshotResponse](t, rec)
	assert.Equal(t, "inspector", snap.Role.String())
	assert.Equal(t, h.inspector.Hex(), snap.Account)

	assert.Equal(t, http.StatusNotFound, h.get(t, "/api/v1/assets/9").Code)
	assert.Equal(t, http.StatusBadRequest, h.get(t, "/api/v1/assets/1?account=nope").Code)
}

func TestActionRequiresSignatureAndKey(t *testing.T) {
	h := newHarness(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/assets/1/actions/buy", nil)
	req.Header.Set(idempotencyHeader, "k")
	assert.Equal(t, http.StatusUnauthorized, h.do(t, req).Code)

	rec := h.act(t, h.buyer, "/api/v1/assets/1/actions/buy", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.act(t, h.buyer, "/api/v1/assets/1/actions/steal", "k-unknown")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestActionIdempotency(t *testing.T) {
	h := newHarness(t, nil)

	first := h.act(t, h.buyer, "/api/v1/assets/1/actions/buy", "buy-1")
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	resp := decode[actionResponse](t, first)
	assert.Len(t, resp.Transactions, 2)
	require.NotNil(t, resp.Status)
	assert.True(t, resp.Status.Approvals.Buyer)
	assert.Equal(t, "10", resp.Status.Balance)

	balanceAfterFirst := h.chain.BalanceOf(h.buyer)

	second := h.act(t, h.buyer, "/api/v1/assets/1/actions/buy", "buy-1")
	require.Equal(t, http.StatusOK, second.Code)
	assert.Equal(t, "true", second.Header().Get(replayedHeader))
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Zero(t, balanceAfterFirst.Cmp(h.chain.BalanceOf(h.buyer)))

	reused := h.act(t, h.buyer, "/api/v1/assets/1/actions/cancel", "buy-1")
	assert.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Contains(t, reused.Body.String(), idempotency.ErrKeyReused.Error())

	metrics := h.get(t, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, metrics.Code)
	assert.Contains(t, metrics.Body.String(), `estatechain_actions_total{action="buy",status="cached"} 1`)
	assert.Contains(t, metrics.Body.String(), `estatechain_actions_total{action="buy",status="ok"} 1`)
}

// scriptedStore answers Get calls in order and records saves.
type scriptedStore struct {
	gets  []func() (*idempotency.Record, error)
	saved int
}

func (s *scriptedStore) Get(context.Context, string) (*idempotency.Record, error) {
	next := s.gets[0]
	if len(s.gets) > 1 {
		s.gets = s.gets[1:]
	}
	return next()
}

func (s *scriptedStore) Save(context.Context, string, idempotency.Record) error {
	s.saved++
	return nil
}

func TestActionStoreOutageIsNotAMiss(t *testing.T) {
	h := newHarness(t, nil)
	store := &scriptedStore{gets: []func() (*idempotency.Record, error){
		func() (*idempotency.Record, error) { return nil, errors.New("dial tcp 127.0.0.1:6379: connection refused") },
	}}
	h.srv.store = store

	rec := h.act(t, h.buyer, "/api/v1/assets/1/actions/buy", "outage-1")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Zero(t, store.saved)

	snap := decode[snapshotResponse](t, h.get(t, "/api/v1/assets/1?account="+h.buyer.Hex()))
	assert.False(t, snap.Status.Approvals.Buyer)
	assert.Equal(t, "0", snap.Status.Balance)
}

func TestActionReplaysRecordWrittenBeforeClaim(t *testing.T) {
	h := newHarness(t, nil)
	fp := idempotency.Fingerprint(h.buyer.Hex(), "31337", "1", "buy")
	finished := idempotency.NewRecord(fp, http.StatusOK, []byte(`{"assetId":"1"}`), time.Minute)
	store := &scriptedStore{gets: []func() (*idempotency.Record, error){
		func() (*idempotency.Record, error) { return nil, nil },
		func() (*idempotency.Record, error) { return &finished, nil },
	}}
	h.srv.store = store

	rec := h.act(t, h.buyer, "/api/v1/assets/1/actions/buy", "race-1")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "true", rec.Header().Get(replayedHeader))
	assert.JSONEq(t, `{"assetId":"1"}`, rec.Body.String())
	assert.Zero(t, store.saved)

	snap := decode[snapshotResponse](t, h.get(t, "/api/v1/assets/1?account="+h.buyer.Hex()))
	assert.False(t, snap.Status.Approvals.Buyer, "the action must not run again")
}

func TestActionErrorMapping(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.act(t, h.seller, "/api/v1/assets/1/actions/buy", "e-1")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = h.act(t, h.inspector, "/api/v1/assets/1/actions/approve-inspection", "e-2")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.act(t, h.inspector, "/api/v1/assets/1/actions/approve-inspection", "e-3")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = h.act(t, h.seller, "/api/v1/assets/1/actions/approve-and-sell", "e-4")
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	body := decode[errorResponse](t, rec)
	assert.Equal(t, "finalizeSale", body.Step)

	h.chain.FailNext("depositEarnest", errors.New("connection reset"))
	rec = h.act(t, h.buyer, "/api/v1/assets/2/actions/buy", "e-5")
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	// transport failures are not replayed; the retry runs the action
	rec = h.act(t, h.buyer, "/api/v1/assets/2/actions/buy", "e-5")
	assert.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestFullSaleOverAPI(t *testing.T) {
	h := newHarness(t, nil)
	path := func(action string) string { return "/api/v1/assets/3/actions/" + action }

	for i, step := range []struct {
		as     common.Address
		action string
	}{
		{h.buyer, "buy"},
		{h.inspector, "approve-inspection"},
		{h.lender, "approve-and-lend"},
		{h.seller, "approve-and-sell"},
	} {
		rec := h.act(t, step.as, path(step.action), "sale-"+step.action)
		require.Equal(t, http.StatusOK, rec.Code, "step %d: %s", i, rec.Body.String())
	}

	rec := h.get(t, "/api/v1/assets/3?account="+h.buyer.Hex())
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[snapshotResponse](t, rec)
	assert.False(t, snap.Status.Listed)
	assert.Equal(t, h.buyer.Hex(), snap.Status.Owner)
	assert.Empty(t, snap.Actions)
}

func TestSelectAccountReloads(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	changes, unsubscribe := h.wallet.Subscribe()
	defer unsubscribe()
	go h.loader.Watch(ctx, changes)

	put := func(body string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodPut, "/api/v1/session/account", strings.NewReader(body))
		require.NoError(t, hmacauth.Sign(req, testSecret, time.Now()))
		return h.do(t, req)
	}

	unsigned := httptest.NewRequest(http.MethodPut, "/api/v1/session/account", strings.NewReader(`{"account":"`+h.seller.Hex()+`"}`))
	assert.Equal(t, http.StatusUnauthorized, h.do(t, unsigned).Code)
	active, err := h.wallet.Active()
	require.NoError(t, err)
	assert.Equal(t, h.buyer, active, "an unsigned request must not switch the signing account")

	assert.Equal(t, http.StatusBadRequest, put(`{"account":"nope"}`).Code)
	assert.Equal(t, http.StatusNotFound, put(`{"account":"0x00000000000000000000000000000000000000ff"}`).Code)

	rec := put(`{"account":"` + h.seller.Hex() + `"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, h.seller.Hex(), decode[accountsResponse](t, rec).Active)

	require.Eventually(t, func() bool {
		s, err := h.loader.Current()
		return err == nil && s.Account == h.seller
	}, time.Second, 5*time.Millisecond)

	accounts := decode[accountsResponse](t, h.get(t, "/api/v1/accounts"))
	assert.Len(t, accounts.Accounts, 4)
	assert.Equal(t, h.seller.Hex(), accounts.Active)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)

	rec := h.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"healthy"`)

	h.srv.rpcHealthFn = pinger{err: errors.New("dial tcp: connection refused")}.Ping
	rec = h.get(t, "/api/v1/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "connection refused")
}
