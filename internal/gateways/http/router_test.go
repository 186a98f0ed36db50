package http

import (
	"bytes"
	"crypto/ecdsa"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cfg "subs_relay/internal/config"
	"subs_relay/internal/entity"
	"subs_relay/internal/gateways/http/mw"
	"subs_relay/internal/repository/memory"
	"subs_relay/internal/signing"
	"subs_relay/internal/token"
	"subs_relay/internal/usecase"
)

const genesis = 1_700_000_000

var (
	ledgerAddr   = common.HexToAddress("0x1000000000000000000000000000000000000001")
	registryAddr = common.HexToAddress("0x1000000000000000000000000000000000000002")
	payToken     = common.HexToAddress("0x2000000000000000000000000000000000000001")
	stakeToken   = common.HexToAddress("0x2000000000000000000000000000000000000002")
	treasury     = common.HexToAddress("0x3000000000000000000000000000000000000002")

	ownerKey    = mustKey(1)
	merchantKey = mustKey(2)
	relayerKey  = mustKey(3)
	owner       = crypto.PubkeyToAddress(ownerKey.PublicKey)
	merchant    = crypto.PubkeyToAddress(merchantKey.PublicKey)
	relayer     = crypto.PubkeyToAddress(relayerKey.PublicKey)
)

func mustKey(n int) *ecdsa.PrivateKey {
	key, err := crypto.HexToECDSA(fmt.Sprintf("%064x", n))
	if err != nil {
		panic(err)
	}
	return key
}

type testAPI struct {
	t          *testing.T
	router     *gin.Engine
	domain     *signing.Domain
	key        *ecdsa.PrivateKey
	subscriber common.Address
}

func newTestAPI(t *testing.T, opts ...func(*cfg.Config)) *testAPI {
	t.Helper()
	store := memory.NewStore()
	bank := token.NewBank()
	now := func() time.Time { return time.Unix(genesis, 0) }

	domain, err := signing.NewDomain(signing.DefaultName, signing.DefaultVersion, big.NewInt(31337), ledgerAddr)
	require.NoError(t, err)
	registry, err := usecase.NewRegistry(usecase.RegistryParams{
		Address:    registryAddr,
		StakeToken: stakeToken,
		Ledger:     ledgerAddr,
		Owner:      owner,
		Treasury:   treasury,
	}, store, store, bank, store, usecase.WithClock(now))
	require.NoError(t, err)
	ledger, err := usecase.NewLedger(usecase.LedgerParams{
		Address:         ledgerAddr,
		SupportedTokens: []common.Address{payToken},
	}, domain, registry, store, store, store, store, bank, store, usecase.WithClock(now))
	require.NoError(t, err)

	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	conf := cfg.Config{Env: "test"}
	for _, o := range opts {
		o(&conf)
	}
	log := slog.New(slog.DiscardHandler)
	return &testAPI{
		t: t,
		router: SetupGin(conf, UseCases{
			Ledger:   ledger,
			Registry: registry,
			Domain:   domain,
			Bank:     bank,
			Faucet:   true,
		}, log),
		domain:     domain,
		key:        key,
		subscriber: crypto.PubkeyToAddress(key.PublicKey),
	}
}

// do sends body as JSON; a non-nil signer adds the signed caller headers
func (a *testAPI) do(method, path string, signer *ecdsa.PrivateKey, body any) *httptest.ResponseRecorder {
	a.t.Helper()
	var raw []byte
	switch b := body.(type) {
	case nil:
	case string:
		raw = []byte(b)
	default:
		var err error
		raw, err = json.Marshal(b)
		require.NoError(a.t, err)
	}
	req := a.request(method, path, raw)
	if signer != nil {
		a.sign(req, signer, method, req.URL.Path, raw, time.Now().Unix())
	}
	w := httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	return w
}

func (a *testAPI) request(method, path string, raw []byte) *http.Request {
	req, _ := http.NewRequest(method, path, bytes.NewReader(raw))
	req.Header.Add("Accept", "application/json")
	if raw != nil {
		req.Header.Add("Content-Type", "application/json")
	}
	return req
}

// sign sets the caller headers for key over method, path and raw
func (a *testAPI) sign(req *http.Request, key *ecdsa.PrivateKey, method, path string, raw []byte, issuedAt int64) {
	a.t.Helper()
	sig, err := a.domain.SignCaller(key, signing.NewCallerAuth(method, path, raw, uint64(issuedAt)))
	require.NoError(a.t, err)
	req.Header.Set(mw.AccountHeader, crypto.PubkeyToAddress(key.PublicKey).Hex())
	req.Header.Set(mw.SignatureHeader, hexutil.Encode(sig))
	req.Header.Set(mw.IssuedAtHeader, strconv.FormatInt(issuedAt, 10))
}

func (a *testAPI) intent(nonce uint64) entity.Intent {
	return entity.Intent{
		Subscriber:     a.subscriber,
		Merchant:       merchant,
		Token:          payToken,
		Amount:         big.NewInt(10_000_000),
		Interval:       30 * 24 * 3600,
		StartTime:      genesis,
		MaxPayments:    12,
		MaxTotalAmount: big.NewInt(120_000_000),
		Expiry:         genesis + 365*24*3600,
		Nonce:          nonce,
	}
}

func (a *testAPI) createBody(in entity.Intent) map[string]any {
	a.t.Helper()
	sig, err := a.domain.SignIntent(a.key, in)
	require.NoError(a.t, err)
	return map[string]any{
		"intent": map[string]any{
			"subscriber":     in.Subscriber.Hex(),
			"merchant":       in.Merchant.Hex(),
			"token":          in.Token.Hex(),
			"amount":         in.Amount.String(),
			"interval":       in.Interval,
			"startTime":      in.StartTime,
			"maxPayments":    in.MaxPayments,
			"maxTotalAmount": in.MaxTotalAmount.String(),
			"expiry":         in.Expiry,
			"nonce":          in.Nonce,
		},
		"signature": hexutil.Encode(sig),
	}
}

// fund goes through the faucet and approve routes
func (a *testAPI) fund(tok common.Address, holder *ecdsa.PrivateKey, spender common.Address, amount string) {
	a.t.Helper()
	account := crypto.PubkeyToAddress(holder.PublicKey)
	w := a.do(http.MethodPost, "/api/v1/tokens/"+tok.Hex()+"/mint", nil, map[string]any{"account": account.Hex(), "amount": amount})
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
	w = a.do(http.MethodPost, "/api/v1/tokens/"+tok.Hex()+"/approve", holder, map[string]any{"account": spender.Hex(), "amount": amount})
	require.Equal(a.t, http.StatusOK, w.Code, w.Body.String())
}

func (a *testAPI) subscribe() subscriptionView {
	a.t.Helper()
	a.fund(payToken, a.key, ledgerAddr, "120000000")
	w := a.do(http.MethodPost, "/api/v1/subscriptions", nil, a.createBody(a.intent(0)))
	require.Equal(a.t, http.StatusCreated, w.Code, w.Body.String())
	var sub subscriptionView
	require.NoError(a.t, json.Unmarshal(w.Body.Bytes(), &sub))
	return sub
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

// Unknown paths answer 404 whatever the method
func TestUnknownRoute(t *testing.T) {
	a := newTestAPI(t)
	for _, method := range []string{
		http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete,
		http.MethodHead, http.MethodOptions, http.MethodPatch,
	} {
		t.Run(method, func(t *testing.T) {
			w := httptest.NewRecorder()
			req, _ := http.NewRequest(method, "/unknown", nil)
			a.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusNotFound, w.Code)
		})
	}
}

func TestServiceRoutes(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodGet, "/ping", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "pong", w.Body.String())
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w = a.do(http.MethodGet, "/metrics", nil, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

// /api/v1/subscriptions
func TestSubscriptionsRoutes(t *testing.T) {
	base := "/api/v1/subscriptions"

	t.Run("POST_created_201", func(t *testing.T) {
		a := newTestAPI(t)
		sub := a.subscribe()
		assert.Equal(t, entity.StatusActive, sub.Status)
		assert.Equal(t, a.subscriber, sub.Subscriber)
		assert.Equal(t, "10000000", sub.Amount)
		assert.Equal(t, uint64(genesis), sub.NextPaymentDue)

		id, err := a.domain.IntentID(a.intent(0))
		require.NoError(t, err)
		assert.Equal(t, id, sub.ID)

		w := a.do(http.MethodGet, "/api/v1/nonces/"+a.subscriber.Hex(), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, float64(1), decode[map[string]any](t, w)["nonce"])
	})

	t.Run("POST_errors", func(t *testing.T) {
		a := newTestAPI(t)
		a.fund(payToken, a.key, ledgerAddr, "120000000")
		good := a.createBody(a.intent(0))

		stranger, err := crypto.GenerateKey()
		require.NoError(t, err)
		foreignSig, err := a.domain.SignIntent(stranger, a.intent(0))
		require.NoError(t, err)
		foreign := a.createBody(a.intent(0))
		foreign["signature"] = hexutil.Encode(foreignSig)

		missing := a.createBody(a.intent(0))
		delete(missing["intent"].(map[string]any), "amount")

		badAddr := a.createBody(a.intent(0))
		badAddr["intent"].(map[string]any)["merchant"] = "0x1234"

		skipped := a.createBody(a.intent(5))

		tcases := []struct {
			Name string
			Body any
			Want int
		}{
			{Name: "malformed_json_400", Body: "{", Want: http.StatusBadRequest},
			{Name: "missing_amount_422", Body: missing, Want: http.StatusUnprocessableEntity},
			{Name: "bad_address_422", Body: badAddr, Want: http.StatusUnprocessableEntity},
			{Name: "no_intent_422", Body: map[string]any{"signature": good["signature"]}, Want: http.StatusUnprocessableEntity},
			{Name: "foreign_signer_403", Body: foreign, Want: http.StatusForbidden},
			{Name: "nonce_gap_409", Body: skipped, Want: http.StatusConflict},
			{Name: "first_201", Body: good, Want: http.StatusCreated},
			{Name: "replay_409", Body: good, Want: http.StatusConflict},
		}
		for _, tc := range tcases {
			t.Run(tc.Name, func(t *testing.T) {
				w := a.do(http.MethodPost, base, nil, tc.Body)
				assert.Equal(t, tc.Want, w.Code, w.Body.String())
				assert.True(t, json.Valid(w.Body.Bytes()))
			})
		}
	})

	t.Run("POST_unsupported_media_type_415", func(t *testing.T) {
		a := newTestAPI(t)
		req, _ := http.NewRequest(http.MethodPost, base, strings.NewReader("intent"))
		req.Header.Add("Content-Type", "text/plain")
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnsupportedMediaType, w.Code)
	})

	t.Run("GET_requested_unsupported_body_format_406", func(t *testing.T) {
		a := newTestAPI(t)
		req, _ := http.NewRequest(http.MethodGet, base, nil)
		req.Header.Add("Accept", "application/xml")
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusNotAcceptable, w.Code)
	})

	t.Run("GET_list_filters", func(t *testing.T) {
		a := newTestAPI(t)
		a.subscribe()

		tcases := []struct {
			Name  string
			Query string
			Want  int
			Count int
		}{
			{Name: "all_200", Query: "", Want: http.StatusOK, Count: 1},
			{Name: "by_subscriber_200", Query: "?subscriber=" + a.subscriber.Hex(), Want: http.StatusOK, Count: 1},
			{Name: "other_merchant_200", Query: "?merchant=" + owner.Hex(), Want: http.StatusOK, Count: 0},
			{Name: "paused_200", Query: "?status=paused", Want: http.StatusOK, Count: 0},
			{Name: "bad_status_422", Query: "?status=expired", Want: http.StatusUnprocessableEntity},
			{Name: "bad_address_422", Query: "?subscriber=alice", Want: http.StatusUnprocessableEntity},
			{Name: "bad_limit_422", Query: "?limit=-1", Want: http.StatusUnprocessableEntity},
		}
		for _, tc := range tcases {
			t.Run(tc.Name, func(t *testing.T) {
				w := a.do(http.MethodGet, base+tc.Query, nil, nil)
				require.Equal(t, tc.Want, w.Code, w.Body.String())
				if tc.Want == http.StatusOK {
					assert.Len(t, decode[[]subscriptionView](t, w), tc.Count)
				}
			})
		}
	})

	t.Run("OPTIONS_204", func(t *testing.T) {
		a := newTestAPI(t)
		w := a.do(http.MethodOptions, base, nil, nil)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "POST,OPTIONS,GET", w.Header().Get("Allow"))
	})
}

// /api/v1/subscriptions/:id
func TestSubscriptionsByIDRoutes(t *testing.T) {
	t.Run("GET", func(t *testing.T) {
		a := newTestAPI(t)
		sub := a.subscribe()

		tcases := []struct {
			Name string
			ID   string
			Want int
		}{
			{Name: "success_200", ID: sub.ID.Hex(), Want: http.StatusOK},
			{Name: "unknown_404", ID: common.Hash{1}.Hex(), Want: http.StatusNotFound},
			{Name: "invalid_id_422", ID: "42", Want: http.StatusUnprocessableEntity},
		}
		for _, tc := range tcases {
			t.Run(tc.Name, func(t *testing.T) {
				w := a.do(http.MethodGet, "/api/v1/subscriptions/"+tc.ID, nil, nil)
				assert.Equal(t, tc.Want, w.Code, w.Body.String())
			})
		}
	})

	t.Run("pause_resume_cancel", func(t *testing.T) {
		a := newTestAPI(t)
		sub := a.subscribe()
		path := "/api/v1/subscriptions/" + sub.ID.Hex()

		pauseSig, err := a.domain.SignPause(a.key, entity.PauseRequest{SubscriptionID: sub.ID, Nonce: 1})
		require.NoError(t, err)
		w := a.do(http.MethodPost, path+"/pause", nil, map[string]any{"nonce": 1, "signature": hexutil.Encode(pauseSig)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, entity.StatusPaused, decode[subscriptionView](t, w).Status)

		// same signature again: nonce already consumed
		w = a.do(http.MethodPost, path+"/pause", nil, map[string]any{"nonce": 1, "signature": hexutil.Encode(pauseSig)})
		assert.Equal(t, http.StatusConflict, w.Code)

		// a pause signature does not authorize a resume
		w = a.do(http.MethodPost, path+"/resume", nil, map[string]any{"nonce": 2, "signature": hexutil.Encode(pauseSig)})
		assert.Equal(t, http.StatusForbidden, w.Code)

		resumeSig, err := a.domain.SignResume(a.key, entity.ResumeRequest{SubscriptionID: sub.ID, Nonce: 2})
		require.NoError(t, err)
		w = a.do(http.MethodPost, path+"/resume", nil, map[string]any{"nonce": 2, "signature": hexutil.Encode(resumeSig)})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, entity.StatusActive, decode[subscriptionView](t, w).Status)

		w = a.do(http.MethodPost, path+"/cancel", nil, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
		w = a.do(http.MethodPost, path+"/cancel", merchantKey, nil)
		assert.Equal(t, http.StatusForbidden, w.Code)
		w = a.do(http.MethodPost, path+"/cancel", a.key, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, entity.StatusCancelled, decode[subscriptionView](t, w).Status)

		w = a.do(http.MethodPost, path+"/cancel", a.key, nil)
		assert.Equal(t, http.StatusConflict, w.Code)
	})

	t.Run("execute", func(t *testing.T) {
		a := newTestAPI(t)
		sub := a.subscribe()
		path := "/api/v1/subscriptions/" + sub.ID.Hex()

		w := a.do(http.MethodPost, path+"/execute", relayerKey, nil)
		assert.Equal(t, http.StatusForbidden, w.Code, "unbonded relayer")

		a.fund(stakeToken, relayerKey, registryAddr, "100000000")
		w = a.do(http.MethodPost, "/api/v1/relayers", relayerKey, map[string]any{"amount": "100000000"})
		require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

		w = a.do(http.MethodPost, path+"/execute", relayerKey, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		res := decode[executionView](t, w)
		assert.True(t, res.Success)
		assert.Equal(t, uint64(1), res.Installment)
		assert.Equal(t, "50000", res.Fee)
		assert.Equal(t, "9950000", res.MerchantShare)

		w = a.do(http.MethodPost, path+"/execute", relayerKey, nil)
		assert.Equal(t, http.StatusConflict, w.Code, "next installment not due")

		w = a.do(http.MethodGet, path+"/payments", nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		payments := decode[[]paymentView](t, w)
		require.Len(t, payments, 1)
		assert.Equal(t, relayer, payments[0].Relayer)

		w = a.do(http.MethodGet, "/api/v1/tokens/"+payToken.Hex()+"/balances/"+merchant.Hex(), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "9950000", decode[map[string]any](t, w)["balance"])

		w = a.do(http.MethodGet, "/api/v1/relayers/"+relayer.Hex(), nil, nil)
		require.Equal(t, http.StatusOK, w.Code)
		rel := decode[relayerView](t, w)
		assert.Equal(t, uint64(1), rel.SuccessfulExecutions)
		assert.Equal(t, "50000", rel.TotalFeesEarned)
	})
}

// /api/v1/relayers and /api/v1/admin
func TestRelayerAndAdminRoutes(t *testing.T) {
	a := newTestAPI(t)

	w := a.do(http.MethodPost, "/api/v1/relayers", relayerKey, map[string]any{"amount": "1"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "below minimum stake")

	a.fund(stakeToken, relayerKey, registryAddr, "150000000")
	w = a.do(http.MethodPost, "/api/v1/relayers", relayerKey, map[string]any{"amount": "100000000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	w = a.do(http.MethodPost, "/api/v1/relayers", relayerKey, map[string]any{"amount": "100000000"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = a.do(http.MethodPost, "/api/v1/relayers/restake", relayerKey, map[string]any{"amount": "50000000"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "150000000", decode[relayerView](t, w).Stake)

	tcases := []struct {
		Name    string
		Method  string
		Path    string
		Account *ecdsa.PrivateKey
		Body    any
		Want    int
	}{
		{Name: "slash_not_owner_403", Method: http.MethodPost, Path: "/api/v1/admin/slash", Account: relayerKey,
			Body: map[string]any{"relayer": relayer.Hex(), "amount": "10"}, Want: http.StatusForbidden},
		{Name: "slash_no_header_401", Method: http.MethodPost, Path: "/api/v1/admin/slash",
			Body: map[string]any{"relayer": relayer.Hex(), "amount": "10"}, Want: http.StatusUnauthorized},
		{Name: "slash_200", Method: http.MethodPost, Path: "/api/v1/admin/slash", Account: ownerKey,
			Body: map[string]any{"relayer": relayer.Hex(), "amount": "10000000", "reason": "double execution"}, Want: http.StatusOK},
		{Name: "slash_unknown_404", Method: http.MethodPost, Path: "/api/v1/admin/slash", Account: ownerKey,
			Body: map[string]any{"relayer": merchant.Hex(), "amount": "10"}, Want: http.StatusNotFound},
		{Name: "params_missing_threshold_422", Method: http.MethodPut, Path: "/api/v1/admin/slashing-params", Account: ownerKey,
			Body: map[string]any{"amount": "10"}, Want: http.StatusUnprocessableEntity},
		{Name: "params_200", Method: http.MethodPut, Path: "/api/v1/admin/slashing-params", Account: ownerKey,
			Body: map[string]any{"threshold": 5, "amount": "20000000"}, Want: http.StatusOK},
		{Name: "owner_200", Method: http.MethodPut, Path: "/api/v1/admin/owner", Account: ownerKey,
			Body: map[string]any{"owner": treasury.Hex()}, Want: http.StatusOK},
		{Name: "old_owner_403", Method: http.MethodPut, Path: "/api/v1/admin/owner", Account: ownerKey,
			Body: map[string]any{"owner": owner.Hex()}, Want: http.StatusForbidden},
		{Name: "withdraw_202", Method: http.MethodPost, Path: "/api/v1/relayers/withdrawal", Account: relayerKey, Want: http.StatusAccepted},
		{Name: "unregister_cooldown_409", Method: http.MethodDelete, Path: "/api/v1/relayers", Account: relayerKey, Want: http.StatusConflict},
	}
	for _, tc := range tcases {
		t.Run(tc.Name, func(t *testing.T) {
			w := a.do(tc.Method, tc.Path, tc.Account, tc.Body)
			assert.Equal(t, tc.Want, w.Code, w.Body.String())
		})
	}

	w = a.do(http.MethodGet, "/api/v1/admin/params", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	params := decode[map[string]any](t, w)
	assert.Equal(t, strings.ToLower(treasury.Hex()), strings.ToLower(params["owner"].(string)))
	assert.Equal(t, float64(5), params["slashThreshold"])
	assert.Equal(t, "20000000", params["slashAmount"])

	w = a.do(http.MethodGet, "/api/v1/relayers?active=true", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	relayers := decode[[]relayerView](t, w)
	require.Len(t, relayers, 1)
	assert.Equal(t, "140000000", relayers[0].Stake)
	assert.Equal(t, "10000000", relayers[0].TotalSlashed)

	w = a.do(http.MethodGet, "/api/v1/relayers?active=maybe", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestEventsRoute(t *testing.T) {
	a := newTestAPI(t)
	sub := a.subscribe()

	w := a.do(http.MethodGet, "/api/v1/events", nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	events := decode[[]entity.Event](t, w)
	require.Len(t, events, 1)
	assert.Equal(t, entity.EventSubscriptionCreated, events[0].Kind)
	assert.Equal(t, sub.ID, events[0].SubscriptionID)

	w = a.do(http.MethodGet, fmt.Sprintf("/api/v1/events?after=%d", events[0].Seq), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, decode[[]entity.Event](t, w))

	w = a.do(http.MethodGet, "/api/v1/events?after=x", nil, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// Admin calls only count when the owner key signed this very request
func TestCallerHeadersMustBeSigned(t *testing.T) {
	a := newTestAPI(t)
	a.fund(stakeToken, relayerKey, registryAddr, "100000000")
	w := a.do(http.MethodPost, "/api/v1/relayers", relayerKey, map[string]any{"amount": "100000000"})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	const path = "/api/v1/admin/slash"
	raw := []byte(`{"relayer":"` + relayer.Hex() + `","amount":"100000000","reason":"forged"}`)
	now := time.Now().Unix()

	tcases := []struct {
		Name  string
		Build func(req *http.Request)
	}{
		{Name: "bare_account_header", Build: func(req *http.Request) {
			req.Header.Set(mw.AccountHeader, owner.Hex())
		}},
		{Name: "signed_by_relayer_claiming_owner", Build: func(req *http.Request) {
			a.sign(req, relayerKey, http.MethodPost, path, raw, now)
			req.Header.Set(mw.AccountHeader, owner.Hex())
		}},
		{Name: "stale_signature", Build: func(req *http.Request) {
			a.sign(req, ownerKey, http.MethodPost, path, raw, now-int64(time.Hour/time.Second))
		}},
		{Name: "signed_for_another_route", Build: func(req *http.Request) {
			a.sign(req, ownerKey, http.MethodPut, "/api/v1/admin/slashing-params", raw, now)
		}},
		{Name: "signed_for_another_body", Build: func(req *http.Request) {
			a.sign(req, ownerKey, http.MethodPost, path, []byte(`{"relayer":"`+relayer.Hex()+`","amount":"1"}`), now)
		}},
	}
	for _, tc := range tcases {
		t.Run(tc.Name, func(t *testing.T) {
			req := a.request(http.MethodPost, path, raw)
			tc.Build(req)
			w := httptest.NewRecorder()
			a.router.ServeHTTP(w, req)
			assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
		})
	}

	w = a.do(http.MethodGet, "/api/v1/relayers/"+relayer.Hex(), nil, nil)
	require.Equal(t, http.StatusOK, w.Code)
	rel := decode[relayerView](t, w)
	assert.Equal(t, "100000000", rel.Stake)
	assert.Equal(t, "0", rel.TotalSlashed)
	assert.True(t, rel.Active)

	req := a.request(http.MethodPost, path, raw)
	a.sign(req, ownerKey, http.MethodPost, path, raw, now)
	w = httptest.NewRecorder()
	a.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "0", decode[relayerView](t, w).Stake)
}

func TestCORS(t *testing.T) {
	preflight := func(a *testAPI, origin string) *httptest.ResponseRecorder {
		req, _ := http.NewRequest(http.MethodOptions, "/api/v1/admin/slash", nil)
		req.Header.Set("Origin", origin)
		req.Header.Set("Access-Control-Request-Method", http.MethodPost)
		req.Header.Set("Access-Control-Request-Headers", mw.SignatureHeader)
		w := httptest.NewRecorder()
		a.router.ServeHTTP(w, req)
		return w
	}
	withOrigins := func(origins ...string) func(*cfg.Config) {
		return func(c *cfg.Config) { c.Server.CORSOrigins = origins }
	}

	t.Run("configured_origin_allowed", func(t *testing.T) {
		a := newTestAPI(t, withOrigins("https://app.example.org"))
		w := preflight(a, "https://app.example.org")
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.example.org", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Contains(t, strings.ToLower(w.Header().Get("Access-Control-Allow-Headers")), strings.ToLower(mw.SignatureHeader))
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("other_origins_refused", func(t *testing.T) {
		a := newTestAPI(t, withOrigins("https://app.example.org"))
		for _, origin := range []string{"http://localhost:8082", "http://127.0.0.1:8082", "https://evil.example.org"} {
			w := preflight(a, origin)
			assert.Equal(t, http.StatusForbidden, w.Code, origin)
			assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"), origin)
		}
	})

	t.Run("no_origins_no_cors", func(t *testing.T) {
		a := newTestAPI(t)
		w := preflight(a, "http://localhost:8082")
		assert.Empty(t, w.Header().Get("Access-Control-Allow-Origin"))
	})
}
