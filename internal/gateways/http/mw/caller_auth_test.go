package mw

import (
	"crypto/ecdsa"
	"io"
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

	"subs_relay/internal/signing"
)

const (
	path = "/api/v1/admin/slash"
	body = `{"relayer":"0x5000000000000000000000000000000000000001","amount":"10"}`
)

type authFixture struct {
	t      *testing.T
	now    time.Time
	domain *signing.Domain
	router *gin.Engine
}

func newAuthFixture(t *testing.T) *authFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	domain, err := signing.NewDomain(signing.DefaultName, signing.DefaultVersion, big.NewInt(31337),
		common.HexToAddress("0x1000000000000000000000000000000000000001"))
	require.NoError(t, err)

	f := &authFixture{t: t, now: time.Unix(1_700_000_000, 0), domain: domain}
	f.router = gin.New()
	f.router.Use(CallerAuth(domain, time.Minute, func() time.Time { return f.now }))
	f.router.POST(path, func(c *gin.Context) {
		caller, ok := Caller(c)
		raw, _ := io.ReadAll(c.Request.Body)
		if !ok {
			c.String(http.StatusOK, "anonymous|"+string(raw))
			return
		}
		c.String(http.StatusOK, caller.Hex()+"|"+string(raw))
	})
	return f
}

func (f *authFixture) sign(key *ecdsa.PrivateKey, method, p, b string, issuedAt int64) string {
	f.t.Helper()
	sig, err := f.domain.SignCaller(key, signing.NewCallerAuth(method, p, []byte(b), uint64(issuedAt)))
	require.NoError(f.t, err)
	return hexutil.Encode(sig)
}

func (f *authFixture) send(headers map[string]string, b string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(b))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func TestCallerAuth(t *testing.T) {
	f := newAuthFixture(t)
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	account := crypto.PubkeyToAddress(key.PublicKey).Hex()
	now := f.now.Unix()

	headers := func(sig string, issuedAt int64) map[string]string {
		return map[string]string{
			AccountHeader:   account,
			SignatureHeader: sig,
			IssuedAtHeader:  strconv.FormatInt(issuedAt, 10),
		}
	}

	t.Run("signed_call_sets_caller_and_keeps_body", func(t *testing.T) {
		w := f.send(headers(f.sign(key, http.MethodPost, path, body, now), now), body)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		assert.Equal(t, account+"|"+body, w.Body.String())
	})

	t.Run("within_skew", func(t *testing.T) {
		for _, at := range []int64{now - 60, now + 60} {
			w := f.send(headers(f.sign(key, http.MethodPost, path, body, at), at), body)
			assert.Equal(t, http.StatusOK, w.Code, w.Body.String())
		}
	})

	t.Run("no_account_is_anonymous", func(t *testing.T) {
		w := f.send(nil, body)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "anonymous|"+body, w.Body.String())
	})

	tcases := []struct {
		Name    string
		Headers map[string]string
		Body    string
	}{
		{Name: "account_only", Headers: map[string]string{AccountHeader: account}, Body: body},
		{Name: "bad_account", Headers: map[string]string{AccountHeader: "owner"}, Body: body},
		{Name: "signed_by_other_key", Headers: headers(f.sign(other, http.MethodPost, path, body, now), now), Body: body},
		{Name: "stale", Headers: headers(f.sign(key, http.MethodPost, path, body, now-61), now-61), Body: body},
		{Name: "from_the_future", Headers: headers(f.sign(key, http.MethodPost, path, body, now+61), now+61), Body: body},
		{Name: "issued_at_rewritten", Headers: headers(f.sign(key, http.MethodPost, path, body, now-600), now), Body: body},
		{Name: "issued_at_zero", Headers: headers(f.sign(key, http.MethodPost, path, body, now), 0), Body: body},
		{Name: "body_tampered", Headers: headers(f.sign(key, http.MethodPost, path, body, now), now),
			Body: strings.Replace(body, `"10"`, `"99000000"`, 1)},
		{Name: "other_path", Headers: headers(f.sign(key, http.MethodPost, "/api/v1/admin/owner", body, now), now), Body: body},
		{Name: "other_method", Headers: headers(f.sign(key, http.MethodPut, path, body, now), now), Body: body},
		{Name: "signature_not_hex", Headers: headers("zz", now), Body: body},
	}
	for _, tc := range tcases {
		t.Run(tc.Name, func(t *testing.T) {
			w := f.send(tc.Headers, tc.Body)
			assert.Equal(t, http.StatusUnauthorized, w.Code, w.Body.String())
		})
	}
}
