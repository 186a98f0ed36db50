package mw

import (
	"bytes"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/gin-gonic/gin"

	"subs_relay/internal/signing"
)

// Headers of a signed call. The signature is an EIP-712 CallerAuth over the
// method, the path, the body and X-Issued-At.
const (
	AccountHeader   = "X-Account"
	SignatureHeader = "X-Signature"
	IssuedAtHeader  = "X-Issued-At"

	// CallerKey holds the authenticated common.Address in the gin context
	CallerKey = "caller"

	DefaultAuthMaxAge = 5 * time.Minute
	maxSignedBody     = 1 << 20
)

// CallerVerifier recovers the signer of a caller authorization.
type CallerVerifier interface {
	VerifyCaller(auth signing.CallerAuth, sig []byte) (bool, common.Address)
}

// CallerAuth authenticates requests carrying X-Account. Unsigned requests
// pass through without a caller; handlers that need one answer 401.
// A request signed more than maxAge away from now is rejected.
func CallerAuth(v CallerVerifier, maxAge time.Duration, now func() time.Time) gin.HandlerFunc {
	if maxAge <= 0 {
		maxAge = DefaultAuthMaxAge
	}
	if now == nil {
		now = time.Now
	}
	return func(c *gin.Context) {
		account := strings.TrimSpace(c.GetHeader(AccountHeader))
		if account == "" {
			c.Next()
			return
		}
		deny := func(msg string) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
		}
		if !common.IsHexAddress(account) {
			deny(AccountHeader + " must be a 0x address")
			return
		}

		issuedAt, err := strconv.ParseInt(c.GetHeader(IssuedAtHeader), 10, 64)
		if err != nil || issuedAt <= 0 {
			deny(IssuedAtHeader + " must be a unix time")
			return
		}
		age := now().Sub(time.Unix(issuedAt, 0))
		if age > maxAge || age < -maxAge {
			deny("stale " + IssuedAtHeader)
			return
		}

		sig, err := hexutil.Decode(c.GetHeader(SignatureHeader))
		if err != nil {
			deny(SignatureHeader + " must be a 0x signature")
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxSignedBody))
			if err != nil {
				c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{"error": "body too large"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		auth := signing.NewCallerAuth(c.Request.Method, c.Request.URL.Path, body, uint64(issuedAt))
		ok, signer := v.VerifyCaller(auth, sig)
		if !ok || signer != common.HexToAddress(account) {
			deny("signature does not match " + AccountHeader)
			return
		}

		c.Set(CallerKey, signer)
		c.Next()
	}
}

// Caller returns the authenticated caller, if any.
func Caller(c *gin.Context) (common.Address, bool) {
	v, ok := c.Get(CallerKey)
	if !ok {
		return common.Address{}, false
	}
	addr, ok := v.(common.Address)
	return addr, ok
}
