package http

import (
	"errors"
	"math/big"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
	"github.com/go-openapi/strfmt"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"subs_relay/internal/entity"
	"subs_relay/internal/gateways/http/mw"
	"subs_relay/internal/token"
	"subs_relay/internal/usecase"
)

var (
	addressRe = regexp.MustCompile(addressPattern)
	hashRe    = regexp.MustCompile(hashPattern)
)

type validatable interface {
	Validate(formats strfmt.Registry) error
}

func setupRouter(r *gin.Engine, u UseCases, authMaxAge time.Duration) {
	r.HandleMethodNotAllowed = true

	r.GET("/ping", func(c *gin.Context) {
		c.String(http.StatusOK, "pong")
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	{
		v1 := r.Group("api/v1/")
		if u.Domain != nil {
			v1.Use(mw.CallerAuth(u.Domain, authMaxAge, time.Now))
		}
		setupSubscriptions(v1, u)
		setupSubscriptionsID(v1, u)
		setupRelayers(v1, u)
		setupAdmin(v1, u)
		setupTokens(v1, u)
		setupEvents(v1, u)
	}
}

func setupSubscriptions(r *gin.RouterGroup, u UseCases) {
	r.GET("/subscriptions", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		var f usecase.SubFilter
		if s := c.Query("subscriber"); s != "" {
			addr, ok := parseAddress(c, s, "subscriber")
			if !ok {
				return
			}
			f.Subscriber = &addr
		}
		if s := c.Query("merchant"); s != "" {
			addr, ok := parseAddress(c, s, "merchant")
			if !ok {
				return
			}
			f.Merchant = &addr
		}
		if s := c.Query("status"); s != "" {
			st := entity.Status(strings.ToUpper(s))
			if !st.Valid() {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid status"})
				return
			}
			f.Status = &st
		}
		var ok bool
		if f.Limit, f.Offset, ok = parsePage(c); !ok {
			return
		}

		subs, err := u.Ledger.ListSubscriptions(c, f)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]subscriptionView, 0, len(subs))
		for _, s := range subs {
			resp = append(resp, newSubscriptionView(s))
		}
		c.JSON(http.StatusOK, resp)
	})

	r.POST("/subscriptions", func(c *gin.Context) {
		var input CreateSubscriptionInput
		if !bindInput(c, &input) {
			return
		}
		sub, err := u.Ledger.CreateSubscription(c, input.Intent.Intent(), decodeSignature(input.Signature))
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, newSubscriptionView(sub))
	})

	r.OPTIONS("/subscriptions", func(c *gin.Context) {
		c.Writer.Header().Set("Allow", "POST,OPTIONS,GET")
		c.Status(http.StatusNoContent)
	})

	r.GET("/nonces/:address", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		addr, ok := parseAddress(c, c.Param("address"), "address")
		if !ok {
			return
		}
		n, err := u.Ledger.Nonce(c, addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": addr, "nonce": n})
	})
}

func setupSubscriptionsID(r *gin.RouterGroup, u UseCases) {
	r.GET("/subscriptions/:id", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}
		sub, err := u.Ledger.GetSubscription(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSubscriptionView(sub))
	})

	r.GET("/subscriptions/:id/payments", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}
		payments, err := u.Ledger.ListPayments(c, id)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]paymentView, 0, len(payments))
		for _, p := range payments {
			resp = append(resp, newPaymentView(p))
		}
		c.JSON(http.StatusOK, resp)
	})

	signed := func(do func(c *gin.Context, id common.Hash, nonce uint64, sig []byte) (*entity.Subscription, error)) gin.HandlerFunc {
		return func(c *gin.Context) {
			id, ok := parseID(c)
			if !ok {
				return
			}
			var input SignedRequestInput
			if !bindInput(c, &input) {
				return
			}
			sub, err := do(c, id, *input.Nonce, decodeSignature(input.Signature))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(http.StatusOK, newSubscriptionView(sub))
		}
	}
	r.POST("/subscriptions/:id/pause", signed(func(c *gin.Context, id common.Hash, nonce uint64, sig []byte) (*entity.Subscription, error) {
		return u.Ledger.PauseSubscription(c, id, nonce, sig)
	}))
	r.POST("/subscriptions/:id/resume", signed(func(c *gin.Context, id common.Hash, nonce uint64, sig []byte) (*entity.Subscription, error) {
		return u.Ledger.ResumeSubscription(c, id, nonce, sig)
	}))

	r.POST("/subscriptions/:id/cancel", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		sub, err := u.Ledger.CancelSubscription(c, id, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newSubscriptionView(sub))
	})

	r.POST("/subscriptions/:id/execute", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		id, ok := parseID(c)
		if !ok {
			return
		}
		relayer, ok := requireCaller(c)
		if !ok {
			return
		}
		res, err := u.Ledger.ExecuteSubscription(c, id, relayer)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newExecutionView(res))
	})
}

func setupRelayers(r *gin.RouterGroup, u UseCases) {
	r.GET("/relayers", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		var f usecase.RelayerFilter
		if s := c.Query("active"); s != "" {
			active, err := strconv.ParseBool(s)
			if err != nil {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid active"})
				return
			}
			f.ActiveOnly = active
		}
		var ok bool
		if f.Limit, f.Offset, ok = parsePage(c); !ok {
			return
		}
		relayers, err := u.Registry.ListRelayers(c, f)
		if err != nil {
			writeError(c, err)
			return
		}
		resp := make([]relayerView, 0, len(relayers))
		for _, rel := range relayers {
			resp = append(resp, newRelayerView(rel))
		}
		c.JSON(http.StatusOK, resp)
	})

	r.GET("/relayers/:address", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		addr, ok := parseAddress(c, c.Param("address"), "address")
		if !ok {
			return
		}
		rel, err := u.Registry.GetRelayer(c, addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newRelayerView(rel))
	})

	staked := func(do func(c *gin.Context, caller common.Address, amount *big.Int) (*entity.Relayer, error), status int) gin.HandlerFunc {
		return func(c *gin.Context) {
			caller, ok := requireCaller(c)
			if !ok {
				return
			}
			var input AmountInput
			if !bindInput(c, &input) {
				return
			}
			rel, err := do(c, caller, mustAmount(*input.Amount))
			if err != nil {
				writeError(c, err)
				return
			}
			c.JSON(status, newRelayerView(rel))
		}
	}
	r.POST("/relayers", staked(func(c *gin.Context, caller common.Address, amount *big.Int) (*entity.Relayer, error) {
		return u.Registry.RegisterRelayer(c, caller, amount)
	}, http.StatusCreated))
	r.POST("/relayers/restake", staked(func(c *gin.Context, caller common.Address, amount *big.Int) (*entity.Relayer, error) {
		return u.Registry.Restake(c, caller, amount)
	}, http.StatusOK))

	r.POST("/relayers/withdrawal", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		rel, err := u.Registry.RequestWithdrawal(c, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusAccepted, newRelayerView(rel))
	})

	r.DELETE("/relayers", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		returned, err := u.Registry.UnregisterRelayer(c, caller)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"address": caller, "returned": returned.String()})
	})
}

func setupAdmin(r *gin.RouterGroup, u UseCases) {
	r.GET("/admin/params", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		p := u.Registry.Params()
		c.JSON(http.StatusOK, gin.H{
			"registry":           p.Address,
			"ledger":             p.Ledger,
			"stakeToken":         p.StakeToken,
			"owner":              p.Owner,
			"treasury":           p.Treasury,
			"minimumStake":       p.MinimumStake.String(),
			"withdrawalCooldown": int64(p.WithdrawalCooldown.Seconds()),
			"slashThreshold":     p.Slashing.Threshold,
			"slashAmount":        p.Slashing.Amount.String(),
			"protocolFeeBps":     usecase.ProtocolFeeBps,
		})
	})

	r.POST("/admin/slash", func(c *gin.Context) {
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		var input SlashInput
		if !bindInput(c, &input) {
			return
		}
		rel, err := u.Registry.EmergencySlash(c, caller, common.HexToAddress(*input.Relayer), mustAmount(*input.Amount), input.Reason)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, newRelayerView(rel))
	})

	r.PUT("/admin/slashing-params", func(c *gin.Context) {
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		var input SlashingParamsInput
		if !bindInput(c, &input) {
			return
		}
		params := entity.SlashingParams{Threshold: *input.Threshold, Amount: mustAmount(*input.Amount)}
		if err := u.Registry.UpdateSlashingParams(c, caller, params); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"threshold": params.Threshold, "amount": params.Amount.String()})
	})

	r.PUT("/admin/owner", func(c *gin.Context) {
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		var input OwnerInput
		if !bindInput(c, &input) {
			return
		}
		newOwner := common.HexToAddress(*input.Owner)
		if err := u.Registry.TransferOwnership(c, caller, newOwner); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"owner": newOwner})
	})
}

// setupTokens exposes the in-process token bank. Mint is only routed when the faucet is on.
func setupTokens(r *gin.RouterGroup, u UseCases) {
	if u.Bank == nil {
		return
	}
	r.GET("/tokens/:token/balances/:address", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		tok, ok := parseAddress(c, c.Param("token"), "token")
		if !ok {
			return
		}
		addr, ok := parseAddress(c, c.Param("address"), "address")
		if !ok {
			return
		}
		bal, err := u.Bank.BalanceOf(c, tok, addr)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok, "address": addr, "balance": bal.String()})
	})

	r.GET("/tokens/:token/allowances/:owner/:spender", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		tok, ok := parseAddress(c, c.Param("token"), "token")
		if !ok {
			return
		}
		owner, ok := parseAddress(c, c.Param("owner"), "owner")
		if !ok {
			return
		}
		spender, ok := parseAddress(c, c.Param("spender"), "spender")
		if !ok {
			return
		}
		allowed, err := u.Bank.Allowance(c, tok, owner, spender)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok, "owner": owner, "spender": spender, "allowance": allowed.String()})
	})

	r.POST("/tokens/:token/approve", func(c *gin.Context) {
		tok, ok := parseAddress(c, c.Param("token"), "token")
		if !ok {
			return
		}
		caller, ok := requireCaller(c)
		if !ok {
			return
		}
		var input TransferInput
		if !bindInput(c, &input) {
			return
		}
		spender := common.HexToAddress(*input.Account)
		amount := mustAmount(*input.Amount)
		if err := u.Bank.Approve(c, tok, caller, spender, amount); err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok, "owner": caller, "spender": spender, "allowance": amount.String()})
	})

	if !u.Faucet {
		return
	}
	r.POST("/tokens/:token/mint", func(c *gin.Context) {
		tok, ok := parseAddress(c, c.Param("token"), "token")
		if !ok {
			return
		}
		var input TransferInput
		if !bindInput(c, &input) {
			return
		}
		to := common.HexToAddress(*input.Account)
		if err := u.Bank.Mint(c, tok, to, mustAmount(*input.Amount)); err != nil {
			writeError(c, err)
			return
		}
		bal, err := u.Bank.BalanceOf(c, tok, to)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": tok, "address": to, "balance": bal.String()})
	})
}

func setupEvents(r *gin.RouterGroup, u UseCases) {
	r.GET("/events", func(c *gin.Context) {
		if !requireAcceptJSON(c) {
			return
		}
		var f entity.EventFilter
		if s := c.Query("after"); s != "" {
			after, err := strconv.ParseInt(s, 10, 64)
			if err != nil || after < 0 {
				c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid after"})
				return
			}
			f.AfterSeq = after
		}
		f.Kind = entity.EventKind(c.Query("kind"))
		var ok bool
		if f.Limit, _, ok = parsePage(c); !ok {
			return
		}
		events, err := u.Ledger.ListEvents(c, f)
		if err != nil {
			writeError(c, err)
			return
		}
		if events == nil {
			events = []*entity.Event{}
		}
		c.JSON(http.StatusOK, events)
	})
}

// writeError maps usecase errors onto status codes
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, usecase.ErrSubscriptionNotFound),
		errors.Is(err, usecase.ErrRelayerNotFound):
		status = http.StatusNotFound
	case errors.Is(err, usecase.ErrUnauthorized),
		errors.Is(err, usecase.ErrRelayerNotAuthorized),
		errors.Is(err, usecase.ErrInvalidSignature):
		status = http.StatusForbidden
	case errors.Is(err, usecase.ErrInvalidNonce),
		errors.Is(err, usecase.ErrSubscriptionExists),
		errors.Is(err, usecase.ErrInvalidState),
		errors.Is(err, usecase.ErrNotActive),
		errors.Is(err, usecase.ErrSubscriptionExpired),
		errors.Is(err, usecase.ErrLimitExceeded),
		errors.Is(err, usecase.ErrPaymentNotDue),
		errors.Is(err, usecase.ErrAlreadyRegistered),
		errors.Is(err, usecase.ErrWithdrawalNotRequested),
		errors.Is(err, usecase.ErrWithdrawalAlreadyRequested),
		errors.Is(err, usecase.ErrCooldownNotElapsed),
		errors.Is(err, usecase.ErrRelayerNotActive),
		errors.Is(err, usecase.ErrNothingToSlash):
		status = http.StatusConflict
	case errors.Is(err, usecase.ErrInvalidIntent),
		errors.Is(err, usecase.ErrUnsupportedToken),
		errors.Is(err, usecase.ErrIntentExpired),
		errors.Is(err, usecase.ErrInsufficientAllowance),
		errors.Is(err, usecase.ErrInsufficientStake),
		errors.Is(err, usecase.ErrInvalidAmount),
		errors.Is(err, usecase.ErrInvalidParams),
		errors.Is(err, usecase.ErrInvalidPagination),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance),
		errors.Is(err, token.ErrInvalidAmount):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		_ = c.Error(err)
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func bindInput(c *gin.Context, input validatable) bool {
	if !requireAcceptJSON(c) {
		return false
	}
	if c.ContentType() != "" && c.ContentType() != "application/json" {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "Use application/json"})
		return false
	}
	if err := c.ShouldBindJSON(input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	if err := input.Validate(strfmt.Default); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// requireCaller returns the account authenticated by mw.CallerAuth.
func requireCaller(c *gin.Context) (common.Address, bool) {
	caller, ok := mw.Caller(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "signed " + mw.AccountHeader + ", " + mw.SignatureHeader + " and " + mw.IssuedAtHeader + " headers required",
		})
		return common.Address{}, false
	}
	return caller, true
}

func parseAddress(c *gin.Context, s, name string) (common.Address, bool) {
	if !addressRe.MatchString(s) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid " + name})
		return common.Address{}, false
	}
	return common.HexToAddress(s), true
}

func parseID(c *gin.Context) (common.Hash, bool) {
	s := c.Param("id")
	if !hashRe.MatchString(s) {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid id"})
		return common.Hash{}, false
	}
	return common.HexToHash(s), true
}

func parsePage(c *gin.Context) (limit, offset int, ok bool) {
	if s := c.Query("limit"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid limit"})
			return 0, 0, false
		}
		limit = v
	}
	if s := c.Query("offset"); s != "" {
		v, err := strconv.Atoi(s)
		if err != nil || v < 0 {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "invalid offset"})
			return 0, 0, false
		}
		offset = v
	}
	return limit, offset, true
}

func acceptsJSON(h string) bool {
	if h == "" || h == "*/*" {
		return true
	}
	parts := strings.Split(h, ",")
	for _, p := range parts {
		mt := strings.TrimSpace(strings.SplitN(p, ";", 2)[0])
		if mt == "application/json" || mt == "*/*" {
			return true
		}
	}
	return false
}

func requireAcceptJSON(c *gin.Context) bool {
	if acceptsJSON(c.GetHeader("Accept")) {
		return true
	}
	c.JSON(http.StatusNotAcceptable, gin.H{"error": "Accept application/json only"})
	return false
}
