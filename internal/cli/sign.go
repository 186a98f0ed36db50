package cli

import (
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"

	"subs_relay/internal/entity"
	"subs_relay/internal/gateways/http/mw"
	"subs_relay/internal/signing"
)

// IntentOptions holds flags for sign intent.
type IntentOptions struct {
	*RootOptions
	Merchant    string
	Token       string
	Amount      string
	Interval    time.Duration
	Start       int64
	MaxPayments uint64
	MaxTotal    string
	Expiry      int64
	Nonce       uint64
}

// RequestOptions holds flags for sign pause and sign resume.
type RequestOptions struct {
	*RootOptions
	ID    string
	Nonce uint64
}

// CallOptions holds flags for sign call.
type CallOptions struct {
	*RootOptions
	Method   string
	Path     string
	Body     string
	IssuedAt int64
}

// NewSignCommand creates the sign command group.
func NewSignCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign",
		Short: "Sign an intent, a pause or a resume request, or an API call",
	}
	cmd.AddCommand(newSignIntentCommand(rootOpts))
	cmd.AddCommand(newSignRequestCommand(rootOpts, "pause"))
	cmd.AddCommand(newSignRequestCommand(rootOpts, "resume"))
	cmd.AddCommand(newSignCallCommand(rootOpts))
	return cmd
}

func newSignIntentCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &IntentOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "intent",
		Short: "Sign a subscription intent",
		Long: `Sign a subscription intent with --key as the subscriber.

Example:
  relayctl sign intent --contract 0x... --merchant 0x... --token 0x... \
    --amount 10000000 --interval 720h --max-payments 12 --max-total 120000000 \
    --expiry 1767225600 --nonce 0`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("start") {
				opts.Start = time.Now().Unix()
			}
			return signIntent(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Merchant, "merchant", "", "merchant address")
	cmd.Flags().StringVar(&opts.Token, "token", "", "payment token address")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "installment amount in base units")
	cmd.Flags().DurationVar(&opts.Interval, "interval", 30*24*time.Hour, "time between installments")
	cmd.Flags().Int64Var(&opts.Start, "start", 0, "unix time of the first installment (default now)")
	cmd.Flags().Uint64Var(&opts.MaxPayments, "max-payments", 0, "installment ceiling, 0 for unlimited")
	cmd.Flags().StringVar(&opts.MaxTotal, "max-total", "", "cumulative ceiling in base units")
	cmd.Flags().Int64Var(&opts.Expiry, "expiry", 0, "unix time after which nothing executes")
	cmd.Flags().Uint64Var(&opts.Nonce, "nonce", 0, "current subscriber nonce")
	for _, f := range []string{"merchant", "token", "amount", "max-total", "expiry"} {
		_ = cmd.MarkFlagRequired(f)
	}

	return cmd
}

func signIntent(opts *IntentOptions, cmd *cobra.Command) error {
	key, err := opts.loadKey()
	if err != nil {
		return err
	}
	domain, err := opts.domain()
	if err != nil {
		return err
	}
	merchant, err := parseAddress("merchant", opts.Merchant)
	if err != nil {
		return err
	}
	tok, err := parseAddress("token", opts.Token)
	if err != nil {
		return err
	}
	amount, err := parseAmount("amount", opts.Amount)
	if err != nil {
		return err
	}
	maxTotal, err := parseAmount("max-total", opts.MaxTotal)
	if err != nil {
		return err
	}
	if opts.Interval < time.Second {
		return fmt.Errorf("--interval must be at least 1s")
	}
	if opts.Start < 0 || opts.Expiry < 0 {
		return fmt.Errorf("--start and --expiry must be unix times")
	}

	in := entity.Intent{
		Subscriber:     crypto.PubkeyToAddress(key.PublicKey),
		Merchant:       merchant,
		Token:          tok,
		Amount:         amount,
		Interval:       uint64(opts.Interval / time.Second),
		StartTime:      uint64(opts.Start),
		MaxPayments:    opts.MaxPayments,
		MaxTotalAmount: maxTotal,
		Expiry:         uint64(opts.Expiry),
		Nonce:          opts.Nonce,
	}
	id, err := domain.IntentID(in)
	if err != nil {
		return err
	}
	sig, err := domain.SignIntent(key, in)
	if err != nil {
		return err
	}

	return writeJSON(cmd.OutOrStdout(), map[string]any{
		"id": id,
		"intent": map[string]any{
			"subscriber":     in.Subscriber,
			"merchant":       in.Merchant,
			"token":          in.Token,
			"amount":         in.Amount.String(),
			"interval":       in.Interval,
			"startTime":      in.StartTime,
			"maxPayments":    in.MaxPayments,
			"maxTotalAmount": in.MaxTotalAmount.String(),
			"expiry":         in.Expiry,
			"nonce":          in.Nonce,
		},
		"signature": hexutil.Encode(sig),
	})
}

func newSignRequestCommand(rootOpts *RootOptions, kind string) *cobra.Command {
	opts := &RequestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   kind,
		Short: "Sign a " + kind + " request for a subscription",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := opts.loadKey()
			if err != nil {
				return err
			}
			domain, err := opts.domain()
			if err != nil {
				return err
			}
			id, err := parseHash(opts.ID)
			if err != nil {
				return err
			}
			var sig []byte
			if kind == "pause" {
				sig, err = domain.SignPause(key, entity.PauseRequest{SubscriptionID: id, Nonce: opts.Nonce})
			} else {
				sig, err = domain.SignResume(key, entity.ResumeRequest{SubscriptionID: id, Nonce: opts.Nonce})
			}
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), map[string]any{
				"nonce":     opts.Nonce,
				"signature": hexutil.Encode(sig),
			})
		},
	}

	cmd.Flags().StringVar(&opts.ID, "id", "", "subscription id")
	cmd.Flags().Uint64Var(&opts.Nonce, "nonce", 0, "current subscriber nonce")
	_ = cmd.MarkFlagRequired("id")

	return cmd
}

func newSignCallCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CallOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "call",
		Short: "Sign the caller headers of one API request",
		Long: `Sign the X-Account, X-Signature and X-Issued-At headers for one request.
The body must be sent byte for byte as given.

Example:
  relayctl sign call --contract 0x... --method POST --path /api/v1/relayers \
    --body '{"amount":"100000000"}'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !cmd.Flags().Changed("issued-at") {
				opts.IssuedAt = time.Now().Unix()
			}
			return signCall(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Method, "method", "POST", "HTTP method")
	cmd.Flags().StringVar(&opts.Path, "path", "", "request path without the query")
	cmd.Flags().StringVar(&opts.Body, "body", "", "exact request body")
	cmd.Flags().Int64Var(&opts.IssuedAt, "issued-at", 0, "unix signing time (default now)")
	_ = cmd.MarkFlagRequired("path")

	return cmd
}

func signCall(opts *CallOptions, cmd *cobra.Command) error {
	key, err := opts.loadKey()
	if err != nil {
		return err
	}
	domain, err := opts.domain()
	if err != nil {
		return err
	}
	if !strings.HasPrefix(opts.Path, "/") || strings.Contains(opts.Path, "?") {
		return fmt.Errorf("--path must start with / and carry no query, got %q", opts.Path)
	}
	if opts.IssuedAt <= 0 {
		return fmt.Errorf("--issued-at must be a unix time")
	}

	method := strings.ToUpper(opts.Method)
	sig, err := domain.SignCaller(key, signing.NewCallerAuth(method, opts.Path, []byte(opts.Body), uint64(opts.IssuedAt)))
	if err != nil {
		return err
	}
	return writeJSON(cmd.OutOrStdout(), map[string]string{
		mw.AccountHeader:   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		mw.SignatureHeader: hexutil.Encode(sig),
		mw.IssuedAtHeader:  strconv.FormatInt(opts.IssuedAt, 10),
	})
}

func parseAddress(name, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s must be a 0x address, got %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func parseAmount(name, s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() < 0 {
		return nil, fmt.Errorf("--%s must be a decimal amount, got %q", name, s)
	}
	return v, nil
}

func parseHash(s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("--id must be a 32-byte 0x hash, got %q", s)
	}
	return common.BytesToHash(b), nil
}
