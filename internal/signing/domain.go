package signing

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"

	"subs_relay/internal/entity"
)

const (
	DefaultName    = "SubsRelay"
	DefaultVersion = "1"

	intentType = "SubscriptionIntent"
	pauseType  = "PauseRequest"
	resumeType = "ResumeRequest"
	callerType = "CallerAuth"
	domainType = "EIP712Domain"
)

var ErrInvalidDomain = errors.New("invalid signing domain")

// Field order is part of the wire format.
var types = apitypes.Types{
	domainType: {
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	intentType: {
		{Name: "subscriber", Type: "address"},
		{Name: "merchant", Type: "address"},
		{Name: "token", Type: "address"},
		{Name: "amount", Type: "uint256"},
		{Name: "interval", Type: "uint256"},
		{Name: "startTime", Type: "uint256"},
		{Name: "maxPayments", Type: "uint256"},
		{Name: "maxTotalAmount", Type: "uint256"},
		{Name: "expiry", Type: "uint256"},
		{Name: "nonce", Type: "uint256"},
	},
	pauseType: {
		{Name: "subscriptionId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
	resumeType: {
		{Name: "subscriptionId", Type: "bytes32"},
		{Name: "nonce", Type: "uint256"},
	},
	callerType: {
		{Name: "method", Type: "string"},
		{Name: "path", Type: "string"},
		{Name: "bodyHash", Type: "bytes32"},
		{Name: "issuedAt", Type: "uint256"},
	},
}

// CallerAuth proves that an account sent one HTTP request: it commits to the
// method, the path, the keccak256 of the body and the signing time.
type CallerAuth struct {
	Method   string
	Path     string
	BodyHash common.Hash
	IssuedAt uint64
}

// NewCallerAuth hashes body into a CallerAuth.
func NewCallerAuth(method, path string, body []byte, issuedAt uint64) CallerAuth {
	return CallerAuth{
		Method:   method,
		Path:     path,
		BodyHash: crypto.Keccak256Hash(body),
		IssuedAt: issuedAt,
	}
}

// Domain binds signatures to one protocol version on one chain and one ledger instance.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// NewDomain validates and returns a signing domain.
func NewDomain(name, version string, chainID *big.Int, verifyingContract common.Address) (*Domain, error) {
	if name == "" || version == "" {
		return nil, fmt.Errorf("%w: empty name or version", ErrInvalidDomain)
	}
	if chainID == nil || chainID.Sign() <= 0 {
		return nil, fmt.Errorf("%w: chain id must be > 0", ErrInvalidDomain)
	}
	if verifyingContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: empty verifying contract", ErrInvalidDomain)
	}
	return &Domain{
		Name:              name,
		Version:           version,
		ChainID:           new(big.Int).Set(chainID),
		VerifyingContract: verifyingContract,
	}, nil
}

func (d *Domain) typedData(primary string, msg apitypes.TypedDataMessage) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       types,
		PrimaryType: primary,
		Domain: apitypes.TypedDataDomain{
			Name:              d.Name,
			Version:           d.Version,
			ChainId:           (*math.HexOrDecimal256)(d.ChainID),
			VerifyingContract: d.VerifyingContract.Hex(),
		},
		Message: msg,
	}
}

// digest computes keccak256("\x19\x01" || domainSeparator || structHash)
func digest(td apitypes.TypedData) (common.Hash, error) {
	sep, err := td.HashStruct(domainType, td.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash domain: %w", err)
	}
	structHash, err := td.HashStruct(td.PrimaryType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash %s: %w", td.PrimaryType, err)
	}
	raw := make([]byte, 0, 66)
	raw = append(raw, 0x19, 0x01)
	raw = append(raw, sep...)
	raw = append(raw, structHash...)
	return crypto.Keccak256Hash(raw), nil
}

func intentMessage(in entity.Intent) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"subscriber":     in.Subscriber.Hex(),
		"merchant":       in.Merchant.Hex(),
		"token":          in.Token.Hex(),
		"amount":         decimal(in.Amount),
		"interval":       uintString(in.Interval),
		"startTime":      uintString(in.StartTime),
		"maxPayments":    uintString(in.MaxPayments),
		"maxTotalAmount": decimal(in.MaxTotalAmount),
		"expiry":         uintString(in.Expiry),
		"nonce":          uintString(in.Nonce),
	}
}

func requestMessage(id common.Hash, nonce uint64) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"subscriptionId": id.Bytes(),
		"nonce":          uintString(nonce),
	}
}

func callerMessage(a CallerAuth) apitypes.TypedDataMessage {
	return apitypes.TypedDataMessage{
		"method":   a.Method,
		"path":     a.Path,
		"bodyHash": a.BodyHash.Bytes(),
		"issuedAt": uintString(a.IssuedAt),
	}
}

// IntentID returns the deterministic subscription id: the struct hash of the intent.
func (d *Domain) IntentID(in entity.Intent) (common.Hash, error) {
	td := d.typedData(intentType, intentMessage(in))
	h, err := td.HashStruct(intentType, td.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("hash intent: %w", err)
	}
	return common.BytesToHash(h), nil
}

// IntentDigest returns the EIP-712 digest a subscriber signs for an intent.
func (d *Domain) IntentDigest(in entity.Intent) (common.Hash, error) {
	return digest(d.typedData(intentType, intentMessage(in)))
}

// PauseDigest returns the EIP-712 digest of a pause request.
func (d *Domain) PauseDigest(req entity.PauseRequest) (common.Hash, error) {
	return digest(d.typedData(pauseType, requestMessage(req.SubscriptionID, req.Nonce)))
}

// ResumeDigest returns the EIP-712 digest of a resume request.
func (d *Domain) ResumeDigest(req entity.ResumeRequest) (common.Hash, error) {
	return digest(d.typedData(resumeType, requestMessage(req.SubscriptionID, req.Nonce)))
}

// CallerDigest returns the EIP-712 digest of a caller authorization.
func (d *Domain) CallerDigest(a CallerAuth) (common.Hash, error) {
	return digest(d.typedData(callerType, callerMessage(a)))
}

// VerifyIntent recovers the intent signer. It never fails on a bad signature,
// it reports ok=false instead.
func (d *Domain) VerifyIntent(in entity.Intent, sig []byte) (bool, common.Address) {
	h, err := d.IntentDigest(in)
	if err != nil {
		return false, common.Address{}
	}
	return Recover(h, sig)
}

// VerifyPause recovers the signer of a pause request.
func (d *Domain) VerifyPause(req entity.PauseRequest, sig []byte) (bool, common.Address) {
	h, err := d.PauseDigest(req)
	if err != nil {
		return false, common.Address{}
	}
	return Recover(h, sig)
}

// VerifyResume recovers the signer of a resume request.
func (d *Domain) VerifyResume(req entity.ResumeRequest, sig []byte) (bool, common.Address) {
	h, err := d.ResumeDigest(req)
	if err != nil {
		return false, common.Address{}
	}
	return Recover(h, sig)
}

// VerifyCaller recovers the account that authorized a request.
func (d *Domain) VerifyCaller(a CallerAuth, sig []byte) (bool, common.Address) {
	h, err := d.CallerDigest(a)
	if err != nil {
		return false, common.Address{}
	}
	return Recover(h, sig)
}

// SignIntent signs an intent with key, returning a 65 byte r||s||v signature (v in {27,28}).
func (d *Domain) SignIntent(key *ecdsa.PrivateKey, in entity.Intent) ([]byte, error) {
	h, err := d.IntentDigest(in)
	if err != nil {
		return nil, err
	}
	return Sign(key, h)
}

// SignPause signs a pause request.
func (d *Domain) SignPause(key *ecdsa.PrivateKey, req entity.PauseRequest) ([]byte, error) {
	h, err := d.PauseDigest(req)
	if err != nil {
		return nil, err
	}
	return Sign(key, h)
}

// SignResume signs a resume request.
func (d *Domain) SignResume(key *ecdsa.PrivateKey, req entity.ResumeRequest) ([]byte, error) {
	h, err := d.ResumeDigest(req)
	if err != nil {
		return nil, err
	}
	return Sign(key, h)
}

// SignCaller signs a caller authorization.
func (d *Domain) SignCaller(key *ecdsa.PrivateKey, a CallerAuth) ([]byte, error) {
	h, err := d.CallerDigest(a)
	if err != nil {
		return nil, err
	}
	return Sign(key, h)
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func uintString(v uint64) string {
	return new(big.Int).SetUint64(v).String()
}
