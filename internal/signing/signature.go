package signing

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Sign produces a 65 byte signature over digest with the legacy 27/28 recovery id.
func Sign(key *ecdsa.PrivateKey, digest common.Hash) ([]byte, error) {
	sig, err := crypto.Sign(digest.Bytes(), key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

// Recover returns the account that signed digest. Malformed, malleable
// (high-s) or unrecoverable signatures yield ok=false.
func Recover(digest common.Hash, sig []byte) (bool, common.Address) {
	if len(sig) != crypto.SignatureLength {
		return false, common.Address{}
	}
	s := make([]byte, crypto.SignatureLength)
	copy(s, sig)
	if s[crypto.RecoveryIDOffset] >= 27 {
		s[crypto.RecoveryIDOffset] -= 27
	}
	v := s[crypto.RecoveryIDOffset]
	r := new(big.Int).SetBytes(s[:32])
	sv := new(big.Int).SetBytes(s[32:64])
	if !crypto.ValidateSignatureValues(v, r, sv, true) {
		return false, common.Address{}
	}
	pub, err := crypto.SigToPub(digest.Bytes(), s)
	if err != nil {
		return false, common.Address{}
	}
	return true, crypto.PubkeyToAddress(*pub)
}
