// Package oracle talks to remote resolution oracles: it fetches market
// outcomes over HTTP, checks their secp256k1 attestations and derives keccak
// evidence digests.
package oracle

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/alanyoungcy/pulsemarket/internal/domain"
)

// attestationPrefix domain-separates resolution digests.
const attestationPrefix = "pulsemarket/resolution/v1|"

// Digest returns keccak256 of the resolution key.
func Digest(key domain.ResolutionKey) []byte {
	return ethcrypto.Keccak256([]byte(attestationPrefix + key.String()))
}

// Attestor signs resolutions with a secp256k1 key.
type Attestor struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewAttestor creates an Attestor from a hex-encoded private key, with or
// without 0x prefix.
func NewAttestor(privateKeyHex string) (*Attestor, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("oracle/attest: invalid private key: %w", err)
	}
	return &Attestor{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}, nil
}

// Address returns the address derived from the signing key.
func (a *Attestor) Address() common.Address { return a.address }

// Sign returns a 0x-prefixed 65-byte signature over Digest(res.Key()). The
// recovery byte is 27 or 28.
func (a *Attestor) Sign(res domain.MarketResolution) (string, error) {
	sig, err := ethcrypto.Sign(Digest(res.Key()), a.privateKey)
	if err != nil {
		return "", fmt.Errorf("oracle/attest: sign: %w", err)
	}
	sig[64] += 27
	return "0x" + hex.EncodeToString(sig), nil
}

// Verify checks that sigHex over res was produced by want.
func Verify(res domain.MarketResolution, sigHex string, want common.Address) error {
	sig, err := hex.DecodeString(strings.TrimPrefix(sigHex, "0x"))
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("oracle/attest: malformed signature: %w", domain.ErrUnauthorized)
	}
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	pub, err := ethcrypto.SigToPub(Digest(res.Key()), sig)
	if err != nil {
		return fmt.Errorf("oracle/attest: recover: %v: %w", err, domain.ErrUnauthorized)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != want {
		return fmt.Errorf("oracle/attest: signed by %s, want %s: %w", got.Hex(), want.Hex(), domain.ErrUnauthorized)
	}
	return nil
}
