// Package facilitator verifies x402 "exact" payment proofs: EIP-3009
// transferWithAuthorization messages signed by the payer.
package facilitator

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var transferTypeHash = crypto.Keccak256Hash([]byte(
	"TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)",
))

var domainTypeHash = crypto.Keccak256Hash([]byte(
	"EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)",
))

// Domain is the token's EIP-712 domain.
type Domain struct {
	Name    string
	Version string
	ChainID *big.Int
	Token   common.Address
}

// Transfer is the signed EIP-3009 message.
type Transfer struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       [32]byte
}

func (d Domain) separator() [32]byte {
	// abi.encode(bytes32, bytes32, bytes32, uint256, address)
	encoded := make([]byte, 5*32)
	copy(encoded[0:32], domainTypeHash[:])
	nameHash := crypto.Keccak256Hash([]byte(d.Name))
	copy(encoded[32:64], nameHash[:])
	versionHash := crypto.Keccak256Hash([]byte(d.Version))
	copy(encoded[64:96], versionHash[:])
	d.ChainID.FillBytes(encoded[96:128])
	copy(encoded[140:160], d.Token.Bytes())
	return crypto.Keccak256Hash(encoded)
}

// Digest is keccak256(0x1901 || domainSeparator || structHash).
func Digest(t *Transfer, d Domain) [32]byte {
	encoded := make([]byte, 7*32)
	copy(encoded[0:32], transferTypeHash[:])
	copy(encoded[44:64], t.From.Bytes())
	copy(encoded[76:96], t.To.Bytes())
	t.Value.FillBytes(encoded[96:128])
	t.ValidAfter.FillBytes(encoded[128:160])
	t.ValidBefore.FillBytes(encoded[160:192])
	copy(encoded[192:224], t.Nonce[:])
	structHash := crypto.Keccak256Hash(encoded)

	sep := d.separator()
	msg := make([]byte, 2+32+32)
	msg[0] = 0x19
	msg[1] = 0x01
	copy(msg[2:34], sep[:])
	copy(msg[34:66], structHash[:])
	return crypto.Keccak256Hash(msg)
}

// Sign produces a 65-byte signature with V in {27,28}, as wallets do.
func Sign(t *Transfer, d Domain, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := Digest(t, d)
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return sig, nil
}

// Recover returns the address that signed t under d.
func Recover(t *Transfer, d Domain, sig []byte) (common.Address, error) {
	if len(sig) != 65 {
		return common.Address{}, errors.New("invalid signature length")
	}
	s := make([]byte, 65)
	copy(s, sig)
	if s[64] >= 27 {
		s[64] -= 27
	}
	digest := Digest(t, d)
	pub, err := crypto.SigToPub(digest[:], s)
	if err != nil {
		return common.Address{}, fmt.Errorf("ecrecover: %w", err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// parseUint256 accepts decimal or 0x-hex and rejects negatives and overflow.
func parseUint256(s string) (*big.Int, bool) {
	n, ok := new(big.Int).SetString(s, 0)
	if !ok || n.Sign() < 0 || n.BitLen() > 256 {
		return nil, false
	}
	return n, true
}

func parseBytes32(s string) ([32]byte, bool) {
	var out [32]byte
	b := common.FromHex(s)
	if len(b) != 32 {
		return out, false
	}
	copy(out[:], b)
	return out, true
}
