package crypto

import (
	"crypto/ecdsa"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Signer holds the node's secp256k1 identity key
// Issuance events gossiped to peers are signed with it so subscribers can pin the issuer node
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// GenerateKey creates a new random secp256k1 key pair
func GenerateKey() (*Signer, error) {
	privateKey, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("failed to generate key: %w", err)
	}
	return newSigner(privateKey), nil
}

// FromPrivateKeyHex creates a Signer from a hex-encoded private key
// Format: 64 hex chars, without 0x prefix
func FromPrivateKeyHex(hexKey string) (*Signer, error) {
	privateKey, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return newSigner(privateKey), nil
}

func newSigner(privateKey *ecdsa.PrivateKey) *Signer {
	return &Signer{
		privateKey: privateKey,
		address:    crypto.PubkeyToAddress(privateKey.PublicKey),
	}
}

// Address returns the Ethereum address derived from the public key
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign signs a 32-byte digest; returns [R || S || V] (65 bytes, V in {0,1})
func (s *Signer) Sign(hash []byte) ([]byte, error) {
	if len(hash) != 32 {
		return nil, fmt.Errorf("hash must be 32 bytes, got %d", len(hash))
	}

	signature, err := crypto.Sign(hash, s.privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	return signature, nil
}

// SignMessage hashes message with Keccak256 and signs the digest
func (s *Signer) SignMessage(message []byte) ([]byte, error) {
	return s.Sign(crypto.Keccak256(message))
}

// RecoverAddress recovers the signer's address from a digest and signature
func RecoverAddress(hash []byte, signature []byte) (common.Address, error) {
	if len(signature) != 65 {
		return common.Address{}, fmt.Errorf("invalid signature length: %d", len(signature))
	}
	if len(hash) != 32 {
		return common.Address{}, fmt.Errorf("invalid hash length: %d", len(hash))
	}

	publicKey, err := crypto.SigToPub(hash, signature)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to recover public key: %w", err)
	}
	return crypto.PubkeyToAddress(*publicKey), nil
}

// VerifySignature reports whether signature over hash was produced by address
func VerifySignature(address common.Address, hash []byte, signature []byte) bool {
	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		return false
	}
	return recovered == address
}

// InstanceAddress derives the address of the nonce-th order instance created by issuer,
// following CREATE address derivation so it matches what a clone factory would deploy
func InstanceAddress(issuer common.Address, nonce uint64) common.Address {
	return crypto.CreateAddress(issuer, nonce)
}
