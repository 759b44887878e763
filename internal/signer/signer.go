package signer

import (
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

var (
	// ErrKeyUnavailable indicates the signing key was not configured or unusable.
	ErrKeyUnavailable = errors.New("signer: key unavailable")
	// ErrInvalidAddress indicates a malformed hex address input.
	ErrInvalidAddress = errors.New("signer: invalid address")
)

var (
	domainTypeHash = crypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"),
	)
	transferTypeHash = crypto.Keccak256(
		[]byte("TransferWithAuthorization(address from,address to,uint256 value,uint256 validAfter,uint256 validBefore,bytes32 nonce)"),
	)
)

// Options identify the settlement token's EIP-712 domain.
type Options struct {
	PrivateKeyHex     string
	TokenName         string
	TokenVersion      string
	ChainID           int64
	VerifyingContract string
}

// Authorization is the EIP-3009 transferWithAuthorization tuple plus its
// signature. It is ephemeral; the chain is the record of truth.
type Authorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  uint64
	ValidBefore uint64
	Nonce       [32]byte
	V           uint8
	R           [32]byte
	S           [32]byte
	Signature   []byte
}

// NonceHex renders the nonce as a 0x-prefixed hex string.
func (a Authorization) NonceHex() string {
	return "0x" + hex.EncodeToString(a.Nonce[:])
}

// Signer builds and signs transferWithAuthorization messages with the
// agent's key. It performs no ledger I/O; signing is pure except for nonce
// randomness.
type Signer struct {
	key             *ecdsa.PrivateKey
	address         common.Address
	domainSeparator [32]byte
	logger          zerolog.Logger

	// entropy is crypto/rand in production; tests substitute a fixed reader.
	entropy io.Reader
}

// New parses the agent key and precomputes the token domain separator.
func New(opts Options, logger zerolog.Logger) (*Signer, error) {
	if opts.PrivateKeyHex == "" {
		return nil, ErrKeyUnavailable
	}
	keyHex := opts.PrivateKeyHex
	if len(keyHex) > 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	key, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}
	if !common.IsHexAddress(opts.VerifyingContract) {
		return nil, fmt.Errorf("%w: verifying contract %q", ErrInvalidAddress, opts.VerifyingContract)
	}

	separator := domainSeparator(
		opts.TokenName,
		opts.TokenVersion,
		big.NewInt(opts.ChainID),
		common.HexToAddress(opts.VerifyingContract),
	)

	return &Signer{
		key:             key,
		address:         crypto.PubkeyToAddress(key.PublicKey),
		domainSeparator: separator,
		logger:          logger.With().Str("component", "signer").Logger(),
		entropy:         rand.Reader,
	}, nil
}

// Address returns the agent's payer address.
func (s *Signer) Address() common.Address {
	return s.address
}

// Sign produces a transferWithAuthorization for the given recipient and
// value in the token's minor units. validAfter defaults to issuance time and
// validBefore to validAfter plus one hour. The nonce is a fresh random
// 32-byte value on every call; it is never derived from counters or reused.
func (s *Signer) Sign(recipient string, value *big.Int, validAfter, validBefore uint64) (Authorization, error) {
	if s == nil || s.key == nil {
		return Authorization{}, ErrKeyUnavailable
	}
	if !common.IsHexAddress(recipient) {
		return Authorization{}, fmt.Errorf("%w: recipient %q", ErrInvalidAddress, recipient)
	}
	if value == nil || value.Sign() < 0 {
		return Authorization{}, fmt.Errorf("value must be a non-negative integer")
	}

	if validAfter == 0 {
		validAfter = uint64(time.Now().UTC().Unix())
	}
	if validBefore == 0 {
		validBefore = validAfter + 3600
	}

	var nonce [32]byte
	if _, err := io.ReadFull(s.entropy, nonce[:]); err != nil {
		return Authorization{}, fmt.Errorf("generate nonce: %w", err)
	}

	return s.sign(common.HexToAddress(recipient), value, validAfter, validBefore, nonce)
}

// sign is deterministic given the nonce; Sign wraps it with fresh randomness.
func (s *Signer) sign(to common.Address, value *big.Int, validAfter, validBefore uint64, nonce [32]byte) (Authorization, error) {
	digest := s.digest(to, value, validAfter, validBefore, nonce)

	sig, err := crypto.Sign(digest[:], s.key)
	if err != nil {
		return Authorization{}, fmt.Errorf("%w: %v", ErrKeyUnavailable, err)
	}

	auth := Authorization{
		From:        s.address,
		To:          to,
		Value:       new(big.Int).Set(value),
		ValidAfter:  validAfter,
		ValidBefore: validBefore,
		Nonce:       nonce,
		V:           sig[64] + 27,
		Signature:   sig,
	}
	copy(auth.R[:], sig[:32])
	copy(auth.S[:], sig[32:64])

	s.logger.Debug().
		Str("to", to.Hex()).
		Str("value", value.String()).
		Uint64("valid_before", validBefore).
		Msg("authorization signed")

	return auth, nil
}

// digest computes keccak256(0x19 0x01 ‖ domainSeparator ‖ structHash).
func (s *Signer) digest(to common.Address, value *big.Int, validAfter, validBefore uint64, nonce [32]byte) [32]byte {
	structHash := crypto.Keccak256(
		transferTypeHash,
		padAddress(s.address),
		padAddress(to),
		padUint(value),
		padUint(new(big.Int).SetUint64(validAfter)),
		padUint(new(big.Int).SetUint64(validBefore)),
		nonce[:],
	)

	var digest [32]byte
	copy(digest[:], crypto.Keccak256([]byte{0x19, 0x01}, s.domainSeparator[:], structHash))
	return digest
}

func domainSeparator(name, version string, chainID *big.Int, contract common.Address) [32]byte {
	var separator [32]byte
	copy(separator[:], crypto.Keccak256(
		domainTypeHash,
		crypto.Keccak256([]byte(name)),
		crypto.Keccak256([]byte(version)),
		padUint(chainID),
		padAddress(contract),
	))
	return separator
}

func padAddress(addr common.Address) []byte {
	return common.LeftPadBytes(addr.Bytes(), 32)
}

func padUint(v *big.Int) []byte {
	return common.LeftPadBytes(v.Bytes(), 32)
}
