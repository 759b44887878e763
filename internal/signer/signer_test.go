package signer

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/rs/zerolog"
)

const (
	testKeyHex   = "4c0883a69102937d6231471b5dcb26350a5dc323fd5ef234d73007eb41c9d0c7"
	testContract = "0x1111111111111111111111111111111111111111"
	testTo       = "0x2222222222222222222222222222222222222222"
)

func newTestSigner(t *testing.T) *Signer {
	t.Helper()
	s, err := New(Options{
		PrivateKeyHex:     testKeyHex,
		TokenName:         "USD Coin",
		TokenVersion:      "2",
		ChainID:           25,
		VerifyingContract: testContract,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestSignerRejectsMissingKey(t *testing.T) {
	if _, err := New(Options{VerifyingContract: testContract}, zerolog.Nop()); err == nil {
		t.Fatal("缺少私钥时应返回错误")
	}
}

func TestSignerRejectsBadAddresses(t *testing.T) {
	if _, err := New(Options{
		PrivateKeyHex:     testKeyHex,
		VerifyingContract: "not-an-address",
	}, zerolog.Nop()); err == nil {
		t.Fatal("非法 verifying contract 应返回错误")
	}

	s := newTestSigner(t)
	if _, err := s.Sign("0x123", big.NewInt(1), 0, 0); err == nil {
		t.Fatal("非法 recipient 应返回错误")
	}
}

func TestSignDeterministicWithFixedNonce(t *testing.T) {
	s := newTestSigner(t)

	var nonce [32]byte
	nonce[31] = 0x01

	to := common.HexToAddress(testTo)
	first, err := s.sign(to, big.NewInt(1_000_000), 100, 3700, nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	second, err := s.sign(to, big.NewInt(1_000_000), 100, 3700, nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	if !bytes.Equal(first.Signature, second.Signature) {
		t.Fatal("相同输入与 nonce 应产生相同签名")
	}
	if first.V != second.V || first.R != second.R || first.S != second.S {
		t.Fatal("v/r/s 应可复现")
	}
}

func TestSignRecoversPayerAddress(t *testing.T) {
	s := newTestSigner(t)

	var nonce [32]byte
	nonce[0] = 0xab

	to := common.HexToAddress(testTo)
	auth, err := s.sign(to, big.NewInt(42), 10, 20, nonce)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	digest := s.digest(to, big.NewInt(42), 10, 20, nonce)
	pub, err := crypto.SigToPub(digest[:], auth.Signature)
	if err != nil {
		t.Fatalf("SigToPub: %v", err)
	}
	if recovered := crypto.PubkeyToAddress(*pub); recovered != s.Address() {
		t.Fatalf("恢复地址不匹配: %s != %s", recovered.Hex(), s.Address().Hex())
	}
	if auth.From != s.Address() {
		t.Fatalf("From 应为 payer 地址")
	}
	if auth.V != 27 && auth.V != 28 {
		t.Fatalf("v 应为 27/28, 实际 %d", auth.V)
	}
}

func TestDigestSensitivity(t *testing.T) {
	s := newTestSigner(t)

	var nonce [32]byte
	to := common.HexToAddress(testTo)
	base := s.digest(to, big.NewInt(100), 10, 20, nonce)

	cases := map[string][32]byte{
		"value":       s.digest(to, big.NewInt(101), 10, 20, nonce),
		"validAfter":  s.digest(to, big.NewInt(100), 11, 20, nonce),
		"validBefore": s.digest(to, big.NewInt(100), 10, 21, nonce),
		"to":          s.digest(common.HexToAddress("0x3333333333333333333333333333333333333333"), big.NewInt(100), 10, 20, nonce),
	}

	var altered [32]byte
	altered[31] = 1
	cases["nonce"] = s.digest(to, big.NewInt(100), 10, 20, altered)

	for field, digest := range cases {
		if digest == base {
			t.Fatalf("修改 %s 后 digest 应变化", field)
		}
	}
}

func TestSignGeneratesFreshNonces(t *testing.T) {
	s := newTestSigner(t)

	first, err := s.Sign(testTo, big.NewInt(1), 0, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	second, err := s.Sign(testTo, big.NewInt(1), 0, 0)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if first.Nonce == second.Nonce {
		t.Fatal("每次签名应使用全新随机 nonce")
	}
	if first.ValidBefore != first.ValidAfter+3600 {
		t.Fatalf("validBefore 默认应为 validAfter+3600, 实际 %d", first.ValidBefore)
	}
}
