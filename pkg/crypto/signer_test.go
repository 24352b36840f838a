package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	eth_crypto "github.com/ethereum/go-ethereum/crypto"
)

func TestGenerateKey(t *testing.T) {
	signer, err := GenerateKey()
	if err != nil {
		t.Fatalf("failed to generate key: %v", err)
	}

	if signer.Address() == (common.Address{}) {
		t.Error("generated zero address")
	}
	if n := len(signer.PrivateKeyHex()); n != 64 {
		t.Errorf("private key hex length = %d, want 64", n)
	}
}

func TestFromPrivateKeyHex(t *testing.T) {
	signer1, _ := GenerateKey()
	privHex := signer1.PrivateKeyHex()

	for _, in := range []string{privHex, "0x" + privHex} {
		signer2, err := FromPrivateKeyHex(in)
		if err != nil {
			t.Fatalf("failed to load key %q: %v", in, err)
		}
		if signer2.Address() != signer1.Address() {
			t.Errorf("address = %s, want %s", signer2.Address().Hex(), signer1.Address().Hex())
		}
	}

	if _, err := FromPrivateKeyHex("zz"); err == nil {
		t.Error("expected error for malformed key")
	}
}

func TestRecoverAddress(t *testing.T) {
	signer, _ := GenerateKey()
	hash := eth_crypto.Keccak256([]byte("Test message"))

	signature, err := signer.Sign(hash)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}
	if len(signature) != 65 {
		t.Fatalf("signature length = %d, want 65", len(signature))
	}

	recovered, err := RecoverAddress(hash, signature)
	if err != nil {
		t.Fatalf("failed to recover address: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered address = %s, want %s", recovered.Hex(), signer.Address().Hex())
	}

	// wallets send V as 27/28
	walletSig := append([]byte(nil), signature...)
	walletSig[64] += 27
	recovered, err = RecoverAddress(hash, walletSig)
	if err != nil || recovered != signer.Address() {
		t.Errorf("wallet-style signature recovered %s, %v", recovered.Hex(), err)
	}
}

func TestInvalidSignature(t *testing.T) {
	hash := common.BytesToHash([]byte("test")).Bytes()

	if _, err := RecoverAddress(hash, []byte{1, 2, 3}); err == nil {
		t.Error("short signature should not recover")
	}
	if _, err := RecoverAddress([]byte("short"), make([]byte, 65)); err == nil {
		t.Error("short hash should not recover")
	}
	if _, err := DecodeSignature("0x1234"); err == nil {
		t.Error("short hex signature should not decode")
	}
	if _, err := DecodeSignature("nothex"); err == nil {
		t.Error("non-hex signature should not decode")
	}
}

func testOpenPosition(trader common.Address) *OpenPositionEIP712 {
	amount, _ := new(big.Int).SetString("100000000000000000000", 10)
	return &OpenPositionEIP712{
		Trader:       trader,
		BaseToken:    "vETH",
		IsExactInput: true,
		Amount:       amount,
		Nonce:        big.NewInt(1),
		Deadline:     big.NewInt(0),
	}
}

func TestOpenPositionSignAndVerify(t *testing.T) {
	signer, _ := GenerateKey()
	e := NewEIP712Signer(DefaultDomain())
	msg := testOpenPosition(signer.Address())

	sig, err := e.SignOpenPosition(signer, msg)
	if err != nil {
		t.Fatalf("failed to sign: %v", err)
	}

	ok, err := e.VerifyOpenPosition(msg, sig)
	if err != nil || !ok {
		t.Fatalf("valid signature rejected: ok=%v err=%v", ok, err)
	}

	decoded, err := DecodeSignature(fmt.Sprintf("0x%x", sig))
	if err != nil {
		t.Fatalf("failed to decode: %v", err)
	}
	if ok, _ := e.VerifyOpenPosition(msg, decoded); !ok {
		t.Error("hex round trip broke the signature")
	}

	tampered := *msg
	tampered.IsBaseToQuote = true
	if ok, _ := e.VerifyOpenPosition(&tampered, sig); ok {
		t.Error("signature verified for a different direction")
	}

	other := NewEIP712Signer(EIP712Domain{Name: "Clearhouse", Version: "1", ChainID: big.NewInt(1)})
	if ok, _ := other.VerifyOpenPosition(msg, sig); ok {
		t.Error("signature verified under another chain id")
	}
}

func TestOpenPositionHashIsStable(t *testing.T) {
	e := NewEIP712Signer(DefaultDomain())
	msg := testOpenPosition(common.HexToAddress("0x0000000000000000000000000000000000001111"))

	h1, err := e.HashOpenPosition(msg)
	if err != nil {
		t.Fatal(err)
	}
	// nil limit and explicit zero sign the same message
	msg.SqrtPriceLimitX96 = new(big.Int)
	h2, err := e.HashOpenPosition(msg)
	if err != nil {
		t.Fatal(err)
	}
	if common.BytesToHash(h1) != common.BytesToHash(h2) {
		t.Error("nil and zero limit hash differently")
	}
}

func TestOpenPositionToJSON(t *testing.T) {
	e := NewEIP712Signer(DefaultDomain())
	out, err := e.OpenPositionToJSON(testOpenPosition(common.HexToAddress("0x01")))
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if decoded["primaryType"] != "OpenPosition" {
		t.Errorf("primaryType = %v", decoded["primaryType"])
	}
}
