package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"os"

	"github.com/uhyunpark/clearhouse/pkg/api"
	"github.com/uhyunpark/clearhouse/pkg/crypto"
)

func main() {
	keyHex := flag.String("key", "", "private key hex (default: generate a new one)")
	base := flag.String("base", "vETH", "base token of the market")
	amount := flag.String("amount", "100000000000000000000", "amount in raw token units")
	sell := flag.Bool("sell", false, "sell base (short) instead of buying it")
	exactOutput := flag.Bool("exact-output", false, "amount is what to receive rather than what to pay")
	limit := flag.String("limit", "", "sqrt price limit (Q64.96), empty for none")
	nonce := flag.Uint64("nonce", 1, "request nonce, unique per trader")
	deadline := flag.Int64("deadline", 0, "unix seconds after which the request is void, 0 = never")
	chainID := flag.Int64("chain-id", 1337, "EIP-712 domain chain id")
	flag.Parse()

	// Step 1: Generate or load key
	var signer *crypto.Signer
	var err error
	if *keyHex != "" {
		signer, err = crypto.FromPrivateKeyHex(*keyHex)
	} else {
		fmt.Fprintln(os.Stderr, "Generating new keypair...")
		signer, err = crypto.GenerateKey()
		if err == nil {
			fmt.Fprintf(os.Stderr, "Private Key: %s (KEEP SECRET!)\n", signer.PrivateKeyHex())
		}
	}
	if err != nil {
		fail("key", err)
	}
	fmt.Fprintf(os.Stderr, "Address: %s\n\n", signer.Address().Hex())

	// Step 2: Build the typed message
	amt, ok := new(big.Int).SetString(*amount, 10)
	if !ok || amt.Sign() <= 0 {
		fail("amount", fmt.Errorf("invalid amount %q", *amount))
	}
	msg := &crypto.OpenPositionEIP712{
		Trader:        signer.Address(),
		BaseToken:     *base,
		IsBaseToQuote: *sell,
		IsExactInput:  !*exactOutput,
		Amount:        amt,
		Nonce:         new(big.Int).SetUint64(*nonce),
		Deadline:      big.NewInt(*deadline),
	}
	if *limit != "" {
		l, ok := new(big.Int).SetString(*limit, 10)
		if !ok || l.Sign() < 0 {
			fail("limit", fmt.Errorf("invalid sqrt price limit %q", *limit))
		}
		msg.SqrtPriceLimitX96 = l
	}

	// Step 3: Sign with EIP-712
	domain := crypto.DefaultDomain()
	domain.ChainID = big.NewInt(*chainID)
	eip712 := crypto.NewEIP712Signer(domain)

	signature, err := eip712.SignOpenPosition(signer, msg)
	if err != nil {
		fail("sign", err)
	}

	// Step 4: Verify before printing
	valid, err := eip712.VerifyOpenPosition(msg, signature)
	if err != nil {
		fail("verify", err)
	}
	if !valid {
		fail("verify", fmt.Errorf("signature does not recover to %s", signer.Address().Hex()))
	}

	// Step 5: Print the request body
	req := api.OpenPositionRequest{
		Trader:        signer.Address().Hex(),
		BaseToken:     msg.BaseToken,
		IsBaseToQuote: msg.IsBaseToQuote,
		IsExactInput:  msg.IsExactInput,
		Amount:        amt.String(),
		Nonce:         *nonce,
		Deadline:      *deadline,
		Signature:     fmt.Sprintf("0x%x", signature),
	}
	if msg.SqrtPriceLimitX96 != nil {
		req.SqrtPriceLimitX96 = msg.SqrtPriceLimitX96.String()
	}
	body, err := json.MarshalIndent(req, "", "  ")
	if err != nil {
		fail("marshal", err)
	}

	fmt.Fprintln(os.Stderr, "POST http://localhost:8080/api/v1/positions")
	fmt.Println(string(body))
}

func fail(step string, err error) {
	fmt.Fprintf(os.Stderr, "Error (%s): %v\n", step, err)
	os.Exit(1)
}
