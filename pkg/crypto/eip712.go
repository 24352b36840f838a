package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain separates signatures across deployments and chains
type EIP712Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address // zero for off-chain signing
}

// DefaultDomain is the local development domain
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "Clearhouse",
		Version:           "1",
		ChainID:           big.NewInt(1337),
		VerifyingContract: common.Address{},
	}
}

// OpenPositionEIP712 is the typed message a trader signs to open or change a position.
// Amount and SqrtPriceLimitX96 are raw token units and Q64.96; a zero limit means none.
type OpenPositionEIP712 struct {
	Trader            common.Address
	BaseToken         string
	IsBaseToQuote     bool
	IsExactInput      bool
	Amount            *big.Int
	SqrtPriceLimitX96 *big.Int
	Nonce             *big.Int
	Deadline          *big.Int // unix seconds, 0 = no expiry
}

var openPositionTypes = apitypes.Types{
	"EIP712Domain": []apitypes.Type{
		{Name: "name", Type: "string"},
		{Name: "version", Type: "string"},
		{Name: "chainId", Type: "uint256"},
		{Name: "verifyingContract", Type: "address"},
	},
	"OpenPosition": []apitypes.Type{
		{Name: "trader", Type: "address"},
		{Name: "baseToken", Type: "string"},
		{Name: "isBaseToQuote", Type: "bool"},
		{Name: "isExactInput", Type: "bool"},
		{Name: "amount", Type: "uint256"},
		{Name: "sqrtPriceLimitX96", Type: "uint160"},
		{Name: "nonce", Type: "uint256"},
		{Name: "deadline", Type: "uint256"},
	},
}

// EIP712Signer hashes and verifies typed messages under one domain
type EIP712Signer struct {
	domain EIP712Domain
}

func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	return &EIP712Signer{domain: domain}
}

func (e *EIP712Signer) Domain() EIP712Domain { return e.domain }

func orZero(x *big.Int) *big.Int {
	if x == nil {
		return new(big.Int)
	}
	return x
}

// TypedData builds the eth_signTypedData_v4 payload for msg
func (e *EIP712Signer) TypedData(msg *OpenPositionEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types:       openPositionTypes,
		PrimaryType: "OpenPosition",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"trader":            msg.Trader.Hex(),
			"baseToken":         msg.BaseToken,
			"isBaseToQuote":     msg.IsBaseToQuote,
			"isExactInput":      msg.IsExactInput,
			"amount":            orZero(msg.Amount).String(),
			"sqrtPriceLimitX96": orZero(msg.SqrtPriceLimitX96).String(),
			"nonce":             orZero(msg.Nonce).String(),
			"deadline":          orZero(msg.Deadline).String(),
		},
	}
}

// HashOpenPosition returns keccak256("\x19\x01" || domainSeparator || hashStruct(msg))
func (e *EIP712Signer) HashOpenPosition(msg *OpenPositionEIP712) ([]byte, error) {
	typedData := e.TypedData(msg)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return nil, fmt.Errorf("failed to hash domain: %w", err)
	}
	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return nil, fmt.Errorf("failed to hash message: %w", err)
	}

	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData).Bytes(), nil
}

func (e *EIP712Signer) SignOpenPosition(signer *Signer, msg *OpenPositionEIP712) ([]byte, error) {
	hash, err := e.HashOpenPosition(msg)
	if err != nil {
		return nil, err
	}
	return signer.Sign(hash)
}

// RecoverOpenPositionSigner returns who signed msg
func (e *EIP712Signer) RecoverOpenPositionSigner(msg *OpenPositionEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOpenPosition(msg)
	if err != nil {
		return common.Address{}, err
	}
	return RecoverAddress(hash, signature)
}

// VerifyOpenPosition reports whether msg was signed by its own trader
func (e *EIP712Signer) VerifyOpenPosition(msg *OpenPositionEIP712, signature []byte) (bool, error) {
	signer, err := e.RecoverOpenPositionSigner(msg, signature)
	if err != nil {
		return false, err
	}
	return signer == msg.Trader, nil
}

// OpenPositionToJSON renders msg for wallets (eth_signTypedData_v4)
func (e *EIP712Signer) OpenPositionToJSON(msg *OpenPositionEIP712) (string, error) {
	out, err := json.MarshalIndent(e.TypedData(msg), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return string(out), nil
}
