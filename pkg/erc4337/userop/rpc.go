package userop

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/mitchellh/mapstructure"
)

var (
	// verification gas assumed when a client leaves it out
	defaultVerificationGasLimit = big.NewInt(10_000_000)
	// placeholder signature byte for operations submitted without one
	placeholderSigByte = byte(1)
)

// RPCUserOperation is the JSON-RPC wire form of a UserOperation: every numeric and byte
// field is a 0x prefixed hex string.
type RPCUserOperation struct {
	Sender               string `json:"sender" mapstructure:"sender"`
	Nonce                string `json:"nonce" mapstructure:"nonce"`
	InitCode             string `json:"initCode" mapstructure:"initCode"`
	CallData             string `json:"callData" mapstructure:"callData"`
	CallGasLimit         string `json:"callGasLimit" mapstructure:"callGasLimit"`
	VerificationGasLimit string `json:"verificationGasLimit" mapstructure:"verificationGasLimit"`
	PreVerificationGas   string `json:"preVerificationGas" mapstructure:"preVerificationGas"`
	MaxFeePerGas         string `json:"maxFeePerGas" mapstructure:"maxFeePerGas"`
	MaxPriorityFeePerGas string `json:"maxPriorityFeePerGas" mapstructure:"maxPriorityFeePerGas"`
	PaymasterAndData     string `json:"paymasterAndData" mapstructure:"paymasterAndData"`
	Signature            string `json:"signature" mapstructure:"signature"`
}

// ToRPC renders op in its wire form
func (op *UserOperation) ToRPC() *RPCUserOperation {
	return &RPCUserOperation{
		Sender:               op.Sender.Hex(),
		Nonce:                hexBig(op.Nonce),
		InitCode:             hexutil.Encode(op.InitCode),
		CallData:             hexutil.Encode(op.CallData),
		CallGasLimit:         hexBig(op.CallGasLimit),
		VerificationGasLimit: hexBig(op.VerificationGasLimit),
		PreVerificationGas:   hexBig(op.PreVerificationGas),
		MaxFeePerGas:         hexBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: hexBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     hexutil.Encode(op.PaymasterAndData),
		Signature:            hexutil.Encode(op.Signature),
	}
}

// FromRPC parses the wire form. Only sender is mandatory; absent fields take the
// defaults bundlers apply to partial operations.
func FromRPC(r *RPCUserOperation) (*UserOperation, error) {
	if !common.IsHexAddress(r.Sender) {
		return nil, fmt.Errorf("invalid sender address %q", r.Sender)
	}

	op := &UserOperation{Sender: common.HexToAddress(r.Sender)}

	var err error
	numbers := []struct {
		name string
		raw  string
		dst  **big.Int
		def  *big.Int
	}{
		{"nonce", r.Nonce, &op.Nonce, nil},
		{"callGasLimit", r.CallGasLimit, &op.CallGasLimit, nil},
		{"verificationGasLimit", r.VerificationGasLimit, &op.VerificationGasLimit, defaultVerificationGasLimit},
		{"preVerificationGas", r.PreVerificationGas, &op.PreVerificationGas, nil},
		{"maxFeePerGas", r.MaxFeePerGas, &op.MaxFeePerGas, nil},
		{"maxPriorityFeePerGas", r.MaxPriorityFeePerGas, &op.MaxPriorityFeePerGas, nil},
	}
	for _, n := range numbers {
		if *n.dst, err = parseBig(n.raw, n.def); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", n.name, err)
		}
	}

	blobs := []struct {
		name string
		raw  string
		dst  *[]byte
	}{
		{"initCode", r.InitCode, &op.InitCode},
		{"callData", r.CallData, &op.CallData},
		{"paymasterAndData", r.PaymasterAndData, &op.PaymasterAndData},
		{"signature", r.Signature, &op.Signature},
	}
	for _, b := range blobs {
		if *b.dst, err = parseBytes(b.raw); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", b.name, err)
		}
	}

	if r.Signature == "" {
		op.Signature = make([]byte, pvgSigSize)
		for i := range op.Signature {
			op.Signature[i] = placeholderSigByte
		}
	}

	return op, nil
}

// DecodeRPC converts a loosely typed JSON-RPC param, as produced by decoding a request into
// map[string]any, into a UserOperation.
func DecodeRPC(param map[string]any) (*UserOperation, error) {
	var raw RPCUserOperation
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return nil, err
	}

	if err := decoder.Decode(param); err != nil {
		return nil, fmt.Errorf("malformed user operation: %w", err)
	}

	return FromRPC(&raw)
}

func (op *UserOperation) MarshalJSON() ([]byte, error) {
	return json.Marshal(op.ToRPC())
}

func (op *UserOperation) UnmarshalJSON(data []byte) error {
	var raw RPCUserOperation
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	parsed, err := FromRPC(&raw)
	if err != nil {
		return err
	}

	*op = *parsed
	return nil
}

func hexBig(v *big.Int) string {
	return hexutil.EncodeBig(bigOrZero(v))
}

// parseBig accepts 0x prefixed hex with or without leading zeros
func parseBig(s string, def *big.Int) (*big.Int, error) {
	if s == "" {
		if def == nil {
			return new(big.Int), nil
		}
		return new(big.Int).Set(def), nil
	}

	digits := strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if digits == s {
		return nil, fmt.Errorf("missing 0x prefix in %q", s)
	}
	if digits == "" {
		return new(big.Int), nil
	}

	v, ok := new(big.Int).SetString(digits, 16)
	if !ok {
		return nil, fmt.Errorf("bad hex number %q", s)
	}
	if v.BitLen() > 256 {
		return nil, fmt.Errorf("number %q exceeds 256 bits", s)
	}
	return v, nil
}

func parseBytes(s string) ([]byte, error) {
	if s == "" || s == "0x" {
		return []byte{}, nil
	}
	return hexutil.Decode(s)
}
