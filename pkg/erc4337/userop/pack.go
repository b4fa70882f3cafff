package userop

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// Overheads used to estimate the calldata cost a bundler pays for including an operation.
// These match the reference bundler so estimates agree with what wallets compute.
const (
	pvgFixed       = 21000
	pvgPerUserOp   = 18300
	pvgPerWord     = 4
	pvgZeroByte    = 4
	pvgNonZeroByte = 16
	pvgBundleSize  = 1
	pvgSigSize     = 65
)

var (
	userOpTuple, _ = abi.NewType("tuple", "UserOperation", []abi.ArgumentMarshaling{
		{Name: "sender", Type: "address"},
		{Name: "nonce", Type: "uint256"},
		{Name: "initCode", Type: "bytes"},
		{Name: "callData", Type: "bytes"},
		{Name: "callGasLimit", Type: "uint256"},
		{Name: "verificationGasLimit", Type: "uint256"},
		{Name: "preVerificationGas", Type: "uint256"},
		{Name: "maxFeePerGas", Type: "uint256"},
		{Name: "maxPriorityFeePerGas", Type: "uint256"},
		{Name: "paymasterAndData", Type: "bytes"},
		{Name: "signature", Type: "bytes"},
	})

	userOpArgs = abi.Arguments{{Name: "userOp", Type: userOpTuple}}
)

// Pack is the abi encoding of the operation as a tuple, signature included.
func (op *UserOperation) Pack() ([]byte, error) {
	c := op.Clone()
	c.Normalize()

	encoded, err := userOpArgs.Pack(*c)
	if err != nil {
		return nil, fmt.Errorf("cannot abi encode user operation: %w", err)
	}

	// drop the head offset word, leaving the tuple body
	return encoded[32:], nil
}

// CalcPreVerificationGas estimates the minimal preVerificationGas for op. Missing values
// are filled with the same placeholders wallets use during estimation.
func CalcPreVerificationGas(op *UserOperation) (*big.Int, error) {
	c := op.Clone()
	if c.PreVerificationGas == nil || c.PreVerificationGas.Sign() == 0 {
		c.PreVerificationGas = big.NewInt(pvgFixed)
	}
	if len(c.Signature) == 0 {
		c.Signature = make([]byte, pvgSigSize)
		for i := range c.Signature {
			c.Signature[i] = 1
		}
	}

	packed, err := c.Pack()
	if err != nil {
		return nil, err
	}

	callDataCost := int64(0)
	for _, b := range packed {
		if b == 0 {
			callDataCost += pvgZeroByte
		} else {
			callDataCost += pvgNonZeroByte
		}
	}
	words := int64((len(packed) + 31) / 32)

	total := callDataCost + pvgFixed/pvgBundleSize + pvgPerUserOp + pvgPerWord*words
	return big.NewInt(total), nil
}
