// Package userop provides the EIP-4337 UserOperation value type together with its
// canonical hashing and ABI packing.
package userop

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

const (
	// paymasters pay up to three times the verification gas because postOp may run twice
	paymasterVerificationMultiplier = 3
)

// UserOperation represents an EIP-4337 style transaction for a smart contract account.
// A UserOperation admitted into the pool is never mutated; callers that need a modified
// copy use Clone.
type UserOperation struct {
	Sender               common.Address
	Nonce                *big.Int
	InitCode             []byte
	CallData             []byte
	CallGasLimit         *big.Int
	VerificationGasLimit *big.Int
	PreVerificationGas   *big.Int
	MaxFeePerGas         *big.Int
	MaxPriorityFeePerGas *big.Int
	PaymasterAndData     []byte
	Signature            []byte
}

func keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, b := range data {
		h.Write(b)
	}
	return h.Sum(nil)
}

func word(v *big.Int) []byte {
	if v == nil {
		return make([]byte, 32)
	}
	return common.LeftPadBytes(v.Bytes(), 32)
}

// PackForSignature encodes every field except the signature. Dynamic byte fields are
// replaced by their keccak256 so the result is a fixed 10 word structure.
func (op *UserOperation) PackForSignature() []byte {
	out := make([]byte, 0, 32*10)
	out = append(out, common.LeftPadBytes(op.Sender.Bytes(), 32)...)
	out = append(out, word(op.Nonce)...)
	out = append(out, keccak256(op.InitCode)...)
	out = append(out, keccak256(op.CallData)...)
	out = append(out, word(op.CallGasLimit)...)
	out = append(out, word(op.VerificationGasLimit)...)
	out = append(out, word(op.PreVerificationGas)...)
	out = append(out, word(op.MaxFeePerGas)...)
	out = append(out, word(op.MaxPriorityFeePerGas)...)
	out = append(out, keccak256(op.PaymasterAndData)...)
	return out
}

// Hash returns the userOpHash the EntryPoint computes for this operation on the given chain.
func (op *UserOperation) Hash(entryPoint common.Address, chainID *big.Int) common.Hash {
	inner := keccak256(op.PackForSignature())
	return common.BytesToHash(keccak256(
		inner,
		common.LeftPadBytes(entryPoint.Bytes(), 32),
		word(chainID),
	))
}

// Factory is the deployer address encoded in the first 20 bytes of initCode
func (op *UserOperation) Factory() (common.Address, bool) {
	if len(op.InitCode) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.InitCode[:common.AddressLength]), true
}

// Paymaster is the sponsor address encoded in the first 20 bytes of paymasterAndData
func (op *UserOperation) Paymaster() (common.Address, bool) {
	if len(op.PaymasterAndData) < common.AddressLength {
		return common.Address{}, false
	}
	return common.BytesToAddress(op.PaymasterAndData[:common.AddressLength]), true
}

// NonceKey is the upper 192 bits of the nonce
func (op *UserOperation) NonceKey() *big.Int {
	return new(big.Int).Rsh(bigOrZero(op.Nonce), 64)
}

// NonceSeq is the lower 64 bits of the nonce
func (op *UserOperation) NonceSeq() uint64 {
	mask := new(big.Int).SetUint64(^uint64(0))
	return new(big.Int).And(bigOrZero(op.Nonce), mask).Uint64()
}

// BundleGas is the gas the operation reserves inside a bundle: verification plus call gas.
func (op *UserOperation) BundleGas() *big.Int {
	return new(big.Int).Add(bigOrZero(op.VerificationGasLimit), bigOrZero(op.CallGasLimit))
}

// RequiredPrefund is the maximum amount the EntryPoint may charge the sender or paymaster.
func (op *UserOperation) RequiredPrefund() *big.Int {
	verification := bigOrZero(op.VerificationGasLimit)
	if _, ok := op.Paymaster(); ok {
		verification = new(big.Int).Mul(verification, big.NewInt(paymasterVerificationMultiplier))
	}

	gas := new(big.Int).Add(bigOrZero(op.CallGasLimit), verification)
	gas.Add(gas, bigOrZero(op.PreVerificationGas))

	return gas.Mul(gas, bigOrZero(op.MaxFeePerGas))
}

// EffectivePriorityFee is the tip the bundler actually earns per gas at the given base fee.
// A nil base fee means the chain has no EIP-1559 base fee and the full priority fee counts.
func (op *UserOperation) EffectivePriorityFee(baseFee *big.Int) *big.Int {
	tip := new(big.Int).Set(bigOrZero(op.MaxPriorityFeePerGas))
	if baseFee == nil {
		return tip
	}

	headroom := new(big.Int).Sub(bigOrZero(op.MaxFeePerGas), baseFee)
	if headroom.Sign() < 0 {
		return new(big.Int)
	}
	if headroom.Cmp(tip) < 0 {
		return headroom
	}
	return tip
}

// Clone returns a deep copy
func (op *UserOperation) Clone() *UserOperation {
	return &UserOperation{
		Sender:               op.Sender,
		Nonce:                cloneBig(op.Nonce),
		InitCode:             common.CopyBytes(op.InitCode),
		CallData:             common.CopyBytes(op.CallData),
		CallGasLimit:         cloneBig(op.CallGasLimit),
		VerificationGasLimit: cloneBig(op.VerificationGasLimit),
		PreVerificationGas:   cloneBig(op.PreVerificationGas),
		MaxFeePerGas:         cloneBig(op.MaxFeePerGas),
		MaxPriorityFeePerGas: cloneBig(op.MaxPriorityFeePerGas),
		PaymasterAndData:     common.CopyBytes(op.PaymasterAndData),
		Signature:            common.CopyBytes(op.Signature),
	}
}

// Normalize replaces nil numeric fields with zero so the operation can be ABI packed.
func (op *UserOperation) Normalize() {
	for _, f := range []**big.Int{
		&op.Nonce, &op.CallGasLimit, &op.VerificationGasLimit, &op.PreVerificationGas,
		&op.MaxFeePerGas, &op.MaxPriorityFeePerGas,
	} {
		if *f == nil {
			*f = new(big.Int)
		}
	}
}

func cloneBig(v *big.Int) *big.Int {
	if v == nil {
		return nil
	}
	return new(big.Int).Set(v)
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
