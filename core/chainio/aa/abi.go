package aa

import (
	_ "embed"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

var (
	// EntryPointV06 is the canonical v0.6 EntryPoint deployment
	EntryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

	//go:embed entrypoint_v06.json
	entryPointABIJSON string

	EntryPointABI abi.ABI
)

var (
	ErrNotReverted   = errors.New("call was expected to revert but succeeded")
	ErrUnknownRevert = errors.New("revert data does not match any known EntryPoint error")
	ErrNoRevertData  = errors.New("call failed without revert data")
	ErrShortRevert   = errors.New("revert data shorter than an error selector")
)

func init() {
	var err error
	EntryPointABI, err = abi.JSON(strings.NewReader(entryPointABIJSON))
	if err != nil {
		panic(fmt.Errorf("invalid EntryPoint ABI: %w", err))
	}
}

type StakeInfo struct {
	Stake           *big.Int
	UnstakeDelaySec *big.Int
}

type ReturnInfo struct {
	PreOpGas         *big.Int
	Prefund          *big.Int
	SigFailed        bool
	ValidAfter       *big.Int
	ValidUntil       *big.Int
	PaymasterContext []byte
}

type AggregatorStakeInfo struct {
	Aggregator common.Address
	StakeInfo  StakeInfo
}

// ValidationResult is the payload of the ValidationResult revert of simulateValidation.
// AggregatorInfo is only set when the account uses a signature aggregator.
type ValidationResult struct {
	ReturnInfo     ReturnInfo
	SenderInfo     StakeInfo
	FactoryInfo    StakeInfo
	PaymasterInfo  StakeInfo
	AggregatorInfo *AggregatorStakeInfo
}

// SimulationResult is what the pool learns from one simulated validation. The trace fields
// are empty when tracing is off.
type SimulationResult struct {
	ValidationResult
	// Violations lists forbidden behaviour observed while tracing
	Violations []string
	// EntityStorage lists the factory or paymaster when it accessed its own storage, which is
	// only allowed for staked entities
	EntityStorage []common.Address
	// CodeHashes of the contracts validation reached
	CodeHashes []CodeHash
}

// CodeHash is the keccak of the code deployed at Address, zero when there is none
type CodeHash struct {
	Address common.Address
	Hash    common.Hash
}

type DepositInfo struct {
	Deposit         *big.Int
	Staked          bool
	Stake           *big.Int
	UnstakeDelaySec uint32
	WithdrawTime    *big.Int
}

// FailedOpError is the FailedOp revert. Reason starts with the AAxx code of the failing stage.
type FailedOpError struct {
	OpIndex *big.Int
	Reason  string
}

func (e *FailedOpError) Error() string {
	return fmt.Sprintf("FailedOp(%s, %s)", e.OpIndex, e.Reason)
}

// Code is the leading AAxx code of the reason, empty when the reason has none
func (e *FailedOpError) Code() string {
	if len(e.Reason) >= 4 && strings.HasPrefix(e.Reason, "AA") {
		return e.Reason[:4]
	}
	return ""
}

// IsPaymaster reports whether the paymaster stage failed (AA3x)
func (e *FailedOpError) IsPaymaster() bool {
	return strings.HasPrefix(e.Reason, "AA3")
}

func PackSimulateValidation(op *userop.UserOperation) ([]byte, error) {
	c := op.Clone()
	c.Normalize()
	return EntryPointABI.Pack("simulateValidation", *c)
}

func PackHandleOps(ops []*userop.UserOperation, beneficiary common.Address) ([]byte, error) {
	values := make([]userop.UserOperation, len(ops))
	for i, op := range ops {
		c := op.Clone()
		c.Normalize()
		values[i] = *c
	}
	return EntryPointABI.Pack("handleOps", values, beneficiary)
}

func PackGetNonce(sender common.Address, key *big.Int) ([]byte, error) {
	if key == nil {
		key = new(big.Int)
	}
	return EntryPointABI.Pack("getNonce", sender, key)
}

func UnpackGetNonce(data []byte) (*big.Int, error) {
	out, err := EntryPointABI.Unpack("getNonce", data)
	if err != nil {
		return nil, err
	}
	return *abi.ConvertType(out[0], new(*big.Int)).(**big.Int), nil
}

func PackGetDepositInfo(account common.Address) ([]byte, error) {
	return EntryPointABI.Pack("getDepositInfo", account)
}

func UnpackGetDepositInfo(data []byte) (*DepositInfo, error) {
	out, err := EntryPointABI.Unpack("getDepositInfo", data)
	if err != nil {
		return nil, err
	}
	return abi.ConvertType(out[0], new(DepositInfo)).(*DepositInfo), nil
}

func PackGetSenderAddress(initCode []byte) ([]byte, error) {
	return EntryPointABI.Pack("getSenderAddress", initCode)
}

// DecodeSimulationRevert interprets the revert data of simulateValidation. A FailedOp revert
// is returned as a *FailedOpError error.
func DecodeSimulationRevert(data []byte) (*ValidationResult, error) {
	if len(data) < 4 {
		return nil, ErrShortRevert
	}
	selector, payload := data[:4], data[4:]

	if failed, ok, err := decodeFailedOp(selector, payload); ok {
		if err != nil {
			return nil, err
		}
		return nil, failed
	}

	if def := EntryPointABI.Errors["ValidationResult"]; matches(def, selector) {
		values, err := def.Inputs.Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot decode ValidationResult: %w", err)
		}
		return &ValidationResult{
			ReturnInfo:    *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:    *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:   *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo: *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
		}, nil
	}

	if def := EntryPointABI.Errors["ValidationResultWithAggregation"]; matches(def, selector) {
		values, err := def.Inputs.Unpack(payload)
		if err != nil {
			return nil, fmt.Errorf("cannot decode ValidationResultWithAggregation: %w", err)
		}
		return &ValidationResult{
			ReturnInfo:     *abi.ConvertType(values[0], new(ReturnInfo)).(*ReturnInfo),
			SenderInfo:     *abi.ConvertType(values[1], new(StakeInfo)).(*StakeInfo),
			FactoryInfo:    *abi.ConvertType(values[2], new(StakeInfo)).(*StakeInfo),
			PaymasterInfo:  *abi.ConvertType(values[3], new(StakeInfo)).(*StakeInfo),
			AggregatorInfo: abi.ConvertType(values[4], new(AggregatorStakeInfo)).(*AggregatorStakeInfo),
		}, nil
	}

	return nil, fmt.Errorf("%w: selector %x", ErrUnknownRevert, selector)
}

// DecodeSenderAddressResult interprets the revert data of getSenderAddress
func DecodeSenderAddressResult(data []byte) (common.Address, error) {
	if len(data) < 4 {
		return common.Address{}, ErrShortRevert
	}
	selector, payload := data[:4], data[4:]

	if failed, ok, err := decodeFailedOp(selector, payload); ok {
		if err != nil {
			return common.Address{}, err
		}
		return common.Address{}, failed
	}

	def := EntryPointABI.Errors["SenderAddressResult"]
	if !matches(def, selector) {
		return common.Address{}, fmt.Errorf("%w: selector %x", ErrUnknownRevert, selector)
	}

	values, err := def.Inputs.Unpack(payload)
	if err != nil {
		return common.Address{}, fmt.Errorf("cannot decode SenderAddressResult: %w", err)
	}
	return *abi.ConvertType(values[0], new(common.Address)).(*common.Address), nil
}

// EncodeFailedOp builds FailedOp revert data, used to script simulations
func EncodeFailedOp(opIndex int64, reason string) ([]byte, error) {
	def := EntryPointABI.Errors["FailedOp"]
	payload, err := def.Inputs.Pack(big.NewInt(opIndex), reason)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(def.ID[:4]), payload...), nil
}

// EncodeValidationResult builds ValidationResult revert data
func EncodeValidationResult(r *ValidationResult) ([]byte, error) {
	def := EntryPointABI.Errors["ValidationResult"]
	payload, err := def.Inputs.Pack(r.ReturnInfo, r.SenderInfo, r.FactoryInfo, r.PaymasterInfo)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(def.ID[:4]), payload...), nil
}

func EncodeSenderAddressResult(sender common.Address) ([]byte, error) {
	def := EntryPointABI.Errors["SenderAddressResult"]
	payload, err := def.Inputs.Pack(sender)
	if err != nil {
		return nil, err
	}
	return append(common.CopyBytes(def.ID[:4]), payload...), nil
}

func decodeFailedOp(selector, payload []byte) (*FailedOpError, bool, error) {
	def := EntryPointABI.Errors["FailedOp"]
	if !matches(def, selector) {
		return nil, false, nil
	}

	values, err := def.Inputs.Unpack(payload)
	if err != nil {
		return nil, true, fmt.Errorf("cannot decode FailedOp: %w", err)
	}
	return &FailedOpError{
		OpIndex: values[0].(*big.Int),
		Reason:  values[1].(string),
	}, true, nil
}

func matches(def abi.Error, selector []byte) bool {
	return len(selector) >= 4 && string(def.ID[:4]) == string(selector[:4])
}
