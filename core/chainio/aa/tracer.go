package aa

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

// opcodes an account, factory or paymaster may not use during validation
var bannedOpcodes = map[string]struct{}{
	"ORIGIN":       {},
	"GASPRICE":     {},
	"BLOCKHASH":    {},
	"COINBASE":     {},
	"TIMESTAMP":    {},
	"NUMBER":       {},
	"PREVRANDAO":   {},
	"DIFFICULTY":   {},
	"GASLIMIT":     {},
	"BASEFEE":      {},
	"BLOBHASH":     {},
	"BLOBBASEFEE":  {},
	"SELFDESTRUCT": {},
	"BALANCE":      {},
	"SELFBALANCE":  {},
	"INVALID":      {},
	"CREATE":       {},
}

var (
	callOpcodes    = []string{"CALL", "DELEGATECALL", "CALLCODE", "STATICCALL"}
	extCodeOpcodes = []string{"EXTCODESIZE", "EXTCODECOPY", "EXTCODEHASH"}
)

// slots up to this far past keccak(sender, ...) still belong to the sender
const associatedSlotRange = 128

type structLog struct {
	Pc     uint64   `json:"pc"`
	Op     string   `json:"op"`
	Depth  int      `json:"depth"`
	Stack  []string `json:"stack"`
	Memory []string `json:"memory"`
}

// stackPeek returns the n-th stack item counted from the top
func (l *structLog) stackPeek(n int) (*big.Int, bool) {
	if n < 0 || n >= len(l.Stack) {
		return nil, false
	}
	return new(big.Int).SetString(strings.TrimPrefix(l.Stack[len(l.Stack)-1-n], "0x"), 16)
}

type traceResult struct {
	Failed     bool        `json:"failed"`
	StructLogs []structLog `json:"structLogs"`
}

// traceScope names the parties of the traced operation
type traceScope struct {
	entryPoint  common.Address
	sender      common.Address
	factory     common.Address
	paymaster   common.Address
	hasInitCode bool
}

func newTraceScope(ep common.Address, op *userop.UserOperation) traceScope {
	s := traceScope{entryPoint: ep, sender: op.Sender, hasInitCode: len(op.InitCode) > 0}
	if f, ok := op.Factory(); ok {
		s.factory = f
	}
	if p, ok := op.Paymaster(); ok {
		s.paymaster = p
	}
	return s
}

func (s traceScope) isEntity(addr common.Address) bool {
	return addr != (common.Address{}) && (addr == s.factory || addr == s.paymaster)
}

type traceReport struct {
	violations []string
	// entityStorage holds entities that touched storage they may only use when staked
	entityStorage []common.Address
	// touched is every contract whose code validation reached, sorted
	touched []common.Address
}

func (c *Client) traceSimulation(ctx context.Context, ep common.Address, data []byte, op *userop.UserOperation) (*traceReport, error) {
	var res traceResult
	call := map[string]any{
		"to":   ep,
		"data": hexutil.Bytes(data),
	}
	// slots come from the stack, memory holds the keccak preimages of mapping slots
	tracerCfg := map[string]any{
		"disableStorage":   true,
		"disableStack":     false,
		"enableMemory":     true,
		"enableReturnData": false,
	}

	if err := c.rpc.CallContext(ctx, &res, "debug_traceCall", call, "latest", tracerCfg); err != nil {
		return nil, err
	}

	return findViolations(res.StructLogs, newTraceScope(ep, op)), nil
}

// findViolations scans an opcode trace. Depth 1 is the EntryPoint itself and is exempt.
// CREATE2 is allowed once when the operation deploys its account.
//
// Storage rules: the sender's own storage and storage associated with the sender are free,
// the EntryPoint's storage is exempt, a factory or paymaster touching its own storage must be
// staked, anything else is a violation.
func findViolations(logs []structLog, scope traceScope) *traceReport {
	report := &traceReport{}
	touched := make(map[common.Address]struct{})
	var associated []*big.Int

	// frames[d-1] is the storage context at depth d
	frames := []common.Address{scope.entryPoint}
	var next common.Address
	create2Seen := 0

	for i := range logs {
		l := &logs[i]
		if l.Depth < 1 {
			continue
		}
		for l.Depth > len(frames) {
			frames = append(frames, next)
		}
		frames = frames[:l.Depth]
		next = common.Address{}
		contract := frames[l.Depth-1]

		switch {
		case l.Op == "KECCAK256" || l.Op == "SHA3":
			if base, ok := senderMappingSlot(l, scope.sender); ok {
				associated = append(associated, base)
			}
		case lo.Contains(callOpcodes, l.Op):
			if v, ok := l.stackPeek(1); ok {
				target := common.BigToAddress(v)
				touched[target] = struct{}{}
				next = target
				if l.Op == "DELEGATECALL" || l.Op == "CALLCODE" {
					next = contract
				}
			}
		case lo.Contains(extCodeOpcodes, l.Op):
			if v, ok := l.stackPeek(0); ok {
				touched[common.BigToAddress(v)] = struct{}{}
			}
		case l.Op == "CREATE2" && scope.hasInitCode:
			next = scope.sender
		}

		if l.Depth <= 1 {
			continue
		}

		if _, banned := bannedOpcodes[l.Op]; banned {
			report.violations = append(report.violations, fmt.Sprintf("banned opcode %s at depth %d pc %d", l.Op, l.Depth, l.Pc))
			continue
		}

		switch l.Op {
		case "CREATE2":
			create2Seen++
			if !scope.hasInitCode || create2Seen > 1 {
				report.violations = append(report.violations, fmt.Sprintf("CREATE2 outside account deployment at depth %d pc %d", l.Depth, l.Pc))
			}
		case "GAS":
			if i+1 >= len(logs) || !lo.Contains(callOpcodes, logs[i+1].Op) {
				report.violations = append(report.violations, fmt.Sprintf("GAS not followed by a call at depth %d pc %d", l.Depth, l.Pc))
			}
		case "SLOAD", "SSTORE":
			slot, ok := l.stackPeek(0)
			if !ok {
				break
			}
			switch {
			case contract == scope.entryPoint, contract == scope.sender:
			case isAssociated(slot, scope.sender, associated):
				// an account that does not exist yet needs a staked factory to use it
				if scope.hasInitCode && scope.factory != (common.Address{}) {
					report.entityStorage = append(report.entityStorage, scope.factory)
				}
			case scope.isEntity(contract):
				report.entityStorage = append(report.entityStorage, contract)
			default:
				report.violations = append(report.violations, fmt.Sprintf("%s of %s slot %s at depth %d pc %d", l.Op, contract, common.BigToHash(slot), l.Depth, l.Pc))
			}
		}
	}

	report.violations = lo.Uniq(report.violations)
	report.entityStorage = lo.Uniq(report.entityStorage)

	delete(touched, scope.entryPoint)
	report.touched = lo.Keys(touched)
	sort.Slice(report.touched, func(i, j int) bool {
		return bytes.Compare(report.touched[i].Bytes(), report.touched[j].Bytes()) < 0
	})
	return report
}

// senderMappingSlot returns keccak(preimage) when the hashed memory starts with the sender
// address, which is how mapping(address => ...) slots keyed by the sender are derived
func senderMappingSlot(l *structLog, sender common.Address) (*big.Int, bool) {
	offset, ok := l.stackPeek(0)
	if !ok {
		return nil, false
	}
	size, ok := l.stackPeek(1)
	if !ok || size.Cmp(big.NewInt(common.HashLength)) < 0 {
		return nil, false
	}

	memory := common.FromHex(strings.Join(l.Memory, ""))
	end := new(big.Int).Add(offset, size)
	if !end.IsInt64() || end.Int64() > int64(len(memory)) {
		return nil, false
	}
	preimage := memory[offset.Int64():end.Int64()]
	if !bytes.Equal(preimage[:common.HashLength], common.LeftPadBytes(sender.Bytes(), common.HashLength)) {
		return nil, false
	}
	return crypto.Keccak256Hash(preimage).Big(), true
}

func isAssociated(slot *big.Int, sender common.Address, bases []*big.Int) bool {
	if slot.Cmp(new(big.Int).SetBytes(sender.Bytes())) == 0 {
		return true
	}
	for _, base := range bases {
		diff := new(big.Int).Sub(slot, base)
		if diff.Sign() >= 0 && diff.Cmp(big.NewInt(associatedSlotRange)) <= 0 {
			return true
		}
	}
	return false
}
