package uopool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/metrics"
	"github.com/AvaProtocol/ap-uopool/pkg/eip1559"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

// Chain is the read-only chain access the pool needs. aa.Client implements it.
type Chain interface {
	ChainID(ctx context.Context) (*big.Int, error)
	BaseFee(ctx context.Context) (*big.Int, error)
	HasCode(ctx context.Context, addr common.Address) (bool, error)
	GetNonce(ctx context.Context, ep, sender common.Address, key *big.Int) (*big.Int, error)
	GetDepositInfo(ctx context.Context, ep, account common.Address) (*aa.DepositInfo, error)
	GetSenderAddress(ctx context.Context, ep common.Address, initCode []byte) (common.Address, error)
	SimulateValidation(ctx context.Context, ep common.Address, op *userop.UserOperation) (*aa.SimulationResult, error)
	GetCodeHashes(ctx context.Context, addrs []common.Address) ([]aa.CodeHash, error)
}

// View is the read snapshot of pool state an operation is validated against
type View struct {
	Reputation map[common.Address]Snapshot
	// Pending counts pooled entries per entity
	Pending map[common.Address]int
	// Existing is the entry currently holding the operation's (sender, nonce)
	Existing *Entry
}

// pendingExcludingReplaced does not count the entry the operation would replace
func (v *View) pendingExcludingReplaced(addr common.Address) int {
	n := v.Pending[addr]
	if v.Existing != nil {
		for _, a := range v.Existing.Entities() {
			if a == addr {
				n--
			}
		}
	}
	return n
}

// ValidatedOp is an operation that passed every admission check
type ValidatedOp struct {
	Op         *userop.UserOperation
	Hash       common.Hash
	Simulation *aa.SimulationResult
}

// Aggregator is the signature aggregator declared during simulation, zero when none
func (v *ValidatedOp) Aggregator() common.Address {
	if v.Simulation == nil || v.Simulation.AggregatorInfo == nil {
		return common.Address{}
	}
	return v.Simulation.AggregatorInfo.Aggregator
}

// Stakes maps each entity of the operation to the stake reported by the EntryPoint
func (v *ValidatedOp) Stakes() map[common.Address]aa.StakeInfo {
	out := make(map[common.Address]aa.StakeInfo)
	if v.Simulation == nil {
		return out
	}

	out[v.Op.Sender] = v.Simulation.SenderInfo
	if f, ok := v.Op.Factory(); ok {
		out[f] = v.Simulation.FactoryInfo
	}
	if p, ok := v.Op.Paymaster(); ok {
		out[p] = v.Simulation.PaymasterInfo
	}
	if agg := v.Simulation.AggregatorInfo; agg != nil {
		out[agg.Aggregator] = agg.StakeInfo
	}
	return out
}

// Validator runs the admission checks. It has no side effects besides chain reads.
type Validator struct {
	ep      common.Address
	chainID *big.Int
	chain   Chain
	cfg     *Config
	metrics metrics.MetricsGenerator
	logger  sdklogging.Logger

	now func() time.Time
}

func NewValidator(ep common.Address, chainID *big.Int, chain Chain, cfg *Config, m metrics.MetricsGenerator, logger sdklogging.Logger) *Validator {
	return &Validator{
		ep:      ep,
		chainID: chainID,
		chain:   chain,
		cfg:     cfg,
		metrics: m,
		logger:  logger,
		now:     time.Now,
	}
}

// Validate checks op in order: sanity, reputation, simulation, fees. The first failure is
// returned as an *Error.
func (v *Validator) Validate(ctx context.Context, op *userop.UserOperation, view *View) (*ValidatedOp, error) {
	hash := op.Hash(v.ep, v.chainID)

	if err := v.checkSanity(ctx, op, view); err != nil {
		return nil, err
	}

	if err := v.CheckReputation(op, common.Address{}, view); err != nil {
		return nil, err
	}

	sim, err := v.simulate(ctx, op)
	if err != nil {
		return nil, err
	}
	if err := v.checkSimulation(ctx, op, sim); err != nil {
		return nil, err
	}

	validated := &ValidatedOp{Op: op, Hash: hash, Simulation: sim}

	// the aggregator is only known after simulation
	if agg := validated.Aggregator(); agg != (common.Address{}) {
		if err := v.CheckReputation(op, agg, view); err != nil {
			return nil, err
		}
	}

	if err := v.checkFees(ctx, op); err != nil {
		return nil, err
	}

	return validated, nil
}

func (v *Validator) checkSanity(ctx context.Context, op *userop.UserOperation, view *View) error {
	if op.Sender == (common.Address{}) {
		return malformed("sender is the zero address")
	}
	if len(op.Signature) == 0 {
		return malformed("signature is empty")
	}

	if op.VerificationGasLimit.Cmp(v.cfg.MaxVerificationGas) > 0 {
		return malformed("verificationGasLimit %s exceeds %s", op.VerificationGasLimit, v.cfg.MaxVerificationGas)
	}
	if op.CallGasLimit.Cmp(v.cfg.MinCallGas) < 0 {
		return malformed("callGasLimit %s is below %s", op.CallGasLimit, v.cfg.MinCallGas)
	}

	minPVG, err := userop.CalcPreVerificationGas(op)
	if err != nil {
		return malformed("cannot encode operation: %v", err)
	}
	if op.PreVerificationGas.Cmp(minPVG) < 0 {
		return malformed("preVerificationGas %s is below the required %s", op.PreVerificationGas, minPVG)
	}

	if view.Existing != nil && !canReplace(v.cfg.MinReplacementRatio, view.Existing.Op.MaxPriorityFeePerGas, op.MaxPriorityFeePerGas) {
		return &Error{
			Kind:   KindNonceConflict,
			Reason: "an operation with the same sender and nonce is pooled and the fee increase is too small",
			Entity: op.Sender,
		}
	}

	if err := v.checkNonce(ctx, op); err != nil {
		return err
	}
	if err := v.checkSender(ctx, op); err != nil {
		return err
	}
	return v.checkPaymasterData(ctx, op)
}

func (v *Validator) checkNonce(ctx context.Context, op *userop.UserOperation) error {
	onchain, err := v.chain.GetNonce(ctx, v.ep, op.Sender, op.NonceKey())
	if err != nil {
		return &Error{Kind: KindSimulationReverted, Reason: "cannot read account nonce", Err: err, code: CodeInternal}
	}

	if op.Nonce.Cmp(onchain) < 0 {
		return malformed("nonce %s already used, account is at %s", op.Nonce, onchain)
	}
	gap := new(big.Int).Sub(op.Nonce, onchain)
	if gap.Cmp(new(big.Int).SetUint64(v.cfg.MaxNonceGap)) > 0 {
		return malformed("nonce %s is too far ahead of the account nonce %s", op.Nonce, onchain)
	}
	return nil
}

// checkSender enforces initCode/sender consistency: an account without code must be
// deployed by initCode, and initCode must produce exactly the sender address
func (v *Validator) checkSender(ctx context.Context, op *userop.UserOperation) error {
	deployed, err := v.chain.HasCode(ctx, op.Sender)
	if err != nil {
		return &Error{Kind: KindSimulationReverted, Reason: "cannot read sender code", Err: err, code: CodeInternal}
	}

	if deployed {
		if len(op.InitCode) > 0 {
			return malformed("sender %s is already deployed, initCode must be empty", op.Sender)
		}
		return nil
	}

	factory, ok := op.Factory()
	if !ok {
		return malformed("sender %s has no code and initCode is missing", op.Sender)
	}

	derived, err := v.chain.GetSenderAddress(ctx, v.ep, op.InitCode)
	if err != nil {
		var failed *aa.FailedOpError
		if errors.As(err, &failed) {
			return &Error{Kind: KindSimulationReverted, Reason: failed.Reason, Entity: factory, code: CodeRejectedByEPOrAcct}
		}
		return &Error{Kind: KindSimulationReverted, Reason: "cannot derive sender from initCode", Entity: factory, Err: err, code: CodeInternal}
	}
	if derived != op.Sender {
		return &Error{
			Kind:   KindMalformedOperation,
			Reason: fmt.Sprintf("initCode deploys %s, not sender %s", derived, op.Sender),
			Entity: factory,
		}
	}
	return nil
}

func (v *Validator) checkPaymasterData(ctx context.Context, op *userop.UserOperation) error {
	if len(op.PaymasterAndData) == 0 {
		return nil
	}

	paymaster, ok := op.Paymaster()
	if !ok {
		return &Error{Kind: KindMalformedOperation, Reason: "paymasterAndData is shorter than an address", code: CodeRejectedByPaymstr}
	}

	deployed, err := v.chain.HasCode(ctx, paymaster)
	if err != nil {
		return &Error{Kind: KindSimulationReverted, Reason: "cannot read paymaster code", Err: err, code: CodeInternal}
	}
	if !deployed {
		return &Error{Kind: KindMalformedOperation, Reason: fmt.Sprintf("paymaster %s has no code", paymaster), Entity: paymaster, code: CodeRejectedByPaymstr}
	}
	return nil
}

// CheckReputation applies the reputation gate to every entity of op plus extra when it is
// non-zero. The pool calls it again at commit time with a fresh view.
func (v *Validator) CheckReputation(op *userop.UserOperation, extra common.Address, view *View) error {
	sender := op.Sender
	factory, _ := op.Factory()
	paymaster, _ := op.Paymaster()

	for _, addr := range entitiesOf(sender, factory, paymaster, extra) {
		snap, ok := view.Reputation[addr]
		if !ok {
			snap = Snapshot{Address: addr, Stake: new(big.Int)}
		}
		pending := view.pendingExcludingReplaced(addr)

		switch snap.Status(v.cfg) {
		case StatusBanned:
			return &Error{Kind: KindReputationRejected, Status: StatusBanned, Entity: addr, Reason: fmt.Sprintf("%s is banned", addr)}
		case StatusThrottled:
			if pending > 0 {
				return &Error{Kind: KindReputationRejected, Status: StatusThrottled, Entity: addr, Reason: fmt.Sprintf("%s is throttled and already has a pending operation", addr)}
			}
		}

		if snap.IsStaked(v.cfg) {
			continue
		}

		limit := v.cfg.MaxOpsPerUnstakedEntity
		if addr == sender {
			limit = v.cfg.MaxOpsPerUnstakedSender
		}
		if limit > 0 && pending >= limit {
			return &Error{
				Kind:   KindReputationRejected,
				Status: StatusThrottled,
				Entity: addr,
				Reason: fmt.Sprintf("unstaked entity %s already has %d pending operations", addr, pending),
			}
		}
	}
	return nil
}

func (v *Validator) simulate(ctx context.Context, op *userop.UserOperation) (*aa.SimulationResult, error) {
	simCtx, cancel := context.WithTimeout(ctx, v.cfg.SimulationTimeout)
	defer cancel()

	start := time.Now()
	sim, err := v.chain.SimulateValidation(simCtx, v.ep, op)
	v.metrics.ObserveSimulation(v.ep.Hex(), time.Since(start))

	if err == nil {
		return sim, nil
	}

	if errors.Is(simCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return nil, &Error{Kind: KindSimulationTimeout, Reason: fmt.Sprintf("simulation did not finish within %s", v.cfg.SimulationTimeout), Err: err}
	}

	var failed *aa.FailedOpError
	if errors.As(err, &failed) {
		code := CodeRejectedByEPOrAcct
		entity := op.Sender
		if failed.IsPaymaster() {
			code = CodeRejectedByPaymstr
			entity, _ = op.Paymaster()
		}
		return nil, &Error{Kind: KindSimulationReverted, Reason: failed.Reason, Entity: entity, code: code}
	}

	return nil, &Error{Kind: KindSimulationReverted, Reason: "simulation call failed", Err: err, code: CodeInternal}
}

func (v *Validator) checkSimulation(ctx context.Context, op *userop.UserOperation, sim *aa.SimulationResult) error {
	ri := sim.ReturnInfo

	if ri.SigFailed {
		return reverted(CodeRejectedByEPOrAcct, "invalid signature")
	}

	now := v.now()
	if validUntil := bigOrZero(ri.ValidUntil); validUntil.Sign() > 0 {
		deadline := now.Add(v.cfg.MinValidityWindow).Unix()
		if validUntil.Cmp(big.NewInt(deadline)) < 0 {
			return reverted(CodeShortDeadline, fmt.Sprintf("operation expires at %s, too soon to be bundled", validUntil))
		}
	}
	if validAfter := bigOrZero(ri.ValidAfter); validAfter.Cmp(big.NewInt(now.Unix())) > 0 {
		return reverted(CodeShortDeadline, fmt.Sprintf("operation is not valid before %s", validAfter))
	}

	declared := new(big.Int).Add(op.VerificationGasLimit, op.PreVerificationGas)
	if bigOrZero(ri.PreOpGas).Cmp(declared) > 0 {
		return reverted(CodeRejectedByEPOrAcct, fmt.Sprintf("validation used %s gas, more than the declared %s", ri.PreOpGas, declared))
	}

	if len(sim.Violations) > 0 {
		return reverted(CodeBannedOpcode, strings.Join(sim.Violations, "; "))
	}
	if addr, ok := unstakedStorageAccess(op, sim, v.cfg); ok {
		e := reverted(CodeBannedOpcode, fmt.Sprintf("unstaked entity %s accessed storage during validation", addr))
		e.Entity = addr
		return e
	}

	paymaster, ok := op.Paymaster()
	if !ok {
		return nil
	}

	if v.cfg.RequireStakedPaymaster {
		stake := Snapshot{
			Stake:           bigOrZero(sim.PaymasterInfo.Stake),
			UnstakeDelaySec: bigOrZero(sim.PaymasterInfo.UnstakeDelaySec).Uint64(),
		}
		if !stake.IsStaked(v.cfg) {
			return &Error{Kind: KindInsufficientStake, Reason: fmt.Sprintf("paymaster %s is not staked", paymaster), Entity: paymaster}
		}
	}

	deposit, err := v.chain.GetDepositInfo(ctx, v.ep, paymaster)
	if err != nil {
		return &Error{Kind: KindSimulationReverted, Reason: "cannot read paymaster deposit", Entity: paymaster, Err: err, code: CodeInternal}
	}
	if required := op.RequiredPrefund(); bigOrZero(deposit.Deposit).Cmp(required) < 0 {
		return &Error{
			Kind:   KindInsufficientStake,
			Reason: fmt.Sprintf("paymaster deposit %s does not cover the required prefund %s", bigOrZero(deposit.Deposit), required),
			Entity: paymaster,
		}
	}
	return nil
}

// unstakedStorageAccess returns the first entity that used its own or the sender's associated
// storage without meeting the stake requirement
func unstakedStorageAccess(op *userop.UserOperation, sim *aa.SimulationResult, cfg *Config) (common.Address, bool) {
	for _, addr := range sim.EntityStorage {
		var info aa.StakeInfo
		if f, ok := op.Factory(); ok && f == addr {
			info = sim.FactoryInfo
		} else if p, ok := op.Paymaster(); ok && p == addr {
			info = sim.PaymasterInfo
		}
		stake := Snapshot{
			Stake:           bigOrZero(info.Stake),
			UnstakeDelaySec: bigOrZero(info.UnstakeDelaySec).Uint64(),
		}
		if !stake.IsStaked(cfg) {
			return addr, true
		}
	}
	return common.Address{}, false
}

func (v *Validator) checkFees(ctx context.Context, op *userop.UserOperation) error {
	if op.MaxPriorityFeePerGas.Cmp(op.MaxFeePerGas) > 0 {
		return &Error{Kind: KindInsufficientFee, Reason: "maxPriorityFeePerGas is higher than maxFeePerGas"}
	}
	if op.MaxPriorityFeePerGas.Cmp(v.cfg.MinPriorityFee) < 0 {
		return &Error{Kind: KindInsufficientFee, Reason: fmt.Sprintf("maxPriorityFeePerGas is below %s", v.cfg.MinPriorityFee)}
	}

	baseFee, err := v.chain.BaseFee(ctx)
	if err != nil {
		return &Error{Kind: KindInsufficientFee, Reason: "cannot read base fee", Err: err, code: CodeInternal}
	}
	if baseFee == nil {
		return nil
	}

	threshold := eip1559.MinMaxFee(baseFee, v.cfg.BaseFeeMultiplierPercent)
	if op.MaxFeePerGas.Cmp(threshold) < 0 {
		return &Error{Kind: KindInsufficientFee, Reason: fmt.Sprintf("maxFeePerGas %s is below the base fee threshold %s", op.MaxFeePerGas, threshold)}
	}
	return nil
}
