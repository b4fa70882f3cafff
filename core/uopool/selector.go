package uopool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gammazero/workerpool"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
)

// StaleEntry is a pooled entry that no longer passes validation against current state
type StaleEntry struct {
	Entry  *Entry
	Reason string
}

type Selection struct {
	Entries []*Entry
	Stale   []StaleEntry
	GasUsed *big.Int
}

// Selector builds bundles from a frozen list of entries. It never touches pool state; stale
// entries are reported back for the pool to evict.
type Selector struct {
	ep     common.Address
	chain  Chain
	cfg    *Config
	logger sdklogging.Logger

	now func() time.Time
}

func NewSelector(ep common.Address, chain Chain, cfg *Config, logger sdklogging.Logger) *Selector {
	return &Selector{
		ep:     ep,
		chain:  chain,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
}

// SortByPriority orders entries by effective priority fee descending, then by insertion
// sequence ascending
func SortByPriority(entries []*Entry, baseFee *big.Int) []*Entry {
	sorted := append([]*Entry(nil), entries...)
	sort.SliceStable(sorted, func(i, j int) bool {
		fi := sorted[i].Op.EffectivePriorityFee(baseFee)
		fj := sorted[j].Op.EffectivePriorityFee(baseFee)
		if c := fi.Cmp(fj); c != 0 {
			return c > 0
		}
		return sorted[i].Sequence < sorted[j].Sequence
	})
	return sorted
}

// candidates keeps only the lowest nonce entry of each sender; a later nonce cannot execute
// before it so simulating it would fail spuriously
func candidates(entries []*Entry) []*Entry {
	lowest := make(map[common.Address]*Entry)
	for _, e := range entries {
		cur, ok := lowest[e.Sender]
		if !ok || e.Op.Nonce.Cmp(cur.Op.Nonce) < 0 {
			lowest[e.Sender] = e
		}
	}
	return lo.Filter(entries, func(e *Entry, _ int) bool {
		return lowest[e.Sender] == e
	})
}

type resimulation struct {
	// stale carries the reason the entry is no longer valid
	stale string
	// skip leaves the entry out of this bundle without evicting it
	skip bool
}

// Select picks the bundle. The result depends only on entries, gasLimit, baseFee and the
// chain answers, so a frozen snapshot always produces the same bundle.
func (s *Selector) Select(ctx context.Context, entries []*Entry, gasLimit *big.Int, baseFee *big.Int) (*Selection, error) {
	ordered := SortByPriority(candidates(entries), baseFee)
	sel := &Selection{GasUsed: new(big.Int)}
	if len(ordered) == 0 {
		return sel, nil
	}

	checks := s.resimulate(ctx, ordered)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deposits, err := s.paymasterDeposits(ctx, ordered)
	if err != nil {
		return nil, err
	}

	senders := make(map[common.Address]struct{})
	spent := make(map[common.Address]*big.Int)

	for i, e := range ordered {
		if checks[i].stale != "" {
			sel.Stale = append(sel.Stale, StaleEntry{Entry: e, Reason: checks[i].stale})
			continue
		}
		if checks[i].skip {
			continue
		}

		gas := new(big.Int).Add(sel.GasUsed, e.Op.BundleGas())
		if gas.Cmp(gasLimit) > 0 {
			continue
		}
		if _, dup := senders[e.Sender]; dup {
			continue
		}

		if e.Paymaster != (common.Address{}) {
			total := new(big.Int).Add(bigOrZero(spent[e.Paymaster]), e.Op.RequiredPrefund())
			if total.Cmp(deposits[e.Paymaster]) > 0 {
				continue
			}
			spent[e.Paymaster] = total
		}

		senders[e.Sender] = struct{}{}
		sel.GasUsed = gas
		sel.Entries = append(sel.Entries, e)
	}

	return sel, nil
}

// resimulate re-runs simulateValidation for every candidate on a bounded worker pool.
// Results are stored by index so the greedy pass stays ordered.
func (s *Selector) resimulate(ctx context.Context, ordered []*Entry) []resimulation {
	workers := s.cfg.ResimulationWorker
	if workers <= 0 {
		workers = 1
	}

	out := make([]resimulation, len(ordered))
	wp := workerpool.New(workers)
	for i, e := range ordered {
		i, e := i, e
		wp.Submit(func() {
			out[i] = s.check(ctx, e)
		})
	}
	wp.StopWait()

	return out
}

func (s *Selector) check(ctx context.Context, e *Entry) resimulation {
	simCtx, cancel := context.WithTimeout(ctx, s.cfg.SimulationTimeout)
	defer cancel()

	sim, err := s.chain.SimulateValidation(simCtx, s.ep, e.Op)
	if err != nil {
		var failed *aa.FailedOpError
		if errors.As(err, &failed) {
			return resimulation{stale: failed.Reason}
		}
		s.logger.Warn("cannot re-simulate operation", "hash", e.Hash, "error", err)
		return resimulation{skip: true}
	}

	ri := sim.ReturnInfo
	switch {
	case ri.SigFailed:
		return resimulation{stale: "invalid signature"}
	case len(sim.Violations) > 0:
		return resimulation{stale: strings.Join(sim.Violations, "; ")}
	case bigOrZero(ri.ValidUntil).Sign() > 0 && bigOrZero(ri.ValidUntil).Cmp(big.NewInt(s.now().Unix())) <= 0:
		return resimulation{stale: fmt.Sprintf("expired at %s", ri.ValidUntil)}
	}
	if addr, ok := unstakedStorageAccess(e.Op, sim, s.cfg); ok {
		return resimulation{stale: fmt.Sprintf("unstaked entity %s accessed storage during validation", addr)}
	}

	if len(e.CodeHashes) == 0 {
		return resimulation{}
	}
	addrs := lo.Map(e.CodeHashes, func(h aa.CodeHash, _ int) common.Address { return h.Address })
	current, err := s.chain.GetCodeHashes(simCtx, addrs)
	if err != nil {
		s.logger.Warn("cannot read code hashes", "hash", e.Hash, "error", err)
		return resimulation{skip: true}
	}
	if addr, ok := codeChanged(e.CodeHashes, current); ok {
		return resimulation{stale: fmt.Sprintf("code of %s changed since admission", addr)}
	}
	return resimulation{}
}

// codeChanged returns the first address whose current code hash differs from the admitted one
func codeChanged(admitted, current []aa.CodeHash) (common.Address, bool) {
	now := lo.Associate(current, func(h aa.CodeHash) (common.Address, common.Hash) { return h.Address, h.Hash })
	for _, h := range admitted {
		if now[h.Address] != h.Hash {
			return h.Address, true
		}
	}
	return common.Address{}, false
}

func (s *Selector) paymasterDeposits(ctx context.Context, ordered []*Entry) (map[common.Address]*big.Int, error) {
	deposits := make(map[common.Address]*big.Int)
	for _, e := range ordered {
		if e.Paymaster == (common.Address{}) {
			continue
		}
		if _, ok := deposits[e.Paymaster]; ok {
			continue
		}

		info, err := s.chain.GetDepositInfo(ctx, s.ep, e.Paymaster)
		if err != nil {
			return nil, fmt.Errorf("cannot read deposit of paymaster %s: %w", e.Paymaster, err)
		}
		deposits[e.Paymaster] = bigOrZero(info.Deposit)
	}
	return deposits, nil
}
