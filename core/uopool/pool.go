package uopool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/metrics"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/storage/schema"
)

// Pool coordinates the stores of one entry point. Every mutation goes through p.mu held for
// writing; lock order is p.mu then the reputation lock.
type Pool struct {
	mu sync.RWMutex

	ep      common.Address
	chainID *big.Int
	cfg     *Config
	db      storage.Storage
	chain   Chain
	metrics metrics.MetricsGenerator
	logger  sdklogging.Logger

	mempool    *Mempool
	reputation *Reputation
	validator  *Validator
	selector   *Selector

	// bundles handed out and not yet settled, with the hashes they hold
	bundles  map[string]*Bundle
	inflight map[common.Hash]string
}

func NewPool(ep common.Address, chainID *big.Int, chain Chain, db storage.Storage, cfg *Config, m metrics.MetricsGenerator, logger sdklogging.Logger) (*Pool, error) {
	if m == nil {
		m = metrics.NoopMetrics{}
	}
	logger = logger.With("entrypoint", ep.Hex())

	mempool, err := NewMempool(ep, db, cfg, logger)
	if err != nil {
		return nil, err
	}
	reputation, err := NewReputation(ep, db, cfg, logger)
	if err != nil {
		return nil, err
	}

	p := &Pool{
		ep:      ep,
		chainID: chainID,
		cfg:     cfg,
		db:      db,
		chain:   chain,
		metrics: m,
		logger:  logger,

		mempool:    mempool,
		reputation: reputation,
		validator:  NewValidator(ep, chainID, chain, cfg, m, logger),
		selector:   NewSelector(ep, chain, cfg, logger),

		bundles:  make(map[string]*Bundle),
		inflight: make(map[common.Hash]string),
	}

	if err := p.restoreBundles(); err != nil {
		return nil, err
	}
	p.metrics.SetPoolSize(ep.Hex(), mempool.Count())
	return p, nil
}

// restoreBundles marks the entries of bundles that were pending at shutdown as in flight
func (p *Pool) restoreBundles() error {
	items, err := p.db.GetByPrefix(schema.BundlePrefix(p.ep, schema.BundlePending))
	if err != nil {
		return fmt.Errorf("cannot load pending bundles: %w", err)
	}

	for _, item := range items {
		rec, err := decodeBundle(item.Value)
		if err != nil {
			p.logger.Warn("skip corrupted bundle record", "key", string(item.Key), "error", err)
			continue
		}

		b := &Bundle{
			ID:         rec.ID,
			EntryPoint: p.ep,
			GasUsed:    new(big.Int).SetBytes(rec.GasUsed),
			CreatedAt:  time.Unix(0, rec.CreatedAt),
		}
		for _, h := range rec.Hashes {
			if e := p.mempool.GetByHash(common.BytesToHash(h)); e != nil {
				b.Entries = append(b.Entries, e)
			}
		}

		p.bundles[b.ID] = b
		for _, e := range b.Entries {
			p.inflight[e.Hash] = b.ID
		}
	}

	if len(p.bundles) > 0 {
		p.logger.Info("restored in-flight bundles", "count", len(p.bundles))
	}
	return nil
}

func (p *Pool) EntryPoint() common.Address {
	return p.ep
}

func (p *Pool) Reputation() *Reputation {
	return p.reputation
}

// viewLocked must be called with p.mu held
func (p *Pool) viewLocked(op *userop.UserOperation, aggregator common.Address) *View {
	factory, _ := op.Factory()
	paymaster, _ := op.Paymaster()
	entities := entitiesOf(op.Sender, factory, paymaster, aggregator)

	pending := make(map[common.Address]int, len(entities))
	for _, a := range entities {
		pending[a] = p.mempool.CountByEntity(a)
	}

	return &View{
		Reputation: p.reputation.Snapshots(entities...),
		Pending:    pending,
		Existing:   p.mempool.GetBySenderNonce(op.Sender, op.Nonce),
	}
}

// AddOperation validates op without holding the write lock, then commits it after
// re-checking everything that may have changed while simulating
func (p *Pool) AddOperation(ctx context.Context, op *userop.UserOperation) (common.Hash, error) {
	if op == nil {
		return common.Hash{}, p.reject(malformed("missing user operation"))
	}
	op = op.Clone()
	op.Normalize()
	hash := op.Hash(p.ep, p.chainID)

	p.mu.RLock()
	if err := p.mempool.Failed(); err != nil {
		p.mu.RUnlock()
		return common.Hash{}, p.reject(storageFailure(err))
	}
	if p.mempool.GetByHash(hash) != nil {
		p.mu.RUnlock()
		return common.Hash{}, p.reject(&Error{Kind: KindNonceConflict, Reason: "operation already known", Entity: op.Sender})
	}
	view := p.viewLocked(op, common.Address{})
	p.mu.RUnlock()

	validated, err := p.validator.Validate(ctx, op, view)
	if err != nil {
		return common.Hash{}, p.reject(err)
	}
	aggregator := validated.Aggregator()

	p.mu.Lock()
	defer p.mu.Unlock()

	view = p.viewLocked(op, aggregator)
	if view.Existing != nil {
		if _, busy := p.inflight[view.Existing.Hash]; busy {
			return common.Hash{}, p.reject(&Error{Kind: KindNonceConflict, Reason: "the operation it replaces is being bundled", Entity: op.Sender})
		}
	}
	if err := p.validator.CheckReputation(op, aggregator, view); err != nil {
		return common.Hash{}, p.reject(err)
	}

	entry := newEntry(op, hash, p.ep, aggregator)
	if validated.Simulation != nil {
		entry.CodeHashes = validated.Simulation.CodeHashes
	}
	replaced, err := p.mempool.Add(entry)
	if err != nil {
		return common.Hash{}, p.reject(err)
	}
	if replaced != nil {
		p.logger.Info("operation replaced", "old", replaced.Hash, "new", hash, "sender", op.Sender)
		p.metrics.IncEvicted(p.ep.Hex(), "replaced")
	}

	for addr, stake := range validated.Stakes() {
		if err := p.reputation.SetStake(addr, stake.Stake, bigOrZero(stake.UnstakeDelaySec).Uint64()); err != nil {
			p.logger.Error("cannot mirror stake", "entity", addr, "error", err)
		}
	}
	if err := p.reputation.RecordSeen(entry.Entities()...); err != nil {
		p.logger.Error("cannot record seen operation", "hash", hash, "error", err)
	}

	p.metrics.IncAdmitted(p.ep.Hex())
	p.metrics.SetPoolSize(p.ep.Hex(), p.mempool.Count())
	p.logger.Debug("operation admitted", "hash", hash, "sender", op.Sender, "nonce", op.Nonce)
	return hash, nil
}

func (p *Pool) reject(err error) error {
	kind := "internal"
	var e *Error
	if errors.As(err, &e) {
		kind = e.Kind.String()
	}
	p.metrics.IncRejected(p.ep.Hex(), kind)
	return err
}

// RemoveOperation drops a pooled operation. Operations held by an unsettled bundle stay.
func (p *Pool) RemoveOperation(hash common.Hash) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, busy := p.inflight[hash]; busy {
		return false, &Error{Kind: KindNonceConflict, Reason: fmt.Sprintf("operation is part of bundle %s", id)}
	}

	removed, err := p.mempool.RemoveByHash(hash)
	if err != nil {
		return false, err
	}
	p.metrics.SetPoolSize(p.ep.Hex(), p.mempool.Count())
	return removed != nil, nil
}

// GetEntry returns the pooled entry and the id of the bundle holding it, if any
func (p *Pool) GetEntry(hash common.Hash) (*Entry, string) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.mempool.GetByHash(hash), p.inflight[hash]
}

func (p *Pool) GetOperationByHash(hash common.Hash) *userop.UserOperation {
	e, _ := p.GetEntry(hash)
	if e == nil {
		return nil
	}
	return e.Op.Clone()
}

// GetOperationsBySender returns the sender's operations by ascending nonce
func (p *Pool) GetOperationsBySender(sender common.Address) []*userop.UserOperation {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return lo.Map(p.mempool.GetAllBySender(sender), func(e *Entry, _ int) *userop.UserOperation {
		return e.Op.Clone()
	})
}

// Entries returns a point in time copy of the pool in insertion order
func (p *Pool) Entries() []*Entry {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.mempool.AllEntries()
}

func (p *Pool) Count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.mempool.Count()
}

// CreateBundle selects a bundle from a snapshot of the pool. It returns nil when nothing is
// admissible. Entries that fail re-validation are evicted.
func (p *Pool) CreateBundle(ctx context.Context, gasLimit *big.Int) (*Bundle, error) {
	p.mu.RLock()
	if err := p.mempool.Failed(); err != nil {
		p.mu.RUnlock()
		return nil, storageFailure(err)
	}
	busySenders := make(map[common.Address]struct{})
	for h := range p.inflight {
		if e := p.mempool.GetByHash(h); e != nil {
			busySenders[e.Sender] = struct{}{}
		}
	}
	snapshot := lo.Filter(p.mempool.AllEntries(), func(e *Entry, _ int) bool {
		_, busy := busySenders[e.Sender]
		return !busy
	})
	p.mu.RUnlock()

	if len(snapshot) == 0 {
		return nil, nil
	}

	baseFee, err := p.chain.BaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read base fee: %w", err)
	}

	sel, err := p.selector.Select(ctx, snapshot, gasLimit, baseFee)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.evictLocked(lo.Map(sel.Stale, func(s StaleEntry, _ int) eviction {
		return eviction{entry: s.Entry, reason: "stale", detail: s.Reason}
	}))

	// the pool may have changed while simulating
	entries := lo.Filter(sel.Entries, func(e *Entry, _ int) bool {
		_, busy := p.inflight[e.Hash]
		return !busy && p.mempool.GetByHash(e.Hash) == e
	})
	if len(entries) == 0 {
		return nil, nil
	}

	b := newBundle(p.ep, entries)
	data, err := encodeBundle(b, "")
	if err != nil {
		return nil, err
	}
	if err := p.db.Set(schema.BundleKey(p.ep, schema.BundlePending, b.ID), data); err != nil {
		return nil, storageFailure(err)
	}

	p.bundles[b.ID] = b
	for _, e := range entries {
		p.inflight[e.Hash] = b.ID
	}

	p.metrics.IncBundles(p.ep.Hex(), "created")
	p.logger.Info("bundle created", "bundle", b.ID, "ops", len(entries), "gas", b.GasUsed, "stale", len(sel.Stale))
	return b, nil
}

type eviction struct {
	entry  *Entry
	reason string
	detail string
}

// evictLocked removes entries that are still pooled and not held by a bundle
func (p *Pool) evictLocked(evictions []eviction) {
	evictions = lo.Filter(evictions, func(ev eviction, _ int) bool {
		_, busy := p.inflight[ev.entry.Hash]
		return !busy && p.mempool.GetByHash(ev.entry.Hash) == ev.entry
	})
	if len(evictions) == 0 {
		return
	}

	hashes := lo.Map(evictions, func(ev eviction, _ int) common.Hash { return ev.entry.Hash })
	if _, err := p.mempool.RemoveByHashes(hashes); err != nil {
		p.logger.Error("cannot evict operations", "count", len(hashes), "error", err)
		return
	}

	for _, ev := range evictions {
		p.logger.Warn("operation evicted", "hash", ev.entry.Hash, "sender", ev.entry.Sender, "reason", ev.reason, "detail", ev.detail)
		p.metrics.IncEvicted(p.ep.Hex(), ev.reason)
	}
	p.metrics.SetPoolSize(p.ep.Hex(), p.mempool.Count())
}

func (p *Pool) HasBundle(id string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, ok := p.bundles[id]
	return ok
}

// PendingBundles lists bundles awaiting an outcome, oldest first
func (p *Pool) PendingBundles() []*Bundle {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := lo.Values(p.bundles)
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

// NotifyIncluded settles a bundle that landed on chain: its entries leave the pool and every
// entity involved is credited with an inclusion. The removal and the settled record commit
// together, so a failed call can be retried without crediting twice.
func (p *Pool) NotifyIncluded(id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bundles[id]
	if !ok {
		return ErrBundleNotFound
	}

	batch, err := p.settleBatch(b, schema.BundleIncluded, "")
	if err != nil {
		return err
	}
	if _, err := p.mempool.RemoveWith(batch, b.Hashes()); err != nil {
		return err
	}
	p.releaseLocked(b)

	var entities []common.Address
	for _, e := range b.Entries {
		entities = append(entities, e.Entities()...)
	}
	if err := p.reputation.RecordIncluded(entities...); err != nil {
		p.logger.Error("cannot record inclusion", "bundle", id, "error", err)
	}

	p.metrics.IncBundles(p.ep.Hex(), "included")
	p.metrics.SetPoolSize(p.ep.Hex(), p.mempool.Count())
	p.logger.Info("bundle included", "bundle", id, "ops", len(b.Entries))
	return nil
}

// NotifyFailed settles a bundle that failed on chain. Its entries become selectable again
// unless the failure is permanent. When reason is an *aa.FailedOpError only the operation at
// its index is blamed.
func (p *Pool) NotifyFailed(id string, reason error) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	b, ok := p.bundles[id]
	if !ok {
		return ErrBundleNotFound
	}

	text := ""
	if reason != nil {
		text = reason.Error()
	}

	culprit := -1
	var failed *aa.FailedOpError
	if errors.As(reason, &failed) {
		text = failed.Reason
		if failed.OpIndex != nil && failed.OpIndex.IsInt64() && failed.OpIndex.Int64() < int64(len(b.Entries)) {
			culprit = int(failed.OpIndex.Int64())
		}
	}

	var evictions []eviction
	if IsPermanentFailure(text) {
		for i, e := range b.Entries {
			if culprit >= 0 && i != culprit {
				continue
			}
			evictions = append(evictions, eviction{entry: e, reason: "failed", detail: text})
		}
	}

	if err := p.settleLocked(b, schema.BundleFailed, text); err != nil {
		return err
	}
	p.evictLocked(evictions)

	p.metrics.IncBundles(p.ep.Hex(), "failed")
	p.logger.Warn("bundle failed", "bundle", id, "reason", text, "evicted", len(evictions))
	return nil
}

// settleLocked moves the bundle record out of the pending namespace and releases its entries
func (p *Pool) settleLocked(b *Bundle, status schema.BundleStatus, reason string) error {
	batch, err := p.settleBatch(b, status, reason)
	if err != nil {
		return err
	}
	if err := p.db.Apply(batch); err != nil {
		return storageFailure(err)
	}

	p.releaseLocked(b)
	return nil
}

// settleBatch stages the move of the bundle record from pending to status
func (p *Pool) settleBatch(b *Bundle, status schema.BundleStatus, reason string) (*storage.Batch, error) {
	data, err := encodeBundle(b, reason)
	if err != nil {
		return nil, err
	}

	return storage.NewBatch().
		Delete(schema.BundleKey(p.ep, schema.BundlePending, b.ID)).
		Set(schema.BundleKey(p.ep, status, b.ID), data), nil
}

func (p *Pool) releaseLocked(b *Bundle) {
	delete(p.bundles, b.ID)
	for _, e := range b.Entries {
		delete(p.inflight, e.Hash)
	}
}

// Maintain evicts entries older than MaxEntryAge and entries of banned entities, and prunes
// settled bundle records past the same age. It returns the number of evicted entries.
func (p *Pool) Maintain(now time.Time) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var evictions []eviction
	for _, e := range p.mempool.AllEntries() {
		if _, busy := p.inflight[e.Hash]; busy {
			continue
		}

		if p.cfg.MaxEntryAge > 0 && now.Sub(e.InsertedAt) > p.cfg.MaxEntryAge {
			evictions = append(evictions, eviction{entry: e, reason: "expired"})
			continue
		}

		for _, a := range e.Entities() {
			if p.reputation.Status(a) == StatusBanned {
				evictions = append(evictions, eviction{entry: e, reason: "banned", detail: a.Hex()})
				break
			}
		}
	}
	p.evictLocked(evictions)

	return len(evictions), p.pruneBundlesLocked(now)
}

func (p *Pool) pruneBundlesLocked(now time.Time) error {
	if p.cfg.MaxEntryAge <= 0 {
		return nil
	}

	batch := storage.NewBatch()
	for _, status := range []schema.BundleStatus{schema.BundleIncluded, schema.BundleFailed} {
		items, err := p.db.GetByPrefix(schema.BundlePrefix(p.ep, status))
		if err != nil {
			return storageFailure(err)
		}
		for _, item := range items {
			rec, err := decodeBundle(item.Value)
			if err != nil || now.Sub(time.Unix(0, rec.CreatedAt)) > p.cfg.MaxEntryAge {
				batch.Delete(item.Key)
			}
		}
	}

	if err := p.db.Apply(batch); err != nil {
		return storageFailure(err)
	}
	return nil
}

// RecordSlashed bans addr after an on-chain slashing and evicts its entries that are not held
// by a bundle. It returns the number of evicted entries.
func (p *Pool) RecordSlashed(addr common.Address) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.reputation.RecordSlashed(addr); err != nil {
		return 0, err
	}

	var evictions []eviction
	for _, e := range p.mempool.AllEntries() {
		if lo.Contains(e.Entities(), addr) {
			evictions = append(evictions, eviction{entry: e, reason: "slashed", detail: addr.Hex()})
		}
	}
	before := p.mempool.Count()
	p.evictLocked(evictions)

	p.logger.Warn("entity slashed", "entity", addr)
	return before - p.mempool.Count(), nil
}

// Decay halves the reputation counters of every entity
func (p *Pool) Decay() error {
	return p.reputation.Decay()
}

// Clear drops every pooled operation and forgets unsettled bundles
func (p *Pool) Clear() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	batch := storage.NewBatch()
	for id := range p.bundles {
		batch.Delete(schema.BundleKey(p.ep, schema.BundlePending, id))
	}
	if err := p.db.Apply(batch); err != nil {
		return storageFailure(err)
	}
	if err := p.mempool.Clear(); err != nil {
		return err
	}

	p.bundles = make(map[string]*Bundle)
	p.inflight = make(map[common.Hash]string)
	p.metrics.SetPoolSize(p.ep.Hex(), 0)
	return nil
}
