package uopool

import (
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/storage/schema"
)

// sequence numbers leased from badger at a time
const sequenceBandwidth = 100

// Mempool is the persistent store of admitted operations for one entry point. Badger holds
// the durable copy; the maps below are rebuilt from it on open and answer every read.
//
// Mempool does no locking of its own, Pool serializes access to it.
type Mempool struct {
	ep     common.Address
	db     storage.Storage
	seq    storage.Sequence
	ratio  decimal.Decimal
	logger sdklogging.Logger

	byHash        map[common.Hash]*Entry
	bySenderNonce map[senderNonce]common.Hash
	bySender      map[common.Address]map[common.Hash]struct{}
	byEntity      map[common.Address]int

	// failed is set after a write error, the pool then refuses writes until restarted
	failed error
}

func NewMempool(ep common.Address, db storage.Storage, cfg *Config, logger sdklogging.Logger) (*Mempool, error) {
	seq, err := db.GetSequence(schema.InsertionSequence(ep), sequenceBandwidth)
	if err != nil {
		return nil, fmt.Errorf("cannot open insertion sequence: %w", err)
	}

	m := &Mempool{
		ep:     ep,
		db:     db,
		seq:    seq,
		ratio:  cfg.MinReplacementRatio,
		logger: logger,

		byHash:        make(map[common.Hash]*Entry),
		bySenderNonce: make(map[senderNonce]common.Hash),
		bySender:      make(map[common.Address]map[common.Hash]struct{}),
		byEntity:      make(map[common.Address]int),
	}

	if err := m.load(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Mempool) load() error {
	items, err := m.db.GetByPrefix(schema.EntryPrefix(m.ep))
	if err != nil {
		return fmt.Errorf("cannot load pool entries: %w", err)
	}

	codeHashes, err := m.loadCodeHashes()
	if err != nil {
		return err
	}

	for _, item := range items {
		e, err := decodeEntry(item.Value)
		if err != nil {
			m.logger.Warn("skip corrupted pool entry", "key", string(item.Key), "error", err)
			continue
		}
		e.CodeHashes = codeHashes[strings.ToLower(e.Hash.Hex())]
		m.index(e)
	}

	m.logger.Info("pool entries loaded", "count", len(m.byHash))
	return nil
}

// loadCodeHashes maps the lower case entry hash in each code hash key to its list
func (m *Mempool) loadCodeHashes() (map[string][]aa.CodeHash, error) {
	prefix := schema.CodeHashPrefix(m.ep)
	items, err := m.db.GetByPrefix(prefix)
	if err != nil {
		return nil, fmt.Errorf("cannot load code hashes: %w", err)
	}

	out := make(map[string][]aa.CodeHash, len(items))
	for _, item := range items {
		hashes, err := decodeCodeHashes(item.Value)
		if err != nil {
			m.logger.Warn("skip corrupted code hashes", "key", string(item.Key), "error", err)
			continue
		}
		out[string(item.Key[len(prefix):])] = hashes
	}
	return out, nil
}

func (m *Mempool) index(e *Entry) {
	m.byHash[e.Hash] = e
	m.bySenderNonce[e.senderNonce()] = e.Hash

	hashes, ok := m.bySender[e.Sender]
	if !ok {
		hashes = make(map[common.Hash]struct{})
		m.bySender[e.Sender] = hashes
	}
	hashes[e.Hash] = struct{}{}

	for _, a := range e.Entities() {
		m.byEntity[a]++
	}
}

func (m *Mempool) unindex(e *Entry) {
	delete(m.byHash, e.Hash)
	if m.bySenderNonce[e.senderNonce()] == e.Hash {
		delete(m.bySenderNonce, e.senderNonce())
	}

	if hashes, ok := m.bySender[e.Sender]; ok {
		delete(hashes, e.Hash)
		if len(hashes) == 0 {
			delete(m.bySender, e.Sender)
		}
	}

	for _, a := range e.Entities() {
		if m.byEntity[a]--; m.byEntity[a] <= 0 {
			delete(m.byEntity, a)
		}
	}
}

func (m *Mempool) stageDelete(batch *storage.Batch, e *Entry) {
	batch.Delete(schema.EntryKey(m.ep, e.Hash))
	batch.Delete(schema.SenderNonceKey(m.ep, e.Sender, e.Op.Nonce))
	batch.Delete(schema.SequenceKey(m.ep, e.Sequence))
	batch.Delete(schema.CodeHashKey(m.ep, e.Hash))
}

func (m *Mempool) apply(batch *storage.Batch) error {
	if m.failed != nil {
		return storageFailure(m.failed)
	}

	if err := m.db.Apply(batch); err != nil {
		m.failed = err
		m.logger.Error("pool storage write failed, refusing further writes", "error", err)
		return storageFailure(err)
	}
	return nil
}

// Failed reports the write error that disabled the store, nil when healthy
func (m *Mempool) Failed() error {
	return m.failed
}

// CanReplace reports whether candidate pays enough to replace existing
func (m *Mempool) CanReplace(existing, candidate *Entry) bool {
	return canReplace(m.ratio, existing.Op.MaxPriorityFeePerGas, candidate.Op.MaxPriorityFeePerGas)
}

// canReplace requires newFee to exceed oldFee by at least ratio and to be strictly higher,
// so an equal fee never replaces, zero included
func canReplace(ratio decimal.Decimal, oldFee, newFee *big.Int) bool {
	old, candidate := decimal.NewFromBigInt(bigOrZero(oldFee), 0), decimal.NewFromBigInt(bigOrZero(newFee), 0)
	if !candidate.GreaterThan(old) {
		return false
	}
	return candidate.GreaterThanOrEqual(old.Mul(decimal.NewFromInt(1).Add(ratio)))
}

// Add inserts e, assigning its sequence number and insertion time. An entry already present
// for the same (sender, nonce) is replaced in the same transaction when e pays enough,
// otherwise Add fails with NonceConflict. The replaced entry is returned.
func (m *Mempool) Add(e *Entry) (*Entry, error) {
	if m.failed != nil {
		return nil, storageFailure(m.failed)
	}
	if _, ok := m.byHash[e.Hash]; ok {
		return nil, &Error{Kind: KindNonceConflict, Reason: "operation already known", Entity: e.Sender}
	}

	var existing *Entry
	if h, ok := m.bySenderNonce[e.senderNonce()]; ok {
		existing = m.byHash[h]
		if !m.CanReplace(existing, e) {
			return nil, &Error{
				Kind:   KindNonceConflict,
				Reason: fmt.Sprintf("replacement priority fee must be at least %s%% higher", m.ratio.Shift(2).String()),
				Entity: e.Sender,
			}
		}
	}

	seq, err := m.seq.Next()
	if err != nil {
		return nil, storageFailure(err)
	}
	e.Sequence = seq
	if e.InsertedAt.IsZero() {
		e.InsertedAt = time.Now()
	}

	data, err := encodeEntry(e)
	if err != nil {
		return nil, err
	}
	var codeHashes []byte
	if len(e.CodeHashes) > 0 {
		if codeHashes, err = encodeCodeHashes(e.CodeHashes); err != nil {
			return nil, err
		}
	}

	batch := storage.NewBatch()
	if existing != nil {
		m.stageDelete(batch, existing)
	}
	batch.Set(schema.EntryKey(m.ep, e.Hash), data)
	batch.Set(schema.SenderNonceKey(m.ep, e.Sender, e.Op.Nonce), e.Hash.Bytes())
	batch.Set(schema.SequenceKey(m.ep, e.Sequence), e.Hash.Bytes())
	if codeHashes != nil {
		batch.Set(schema.CodeHashKey(m.ep, e.Hash), codeHashes)
	}

	if err := m.apply(batch); err != nil {
		return nil, err
	}

	if existing != nil {
		m.unindex(existing)
	}
	m.index(e)
	return existing, nil
}

// RemoveByHash deletes the entry, returning nil when it was not pooled
func (m *Mempool) RemoveByHash(hash common.Hash) (*Entry, error) {
	removed, err := m.RemoveByHashes([]common.Hash{hash})
	if err != nil || len(removed) == 0 {
		return nil, err
	}
	return removed[0], nil
}

// RemoveByHashes deletes every listed entry that is pooled in a single transaction
func (m *Mempool) RemoveByHashes(hashes []common.Hash) ([]*Entry, error) {
	return m.RemoveWith(storage.NewBatch(), hashes)
}

// RemoveWith deletes the pooled entries among hashes in the same transaction as the writes
// already staged in batch. Nothing is removed when the transaction fails.
func (m *Mempool) RemoveWith(batch *storage.Batch, hashes []common.Hash) ([]*Entry, error) {
	var removed []*Entry
	for _, h := range hashes {
		e, ok := m.byHash[h]
		if !ok {
			continue
		}
		m.stageDelete(batch, e)
		removed = append(removed, e)
	}
	if batch.Len() == 0 {
		return nil, nil
	}

	if err := m.apply(batch); err != nil {
		return nil, err
	}

	for _, e := range removed {
		m.unindex(e)
	}
	return removed, nil
}

func (m *Mempool) GetByHash(hash common.Hash) *Entry {
	return m.byHash[hash]
}

// GetCodeHashes returns the code hashes recorded when the entry was admitted
func (m *Mempool) GetCodeHashes(hash common.Hash) []aa.CodeHash {
	if e, ok := m.byHash[hash]; ok {
		return e.CodeHashes
	}
	return nil
}

// GetBySenderNonce returns the entry occupying (sender, nonce)
func (m *Mempool) GetBySenderNonce(sender common.Address, nonce *big.Int) *Entry {
	h, ok := m.bySenderNonce[senderNonce{sender: sender, nonce: bigOrZero(nonce).String()}]
	if !ok {
		return nil
	}
	return m.byHash[h]
}

// GetAllBySender returns the entries of sender ordered by ascending nonce
func (m *Mempool) GetAllBySender(sender common.Address) []*Entry {
	hashes := m.bySender[sender]
	out := make([]*Entry, 0, len(hashes))
	for h := range hashes {
		out = append(out, m.byHash[h])
	}
	sort.Slice(out, func(i, j int) bool {
		return bigOrZero(out[i].Op.Nonce).Cmp(bigOrZero(out[j].Op.Nonce)) < 0
	})
	return out
}

// AllEntries returns every entry ordered by insertion sequence
func (m *Mempool) AllEntries() []*Entry {
	out := make([]*Entry, 0, len(m.byHash))
	for _, e := range m.byHash {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Sequence < out[j].Sequence
	})
	return out
}

func (m *Mempool) Count() int {
	return len(m.byHash)
}

func (m *Mempool) CountBySender(sender common.Address) int {
	return len(m.bySender[sender])
}

// CountByEntity counts pooled entries the address takes part in, under any role
func (m *Mempool) CountByEntity(addr common.Address) int {
	return m.byEntity[addr]
}

// Clear drops every entry of this entry point
func (m *Mempool) Clear() error {
	items, err := m.db.GetByPrefix(schema.PoolPrefix(m.ep))
	if err != nil {
		return storageFailure(err)
	}

	batch := storage.NewBatch()
	for _, item := range items {
		batch.Delete(item.Key)
	}
	if err := m.apply(batch); err != nil {
		return err
	}

	m.byHash = make(map[common.Hash]*Entry)
	m.bySenderNonce = make(map[senderNonce]common.Hash)
	m.bySender = make(map[common.Address]map[common.Hash]struct{})
	m.byEntity = make(map[common.Address]int)
	return nil
}
