package uopool

import (
	"bytes"
	"fmt"
	"math/big"
	"sort"
	"sync"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/storage/schema"
)

type Status int

const (
	StatusOK Status = iota
	StatusThrottled
	StatusBanned
)

func (s Status) String() string {
	switch s {
	case StatusThrottled:
		return "throttled"
	case StatusBanned:
		return "banned"
	default:
		return "ok"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is an immutable copy of one entity's reputation inputs
type Snapshot struct {
	Address         common.Address `json:"address"`
	OpsSeen         uint64         `json:"opsSeen"`
	OpsIncluded     uint64         `json:"opsIncluded"`
	Slashed         bool           `json:"slashed"`
	Stake           *big.Int       `json:"stake"`
	UnstakeDelaySec uint64         `json:"unstakeDelaySec"`
	Whitelisted     bool           `json:"whitelisted"`
	Blacklisted     bool           `json:"blacklisted"`
}

// IsStaked reports whether the entity meets the minimum stake and unstake delay
func (s Snapshot) IsStaked(cfg *Config) bool {
	return s.Stake != nil &&
		s.Stake.Cmp(cfg.MinStake) >= 0 &&
		s.UnstakeDelaySec >= cfg.MinUnstakeDelaySec
}

// Status derives the reputation status. It depends on nothing but the snapshot and policy,
// there is no stored status that could drift from the counters.
func (s Snapshot) Status(cfg *Config) Status {
	switch {
	case s.Blacklisted:
		return StatusBanned
	case s.Whitelisted:
		return StatusOK
	case s.Slashed:
		return StatusBanned
	}

	denominator := cfg.MinInclusionDenominator
	if denominator == 0 {
		denominator = 1
	}
	maxSeen := s.OpsSeen / denominator

	if maxSeen <= s.OpsIncluded+cfg.ThrottlingSlack {
		return StatusOK
	}
	if maxSeen <= s.OpsIncluded+cfg.BanSlack {
		// staked entities are accountable through their stake and are not throttled
		if s.IsStaked(cfg) {
			return StatusOK
		}
		return StatusThrottled
	}
	return StatusBanned
}

func (s Snapshot) isEmpty() bool {
	return s.OpsSeen == 0 && s.OpsIncluded == 0 && !s.Slashed &&
		(s.Stake == nil || s.Stake.Sign() == 0) && s.UnstakeDelaySec == 0
}

type reputationRecord struct {
	OpsSeen         uint64 `msgpack:"seen"`
	OpsIncluded     uint64 `msgpack:"included"`
	Slashed         bool   `msgpack:"slashed"`
	Stake           []byte `msgpack:"stake"`
	UnstakeDelaySec uint64 `msgpack:"unstake_delay"`
}

// Reputation tracks per entity counters of one entry point. Every mutation is written
// through to storage before the in-memory view changes.
type Reputation struct {
	mu sync.RWMutex

	ep      common.Address
	db      storage.Storage
	cfg     *Config
	logger  sdklogging.Logger
	entries map[common.Address]Snapshot

	whitelist map[common.Address]struct{}
	blacklist map[common.Address]struct{}
}

func NewReputation(ep common.Address, db storage.Storage, cfg *Config, logger sdklogging.Logger) (*Reputation, error) {
	r := &Reputation{
		ep:      ep,
		db:      db,
		cfg:     cfg,
		logger:  logger,
		entries: make(map[common.Address]Snapshot),

		whitelist: addressSet(cfg.Whitelist),
		blacklist: addressSet(cfg.Blacklist),
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func addressSet(addrs []string) map[common.Address]struct{} {
	return lo.SliceToMap(addrs, func(a string) (common.Address, struct{}) {
		return common.HexToAddress(a), struct{}{}
	})
}

func (r *Reputation) load() error {
	items, err := r.db.GetByPrefix(schema.ReputationPrefix(r.ep))
	if err != nil {
		return fmt.Errorf("cannot load reputation: %w", err)
	}

	prefix := schema.ReputationPrefix(r.ep)
	for _, item := range items {
		var rec reputationRecord
		if err := msgpack.Unmarshal(item.Value, &rec); err != nil {
			r.logger.Warn("skip corrupted reputation record", "key", string(item.Key), "error", err)
			continue
		}

		addr := common.HexToAddress(string(bytes.TrimPrefix(item.Key, prefix)))
		r.entries[addr] = Snapshot{
			Address:         addr,
			OpsSeen:         rec.OpsSeen,
			OpsIncluded:     rec.OpsIncluded,
			Slashed:         rec.Slashed,
			Stake:           new(big.Int).SetBytes(rec.Stake),
			UnstakeDelaySec: rec.UnstakeDelaySec,
		}
	}
	return nil
}

// snapshotLocked must be called with r.mu held
func (r *Reputation) snapshotLocked(addr common.Address) Snapshot {
	s, ok := r.entries[addr]
	if !ok {
		s = Snapshot{Address: addr, Stake: new(big.Int)}
	}
	_, s.Whitelisted = r.whitelist[addr]
	_, s.Blacklisted = r.blacklist[addr]
	return s
}

func (r *Reputation) Snapshot(addr common.Address) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.snapshotLocked(addr)
}

// Snapshots reads several entities under one lock so the set is consistent
func (r *Reputation) Snapshots(addrs ...common.Address) map[common.Address]Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[common.Address]Snapshot, len(addrs))
	for _, a := range addrs {
		out[a] = r.snapshotLocked(a)
	}
	return out
}

func (r *Reputation) Status(addr common.Address) Status {
	return r.Snapshot(addr).Status(r.cfg)
}

func (r *Reputation) RecordSeen(addrs ...common.Address) error {
	return r.update(addrs, func(s *Snapshot) { s.OpsSeen++ })
}

func (r *Reputation) RecordIncluded(addrs ...common.Address) error {
	return r.update(addrs, func(s *Snapshot) { s.OpsIncluded++ })
}

func (r *Reputation) RecordSlashed(addr common.Address) error {
	return r.update([]common.Address{addr}, func(s *Snapshot) { s.Slashed = true })
}

// SetStake mirrors the on-chain staking ledger for addr
func (r *Reputation) SetStake(addr common.Address, stake *big.Int, unstakeDelaySec uint64) error {
	return r.update([]common.Address{addr}, func(s *Snapshot) {
		s.Stake = new(big.Int).Set(bigOrZero(stake))
		s.UnstakeDelaySec = unstakeDelaySec
	})
}

// update applies fn to a copy of each snapshot, persists the copies in one batch and only
// then publishes them
func (r *Reputation) update(addrs []common.Address, fn func(*Snapshot)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[common.Address]Snapshot, len(addrs))
	for _, a := range addrs {
		s, ok := next[a]
		if !ok {
			s = r.snapshotLocked(a)
		}
		fn(&s)
		next[a] = s
	}

	batch := storage.NewBatch()
	for a, s := range next {
		if err := r.stage(batch, a, s); err != nil {
			return err
		}
	}
	if err := r.db.Apply(batch); err != nil {
		return storageFailure(err)
	}

	for a, s := range next {
		r.entries[a] = s
	}
	return nil
}

func (r *Reputation) stage(batch *storage.Batch, addr common.Address, s Snapshot) error {
	key := schema.ReputationKey(r.ep, addr)
	if s.isEmpty() {
		batch.Delete(key)
		return nil
	}

	data, err := msgpack.Marshal(&reputationRecord{
		OpsSeen:         s.OpsSeen,
		OpsIncluded:     s.OpsIncluded,
		Slashed:         s.Slashed,
		Stake:           bigOrZero(s.Stake).Bytes(),
		UnstakeDelaySec: s.UnstakeDelaySec,
	})
	if err != nil {
		return fmt.Errorf("cannot encode reputation of %s: %w", addr, err)
	}
	batch.Set(key, data)
	return nil
}

// Decay halves both counters of every entity. It holds the write lock for the whole pass
// so no reader observes a half decayed pair of counters.
func (r *Reputation) Decay() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := make(map[common.Address]Snapshot, len(r.entries))
	batch := storage.NewBatch()
	for a, s := range r.entries {
		s.OpsSeen /= 2
		s.OpsIncluded /= 2
		if err := r.stage(batch, a, s); err != nil {
			return err
		}
		if !s.isEmpty() {
			next[a] = s
		}
	}

	if err := r.db.Apply(batch); err != nil {
		return storageFailure(err)
	}

	r.entries = next
	return nil
}

// All returns every tracked entity ordered by address
func (r *Reputation) All() []Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Snapshot, 0, len(r.entries))
	for a := range r.entries {
		out = append(out, r.snapshotLocked(a))
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].Address.Bytes(), out[j].Address.Bytes()) < 0
	})
	return out
}

func bigOrZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}
