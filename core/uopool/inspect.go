package uopool

import (
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-uopool/pkg/logger"
	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/storage/schema"
)

// Dump is the persisted state of one entry point, read without taking ownership of the
// database so it works against a read-only handle
type Dump struct {
	EntryPoint common.Address
	Entries    []*Entry
	Reputation []Snapshot
	Bundles    map[schema.BundleStatus]int64
}

func ReadDump(db storage.Storage, ep common.Address, cfg *Config) (*Dump, error) {
	items, err := db.GetByPrefix(schema.EntryPrefix(ep))
	if err != nil {
		return nil, fmt.Errorf("cannot read pool entries: %w", err)
	}

	d := &Dump{
		EntryPoint: ep,
		Entries:    make([]*Entry, 0, len(items)),
		Bundles:    make(map[schema.BundleStatus]int64),
	}
	for _, item := range items {
		e, err := decodeEntry(item.Value)
		if err != nil {
			return nil, fmt.Errorf("corrupted pool entry %s: %w", item.Key, err)
		}
		d.Entries = append(d.Entries, e)
	}
	sort.Slice(d.Entries, func(i, j int) bool { return d.Entries[i].Sequence < d.Entries[j].Sequence })

	rep, err := NewReputation(ep, db, cfg, logger.NewNoOpLogger())
	if err != nil {
		return nil, err
	}
	d.Reputation = rep.All()

	for _, status := range []schema.BundleStatus{schema.BundlePending, schema.BundleIncluded, schema.BundleFailed} {
		if d.Bundles[status], err = db.CountKeysByPrefix(schema.BundlePrefix(ep, status)); err != nil {
			return nil, err
		}
	}
	return d, nil
}
