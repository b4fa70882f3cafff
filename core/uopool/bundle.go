package uopool

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/oklog/ulid/v2"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

var ErrBundleNotFound = errors.New("bundle not found or already settled")

// Bundle is a set of entries handed out for submission. Its entries stay pooled, marked in
// flight, until the submitter reports the outcome.
type Bundle struct {
	ID         string
	EntryPoint common.Address
	Entries    []*Entry
	GasUsed    *big.Int
	CreatedAt  time.Time
}

func newBundle(ep common.Address, entries []*Entry) *Bundle {
	gas := new(big.Int)
	for _, e := range entries {
		gas.Add(gas, e.Op.BundleGas())
	}

	return &Bundle{
		ID:         ulid.Make().String(),
		EntryPoint: ep,
		Entries:    entries,
		GasUsed:    gas,
		CreatedAt:  time.Now(),
	}
}

// Operations returns the operations in bundle order
func (b *Bundle) Operations() []*userop.UserOperation {
	ops := make([]*userop.UserOperation, len(b.Entries))
	for i, e := range b.Entries {
		ops[i] = e.Op
	}
	return ops
}

func (b *Bundle) Hashes() []common.Hash {
	hashes := make([]common.Hash, len(b.Entries))
	for i, e := range b.Entries {
		hashes[i] = e.Hash
	}
	return hashes
}

type bundleRecord struct {
	ID        string   `msgpack:"id"`
	Hashes    [][]byte `msgpack:"hashes"`
	GasUsed   []byte   `msgpack:"gas_used"`
	CreatedAt int64    `msgpack:"created_at"`
	Reason    string   `msgpack:"reason,omitempty"`
}

func encodeBundle(b *Bundle, reason string) ([]byte, error) {
	rec := &bundleRecord{
		ID:        b.ID,
		GasUsed:   bigOrZero(b.GasUsed).Bytes(),
		CreatedAt: b.CreatedAt.UnixNano(),
		Reason:    reason,
	}
	for _, h := range b.Hashes() {
		rec.Hashes = append(rec.Hashes, h.Bytes())
	}
	return msgpack.Marshal(rec)
}

func decodeBundle(data []byte) (*bundleRecord, error) {
	var rec bundleRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode bundle: %w", err)
	}
	return &rec, nil
}

// failure codes that can never succeed on retry
var permanentFailures = []string{"AA10", "AA13", "AA14", "AA20", "AA23", "AA24", "AA25", "nonce"}

// IsPermanentFailure reports whether an on-chain failure reason means the operation can
// never be included, such as an already used nonce
func IsPermanentFailure(reason string) bool {
	lower := strings.ToLower(reason)
	for _, p := range permanentFailures {
		if strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}
