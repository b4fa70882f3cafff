package uopool

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/samber/lo"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

// Entry is an admitted operation plus the bookkeeping the pool derives from it.
// Entries are never mutated once stored.
type Entry struct {
	Op         *userop.UserOperation
	Hash       common.Hash
	EntryPoint common.Address
	Sequence   uint64
	InsertedAt time.Time

	Sender     common.Address
	Factory    common.Address
	Paymaster  common.Address
	Aggregator common.Address

	// CodeHashes are the code hashes of the contracts validation reached at admission
	CodeHashes []aa.CodeHash
}

func newEntry(op *userop.UserOperation, hash common.Hash, ep common.Address, aggregator common.Address) *Entry {
	e := &Entry{
		Op:         op,
		Hash:       hash,
		EntryPoint: ep,
		Sender:     op.Sender,
		Aggregator: aggregator,
	}
	if f, ok := op.Factory(); ok {
		e.Factory = f
	}
	if p, ok := op.Paymaster(); ok {
		e.Paymaster = p
	}
	return e
}

// Entities lists the distinct non-zero addresses involved in the operation
func (e *Entry) Entities() []common.Address {
	return entitiesOf(e.Sender, e.Factory, e.Paymaster, e.Aggregator)
}

func entitiesOf(addrs ...common.Address) []common.Address {
	return lo.Uniq(lo.Filter(addrs, func(a common.Address, _ int) bool {
		return a != (common.Address{})
	}))
}

type senderNonce struct {
	sender common.Address
	nonce  string
}

func (e *Entry) senderNonce() senderNonce {
	return senderNonce{sender: e.Sender, nonce: bigOrZero(e.Op.Nonce).String()}
}

// entryRecord is the persisted form of an Entry. Numbers are stored as big endian bytes.
type entryRecord struct {
	Sender               []byte `msgpack:"sender"`
	Nonce                []byte `msgpack:"nonce"`
	InitCode             []byte `msgpack:"init_code"`
	CallData             []byte `msgpack:"call_data"`
	CallGasLimit         []byte `msgpack:"call_gas"`
	VerificationGasLimit []byte `msgpack:"verification_gas"`
	PreVerificationGas   []byte `msgpack:"pre_verification_gas"`
	MaxFeePerGas         []byte `msgpack:"max_fee"`
	MaxPriorityFeePerGas []byte `msgpack:"max_priority_fee"`
	PaymasterAndData     []byte `msgpack:"paymaster_and_data"`
	Signature            []byte `msgpack:"signature"`

	Hash       []byte `msgpack:"hash"`
	EntryPoint []byte `msgpack:"entry_point"`
	Sequence   uint64 `msgpack:"seq"`
	InsertedAt int64  `msgpack:"inserted_at"`
	Aggregator []byte `msgpack:"aggregator"`
}

func encodeEntry(e *Entry) ([]byte, error) {
	op := e.Op
	return msgpack.Marshal(&entryRecord{
		Sender:               op.Sender.Bytes(),
		Nonce:                bigOrZero(op.Nonce).Bytes(),
		InitCode:             op.InitCode,
		CallData:             op.CallData,
		CallGasLimit:         bigOrZero(op.CallGasLimit).Bytes(),
		VerificationGasLimit: bigOrZero(op.VerificationGasLimit).Bytes(),
		PreVerificationGas:   bigOrZero(op.PreVerificationGas).Bytes(),
		MaxFeePerGas:         bigOrZero(op.MaxFeePerGas).Bytes(),
		MaxPriorityFeePerGas: bigOrZero(op.MaxPriorityFeePerGas).Bytes(),
		PaymasterAndData:     op.PaymasterAndData,
		Signature:            op.Signature,

		Hash:       e.Hash.Bytes(),
		EntryPoint: e.EntryPoint.Bytes(),
		Sequence:   e.Sequence,
		InsertedAt: e.InsertedAt.UnixNano(),
		Aggregator: e.Aggregator.Bytes(),
	})
}

func decodeEntry(data []byte) (*Entry, error) {
	var rec entryRecord
	if err := msgpack.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("cannot decode pool entry: %w", err)
	}

	op := &userop.UserOperation{
		Sender:               common.BytesToAddress(rec.Sender),
		Nonce:                new(big.Int).SetBytes(rec.Nonce),
		InitCode:             nonNil(rec.InitCode),
		CallData:             nonNil(rec.CallData),
		CallGasLimit:         new(big.Int).SetBytes(rec.CallGasLimit),
		VerificationGasLimit: new(big.Int).SetBytes(rec.VerificationGasLimit),
		PreVerificationGas:   new(big.Int).SetBytes(rec.PreVerificationGas),
		MaxFeePerGas:         new(big.Int).SetBytes(rec.MaxFeePerGas),
		MaxPriorityFeePerGas: new(big.Int).SetBytes(rec.MaxPriorityFeePerGas),
		PaymasterAndData:     nonNil(rec.PaymasterAndData),
		Signature:            nonNil(rec.Signature),
	}

	e := newEntry(op, common.BytesToHash(rec.Hash), common.BytesToAddress(rec.EntryPoint), common.BytesToAddress(rec.Aggregator))
	e.Sequence = rec.Sequence
	e.InsertedAt = time.Unix(0, rec.InsertedAt)
	return e, nil
}

// codeHashRecord is one element of the code hash list stored beside an entry
type codeHashRecord struct {
	Address []byte `msgpack:"addr"`
	Hash    []byte `msgpack:"hash"`
}

func encodeCodeHashes(hashes []aa.CodeHash) ([]byte, error) {
	return msgpack.Marshal(lo.Map(hashes, func(h aa.CodeHash, _ int) codeHashRecord {
		return codeHashRecord{Address: h.Address.Bytes(), Hash: h.Hash.Bytes()}
	}))
}

func decodeCodeHashes(data []byte) ([]aa.CodeHash, error) {
	var recs []codeHashRecord
	if err := msgpack.Unmarshal(data, &recs); err != nil {
		return nil, fmt.Errorf("cannot decode code hashes: %w", err)
	}
	return lo.Map(recs, func(r codeHashRecord, _ int) aa.CodeHash {
		return aa.CodeHash{Address: common.BytesToAddress(r.Address), Hash: common.BytesToHash(r.Hash)}
	}), nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
