package uopool

import (
	"context"
	"errors"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/core/testutil"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

// sequenced builds entries with increasing insertion sequence in argument order
func sequenced(ops ...*userop.UserOperation) []*Entry {
	entries := make([]*Entry, len(ops))
	for i, op := range ops {
		e := testEntry(op)
		e.Sequence = uint64(i + 1)
		e.InsertedAt = time.Now()
		entries[i] = e
	}
	return entries
}

func TestSortByPriority(t *testing.T) {
	entries := sequenced(
		testutil.UserOp(testutil.Address(1), 0, 1),
		testutil.UserOp(testutil.Address(2), 0, 3),
		testutil.UserOp(testutil.Address(3), 0, 3),
		testutil.UserOp(testutil.Address(4), 0, 2),
	)

	sorted := SortByPriority(entries, testutil.Gwei)
	got := []uint64{sorted[0].Sequence, sorted[1].Sequence, sorted[2].Sequence, sorted[3].Sequence}
	assert.Equal(t, []uint64{2, 3, 4, 1}, got)

	// the input is left untouched
	assert.Equal(t, uint64(1), entries[0].Sequence)
}

func TestSortByPriorityCapsAtMaxFee(t *testing.T) {
	capped := testutil.UserOp(testutil.Address(1), 0, 50)
	capped.MaxFeePerGas = new(big.Int).Mul(big.NewInt(11), testutil.Gwei)
	entries := sequenced(capped, testutil.UserOp(testutil.Address(2), 0, 20))

	// with a 10 gwei base fee the first one only tips 1 gwei
	sorted := SortByPriority(entries, new(big.Int).Mul(big.NewInt(10), testutil.Gwei))
	assert.Equal(t, testutil.Address(2), sorted[0].Sender)
}

func TestSelectRespectsGasLimitAndTies(t *testing.T) {
	selector := NewSelector(testutil.EntryPoint, testutil.NewFakeChain(), DefaultConfig(), testutil.GetLogger())

	entries := sequenced(
		testutil.UserOp(testutil.Address(1), 0, 2),
		testutil.UserOp(testutil.Address(2), 0, 5),
		testutil.UserOp(testutil.Address(3), 0, 2),
	)
	// every test op reserves 150k gas, two fit
	limit := big.NewInt(300_000)

	sel, err := selector.Select(context.Background(), entries, limit, testutil.Gwei)
	require.NoError(t, err)
	require.Len(t, sel.Entries, 2)
	assert.Equal(t, testutil.Address(2), sel.Entries[0].Sender)
	assert.Equal(t, testutil.Address(1), sel.Entries[1].Sender)
	assert.Equal(t, int64(300_000), sel.GasUsed.Int64())
	assert.Empty(t, sel.Stale)
}

func TestSelectIsDeterministic(t *testing.T) {
	selector := NewSelector(testutil.EntryPoint, testutil.NewFakeChain(), DefaultConfig(), testutil.GetLogger())

	var ops []*userop.UserOperation
	for i := int64(0); i < 12; i++ {
		ops = append(ops, testutil.UserOp(testutil.Address(i), 0, i%3+1))
	}
	entries := sequenced(ops...)
	limit := big.NewInt(1_000_000)

	first, err := selector.Select(context.Background(), entries, limit, testutil.Gwei)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := selector.Select(context.Background(), entries, limit, testutil.Gwei)
		require.NoError(t, err)
		require.Len(t, again.Entries, len(first.Entries))
		for j := range first.Entries {
			assert.Equal(t, first.Entries[j].Hash, again.Entries[j].Hash)
		}
	}
}

func TestSelectOneOperationPerSender(t *testing.T) {
	selector := NewSelector(testutil.EntryPoint, testutil.NewFakeChain(), DefaultConfig(), testutil.GetLogger())

	sender := testutil.Address(1)
	entries := sequenced(
		testutil.UserOp(sender, 1, 9),
		testutil.UserOp(sender, 0, 1),
		testutil.UserOp(testutil.Address(2), 0, 2),
	)

	sel, err := selector.Select(context.Background(), entries, big.NewInt(10_000_000), testutil.Gwei)
	require.NoError(t, err)
	require.Len(t, sel.Entries, 2)

	// only the lowest nonce of a sender is a candidate
	assert.Equal(t, testutil.Address(2), sel.Entries[0].Sender)
	assert.Equal(t, sender, sel.Entries[1].Sender)
	assert.Equal(t, int64(0), sel.Entries[1].Op.Nonce.Int64())
}

func TestSelectPaymasterDepositCap(t *testing.T) {
	chain := testutil.NewFakeChain()
	paymaster := testutil.Address(40)

	op := testutil.WithPaymaster(testutil.UserOp(testutil.Address(1), 0, 3), paymaster)
	// room for exactly one prefund
	chain.SetDeposit(paymaster, new(big.Int).Add(op.RequiredPrefund(), big.NewInt(1)))

	entries := sequenced(
		op,
		testutil.WithPaymaster(testutil.UserOp(testutil.Address(2), 0, 2), paymaster),
		testutil.UserOp(testutil.Address(3), 0, 1),
	)

	selector := NewSelector(testutil.EntryPoint, chain, DefaultConfig(), testutil.GetLogger())
	sel, err := selector.Select(context.Background(), entries, big.NewInt(10_000_000), testutil.Gwei)
	require.NoError(t, err)

	require.Len(t, sel.Entries, 2)
	assert.Equal(t, testutil.Address(1), sel.Entries[0].Sender)
	assert.Equal(t, testutil.Address(3), sel.Entries[1].Sender)
}

func TestSelectReportsStaleEntries(t *testing.T) {
	chain := testutil.NewFakeChain()
	reverting, flaky, expired := testutil.Address(1), testutil.Address(2), testutil.Address(3)

	chain.SetSimulationError(reverting, &aa.FailedOpError{OpIndex: big.NewInt(0), Reason: "AA25 invalid account nonce"})
	chain.SetSimulationError(flaky, errors.New("upstream timeout"))
	res := testutil.OkSimulation()
	res.ReturnInfo.ValidUntil = big.NewInt(time.Now().Add(-time.Minute).Unix())
	chain.SetSimulationResult(expired, res)

	entries := sequenced(
		testutil.UserOp(reverting, 0, 5),
		testutil.UserOp(flaky, 0, 4),
		testutil.UserOp(expired, 0, 3),
		testutil.UserOp(testutil.Address(4), 0, 1),
	)

	selector := NewSelector(testutil.EntryPoint, chain, DefaultConfig(), testutil.GetLogger())
	sel, err := selector.Select(context.Background(), entries, big.NewInt(10_000_000), testutil.Gwei)
	require.NoError(t, err)

	require.Len(t, sel.Entries, 1)
	assert.Equal(t, testutil.Address(4), sel.Entries[0].Sender)

	require.Len(t, sel.Stale, 2)
	assert.Equal(t, reverting, sel.Stale[0].Entry.Sender)
	assert.Contains(t, sel.Stale[0].Reason, "AA25")
	assert.Equal(t, expired, sel.Stale[1].Entry.Sender)
}

func TestSelectEvictsEntriesWhoseCodeChanged(t *testing.T) {
	chain := testutil.NewFakeChain()
	account, library := testutil.Address(7), testutil.Address(8)
	chain.SetCodeHash(account, common.HexToHash("0xaa"))
	chain.SetCodeHash(library, common.HexToHash("0xbb"))

	entries := sequenced(
		testutil.UserOp(testutil.Address(1), 0, 2),
		testutil.UserOp(testutil.Address(2), 0, 1),
		testutil.UserOp(testutil.Address(3), 0, 1),
	)
	entries[0].CodeHashes = []aa.CodeHash{{Address: account, Hash: common.HexToHash("0xaa")}}
	// the library was redeployed after admission
	entries[1].CodeHashes = []aa.CodeHash{
		{Address: account, Hash: common.HexToHash("0xaa")},
		{Address: library, Hash: common.HexToHash("0xcc")},
	}

	selector := NewSelector(testutil.EntryPoint, chain, DefaultConfig(), testutil.GetLogger())
	sel, err := selector.Select(context.Background(), entries, big.NewInt(10_000_000), testutil.Gwei)
	require.NoError(t, err)

	require.Len(t, sel.Entries, 2)
	assert.Equal(t, testutil.Address(1), sel.Entries[0].Sender)
	assert.Equal(t, testutil.Address(3), sel.Entries[1].Sender)

	require.Len(t, sel.Stale, 1)
	assert.Equal(t, testutil.Address(2), sel.Stale[0].Entry.Sender)
	assert.Contains(t, sel.Stale[0].Reason, "code of "+library.Hex()+" changed")
}

func TestSelectEvictsUnstakedStorageAccess(t *testing.T) {
	chain := testutil.NewFakeChain()
	paymaster := testutil.Address(50)
	sender := testutil.Address(1)

	res := testutil.OkSimulation()
	res.EntityStorage = []common.Address{paymaster}
	chain.SetSimulationResult(sender, res)

	entries := sequenced(testutil.WithPaymaster(testutil.UserOp(sender, 0, 1), paymaster))

	selector := NewSelector(testutil.EntryPoint, chain, DefaultConfig(), testutil.GetLogger())
	sel, err := selector.Select(context.Background(), entries, big.NewInt(10_000_000), testutil.Gwei)
	require.NoError(t, err)

	assert.Empty(t, sel.Entries)
	require.Len(t, sel.Stale, 1)
	assert.Contains(t, sel.Stale[0].Reason, "unstaked entity "+paymaster.Hex())
}

func TestSelectEmpty(t *testing.T) {
	selector := NewSelector(testutil.EntryPoint, testutil.NewFakeChain(), DefaultConfig(), testutil.GetLogger())

	sel, err := selector.Select(context.Background(), nil, big.NewInt(1), testutil.Gwei)
	require.NoError(t, err)
	assert.Empty(t, sel.Entries)
	assert.Equal(t, int64(0), sel.GasUsed.Int64())
}
