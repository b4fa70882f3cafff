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

	"github.com/AvaProtocol/ap-uopool/core/testutil"
	"github.com/AvaProtocol/ap-uopool/metrics"
	"github.com/AvaProtocol/ap-uopool/storage"
)

func TestServiceRoutesByEntryPoint(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	second := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	cfg := DefaultConfig()
	cfg.BundleGasLimit = big.NewInt(10_000_000)

	svc, err := NewService(context.Background(), []common.Address{testutil.EntryPoint, second, second}, testutil.NewFakeChain(), db, cfg, metrics.NoopMetrics{}, testutil.GetLogger())
	require.NoError(t, err)
	assert.Equal(t, []common.Address{testutil.EntryPoint, second}, svc.EntryPoints())
	assert.Equal(t, testutil.ChainID, svc.ChainID())

	ctx := context.Background()
	op := testutil.UserOp(testutil.Address(1), 0, 1)

	h1, err := svc.AddOperation(ctx, op, testutil.EntryPoint)
	require.NoError(t, err)
	h2, err := svc.AddOperation(ctx, op, second)
	require.NoError(t, err)

	// the same operation hashes differently per entry point
	assert.NotEqual(t, h1, h2)

	got, ep := svc.GetOperationByHash(h2)
	require.NotNil(t, got)
	assert.Equal(t, second, ep)
	assert.Len(t, svc.GetOperationsBySender(op.Sender), 2)

	_, err = svc.AddOperation(ctx, op, testutil.Address(77))
	assert.ErrorIs(t, err, ErrMalformed)

	b, err := svc.CreateBundle(ctx, second)
	require.NoError(t, err)
	require.NotNil(t, b)
	assert.Equal(t, second, b.EntryPoint)

	require.NoError(t, svc.NotifyIncluded(b.ID))
	got, _ = svc.GetOperationByHash(h2)
	assert.Nil(t, got)
	got, _ = svc.GetOperationByHash(h1)
	assert.NotNil(t, got)

	assert.ErrorIs(t, svc.NotifyFailed("unknown", errors.New("reverted")), ErrBundleNotFound)
}

func TestServiceBackgroundJobs(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	cfg := DefaultConfig()
	cfg.DecayInterval = 50 * time.Millisecond
	cfg.MaintenanceInterval = time.Hour

	svc, err := NewService(context.Background(), []common.Address{testutil.EntryPoint}, testutil.NewFakeChain(), db, cfg, nil, testutil.GetLogger())
	require.NoError(t, err)

	pool, ok := svc.Pool(testutil.EntryPoint)
	require.True(t, ok)

	addr := testutil.Address(1)
	for i := 0; i < 8; i++ {
		require.NoError(t, pool.Reputation().RecordSeen(addr))
	}

	require.NoError(t, svc.Start())
	defer svc.Stop()

	assert.Eventually(t, func() bool {
		return pool.Reputation().Snapshot(addr).OpsSeen < 8
	}, 2*time.Second, 20*time.Millisecond)
}

func TestServiceRequiresEntryPoint(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	_, err := NewService(context.Background(), nil, testutil.NewFakeChain(), db, DefaultConfig(), nil, testutil.GetLogger())
	assert.Error(t, err)
}

func TestServiceSuggestFees(t *testing.T) {
	db := testutil.TestMustDB()
	defer storage.Destroy(db.(*storage.BadgerStorage))

	chain := testutil.NewFakeChain()
	chain.SetBaseFee(big.NewInt(10))
	cfg := DefaultConfig()
	cfg.MinPriorityFee = big.NewInt(100)

	svc, err := NewService(context.Background(), []common.Address{testutil.EntryPoint}, chain, db, cfg, nil, testutil.GetLogger())
	require.NoError(t, err)

	fees, err := svc.SuggestFees(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(10), fees.BaseFee.Int64())
	assert.Equal(t, int64(113), fees.MaxPriorityFeePerGas.Int64())
	assert.Equal(t, int64(133), fees.MaxFeePerGas.Int64())

	// a suggested operation is admitted
	op := testutil.UserOp(testutil.Address(1), 0, 0)
	op.MaxFeePerGas = fees.MaxFeePerGas
	op.MaxPriorityFeePerGas = fees.MaxPriorityFeePerGas
	_, err = svc.AddOperation(context.Background(), op, testutil.EntryPoint)
	assert.NoError(t, err)
}
