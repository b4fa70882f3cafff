package schema

import (
	"bytes"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

var ep = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")

func TestKeysAreScopedByEntryPoint(t *testing.T) {
	other := common.HexToAddress("0x0000000071727De22E5E9d8BAf0edAc6f37da032")
	hash := common.HexToHash("0x01")

	assert.True(t, bytes.HasPrefix(EntryKey(ep, hash), EntryPrefix(ep)))
	assert.True(t, bytes.HasPrefix(EntryKey(ep, hash), PoolPrefix(ep)))
	assert.False(t, bytes.HasPrefix(EntryKey(ep, hash), PoolPrefix(other)))
	assert.Equal(t, "uo:0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789:h:0x0000000000000000000000000000000000000000000000000000000000000001", string(EntryKey(ep, hash)))
}

func TestSenderNonceKeysSortByNonce(t *testing.T) {
	sender := common.HexToAddress("0xabc")
	small := SenderNonceKey(ep, sender, big.NewInt(9))
	large := SenderNonceKey(ep, sender, big.NewInt(10))

	assert.Equal(t, -1, bytes.Compare(small, large))
	assert.True(t, bytes.HasPrefix(small, SenderPrefix(ep, sender)))
}

func TestSequenceKeysSortNumerically(t *testing.T) {
	assert.Equal(t, -1, bytes.Compare(SequenceKey(ep, 9), SequenceKey(ep, 10)))
}

func TestBundleKeys(t *testing.T) {
	k := BundleKey(ep, BundlePending, "01HZ")
	assert.True(t, bytes.HasPrefix(k, BundlePrefix(ep, BundlePending)))
	assert.False(t, bytes.HasPrefix(k, BundlePrefix(ep, BundleIncluded)))
}

func TestCodeHashKeysLiveInPoolNamespace(t *testing.T) {
	hash := common.HexToHash("0x02")
	k := CodeHashKey(ep, hash)

	assert.True(t, bytes.HasPrefix(k, CodeHashPrefix(ep)))
	assert.True(t, bytes.HasPrefix(k, PoolPrefix(ep)))
	assert.False(t, bytes.HasPrefix(k, EntryPrefix(ep)))
	assert.Equal(t, "uo:0x5ff137d4b0fdcd49dca30c7cf57e578a026d2789:c:0x0000000000000000000000000000000000000000000000000000000000000002", string(k))
}
