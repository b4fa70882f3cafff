package userop

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	entryPointV06 = common.HexToAddress("0x5FF137D4b0FDCD49DcA30c7CF57E578a026d2789")
	mumbaiChainID = big.NewInt(80001)
)

func emptyOp() *UserOperation {
	return &UserOperation{
		Sender:               common.Address{},
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(0),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(0),
		MaxPriorityFeePerGas: big.NewInt(1e9),
		PaymasterAndData:     []byte{},
		Signature:            []byte{},
	}
}

func TestPack(t *testing.T) {
	signed := &UserOperation{
		Sender:               common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"),
		Nonce:                big.NewInt(0),
		InitCode:             []byte{},
		CallData:             []byte{},
		CallGasLimit:         big.NewInt(200000),
		VerificationGasLimit: big.NewInt(100000),
		PreVerificationGas:   big.NewInt(21000),
		MaxFeePerGas:         big.NewInt(3000000000),
		MaxPriorityFeePerGas: big.NewInt(1000000000),
		PaymasterAndData:     []byte{},
		Signature:            common.FromHex("0x7cb39607585dee8e297d0d7a669ad8c5e43975220b6773c10a138deadbc8ec864981de4b9b3c735288a217115fb33f8326a61ddabc60a534e3b5536515c70f931c"),
	}

	packed, err := emptyOp().Pack()
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000001600000000000000000000000000000000000000000000000000000000000000180000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000186a000000000000000000000000000000000000000000000000000000000000052080000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000003b9aca0000000000000000000000000000000000000000000000000000000000000001a000000000000000000000000000000000000000000000000000000000000001c00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000", hexutil.Encode(packed))

	packed, err = signed.Pack()
	require.NoError(t, err)
	assert.Equal(t, "0x0000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c0000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000016000000000000000000000000000000000000000000000000000000000000001800000000000000000000000000000000000000000000000000000000000030d4000000000000000000000000000000000000000000000000000000000000186a0000000000000000000000000000000000000000000000000000000000000520800000000000000000000000000000000000000000000000000000000b2d05e00000000000000000000000000000000000000000000000000000000003b9aca0000000000000000000000000000000000000000000000000000000000000001a000000000000000000000000000000000000000000000000000000000000001c000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000417cb39607585dee8e297d0d7a669ad8c5e43975220b6773c10a138deadbc8ec864981de4b9b3c735288a217115fb33f8326a61ddabc60a534e3b5536515c70f931c00000000000000000000000000000000000000000000000000000000000000", hexutil.Encode(packed))
}

func TestPackForSignature(t *testing.T) {
	op := &UserOperation{
		Sender:               common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"),
		Nonce:                big.NewInt(1),
		InitCode:             []byte{},
		CallData:             common.FromHex("0xb61d27f60000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c00000000000000000000000000000000000000000000000000005af3107a400000000000000000000000000000000000000000000000000000000000000000600000000000000000000000000000000000000000000000000000000000000000"),
		CallGasLimit:         big.NewInt(33100),
		VerificationGasLimit: big.NewInt(60624),
		PreVerificationGas:   big.NewInt(44056),
		MaxFeePerGas:         big.NewInt(1695000030),
		MaxPriorityFeePerGas: big.NewInt(1695000000),
		PaymasterAndData:     []byte{},
		Signature:            common.FromHex("0x37540ca4f91a9f08993ba4ebd4b7473902f69864c98951f9db8cb47b78764c1a13ad46894a96dc0cad68f9207e49b4dbb897f25f47f040cec2a636a8201c1cd71b"),
	}

	assert.Equal(t, "0x00000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000186a000000000000000000000000000000000000000000000000000000000000052080000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000000003b9aca00c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hexutil.Encode(emptyOp().PackForSignature()))
	assert.Equal(t, "0x0000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c0000000000000000000000000000000000000000000000000000000000000001c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470f7def7aeb687d6992b466243b713223689982cefca0f91a1f5c5f60adb532b93000000000000000000000000000000000000000000000000000000000000814c000000000000000000000000000000000000000000000000000000000000ecd0000000000000000000000000000000000000000000000000000000000000ac18000000000000000000000000000000000000000000000000000000006507a5de000000000000000000000000000000000000000000000000000000006507a5c0c5d2460186f7233c927e7db2dcc703c0e500b653ca82273b7bfad8045d85a470", hexutil.Encode(op.PackForSignature()))
}

func TestHash(t *testing.T) {
	deploy := &UserOperation{
		Sender:               common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C"),
		Nonce:                big.NewInt(0),
		InitCode:             common.FromHex("0x9406cc6185a346906296840746125a0e449764545fbfb9cf000000000000000000000000ce0fefa6f7979c4c9b5373e0f5105b7259092c6d0000000000000000000000000000000000000000000000000000000000000000"),
		CallData:             common.FromHex("0xb61d27f60000000000000000000000009c5754de1443984659e1b3a8d1931d83475ba29c00000000000000000000000000000000000000000000000000005af3107a400000000000000000000000000000000000000000000000000000000000000000600000000000000000000000000000000000000000000000000000000000000000"),
		CallGasLimit:         big.NewInt(33100),
		VerificationGasLimit: big.NewInt(361460),
		PreVerificationGas:   big.NewInt(44980),
		MaxFeePerGas:         big.NewInt(1695000030),
		MaxPriorityFeePerGas: big.NewInt(1695000000),
		PaymasterAndData:     []byte{},
		Signature:            common.FromHex("0xebfd4657afe1f1c05c1ec65f3f9cc992a3ac083c424454ba61eab93152195e1400d74df01fc9fa53caadcb83a891d478b713016bcc0c64307c1ad3d7ea2e2d921b"),
	}

	assert.Equal(t,
		common.HexToHash("0x95418c07086df02ff6bc9e8bdc150b380cb761beecc098630440bcec6e862702"),
		emptyOp().Hash(entryPointV06, mumbaiChainID))
	assert.Equal(t,
		common.HexToHash("0x7c1b8c9df49a9e09ecef0f0fe6841d895850d29820f9a4b494097764085dcd7e"),
		deploy.Hash(entryPointV06, mumbaiChainID))

	// signature does not contribute to the hash
	resigned := deploy.Clone()
	resigned.Signature = []byte{0x01}
	assert.Equal(t, deploy.Hash(entryPointV06, mumbaiChainID), resigned.Hash(entryPointV06, mumbaiChainID))

	// but the chain and entry point do
	assert.NotEqual(t, deploy.Hash(entryPointV06, mumbaiChainID), deploy.Hash(entryPointV06, big.NewInt(1)))

	factory, ok := deploy.Factory()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0x9406Cc6185a346906296840746125a0E44976454"), factory)
}

func TestDerivedValues(t *testing.T) {
	op := emptyOp()
	op.CallGasLimit = big.NewInt(50000)
	op.MaxFeePerGas = big.NewInt(100)
	op.MaxPriorityFeePerGas = big.NewInt(10)

	assert.Equal(t, big.NewInt(150000), op.BundleGas())
	assert.Equal(t, big.NewInt((50000+100000+21000)*100), op.RequiredPrefund())

	op.PaymasterAndData = common.HexToAddress("0x00000000000000000000000000000000000000aa").Bytes()
	pm, ok := op.Paymaster()
	require.True(t, ok)
	assert.Equal(t, common.HexToAddress("0xaa"), pm)
	assert.Equal(t, big.NewInt((50000+3*100000+21000)*100), op.RequiredPrefund())

	assert.Equal(t, big.NewInt(10), op.EffectivePriorityFee(nil))
	assert.Equal(t, big.NewInt(10), op.EffectivePriorityFee(big.NewInt(50)))
	assert.Equal(t, big.NewInt(5), op.EffectivePriorityFee(big.NewInt(95)))
	assert.Equal(t, big.NewInt(0), op.EffectivePriorityFee(big.NewInt(200)))

	op.Nonce = new(big.Int).Add(new(big.Int).Lsh(big.NewInt(7), 64), big.NewInt(3))
	assert.Equal(t, big.NewInt(7), op.NonceKey())
	assert.Equal(t, uint64(3), op.NonceSeq())
}

func TestCalcPreVerificationGas(t *testing.T) {
	op := emptyOp()
	op.Signature = nil

	pvg, err := CalcPreVerificationGas(op)
	require.NoError(t, err)

	// fixed and per-op overhead alone is 39300, calldata adds the rest
	assert.Greater(t, pvg.Int64(), int64(39300))

	bigger := op.Clone()
	bigger.CallData = make([]byte, 256)
	for i := range bigger.CallData {
		bigger.CallData[i] = 0xff
	}
	pvgBigger, err := CalcPreVerificationGas(bigger)
	require.NoError(t, err)
	// 8 data words of 0xff, and the length word gains one non-zero byte
	assert.Equal(t, pvg.Int64()+256*16+12+8*4, pvgBigger.Int64())
}

func TestRPCRoundTrip(t *testing.T) {
	op := emptyOp()
	op.Sender = common.HexToAddress("0x9c5754De1443984659E1b3a8d1931D83475ba29C")
	op.CallData = common.FromHex("0xdeadbeef")
	op.Signature = common.FromHex("0x37540ca4f91a9f08993ba4ebd4b7473902f69864c98951f9db8cb47b78764c1a13ad46894a96dc0cad68f9207e49b4dbb897f25f47f040cec2a636a8201c1cd71b")

	data, err := json.Marshal(op)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"maxPriorityFeePerGas":"0x3b9aca00"`)

	var decoded UserOperation
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, op.Hash(entryPointV06, mumbaiChainID), decoded.Hash(entryPointV06, mumbaiChainID))
	assert.Equal(t, op.Signature, decoded.Signature)
}

func TestDecodeRPC(t *testing.T) {
	op, err := DecodeRPC(map[string]any{
		"sender":               "0x9c5754De1443984659E1b3a8d1931D83475ba29C",
		"nonce":                "0x01",
		"callData":             "0x",
		"maxFeePerGas":         "0x10",
		"maxPriorityFeePerGas": "0x2",
	})
	require.NoError(t, err)

	assert.Equal(t, big.NewInt(1), op.Nonce)
	assert.Equal(t, big.NewInt(16), op.MaxFeePerGas)
	assert.Equal(t, big.NewInt(10_000_000), op.VerificationGasLimit)
	assert.Len(t, op.Signature, 65)

	_, err = DecodeRPC(map[string]any{"sender": "0x9c5754De1443984659E1b3a8d1931D83475ba29C", "bogus": "0x1"})
	assert.Error(t, err)

	_, err = DecodeRPC(map[string]any{"sender": "not-an-address"})
	assert.Error(t, err)

	_, err = DecodeRPC(map[string]any{"sender": "0x9c5754De1443984659E1b3a8d1931D83475ba29C", "nonce": "12"})
	assert.Error(t, err)
}
