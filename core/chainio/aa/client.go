package aa

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/allegro/bigcache/v3"
	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"

	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
)

type ClientOptions struct {
	// TraceSimulation runs simulateValidation through debug_traceCall to detect banned opcodes
	// and storage access, and to record the code hashes validation depends on
	TraceSimulation bool
	// CodeCacheTTL is how long a positive code lookup is trusted
	CodeCacheTTL time.Duration
}

// Client reads EntryPoint and account state over JSON-RPC
type Client struct {
	rpc    *rpc.Client
	eth    *ethclient.Client
	cache  *bigcache.BigCache
	logger sdklogging.Logger
	opts   ClientOptions
}

func Dial(ctx context.Context, rpcURL string, opts ClientOptions, logger sdklogging.Logger) (*Client, error) {
	rpcClient, err := rpc.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("cannot dial %s: %w", rpcURL, err)
	}

	return NewClient(rpcClient, opts, logger)
}

func NewClient(rpcClient *rpc.Client, opts ClientOptions, logger sdklogging.Logger) (*Client, error) {
	if opts.CodeCacheTTL <= 0 {
		opts.CodeCacheTTL = 10 * time.Minute
	}

	cache, err := bigcache.New(context.Background(), bigcache.Config{
		// number of shards (must be a power of 2)
		Shards: 64,

		// time after which entry can be evicted
		LifeWindow: opts.CodeCacheTTL,

		// Interval between removing expired entries (clean up).
		CleanWindow: time.Minute,

		// rps * lifeWindow, used only in initial memory allocation
		MaxEntriesInWindow: 10 * 60 * 100,

		// addresses are the keys, the value is a single byte
		MaxEntrySize: 8,

		// value in MB
		HardMaxCacheSize: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("cannot initialize code cache: %w", err)
	}

	return &Client{
		rpc:    rpcClient,
		eth:    ethclient.NewClient(rpcClient),
		cache:  cache,
		logger: logger,
		opts:   opts,
	}, nil
}

func (c *Client) Close() {
	c.cache.Close()
	c.rpc.Close()
}

func (c *Client) ChainID(ctx context.Context) (*big.Int, error) {
	return c.eth.ChainID(ctx)
}

// BaseFee returns the base fee of the latest block, nil on chains without EIP-1559
func (c *Client) BaseFee(ctx context.Context) (*big.Int, error) {
	header, err := c.eth.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, err
	}
	return header.BaseFee, nil
}

// HasCode reports whether addr has deployed code. Only positive answers are cached because
// an account without code may be deployed by the next block.
func (c *Client) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	key := strings.ToLower(addr.Hex())
	if _, err := c.cache.Get(key); err == nil {
		return true, nil
	}

	code, err := c.eth.CodeAt(ctx, addr, nil)
	if err != nil {
		return false, err
	}
	if len(code) == 0 {
		return false, nil
	}

	if err := c.cache.Set(key, []byte{1}); err != nil {
		c.logger.Debug("cannot cache code presence", "address", addr, "error", err)
	}
	return true, nil
}

func (c *Client) GetNonce(ctx context.Context, ep, sender common.Address, key *big.Int) (*big.Int, error) {
	data, err := PackGetNonce(sender, key)
	if err != nil {
		return nil, err
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getNonce failed: %w", err)
	}
	return UnpackGetNonce(out)
}

func (c *Client) GetDepositInfo(ctx context.Context, ep, account common.Address) (*DepositInfo, error) {
	data, err := PackGetDepositInfo(account)
	if err != nil {
		return nil, err
	}

	out, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &ep, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("getDepositInfo failed: %w", err)
	}
	return UnpackGetDepositInfo(out)
}

// GetSenderAddress asks the EntryPoint which account initCode deploys
func (c *Client) GetSenderAddress(ctx context.Context, ep common.Address, initCode []byte) (common.Address, error) {
	data, err := PackGetSenderAddress(initCode)
	if err != nil {
		return common.Address{}, err
	}

	revert, err := c.callExpectingRevert(ctx, ep, data)
	if err != nil {
		return common.Address{}, err
	}
	return DecodeSenderAddressResult(revert)
}

// SimulateValidation runs simulateValidation as an eth_call. A FailedOp revert comes back as
// a *FailedOpError error.
func (c *Client) SimulateValidation(ctx context.Context, ep common.Address, op *userop.UserOperation) (*SimulationResult, error) {
	data, err := PackSimulateValidation(op)
	if err != nil {
		return nil, err
	}

	revert, err := c.callExpectingRevert(ctx, ep, data)
	if err != nil {
		return nil, err
	}

	validation, err := DecodeSimulationRevert(revert)
	if err != nil {
		return nil, err
	}

	result := &SimulationResult{ValidationResult: *validation}
	if c.opts.TraceSimulation {
		report, err := c.traceSimulation(ctx, ep, data, op)
		if err != nil {
			return nil, fmt.Errorf("cannot trace simulation: %w", err)
		}
		result.Violations = report.violations
		result.EntityStorage = report.entityStorage

		if result.CodeHashes, err = c.GetCodeHashes(ctx, report.touched); err != nil {
			return nil, fmt.Errorf("cannot read code hashes: %w", err)
		}
	}

	return result, nil
}

// GetCodeHashes reads the code of every address in one batch request
func (c *Client) GetCodeHashes(ctx context.Context, addrs []common.Address) ([]CodeHash, error) {
	if len(addrs) == 0 {
		return nil, nil
	}

	codes := make([]hexutil.Bytes, len(addrs))
	batch := make([]rpc.BatchElem, len(addrs))
	for i, addr := range addrs {
		batch[i] = rpc.BatchElem{Method: "eth_getCode", Args: []any{addr, "latest"}, Result: &codes[i]}
	}
	if err := c.rpc.BatchCallContext(ctx, batch); err != nil {
		return nil, err
	}

	out := make([]CodeHash, len(addrs))
	for i, addr := range addrs {
		if batch[i].Error != nil {
			return nil, fmt.Errorf("eth_getCode %s: %w", addr, batch[i].Error)
		}
		out[i] = CodeHash{Address: addr}
		if len(codes[i]) > 0 {
			out[i].Hash = crypto.Keccak256Hash(codes[i])
		}
	}
	return out, nil
}

func (c *Client) callExpectingRevert(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	_, err := c.eth.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	if err == nil {
		return nil, ErrNotReverted
	}

	return RevertData(err)
}

// RevertData extracts the raw revert bytes carried by a JSON-RPC error
func RevertData(err error) ([]byte, error) {
	var dataErr rpc.DataError
	if !errors.As(err, &dataErr) {
		return nil, fmt.Errorf("%w: %v", ErrNoRevertData, err)
	}

	switch v := dataErr.ErrorData().(type) {
	case string:
		return hexutil.Decode(v)
	case []byte:
		return v, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrNoRevertData, err)
	}
}
