package testutil

import (
	"context"
	"math/big"
	"os"
	"sync"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-uopool/core/chainio/aa"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-uopool/storage"
)

var (
	EntryPoint = aa.EntryPointV06
	ChainID    = big.NewInt(11155111)

	Gwei = big.NewInt(1e9)
)

// Shortcut to initialize a storage at a temp path, panic if we cannot create db
func TestMustDB() storage.Storage {
	dir, err := os.MkdirTemp("", "uopooltest")
	if err != nil {
		panic(err)
	}

	db, err := storage.NewWithPath(dir)
	if err != nil {
		panic(err)
	}
	return db
}

func GetLogger() sdklogging.Logger {
	logger, err := sdklogging.NewZapLogger("development")
	if err != nil {
		panic(err)
	}
	return logger
}

// Address builds a deterministic test address from a small number
func Address(n int64) common.Address {
	return common.BigToAddress(big.NewInt(0x1000 + n))
}

// UserOp returns an operation from an already deployed sender that passes every sanity
// check against the default pool configuration
func UserOp(sender common.Address, nonce int64, priorityFeeGwei int64) *userop.UserOperation {
	sig := make([]byte, 65)
	for i := range sig {
		sig[i] = 0xab
	}

	return &userop.UserOperation{
		Sender:               sender,
		Nonce:                big.NewInt(nonce),
		InitCode:             []byte{},
		CallData:             []byte{0xb6, 0x1d, 0x27, 0xf6},
		CallGasLimit:         big.NewInt(50_000),
		VerificationGasLimit: big.NewInt(100_000),
		PreVerificationGas:   big.NewInt(60_000),
		MaxFeePerGas:         new(big.Int).Mul(big.NewInt(100), Gwei),
		MaxPriorityFeePerGas: new(big.Int).Mul(big.NewInt(priorityFeeGwei), Gwei),
		PaymasterAndData:     []byte{},
		Signature:            sig,
	}
}

// WithPaymaster sets paymasterAndData to the paymaster address followed by a dummy payload
func WithPaymaster(op *userop.UserOperation, paymaster common.Address) *userop.UserOperation {
	op.PaymasterAndData = append(paymaster.Bytes(), 0x01, 0x02)
	return op
}

// FakeChain answers chain reads from in-memory state. Results can be scripted per sender;
// everything not scripted validates successfully.
type FakeChain struct {
	mu sync.Mutex

	chainID *big.Int
	baseFee *big.Int

	undeployed    map[common.Address]bool
	nonces        map[common.Address]*big.Int
	deposits      map[common.Address]*big.Int
	senderAddress map[string]common.Address

	simErrors  map[common.Address]error
	simResults map[common.Address]*aa.SimulationResult
	simDelay   time.Duration
	codeHashes map[common.Address]common.Hash

	simulations int
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		chainID: ChainID,
		baseFee: new(big.Int).Set(Gwei),

		undeployed:    make(map[common.Address]bool),
		nonces:        make(map[common.Address]*big.Int),
		deposits:      make(map[common.Address]*big.Int),
		senderAddress: make(map[string]common.Address),

		simErrors:  make(map[common.Address]error),
		simResults: make(map[common.Address]*aa.SimulationResult),
		codeHashes: make(map[common.Address]common.Hash),
	}
}

func (c *FakeChain) SetBaseFee(v *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.baseFee = v
}

func (c *FakeChain) SetUndeployed(addr common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.undeployed[addr] = true
}

func (c *FakeChain) SetNonce(sender common.Address, nonce int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nonces[sender] = big.NewInt(nonce)
}

func (c *FakeChain) SetDeposit(account common.Address, deposit *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deposits[account] = deposit
}

// SetSenderAddress scripts the counterfactual address initCode deploys
func (c *FakeChain) SetSenderAddress(initCode []byte, sender common.Address) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.senderAddress[string(initCode)] = sender
}

// SetSimulationError makes every simulation of sender fail with err, nil clears it
func (c *FakeChain) SetSimulationError(sender common.Address, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err == nil {
		delete(c.simErrors, sender)
		return
	}
	c.simErrors[sender] = err
}

func (c *FakeChain) SetSimulationResult(sender common.Address, res *aa.SimulationResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simResults[sender] = res
}

// SetSimulationDelay makes simulations block for d or until the context is done
func (c *FakeChain) SetSimulationDelay(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.simDelay = d
}

// SetCodeHash scripts the hash of the code deployed at addr
func (c *FakeChain) SetCodeHash(addr common.Address, hash common.Hash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codeHashes[addr] = hash
}

func (c *FakeChain) Simulations() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.simulations
}

func (c *FakeChain) ChainID(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(c.chainID), nil
}

func (c *FakeChain) BaseFee(ctx context.Context) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.baseFee == nil {
		return nil, nil
	}
	return new(big.Int).Set(c.baseFee), nil
}

func (c *FakeChain) HasCode(ctx context.Context, addr common.Address) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.undeployed[addr], nil
}

func (c *FakeChain) GetNonce(ctx context.Context, ep, sender common.Address, key *big.Int) (*big.Int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.nonces[sender]; ok {
		return new(big.Int).Set(n), nil
	}
	return new(big.Int), nil
}

func (c *FakeChain) GetDepositInfo(ctx context.Context, ep, account common.Address) (*aa.DepositInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	deposit, ok := c.deposits[account]
	if !ok {
		deposit = big.NewInt(1e18)
	}
	return &aa.DepositInfo{
		Deposit:      new(big.Int).Set(deposit),
		Stake:        new(big.Int),
		WithdrawTime: new(big.Int),
	}, nil
}

func (c *FakeChain) GetSenderAddress(ctx context.Context, ep common.Address, initCode []byte) (common.Address, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.senderAddress[string(initCode)], nil
}

func (c *FakeChain) SimulateValidation(ctx context.Context, ep common.Address, op *userop.UserOperation) (*aa.SimulationResult, error) {
	c.mu.Lock()
	c.simulations++
	delay := c.simDelay
	simErr := c.simErrors[op.Sender]
	scripted := c.simResults[op.Sender]
	c.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if simErr != nil {
		return nil, simErr
	}
	if scripted != nil {
		return scripted, nil
	}
	return OkSimulation(), nil
}

func (c *FakeChain) GetCodeHashes(ctx context.Context, addrs []common.Address) ([]aa.CodeHash, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]aa.CodeHash, len(addrs))
	for i, addr := range addrs {
		out[i] = aa.CodeHash{Address: addr, Hash: c.codeHashes[addr]}
	}
	return out, nil
}

// OkSimulation is a passing simulation result with no time bounds and unstaked entities
func OkSimulation() *aa.SimulationResult {
	unstaked := aa.StakeInfo{Stake: new(big.Int), UnstakeDelaySec: new(big.Int)}
	return &aa.SimulationResult{
		ValidationResult: aa.ValidationResult{
			ReturnInfo: aa.ReturnInfo{
				PreOpGas:         big.NewInt(50_000),
				Prefund:          big.NewInt(0),
				ValidAfter:       big.NewInt(0),
				ValidUntil:       big.NewInt(0),
				PaymasterContext: []byte{},
			},
			SenderInfo:    unstaked,
			FactoryInfo:   unstaked,
			PaymasterInfo: unstaked,
		},
	}
}
