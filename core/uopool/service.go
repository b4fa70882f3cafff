package uopool

import (
	"context"
	"fmt"
	"math/big"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	gocron "github.com/go-co-op/gocron/v2"

	"github.com/AvaProtocol/ap-uopool/metrics"
	"github.com/AvaProtocol/ap-uopool/pkg/eip1559"
	"github.com/AvaProtocol/ap-uopool/pkg/erc4337/userop"
	"github.com/AvaProtocol/ap-uopool/storage"
)

// Service runs one independent Pool per supported entry point and owns the background
// decay and maintenance jobs
type Service struct {
	cfg     *Config
	chain   Chain
	chainID *big.Int
	logger  sdklogging.Logger

	pools       map[common.Address]*Pool
	entryPoints []common.Address

	scheduler gocron.Scheduler
}

func NewService(ctx context.Context, entryPoints []common.Address, chain Chain, db storage.Storage, cfg *Config, m metrics.MetricsGenerator, logger sdklogging.Logger) (*Service, error) {
	if len(entryPoints) == 0 {
		return nil, fmt.Errorf("at least one entry point is required")
	}

	chainID, err := chain.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read chain id: %w", err)
	}

	s := &Service{
		cfg:     cfg,
		chain:   chain,
		chainID: chainID,
		logger:  logger,
		pools:   make(map[common.Address]*Pool),
	}

	for _, ep := range entryPoints {
		if _, dup := s.pools[ep]; dup {
			continue
		}

		pool, err := NewPool(ep, chainID, chain, db, cfg, m, logger)
		if err != nil {
			return nil, fmt.Errorf("cannot open pool for %s: %w", ep, err)
		}
		s.pools[ep] = pool
		s.entryPoints = append(s.entryPoints, ep)
	}

	return s, nil
}

// Fees is a fee suggestion for clients building operations
type Fees struct {
	BaseFee              *big.Int `json:"baseFee"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas"`
}

// SuggestFees returns fees that pass the admission fee checks at the current base fee
func (s *Service) SuggestFees(ctx context.Context) (*Fees, error) {
	baseFee, err := s.chain.BaseFee(ctx)
	if err != nil {
		return nil, fmt.Errorf("cannot read base fee: %w", err)
	}

	maxFee, tip := eip1559.Suggest(baseFee, s.cfg.MinPriorityFee, s.cfg.BaseFeeMultiplierPercent)
	return &Fees{BaseFee: baseFee, MaxFeePerGas: maxFee, MaxPriorityFeePerGas: tip}, nil
}

// Start schedules reputation decay and pool maintenance
func (s *Service) Start() error {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.DecayInterval),
		gocron.NewTask(s.Decay),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create decay job: %w", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(s.cfg.MaintenanceInterval),
		gocron.NewTask(func() { s.Maintain(time.Now()) }),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to create maintenance job: %w", err)
	}

	scheduler.Start()
	s.scheduler = scheduler
	s.logger.Info("pool service started", "entrypoints", len(s.entryPoints), "chain_id", s.chainID)
	return nil
}

func (s *Service) Stop() error {
	if s.scheduler == nil {
		return nil
	}
	return s.scheduler.Shutdown()
}

func (s *Service) ChainID() *big.Int {
	return new(big.Int).Set(s.chainID)
}

func (s *Service) EntryPoints() []common.Address {
	return append([]common.Address(nil), s.entryPoints...)
}

func (s *Service) Pool(ep common.Address) (*Pool, bool) {
	p, ok := s.pools[ep]
	return p, ok
}

func (s *Service) pool(ep common.Address) (*Pool, error) {
	p, ok := s.pools[ep]
	if !ok {
		return nil, malformed("entry point %s is not supported", ep)
	}
	return p, nil
}

func (s *Service) AddOperation(ctx context.Context, op *userop.UserOperation, ep common.Address) (common.Hash, error) {
	p, err := s.pool(ep)
	if err != nil {
		return common.Hash{}, err
	}
	return p.AddOperation(ctx, op)
}

// GetOperationByHash searches every pool and returns the operation with its entry point
func (s *Service) GetOperationByHash(hash common.Hash) (*userop.UserOperation, common.Address) {
	for _, ep := range s.entryPoints {
		if op := s.pools[ep].GetOperationByHash(hash); op != nil {
			return op, ep
		}
	}
	return nil, common.Address{}
}

func (s *Service) GetOperationsBySender(sender common.Address) []*userop.UserOperation {
	var out []*userop.UserOperation
	for _, ep := range s.entryPoints {
		out = append(out, s.pools[ep].GetOperationsBySender(sender)...)
	}
	return out
}

// CreateBundle builds a bundle for ep under the configured gas limit, nil when nothing is
// admissible
func (s *Service) CreateBundle(ctx context.Context, ep common.Address) (*Bundle, error) {
	p, err := s.pool(ep)
	if err != nil {
		return nil, err
	}
	return p.CreateBundle(ctx, s.cfg.BundleGasLimit)
}

func (s *Service) NotifyIncluded(bundleID string) error {
	for _, ep := range s.entryPoints {
		if s.pools[ep].HasBundle(bundleID) {
			return s.pools[ep].NotifyIncluded(bundleID)
		}
	}
	return ErrBundleNotFound
}

func (s *Service) NotifyFailed(bundleID string, reason error) error {
	for _, ep := range s.entryPoints {
		if s.pools[ep].HasBundle(bundleID) {
			return s.pools[ep].NotifyFailed(bundleID, reason)
		}
	}
	return ErrBundleNotFound
}

// RecordSlashed reports an on-chain slashing of addr to the pool of ep
func (s *Service) RecordSlashed(ep, addr common.Address) (int, error) {
	p, err := s.pool(ep)
	if err != nil {
		return 0, err
	}
	return p.RecordSlashed(addr)
}

// Decay halves reputation counters in every pool
func (s *Service) Decay() {
	for _, ep := range s.entryPoints {
		if err := s.pools[ep].Decay(); err != nil {
			s.logger.Error("reputation decay failed", "entrypoint", ep, "error", err)
		}
	}
}

func (s *Service) Maintain(now time.Time) {
	for _, ep := range s.entryPoints {
		evicted, err := s.pools[ep].Maintain(now)
		if err != nil {
			s.logger.Error("pool maintenance failed", "entrypoint", ep, "error", err)
			continue
		}
		if evicted > 0 {
			s.logger.Info("pool maintenance evicted operations", "entrypoint", ep, "count", evicted)
		}
	}
}
