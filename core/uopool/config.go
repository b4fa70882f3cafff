package uopool

import (
	"math/big"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds the pool policy. Every threshold is configuration; DefaultConfig documents
// the values the node ships with.
type Config struct {
	// MinReplacementRatio is the minimum relative priority fee increase for replace-by-fee
	MinReplacementRatio decimal.Decimal

	// Reputation thresholds
	MinInclusionDenominator uint64
	ThrottlingSlack         uint64
	BanSlack                uint64
	Whitelist               []string
	Blacklist               []string

	// Staking policy
	MinStake               *big.Int
	MinUnstakeDelaySec     uint64
	RequireStakedPaymaster bool

	// Per-entity pending caps for unstaked entities
	MaxOpsPerUnstakedSender int
	MaxOpsPerUnstakedEntity int

	// Sanity bounds
	MaxVerificationGas *big.Int
	MinCallGas         *big.Int
	MaxNonceGap        uint64

	// Fee policy
	BaseFeeMultiplierPercent int64
	MinPriorityFee           *big.Int

	// Simulation
	SimulationTimeout time.Duration
	MinValidityWindow time.Duration

	// Bundling
	BundleGasLimit     *big.Int
	ResimulationWorker int

	// Housekeeping
	MaxEntryAge         time.Duration
	DecayInterval       time.Duration
	MaintenanceInterval time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		MinReplacementRatio: decimal.NewFromFloat(0.10),

		MinInclusionDenominator: 10,
		ThrottlingSlack:         5,
		BanSlack:                20,

		MinStake:               big.NewInt(1e18),
		MinUnstakeDelaySec:     86400,
		RequireStakedPaymaster: false,

		MaxOpsPerUnstakedSender: 4,
		MaxOpsPerUnstakedEntity: 10,

		MaxVerificationGas: big.NewInt(10_000_000),
		MinCallGas:         big.NewInt(9_100),
		MaxNonceGap:        16,

		BaseFeeMultiplierPercent: 100,
		MinPriorityFee:           big.NewInt(0),

		SimulationTimeout: 10 * time.Second,
		MinValidityWindow: 30 * time.Second,

		BundleGasLimit:     big.NewInt(25_000_000),
		ResimulationWorker: 8,

		MaxEntryAge:         24 * time.Hour,
		DecayInterval:       time.Hour,
		MaintenanceInterval: time.Minute,
	}
}
