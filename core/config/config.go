package config

import (
	"fmt"
	"math/big"
	"os"
	"time"

	sdklogging "github.com/Layr-Labs/eigensdk-go/logging"
	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/AvaProtocol/ap-uopool/core/uopool"
	"github.com/AvaProtocol/ap-uopool/pkg/logger"
)

// Config contains everything the node needs at startup
type Config struct {
	Environment sdklogging.LogLevel
	Logger      sdklogging.Logger

	EthRpcUrl   string
	EntryPoints []common.Address

	// TraceSimulation runs debug_traceCall next to simulateValidation to catch banned opcodes
	TraceSimulation bool
	CodeCacheTTL    time.Duration

	DbPath         string
	BackupDir      string
	BackupInterval time.Duration

	HttpBindAddress string
	SentryDsn       string
	ServerName      string

	Pool *uopool.Config
}

// These are read from configPath
type ConfigRaw struct {
	Environment sdklogging.LogLevel `yaml:"environment" validate:"omitempty,oneof=development production"`

	EthRpcUrl       string   `yaml:"eth_rpc_url" validate:"required,url"`
	EntryPoints     []string `yaml:"entry_points" validate:"required,min=1,dive,eth_addr"`
	TraceSimulation bool     `yaml:"trace_simulation"`
	CodeCacheTTL    string   `yaml:"code_cache_ttl"`

	DbPath         string `yaml:"db_path" validate:"required"`
	BackupDir      string `yaml:"backup_dir" validate:"required_with=BackupInterval"`
	BackupInterval string `yaml:"backup_interval"`

	HttpBindAddress string `yaml:"http_bind_address" validate:"omitempty,hostname_port"`
	SentryDsn       string `yaml:"sentry_dsn" validate:"omitempty,url"`
	ServerName      string `yaml:"server_name"`

	Pool PoolConfigRaw `yaml:"pool"`
}

// PoolConfigRaw overrides uopool.DefaultConfig. Zero values keep the default.
type PoolConfigRaw struct {
	MinReplacementRatio string `yaml:"min_replacement_ratio"`

	MinInclusionDenominator uint64   `yaml:"min_inclusion_denominator"`
	ThrottlingSlack         uint64   `yaml:"throttling_slack"`
	BanSlack                uint64   `yaml:"ban_slack"`
	Whitelist               []string `yaml:"whitelist" validate:"dive,eth_addr"`
	Blacklist               []string `yaml:"blacklist" validate:"dive,eth_addr"`

	MinStake               string `yaml:"min_stake" validate:"omitempty,numeric"`
	MinUnstakeDelaySec     uint64 `yaml:"min_unstake_delay_sec"`
	RequireStakedPaymaster bool   `yaml:"require_staked_paymaster"`

	MaxOpsPerUnstakedSender int `yaml:"max_ops_per_unstaked_sender" validate:"min=0"`
	MaxOpsPerUnstakedEntity int `yaml:"max_ops_per_unstaked_entity" validate:"min=0"`

	MaxVerificationGas uint64 `yaml:"max_verification_gas"`
	MinCallGas         uint64 `yaml:"min_call_gas"`
	MaxNonceGap        uint64 `yaml:"max_nonce_gap"`

	BaseFeeMultiplierPercent int64  `yaml:"base_fee_multiplier_percent" validate:"min=0"`
	MinPriorityFee           string `yaml:"min_priority_fee" validate:"omitempty,numeric"`

	SimulationTimeout string `yaml:"simulation_timeout"`
	MinValidityWindow string `yaml:"min_validity_window"`

	BundleGasLimit      uint64 `yaml:"bundle_gas_limit"`
	ResimulationWorkers int    `yaml:"resimulation_workers" validate:"min=0"`

	MaxEntryAge         string `yaml:"max_entry_age"`
	DecayInterval       string `yaml:"decay_interval"`
	MaintenanceInterval string `yaml:"maintenance_interval"`
}

// NewConfig reads, validates and converts the yaml file at configFilePath
func NewConfig(configFilePath string) (*Config, error) {
	data, err := os.ReadFile(configFilePath)
	if err != nil {
		return nil, fmt.Errorf("cannot read config file %s: %w", configFilePath, err)
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var raw ConfigRaw
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}

	if err := validator.New().Struct(&raw); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l, err := logger.New(string(raw.Environment))
	if err != nil {
		return nil, err
	}

	pool, err := raw.Pool.toPoolConfig()
	if err != nil {
		return nil, err
	}

	c := &Config{
		Environment: raw.Environment,
		Logger:      l,

		EthRpcUrl:       raw.EthRpcUrl,
		EntryPoints:     convertToAddressSlice(raw.EntryPoints),
		TraceSimulation: raw.TraceSimulation,

		DbPath:    raw.DbPath,
		BackupDir: raw.BackupDir,

		HttpBindAddress: raw.HttpBindAddress,
		SentryDsn:       raw.SentryDsn,
		ServerName:      raw.ServerName,

		Pool: pool,
	}
	if c.Environment == "" {
		c.Environment = sdklogging.Production
	}

	if c.CodeCacheTTL, err = parseDuration("code_cache_ttl", raw.CodeCacheTTL, 10*time.Minute); err != nil {
		return nil, err
	}
	if c.BackupInterval, err = parseDuration("backup_interval", raw.BackupInterval, 0); err != nil {
		return nil, err
	}

	return c, nil
}

func (r *PoolConfigRaw) toPoolConfig() (*uopool.Config, error) {
	c := uopool.DefaultConfig()
	var err error

	if r.MinReplacementRatio != "" {
		if c.MinReplacementRatio, err = decimal.NewFromString(r.MinReplacementRatio); err != nil {
			return nil, fmt.Errorf("invalid pool.min_replacement_ratio: %w", err)
		}
		if c.MinReplacementRatio.IsNegative() {
			return nil, fmt.Errorf("pool.min_replacement_ratio must not be negative")
		}
	}

	setUint(&c.MinInclusionDenominator, r.MinInclusionDenominator)
	setUint(&c.ThrottlingSlack, r.ThrottlingSlack)
	setUint(&c.BanSlack, r.BanSlack)
	c.Whitelist = r.Whitelist
	c.Blacklist = r.Blacklist

	if r.MinStake != "" {
		c.MinStake, _ = new(big.Int).SetString(r.MinStake, 10)
	}
	setUint(&c.MinUnstakeDelaySec, r.MinUnstakeDelaySec)
	c.RequireStakedPaymaster = r.RequireStakedPaymaster

	if r.MaxOpsPerUnstakedSender > 0 {
		c.MaxOpsPerUnstakedSender = r.MaxOpsPerUnstakedSender
	}
	if r.MaxOpsPerUnstakedEntity > 0 {
		c.MaxOpsPerUnstakedEntity = r.MaxOpsPerUnstakedEntity
	}

	setBig(&c.MaxVerificationGas, r.MaxVerificationGas)
	setBig(&c.MinCallGas, r.MinCallGas)
	setUint(&c.MaxNonceGap, r.MaxNonceGap)

	if r.BaseFeeMultiplierPercent > 0 {
		c.BaseFeeMultiplierPercent = r.BaseFeeMultiplierPercent
	}
	if r.MinPriorityFee != "" {
		c.MinPriorityFee, _ = new(big.Int).SetString(r.MinPriorityFee, 10)
	}

	setBig(&c.BundleGasLimit, r.BundleGasLimit)
	if r.ResimulationWorkers > 0 {
		c.ResimulationWorker = r.ResimulationWorkers
	}

	durations := []struct {
		name  string
		value string
		dest  *time.Duration
	}{
		{"pool.simulation_timeout", r.SimulationTimeout, &c.SimulationTimeout},
		{"pool.min_validity_window", r.MinValidityWindow, &c.MinValidityWindow},
		{"pool.max_entry_age", r.MaxEntryAge, &c.MaxEntryAge},
		{"pool.decay_interval", r.DecayInterval, &c.DecayInterval},
		{"pool.maintenance_interval", r.MaintenanceInterval, &c.MaintenanceInterval},
	}
	for _, d := range durations {
		if *d.dest, err = parseDuration(d.name, d.value, *d.dest); err != nil {
			return nil, err
		}
	}

	if c.DecayInterval <= 0 || c.MaintenanceInterval <= 0 {
		return nil, fmt.Errorf("pool.decay_interval and pool.maintenance_interval must be positive")
	}
	return c, nil
}
