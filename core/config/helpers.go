package config

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func convertToAddressSlice(addresses []string) []common.Address {
	result := make([]common.Address, len(addresses))
	for i, addr := range addresses {
		result[i] = common.HexToAddress(addr)
	}
	return result
}

// parseDuration parses a yaml duration such as "90s", returning def when value is empty
func parseDuration(name, value string, def time.Duration) (time.Duration, error) {
	if value == "" {
		return def, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", name, value, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s must not be negative", name)
	}
	return d, nil
}

func setUint(dest *uint64, v uint64) {
	if v > 0 {
		*dest = v
	}
}

func setBig(dest **big.Int, v uint64) {
	if v > 0 {
		*dest = new(big.Int).SetUint64(v)
	}
}
