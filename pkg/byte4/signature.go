package byte4

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// accountABI covers the execute entry points of the common smart accounts
const accountABI = `[
	{"type":"function","name":"execute","inputs":[{"name":"dest","type":"address"},{"name":"value","type":"uint256"},{"name":"func","type":"bytes"}]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"dest","type":"address[]"},{"name":"func","type":"bytes[]"}]},
	{"type":"function","name":"executeBatch","inputs":[{"name":"dest","type":"address[]"},{"name":"value","type":"uint256[]"},{"name":"func","type":"bytes[]"}]}
]`

var AccountABI = mustParse(accountABI)

func mustParse(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// GetMethodFromCalldata returns the ABI method matching the 4-byte selector that starts calldata
func GetMethodFromCalldata(parsedABI abi.ABI, calldata []byte) (*abi.Method, error) {
	if len(calldata) < 4 {
		return nil, fmt.Errorf("invalid selector length: %d", len(calldata))
	}

	for _, method := range parsedABI.Methods {
		if bytes.Equal(method.ID, calldata[:4]) {
			return &method, nil
		}
	}

	return nil, fmt.Errorf("no matching method found for selector: 0x%x", calldata[:4])
}

// DescribeCall names the account method a user operation calls, falling back to the raw
// selector for unknown accounts
func DescribeCall(calldata []byte) string {
	if len(calldata) == 0 {
		return "(empty)"
	}

	method, err := GetMethodFromCalldata(AccountABI, calldata)
	if err != nil {
		if len(calldata) < 4 {
			return fmt.Sprintf("0x%x", calldata)
		}
		return fmt.Sprintf("0x%x", calldata[:4])
	}
	return method.Sig
}
