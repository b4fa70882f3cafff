package byte4

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/stretchr/testify/assert"
)

func TestGetMethodFromSelector(t *testing.T) {
	const abiJSON = `[
		{"type":"function","name":"transfer","inputs":[{"name":"_to","type":"address"},{"name":"_value","type":"uint256"}]},
		{"type":"function","name":"balanceOf","inputs":[{"name":"who","type":"address"}],"outputs":[{"name":"","type":"uint256"}]}
	]`

	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		t.Fatalf("failed to parse ABI: %v", err)
	}

	decodeHex := func(s string) []byte {
		b, err := hex.DecodeString(s)
		if err != nil {
			t.Fatalf("failed to decode hex: %v", err)
		}
		return b
	}

	tests := []struct {
		name     string
		calldata []byte
		want     string
		wantErr  bool
	}{
		{name: "transfer selector", calldata: decodeHex("a9059cbb"), want: "transfer"},
		{name: "balanceOf with arguments", calldata: decodeHex("70a08231000000000000000000000000000000000000000000000000000000000000abcd"), want: "balanceOf"},
		{name: "unknown selector", calldata: decodeHex("12345678"), wantErr: true},
		{name: "too short", calldata: decodeHex("a905"), wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			method, err := GetMethodFromCalldata(parsedABI, tt.calldata)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected an error, got method %v", method)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if method.Name != tt.want {
				t.Errorf("got %s, want %s", method.Name, tt.want)
			}
		})
	}
}

func TestDescribeCall(t *testing.T) {
	assert.Equal(t, "execute(address,uint256,bytes)", DescribeCall([]byte{0xb6, 0x1d, 0x27, 0xf6, 0x00}))
	assert.Equal(t, "executeBatch(address[],bytes[])", DescribeCall([]byte{0x18, 0xdf, 0xb3, 0xc7}))
	assert.Equal(t, "0xdeadbeef", DescribeCall([]byte{0xde, 0xad, 0xbe, 0xef, 0x01}))
	assert.Equal(t, "0x01", DescribeCall([]byte{0x01}))
	assert.Equal(t, "(empty)", DescribeCall(nil))
}
