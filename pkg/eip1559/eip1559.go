package eip1559

import (
	"math/big"
)

// tipBufferPercent is added on top of the minimum tip in suggestions
const tipBufferPercent = 13

// MinMaxFee is the lowest maxFeePerGas admitted while the base fee is baseFee
func MinMaxFee(baseFee *big.Int, multiplierPercent int64) *big.Int {
	threshold := new(big.Int).Mul(baseFee, big.NewInt(multiplierPercent))
	return threshold.Div(threshold, big.NewInt(100))
}

// Suggest returns fees that clear admission with headroom. maxFeePerGas covers the base
// fee doubling before inclusion. A nil baseFee means a legacy chain where both fees match.
func Suggest(baseFee, minPriorityFee *big.Int, multiplierPercent int64) (maxFeePerGas, maxPriorityFeePerGas *big.Int) {
	tip := new(big.Int)
	if minPriorityFee != nil {
		tip.Set(minPriorityFee)
	}
	buffer := new(big.Int).Mul(tip, big.NewInt(tipBufferPercent))
	maxPriorityFeePerGas = tip.Add(tip, buffer.Div(buffer, big.NewInt(100)))

	if baseFee == nil {
		return new(big.Int).Set(maxPriorityFeePerGas), maxPriorityFeePerGas
	}

	headroom := new(big.Int).Mul(baseFee, big.NewInt(2))
	if floor := MinMaxFee(baseFee, multiplierPercent); floor.Cmp(headroom) > 0 {
		headroom = floor
	}
	return headroom.Add(headroom, maxPriorityFeePerGas), maxPriorityFeePerGas
}
