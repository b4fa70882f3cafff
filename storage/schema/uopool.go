package schema

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Key layout, every namespace is scoped to one entry point so pools never share keys.
//
//	uo:<ep>:h:<hash>           -> msgpack pool record
//	uo:<ep>:s:<sender>:<nonce> -> hash
//	uo:<ep>:q:<seq>            -> hash
//	uo:<ep>:c:<hash>           -> msgpack code hashes seen at admission
//	seq:uo:<ep>                -> badger sequence backing insertion order
//	rep:<ep>:<addr>            -> msgpack reputation record
//	bundle:<ep>:<status>:<id>  -> msgpack bundle record
//
// Addresses and hashes are lower case hex so prefix scans are stable.

// BundleStatus is the lifecycle state encoded in a bundle key
type BundleStatus string

const (
	BundlePending  BundleStatus = "p"
	BundleIncluded BundleStatus = "i"
	BundleFailed   BundleStatus = "f"
)

const nonceDigits = 78

func epKey(ep common.Address) string {
	return strings.ToLower(ep.Hex())
}

func EntryKey(ep common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("uo:%s:h:%s", epKey(ep), strings.ToLower(hash.Hex())))
}

func EntryPrefix(ep common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:h:", epKey(ep)))
}

// SenderNonceKey pads the nonce to 78 decimal digits, enough for any uint256, so keys of one
// sender sort by nonce.
func SenderNonceKey(ep common.Address, sender common.Address, nonce *big.Int) []byte {
	n := "0"
	if nonce != nil {
		n = nonce.String()
	}
	if len(n) < nonceDigits {
		n = strings.Repeat("0", nonceDigits-len(n)) + n
	}
	return []byte(fmt.Sprintf("uo:%s:s:%s:%s", epKey(ep), strings.ToLower(sender.Hex()), n))
}

func SenderPrefix(ep common.Address, sender common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:s:%s:", epKey(ep), strings.ToLower(sender.Hex())))
}

func SequenceKey(ep common.Address, seq uint64) []byte {
	return []byte(fmt.Sprintf("uo:%s:q:%020d", epKey(ep), seq))
}

func SequencePrefix(ep common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:q:", epKey(ep)))
}

func CodeHashKey(ep common.Address, hash common.Hash) []byte {
	return []byte(fmt.Sprintf("uo:%s:c:%s", epKey(ep), strings.ToLower(hash.Hex())))
}

func CodeHashPrefix(ep common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:c:", epKey(ep)))
}

// PoolPrefix covers every key of the pool namespace of ep
func PoolPrefix(ep common.Address) []byte {
	return []byte(fmt.Sprintf("uo:%s:", epKey(ep)))
}

func InsertionSequence(ep common.Address) []byte {
	return []byte(fmt.Sprintf("seq:uo:%s", epKey(ep)))
}

func ReputationKey(ep common.Address, addr common.Address) []byte {
	return []byte(fmt.Sprintf("rep:%s:%s", epKey(ep), strings.ToLower(addr.Hex())))
}

func ReputationPrefix(ep common.Address) []byte {
	return []byte(fmt.Sprintf("rep:%s:", epKey(ep)))
}

func BundleKey(ep common.Address, status BundleStatus, id string) []byte {
	return []byte(fmt.Sprintf("bundle:%s:%s:%s", epKey(ep), status, id))
}

func BundlePrefix(ep common.Address, status BundleStatus) []byte {
	return []byte(fmt.Sprintf("bundle:%s:%s:", epKey(ep), status))
}
