package migrations

import (
	"bytes"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/AvaProtocol/ap-uopool/storage"
	"github.com/AvaProtocol/ap-uopool/storage/schema"
)

// PruneOrphanPoolIndexes deletes sender/nonce, insertion order and code hash keys whose pool
// record is gone, along with keys that do not parse.
func PruneOrphanPoolIndexes(db storage.Storage) (int, error) {
	items, err := db.GetByPrefix([]byte("uo:"))
	if err != nil {
		return 0, fmt.Errorf("cannot scan pool keys: %w", err)
	}

	batch := storage.NewBatch()
	for _, item := range items {
		// uo:<ep>:<kind>:...
		parts := bytes.SplitN(item.Key, []byte(":"), 4)
		if len(parts) < 4 {
			continue
		}
		var hash []byte
		switch string(parts[2]) {
		case "s", "q":
			hash = item.Value
		case "c":
			// the entry hash is the key suffix, the value is the code hash list
			hash = common.FromHex(string(parts[3]))
		default:
			continue
		}
		if !common.IsHexAddress(string(parts[1])) || len(hash) != common.HashLength {
			batch.Delete(item.Key)
			continue
		}

		ep := common.HexToAddress(string(parts[1]))
		exists, err := db.Exist(schema.EntryKey(ep, common.BytesToHash(hash)))
		if err != nil {
			return 0, err
		}
		if !exists {
			batch.Delete(item.Key)
		}
	}

	if batch.Len() == 0 {
		return 0, nil
	}
	if err := db.Apply(batch); err != nil {
		return 0, err
	}
	return batch.Len(), nil
}
