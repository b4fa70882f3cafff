package migrations

import (
	"github.com/AvaProtocol/ap-uopool/core/migrator"
)

// Migrations are applied in order on node start. Names are recorded in the key-value store,
// so prefix each with its YYYYMMDD-HHMMSS creation time.
var Migrations = []migrator.Migration{
	{
		Name:     "20261017-090000-prune-orphan-pool-indexes",
		Function: PruneOrphanPoolIndexes,
	},
}
