package nodes

import (
	"errors"

	"gorm.io/gorm"
)

// Sequence names. Each stream that clients follow with a cursor owns one counter.
const (
	SequenceTransactions   = "node_transactions"
	SequenceCollaborations = "collaborations"
	SequenceInteractions   = "interactions"
)

const reserveSequenceSQL = `INSERT INTO sequences (name, value) VALUES (?, ?)
ON CONFLICT(name) DO UPDATE SET value = sequences.value + excluded.value
RETURNING value`

var errSequenceUnavailable = errors.New("sequence reservation returned no rows")

// ReserveVersions reserves count consecutive versions of the named sequence inside tx and
// returns the base; the reserved versions are base+1 through base+count. The write lock taken
// by the reservation orders commits by version.
func ReserveVersions(tx *gorm.DB, name string, count int64) (int64, error) {
	if count <= 0 {
		return 0, nil
	}
	var end int64
	result := tx.Raw(reserveSequenceSQL, name, count).Scan(&end)
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		return 0, errSequenceUnavailable
	}
	return end - count, nil
}
