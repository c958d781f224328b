package queue

import (
	"encoding/json"
	"time"

	"github.com/MarcoPoloResearchLab/canopy/backend/internal/mutations"
)

// PendingMutation is a local edit that the server has not acknowledged yet.
type PendingMutation struct {
	ID        string    `gorm:"column:id;primaryKey;size:26;not null"`
	Type      string    `gorm:"column:type;size:64;not null"`
	Data      string    `gorm:"column:data;type:text;not null"`
	CreatedAt time.Time `gorm:"column:created_at;not null"`
	Retries   int       `gorm:"column:retries;not null;default:0"`
}

// TableName provides the explicit table binding for GORM.
func (PendingMutation) TableName() string {
	return "mutations"
}

// Mutation returns the wire form of the pending row.
func (p PendingMutation) Mutation() mutations.Mutation {
	return mutations.Mutation{
		ID:        p.ID,
		Type:      mutations.Type(p.Type),
		Data:      json.RawMessage(p.Data),
		CreatedAt: p.CreatedAt,
	}
}

func pendingFrom(mutation mutations.Mutation) PendingMutation {
	return PendingMutation{
		ID:        mutation.ID,
		Type:      string(mutation.Type),
		Data:      string(mutation.Data),
		CreatedAt: mutation.CreatedAt,
	}
}

// Models lists the tables owned by this package for AutoMigrate.
func Models() []any {
	return []any{&PendingMutation{}}
}
