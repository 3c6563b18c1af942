// Package audit stores one row per protected entity. Rows carry the kind,
// offsets, strategy and a sha256 of the value, never the value itself.
package audit

import (
	"time"
)

// Entry is one audited entity
type Entry struct {
	ID         int64     `db:"id" json:"id"`
	RequestID  string    `db:"request_id" json:"request_id"`
	Context    string    `db:"context" json:"context"`
	Role       string    `db:"role" json:"role,omitempty"`
	Mode       string    `db:"mode" json:"mode"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	StartPos   int       `db:"start_pos" json:"start"`
	EndPos     int       `db:"end_pos" json:"end"`
	Confidence float64   `db:"confidence" json:"confidence"`
	Strategy   string    `db:"strategy" json:"strategy"`
	Reversible bool      `db:"reversible" json:"reversible"`
	Failed     bool      `db:"failed" json:"failed"`
	ValueHash  string    `db:"value_hash" json:"value_hash"`
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// Stats summarizes the audit table
type Stats struct {
	TotalEntities int64            `json:"total_entities"`
	Failed        int64            `json:"failed"`
	ByKind        map[string]int64 `json:"by_kind"`
}

// Config contains database configuration
type Config struct {
	DatabaseURL     string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
