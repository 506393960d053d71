package domain

import "encoding/json"

type Table string

const (
	TableAgents      Table = "employees"
	TableCommands    Table = "commands"
	TableSignaling   Table = "signaling"
	TableScreenshots Table = "screenshots"
	TableVideos      Table = "videos"
)

// ArtifactTable maps an artifact kind to its table.
func ArtifactTable(kind ArtifactKind) Table {
	if kind == ArtifactVideo {
		return TableVideos
	}
	return TableScreenshots
}

type ChangeOp string

const (
	OpInsert ChangeOp = "INSERT"
	OpUpdate ChangeOp = "UPDATE"
)

// ChangeFilter selects notifications by table, operation and an equality
// predicate on one column. Empty Column matches every row.
type ChangeFilter struct {
	Table  Table
	Op     ChangeOp
	Column string
	Value  string
}

// ChangeEvent is a row-level change notification carrying the new row.
type ChangeEvent struct {
	Table Table           `json:"table"`
	Op    ChangeOp        `json:"op"`
	New   json.RawMessage `json:"new"`
}

// Matches reports whether ev passes the filter.
func (f ChangeFilter) Matches(ev ChangeEvent) bool {
	if f.Table != ev.Table || (f.Op != "" && f.Op != ev.Op) {
		return false
	}
	if f.Column == "" {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(ev.New, &row); err != nil {
		return false
	}
	v, ok := row[f.Column]
	if !ok {
		return false
	}
	s, ok := v.(string)
	return ok && s == f.Value
}
