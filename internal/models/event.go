package models

import "time"

// EntityType names the kind of record a change event refers to.
type EntityType string

const (
	EntityRepository EntityType = "repository"
	EntityWorktree   EntityType = "worktree"
	EntitySession    EntityType = "session"
	EntityTask       EntityType = "task"
)

// ChangeKind is the kind of mutation an event reports.
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Event is emitted to subscribers after the transaction that produced it commits.
type Event struct {
	Seq        uint64     `json:"seq"`
	EntityType EntityType `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Change     ChangeKind `json:"change_kind"`
	Payload    any        `json:"payload,omitempty"`
	At         time.Time  `json:"at"`
}
