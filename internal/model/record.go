// Package model defines the bus-stop survey record and its sync lifecycle.
package model

import (
	"time"

	"github.com/sells-group/paradas/internal/geo"
)

// SyncStatus is the synchronization state of a record.
type SyncStatus string

const (
	SyncStatusPending SyncStatus = "pending"
	SyncStatusSyncing SyncStatus = "syncing"
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusFailed  SyncStatus = "failed"
)

// Queued reports whether a record in this status is waiting to be pushed.
func (s SyncStatus) Queued() bool {
	return s == SyncStatusPending || s == SyncStatusFailed
}

// Editable reports whether content fields may change in this status.
func (s SyncStatus) Editable() bool {
	return s == SyncStatusPending || s == SyncStatusFailed
}

// Valid reports whether s is a known status.
func (s SyncStatus) Valid() bool {
	switch s {
	case SyncStatusPending, SyncStatusSyncing, SyncStatusSynced, SyncStatusFailed:
		return true
	}
	return false
}

// Shelter describes one bus shelter at a stop.
type Shelter struct {
	TypeID             *int     `json:"type_id,omitempty" validate:"omitempty,gt=0"`
	HasPathology       bool     `json:"has_pathology"`
	PhotoRefs          []string `json:"photo_refs,omitempty"`
	PathologyPhotoRefs []string `json:"pathology_photo_refs,omitempty"`
}

// Attributes holds the surveyed infrastructure fields of a stop.
type Attributes struct {
	SchoolLines  bool      `json:"school_lines"`
	STPCLines    bool      `json:"stpc_lines"`
	Bay          bool      `json:"bay"`
	Ramp         bool      `json:"ramp"`
	TactileFloor bool      `json:"tactile_floor"`
	Shelters     []Shelter `json:"shelters,omitempty" validate:"dive"`
	PhotoRefs    []string  `json:"photo_refs,omitempty"`
}

// Record is one bus-stop survey submission.
type Record struct {
	LocalID              string          `json:"local_id"`
	RemoteID             *string         `json:"remote_id,omitempty"`
	SurveyorID           string          `json:"surveyor_id,omitempty"`
	Address              string          `json:"address,omitempty"`
	RawLocation          geo.Coordinate  `json:"raw_location"`
	InterpolatedLocation *geo.Coordinate `json:"interpolated_location,omitempty" validate:"omitempty"`
	Attributes           Attributes      `json:"attributes"`
	VisitedAt            time.Time       `json:"visited_at"`
	SyncStatus           SyncStatus      `json:"sync_status"`
	LastError            *string         `json:"last_error,omitempty"`
	Attempts             int             `json:"attempts"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// HasShelter reports whether at least one shelter was surveyed.
func (r *Record) HasShelter() bool {
	return len(r.Attributes.Shelters) > 0
}

// HasPathology is derived from the shelters; it is never stored.
func (r *Record) HasPathology() bool {
	for _, s := range r.Attributes.Shelters {
		if s.HasPathology {
			return true
		}
	}
	return false
}

// Accessible reports whether the stop has a ramp or tactile floor.
func (r *Record) Accessible() bool {
	return r.Attributes.Ramp || r.Attributes.TactileFloor
}

// HasRoute reports whether the stop was snapped onto a route.
func (r *Record) HasRoute() bool {
	return r.InterpolatedLocation != nil
}
