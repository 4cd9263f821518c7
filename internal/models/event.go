package models

import "time"

// Event types written by the allocation engine. Collaborators may append
// events of other types.
const (
	EventJobStart = "JobStart"
	EventJobEnd   = "JobEnd"
)

// Event is an append-only record of a state transition. Rows are never
// updated or deleted.
type Event struct {
	ID      uint      `gorm:"primaryKey;autoIncrement"`
	Ts      time.Time `gorm:"not null;index"`
	Type    string    `gorm:"size:32;not null;index"`
	Subject string    `gorm:"size:64;index"`
	Data    string    `gorm:"type:text"`
}
