package models

import "time"

// Job is the resource envelope of an externally owned job. Only the fields
// that allocation and utilisation need are kept.
type Job struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	Site             string `gorm:"size:64"`
	Cluster          string `gorm:"size:64"`
	Pool             string `gorm:"size:64"`
	MachinesRequired int    `gorm:"default:1"`
	ResourceFilter   string `gorm:"type:text"`
	FlagFilter       string `gorm:"type:text"`
	SharedClaim      string `gorm:"type:text"` // name=qty,...
	Status           string `gorm:"size:16;default:new;index"`
	CreatedAt        time.Time
	AllocatedAt      *time.Time
	ReleasedAt       *time.Time
}
