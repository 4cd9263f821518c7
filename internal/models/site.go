package models

import "time"

// Site groups machines administratively and declares the shared resources
// every machine at the site draws from.
type Site struct {
	Name            string `gorm:"primaryKey;size:64"`
	Status          string `gorm:"size:32;default:active"`
	Flags           string `gorm:"type:text"`
	Descr           string `gorm:"type:text"`
	MaxJobs         int    `gorm:"default:0"`
	SharedResources string `gorm:"type:text"` // name=capacity,...
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
