package models

import "time"

// Machine is a physical test host. Status and JobID are the current-state
// projection maintained by the allocation engine; the lease columns are
// maintained independently by the lease manager.
type Machine struct {
	Name          string `gorm:"primaryKey;size:64"`
	Site          string `gorm:"size:64;not null;index:idx_machine_placement"`
	Cluster       string `gorm:"size:64;default:default;index:idx_machine_placement"`
	Pool          string `gorm:"size:64;default:default;index:idx_machine_placement"`
	Status        string `gorm:"size:32;default:idle;index"`
	Resources     string `gorm:"type:text"`
	Flags         string `gorm:"type:text"`
	Descr         string `gorm:"type:text"`
	JobID         *uint  `gorm:"index"`
	LeaseFrom     *time.Time
	LeaseTo       *time.Time `gorm:"index"`
	LeaseHolder   string     `gorm:"size:64"`
	LeaseReason   string     `gorm:"type:text"`
	LeasePolicy   string     `gorm:"size:16;default:reclaim"`
	LeaseExtended bool       `gorm:"default:false"`
	LeaseWarned   bool       `gorm:"default:false"`
	CreatedAt     time.Time
	UpdatedAt     time.Time

	Props []MachineProp `gorm:"foreignKey:Machine;references:Name"`
}

// Leased reports whether the machine currently carries a lease.
func (m *Machine) Leased() bool {
	return m.LeaseTo != nil
}

// MachineProp is free-form key/value metadata attached to a machine.
// Multi-valued keys hold comma-separated values.
type MachineProp struct {
	Machine string `gorm:"primaryKey;size:64"`
	Key     string `gorm:"primaryKey;size:64"`
	Value   string `gorm:"type:text"`
}
