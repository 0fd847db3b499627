package recorder

import (
	"time"

	"gorm.io/datatypes"
)

// State mirrors the slice of the recorder `states` table the
// collector reads. Attributes stay as raw JSON; downstream analysis
// decodes what it needs.
type State struct {
	StateID     int64          `gorm:"column:state_id;primaryKey;autoIncrement"`
	EntityID    string         `gorm:"column:entity_id;index"`
	State       string         `gorm:"column:state"`
	Attributes  datatypes.JSON `gorm:"column:attributes"`
	LastChanged time.Time      `gorm:"column:last_changed"`
	LastUpdated time.Time      `gorm:"column:last_updated;index"`
}

func (State) TableName() string { return "states" }

// StatisticsMeta identifies one long-term statistics series.
type StatisticsMeta struct {
	ID                int64  `gorm:"column:id;primaryKey;autoIncrement"`
	StatisticID       string `gorm:"column:statistic_id;index"`
	Source            string `gorm:"column:source"`
	UnitOfMeasurement string `gorm:"column:unit_of_measurement"`
	HasMean           bool   `gorm:"column:has_mean"`
	HasSum            bool   `gorm:"column:has_sum"`
}

func (StatisticsMeta) TableName() string { return "statistics_meta" }

// Statistic is one hourly aggregation row of a series.
type Statistic struct {
	ID         int64     `gorm:"column:id;primaryKey;autoIncrement"`
	MetadataID int64     `gorm:"column:metadata_id;index"`
	Start      time.Time `gorm:"column:start;index"`
	Mean       *float64  `gorm:"column:mean"`
	Min        *float64  `gorm:"column:min"`
	Max        *float64  `gorm:"column:max"`
	State      *float64  `gorm:"column:state"`
	Sum        *float64  `gorm:"column:sum"`
}

func (Statistic) TableName() string { return "statistics" }
