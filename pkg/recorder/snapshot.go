package recorder

import (
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// Snapshot is a local sqlite file holding one extraction run, using
// the same table shapes as the source so notebooks can query either.
type Snapshot struct {
	db  *gorm.DB
	log zerolog.Logger
}

// CreateSnapshot opens (or creates) the snapshot file and migrates
// the telemetry tables.
func CreateSnapshot(path string) (*Snapshot, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open snapshot %s", path)
	}
	if err := db.AutoMigrate(&State{}, &StatisticsMeta{}, &Statistic{}); err != nil {
		return nil, errors.Wrap(err, "migrate snapshot schema")
	}
	return &Snapshot{
		db:  db,
		log: log.With().Str("component", "snapshot").Str("path", path).Logger(),
	}, nil
}

const insertBatchSize = 200

// WriteStates appends state rows to the snapshot.
func (s *Snapshot) WriteStates(states []State) error {
	if len(states) == 0 {
		return nil
	}
	if err := s.db.CreateInBatches(states, insertBatchSize).Error; err != nil {
		return errors.Wrap(err, "write states")
	}
	s.log.Info().Int("rows", len(states)).Msg("states written")
	return nil
}

// WriteStatistics appends series metadata and their rows.
func (s *Snapshot) WriteStatistics(meta []StatisticsMeta, rows []Statistic) error {
	if len(meta) > 0 {
		if err := s.db.CreateInBatches(meta, insertBatchSize).Error; err != nil {
			return errors.Wrap(err, "write statistics metadata")
		}
	}
	if len(rows) > 0 {
		if err := s.db.CreateInBatches(rows, insertBatchSize).Error; err != nil {
			return errors.Wrap(err, "write statistics")
		}
	}
	s.log.Info().Int("series", len(meta)).Int("rows", len(rows)).Msg("statistics written")
	return nil
}

// Close flushes and closes the snapshot file.
func (s *Snapshot) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
