// Package recorder reads bulk telemetry straight from the hub's
// recorder database. It only ever connects to the local endpoint a
// tunnel supervisor hands out and knows nothing about the tunnel
// itself; callers are expected to run EnsureHealthy on the supervisor
// before large reads and to abort on error rather than retry here.
package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/tunnel"
)

// Client runs read-only extraction queries against the recorder DB.
type Client struct {
	db  *gorm.DB
	log zerolog.Logger
}

// Open connects to the recorder database through the given local
// endpoint. The DSN always targets the endpoint, never the remote
// host directly.
func Open(cfg config.RecorderConfig, endpoint tunnel.Endpoint) (*Client, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "mysql", "mariadb", "":
		dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&loc=UTC",
			cfg.User, cfg.Password, endpoint.Addr(), cfg.Database)
		dialector = mysql.Open(dsn)
	case "postgres":
		dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			endpoint.Host, endpoint.Port, cfg.User, cfg.Password, cfg.Database)
		dialector = postgres.Open(dsn)
	default:
		return nil, errors.Errorf("recorder: unsupported driver %q", cfg.Driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, errors.Wrapf(err, "open recorder database via %s", endpoint)
	}
	return New(db), nil
}

// New wraps an existing gorm handle. Used by Open and by tests.
func New(db *gorm.DB) *Client {
	return &Client{
		db:  db,
		log: log.With().Str("component", "recorder").Logger(),
	}
}

// StatesSince returns state rows updated at or after since, oldest
// first. An empty entityID selects all entities.
func (c *Client) StatesSince(ctx context.Context, entityID string, since time.Time) ([]State, error) {
	q := c.db.WithContext(ctx).Where("last_updated >= ?", since)
	if entityID != "" {
		q = q.Where("entity_id = ?", entityID)
	}
	var states []State
	if err := q.Order("last_updated").Find(&states).Error; err != nil {
		return nil, errors.Wrap(err, "query states")
	}
	c.log.Debug().Int("rows", len(states)).Time("since", since).Msg("states extracted")
	return states, nil
}

// StatisticsMetadata resolves series metadata for the given
// statistic ids; all series when ids is empty.
func (c *Client) StatisticsMetadata(ctx context.Context, statisticIDs []string) ([]StatisticsMeta, error) {
	q := c.db.WithContext(ctx)
	if len(statisticIDs) > 0 {
		q = q.Where("statistic_id IN ?", statisticIDs)
	}
	var meta []StatisticsMeta
	if err := q.Find(&meta).Error; err != nil {
		return nil, errors.Wrap(err, "query statistics metadata")
	}
	return meta, nil
}

// Statistics returns the long-term statistics rows for the given
// series over [start, end), keyed by statistic id.
func (c *Client) Statistics(ctx context.Context, statisticIDs []string, start, end time.Time) (map[string][]Statistic, error) {
	meta, err := c.StatisticsMetadata(ctx, statisticIDs)
	if err != nil {
		return nil, err
	}
	byMetadataID := make(map[int64]string, len(meta))
	ids := make([]int64, 0, len(meta))
	for _, m := range meta {
		byMetadataID[m.ID] = m.StatisticID
		ids = append(ids, m.ID)
	}
	if len(ids) == 0 {
		return map[string][]Statistic{}, nil
	}

	q := c.db.WithContext(ctx).Where("metadata_id IN ?", ids).Where("start >= ?", start)
	if !end.IsZero() {
		q = q.Where("start < ?", end)
	}
	var rows []Statistic
	if err := q.Order("start").Find(&rows).Error; err != nil {
		return nil, errors.Wrap(err, "query statistics")
	}

	out := make(map[string][]Statistic, len(meta))
	for _, row := range rows {
		id := byMetadataID[row.MetadataID]
		out[id] = append(out[id], row)
	}
	c.log.Debug().Int("series", len(out)).Int("rows", len(rows)).Msg("statistics extracted")
	return out, nil
}

// Close releases the underlying connection pool.
func (c *Client) Close() error {
	sqlDB, err := c.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
