package recorder

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/kfsoftware/hacollect/pkg/config"
	"github.com/kfsoftware/hacollect/pkg/tunnel"
)

var testBase = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "recorder.db")), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&State{}, &StatisticsMeta{}, &Statistic{}))
	return db
}

func f(v float64) *float64 { return &v }

func seedStates(t *testing.T, db *gorm.DB) {
	t.Helper()
	states := []State{
		{EntityID: "sensor.grid_power", State: "400", LastUpdated: testBase},
		{EntityID: "sensor.grid_power", State: "410", LastUpdated: testBase.Add(1 * time.Hour)},
		{EntityID: "sensor.outside_temp", State: "21.5", LastUpdated: testBase.Add(2 * time.Hour)},
		{EntityID: "sensor.grid_power", State: "395", LastUpdated: testBase.Add(3 * time.Hour)},
	}
	require.NoError(t, db.Create(&states).Error)
}

func seedStatistics(t *testing.T, db *gorm.DB) {
	t.Helper()
	meta := []StatisticsMeta{
		{StatisticID: "sensor.grid_power", Source: "recorder", UnitOfMeasurement: "W", HasMean: true},
		{StatisticID: "sensor.solar_yield", Source: "recorder", UnitOfMeasurement: "kWh", HasSum: true},
	}
	require.NoError(t, db.Create(&meta).Error)
	rows := []Statistic{
		{MetadataID: meta[0].ID, Start: testBase, Mean: f(400)},
		{MetadataID: meta[0].ID, Start: testBase.Add(1 * time.Hour), Mean: f(412)},
		{MetadataID: meta[1].ID, Start: testBase, Sum: f(8.4)},
		{MetadataID: meta[1].ID, Start: testBase.Add(2 * time.Hour), Sum: f(9.1)},
	}
	require.NoError(t, db.Create(&rows).Error)
}

func TestStatesSinceFiltersAndOrders(t *testing.T) {
	db := openTestDB(t)
	seedStates(t, db)
	c := New(db)
	ctx := context.Background()

	all, err := c.StatesSince(ctx, "", testBase.Add(1*time.Hour))
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "410", all[0].State)
	assert.Equal(t, "21.5", all[1].State)
	assert.Equal(t, "395", all[2].State)

	grid, err := c.StatesSince(ctx, "sensor.grid_power", testBase)
	require.NoError(t, err)
	require.Len(t, grid, 3)
	for _, s := range grid {
		assert.Equal(t, "sensor.grid_power", s.EntityID)
	}
}

func TestStatisticsMetadata(t *testing.T) {
	db := openTestDB(t)
	seedStatistics(t, db)
	c := New(db)
	ctx := context.Background()

	all, err := c.StatisticsMetadata(ctx, nil)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	one, err := c.StatisticsMetadata(ctx, []string{"sensor.solar_yield"})
	require.NoError(t, err)
	require.Len(t, one, 1)
	assert.Equal(t, "kWh", one[0].UnitOfMeasurement)
}

func TestStatisticsKeyedBySeries(t *testing.T) {
	db := openTestDB(t)
	seedStatistics(t, db)
	c := New(db)
	ctx := context.Background()

	out, err := c.Statistics(ctx, nil, testBase, time.Time{})
	require.NoError(t, err)
	require.Len(t, out, 2)
	require.Len(t, out["sensor.grid_power"], 2)
	require.Len(t, out["sensor.solar_yield"], 2)
	assert.Equal(t, 400.0, *out["sensor.grid_power"][0].Mean)
	assert.Equal(t, 412.0, *out["sensor.grid_power"][1].Mean)

	// end bound is exclusive
	out, err = c.Statistics(ctx, []string{"sensor.solar_yield"}, testBase, testBase.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, out["sensor.solar_yield"], 1)
	assert.Equal(t, 8.4, *out["sensor.solar_yield"][0].Sum)
}

func TestStatisticsUnknownSeries(t *testing.T) {
	db := openTestDB(t)
	seedStatistics(t, db)
	c := New(db)

	out, err := c.Statistics(context.Background(), []string{"sensor.nope"}, testBase, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "snapshot.db")
	snap, err := CreateSnapshot(path)
	require.NoError(t, err)

	states := []State{
		{EntityID: "sensor.grid_power", State: "400", LastUpdated: testBase},
		{EntityID: "sensor.grid_power", State: "410", LastUpdated: testBase.Add(1 * time.Hour)},
	}
	meta := []StatisticsMeta{{StatisticID: "sensor.grid_power", UnitOfMeasurement: "W", HasMean: true}}
	rows := []Statistic{{MetadataID: 1, Start: testBase, Mean: f(405)}}
	require.NoError(t, snap.WriteStates(states))
	require.NoError(t, snap.WriteStatistics(meta, rows))
	require.NoError(t, snap.Close())

	// the written file is queryable with the same models
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err)
	c := New(db)
	defer c.Close()

	got, err := c.StatesSince(context.Background(), "sensor.grid_power", testBase)
	require.NoError(t, err)
	assert.Len(t, got, 2)

	stats, err := c.Statistics(context.Background(), nil, testBase, time.Time{})
	require.NoError(t, err)
	require.Len(t, stats["sensor.grid_power"], 1)
	assert.Equal(t, 405.0, *stats["sensor.grid_power"][0].Mean)
}

func TestSnapshotWriteEmpty(t *testing.T) {
	snap, err := CreateSnapshot(filepath.Join(t.TempDir(), "empty.db"))
	require.NoError(t, err)
	defer snap.Close()
	require.NoError(t, snap.WriteStates(nil))
	require.NoError(t, snap.WriteStatistics(nil, nil))
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open(config.RecorderConfig{Driver: "oracle"}, tunnel.Endpoint{Host: "127.0.0.1", Port: 3306})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported driver")
}
