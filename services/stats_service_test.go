package services

import (
	"context"
	"testing"
	"time"

	"gacha-live-system/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func insertDraw(t *testing.T, db *gorm.DB, gachaID, itemID uint, userID string, at time.Time) {
	t.Helper()
	require.NoError(t, db.Create(&models.DrawResult{
		ID:        uuid.NewString(),
		UserID:    userID,
		GachaID:   gachaID,
		ItemID:    itemID,
		CreatedAt: at,
	}).Error)
}

func gachaItems(t *testing.T, db *gorm.DB, gachaID uint) []models.GachaItem {
	t.Helper()
	var items []models.GachaItem
	require.NoError(t, db.Where("gacha_id = ?", gachaID).Order("id ASC").Find(&items).Error)
	return items
}

func TestIncrementalStatsUpsert(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10), intPtr(10))
	items := gachaItems(t, db, 7)
	svc := NewStatisticsService(db, nil)
	now := time.Now()

	insertDraw(t, db, 7, items[0].ID, "user-1", now)
	insertDraw(t, db, 7, items[0].ID, "user-1", now)
	insertDraw(t, db, 7, items[1].ID, "user-2", now)

	require.NoError(t, svc.UpdateBasicStatsRealtime(7))
	// Safe to repeat: the recompute is derived from the log, not deltas.
	require.NoError(t, svc.UpdateBasicStatsRealtime(7))

	var rows []models.GachaStatistics
	require.NoError(t, db.Where("gacha_id = ?", 7).Find(&rows).Error)
	require.Len(t, rows, 1, "upsert must keep a single row per gacha")

	stats := rows[0]
	assert.EqualValues(t, 3, stats.TotalDraws)
	assert.EqualValues(t, 2, stats.UniqueUsers)
	assert.EqualValues(t, 300, stats.TotalRevenue)
	require.NotNil(t, stats.MostPopularItemID)
	assert.Equal(t, items[0].ID, *stats.MostPopularItemID)
}

func TestReconciliationRepairsDrift(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 50, intPtr(10))
	items := gachaItems(t, db, 7)
	svc := NewStatisticsService(db, nil)
	now := time.Now()

	insertDraw(t, db, 7, items[0].ID, "user-1", now)
	insertDraw(t, db, 7, items[0].ID, "user-2", now)
	require.NoError(t, svc.UpdateBasicStatsRealtime(7))

	// Simulate drift from a lost incremental update.
	require.NoError(t, db.Model(&models.GachaStatistics{}).
		Where("gacha_id = ?", 7).
		Update("total_draws", 999).Error)

	require.NoError(t, svc.ReconcileAll(context.Background()))

	var stats models.GachaStatistics
	require.NoError(t, db.First(&stats, "gacha_id = ?", 7).Error)
	assert.EqualValues(t, 2, stats.TotalDraws)
	assert.EqualValues(t, 2, stats.UniqueUsers)
	assert.EqualValues(t, 100, stats.TotalRevenue)
}

func TestReconciliationIsIdempotent(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10))
	items := gachaItems(t, db, 7)
	svc := NewStatisticsService(db, nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	insertDraw(t, db, 7, items[0].ID, "user-1", base.Add(5*time.Minute))
	insertDraw(t, db, 7, items[0].ID, "user-2", base.Add(10*time.Minute))
	insertDraw(t, db, 7, items[0].ID, "user-1", base.Add(90*time.Minute))

	require.NoError(t, svc.ReconcileAll(context.Background()))
	var first []models.HourlyGachaStat
	require.NoError(t, db.Where("gacha_id = ?", 7).Order("hour ASC").Find(&first).Error)

	require.NoError(t, svc.ReconcileAll(context.Background()))
	var second []models.HourlyGachaStat
	require.NoError(t, db.Where("gacha_id = ?", 7).Order("hour ASC").Find(&second).Error)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, first[i].Hour.Equal(second[i].Hour))
		assert.Equal(t, first[i].DrawCount, second[i].DrawCount)
		assert.Equal(t, first[i].UniqueUsers, second[i].UniqueUsers)
		assert.Equal(t, first[i].Revenue, second[i].Revenue)
	}
}

func TestHourlyStatsBucketing(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10))
	items := gachaItems(t, db, 7)
	svc := NewStatisticsService(db, nil)

	base := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	insertDraw(t, db, 7, items[0].ID, "user-1", base.Add(1*time.Minute))
	insertDraw(t, db, 7, items[0].ID, "user-2", base.Add(59*time.Minute))
	insertDraw(t, db, 7, items[0].ID, "user-1", base.Add(61*time.Minute))

	require.NoError(t, svc.UpdateHourlyStats(context.Background(), 7))

	var rows []models.HourlyGachaStat
	require.NoError(t, db.Where("gacha_id = ?", 7).Order("hour ASC").Find(&rows).Error)
	require.Len(t, rows, 2)

	assert.True(t, rows[0].Hour.Equal(base), "got bucket %s", rows[0].Hour)
	assert.EqualValues(t, 2, rows[0].DrawCount)
	assert.EqualValues(t, 2, rows[0].UniqueUsers)
	assert.EqualValues(t, 200, rows[0].Revenue)

	assert.True(t, rows[1].Hour.Equal(base.Add(time.Hour)), "got bucket %s", rows[1].Hour)
	assert.EqualValues(t, 1, rows[1].DrawCount)
	assert.EqualValues(t, 1, rows[1].UniqueUsers)

	// Hour buckets partition the log: the sums match the totals.
	assert.EqualValues(t, 3, rows[0].DrawCount+rows[1].DrawCount)
}

func TestDemographicStatsCohorts(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10))
	items := gachaItems(t, db, 7)
	svc := NewStatisticsService(db, nil)
	svc.CohortFor = func(userID string) string {
		if userID == "user-1" {
			return "18-24"
		}
		return "25-34"
	}
	now := time.Now()

	insertDraw(t, db, 7, items[0].ID, "user-1", now)
	insertDraw(t, db, 7, items[0].ID, "user-2", now)
	insertDraw(t, db, 7, items[0].ID, "user-3", now)

	require.NoError(t, svc.UpdateDemographicStats(context.Background(), 7))

	var rows []models.DemographicStat
	require.NoError(t, db.Where("gacha_id = ?", 7).Order("cohort ASC").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, "18-24", rows[0].Cohort)
	assert.EqualValues(t, 1, rows[0].DrawCount)
	assert.Equal(t, "25-34", rows[1].Cohort)
	assert.EqualValues(t, 2, rows[1].DrawCount)
	assert.EqualValues(t, 2, rows[1].UniqueUsers)
}

func TestGetGachaStatsReadThroughCache(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10))
	items := gachaItems(t, db, 7)
	cache := newTestCache(t, 16)
	svc := NewStatisticsService(db, cache)
	ctx := context.Background()

	insertDraw(t, db, 7, items[0].ID, "user-1", time.Now())
	require.NoError(t, svc.UpdateBasicStatsRealtime(7))

	first, err := svc.GetGachaStats(ctx, 7, "all")
	require.NoError(t, err)
	assert.Contains(t, string(first), `"total_draws":1`)

	// A write that skips invalidation is invisible until the entry expires
	// or is deleted — that is the read-through contract.
	require.NoError(t, db.Model(&models.GachaStatistics{}).
		Where("gacha_id = ?", 7).
		Update("total_draws", 42).Error)

	cached, err := svc.GetGachaStats(ctx, 7, "all")
	require.NoError(t, err)
	assert.Equal(t, string(first), string(cached))

	cache.DeletePattern(ctx, GachaStatsPattern(7))
	fresh, err := svc.GetGachaStats(ctx, 7, "all")
	require.NoError(t, err)
	assert.Contains(t, string(fresh), `"total_draws":42`)
}

func TestGetGachaStatsUnknownRange(t *testing.T) {
	db := newTestDB(t)
	svc := NewStatisticsService(db, nil)
	_, err := svc.GetGachaStats(context.Background(), 7, "yearly")
	assert.Error(t, err)
}

func TestGetGachaStatsMaterializesZeroRow(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 7, 100, intPtr(10))
	svc := NewStatisticsService(db, nil)

	data, err := svc.GetGachaStats(context.Background(), 7, "all")
	require.NoError(t, err)
	assert.Contains(t, string(data), `"total_draws":0`)
}

func TestGetDashboardStatsAggregates(t *testing.T) {
	db := newTestDB(t)
	seedGacha(t, db, 1, 100, intPtr(10))
	seedGacha(t, db, 2, 50, intPtr(10))
	svc := NewStatisticsService(db, nil)
	now := time.Now()

	insertDraw(t, db, 1, gachaItems(t, db, 1)[0].ID, "user-1", now)
	insertDraw(t, db, 2, gachaItems(t, db, 2)[0].ID, "user-1", now)
	insertDraw(t, db, 2, gachaItems(t, db, 2)[0].ID, "user-2", now)
	require.NoError(t, svc.ReconcileAll(context.Background()))

	data, err := svc.GetDashboardStats(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(data), `"gacha_count":2`)
	assert.Contains(t, string(data), `"total_draws":3`)
}
