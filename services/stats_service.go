package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"gacha-live-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	realtimeStatsTTL  = 30 * time.Second
	aggregateStatsTTL = 10 * time.Minute

	reconcileBatchSize = 500
)

// StatisticsService maintains the denormalized per-gacha counters. Both
// update paths recompute from the DrawResult log, so repeating either is
// always safe — reconciliation is the drift repair for incremental
// updates lost to crashes between draw commit and stats upsert.
type StatisticsService struct {
	DB    *gorm.DB
	Cache *CacheService

	// CohortFor maps a user id to a demographic cohort label. The real
	// mapping comes from the external profile service; the default keeps
	// the table reconcilable without it.
	CohortFor func(userID string) string
}

func NewStatisticsService(db *gorm.DB, cache *CacheService) *StatisticsService {
	return &StatisticsService{
		DB:        db,
		Cache:     cache,
		CohortFor: func(string) string { return "unknown" },
	}
}

// UpdateBasicStatsRealtime recomputes a gacha's counters with one pass
// over its slice of the draw log and upserts the statistics row. Keyed
// uniquely on gacha_id, concurrent calls serialize on the upsert instead
// of corrupting each other.
func (s *StatisticsService) UpdateBasicStatsRealtime(gachaID uint) error {
	var agg struct {
		TotalDraws  int64
		UniqueUsers int64
	}
	if err := s.DB.Model(&models.DrawResult{}).
		Select("COUNT(*) AS total_draws, COUNT(DISTINCT user_id) AS unique_users").
		Where("gacha_id = ?", gachaID).
		Scan(&agg).Error; err != nil {
		return fmt.Errorf("aggregate draw log for gacha %d: %w", gachaID, err)
	}

	stats := models.GachaStatistics{
		GachaID:          gachaID,
		TotalDraws:       agg.TotalDraws,
		UniqueUsers:      agg.UniqueUsers,
		TotalRevenue:     float64(agg.TotalDraws) * s.gachaPrice(gachaID),
		LastCalculatedAt: time.Now(),
	}

	var popular []struct {
		ItemID uint
		Cnt    int64
	}
	if err := s.DB.Model(&models.DrawResult{}).
		Select("item_id, COUNT(*) AS cnt").
		Where("gacha_id = ?", gachaID).
		Group("item_id").
		Order("cnt DESC").
		Limit(1).
		Scan(&popular).Error; err != nil {
		return fmt.Errorf("most popular item for gacha %d: %w", gachaID, err)
	}
	if len(popular) > 0 {
		itemID := popular[0].ItemID
		stats.MostPopularItemID = &itemID
	}

	return s.DB.Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "gacha_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"total_draws", "unique_users", "total_revenue",
			"most_popular_item_id", "last_calculated_at",
		}),
	}).Create(&stats).Error
}

func (s *StatisticsService) gachaPrice(gachaID uint) float64 {
	var gacha models.GachaDefinition
	if err := s.DB.Unscoped().Select("id, price").First(&gacha, "id = ?", gachaID).Error; err != nil {
		return 0
	}
	return gacha.Price
}

// ReconcileAll is the periodic self-healing pass: every gacha that ever
// recorded a draw gets its basic, hourly, and demographic stats rebuilt
// from the log. Failures are logged per gacha and retried next run.
func (s *StatisticsService) ReconcileAll(ctx context.Context) error {
	var gachaIDs []uint
	if err := s.DB.WithContext(ctx).Model(&models.DrawResult{}).
		Distinct("gacha_id").
		Pluck("gacha_id", &gachaIDs).Error; err != nil {
		return fmt.Errorf("list gachas with draws: %w", err)
	}

	var firstErr error
	for _, id := range gachaIDs {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.UpdateBasicStatsRealtime(id); err != nil {
			log.Printf("[Stats] basic reconcile failed for gacha %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.UpdateHourlyStats(ctx, id); err != nil {
			log.Printf("[Stats] hourly reconcile failed for gacha %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
		if err := s.UpdateDemographicStats(ctx, id); err != nil {
			log.Printf("[Stats] demographic reconcile failed for gacha %d: %v", id, err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// UpdateHourlyStats rebuilds a gacha's hour buckets from scratch. The log
// is scanned in bounded batches; bucketing happens in Go so the recompute
// is dialect-neutral.
func (s *StatisticsService) UpdateHourlyStats(ctx context.Context, gachaID uint) error {
	type hourAccum struct {
		draws int64
		users map[string]struct{}
	}
	buckets := make(map[time.Time]*hourAccum)

	var batch []models.DrawResult
	err := s.DB.WithContext(ctx).
		Where("gacha_id = ?", gachaID).
		FindInBatches(&batch, reconcileBatchSize, func(tx *gorm.DB, _ int) error {
			for _, r := range batch {
				hour := r.CreatedAt.UTC().Truncate(time.Hour)
				acc, ok := buckets[hour]
				if !ok {
					acc = &hourAccum{users: make(map[string]struct{})}
					buckets[hour] = acc
				}
				acc.draws++
				acc.users[r.UserID] = struct{}{}
			}
			return nil
		}).Error
	if err != nil {
		return err
	}

	price := s.gachaPrice(gachaID)
	now := time.Now()
	rows := make([]models.HourlyGachaStat, 0, len(buckets))
	for hour, acc := range buckets {
		rows = append(rows, models.HourlyGachaStat{
			GachaID:      gachaID,
			Hour:         hour,
			DrawCount:    acc.draws,
			UniqueUsers:  int64(len(acc.users)),
			Revenue:      float64(acc.draws) * price,
			CalculatedAt: now,
		})
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gacha_id = ?", gachaID).Delete(&models.HourlyGachaStat{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, reconcileBatchSize).Error
	})
}

// UpdateDemographicStats rebuilds a gacha's cohort buckets from the log.
func (s *StatisticsService) UpdateDemographicStats(ctx context.Context, gachaID uint) error {
	type cohortAccum struct {
		draws int64
		users map[string]struct{}
	}
	buckets := make(map[string]*cohortAccum)

	var batch []models.DrawResult
	err := s.DB.WithContext(ctx).
		Where("gacha_id = ?", gachaID).
		FindInBatches(&batch, reconcileBatchSize, func(tx *gorm.DB, _ int) error {
			for _, r := range batch {
				cohort := s.CohortFor(r.UserID)
				acc, ok := buckets[cohort]
				if !ok {
					acc = &cohortAccum{users: make(map[string]struct{})}
					buckets[cohort] = acc
				}
				acc.draws++
				acc.users[r.UserID] = struct{}{}
			}
			return nil
		}).Error
	if err != nil {
		return err
	}

	now := time.Now()
	rows := make([]models.DemographicStat, 0, len(buckets))
	for cohort, acc := range buckets {
		rows = append(rows, models.DemographicStat{
			GachaID:      gachaID,
			Cohort:       cohort,
			DrawCount:    acc.draws,
			UniqueUsers:  int64(len(acc.users)),
			CalculatedAt: now,
		})
	}

	return s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("gacha_id = ?", gachaID).Delete(&models.DemographicStat{}).Error; err != nil {
			return err
		}
		if len(rows) == 0 {
			return nil
		}
		return tx.CreateInBatches(rows, reconcileBatchSize).Error
	})
}

// GetGachaStats is the cache-read path for one gacha. Range "all" serves
// the denormalized counter row (short TTL), "hourly" the last 24 hour
// buckets (longer TTL).
func (s *StatisticsService) GetGachaStats(ctx context.Context, gachaID uint, statsRange string) (json.RawMessage, error) {
	if statsRange != "all" && statsRange != "hourly" {
		return nil, fmt.Errorf("unknown stats range %q", statsRange)
	}

	key := GachaStatsKey(gachaID, statsRange)
	if s.Cache != nil {
		if cached, ok := s.Cache.Get(ctx, key); ok {
			return cached, nil
		}
	}

	var payload interface{}
	ttl := realtimeStatsTTL
	switch statsRange {
	case "all":
		stats, err := s.loadBasicStats(gachaID)
		if err != nil {
			return nil, err
		}
		payload = stats
	case "hourly":
		var rows []models.HourlyGachaStat
		since := time.Now().UTC().Truncate(time.Hour).Add(-24 * time.Hour)
		if err := s.DB.WithContext(ctx).
			Where("gacha_id = ? AND hour >= ?", gachaID, since).
			Order("hour ASC").
			Find(&rows).Error; err != nil {
			return nil, err
		}
		payload = rows
		ttl = aggregateStatsTTL
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, key, data, ttl)
	}
	return data, nil
}

func (s *StatisticsService) loadBasicStats(gachaID uint) (*models.GachaStatistics, error) {
	var stats models.GachaStatistics
	err := s.DB.Where("gacha_id = ?", gachaID).First(&stats).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		// First read before any draw: materialize a zero row.
		if err := s.UpdateBasicStatsRealtime(gachaID); err != nil {
			return nil, err
		}
		err = s.DB.Where("gacha_id = ?", gachaID).First(&stats).Error
	}
	if err != nil {
		return nil, err
	}
	return &stats, nil
}

// GetDashboardStats aggregates across every gacha for the global dashboard.
func (s *StatisticsService) GetDashboardStats(ctx context.Context) (json.RawMessage, error) {
	if s.Cache != nil {
		if cached, ok := s.Cache.Get(ctx, DashboardStatsKey); ok {
			return cached, nil
		}
	}

	var totals struct {
		GachaCount   int64
		TotalDraws   int64
		UniqueUsers  int64
		TotalRevenue float64
	}
	if err := s.DB.WithContext(ctx).Model(&models.GachaStatistics{}).
		Select("COUNT(*) AS gacha_count, COALESCE(SUM(total_draws),0) AS total_draws, COALESCE(SUM(unique_users),0) AS unique_users, COALESCE(SUM(total_revenue),0) AS total_revenue").
		Scan(&totals).Error; err != nil {
		return nil, err
	}

	var perGacha []models.GachaStatistics
	if err := s.DB.WithContext(ctx).Order("total_draws DESC").Limit(20).Find(&perGacha).Error; err != nil {
		return nil, err
	}

	data, err := json.Marshal(fiber.Map{
		"gacha_count":   totals.GachaCount,
		"total_draws":   totals.TotalDraws,
		"unique_users":  totals.UniqueUsers,
		"total_revenue": totals.TotalRevenue,
		"top_gachas":    perGacha,
		"generated_at":  time.Now(),
	})
	if err != nil {
		return nil, err
	}
	if s.Cache != nil {
		s.Cache.Set(ctx, DashboardStatsKey, data, realtimeStatsTTL)
	}
	return data, nil
}

// GachaStatsHandler handles GET /gachas/:id/stats?range=all|hourly.
func (s *StatisticsService) GachaStatsHandler(c *fiber.Ctx) error {
	gachaID, err := parseGachaID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid gacha id"})
	}
	statsRange := c.Query("range", "all")

	data, err := s.GetGachaStats(c.Context(), gachaID, statsRange)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load gacha stats",
			"cause": err.Error(),
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(data)
}

// DashboardStatsHandler handles GET /dashboard/stats.
func (s *StatisticsService) DashboardStatsHandler(c *fiber.Ctx) error {
	data, err := s.GetDashboardStats(c.Context())
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to load dashboard stats",
			"cause": err.Error(),
		})
	}
	c.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	return c.Send(data)
}

// RefreshStatsHandler handles POST /admin/stats/refresh: drop every stats
// cache entry and kick a full reconciliation in the background.
func (s *StatisticsService) RefreshStatsHandler(c *fiber.Ctx) error {
	if s.Cache != nil {
		s.Cache.DeletePattern(c.Context(), "gacha_stats_*")
		s.Cache.DeletePattern(c.Context(), DashboardStatsKey)
	}
	go func() {
		if err := s.ReconcileAll(context.Background()); err != nil {
			log.Printf("[Stats] manual reconcile failed: %v", err)
		}
	}()
	return c.JSON(fiber.Map{"message": "statistics refresh scheduled"})
}
