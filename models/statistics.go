package models

import "time"

// GachaStatistics is the denormalized per-gacha counter row. It is derived
// entirely from DrawResult and may be rebuilt from scratch at any time;
// the aggregator's upsert (keyed on GachaID) is the only mutation path.
type GachaStatistics struct {
	ID      uint `json:"id" gorm:"primaryKey"`
	GachaID uint `json:"gacha_id" gorm:"uniqueIndex;not null"`

	TotalDraws        int64   `json:"total_draws" gorm:"default:0"`
	UniqueUsers       int64   `json:"unique_users" gorm:"default:0"`
	TotalRevenue      float64 `json:"total_revenue" gorm:"default:0"`
	MostPopularItemID *uint   `json:"most_popular_item_id"`

	LastCalculatedAt time.Time `json:"last_calculated_at"`
}

// HourlyGachaStat holds one hour bucket of draw activity for a gacha,
// rebuilt wholesale by the reconciliation job.
type HourlyGachaStat struct {
	ID      uint      `json:"id" gorm:"primaryKey"`
	GachaID uint      `json:"gacha_id" gorm:"index:idx_hourly_gacha_hour,unique;not null"`
	Hour    time.Time `json:"hour" gorm:"index:idx_hourly_gacha_hour,unique;not null"`

	DrawCount   int64   `json:"draw_count" gorm:"default:0"`
	UniqueUsers int64   `json:"unique_users" gorm:"default:0"`
	Revenue     float64 `json:"revenue" gorm:"default:0"`

	CalculatedAt time.Time `json:"calculated_at"`
}

// DemographicStat buckets draws by user cohort. The cohort label comes
// from the external profile service; when that lookup is absent the
// aggregator falls back to coarse user-id cohorts so the table still
// reconciles.
type DemographicStat struct {
	ID      uint   `json:"id" gorm:"primaryKey"`
	GachaID uint   `json:"gacha_id" gorm:"index:idx_demo_gacha_cohort,unique;not null"`
	Cohort  string `json:"cohort" gorm:"index:idx_demo_gacha_cohort,unique;not null"`

	DrawCount   int64 `json:"draw_count" gorm:"default:0"`
	UniqueUsers int64 `json:"unique_users" gorm:"default:0"`

	CalculatedAt time.Time `json:"calculated_at"`
}
