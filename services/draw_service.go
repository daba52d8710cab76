package services

import (
	"context"
	"errors"
	"log"
	"math/rand"

	"gacha-live-system/models"
	"gacha-live-system/workers"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrNoItemsAvailable = errors.New("gacha has no items")
	ErrOutOfStock       = errors.New("gacha out of stock")
)

// errStockRace: the conditional decrement affected zero rows — another
// draw took the last unit between selection and commit.
var errStockRace = errors.New("lost stock decrement race")

const (
	// MaxDrawCount bounds one request's multi-draw size.
	MaxDrawCount = 10
	// maxStockRetries bounds re-selection after a lost decrement race.
	maxStockRetries = 3
)

type GachaSummary struct {
	ID    uint    `json:"id"`
	Name  string  `json:"name"`
	Price float64 `json:"price"`
}

// DrawOutcome is the result of one draw request. A partially fulfilled
// multi-draw is a valid terminal outcome: Results holds what was produced
// and Unfulfilled counts the units the pool could not cover.
type DrawOutcome struct {
	Results     []models.DrawResult `json:"results"`
	Item        *models.GachaItem   `json:"item"` // last item drawn
	Gacha       GachaSummary        `json:"gacha"`
	Unfulfilled int                 `json:"unfulfilled"`
}

// StockUpdateEvent is the payload fanned out to stock stream subscribers.
// Stocks are summed over the gacha's finite-stock items.
type StockUpdateEvent struct {
	GachaID      uint `json:"gachaId"`
	CurrentStock *int `json:"currentStock"`
	InitialStock *int `json:"initialStock"`
}

// DrawService is the draw coordinator: it owns the only write path to
// GachaItem.stock and the only insert path to DrawResult.
type DrawService struct {
	DB     *gorm.DB
	Gachas *GachaService
	Stats  *StatisticsService
	Cache  *CacheService
	Hub    *BroadcastHub
	Tasks  *workers.Pool
}

func NewDrawService(db *gorm.DB, gachas *GachaService, stats *StatisticsService, cache *CacheService, hub *BroadcastHub, tasks *workers.Pool) *DrawService {
	return &DrawService{DB: db, Gachas: gachas, Stats: stats, Cache: cache, Hub: hub, Tasks: tasks}
}

// Draw performs count unit draws against a public gacha. Per unit: pick
// uniformly among items with remaining (or unlimited) stock, then insert
// the DrawResult and conditionally decrement stock in one transaction.
// Stock can never go negative — the decrement is guarded by `stock > 0`
// at commit time and a lost race retries against a refreshed eligible set.
func (s *DrawService) Draw(ctx context.Context, gachaID uint, userID string, count int) (*DrawOutcome, error) {
	if count < 1 {
		count = 1
	}
	if count > MaxDrawCount {
		count = MaxDrawCount
	}

	gacha, err := s.Gachas.GetPublicGacha(gachaID)
	if err != nil {
		return nil, err
	}
	if len(gacha.Items) == 0 {
		return nil, ErrNoItemsAvailable
	}

	outcome := &DrawOutcome{
		Gacha: GachaSummary{ID: gacha.ID, Name: gacha.Name, Price: gacha.Price},
	}

	for unit := 0; unit < count; unit++ {
		result, item, err := s.drawOne(ctx, gacha.ID, userID)
		if errors.Is(err, ErrOutOfStock) {
			break
		}
		if err != nil {
			if len(outcome.Results) == 0 {
				return nil, err
			}
			log.Printf("[Draw] unit %d failed after partial fulfillment on gacha %d: %v", unit, gacha.ID, err)
			break
		}

		outcome.Results = append(outcome.Results, *result)
		outcome.Item = item

		// Incremental stats run right after the commit; failure is logged
		// and left for reconciliation — the draw itself is ground truth.
		if s.Stats != nil {
			if err := s.Stats.UpdateBasicStatsRealtime(gacha.ID); err != nil {
				log.Printf("[Draw] stats update failed for gacha %d: %v", gacha.ID, err)
			}
		}
	}

	if len(outcome.Results) == 0 {
		return nil, ErrOutOfStock
	}
	outcome.Unfulfilled = count - len(outcome.Results)

	s.dispatchSideEffects(ctx, gacha.ID)
	return outcome, nil
}

// drawOne executes a single unit draw with bounded retry on race loss.
func (s *DrawService) drawOne(ctx context.Context, gachaID uint, userID string) (*models.DrawResult, *models.GachaItem, error) {
	for attempt := 0; attempt <= maxStockRetries; attempt++ {
		var eligible []models.GachaItem
		if err := s.DB.WithContext(ctx).
			Where("gacha_id = ? AND (stock IS NULL OR stock > 0)", gachaID).
			Find(&eligible).Error; err != nil {
			return nil, nil, err
		}
		if len(eligible) == 0 {
			return nil, nil, ErrOutOfStock
		}

		// Uniform selection over the eligible set. No rarity weighting at
		// this layer.
		pick := eligible[rand.Intn(len(eligible))]

		result := models.DrawResult{
			ID:      uuid.NewString(),
			UserID:  userID,
			GachaID: gachaID,
			ItemID:  pick.ID,
		}

		err := s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := tx.Create(&result).Error; err != nil {
				return err
			}
			if pick.Stock == nil {
				return nil
			}
			res := tx.Model(&models.GachaItem{}).
				Where("id = ? AND stock > 0", pick.ID).
				UpdateColumn("stock", gorm.Expr("stock - 1"))
			if res.Error != nil {
				return res.Error
			}
			if res.RowsAffected == 0 {
				return errStockRace
			}
			return nil
		})
		if errors.Is(err, errStockRace) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}

		var item models.GachaItem
		if err := s.DB.WithContext(ctx).First(&item, pick.ID).Error; err != nil {
			return nil, nil, err
		}
		return &result, &item, nil
	}
	// Contention retry bound exhausted; externally this is out of stock.
	return nil, nil, ErrOutOfStock
}

// dispatchSideEffects queues cache invalidation and live fan-out off the
// request's critical path. With no pool wired (tests) it runs inline.
func (s *DrawService) dispatchSideEffects(ctx context.Context, gachaID uint) {
	s.dispatch(ctx, "invalidate_stats_cache", func(ctx context.Context) error {
		if s.Cache == nil {
			return nil
		}
		s.Cache.DeletePattern(ctx, GachaStatsPattern(gachaID))
		s.Cache.DeletePattern(ctx, DashboardStatsKey)
		return nil
	})
	s.dispatch(ctx, "broadcast_stock_update", func(ctx context.Context) error {
		if s.Hub == nil {
			return nil
		}
		event, err := s.stockEvent(gachaID)
		if err != nil {
			return err
		}
		s.Hub.Publish(GachaChannel(gachaID), "stock-update", event)
		s.Hub.Publish(AllStockChannel, "stock-update", event)
		s.Hub.Publish(DashboardChannel, "stats-update", fiber.Map{"gachaId": gachaID})
		return nil
	})
}

func (s *DrawService) dispatch(ctx context.Context, name string, run func(ctx context.Context) error) {
	if s.Tasks != nil {
		s.Tasks.Submit(name, run)
		return
	}
	if err := run(ctx); err != nil {
		log.Printf("[Draw] side effect %s failed: %v", name, err)
	}
}

// stockEvent builds the per-gacha stock payload from a fresh snapshot.
func (s *DrawService) stockEvent(gachaID uint) (*StockUpdateEvent, error) {
	items, err := s.Gachas.StockSnapshot(gachaID)
	if err != nil {
		return nil, err
	}
	return NewStockUpdateEvent(gachaID, items), nil
}

// NewStockUpdateEvent sums finite stocks across a gacha's items; a gacha
// with only unlimited items reports nil stock.
func NewStockUpdateEvent(gachaID uint, items []models.GachaItem) *StockUpdateEvent {
	event := &StockUpdateEvent{GachaID: gachaID}
	for _, item := range items {
		if item.Stock != nil {
			if event.CurrentStock == nil {
				event.CurrentStock = new(int)
			}
			*event.CurrentStock += *item.Stock
		}
		if item.InitialStock != nil {
			if event.InitialStock == nil {
				event.InitialStock = new(int)
			}
			*event.InitialStock += *item.InitialStock
		}
	}
	return event
}

// DrawHandler handles POST /gachas/:id/draw.
func (s *DrawService) DrawHandler(c *fiber.Ctx) error {
	userID, ok := c.Locals("user_id").(string)
	if !ok || userID == "" {
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "user context missing"})
	}

	gachaID, err := parseGachaID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid gacha id"})
	}

	var body struct {
		Count int `json:"count"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid JSON",
				"cause": err.Error(),
			})
		}
	}
	if body.Count == 0 {
		body.Count = 1
	}

	outcome, err := s.Draw(c.Context(), gachaID, userID, body.Count)
	switch {
	case errors.Is(err, ErrGachaNotFound), errors.Is(err, ErrGachaNotPublic):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "gacha not found"})
	case errors.Is(err, ErrNoItemsAvailable):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "gacha has no items"})
	case errors.Is(err, ErrOutOfStock):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "out of stock"})
	case err != nil:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "draw failed",
			"cause": err.Error(),
		})
	}
	return c.JSON(outcome)
}
