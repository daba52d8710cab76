package services

import (
	"errors"
	"time"

	"gacha-live-system/models"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

var (
	ErrGachaNotFound  = errors.New("gacha not found")
	ErrGachaNotPublic = errors.New("gacha not public")
)

// GachaService is the read-only view onto gacha definitions owned by the
// external CRUD service. The draw engine never writes to these tables
// except for GachaItem.stock.
type GachaService struct {
	DB *gorm.DB
}

func NewGachaService(db *gorm.DB) *GachaService {
	return &GachaService{DB: db}
}

// GetPublicGacha loads a gacha with its items and verifies it is drawable:
// published, and inside its display window when one is configured.
func (s *GachaService) GetPublicGacha(gachaID uint) (*models.GachaDefinition, error) {
	var gacha models.GachaDefinition
	if err := s.DB.Preload("Items").First(&gacha, "id = ?", gachaID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrGachaNotFound
		}
		return nil, err
	}
	if !isPublic(&gacha, time.Now()) {
		return nil, ErrGachaNotPublic
	}
	return &gacha, nil
}

func isPublic(g *models.GachaDefinition, now time.Time) bool {
	if g.Status != models.GachaStatusPublished {
		return false
	}
	if g.DisplayStartAt != nil && now.Before(*g.DisplayStartAt) {
		return false
	}
	if g.DisplayEndAt != nil && now.After(*g.DisplayEndAt) {
		return false
	}
	return true
}

// StockSnapshot returns the current stock state for one gacha's items.
func (s *GachaService) StockSnapshot(gachaID uint) ([]models.GachaItem, error) {
	var items []models.GachaItem
	err := s.DB.Where("gacha_id = ?", gachaID).Order("id ASC").Find(&items).Error
	return items, err
}

// AllStockSnapshot returns stock state across every published gacha, used
// as the initial event on the global stock stream.
func (s *GachaService) AllStockSnapshot() ([]models.GachaItem, error) {
	var items []models.GachaItem
	err := s.DB.
		Joins("JOIN gacha_definitions ON gacha_definitions.id = gacha_items.gacha_id").
		Where("gacha_definitions.status = ? AND gacha_definitions.deleted_at IS NULL", models.GachaStatusPublished).
		Order("gacha_items.gacha_id ASC, gacha_items.id ASC").
		Find(&items).Error
	return items, err
}

// GetGachaHandler returns a public gacha with its items.
func (s *GachaService) GetGachaHandler(c *fiber.Ctx) error {
	gachaID, err := parseGachaID(c)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid gacha id"})
	}
	gacha, err := s.GetPublicGacha(gachaID)
	if err != nil {
		if errors.Is(err, ErrGachaNotFound) || errors.Is(err, ErrGachaNotPublic) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "gacha not found"})
		}
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "DB error fetching gacha",
			"cause": err.Error(),
		})
	}
	return c.JSON(gacha)
}

func parseGachaID(c *fiber.Ctx) (uint, error) {
	id, err := c.ParamsInt("id")
	if err != nil || id <= 0 {
		return 0, fiber.ErrBadRequest
	}
	return uint(id), nil
}
