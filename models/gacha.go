// models/gacha.go
package models

import (
	"time"

	"gorm.io/gorm"
)

const (
	GachaStatusDraft     = "draft"
	GachaStatusPublished = "published"
	GachaStatusArchived  = "archived"
)

// GachaDefinition is read-only input for the draw engine — the CRUD side
// lives in another service, we only look it up.
type GachaDefinition struct {
	ID    uint    `json:"id" gorm:"primaryKey"`
	Name  string  `json:"name" gorm:"not null"`
	Price float64 `json:"price" gorm:"not null;default:0"`

	// 🎛️ Publishing state — a gacha is drawable only while published and
	// inside its display window (either bound may be open-ended).
	Status         string     `json:"status" gorm:"default:'draft'"`
	DisplayStartAt *time.Time `json:"display_start_at"`
	DisplayEndAt   *time.Time `json:"display_end_at"`

	OwnerID string `json:"owner_id" gorm:"index"`

	Items []GachaItem `json:"items" gorm:"foreignKey:GachaID"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"deleted_at,omitempty" gorm:"index"`
}

// GachaItem carries the only piece of state this engine is allowed to
// mutate: Stock. A nil Stock means unlimited supply.
type GachaItem struct {
	ID      uint   `json:"id" gorm:"primaryKey"`
	GachaID uint   `json:"gacha_id" gorm:"index;not null"`
	Name    string `json:"name" gorm:"not null"`

	Stock        *int `json:"stock"`         // nil = unlimited
	InitialStock *int `json:"initial_stock"` // nil = unlimited

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Unlimited reports whether the item has no stock bound.
func (i *GachaItem) Unlimited() bool {
	return i.Stock == nil
}

// DrawResult is the append-only audit log. Rows are created by the draw
// coordinator and never updated or deleted — every aggregate is derivable
// from this table alone.
type DrawResult struct {
	ID      string `json:"id" gorm:"primaryKey;type:uuid"`
	UserID  string `json:"user_id" gorm:"index;not null"`
	GachaID uint   `json:"gacha_id" gorm:"index;not null"`
	ItemID  uint   `json:"item_id" gorm:"index;not null"`

	CreatedAt time.Time `json:"created_at" gorm:"index"`
}
