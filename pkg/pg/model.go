package pg

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Model is the base of uuid keyed tables. The id is generated client side so
// the same entity works on databases without gen_random_uuid().
type Model struct {
	ID        uuid.UUID `gorm:"primaryKey;type:uuid;column:id"`
	CreatedAt time.Time `gorm:"column:created_at;not null;index"`
	UpdatedAt time.Time `gorm:"column:updated_at"`
}

func (m *Model) BeforeCreate(_ *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
