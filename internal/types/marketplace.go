package types

import (
	"time"
)

// User is a marketplace account. Credentials and session tokens never
// leave the server.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;not null" json:"name"`
	Email     string    `gorm:"size:254;uniqueIndex;not null" json:"email"`
	Phone     string    `gorm:"size:20;uniqueIndex;not null" json:"phone"`
	Address   string    `gorm:"size:100" json:"address"`
	Password  string    `gorm:"size:256;not null" json:"-"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"-"`

	Token               string     `json:"-"`
	RefreshToken        string     `json:"-"`
	TokenExpires        *time.Time `json:"-"`
	RefreshTokenExpires *time.Time `json:"-"`

	ResetCode        string     `gorm:"size:6" json:"-"`
	ResetCodeExpires *time.Time `json:"-"`
	ResetCodeUsed    bool       `json:"-"`
}

// Category groups publications by kind of item.
type Category struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Condition describes the physical state of a listed item, such as "new"
// or "used".
type Condition struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Name      string    `gorm:"size:100;uniqueIndex;not null" json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Publication is an item listing owned by a user. Category and condition
// are optional.
type Publication struct {
	ID          uint       `gorm:"primaryKey" json:"id"`
	UserID      uint       `gorm:"index;not null" json:"user_id"`
	User        *User      `gorm:"constraint:OnDelete:CASCADE" json:"owner,omitempty"`
	CategoryID  *uint      `gorm:"index" json:"category_id"`
	Category    *Category  `gorm:"constraint:OnDelete:SET NULL" json:"category,omitempty"`
	ConditionID *uint      `gorm:"index" json:"condition_id"`
	Condition   *Condition `gorm:"constraint:OnDelete:SET NULL" json:"condition,omitempty"`
	Title       string     `gorm:"size:200;not null" json:"title"`
	Description string     `gorm:"type:text" json:"description"`
	Location    string     `gorm:"size:200" json:"location"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// FavoritePublication marks a publication a user wants to keep an eye on.
type FavoritePublication struct {
	ID            uint         `gorm:"primaryKey" json:"id"`
	UserID        uint         `gorm:"uniqueIndex:idx_favorite_user_publication;not null" json:"user_id"`
	PublicationID uint         `gorm:"uniqueIndex:idx_favorite_user_publication;not null" json:"publication_id"`
	Publication   *Publication `gorm:"constraint:OnDelete:CASCADE" json:"publication,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// IdempotencyRecord remembers which resource a client-supplied key
// produced so that retried requests return the original result. Keys are
// scoped to the user who sent them.
type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	UserID         uint      `gorm:"uniqueIndex:idx_idempotency_user_key_type;not null" json:"user_id"`
	IdempotencyKey string    `gorm:"size:128;uniqueIndex:idx_idempotency_user_key_type;not null" json:"idempotency_key"`
	ResourceID     uint      `json:"resource_id"`
	ResourceType   string    `gorm:"size:32;uniqueIndex:idx_idempotency_user_key_type" json:"resource_type"`
	ExpiresAt      time.Time `json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
