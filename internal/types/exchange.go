package types

import (
	"strings"
	"time"
)

// ExchangeStatus is the lifecycle state of an Exchange.
type ExchangeStatus string

const (
	StatusPending   ExchangeStatus = "PENDING"
	StatusInProcess ExchangeStatus = "IN_PROCESS"
	StatusAccepted  ExchangeStatus = "ACCEPTED"
	StatusRejected  ExchangeStatus = "REJECTED"
	StatusCancelled ExchangeStatus = "CANCELLED"
)

var statusLabels = map[ExchangeStatus]string{
	StatusPending:   "Pending",
	StatusInProcess: "In process",
	StatusAccepted:  "Accepted",
	StatusRejected:  "Rejected",
	StatusCancelled: "Cancelled",
}

// responseTransitions lists every status a PENDING offer may move to when
// its recipient answers. Cancellation is handled separately because it
// has its own guards.
var responseTransitions = map[ExchangeStatus][]ExchangeStatus{
	StatusPending: {StatusAccepted, StatusRejected, StatusInProcess},
}

// ParseExchangeStatus accepts the canonical upper-case names and their
// lower-case forms.
func ParseExchangeStatus(s string) (ExchangeStatus, bool) {
	st := ExchangeStatus(strings.ToUpper(strings.TrimSpace(s)))
	_, ok := statusLabels[st]
	return st, ok
}

// Valid reports whether s is one of the known statuses.
func (s ExchangeStatus) Valid() bool {
	_, ok := statusLabels[s]
	return ok
}

// Label is the human-readable form used in notifications.
func (s ExchangeStatus) Label() string {
	if l, ok := statusLabels[s]; ok {
		return l
	}
	return string(s)
}

// CanRespondWith reports whether a response may move an exchange from s
// to next.
func (s ExchangeStatus) CanRespondWith(next ExchangeStatus) bool {
	for _, allowed := range responseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Exchange is a proposed barter between two publications. UpdatedAt is
// nil until the first status transition.
type Exchange struct {
	ID              uint           `gorm:"primaryKey" json:"id"`
	RequestedItemID uint           `gorm:"index;not null" json:"requested_item_id"`
	RequestedItem   *Publication   `gorm:"constraint:OnDelete:RESTRICT" json:"requested_item,omitempty"`
	OfferedItemID   uint           `gorm:"index;not null" json:"offered_item_id"`
	OfferedItem     *Publication   `gorm:"constraint:OnDelete:RESTRICT" json:"offered_item,omitempty"`
	Status          ExchangeStatus `gorm:"size:20;index;not null" json:"status"`
	CreatedAt       time.Time      `gorm:"autoCreateTime:false" json:"created_at"`
	UpdatedAt       *time.Time     `gorm:"autoUpdateTime:false" json:"updated_at"`
}

// Rating is one participant's review of the other party of an exchange.
type Rating struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	ExchangeID  uint      `gorm:"uniqueIndex:idx_rating_exchange_reviewer;not null" json:"exchange_id"`
	Exchange    *Exchange `gorm:"constraint:OnDelete:CASCADE" json:"-"`
	ReviewerID  uint      `gorm:"uniqueIndex:idx_rating_exchange_reviewer;not null" json:"reviewer_id"`
	RatedUserID uint      `gorm:"index;not null" json:"rated_user_id"`
	Rating      int       `gorm:"not null" json:"rating"`
	Comment     string    `gorm:"type:text" json:"comment"`
	CreatedAt   time.Time `json:"created_at"`
}

// ReputationScore keeps a running sum and count so the mean is updated in
// constant time for every new rating.
type ReputationScore struct {
	ID        uint      `gorm:"primaryKey" json:"-"`
	UserID    uint      `gorm:"uniqueIndex;not null" json:"user_id"`
	Sum       int64     `gorm:"not null;default:0" json:"-"`
	Count     int64     `gorm:"not null;default:0" json:"count"`
	Score     float64   `gorm:"not null;default:0" json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}
