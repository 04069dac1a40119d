// Package testutil provides fixtures shared by package tests: a migrated
// in-memory database, seed helpers and a recording notifier.
package testutil

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/database"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/types"
)

// NewDB returns a migrated private in-memory SQLite database. A single
// connection serialises access the way a row lock would.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared&_foreign_keys=on", uuid.NewString())
	db, err := database.Open(sqlite.Open(dsn))
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("underlying sql.DB: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })

	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

// CreateUser inserts a user whose email and phone derive from name.
func CreateUser(t testing.TB, db *gorm.DB, name string) *types.User {
	t.Helper()

	user := &types.User{
		Name:     name,
		Email:    name + "@test.com",
		Phone:    uniquePhone(),
		Address:  "Street 1",
		Password: "not-a-real-hash",
	}
	if err := db.Create(user).Error; err != nil {
		t.Fatalf("create user %s: %v", name, err)
	}
	return user
}

// CreatePublication inserts a publication owned by owner.
func CreatePublication(t testing.TB, db *gorm.DB, owner *types.User, title string) *types.Publication {
	t.Helper()

	pub := &types.Publication{
		UserID:      owner.ID,
		Title:       title,
		Description: title + " description",
	}
	if err := db.Create(pub).Error; err != nil {
		t.Fatalf("create publication %s: %v", title, err)
	}
	pub.User = owner
	return pub
}

// CreateExchange inserts an exchange directly, bypassing the engine.
func CreateExchange(t testing.TB, db *gorm.DB, requested, offered *types.Publication, status types.ExchangeStatus, createdAt time.Time, updatedAt *time.Time) *types.Exchange {
	t.Helper()

	ex := &types.Exchange{
		RequestedItemID: requested.ID,
		OfferedItemID:   offered.ID,
		Status:          status,
		CreatedAt:       createdAt,
		UpdatedAt:       updatedAt,
	}
	if err := db.Create(ex).Error; err != nil {
		t.Fatalf("create exchange: %v", err)
	}
	return ex
}

var (
	phoneMu   sync.Mutex
	phoneNext = 3000000000
)

func uniquePhone() string {
	phoneMu.Lock()
	defer phoneMu.Unlock()
	phoneNext++
	return fmt.Sprintf("%d", phoneNext)
}

// RecordingNotifier captures notifications instead of delivering them.
type RecordingNotifier struct {
	mu   sync.Mutex
	sent []notify.Notification
	// Err, when set, is returned from every Notify call after recording.
	Err error
}

// Notify records n.
func (r *RecordingNotifier) Notify(_ context.Context, n notify.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.Err
}

// Sent returns a copy of everything recorded so far.
func (r *RecordingNotifier) Sent() []notify.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notify.Notification, len(r.sent))
	copy(out, r.sent)
	return out
}

// Reset forgets recorded notifications.
func (r *RecordingNotifier) Reset() {
	r.mu.Lock()
	r.sent = nil
	r.mu.Unlock()
}
