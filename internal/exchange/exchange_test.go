package exchange

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/publications"
	"github.com/ecoswap/ecoswap-api/internal/testutil"
	"github.com/ecoswap/ecoswap-api/internal/types"
)

var start = time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)

// spyRepo counts writes that reach the database.
type spyRepo struct {
	*Database
	mu          sync.Mutex
	creates     int
	transitions int
}

func (r *spyRepo) Create(ctx context.Context, ex *types.Exchange, key *IdempotencyKey) error {
	r.mu.Lock()
	r.creates++
	r.mu.Unlock()
	return r.Database.Create(ctx, ex, key)
}

func (r *spyRepo) Transition(ctx context.Context, id uint, from, to types.ExchangeStatus, at time.Time) (bool, error) {
	r.mu.Lock()
	r.transitions++
	r.mu.Unlock()
	return r.Database.Transition(ctx, id, from, to, at)
}

type fixture struct {
	db       *gorm.DB
	svc      *Service
	repo     *spyRepo
	clock    *clock.Fake
	notifier *testutil.RecordingNotifier

	u1, u2, u3 *types.User
	pubA, pubB *types.Publication
	pubC       *types.Publication
}

// newFixture seeds U1 owning pub A, U2 owning pub B and C, and an
// unrelated U3.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewDB(t)
	f := &fixture{
		db:       db,
		repo:     &spyRepo{Database: NewDatabase(db)},
		clock:    clock.NewFake(start),
		notifier: &testutil.RecordingNotifier{},
	}
	f.svc = NewService(f.repo, publications.NewService(db), f.notifier, f.clock)

	f.u1 = testutil.CreateUser(t, db, "u1")
	f.u2 = testutil.CreateUser(t, db, "u2")
	f.u3 = testutil.CreateUser(t, db, "u3")
	f.pubA = testutil.CreatePublication(t, db, f.u1, "Python book")
	f.pubB = testutil.CreatePublication(t, db, f.u2, "Dell laptop")
	f.pubC = testutil.CreatePublication(t, db, f.u2, "Desk lamp")
	return f
}

// acceptedExchange creates A<-B, accepts it after an hour and clears
// recorded notifications.
func (f *fixture) acceptedExchange(t *testing.T) *types.Exchange {
	t.Helper()
	ctx := context.Background()
	ex, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	f.clock.Advance(time.Hour)
	if _, err := f.svc.Respond(ctx, ex.ID, f.u1.Email, types.StatusAccepted); err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	f.notifier.Reset()
	return ex
}

func (f *fixture) reload(t *testing.T, id uint) *types.Exchange {
	t.Helper()
	ex, err := f.repo.Get(context.Background(), id)
	if err != nil || ex == nil {
		t.Fatalf("reload exchange %d: %v", id, err)
	}
	return ex
}

func TestCreate(t *testing.T) {
	f := newFixture(t)

	ex, err := f.svc.Create(context.Background(), CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	stored := f.reload(t, ex.ID)
	if stored.Status != types.StatusPending {
		t.Fatalf("status = %s", stored.Status)
	}
	if !stored.CreatedAt.Equal(start) {
		t.Fatalf("created_at = %v, want %v", stored.CreatedAt, start)
	}
	if stored.UpdatedAt != nil {
		t.Fatalf("updated_at should be null, got %v", stored.UpdatedAt)
	}

	sent := f.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications, want 1", len(sent))
	}
	n := sent[0]
	if n.Kind != notify.KindNewOffer || n.Recipient != f.u1.Email {
		t.Fatalf("notification = %+v", n)
	}
	if n.Payload[notify.KeyOfferedTitle] != "Dell laptop" || n.Payload[notify.KeyRequestedTitle] != "Python book" {
		t.Fatalf("payload = %+v", n.Payload)
	}
	if n.Payload[notify.KeyActorName] != "u2" {
		t.Fatalf("actor = %q", n.Payload[notify.KeyActorName])
	}
}

func TestCreateWithGivenStatus(t *testing.T) {
	f := newFixture(t)
	ex, err := f.svc.Create(context.Background(), CreateRequest{
		RequestedItemID: f.pubA.ID,
		OfferedItemID:   f.pubB.ID,
		Status:          types.StatusInProcess,
	})
	if err != nil {
		t.Fatal(err)
	}
	if f.reload(t, ex.ID).Status != types.StatusInProcess {
		t.Fatalf("given status not kept")
	}

	if _, err := f.svc.Create(context.Background(), CreateRequest{
		RequestedItemID: f.pubA.ID,
		OfferedItemID:   f.pubB.ID,
		Status:          "DONE",
	}); err != ErrInvalidStatus {
		t.Fatalf("invalid status err = %v", err)
	}
}

func TestCreateUnknownPublicationWritesNothing(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, req := range []CreateRequest{
		{RequestedItemID: 9999, OfferedItemID: f.pubB.ID},
		{RequestedItemID: f.pubA.ID, OfferedItemID: 9999},
	} {
		if _, err := f.svc.Create(ctx, req); err != ErrPublicationNotFound {
			t.Fatalf("err = %v, want ErrPublicationNotFound", err)
		}
	}

	var count int64
	f.db.Model(&types.Exchange{}).Count(&count)
	if count != 0 || f.repo.creates != 0 {
		t.Fatalf("exchanges written: rows=%d creates=%d", count, f.repo.creates)
	}
	if len(f.notifier.Sent()) != 0 {
		t.Fatalf("no notification expected")
	}
}

func TestCreateGuards(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubA.ID}); err != ErrSameItem {
		t.Fatalf("same item err = %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubB.ID, OfferedItemID: f.pubC.ID}); err != ErrOwnPublication {
		t.Fatalf("own publication err = %v", err)
	}
	if _, err := f.svc.Create(ctx, CreateRequest{
		RequestedItemID: f.pubA.ID,
		OfferedItemID:   f.pubB.ID,
		ProposerEmail:   f.u3.Email,
	}); err != ErrOfferForbidden {
		t.Fatalf("foreign offer err = %v", err)
	}
}

func TestCreateIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID, IdempotencyKey: "offer-1"}

	first, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	second, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if first.ID != second.ID {
		t.Fatalf("replay created a new exchange: %d != %d", first.ID, second.ID)
	}
	if len(f.notifier.Sent()) != 1 {
		t.Fatalf("replay must not notify again")
	}

	f.clock.Advance(IdempotencyTTL + time.Minute)
	third, err := f.svc.Create(ctx, req)
	if err != nil {
		t.Fatal(err)
	}
	if third.ID == first.ID {
		t.Fatalf("expired key should allow a new exchange")
	}
}

func TestIdempotencyKeyScopedToProposer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	mine, err := f.svc.Create(ctx, CreateRequest{
		RequestedItemID: f.pubA.ID,
		OfferedItemID:   f.pubB.ID,
		ProposerEmail:   f.u2.Email,
		IdempotencyKey:  "k",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Another user picking the same key gets their own exchange.
	theirs, err := f.svc.Create(ctx, CreateRequest{
		RequestedItemID: f.pubC.ID,
		OfferedItemID:   f.pubA.ID,
		ProposerEmail:   f.u1.Email,
		IdempotencyKey:  "k",
	})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if theirs.ID == mine.ID {
		t.Fatalf("key from u1 replayed u2's exchange %d", mine.ID)
	}
	if theirs.RequestedItemID != f.pubC.ID || theirs.OfferedItemID != f.pubA.ID {
		t.Fatalf("exchange = %+v", theirs)
	}

	var records int64
	f.db.Model(&types.IdempotencyRecord{}).Where("idempotency_key = ?", "k").Count(&records)
	if records != 2 {
		t.Fatalf("idempotency records = %d, want 2", records)
	}
}

func TestIdempotencyKeyReusedForOtherItems(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID, IdempotencyKey: "k"}); err != nil {
		t.Fatal(err)
	}
	_, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubC.ID, IdempotencyKey: "k"})
	if err != ErrKeyReused {
		t.Fatalf("err = %v, want ErrKeyReused", err)
	}
	if f.repo.creates != 1 {
		t.Fatalf("creates = %d, want 1", f.repo.creates)
	}
}

func TestCreateSurvivesNotifierFailure(t *testing.T) {
	f := newFixture(t)
	f.notifier.Err = errors.New("smtp down")

	ex, err := f.svc.Create(context.Background(), CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatalf("notifier failure leaked: %v", err)
	}
	if f.reload(t, ex.ID).Status != types.StatusPending {
		t.Fatalf("exchange not persisted")
	}
}

func TestRespond(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ex, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatal(err)
	}
	f.notifier.Reset()
	f.clock.Advance(2 * time.Hour)

	if _, err := f.svc.Respond(ctx, ex.ID, f.u2.Email, types.StatusAccepted); err != ErrRespondForbidden {
		t.Fatalf("proposer responding err = %v", err)
	}

	got, err := f.svc.Respond(ctx, ex.ID, f.u1.Email, types.StatusRejected)
	if err != nil {
		t.Fatalf("Respond() error = %v", err)
	}
	if got.Status != types.StatusRejected {
		t.Fatalf("status = %s", got.Status)
	}

	stored := f.reload(t, ex.ID)
	if stored.UpdatedAt == nil || stored.UpdatedAt.Before(stored.CreatedAt) {
		t.Fatalf("updated_at = %v, created_at = %v", stored.UpdatedAt, stored.CreatedAt)
	}
	if !stored.UpdatedAt.Equal(start.Add(2 * time.Hour)) {
		t.Fatalf("updated_at = %v", stored.UpdatedAt)
	}

	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Kind != notify.KindOfferResponse || sent[0].Recipient != f.u2.Email {
		t.Fatalf("sent = %+v", sent)
	}
	if sent[0].Payload[notify.KeyStatusLabel] != "Rejected" || sent[0].Payload[notify.KeyActorName] != "u1" {
		t.Fatalf("payload = %+v", sent[0].Payload)
	}

	if _, err := f.svc.Respond(ctx, ex.ID, f.u1.Email, types.StatusAccepted); !types.IsKind(err, types.KindInvalidTransition) {
		t.Fatalf("REJECTED -> ACCEPTED err = %v", err)
	}
}

func TestRespondRejectsIllegalTargets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ex, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatal(err)
	}

	for _, next := range []types.ExchangeStatus{types.StatusPending, types.StatusCancelled} {
		if _, err := f.svc.Respond(ctx, ex.ID, f.u1.Email, next); !types.IsKind(err, types.KindInvalidTransition) {
			t.Fatalf("PENDING -> %s err = %v", next, err)
		}
	}
	if f.repo.transitions != 0 {
		t.Fatalf("illegal transitions reached the database")
	}
}

func TestRespondUnknownExchangeWritesNothing(t *testing.T) {
	f := newFixture(t)
	if _, err := f.svc.Respond(context.Background(), 4242, f.u1.Email, types.StatusAccepted); err != ErrExchangeNotFound {
		t.Fatalf("err = %v, want ErrExchangeNotFound", err)
	}
	if f.repo.transitions != 0 || len(f.notifier.Sent()) != 0 {
		t.Fatalf("unexpected side effects")
	}
}

func TestConcurrentRespondOneWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ex, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatal(err)
	}

	targets := []types.ExchangeStatus{types.StatusAccepted, types.StatusRejected, types.StatusInProcess}
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
	)
	for i := 0; i < 12; i++ {
		wg.Add(1)
		go func(next types.ExchangeStatus) {
			defer wg.Done()
			_, err := f.svc.Respond(ctx, ex.ID, f.u1.Email, next)
			switch {
			case err == nil:
				mu.Lock()
				wins++
				mu.Unlock()
			case err == ErrConcurrentUpdate, types.IsKind(err, types.KindInvalidTransition):
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(targets[i%len(targets)])
	}
	wg.Wait()

	if wins != 1 {
		t.Fatalf("%d responses won, want exactly 1", wins)
	}
}

func TestCancelWithinWindow(t *testing.T) {
	f := newFixture(t)
	ex := f.acceptedExchange(t)
	f.clock.Advance(4 * 24 * time.Hour)

	got, err := f.svc.Cancel(context.Background(), ex.ID, f.u1.Email, "changed mind")
	if err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	if got.Status != types.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}

	stored := f.reload(t, ex.ID)
	if stored.Status != types.StatusCancelled || !stored.UpdatedAt.Equal(f.clock.Now()) {
		t.Fatalf("stored = %+v", stored)
	}

	sent := f.notifier.Sent()
	if len(sent) != 1 {
		t.Fatalf("sent %d notifications", len(sent))
	}
	n := sent[0]
	if n.Kind != notify.KindOfferCancelled || n.Recipient != f.u2.Email {
		t.Fatalf("notification = %+v", n)
	}
	if n.Payload[notify.KeyReason] != "changed mind" || n.Payload[notify.KeyActorName] != "u1" {
		t.Fatalf("payload = %+v", n.Payload)
	}
}

func TestCancelByOfferedOwnerNotifiesRequestedOwner(t *testing.T) {
	f := newFixture(t)
	ex := f.acceptedExchange(t)

	if _, err := f.svc.Cancel(context.Background(), ex.ID, f.u2.Email, ""); err != nil {
		t.Fatal(err)
	}
	sent := f.notifier.Sent()
	if len(sent) != 1 || sent[0].Recipient != f.u1.Email {
		t.Fatalf("sent = %+v", sent)
	}
}

func TestCancelByThirdPartyIsForbidden(t *testing.T) {
	f := newFixture(t)
	ex := f.acceptedExchange(t)

	if _, err := f.svc.Cancel(context.Background(), ex.ID, f.u3.Email, "mine now"); err != ErrCancelForbidden {
		t.Fatalf("err = %v, want ErrCancelForbidden", err)
	}
	if f.reload(t, ex.ID).Status != types.StatusAccepted {
		t.Fatalf("status changed")
	}
	if len(f.notifier.Sent()) != 0 {
		t.Fatalf("no notification expected")
	}
}

func TestCancelAfterWindowExpires(t *testing.T) {
	f := newFixture(t)
	ex := f.acceptedExchange(t)
	f.clock.Advance(6 * 24 * time.Hour)

	if _, err := f.svc.Cancel(context.Background(), ex.ID, f.u1.Email, "too late"); err != ErrWindowExpired {
		t.Fatalf("err = %v, want ErrWindowExpired", err)
	}
	if f.reload(t, ex.ID).Status != types.StatusAccepted {
		t.Fatalf("status changed")
	}
}

func TestCancelWindowBoundary(t *testing.T) {
	f := newFixture(t)
	ex := f.acceptedExchange(t)
	f.clock.Advance(CancellationWindow)

	if _, err := f.svc.Cancel(context.Background(), ex.ID, f.u1.Email, ""); err != nil {
		t.Fatalf("cancel exactly at the deadline err = %v", err)
	}
}

func TestCancelCheckOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.Cancel(ctx, 777, f.u3.Email, ""); err != ErrExchangeNotFound {
		t.Fatalf("missing exchange err = %v", err)
	}

	pending, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID})
	if err != nil {
		t.Fatal(err)
	}
	// Status is checked before permission and window.
	f.clock.Advance(30 * 24 * time.Hour)
	if _, err := f.svc.Cancel(ctx, pending.ID, f.u3.Email, ""); err != ErrNotAccepted {
		t.Fatalf("pending exchange err = %v", err)
	}
	if _, err := f.svc.Cancel(ctx, pending.ID, f.u1.Email, ""); err != ErrNotAccepted {
		t.Fatalf("pending exchange err = %v", err)
	}

	// Permission is checked before the window.
	accepted := f.acceptedExchange(t)
	f.clock.Advance(30 * 24 * time.Hour)
	if _, err := f.svc.Cancel(ctx, accepted.ID, f.u3.Email, ""); err != ErrCancelForbidden {
		t.Fatalf("expired + foreign err = %v", err)
	}
}

func TestCancelAcceptedAtCreation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ex := testutil.CreateExchange(t, f.db, f.pubA, f.pubB, types.StatusAccepted, start, nil)

	f.clock.Advance(6 * 24 * time.Hour)
	if _, err := f.svc.Cancel(ctx, ex.ID, f.u2.Email, ""); err != ErrWindowExpired {
		t.Fatalf("window should start at created_at when never updated, err = %v", err)
	}
}

func TestList(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	accepted := f.acceptedExchange(t)
	pending, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubC.ID})
	if err != nil {
		t.Fatal(err)
	}
	reverse, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubB.ID, OfferedItemID: f.pubA.ID, Status: types.StatusInProcess})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name   string
		email  string
		status string
		role   string
		want   []uint
	}{
		{"requested default", f.u1.Email, "", "", []uint{accepted.ID, pending.ID}},
		{"requested accepted", f.u1.Email, "accepted", "requested", []uint{accepted.ID}},
		{"requested pending", f.u1.Email, "pending", "", []uint{pending.ID}},
		{"offered", f.u1.Email, "", "offered", []uint{reverse.ID}},
		{"offered in progress", f.u1.Email, "in_progress", "offered", []uint{reverse.ID}},
		{"unknown filter", f.u2.Email, "whatever", "offered", []uint{accepted.ID, pending.ID}},
		{"cancelled none", f.u1.Email, "cancelled", "", nil},
		{"stranger", f.u3.Email, "", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.svc.List(ctx, tt.email, tt.status, tt.role)
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if got == nil {
				t.Fatalf("empty result must be an empty slice")
			}
			if len(got) != len(tt.want) {
				t.Fatalf("got %d exchanges, want %d", len(got), len(tt.want))
			}
			for i, ex := range got {
				if ex.ID != tt.want[i] {
					t.Fatalf("got[%d] = %d, want %d", i, ex.ID, tt.want[i])
				}
				if ex.RequestedItem == nil || ex.OfferedItem == nil || ex.RequestedItem.User == nil {
					t.Fatalf("publications not loaded")
				}
			}
		})
	}
}

type failingRepo struct{ Repository }

func (failingRepo) Find(context.Context, Filter) ([]types.Exchange, error) {
	return nil, errors.New("database is locked")
}

func TestListSurfacesFaults(t *testing.T) {
	svc := NewService(failingRepo{}, nil, notify.Discard{}, clock.NewFake(start))
	got, err := svc.List(context.Background(), "u1@test.com", "", "")
	if err == nil {
		t.Fatalf("expected fault to be reported")
	}
	if got != nil {
		t.Fatalf("got = %v", got)
	}
}

func TestPurgeExpiredKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID, IdempotencyKey: "k"}); err != nil {
		t.Fatal(err)
	}

	n, err := f.repo.PurgeExpiredKeys(ctx, start.Add(IdempotencyTTL+time.Second))
	if err != nil || n != 1 {
		t.Fatalf("PurgeExpiredKeys() = %d, %v", n, err)
	}
}

func TestKeySweeperStopsOnCancel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if _, err := f.svc.Create(ctx, CreateRequest{RequestedItemID: f.pubA.ID, OfferedItemID: f.pubB.ID, IdempotencyKey: "sweep"}); err != nil {
		t.Fatal(err)
	}

	sweeper := NewKeySweeper(f.repo.Database, f.clock, time.Hour)
	f.clock.Advance(IdempotencyTTL + time.Minute)
	sweeper.sweep(ctx)

	var count int64
	f.db.Model(&types.IdempotencyRecord{}).Count(&count)
	if count != 0 {
		t.Fatalf("expired keys left: %d", count)
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		sweeper.Start(runCtx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("sweeper did not stop")
	}
}
