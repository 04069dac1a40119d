// Package exchange implements the barter lifecycle: proposing an exchange,
// answering it, cancelling an accepted one within the cancellation window
// and listing a user's exchanges.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/ecoswap/ecoswap-api/internal/clock"
	"github.com/ecoswap/ecoswap-api/internal/notify"
	"github.com/ecoswap/ecoswap-api/internal/types"
)

const (
	// CancellationWindow is how long after acceptance either party may
	// still cancel.
	CancellationWindow = 5 * 24 * time.Hour

	// IdempotencyTTL is how long a create request can be replayed.
	IdempotencyTTL = 24 * time.Hour
)

var (
	ErrExchangeNotFound    = types.NewError(types.KindNotFound, "exchange not found")
	ErrPublicationNotFound = types.NewError(types.KindNotFound, "publication not found")
	ErrNotAccepted         = types.NewError(types.KindInvalidState, "only accepted offers can be cancelled")
	ErrCancelForbidden     = types.NewError(types.KindUnauthorized, "you do not have permission to cancel this exchange")
	ErrRespondForbidden    = types.NewError(types.KindUnauthorized, "only the owner of the requested publication can respond to this offer")
	ErrOfferForbidden      = types.NewError(types.KindUnauthorized, "you can only offer your own publications")
	ErrWindowExpired       = types.NewError(types.KindExpired, "more than 5 days have passed since the exchange was accepted")
	ErrConcurrentUpdate    = types.NewError(types.KindConflict, "exchange was modified concurrently")
	ErrSameItem            = types.NewError(types.KindValidation, "an item cannot be exchanged for itself")
	ErrOwnPublication      = types.NewError(types.KindValidation, "you cannot make an offer on your own publication")
	ErrInvalidStatus       = types.NewError(types.KindValidation, "invalid exchange status")
	ErrKeyReused           = types.NewError(types.KindConflict, "Idempotency-Key was already used for a different offer")
)

// Role selects which side of an exchange the listing user is on.
type Role string

const (
	RoleRequested Role = "requested"
	RoleOffered   Role = "offered"
)

// Filter narrows Find. An empty Status means any status.
type Filter struct {
	Role       Role
	OwnerEmail string
	Status     types.ExchangeStatus
}

// PublicationLookup reads publications with their owners loaded.
type PublicationLookup interface {
	GetPublication(ctx context.Context, id uint) (*types.Publication, error)
}

// IdempotencyKey is a client-supplied key scoped to the user who sent it.
type IdempotencyKey struct {
	UserID    uint
	Key       string
	ExpiresAt time.Time
}

// Repository persists exchanges. Get and FindByIdempotencyKey return
// nil, nil when nothing matches.
type Repository interface {
	Create(ctx context.Context, ex *types.Exchange, key *IdempotencyKey) error
	FindByIdempotencyKey(ctx context.Context, userID uint, key string, now time.Time) (*types.Exchange, error)
	Get(ctx context.Context, id uint) (*types.Exchange, error)
	Transition(ctx context.Context, id uint, from, to types.ExchangeStatus, at time.Time) (bool, error)
	Find(ctx context.Context, filter Filter) ([]types.Exchange, error)
}

// CreateRequest proposes OfferedItemID in exchange for RequestedItemID.
// When ProposerEmail is set the offered publication must belong to that
// user.
type CreateRequest struct {
	RequestedItemID uint
	OfferedItemID   uint
	Status          types.ExchangeStatus
	ProposerEmail   string
	IdempotencyKey  string
}

// Service enforces the exchange state machine and its authorization and
// timing rules. Notifications are sent after the write and never fail
// the operation.
type Service struct {
	repo     Repository
	pubs     PublicationLookup
	notifier notify.Notifier
	clock    clock.Clock
}

// NewService creates a new exchange service
func NewService(repo Repository, pubs PublicationLookup, notifier notify.Notifier, clk clock.Clock) *Service {
	return &Service{
		repo:     repo,
		pubs:     pubs,
		notifier: notifier,
		clock:    clk,
	}
}

// Create records a new offer and tells the owner of the requested
// publication about it. Idempotency keys belong to the owner of the
// offered publication: a repeated key for the same pair of items returns
// the exchange created the first time without notifying again, and a key
// reused for different items is a conflict.
func (s *Service) Create(ctx context.Context, req CreateRequest) (*types.Exchange, error) {
	logger := log.With().
		Str("service", "exchange").
		Uint("requested_item_id", req.RequestedItemID).
		Uint("offered_item_id", req.OfferedItemID).
		Logger()

	now := s.clock.Now()

	status := req.Status
	if status == "" {
		status = types.StatusPending
	}
	if !status.Valid() {
		return nil, ErrInvalidStatus
	}

	requested, err := s.lookup(ctx, req.RequestedItemID)
	if err != nil {
		return nil, err
	}
	offered, err := s.lookup(ctx, req.OfferedItemID)
	if err != nil {
		return nil, err
	}

	if requested.ID == offered.ID {
		return nil, ErrSameItem
	}
	if req.ProposerEmail != "" && !sameEmail(ownerEmail(offered), req.ProposerEmail) {
		return nil, ErrOfferForbidden
	}
	if requested.UserID == offered.UserID {
		return nil, ErrOwnPublication
	}

	var key *IdempotencyKey
	if req.IdempotencyKey != "" {
		key = &IdempotencyKey{UserID: offered.UserID, Key: req.IdempotencyKey, ExpiresAt: now.Add(IdempotencyTTL)}
		existing, err := s.replay(ctx, key, requested.ID, offered.ID, now)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			logger.Debug().Uint("exchange_id", existing.ID).Msg("replaying idempotent create")
			return existing, nil
		}
	}

	ex := &types.Exchange{
		RequestedItemID: requested.ID,
		OfferedItemID:   offered.ID,
		Status:          status,
		CreatedAt:       now,
	}
	if err := s.repo.Create(ctx, ex, key); err != nil {
		if key != nil && errors.Is(err, gorm.ErrDuplicatedKey) {
			// Lost a race with a retry of the same request.
			existing, rerr := s.replay(ctx, key, requested.ID, offered.ID, now)
			if rerr != nil {
				return nil, rerr
			}
			if existing != nil {
				return existing, nil
			}
		}
		return nil, fmt.Errorf("failed to create exchange: %w", err)
	}
	ex.RequestedItem = requested
	ex.OfferedItem = offered

	logger.Info().Uint("exchange_id", ex.ID).Str("status", string(ex.Status)).Msg("exchange created")

	s.notify(ctx, logger, notify.Notification{
		Kind:      notify.KindNewOffer,
		Recipient: ownerEmail(requested),
		Payload:   payload(ownerName(requested), ownerName(offered), ex.Status, requested, offered, nil),
	})

	return ex, nil
}

// replay returns the exchange already created under key, or nil when the
// key is unused.
func (s *Service) replay(ctx context.Context, key *IdempotencyKey, requestedID, offeredID uint, now time.Time) (*types.Exchange, error) {
	existing, err := s.repo.FindByIdempotencyKey(ctx, key.UserID, key.Key, now)
	if err != nil {
		return nil, fmt.Errorf("failed to check idempotency key: %w", err)
	}
	if existing == nil {
		return nil, nil
	}
	if existing.RequestedItemID != requestedID || existing.OfferedItemID != offeredID {
		return nil, ErrKeyReused
	}
	return existing, nil
}

// Respond answers a PENDING offer. Only the owner of the requested
// publication may respond, and only with ACCEPTED, REJECTED or
// IN_PROCESS.
func (s *Service) Respond(ctx context.Context, exchangeID uint, responderEmail string, next types.ExchangeStatus) (*types.Exchange, error) {
	logger := log.With().
		Str("service", "exchange").
		Uint("exchange_id", exchangeID).
		Str("next_status", string(next)).
		Logger()

	ex, err := s.get(ctx, exchangeID)
	if err != nil {
		return nil, err
	}

	if !sameEmail(ownerEmail(ex.RequestedItem), responderEmail) {
		return nil, ErrRespondForbidden
	}
	if !ex.Status.CanRespondWith(next) {
		return nil, &types.Error{
			Kind:    types.KindInvalidTransition,
			Message: fmt.Sprintf("cannot change status from %s to %s", ex.Status, next),
		}
	}

	now := s.clock.Now()
	if err := s.transition(ctx, ex, next, now); err != nil {
		return nil, err
	}

	logger.Info().Msg("exchange answered")

	s.notify(ctx, logger, notify.Notification{
		Kind:      notify.KindOfferResponse,
		Recipient: ownerEmail(ex.OfferedItem),
		Payload:   payload(ownerName(ex.OfferedItem), ownerName(ex.RequestedItem), next, ex.RequestedItem, ex.OfferedItem, nil),
	})

	return ex, nil
}

// Cancel ends an ACCEPTED exchange on behalf of either party while the
// cancellation window is open, then tells the other party. Checks run in
// order: existence, status, permission, window.
func (s *Service) Cancel(ctx context.Context, exchangeID uint, requesterEmail, reason string) (*types.Exchange, error) {
	logger := log.With().
		Str("service", "exchange").
		Uint("exchange_id", exchangeID).
		Logger()

	ex, err := s.get(ctx, exchangeID)
	if err != nil {
		return nil, err
	}

	if ex.Status != types.StatusAccepted {
		return nil, ErrNotAccepted
	}

	isRequestedOwner := sameEmail(ownerEmail(ex.RequestedItem), requesterEmail)
	isOfferedOwner := sameEmail(ownerEmail(ex.OfferedItem), requesterEmail)
	if !isRequestedOwner && !isOfferedOwner {
		return nil, ErrCancelForbidden
	}

	now := s.clock.Now()
	acceptedAt := ex.CreatedAt
	if ex.UpdatedAt != nil {
		acceptedAt = *ex.UpdatedAt
	}
	if now.After(acceptedAt.Add(CancellationWindow)) {
		return nil, ErrWindowExpired
	}

	if err := s.transition(ctx, ex, types.StatusCancelled, now); err != nil {
		return nil, err
	}

	canceller, counterparty := ex.RequestedItem, ex.OfferedItem
	if !isRequestedOwner {
		canceller, counterparty = ex.OfferedItem, ex.RequestedItem
	}

	logger.Info().Str("requester", requesterEmail).Msg("exchange cancelled")

	s.notify(ctx, logger, notify.Notification{
		Kind:      notify.KindOfferCancelled,
		Recipient: ownerEmail(counterparty),
		Payload: payload(ownerName(counterparty), ownerName(canceller), types.StatusCancelled, ex.RequestedItem, ex.OfferedItem, map[string]string{
			notify.KeyReason: strings.TrimSpace(reason),
		}),
	})

	return ex, nil
}

// statusFilters maps the listing query values to statuses.
var statusFilters = map[string]types.ExchangeStatus{
	"accepted":    types.StatusAccepted,
	"cancelled":   types.StatusCancelled,
	"pending":     types.StatusPending,
	"in_progress": types.StatusInProcess,
	"rejected":    types.StatusRejected,
}

// List returns the exchanges of the user with ownerEmail. role is
// "offered" or "requested" (the default); an absent or unknown status
// returns every status.
func (s *Service) List(ctx context.Context, ownerEmail, status, role string) ([]types.Exchange, error) {
	filter := Filter{Role: RoleRequested, OwnerEmail: ownerEmail}
	if strings.EqualFold(strings.TrimSpace(role), string(RoleOffered)) {
		filter.Role = RoleOffered
	}

	key := strings.ToLower(strings.TrimSpace(status))
	if st, ok := statusFilters[key]; ok {
		filter.Status = st
	} else if st, ok := types.ParseExchangeStatus(key); ok {
		filter.Status = st
	}

	exchanges, err := s.repo.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("failed to list exchanges: %w", err)
	}
	return exchanges, nil
}

// Get returns one exchange with its publications.
func (s *Service) Get(ctx context.Context, exchangeID uint) (*types.Exchange, error) {
	return s.get(ctx, exchangeID)
}

func (s *Service) get(ctx context.Context, id uint) (*types.Exchange, error) {
	ex, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load exchange %d: %w", id, err)
	}
	if ex == nil {
		return nil, ErrExchangeNotFound
	}
	return ex, nil
}

func (s *Service) lookup(ctx context.Context, id uint) (*types.Publication, error) {
	pub, err := s.pubs.GetPublication(ctx, id)
	if err != nil {
		if types.IsKind(err, types.KindNotFound) {
			return nil, ErrPublicationNotFound
		}
		return nil, fmt.Errorf("failed to load publication %d: %w", id, err)
	}
	return pub, nil
}

// transition writes the new status and mirrors it on ex.
func (s *Service) transition(ctx context.Context, ex *types.Exchange, next types.ExchangeStatus, at time.Time) error {
	ok, err := s.repo.Transition(ctx, ex.ID, ex.Status, next, at)
	if err != nil {
		return fmt.Errorf("failed to update exchange %d: %w", ex.ID, err)
	}
	if !ok {
		return ErrConcurrentUpdate
	}
	ex.Status = next
	ex.UpdatedAt = &at
	return nil
}

func (s *Service) notify(ctx context.Context, logger zerolog.Logger, n notify.Notification) {
	if n.Recipient == "" {
		logger.Warn().Str("kind", string(n.Kind)).Msg("notification has no recipient")
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		logger.Warn().Err(err).Str("kind", string(n.Kind)).Msg("failed to send notification")
	}
}

func payload(userName, actorName string, status types.ExchangeStatus, requested, offered *types.Publication, extra map[string]string) map[string]string {
	p := map[string]string{
		notify.KeyUserName:    userName,
		notify.KeyActorName:   actorName,
		notify.KeyStatusLabel: status.Label(),
	}
	if requested != nil {
		p[notify.KeyRequestedTitle] = requested.Title
		p[notify.KeyRequestedDescription] = requested.Description
	}
	if offered != nil {
		p[notify.KeyOfferedTitle] = offered.Title
		p[notify.KeyOfferedDescription] = offered.Description
	}
	for k, v := range extra {
		p[k] = v
	}
	return p
}

func ownerEmail(p *types.Publication) string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.Email
}

func ownerName(p *types.Publication) string {
	if p == nil || p.User == nil {
		return ""
	}
	return p.User.Name
}

func sameEmail(a, b string) bool {
	return a != "" && strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
}
