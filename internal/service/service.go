package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"branchpos/backend/internal/cache"
	"branchpos/backend/internal/domain"
	"branchpos/backend/internal/lock"
	"branchpos/backend/internal/logging"
	"branchpos/backend/internal/store"
	"branchpos/backend/internal/xid"
)

// ErrForbidden is returned when the actor's role may not perform an operation.
var ErrForbidden = errors.New("forbidden")

type Options struct {
	Locker         lock.Locker
	Cache          cache.IdempotencyCache
	IdempotencyTTL time.Duration
	Logger         logrus.FieldLogger
	DefaultStoreID string
	Clock          func() time.Time
}

type Service struct {
	repo           store.Repository
	inventory      *Adjuster
	locker         lock.Locker
	idem           cache.IdempotencyCache
	idemTTL        time.Duration
	validate       *validator.Validate
	log            logrus.FieldLogger
	defaultStoreID string
	now            func() time.Time
}

func New(repo store.Repository, opts Options) *Service {
	if opts.Locker == nil {
		opts.Locker = lock.NewKeyedMutex()
	}
	if opts.Cache == nil {
		opts.Cache = cache.NoopIdempotencyCache{}
	}
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	if opts.DefaultStoreID == "" {
		opts.DefaultStoreID = "main-store"
	}
	if opts.Clock == nil {
		opts.Clock = func() time.Time { return time.Now().UTC() }
	}

	log := opts.Logger.WithField("module", "service")
	return &Service{
		repo:           repo,
		inventory:      NewAdjuster(repo, log),
		locker:         opts.Locker,
		idem:           opts.Cache,
		idemTTL:        opts.IdempotencyTTL,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		log:            log,
		defaultStoreID: opts.DefaultStoreID,
		now:            opts.Clock,
	}
}

// Inventory exposes the stock adjuster used by finalize and refunds.
func (s *Service) Inventory() *Adjuster {
	return s.inventory
}

func (s *Service) validateRequest(req any) error {
	if err := s.validate.Struct(req); err != nil {
		return fmt.Errorf("%w: %s", store.ErrInvalidTransaction, err.Error())
	}
	return nil
}

// resolveStoreID picks the branch a new record belongs to and checks it
// against the caller's scope.
func (s *Service) resolveStoreID(actor domain.Actor, scope domain.Scope, requested string) (string, error) {
	storeID := requested
	if storeID == "" {
		storeID = actor.StoreID
	}
	if storeID == "" && !scope.AllBranches {
		storeID = scope.StoreID
	}
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if !scope.Allows(storeID) {
		return "", fmt.Errorf("%w: store %s outside caller scope", store.ErrInvalidTransaction, storeID)
	}
	return storeID, nil
}

// withTransactionLock runs fn while holding the per-transaction lock.
func (s *Service) withTransactionLock(ctx context.Context, id string, fn func() error) error {
	release, err := s.locker.Acquire(ctx, "tx:"+id)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// retryOnConflict runs a read-modify-write once more when the store reports
// a lost update.
func retryOnConflict(fn func() error) error {
	err := fn()
	if errors.Is(err, store.ErrConflict) {
		err = fn()
	}
	return err
}

// findInScope loads an active transaction, hiding records of other branches.
func (s *Service) findInScope(ctx context.Context, scope domain.Scope, id string) (*domain.Transaction, error) {
	tx, err := s.repo.FindTransactionByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !scope.Allows(tx.StoreID) {
		return nil, store.ErrNotFound
	}
	return tx, nil
}

func (s *Service) logAudit(ctx context.Context, actor domain.Actor, storeID string, action string, entityType string, entityID string, detail string) {
	if storeID == "" {
		storeID = s.defaultStoreID
	}
	if actor.ID == "" {
		actor = domain.Actor{ID: "system", Name: "system", Role: "system"}
	}

	if err := s.repo.CreateActivityLog(ctx, domain.ActivityLog{
		ID:         xid.New("act"),
		StoreID:    storeID,
		ActorID:    actor.ID,
		ActorName:  actor.Name,
		ActorRole:  actor.Role,
		Action:     action,
		EntityType: entityType,
		EntityID:   entityID,
		Detail:     detail,
		CreatedAt:  s.now(),
	}); err != nil {
		s.log.WithFields(logrus.Fields{
			"action": action,
			"entity": entityType + "/" + entityID,
		}).WithError(err).Warn("failed to write activity log")
	}
}

func requireAdmin(actor domain.Actor) error {
	if !actor.IsAdmin() {
		return fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return nil
}
