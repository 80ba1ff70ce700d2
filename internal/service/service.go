package service

import (
	"context"
	"errors"
	"time"

	"heladeria/backend/internal/apperr"
	"heladeria/backend/internal/cart"
	"heladeria/backend/internal/domain"
	"heladeria/backend/internal/events"
	"heladeria/backend/internal/idempotency"
	"heladeria/backend/internal/logger"
	"heladeria/backend/internal/metrics"
	"heladeria/backend/internal/payment"
	"heladeria/backend/internal/recommendation"
	"heladeria/backend/internal/store"
)

const (
	DefaultCheckoutTimeout = 10 * time.Second
	DefaultPaymentTimeout  = 8 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

// Deps wires the service. Only Repo is required; every other field falls
// back to an in-process or no-op implementation.
type Deps struct {
	Repo            store.Repository
	Carts           *cart.Store
	Guard           *idempotency.Guard
	Alternatives    *recommendation.Engine
	Payments        payment.Gateway
	Events          events.Publisher
	Metrics         *metrics.CheckoutMetrics
	Logger          *logger.Logger
	CheckoutTimeout time.Duration
	PaymentTimeout  time.Duration
	Now             func() time.Time
}

type Service struct {
	repo            store.Repository
	carts           *cart.Store
	guard           *idempotency.Guard
	alternatives    *recommendation.Engine
	payments        payment.Gateway
	events          events.Publisher
	metrics         *metrics.CheckoutMetrics
	log             *logger.Logger
	checkoutTimeout time.Duration
	paymentTimeout  time.Duration
	now             func() time.Time
}

func New(deps Deps) *Service {
	s := &Service{
		repo:            deps.Repo,
		carts:           deps.Carts,
		guard:           deps.Guard,
		alternatives:    deps.Alternatives,
		payments:        deps.Payments,
		events:          deps.Events,
		metrics:         deps.Metrics,
		log:             deps.Logger,
		checkoutTimeout: deps.CheckoutTimeout,
		paymentTimeout:  deps.PaymentTimeout,
		now:             deps.Now,
	}
	if s.carts == nil {
		s.carts = cart.NewStore(nil, 0)
	}
	if s.guard == nil {
		s.guard = idempotency.NewGuard(deps.Repo, nil, 0)
	}
	if s.alternatives == nil {
		s.alternatives = recommendation.NewEngine(deps.Repo, nil, 0)
	}
	if s.payments == nil {
		s.payments = payment.NewMercadoPago("", payment.URLs{})
	}
	if s.events == nil {
		s.events = events.Noop{}
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	if s.checkoutTimeout <= 0 {
		s.checkoutTimeout = DefaultCheckoutTimeout
	}
	if s.paymentTimeout <= 0 {
		s.paymentTimeout = DefaultPaymentTimeout
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}
	return s
}

// Ping reports whether the repository is reachable, when it can tell.
func (s *Service) Ping(ctx context.Context) error {
	if p, ok := s.repo.(interface{ Ping(context.Context) error }); ok {
		return p.Ping(ctx)
	}
	return nil
}

// requireStaff checks that the caller is signed in and bound to storeID.
// Staff with no store binding may act on every store.
func requireStaff(ctx context.Context, storeID int64) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, apperr.New(apperr.CodeUnauthorized, "authentication required")
	}
	if actor.StoreID != 0 && storeID != 0 && actor.StoreID != storeID {
		return domain.Actor{}, apperr.New(apperr.CodeForbidden, "store access denied")
	}
	return actor, nil
}

func requireManager(ctx context.Context, storeID int64) (domain.Actor, error) {
	actor, err := requireStaff(ctx, storeID)
	if err != nil {
		return domain.Actor{}, err
	}
	if actor.Role != domain.RoleManager {
		return domain.Actor{}, apperr.New(apperr.CodeForbidden, "manager role required")
	}
	return actor, nil
}

// mapStoreError turns repository sentinels into coded errors.
func mapStoreError(err error, notFound string) error {
	if err == nil {
		return nil
	}
	if apperr.As(err) != nil {
		return err
	}
	var shortage *store.ShortageError
	switch {
	case errors.As(err, &shortage):
		details := make([]string, 0, len(shortage.Shortages))
		for _, s := range shortage.Shortages {
			details = append(details, s.String())
		}
		return apperr.Wrap(apperr.CodeInsufficientStock, err, stockErrorMessage).WithDetails(domain.StockErrorResponse{
			Error:   stockErrorMessage,
			Details: details,
			Items:   shortage.Shortages,
		})
	case errors.Is(err, store.ErrNotFound):
		return apperr.Wrap(apperr.CodeNotFound, err, notFound)
	case errors.Is(err, store.ErrInvalidInput):
		return apperr.Wrap(apperr.CodeValidation, err, "invalid input")
	case errors.Is(err, store.ErrEmailTaken):
		return apperr.Wrap(apperr.CodeValidation, err, "El email ya está registrado")
	default:
		return apperr.Wrap(apperr.CodeInternal, err, "repository failure")
	}
}
