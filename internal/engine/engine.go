package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"gigline/internal/apperr"
	"gigline/internal/config"
	"gigline/internal/domain"
	"gigline/internal/engine/auth"
	"gigline/internal/escrow"
	"gigline/internal/events"
	"gigline/internal/notify"
	"gigline/internal/repo"
)

// Gateway is the slice of the payment provider the lifecycle needs.
type Gateway interface {
	CreateOrder(ctx context.Context, req escrow.OrderRequest) (escrow.Order, error)
	VerifyPayment(orderID, paymentID, signature string) error
}

type Engine struct {
	DB       *sql.DB
	Repo     repo.Repo
	Events   events.Writer
	Config   *config.Config
	Gateway  Gateway
	Notifier notify.Notifier
	Logger   *zap.Logger
	Now      func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	r := repo.Repo{DB: db}
	return Engine{
		DB:       db,
		Repo:     r,
		Events:   events.Writer{},
		Config:   cfg,
		Gateway:  escrow.NewClient(EscrowConfig(cfg), nil),
		Notifier: notify.Outbox{Repo: r},
		Logger:   zap.NewNop(),
		Now:      time.Now,
	}
}

// EscrowConfig derives the provider client settings from cfg.
func EscrowConfig(cfg *config.Config) escrow.Config {
	return escrow.Config{
		BaseURL:   cfg.Payments.ProviderURL,
		KeyID:     cfg.Payments.KeyID,
		KeySecret: cfg.Payments.KeySecret,
		Currency:  cfg.Payments.Currency,
		Timeout:   cfg.Payments.Timeout(),
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func (e Engine) logger() *zap.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return zap.NewNop()
}

func (e Engine) begin(ctx context.Context) (*sql.Tx, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	return tx, nil
}

func (e Engine) appendEvent(ctx context.Context, tx *sql.Tx, evtType, gigID, kind, id string, actor auth.Actor, payload events.Payload) error {
	w := e.Events
	w.Now = e.Now
	_, err := w.Append(ctx, tx, events.Entry{
		Type: evtType, GigID: gigID, EntityKind: kind, EntityID: id, ActorID: actor.ID, Payload: payload,
	})
	return err
}

// notice is a notification queued until the surrounding transaction commits.
type notice struct {
	recipient string
	kind      string
	payload   map[string]any
}

// flush hands notices to the notifier. Errors are logged and never returned.
func (e Engine) flush(ctx context.Context, notices []notice) {
	if e.Notifier == nil {
		return
	}
	for _, n := range notices {
		if err := e.Notifier.Notify(ctx, n.recipient, n.kind, n.payload); err != nil {
			e.logger().Warn("notification dropped",
				zap.String("recipient", n.recipient),
				zap.String("kind", n.kind),
				zap.Error(err))
		}
	}
}

// notFound converts repo.ErrNotFound into an apperr NotFound for what.
func notFound(err error, what string) error {
	if errors.Is(err, repo.ErrNotFound) {
		return apperr.NotFound(what)
	}
	return err
}

// stale converts a failed conditional update into a Conflict.
func stale(err error, code, msg string) error {
	if errors.Is(err, repo.ErrStale) || isUniqueViolation(err) {
		return apperr.Conflict(code, msg)
	}
	return err
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func ptr[T any](v T) *T { return &v }

// GigInput describes a new gig. Gigs are owned by the marketplace front end;
// the engine only needs enough to drive applications.
type GigInput struct {
	ID          string
	Title       string
	Description string
	Budget      int64
	Currency    string
	Status      string
}

func (e Engine) CreateGig(ctx context.Context, actor auth.Actor, in GigInput) (domain.Gig, error) {
	if err := auth.Require(actor, domain.RoleHiring, domain.RoleAdmin); err != nil {
		return domain.Gig{}, err
	}
	if strings.TrimSpace(in.Title) == "" {
		return domain.Gig{}, apperr.Validation("title is required")
	}
	if in.Budget <= 0 {
		return domain.Gig{}, apperr.Validation("budget must be positive")
	}
	if in.Currency == "" {
		in.Currency = e.Config.Payments.Currency
	}
	switch in.Status {
	case "":
		in.Status = "published"
	case "draft", "published", "active", "cancelled":
	default:
		return domain.Gig{}, apperr.Validation(fmt.Sprintf("gig cannot be created in status %s", in.Status))
	}
	if in.ID == "" {
		in.ID = uuid.NewString()
	}
	now := e.stamp()
	g := domain.Gig{
		ID:          in.ID,
		CompanyID:   actor.ID,
		Title:       in.Title,
		Description: in.Description,
		Budget:      in.Budget,
		Currency:    in.Currency,
		Status:      in.Status,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertGig(ctx, g); err != nil {
		return domain.Gig{}, stale(err, "gig_exists", "gig already exists")
	}
	return g, nil
}

// SetSubscription installs or replaces a user's plan. resetUsage zeroes the
// submitted counter, as happens on renewal.
func (e Engine) SetSubscription(ctx context.Context, s domain.Subscription, resetUsage bool) (domain.Subscription, error) {
	if strings.TrimSpace(s.UserID) == "" {
		return domain.Subscription{}, apperr.Validation("user_id is required")
	}
	if s.MaxApplications < -1 {
		return domain.Subscription{}, apperr.Validation("max_applications must be -1 or greater")
	}
	end, err := time.Parse(time.RFC3339, s.EndDate)
	if err != nil {
		return domain.Subscription{}, apperr.Validation("end_date must be RFC3339")
	}
	s.EndDate = end.UTC().Format(time.RFC3339)
	if s.Status == "" {
		s.Status = "active"
	}
	if s.Plan == "" {
		s.Plan = "basic"
	}
	s.UpdatedAt = e.stamp()
	if err := e.Repo.UpsertSubscription(ctx, s, resetUsage); err != nil {
		return domain.Subscription{}, err
	}
	return e.Repo.GetSubscription(ctx, s.UserID)
}

// GigEvents returns the newest audit events for a gig, newest first. Only the
// owning company and admins may read them.
func (e Engine) GigEvents(ctx context.Context, actor auth.Actor, gigID, evtType string, limit int) ([]domain.Event, error) {
	if err := auth.Require(actor, domain.RoleHiring, domain.RoleAdmin); err != nil {
		return nil, err
	}
	if _, err := e.ownedGig(ctx, nil, actor, gigID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	evts, err := e.Repo.LatestEvents(ctx, limit, gigID, evtType, "", "")
	if err != nil {
		return nil, err
	}
	if evts == nil {
		evts = []domain.Event{}
	}
	return evts, nil
}
