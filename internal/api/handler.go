package api

import (
	"context"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"kids-checkin-backend/internal/authority"
	"kids-checkin-backend/internal/distributor"
	"kids-checkin-backend/internal/parse"
	"kids-checkin-backend/internal/repository"
)

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Handler holds shared dependencies for API handlers.
type Handler struct {
	repo    *repository.Repository
	auth    *authority.Authority
	dist    *distributor.Distributor
	db      *gorm.DB
	webpush *webpush.Options
	tokens  parse.TokenParser
	checks  map[string]HealthCheck
	log     zerolog.Logger
}

// Deps are the collaborators of a Handler. DB holds push subscriptions and
// may be nil when push is not used.
type Deps struct {
	Repository  *repository.Repository
	Authority   *authority.Authority
	Distributor *distributor.Distributor
	DB          *gorm.DB
	WebPush     *webpush.Options
	TokenParser parse.TokenParser
	Checks      map[string]HealthCheck
	Logger      *zerolog.Logger
}

// NewHandler creates a new API handler.
func NewHandler(d Deps) *Handler {
	tokens := d.TokenParser
	if tokens.MinLen == 0 && tokens.MaxLen == 0 {
		tokens = parse.DefaultTokenParser
	}
	logger := zerolog.Nop()
	if d.Logger != nil {
		logger = *d.Logger
	}
	return &Handler{
		repo:    d.Repository,
		auth:    d.Authority,
		dist:    d.Distributor,
		db:      d.DB,
		webpush: d.WebPush,
		tokens:  tokens,
		checks:  d.Checks,
		log:     logger.With().Str("component", "api").Logger(),
	}
}

// touched refreshes the live feeds of the entities a write changed.
func (h *Handler) touched(ctx context.Context, childID, serviceID string) {
	if h.dist == nil {
		return
	}
	go h.dist.Touched(context.WithoutCancel(ctx), childID, serviceID)
}
