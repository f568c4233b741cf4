package distributor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"kids-checkin-backend/internal/clock"
	"kids-checkin-backend/internal/model"
)

// Topic names a feed.
type Topic string

const (
	TopicChild   Topic = "child"
	TopicService Topic = "service"
	// TopicRoster is keyed by service id and carries its open check-ins.
	TopicRoster Topic = "roster"
)

// ParseTopic validates a topic name.
func ParseTopic(s string) (Topic, error) {
	switch t := Topic(s); t {
	case TopicChild, TopicService, TopicRoster:
		return t, nil
	}
	return "", fmt.Errorf("%w: unknown topic %q", model.ErrInvalidArgument, s)
}

// Source is the part of the repository the feeds read from.
type Source interface {
	GetChild(ctx context.Context, id string) (*model.Child, error)
	GetService(ctx context.Context, id string) (*model.Service, error)
	ListCurrentCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error)
	CachedChild(ctx context.Context, id string) (*model.Child, error)
	CachedService(ctx context.Context, id string) (*model.Service, error)
	CachedCheckIns(ctx context.Context, serviceID string) ([]*model.CheckInRecord, error)
}

// Intervals are the polling periods per topic.
type Intervals struct {
	Child   time.Duration
	Service time.Duration
	Roster  time.Duration
}

// DefaultIntervals poll children every 30s, services every 10s and rosters
// every 5s.
var DefaultIntervals = Intervals{Child: 30 * time.Second, Service: 10 * time.Second, Roster: 5 * time.Second}

// Distributor bundles the three feeds.
type Distributor struct {
	Children *Feed[*model.Child]
	Services *Feed[*model.Service]
	Rosters  *Feed[[]*model.CheckInRecord]
}

// New builds the feeds over src. Zero intervals take their defaults.
func New(src Source, iv Intervals, clk clock.Clock, logger *zerolog.Logger) *Distributor {
	if iv.Child <= 0 {
		iv.Child = DefaultIntervals.Child
	}
	if iv.Service <= 0 {
		iv.Service = DefaultIntervals.Service
	}
	if iv.Roster <= 0 {
		iv.Roster = DefaultIntervals.Roster
	}
	return &Distributor{
		Children: NewFeed(string(TopicChild), iv.Child, src.CachedChild, src.GetChild, clk, logger),
		Services: NewFeed(string(TopicService), iv.Service, src.CachedService, src.GetService, clk, logger),
		Rosters:  NewFeed(string(TopicRoster), iv.Roster, src.CachedCheckIns, src.ListCurrentCheckIns, clk, logger),
	}
}

func (d *Distributor) SubscribeChild(id string) (*Subscription[*model.Child], error) {
	return d.Children.Subscribe(id)
}

func (d *Distributor) SubscribeService(id string) (*Subscription[*model.Service], error) {
	return d.Services.Subscribe(id)
}

// SubscribeRoster follows the open check-ins of a service.
func (d *Distributor) SubscribeRoster(serviceID string) (*Subscription[[]*model.CheckInRecord], error) {
	return d.Rosters.Subscribe(serviceID)
}

// Trigger refreshes one id of a topic right away.
func (d *Distributor) Trigger(ctx context.Context, topic Topic, id string) (any, error) {
	switch topic {
	case TopicChild:
		return d.Children.Trigger(ctx, id)
	case TopicService:
		return d.Services.Trigger(ctx, id)
	case TopicRoster:
		return d.Rosters.Trigger(ctx, id)
	}
	return nil, fmt.Errorf("%w: unknown topic %q", model.ErrInvalidArgument, topic)
}

// Touched refreshes the feeds affected by a check-in or check-out, so
// subscribers do not wait for the next tick. Errors are left to the loops.
func (d *Distributor) Touched(ctx context.Context, childID, serviceID string) {
	if childID != "" && d.Children.Subscribers(childID) > 0 {
		_, _ = d.Children.Trigger(ctx, childID)
	}
	if serviceID != "" {
		if d.Services.Subscribers(serviceID) > 0 {
			_, _ = d.Services.Trigger(ctx, serviceID)
		}
		if d.Rosters.Subscribers(serviceID) > 0 {
			_, _ = d.Rosters.Trigger(ctx, serviceID)
		}
	}
}

// Close stops every loop.
func (d *Distributor) Close() {
	d.Children.Close()
	d.Services.Close()
	d.Rosters.Close()
}
