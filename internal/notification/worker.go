package notification

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"kids-checkin-backend/internal/metrics"
	"kids-checkin-backend/internal/model"
)

// NotificationSender defines the interface for sending a web push notification.
type NotificationSender interface {
	Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is a real implementation of NotificationSender using the webpush library.
type WebPushSender struct{}

// Send sends a notification using the webpush library.
func (s *WebPushSender) Send(payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotification(payload, sub, options)
}

// Job is one message for every device of a guardian.
type Job struct {
	GuardianID string
	Message    string
}

// payload is what the service worker on the guardian's device receives.
type payload struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// WorkerPool manages a pool of workers for sending notifications.
type WorkerPool struct {
	size    int
	jobs    chan Job
	db      *gorm.DB
	webpush *webpush.Options
	sender  NotificationSender
	log     zerolog.Logger
}

// NewWorkerPool creates a new worker pool with a queue of queueSize jobs.
func NewWorkerPool(size, queueSize int, db *gorm.DB, webpushOptions *webpush.Options, logger *zerolog.Logger) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	if queueSize <= 0 {
		queueSize = size
	}
	return &WorkerPool{
		size:    size,
		jobs:    make(chan Job, queueSize),
		db:      db,
		webpush: webpushOptions,
		sender:  &WebPushSender{},
		log:     logger.With().Str("component", "notification").Logger(),
	}
}

// Start launches the worker goroutines.
func (wp *WorkerPool) Start(ctx context.Context) {
	for i := 0; i < wp.size; i++ {
		go wp.worker(ctx, i)
	}
}

func (wp *WorkerPool) worker(ctx context.Context, id int) {
	wp.log.Debug().Int("worker", id).Msg("worker started")
	for {
		select {
		case job := <-wp.jobs:
			wp.sendToGuardian(ctx, job)
		case <-ctx.Done():
			wp.log.Debug().Int("worker", id).Msg("worker shutting down")
			return
		}
	}
}

// Dispatch queues a job. It never blocks: when the queue is full the job is
// dropped and false is returned.
func (wp *WorkerPool) Dispatch(job Job) bool {
	select {
	case wp.jobs <- job:
		return true
	default:
		metrics.IncNotificationDropped()
		wp.log.Warn().Str("guardian_id", job.GuardianID).Msg("notification queue full, dropping message")
		return false
	}
}

// Notify queues a message for a guardian.
func (wp *WorkerPool) Notify(guardianID, message string) {
	wp.Dispatch(Job{GuardianID: guardianID, Message: message})
}

// Jobs returns the jobs channel for testing.
func (wp *WorkerPool) Jobs() chan Job {
	return wp.jobs
}

func (wp *WorkerPool) sendToGuardian(ctx context.Context, job Job) {
	var subscriptions []model.PushSubscription
	err := wp.db.WithContext(ctx).
		Where("guardian_id = ?", job.GuardianID).
		Find(&subscriptions).Error
	if err != nil {
		wp.log.Error().Err(err).Str("guardian_id", job.GuardianID).Msg("failed to load subscriptions")
		return
	}

	if len(subscriptions) == 0 {
		return
	}

	body, err := json.Marshal(payload{Title: "Check-in", Body: job.Message})
	if err != nil {
		wp.log.Error().Err(err).Msg("failed to encode notification")
		return
	}

	wp.log.Debug().Int("count", len(subscriptions)).Str("guardian_id", job.GuardianID).Msg("sending notifications")
	for _, sub := range subscriptions {
		wp.sendNotification(ctx, sub, body)
	}
}

func (wp *WorkerPool) sendNotification(ctx context.Context, sub model.PushSubscription, body []byte) {
	wpSub := &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256DH,
			Auth:   sub.Auth,
		},
	}

	resp, err := wp.sender.Send(body, wpSub, wp.webpush)
	if err != nil {
		wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to send notification")
		return
	}
	defer resp.Body.Close()

	// The push service forgot this endpoint.
	if resp.StatusCode == http.StatusGone {
		wp.log.Info().Str("endpoint", sub.Endpoint).Msg("subscription expired, deleting")
		if err := wp.db.WithContext(ctx).Delete(&sub).Error; err != nil {
			wp.log.Error().Err(err).Str("endpoint", sub.Endpoint).Msg("failed to delete expired subscription")
		}
	}
}
