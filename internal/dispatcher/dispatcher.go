// Package dispatcher implements the Outbound Dispatcher: load-with-lock
// -> validate window -> check rate limit -> send -> status transition ->
// record rate-limiter usage -> retry-with-backoff, run by a polling
// worker pool.
package dispatcher

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/apperrors"
	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/ratelimit"
	"github.com/wacore-labs/runtime/internal/repositories"
	"github.com/wacore-labs/runtime/internal/whatsapp"
	"github.com/wacore-labs/runtime/internal/window"
)

// Validator is the Window Engine capability the dispatcher depends on.
type Validator interface {
	Validate(ctx context.Context, conversationID uuid.UUID) error
}

// ProviderResolver looks up which whatsapp.Provider and connection type
// serve a given WhatsAppNumber, so the dispatcher never hardcodes a
// single channel.
type ProviderResolver interface {
	Resolve(ctx context.Context, numberID uuid.UUID) (whatsapp.Provider, models.ConnectionType, error)
}

// Config tunes the retry/backoff and worker-pool behavior.
type Config struct {
	Workers      int
	PollInterval time.Duration
	JobTimeout   time.Duration
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	MaxAttempts  int
}

func DefaultConfig() Config {
	return Config{
		Workers:      8,
		PollInterval: 250 * time.Millisecond,
		JobTimeout:   30 * time.Second,
		BaseDelay:    60 * time.Second,
		MaxDelay:     3600 * time.Second,
		MaxAttempts:  3,
	}
}

// Dispatcher owns the outbound worker pool.
type Dispatcher struct {
	messages      repositories.MessageRepo
	conversations repositories.ConversationRepo
	numbers       repositories.WhatsAppNumberRepo
	window        Validator
	limiter       *ratelimit.Limiter
	providers     ProviderResolver
	clock         clock.Clock
	cfg           Config

	mu      sync.RWMutex
	stopped bool
	wg      sync.WaitGroup
}

func New(
	messages repositories.MessageRepo,
	conversations repositories.ConversationRepo,
	numbers repositories.WhatsAppNumberRepo,
	windowEngine Validator,
	limiter *ratelimit.Limiter,
	providers ProviderResolver,
	clk clock.Clock,
	cfg Config,
) *Dispatcher {
	return &Dispatcher{
		messages:      messages,
		conversations: conversations,
		numbers:       numbers,
		window:        windowEngine,
		limiter:       limiter,
		providers:     providers,
		clock:         clk,
		cfg:           cfg,
	}
}

// Enqueue writes a pending outbound Message for conversationID. It
// satisfies flow.Sender so the Flow Engine depends only on this method
// set, not on the dispatcher package.
func (d *Dispatcher) Enqueue(ctx context.Context, conversationID uuid.UUID, body string) error {
	conv, err := d.conversations.GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("enqueue: resolve conversation: %w", err)
	}

	m := &models.Message{
		OrganizationID: conv.OrganizationID,
		ConversationID: conversationID,
		Direction:      models.DirectionOutbound,
		SenderType:     models.SenderBot,
		Status:         models.MessagePending,
		Body:           body,
		IdempotencyKey: uuid.New().String(),
	}
	if err := d.messages.Create(ctx, m); err != nil {
		return fmt.Errorf("enqueue outbound message: %w", err)
	}
	return nil
}

// Start launches the worker pool.
func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	d.stopped = false
	d.mu.Unlock()

	log.Printf("🚀 starting outbound dispatcher with %d workers", d.cfg.Workers)
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.runWorker(ctx, i+1)
	}
}

// Stop signals all workers to finish their current job and exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	d.stopped = true
	d.mu.Unlock()
	d.wg.Wait()
	log.Println("✅ outbound dispatcher stopped")
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID int) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.mu.RLock()
			stopped := d.stopped
			d.mu.RUnlock()
			if stopped {
				return
			}

			if err := d.processNext(ctx, workerID); err != nil && err != errNoMessages {
				log.Printf("⚠️ dispatcher worker #%d: %v", workerID, err)
			}
		}
	}
}

var errNoMessages = fmt.Errorf("no messages ready to dispatch")

func (d *Dispatcher) processNext(ctx context.Context, workerID int) error {
	msg, err := d.messages.ClaimNext(ctx, d.clock.Now())
	if err != nil {
		return fmt.Errorf("claim message: %w", err)
	}
	if msg == nil {
		return errNoMessages
	}

	jobCtx, cancel := context.WithTimeout(ctx, d.cfg.JobTimeout)
	defer cancel()

	if err := d.send(jobCtx, msg); err != nil {
		if apperrors.Is(err, apperrors.KindRateLimited) {
			d.deferRetry(ctx, msg, err)
			return nil
		}
		d.fail(ctx, msg, err)
		return nil
	}

	msg.Status = models.MessageSent
	if err := d.messages.Update(ctx, msg); err != nil {
		log.Printf("⚠️ dispatcher worker #%d: failed to persist sent status for %s: %v", workerID, msg.ID, err)
	}
	return nil
}

// send runs the per-message intent pipeline: validate window -> check
// rate limit -> send via adapter -> record rate-limiter usage.
func (d *Dispatcher) send(ctx context.Context, msg *models.Message) error {
	conv, err := d.conversations.Get(ctx, msg.OrganizationID, msg.ConversationID)
	if err != nil {
		return apperrors.Internal("load conversation for dispatch", err)
	}
	if conv.State == models.ConversationClosed {
		return apperrors.ConversationNotDispatchable(fmt.Sprintf("conversation %s is closed", conv.ID))
	}

	if err := d.window.Validate(ctx, conv.ID); err != nil {
		return err
	}

	number, err := d.numbers.Get(ctx, conv.WhatsAppNumberID)
	if err != nil {
		return apperrors.Internal("load whatsapp number for dispatch", err)
	}

	allowed, reason, err := d.limiter.Check(ctx, number.ID, number.ConnectionType)
	if err != nil {
		return err
	}
	if !allowed {
		return apperrors.RateLimited(fmt.Sprintf("rate limited: %s", reason))
	}
	if err := d.limiter.WaitIfNeeded(ctx, number.ID, number.ConnectionType); err != nil {
		return apperrors.UpstreamTransient("wait for rate limit gate", err)
	}

	provider, _, err := d.providers.Resolve(ctx, number.ID)
	if err != nil {
		return apperrors.Internal("resolve whatsapp provider", err)
	}

	providerMessageID, err := provider.SendMessage(ctx, number.DisplayPhone, msg.Body)
	if err != nil {
		return apperrors.UpstreamTransient("send via whatsapp provider", err)
	}
	msg.ProviderMessageID = providerMessageID

	if err := d.limiter.Record(ctx, number.ID, number.ConnectionType); err != nil {
		log.Printf("⚠️ rate-limit record failed after successful send for message %s: %v", msg.ID, err)
	}

	return nil
}

// fail applies the retry-with-backoff policy, generalized from the
// teacher's queue.calculateBackoff (1<<attempt seconds, capped) to a
// jittered exponential backoff so many simultaneously-failing messages
// don't all retry in lockstep.
func (d *Dispatcher) fail(ctx context.Context, msg *models.Message, cause error) {
	msg.RetryCount++
	msg.LastError = cause.Error()

	if msg.RetryCount >= d.cfg.MaxAttempts || apperrors.Is(cause, apperrors.KindUpstreamPermanent) {
		msg.Status = models.MessageFailed
		msg.NextRetryAt = nil
		if err := d.messages.Update(ctx, msg); err != nil {
			log.Printf("⚠️ failed to persist terminal failure for message %s: %v", msg.ID, err)
		}
		return
	}

	delay := backoff(d.cfg.BaseDelay, d.cfg.MaxDelay, msg.RetryCount)
	next := d.clock.Now().Add(delay)
	msg.Status = models.MessagePending
	msg.NextRetryAt = &next
	if err := d.messages.Update(ctx, msg); err != nil {
		log.Printf("⚠️ failed to persist retry schedule for message %s: %v", msg.ID, err)
	}
}

// deferRetry reschedules a rate-limited send without counting it as a
// failed attempt: the message stays pending, eligible for ClaimNext
// again once NextRetryAt elapses, so throttling never erodes the
// MaxAttempts budget reserved for genuine send failures.
func (d *Dispatcher) deferRetry(ctx context.Context, msg *models.Message, cause error) {
	msg.LastError = cause.Error()
	next := d.clock.Now().Add(d.cfg.BaseDelay)
	msg.Status = models.MessagePending
	msg.NextRetryAt = &next
	if err := d.messages.Update(ctx, msg); err != nil {
		log.Printf("⚠️ failed to persist rate-limit deferral for message %s: %v", msg.ID, err)
	}
}

func backoff(base, max time.Duration, attempt int) time.Duration {
	d := base * time.Duration(1<<uint(attempt-1))
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if jitter > max {
		jitter = max
	}
	return jitter
}
