// Package ratelimit implements per-WhatsAppNumber send throttling:
// official-channel numbers get minute/hour/day token-bucket ceilings,
// QR-code numbers get a minimum inter-send delay.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/apperrors"
	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/ephemeral"
	"github.com/wacore-labs/runtime/internal/models"
)

// Limits holds the ceilings the Limiter enforces. Config.Load populates
// these from the environment; callers may override per-number.
type Limits struct {
	OfficialPerMinute int
	OfficialPerHour   int
	OfficialPerDay    int
	QRCodePerHour     int
	QRCodeMinDelay    time.Duration
}

// Usage reports current consumption against each ceiling, for callers
// that expose it as a read (e.g. an admin UI).
type Usage struct {
	Minute, Hour, Day int64
}

type Limiter struct {
	store  ephemeral.Store
	limits Limits
	clock  clock.Clock
}

func NewLimiter(store ephemeral.Store, limits Limits, clk clock.Clock) *Limiter {
	return &Limiter{store: store, limits: limits, clock: clk}
}

func keyMinute(numberID uuid.UUID) string { return fmt.Sprintf("whatsapp:ratelimit:%s:minute", numberID) }
func keyHour(numberID uuid.UUID) string   { return fmt.Sprintf("whatsapp:ratelimit:%s:hour", numberID) }
func keyDay(numberID uuid.UUID) string    { return fmt.Sprintf("whatsapp:ratelimit:%s:daily", numberID) }
func keyLast(numberID uuid.UUID) string   { return fmt.Sprintf("whatsapp:ratelimit:%s:last", numberID) }

// Check reports whether a send is currently allowed, without consuming
// capacity. Reason is one of four rate-limit reasons when allowed is
// false: "minute_ceiling", "hour_ceiling", "day_ceiling",
// "min_delay_not_elapsed".
func (l *Limiter) Check(ctx context.Context, numberID uuid.UUID, connType models.ConnectionType) (allowed bool, reason string, err error) {
	if connType == models.ConnectionQRCode {
		return l.checkQRCodeDelay(ctx, numberID)
	}
	return l.checkOfficialCeilings(ctx, numberID)
}

func (l *Limiter) checkQRCodeDelay(ctx context.Context, numberID uuid.UUID) (bool, string, error) {
	last, err := l.store.Get(ctx, keyLast(numberID))
	if err != nil {
		return false, "", apperrors.Transient("read last-send marker", err)
	}
	if last == "" {
		return true, "", nil
	}
	lastSend, err := time.Parse(time.RFC3339Nano, last)
	if err != nil {
		return true, "", nil
	}
	if l.clock.Now().Sub(lastSend) < l.limits.QRCodeMinDelay {
		return false, "min_delay_not_elapsed", nil
	}
	return true, "", nil
}

func (l *Limiter) checkOfficialCeilings(ctx context.Context, numberID uuid.UUID) (bool, string, error) {
	minuteCount, err := l.peek(ctx, keyMinute(numberID))
	if err != nil {
		return false, "", err
	}
	if int(minuteCount) >= l.limits.OfficialPerMinute {
		return false, "minute_ceiling", nil
	}

	hourCount, err := l.peek(ctx, keyHour(numberID))
	if err != nil {
		return false, "", err
	}
	if int(hourCount) >= l.limits.OfficialPerHour {
		return false, "hour_ceiling", nil
	}

	dayCount, err := l.peek(ctx, keyDay(numberID))
	if err != nil {
		return false, "", err
	}
	if int(dayCount) >= l.limits.OfficialPerDay {
		return false, "day_ceiling", nil
	}

	return true, "", nil
}

func (l *Limiter) peek(ctx context.Context, key string) (int64, error) {
	v, err := l.store.Get(ctx, key)
	if err != nil {
		return 0, apperrors.Transient("read rate-limit counter", err)
	}
	if v == "" {
		return 0, nil
	}
	var n int64
	_, _ = fmt.Sscanf(v, "%d", &n)
	return n, nil
}

// Record consumes one unit of capacity after a message is actually sent.
// For the official channel's hard daily ceiling this increments first
// then verifies, decrementing back out on overage: INCR + conditional
// DECR, since no Lua scripting helper is wired in to make this a single
// atomic round trip.
func (l *Limiter) Record(ctx context.Context, numberID uuid.UUID, connType models.ConnectionType) error {
	if connType == models.ConnectionQRCode {
		return l.store.SetWithTTL(ctx, keyLast(numberID), l.clock.Now().Format(time.RFC3339Nano), l.limits.QRCodeMinDelay*10)
	}

	if _, err := l.store.IncrWithTTL(ctx, keyMinute(numberID), time.Minute); err != nil {
		return apperrors.Transient("incr minute counter", err)
	}
	if _, err := l.store.IncrWithTTL(ctx, keyHour(numberID), time.Hour); err != nil {
		return apperrors.Transient("incr hour counter", err)
	}

	dayCount, err := l.store.IncrWithTTL(ctx, keyDay(numberID), 24*time.Hour)
	if err != nil {
		return apperrors.Transient("incr day counter", err)
	}
	if int(dayCount) > l.limits.OfficialPerDay {
		if _, derr := l.store.Decr(ctx, keyDay(numberID)); derr != nil {
			return apperrors.Transient("decrement day counter after overage", derr)
		}
		return apperrors.RateLimited(fmt.Sprintf("official daily ceiling exceeded for number %s", numberID))
	}

	return nil
}

// WaitIfNeeded blocks until a send would be allowed, used by the
// Dispatcher's QR-code path where the gate is a fixed delay rather than
// a hard-reject ceiling. It respects ctx cancellation.
func (l *Limiter) WaitIfNeeded(ctx context.Context, numberID uuid.UUID, connType models.ConnectionType) error {
	if connType != models.ConnectionQRCode {
		return nil
	}
	for {
		allowed, _, err := l.checkQRCodeDelay(ctx, numberID)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(25 * time.Millisecond):
		}
	}
}

// Usage returns current counters for observability/admin surfaces.
func (l *Limiter) Usage(ctx context.Context, numberID uuid.UUID) (Usage, error) {
	minute, err := l.peek(ctx, keyMinute(numberID))
	if err != nil {
		return Usage{}, err
	}
	hour, err := l.peek(ctx, keyHour(numberID))
	if err != nil {
		return Usage{}, err
	}
	day, err := l.peek(ctx, keyDay(numberID))
	if err != nil {
		return Usage{}, err
	}
	return Usage{Minute: minute, Hour: hour, Day: day}, nil
}
