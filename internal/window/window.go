// Package window implements the 24-hour customer-service window engine:
// every mutation is a compare-and-set against ConversationWindow.Version,
// never a bare read-then-write, and a store read failure is always
// surfaced as a transient error rather than a false "window open" result.
package window

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/apperrors"
	"github.com/wacore-labs/runtime/internal/clock"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
)

type Engine struct {
	windows repositories.WindowRepo
	clock   clock.Clock
	// duration is the window length, normally 24h.
	duration time.Duration
}

func NewEngine(windows repositories.WindowRepo, clk clock.Clock, duration time.Duration) *Engine {
	return &Engine{windows: windows, clock: clk, duration: duration}
}

// Open creates the initial window for a brand-new conversation, starting
// the clock at the first inbound message.
func (e *Engine) Open(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error) {
	now := e.clock.Now()
	w := &models.ConversationWindow{
		ConversationID: conversationID,
		Status:         models.WindowOpen,
		OpenedAt:       now,
		ExpiresAt:      now.Add(e.duration),
		Version:        0,
	}
	if err := e.windows.Create(ctx, w); err != nil {
		return nil, apperrors.Internal("create window", err)
	}
	return w, nil
}

// Status returns the window's status, lazily closing it in the returned
// value (not yet persisted) if expiry has passed — callers that need the
// persisted transition should call CloseExpired.
func (e *Engine) Status(ctx context.Context, conversationID uuid.UUID) (models.WindowStatus, error) {
	w, err := e.windows.Get(ctx, conversationID)
	if err != nil {
		return "", apperrors.Transient("get window status", err)
	}
	if w.Status == models.WindowOpen && !e.clock.Now().Before(w.ExpiresAt) {
		return models.WindowExpired, nil
	}
	return w.Status, nil
}

// CanSendFreeMessage reports whether an outbound message may be sent
// without a template, i.e. the window is open and not yet expired. A
// store failure propagates as an error rather than silently returning
// false or true: never report a false within-window result on a
// transient read failure.
func (e *Engine) CanSendFreeMessage(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	status, err := e.Status(ctx, conversationID)
	if err != nil {
		return false, err
	}
	return status == models.WindowOpen, nil
}

// Validate returns a WindowClosed error if the window is not open,
// allowing callers like the Dispatcher to short-circuit on a single
// call instead of duplicating the CanSendFreeMessage check.
func (e *Engine) Validate(ctx context.Context, conversationID uuid.UUID) error {
	ok, err := e.CanSendFreeMessage(ctx, conversationID)
	if err != nil {
		return err
	}
	if !ok {
		return apperrors.WindowClosed(fmt.Sprintf("window closed for conversation %s", conversationID))
	}
	return nil
}

// ResetOnInbound extends the window from "now" whenever a genuine
// customer-authored inbound message arrives — never a bot/system echo.
// last_user_message_at is what drives the reset. It returns the window
// as persisted so callers can mirror ExpiresAt onto the Conversation row.
func (e *Engine) ResetOnInbound(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error) {
	return e.cas(ctx, conversationID, func(w *models.ConversationWindow) {
		now := e.clock.Now()
		w.Status = models.WindowOpen
		w.OpenedAt = now
		w.ExpiresAt = now.Add(e.duration)
		w.ExtendedByAdmin = false
	})
}

// Extend is the admin override: it pushes ExpiresAt out by the given
// duration from now regardless of current status, and marks the window
// as admin-extended (ResetOnInbound clears the mark). Callers are responsible for
// persisting the accompanying admin-action audit record.
func (e *Engine) Extend(ctx context.Context, conversationID uuid.UUID, extension time.Duration) error {
	if extension <= 0 {
		extension = e.duration
	}
	_, err := e.cas(ctx, conversationID, func(w *models.ConversationWindow) {
		w.Status = models.WindowOpen
		w.ExpiresAt = e.clock.Now().Add(extension)
		w.ExtendedByAdmin = true
	})
	return err
}

// CloseExpired persists the expired status for a window whose ExpiresAt
// has passed, reporting whether this call is the one that performed the
// transition. It is idempotent: calling it on an already-closed window
// is a no-op returning false. Of any number of overlapping sweeps racing
// the same window, exactly one observes transitioned == true.
func (e *Engine) CloseExpired(ctx context.Context, conversationID uuid.UUID) (bool, error) {
	w, err := e.windows.Get(ctx, conversationID)
	if err != nil {
		return false, apperrors.Transient("get window for close", err)
	}
	if w.Status == models.WindowExpired {
		return false, nil
	}
	if e.clock.Now().Before(w.ExpiresAt) {
		return false, nil
	}
	// A single compare-and-set against the version read above: losing it
	// means another writer changed the window first, so this call did not
	// perform the transition.
	w.Status = models.WindowExpired
	ok, err := e.windows.CompareAndSwap(ctx, w)
	if err != nil {
		return false, apperrors.Transient("compare-and-swap window", err)
	}
	return ok, nil
}

// cas retries the compare-and-set loop against a fresh read whenever it
// loses a race, bounded by a small retry count since two concurrent
// writers converge within a couple of attempts. It returns the window as
// it was left after the winning mutate call.
func (e *Engine) cas(ctx context.Context, conversationID uuid.UUID, mutate func(w *models.ConversationWindow)) (*models.ConversationWindow, error) {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		w, err := e.windows.Get(ctx, conversationID)
		if err != nil {
			return nil, apperrors.Transient("get window", err)
		}
		mutate(w)

		ok, err := e.windows.CompareAndSwap(ctx, w)
		if err != nil {
			return nil, apperrors.Transient("compare-and-swap window", err)
		}
		if ok {
			return w, nil
		}
	}
	return nil, apperrors.Conflict(fmt.Sprintf("window %s: exhausted compare-and-swap retries", conversationID))
}
