// Package inbound implements the Inbound Processor: idempotency dedupe ->
// contact/conversation resolution -> persist -> window reset -> hand off
// to the flow engine, with per-conversation ordering enforced by
// sharding. Webhook verification happens before this, in internal/handlers.
package inbound

import (
	"context"
	"fmt"
	"hash/fnv"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/apperrors"
	"github.com/wacore-labs/runtime/internal/ephemeral"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
)

// WindowManager is the Window Engine capability the processor depends on:
// Open creates the window alongside a brand-new conversation, and
// ResetOnInbound extends it on every later genuine inbound message.
type WindowManager interface {
	Open(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error)
	ResetOnInbound(ctx context.Context, conversationID uuid.UUID) (*models.ConversationWindow, error)
}

// FlowRunner is the Flow Engine capability the processor hands a
// resolved conversation off to.
type FlowRunner interface {
	Start(ctx context.Context, conv *models.Conversation, flowID uuid.UUID) error
	Resume(ctx context.Context, conv *models.Conversation, input string) error
}

const idempotencyTTL = 24 * time.Hour

// Event is the normalized payload the webhook handler hands to the
// processor, already decoded from whichever channel delivered it.
type Event struct {
	WhatsAppNumberID  uuid.UUID
	FromPhone         string
	Body              string
	ProviderMessageID string
}

type Processor struct {
	contacts      repositories.ContactRepo
	conversations repositories.ConversationRepo
	messages      repositories.MessageRepo
	numbers       repositories.WhatsAppNumberRepo
	window        WindowManager
	flows         FlowRunner
	idempotency   ephemeral.Store
	defaultFlowID func(orgID uuid.UUID) (uuid.UUID, bool)

	shards []chan task
}

type task struct {
	ctx  context.Context
	evt  Event
	done chan error
}

// shardCount bounds in-flight concurrency while guaranteeing two inbound
// messages for the same conversation are never processed out of order:
// every conversation hashes to exactly one shard's serial queue.
const shardCount = 16

func NewProcessor(
	contacts repositories.ContactRepo,
	conversations repositories.ConversationRepo,
	messages repositories.MessageRepo,
	numbers repositories.WhatsAppNumberRepo,
	window WindowManager,
	flows FlowRunner,
	idempotency ephemeral.Store,
	defaultFlowID func(orgID uuid.UUID) (uuid.UUID, bool),
) *Processor {
	p := &Processor{
		contacts:      contacts,
		conversations: conversations,
		messages:      messages,
		numbers:       numbers,
		window:        window,
		flows:         flows,
		idempotency:   idempotency,
		defaultFlowID: defaultFlowID,
		shards:        make([]chan task, shardCount),
	}
	for i := range p.shards {
		p.shards[i] = make(chan task, 256)
		go p.runShard(p.shards[i])
	}
	return p
}

func (p *Processor) runShard(ch chan task) {
	for t := range ch {
		t.done <- p.process(t.ctx, t.evt)
	}
}

// Handle routes evt to its conversation's shard and blocks until that
// shard has processed it, preserving per-conversation ordering while
// processing different conversations concurrently.
func (p *Processor) Handle(ctx context.Context, evt Event) error {
	shard := shardFor(evt.WhatsAppNumberID.String() + ":" + evt.FromPhone)
	done := make(chan error, 1)
	select {
	case p.shards[shard] <- task{ctx: ctx, evt: evt, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func shardFor(key string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32()) % shardCount
}

func (p *Processor) process(ctx context.Context, evt Event) error {
	if evt.ProviderMessageID != "" {
		seen, err := p.idempotency.Get(ctx, idempotencyKey(evt.ProviderMessageID))
		if err != nil {
			return apperrors.Transient("check inbound idempotency", err)
		}
		if seen != "" {
			log.Printf("ℹ️ duplicate inbound message %s dropped", evt.ProviderMessageID)
			return nil
		}
	}

	number, err := p.numbers.Get(ctx, evt.WhatsAppNumberID)
	if err != nil {
		return apperrors.Internal("load whatsapp number for inbound event", err)
	}

	contact, err := p.contacts.FirstOrCreate(ctx, number.OrganizationID, evt.FromPhone)
	if err != nil {
		return apperrors.Internal("resolve contact", err)
	}

	conv, err := p.conversations.FindOpenByContact(ctx, number.OrganizationID, number.ID, contact.ID)
	if err != nil {
		return apperrors.Internal("find open conversation", err)
	}
	isNew := conv == nil
	if isNew {
		conv = &models.Conversation{
			OrganizationID:   number.OrganizationID,
			WhatsAppNumberID: number.ID,
			ContactID:        contact.ID,
			State:            models.ConversationRunning,
			IsBotActive:      true,
		}
		if err := p.conversations.Create(ctx, conv); err != nil {
			return apperrors.Internal("create conversation", err)
		}
	}

	msg := &models.Message{
		OrganizationID:    number.OrganizationID,
		ConversationID:    conv.ID,
		Direction:         models.DirectionInbound,
		SenderType:        models.SenderContact,
		Status:            models.MessageDelivered,
		Body:              evt.Body,
		ProviderMessageID: evt.ProviderMessageID,
		IdempotencyKey:    evt.ProviderMessageID,
	}
	if err := p.messages.Create(ctx, msg); err != nil {
		return apperrors.Internal("persist inbound message", err)
	}

	if evt.ProviderMessageID != "" {
		if err := p.idempotency.SetWithTTL(ctx, idempotencyKey(evt.ProviderMessageID), "1", idempotencyTTL); err != nil {
			log.Printf("⚠️ failed to record inbound idempotency marker for %s: %v", evt.ProviderMessageID, err)
		}
	}

	var win *models.ConversationWindow
	if isNew {
		win, err = p.window.Open(ctx, conv.ID)
		if err != nil {
			log.Printf("⚠️ failed to open window for new conversation %s: %v", conv.ID, err)
		}
	} else {
		win, err = p.window.ResetOnInbound(ctx, conv.ID)
		if err != nil {
			log.Printf("⚠️ failed to reset window for conversation %s: %v", conv.ID, err)
		}
	}

	// Every genuine contact-authored inbound moves last_user_message_at,
	// and window_expires_at mirrors whatever the window engine just
	// computed so readers never need to join against ConversationWindow.
	if win != nil {
		openedAt, expiresAt := win.OpenedAt, win.ExpiresAt
		conv.LastUserMessageAt = &openedAt
		conv.WindowExpiresAt = &expiresAt
		if err := p.conversations.Update(ctx, conv); err != nil {
			log.Printf("⚠️ failed to persist window mirror for conversation %s: %v", conv.ID, err)
		}
	}

	return p.handOff(ctx, conv, evt.Body)
}

// handOff routes the event to the Flow Engine: resumes a suspended flow,
// starts the organization's default flow for a brand-new conversation, or
// leaves a handed-off/closed conversation alone for a human agent.
func (p *Processor) handOff(ctx context.Context, conv *models.Conversation, body string) error {
	switch conv.State {
	case models.ConversationAwaitingUser:
		return p.flows.Resume(ctx, conv, body)
	case models.ConversationHandedOff, models.ConversationQueued, models.ConversationClosed:
		return nil
	default:
		flowID, ok := p.defaultFlowID(conv.OrganizationID)
		if !ok {
			return nil
		}
		return p.flows.Start(ctx, conv, flowID)
	}
}

func idempotencyKey(providerMessageID string) string {
	return fmt.Sprintf("inbound:dedupe:%s", providerMessageID)
}
