// Package gateway owns the lifetime of every organization's
// whatsapp.Provider: it builds one adapter per WhatsAppNumber row,
// connects it, and routes its inbound events into the Inbound Processor
// — the concrete type cmd/core wires as both dispatcher.ProviderResolver
// and the Inbound Processor's event source.
package gateway

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/inbound"
	"github.com/wacore-labs/runtime/internal/models"
	"github.com/wacore-labs/runtime/internal/repositories"
	"github.com/wacore-labs/runtime/internal/whatsapp"
)

// Inbound is the Inbound Processor capability the registry feeds every
// normalized event into, regardless of which channel produced it.
type Inbound interface {
	Handle(ctx context.Context, evt inbound.Event) error
}

// Registry builds, connects and caches one whatsapp.Provider per
// WhatsAppNumber, keyed by number row rather than by client.
type Registry struct {
	numbers    repositories.WhatsAppNumberRepo
	apiVersion string
	storeURL   string
	inbound    Inbound

	mu        sync.RWMutex
	providers map[uuid.UUID]whatsapp.Provider
	connTypes map[uuid.UUID]models.ConnectionType
}

func NewRegistry(numbers repositories.WhatsAppNumberRepo, apiVersion, storeURL string) *Registry {
	return &Registry{
		numbers:    numbers,
		apiVersion: apiVersion,
		storeURL:   storeURL,
		providers:  make(map[uuid.UUID]whatsapp.Provider),
		connTypes:  make(map[uuid.UUID]models.ConnectionType),
	}
}

// SetInbound wires the registry's event sink after construction, since
// the Inbound Processor is built after the registry: the Dispatcher
// resolves providers through the registry, and the Flow Engine and the
// processor are built on top of the Dispatcher. cmd/core calls this once
// the processor exists.
func (r *Registry) SetInbound(inbound Inbound) {
	r.inbound = inbound
}

// ConnectAll builds and connects an adapter for every WhatsAppNumber row,
// logging and skipping (rather than aborting startup over) any single
// number that fails to connect.
func (r *Registry) ConnectAll(ctx context.Context) error {
	numbers, err := r.numbers.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("list whatsapp numbers: %w", err)
	}

	for i := range numbers {
		n := numbers[i]
		provider, err := r.build(n)
		if err != nil {
			log.Printf("⚠️ gateway: skipping number %s (%s): %v", n.ID, n.DisplayPhone, err)
			continue
		}
		if err := provider.Connect(ctx); err != nil {
			log.Printf("⚠️ gateway: failed to connect number %s (%s): %v", n.ID, n.DisplayPhone, err)
			continue
		}

		r.mu.Lock()
		r.providers[n.ID] = provider
		r.connTypes[n.ID] = n.ConnectionType
		r.mu.Unlock()

		numberID := n.ID
		if err := provider.StartListening(r.handlerFor(numberID)); err != nil {
			log.Printf("⚠️ gateway: failed to start listening on number %s: %v", n.ID, err)
		}
		log.Printf("✅ gateway: connected whatsapp number %s (%s, %s)", n.ID, n.DisplayPhone, n.ConnectionType)
	}
	return nil
}

func (r *Registry) handlerFor(numberID uuid.UUID) func(whatsapp.InboundEvent) {
	return func(evt whatsapp.InboundEvent) {
		if r.inbound == nil {
			log.Printf("⚠️ gateway: dropped inbound event for %s, no processor wired", numberID)
			return
		}
		err := r.inbound.Handle(context.Background(), inbound.Event{
			WhatsAppNumberID:  numberID,
			FromPhone:         evt.From,
			Body:              evt.Body,
			ProviderMessageID: evt.ProviderMessageID,
		})
		if err != nil {
			log.Printf("⚠️ gateway: inbound processing failed for number %s: %v", numberID, err)
		}
	}
}

// Resolve satisfies dispatcher.ProviderResolver: an already-connected
// provider is reused; a cold one (e.g. after a process restart before
// ConnectAll ran for it) is built and connected lazily.
func (r *Registry) Resolve(ctx context.Context, numberID uuid.UUID) (whatsapp.Provider, models.ConnectionType, error) {
	r.mu.RLock()
	provider, ok := r.providers[numberID]
	connType := r.connTypes[numberID]
	r.mu.RUnlock()
	if ok {
		return provider, connType, nil
	}

	n, err := r.numbers.Get(ctx, numberID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve provider: load whatsapp number: %w", err)
	}
	provider, err = r.build(*n)
	if err != nil {
		return nil, "", fmt.Errorf("resolve provider: %w", err)
	}
	if err := provider.Connect(ctx); err != nil {
		return nil, "", fmt.Errorf("resolve provider: connect: %w", err)
	}

	r.mu.Lock()
	r.providers[numberID] = provider
	r.connTypes[numberID] = n.ConnectionType
	r.mu.Unlock()

	return provider, n.ConnectionType, nil
}

func (r *Registry) build(n models.WhatsAppNumber) (whatsapp.Provider, error) {
	switch n.ConnectionType {
	case models.ConnectionOfficial:
		return whatsapp.NewProvider(whatsapp.Config{
			Type:          whatsapp.TypeOfficial,
			PhoneNumberID: n.PhoneNumberID,
			AccessToken:   n.AccessToken,
			APIVersion:    r.apiVersion,
		})
	case models.ConnectionQRCode:
		return whatsapp.NewProvider(whatsapp.Config{
			Type:      whatsapp.TypeQRCode,
			StoreURL:  r.storeURL,
			SessionID: n.SessionID,
		})
	default:
		return nil, fmt.Errorf("unknown connection type %q for number %s", n.ConnectionType, n.ID)
	}
}

// Disconnect tears down every connected provider, called on shutdown.
func (r *Registry) Disconnect(ctx context.Context) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, provider := range r.providers {
		provider.Disconnect(ctx)
		log.Printf("🔌 gateway: disconnected whatsapp number %s", id)
	}
}
