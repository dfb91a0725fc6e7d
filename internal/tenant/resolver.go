// Package tenant resolves which organization and WhatsApp number an
// inbound webhook belongs to: a "which company owns this phone number"
// lookup against the repository layer.
package tenant

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/wacore-labs/runtime/internal/repositories"
)

// Ctx is the tenant scope every downstream component operates under.
type Ctx struct {
	OrganizationID   uuid.UUID
	WhatsAppNumberID uuid.UUID
}

type Resolver struct {
	numbers repositories.WhatsAppNumberRepo
}

func NewResolver(numbers repositories.WhatsAppNumberRepo) *Resolver {
	return &Resolver{numbers: numbers}
}

// ResolveFromDisplayPhone determines which organization/number a webhook
// delivered to "to" phone belongs to.
func (r *Resolver) ResolveFromDisplayPhone(ctx context.Context, displayPhone string) (*Ctx, error) {
	n, err := r.numbers.FindByDisplayPhone(ctx, displayPhone)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant from phone %s: %w", displayPhone, err)
	}
	return &Ctx{OrganizationID: n.OrganizationID, WhatsAppNumberID: n.ID}, nil
}

// ResolveFromNumberID is used by the admin HTTP handler, which is given
// a whatsapp_number_id rather than a display phone.
func (r *Resolver) ResolveFromNumberID(ctx context.Context, numberID uuid.UUID) (*Ctx, error) {
	n, err := r.numbers.Get(ctx, numberID)
	if err != nil {
		return nil, fmt.Errorf("resolve tenant from number id %s: %w", numberID, err)
	}
	return &Ctx{OrganizationID: n.OrganizationID, WhatsAppNumberID: n.ID}, nil
}
