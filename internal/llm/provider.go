// Package llm wraps the LLM backing the flow engine's ai_prompt node
// type behind a provider-wrapped-by-Service shape.
package llm

import "context"

// Provider is the capability an ai_prompt node depends on.
type Provider interface {
	GenerateResponse(ctx context.Context, systemPrompt, userMessage string) (string, error)
	GetProviderName() string
}

// Service wraps a Provider for dependency injection.
type Service struct {
	provider Provider
}

func NewService(provider Provider) *Service {
	return &Service{provider: provider}
}

func (s *Service) GenerateResponse(ctx context.Context, systemPrompt, userMessage string) (string, error) {
	return s.provider.GenerateResponse(ctx, systemPrompt, userMessage)
}

func (s *Service) GetProviderName() string {
	return s.provider.GetProviderName()
}
