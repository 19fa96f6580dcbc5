package llm

import (
	"context"
	"errors"
	"fmt"
	"maps"
)

// MultiClient sends each model to the provider registered for it.
// Models nobody claimed go to the fallback client.
type MultiClient struct {
	clients  map[string]Client // provider name → client
	models   map[string]string // model name → provider name
	fallback Client
}

// NewMultiClient returns a router with no providers besides fallback.
func NewMultiClient(fallback Client) *MultiClient {
	return &MultiClient{
		clients:  make(map[string]Client),
		models:   make(map[string]string),
		fallback: fallback,
	}
}

// AddProvider registers client under a provider name.
func (m *MultiClient) AddProvider(name string, client Client) {
	m.clients[name] = client
}

// AddModel routes modelName to providerName.
func (m *MultiClient) AddModel(modelName, providerName string) {
	m.models[modelName] = providerName
}

// Providers returns a copy of the registered providers by name.
func (m *MultiClient) Providers() map[string]Client {
	return maps.Clone(m.clients)
}

// route resolves model to a provider. The name is empty when the
// fallback serves it.
func (m *MultiClient) route(model string) (string, Client) {
	if name, ok := m.models[model]; ok {
		if client, ok := m.clients[name]; ok {
			return name, client
		}
	}
	return "", m.fallback
}

// ProviderFor returns the provider name serving model, or "" when the
// fallback client handles it.
func (m *MultiClient) ProviderFor(model string) string {
	name, _ := m.route(model)
	return name
}

func (m *MultiClient) Chat(ctx context.Context, model string, messages []Message) (*ChatResponse, error) {
	_, client := m.route(model)
	if client == nil {
		return nil, fmt.Errorf("no provider configured for model %q", model)
	}
	return client.Chat(ctx, model, messages)
}

// Ping checks the fallback provider only.
func (m *MultiClient) Ping(ctx context.Context) error {
	if m.fallback == nil {
		return errors.New("no fallback client configured")
	}
	return m.fallback.Ping(ctx)
}
