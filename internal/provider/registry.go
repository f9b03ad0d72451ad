package provider

import (
	"context"
	"fmt"
	"log/slog"

	"chatstream/internal/apperr"
	"chatstream/internal/config"
)

// Status is a health summary entry returned by Registry.ListProviders.
type Status struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
	OK      bool   `json:"ok"`
}

// Registry builds the enabled adapters from configuration and exposes
// lookup, aggregated health, and shutdown. Misconfigured entries are logged
// and skipped rather than failing startup.
type Registry struct {
	providers map[string]Provider
	order     []string
}

func NewRegistry(cfg *config.Config) *Registry {
	r := &Registry{providers: make(map[string]Provider)}

	for _, id := range cfg.EnabledProviders {
		var p Provider
		switch id {
		case TypeLMStudio:
			p = NewLMStudio(cfg.LMStudioBaseURL, cfg.ProviderTimeout, cfg.ProviderMaxRetries)
		case TypeOllama:
			p = NewOllama(cfg.OllamaBaseURL, cfg.ProviderTimeout, cfg.ProviderMaxRetries)
		case TypeOpenAICompat:
			if cfg.OpenAICompatBaseURL == "" {
				slog.Warn("OPENAI_COMPAT_BASE_URL not set, skipping provider")
				continue
			}
			p = NewOpenAICompat(cfg.OpenAICompatBaseURL, cfg.OpenAICompatAPIKey, cfg.ProviderTimeout, cfg.ProviderMaxRetries)
		default:
			slog.Warn("unknown provider id in configuration", "id", id)
			continue
		}
		if _, dup := r.providers[p.ID()]; dup {
			continue
		}
		r.providers[p.ID()] = p
		r.order = append(r.order, p.ID())
	}

	slog.Info("provider registry initialized", "providers", r.order, "default", cfg.DefaultProvider)
	return r
}

// Get resolves a provider by id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, apperr.NotFound(fmt.Sprintf("Provider %q not found", id))
	}
	return p, nil
}

// ListProviders returns every enabled provider with a best-effort live
// healthcheck. A probe failure marks the entry unhealthy, it never propagates.
func (r *Registry) ListProviders(ctx context.Context) []Status {
	statuses := make([]Status, 0, len(r.order))
	for _, id := range r.order {
		p := r.providers[id]
		statuses = append(statuses, Status{
			ID:      id,
			Name:    p.Name(),
			Enabled: true,
			OK:      p.Healthcheck(ctx),
		})
	}
	return statuses
}

// ListModels aggregates models for one provider, or all of them when id is
// empty.
func (r *Registry) ListModels(ctx context.Context, id string) ([]ModelInfo, error) {
	if id != "" {
		p, err := r.Get(id)
		if err != nil {
			return nil, err
		}
		return p.ListModels(ctx)
	}

	var models []ModelInfo
	for _, pid := range r.order {
		ms, err := r.providers[pid].ListModels(ctx)
		if err != nil {
			return nil, err
		}
		models = append(models, ms...)
	}
	return models, nil
}

// Close shuts down every adapter. Cleanup is best-effort: one adapter
// failing to close does not stop the others.
func (r *Registry) Close() {
	for _, id := range r.order {
		if err := r.providers[id].Close(); err != nil {
			slog.Warn("error closing provider client", "provider", id, "error", err)
		}
	}
}
