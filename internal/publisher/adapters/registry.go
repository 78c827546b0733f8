package adapters

import (
	"strings"

	"github.com/smallbiznis/publica/internal/publisher/domain"
)

type Registry struct {
	adapters map[string]domain.Adapter
}

func NewRegistry(adapters ...domain.Adapter) *Registry {
	registry := &Registry{adapters: map[string]domain.Adapter{}}
	for _, adapter := range adapters {
		if adapter == nil {
			continue
		}
		platform := strings.ToLower(strings.TrimSpace(adapter.Platform()))
		if platform == "" {
			continue
		}
		registry.adapters[platform] = adapter
	}
	return registry
}

func (r *Registry) PlatformExists(platform string) bool {
	if r == nil {
		return false
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	_, ok := r.adapters[platform]
	return ok
}

func (r *Registry) Adapter(platform string) (domain.Adapter, error) {
	if r == nil {
		return nil, domain.ErrPlatformNotFound
	}
	platform = strings.ToLower(strings.TrimSpace(platform))
	adapter, ok := r.adapters[platform]
	if !ok {
		return nil, domain.ErrPlatformNotFound
	}
	return adapter, nil
}

func (r *Registry) Platforms() []string {
	if r == nil {
		return nil
	}
	platforms := make([]string, 0, len(r.adapters))
	for platform := range r.adapters {
		platforms = append(platforms, platform)
	}
	return platforms
}
