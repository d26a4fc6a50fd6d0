package engine

import (
	"errors"
	"fmt"
	"sync"

	"github.com/petrijr/durable/pkg/api"
)

type registry struct {
	mu             sync.RWMutex
	orchestrations map[string]api.OrchestrationDefinition
	activities     map[string]api.ActivityDefinition
}

func newRegistry() *registry {
	return &registry{
		orchestrations: make(map[string]api.OrchestrationDefinition),
		activities:     make(map[string]api.ActivityDefinition),
	}
}

func (r *registry) RegisterOrchestration(def api.OrchestrationDefinition) error {
	if def.Name == "" {
		return errors.New("orchestration name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("orchestration %q has no function", def.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.orchestrations[def.Name]; exists {
		return fmt.Errorf("%w: orchestration %q", api.ErrAlreadyRegistered, def.Name)
	}
	r.orchestrations[def.Name] = def
	return nil
}

func (r *registry) RegisterActivity(def api.ActivityDefinition) error {
	if def.Name == "" {
		return errors.New("activity name is required")
	}
	if def.Fn == nil {
		return fmt.Errorf("activity %q has no function", def.Name)
	}
	if def.Options.Retry != nil {
		if err := def.Options.Retry.Validate(); err != nil {
			return fmt.Errorf("activity %q: %w", def.Name, err)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[def.Name]; exists {
		return fmt.Errorf("%w: activity %q", api.ErrAlreadyRegistered, def.Name)
	}
	r.activities[def.Name] = def
	return nil
}

func (r *registry) Orchestration(name string) (api.OrchestrationDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.orchestrations[name]
	if !ok {
		return api.OrchestrationDefinition{}, fmt.Errorf("%w: %s", api.ErrUnknownOrchestration, name)
	}
	return def, nil
}

func (r *registry) Activity(name string) (api.ActivityDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.activities[name]
	if !ok {
		return api.ActivityDefinition{}, fmt.Errorf("%w: %s", api.ErrUnknownActivity, name)
	}
	return def, nil
}
