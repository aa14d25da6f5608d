package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/virta/pkg/api"
	"github.com/petrijr/virta/pkg/workflow"
)

// Registry holds the workflow and activity functions workers execute.
// Registration is validated eagerly so misconfiguration surfaces at startup
// rather than mid-run.
type Registry struct {
	mu         sync.RWMutex
	workflows  map[string]workflow.Func
	activities map[string]api.ActivityFunc
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		workflows:  make(map[string]workflow.Func),
		activities: make(map[string]api.ActivityFunc),
	}
}

// RegisterWorkflow registers fn under the given workflow type name.
func (r *Registry) RegisterWorkflow(name string, fn workflow.Func) error {
	if name == "" {
		return fmt.Errorf("workflow type name is required")
	}
	if fn == nil {
		return fmt.Errorf("workflow %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workflows[name]; exists {
		return fmt.Errorf("workflow %q already registered", name)
	}
	r.workflows[name] = fn
	return nil
}

// RegisterActivity registers fn under the given activity name.
func (r *Registry) RegisterActivity(name string, fn api.ActivityFunc) error {
	if name == "" {
		return fmt.Errorf("activity name is required")
	}
	if fn == nil {
		return fmt.Errorf("activity %q: function is nil", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.activities[name]; exists {
		return fmt.Errorf("activity %q already registered", name)
	}
	r.activities[name] = fn
	return nil
}

// Workflow looks up a registered workflow function.
func (r *Registry) Workflow(name string) (workflow.Func, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.workflows[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q not registered", name)
	}
	return fn, nil
}

// Activity looks up a registered activity function.
func (r *Registry) Activity(name string) (api.ActivityFunc, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	fn, ok := r.activities[name]
	if !ok {
		return nil, fmt.Errorf("activity %q not registered", name)
	}
	return fn, nil
}
