// Package plugin defines the callback step contract and the immutable
// registry steps are resolved from.
package plugin

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/you-humble/fileflow/internal/domain"
)

// TaskInfo is the read-only view of a task handed to every step.
type TaskInfo struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Checksum    string
	StoragePath string
	ContentHash string
	CreatedAt   time.Time
}

type Request struct {
	Task   TaskInfo
	Step   string
	Index  int
	Params map[string]string
	// Outputs accumulated by earlier steps.
	Outputs map[string]string
	// WorkDir is scratch space scoped to the task, removed when the chain
	// stops.
	WorkDir string
}

type Result struct {
	Outputs      map[string]string
	DerivedFiles []domain.DerivedFile
	Err          *Failure
}

type Failure struct {
	Message   string
	Retryable bool
}

func Succeeded(outputs map[string]string, derived ...domain.DerivedFile) Result {
	return Result{Outputs: outputs, DerivedFiles: derived}
}

func Failed(retryable bool, format string, args ...any) Result {
	return Result{Err: &Failure{Message: fmt.Sprintf(format, args...), Retryable: retryable}}
}

type Plugin interface {
	Name() string
	Execute(ctx context.Context, req Request) Result
}

// Func adapts a function to Plugin.
type Func struct {
	PluginName string
	Fn         func(ctx context.Context, req Request) Result
}

func (f Func) Name() string { return f.PluginName }

func (f Func) Execute(ctx context.Context, req Request) Result { return f.Fn(ctx, req) }

// Registry maps step names to plugins. It is built once and never mutated.
type Registry struct {
	plugins map[string]Plugin
}

func NewRegistry(plugins ...Plugin) (*Registry, error) {
	m := make(map[string]Plugin, len(plugins))
	for _, p := range plugins {
		name := p.Name()
		if name == "" {
			return nil, fmt.Errorf("plugin with empty name")
		}
		if _, dup := m[name]; dup {
			return nil, fmt.Errorf("plugin %q registered twice", name)
		}
		m[name] = p
	}
	return &Registry{plugins: m}, nil
}

func (r *Registry) Lookup(name string) (Plugin, error) {
	p, ok := r.plugins[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownPlugin, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	return slices.Sorted(maps.Keys(r.plugins))
}

// Validate checks that every step of chain has a plugin.
func (r *Registry) Validate(chain []domain.CallbackStep) error {
	for i, s := range chain {
		if _, err := r.Lookup(s.Name); err != nil {
			return fmt.Errorf("callback %d: %w", i, err)
		}
	}
	return nil
}

func NewTaskInfo(t domain.Task) TaskInfo {
	return TaskInfo{
		ID:          t.ID,
		Filename:    t.Request.Filename,
		ContentType: t.Request.ContentType,
		Size:        t.Request.Size,
		Checksum:    t.Request.Checksum,
		StoragePath: t.ObjectKey(),
		ContentHash: t.ContentHash,
		CreatedAt:   t.CreatedAt,
	}
}
