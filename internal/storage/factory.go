package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mitchellh/mapstructure"
)

// Constructor builds a backend from decoded-on-demand options.
type Constructor func(ctx context.Context, opts map[string]any) (Backend, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Constructor)
)

// Register makes a backend type available to New. Backend packages call it
// from init.
func Register(backendType string, fn Constructor) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[backendType]; dup {
		panic("storage: Register called twice for " + backendType)
	}
	registry[backendType] = fn
}

// Types lists the registered backend types.
func Types() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for t := range registry {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// New creates a Backend from a backend type string and an option map.
func New(ctx context.Context, backendType string, opts map[string]any) (Backend, error) {
	registryMu.RLock()
	fn, ok := registry[backendType]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown backend type: %s", backendType)
	}
	return fn(ctx, opts)
}

// DecodeOptions decodes an option map into a backend config struct using its
// mapstructure tags. Unknown keys are rejected.
func DecodeOptions(opts map[string]any, out any) error {
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
	})
	if err != nil {
		return err
	}
	if err := dec.Decode(opts); err != nil {
		return fmt.Errorf("decode storage options: %w", err)
	}
	return nil
}
