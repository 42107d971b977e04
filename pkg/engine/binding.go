package engine

import (
	"context"
	"sync"
)

// Binding is the handle through which a storage or repository runs commands
// on an executor. The zero Binding is unbound.
type Binding struct {
	mu       sync.Mutex
	executor Executor
	teardown Teardown
}

// Bind associates b with executor and runs b's setup through the binding.
// The returned Binding must be released exactly once.
func Bind(ctx context.Context, executor Executor, b Bindable) (*Binding, error) {
	binding := &Binding{executor: executor}

	teardown, err := b.Setup(ctx, binding)
	if err != nil {
		binding.clear()
		return nil, err
	}
	if teardown == nil {
		teardown = Nop
	}

	binding.mu.Lock()
	binding.teardown = teardown
	binding.mu.Unlock()

	return binding, nil
}

// Command forwards cmd to the bound executor.
func (b *Binding) Command(ctx context.Context, cmd Command) error {
	b.mu.Lock()
	executor := b.executor
	b.mu.Unlock()

	if executor == nil {
		return ErrBindingRequired
	}
	return executor.Command(ctx, cmd)
}

// Bound reports whether the binding currently has an executor.
func (b *Binding) Bound() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.executor != nil
}

// Release runs the bindable's teardown and clears the executor, whether or
// not the teardown succeeds. Releasing twice is a no-op.
func (b *Binding) Release(ctx context.Context) error {
	b.mu.Lock()
	teardown := b.teardown
	b.teardown = nil
	b.mu.Unlock()

	var err error
	if teardown != nil {
		err = teardown(ctx)
	}
	b.clear()
	return err
}

func (b *Binding) clear() {
	b.mu.Lock()
	b.executor = nil
	b.mu.Unlock()
}
