package engine

import (
	"context"
	"errors"
	"fmt"
)

// Launch runs fn inside the executor's provisioning and connection scopes.
// Cleanup runs after disconnect and before the setup teardown, including
// when Connect fails.
func Launch(ctx context.Context, executor Executor, fn func(ctx context.Context, address string) error) (err error) {
	address, teardown, err := executor.Setup(ctx)
	if err != nil {
		return fmt.Errorf("executor setup: %w", err)
	}
	if teardown == nil {
		teardown = Nop
	}
	defer func() {
		err = errors.Join(err, wrap("executor teardown", teardown(context.WithoutCancel(ctx))))
	}()
	defer func() {
		err = errors.Join(err, wrap("executor cleanup", executor.Cleanup(context.WithoutCancel(ctx))))
	}()

	return connect(ctx, executor, address, func(ctx context.Context) error {
		return fn(ctx, address)
	})
}

// connect runs fn inside a Connect scope of executor.
func connect(ctx context.Context, executor Executor, address string, fn func(ctx context.Context) error) (err error) {
	disconnect, err := executor.Connect(ctx, address)
	if err != nil {
		return fmt.Errorf("connect %q: %w", address, err)
	}
	if disconnect == nil {
		disconnect = Nop
	}
	defer func() {
		err = errors.Join(err, wrap("disconnect", disconnect(context.WithoutCancel(ctx))))
	}()

	return fn(ctx)
}

// Session is the set of handles available inside a connect scope. Storage
// and Repository are nil when the scope was opened without binding them.
type Session struct {
	// Address is the executor address the scope is connected to.
	Address string

	// Executor is the connected executor.
	Executor Executor

	// Storage is the storage binding.
	Storage *Binding

	// Repository is the repository binding.
	Repository *Binding
}

// ConnectOptions selects which capabilities are bound in a connect scope.
type ConnectOptions struct {
	// BindStorage binds the orchestrator's storage.
	BindStorage bool

	// BindRepository binds the orchestrator's repository.
	BindRepository bool
}

// Launch provisions the executor and runs fn with storage and repository
// bound.
func (o *Orchestrator) Launch(ctx context.Context, fn func(ctx context.Context, s *Session) error) error {
	return Launch(ctx, o.executor, func(ctx context.Context, address string) error {
		return o.session(ctx, address, ConnectOptions{BindStorage: true, BindRepository: true}, fn)
	})
}

// Connect opens a connect scope against an existing address without
// provisioning anything.
func (o *Orchestrator) Connect(ctx context.Context, address string, opts ConnectOptions, fn func(ctx context.Context, s *Session) error) error {
	return connect(ctx, o.executor, address, func(ctx context.Context) error {
		return o.session(ctx, address, opts, fn)
	})
}

func (o *Orchestrator) session(ctx context.Context, address string, opts ConnectOptions, fn func(ctx context.Context, s *Session) error) (err error) {
	s := &Session{Address: address, Executor: o.executor}

	if opts.BindStorage {
		s.Storage, err = Bind(ctx, o.executor, o.storage)
		if err != nil {
			return fmt.Errorf("storage setup: %w", err)
		}
		defer func() {
			err = errors.Join(err, wrap("storage teardown", s.Storage.Release(context.WithoutCancel(ctx))))
		}()
	}

	if opts.BindRepository {
		s.Repository, err = Bind(ctx, o.executor, o.repository)
		if err != nil {
			return fmt.Errorf("repository setup: %w", err)
		}
		defer func() {
			err = errors.Join(err, wrap("repository teardown", s.Repository.Release(context.WithoutCancel(ctx))))
		}()
	}

	return fn(ctx, s)
}

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}
