// Package testutil provides shared mocks and helper collaborators for
// loader tests.
package testutil

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/nucliweb/bit-loader/pkg/loader"
	"github.com/nucliweb/bit-loader/pkg/loader/module"
	"github.com/nucliweb/bit-loader/pkg/loader/plugin"
	"github.com/nucliweb/bit-loader/pkg/loader/store"
)

// MockResolver mocks loader.Resolver.
type MockResolver struct {
	mock.Mock
}

func (m *MockResolver) Resolve(ctx context.Context, meta *module.Meta) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

// MockFetcher mocks loader.Fetcher.
type MockFetcher struct {
	mock.Mock
}

func (m *MockFetcher) Fetch(ctx context.Context, meta *module.Meta) error {
	args := m.Called(ctx, meta)
	return args.Error(0)
}

// MockCompiler mocks loader.Compiler.
type MockCompiler struct {
	mock.Mock
}

func (m *MockCompiler) Compile(ctx context.Context, meta *module.Meta) (*module.Module, error) {
	args := m.Called(ctx, meta)
	mod, _ := args.Get(0).(*module.Module)
	return mod, args.Error(1)
}

// MockLinker mocks loader.Linker.
type MockLinker struct {
	mock.Mock
}

func (m *MockLinker) Link(ctx context.Context, host loader.Host, mod *module.Module) (*module.Module, error) {
	args := m.Called(ctx, host, mod)
	linked, _ := args.Get(0).(*module.Module)
	return linked, args.Error(1)
}

// MockHooks mocks loader.Hooks.
type MockHooks struct {
	mock.Mock
}

func (m *MockHooks) OnStateChange(name string, from, to store.State) error {
	args := m.Called(name, from, to)
	return args.Error(0)
}

func (m *MockHooks) OnModuleLoaded(name string, duration time.Duration) error {
	args := m.Called(name, duration)
	return args.Error(0)
}

func (m *MockHooks) OnDiagnostic(event loader.Event) error {
	args := m.Called(event)
	return args.Error(0)
}

// MockIgnoreMatcher mocks loader.IgnoreMatcher.
type MockIgnoreMatcher struct {
	mock.Mock
}

func (m *MockIgnoreMatcher) Match(name string, stage plugin.Hook) bool {
	args := m.Called(name, stage)
	return args.Bool(0)
}
