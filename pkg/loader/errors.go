package loader

import "errors"

// Error categories follow the contract taxonomy: configuration and
// state-consistency errors are synchronous and wrap one of the sentinels
// below; pipeline failures (a fetch, transform, dependency, or compile
// handler failing) are propagated to the caller with their identity intact
// so errors.Is still reaches the original cause. Library users check
// against these with errors.Is.
var (
	// ErrConfigValidation indicates the Options given to NewLoader (or an
	// argument to a public operation) violate the contract.
	ErrConfigValidation = errors.New("invalid loader configuration")

	// ErrInvalidMeta indicates a meta reached the pipeline without being
	// compile-ready: it carries neither source text nor a compiled
	// artifact.
	ErrInvalidMeta = errors.New("module meta is not compile-ready")

	// ErrAlreadyRegistered indicates Register was called for a name the
	// manager cache or the loader store already knows.
	ErrAlreadyRegistered = errors.New("module already registered")

	// ErrAlreadyCompiled indicates a compile was requested for a name
	// whose finished Module already sits in the module cache; fetch it
	// from the cache instead.
	ErrAlreadyCompiled = errors.New("module already compiled")

	// ErrNotLoaded indicates a compile or build was requested for a name
	// that is not in loaded state.
	ErrNotLoaded = errors.New("module meta is not loaded")

	// ErrNotPending indicates LoadPending was called for a name that is
	// not in pending state.
	ErrNotPending = errors.New("module meta is not pending")

	// ErrNotModule indicates LinkModule received a nil module value.
	ErrNotModule = errors.New("value is not a module")

	// ErrNoFetcher indicates a fetch was required but no fetch
	// collaborator is configured.
	ErrNoFetcher = errors.New("no fetch collaborator configured")

	// ErrFetchFailed wraps a fetch collaborator failure.
	ErrFetchFailed = errors.New("module fetch failed")

	// ErrCyclicDependency indicates a dependency chain revisited one of
	// its own ancestors. The error message names the cycle path.
	ErrCyclicDependency = errors.New("cyclic module dependency")
)
