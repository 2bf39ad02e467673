package failure

import (
	"os"
	"sync"

	"github.com/embarklabs/embark/pkg/apperr"
	"github.com/embarklabs/embark/pkg/metrics"
)

// DefaultContextKey names the execution context used when failure
// handling runs outside any application context
const DefaultContextKey = "main"

// ForwardFunc is the delegate an uncaught failure is forwarded to,
// typically the registry of a parent execution context or a platform
// handler installed before Embark took over.
type ForwardFunc func(err error, stack []byte)

// ContextRegistry tracks already-reported failures and the pending exit
// code for one execution context. Registries are never shared between
// contexts; all mutation originates from the owning context.
type ContextRegistry struct {
	mu       sync.Mutex
	key      string
	logged   map[error]struct{}
	exitCode int
	forward  ForwardFunc

	// exitProcess is the process termination primitive, replaceable
	// for tests
	exitProcess func(code int)
}

// NewContextRegistry creates a registry for the given context key with
// an optional forward delegate
func NewContextRegistry(key string, forward ForwardFunc) *ContextRegistry {
	return &ContextRegistry{
		key:         key,
		logged:      make(map[error]struct{}),
		forward:     forward,
		exitProcess: os.Exit,
	}
}

// Key returns the execution-context key the registry is bound to
func (r *ContextRegistry) Key() string {
	return r.key
}

// RegisterLogged records that a failure has already been reported to the
// user. Registration is idempotent and keyed by identity.
func (r *ContextRegistry) RegisterLogged(err error) {
	if err == nil || !canTrack(err) {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logged[err] = struct{}{}
}

// IsLogged reports whether the failure, or anything in its cause chain,
// has already been reported within the current episode
func (r *ContextRegistry) IsLogged(err error) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return chainContains(r.logged, err)
}

// LoggedCount returns the size of the deduplication set
func (r *ContextRegistry) LoggedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.logged)
}

// RegisterExitCode stores the pending process exit code. The last caller
// within a failure episode wins: a more specific handler may run later
// with a more precise code.
func (r *ContextRegistry) RegisterExitCode(code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitCode = code
}

// ExitCode returns the pending process exit code, 0 meaning no forced
// termination
func (r *ContextRegistry) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// SetExitProcess replaces the process termination primitive
func (r *ContextRegistry) SetExitProcess(fn func(code int)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitProcess = fn
}

// HandleUncaught is the entry point for a failure that escaped the
// owning execution context. The recovered value is normalized, forwarded
// to the parent delegate when it carries a recognized diagnostic message
// or has not been reported yet, and the episode is then closed: the
// deduplication set is cleared and, if a non-zero exit code is pending,
// the process terminates. Cleanup and termination run even when the
// forward delegate panics.
func (r *ContextRegistry) HandleUncaught(recovered interface{}, stack []byte) {
	metrics.RecordUncaught(r.key)

	var err error
	if e, ok := recovered.(error); ok {
		err = e
	} else {
		err = apperr.RuntimeWithTrace(recovered, stack)
	}

	defer r.finishEpisode()

	if containsDiagnostic(err) || !r.IsLogged(err) {
		if r.forward != nil {
			metrics.RecordForwarded(r.key)
			r.forward(err, stack)
		}
	}
}

// finishEpisode clears the deduplication set and terminates the process
// when an exit code is pending. The exit code itself persists until the
// process ends.
func (r *ContextRegistry) finishEpisode() {
	r.mu.Lock()
	r.logged = make(map[error]struct{})
	code := r.exitCode
	exit := r.exitProcess
	r.mu.Unlock()

	if code != 0 {
		exit(code)
	}
}

// RegistryStore binds execution-context keys to their registries with
// create-once semantics. Concurrent first access from the same context
// family observes a single instance; distinct keys get independent
// registries.
type RegistryStore struct {
	mu         sync.Mutex
	registries map[string]*ContextRegistry
}

// NewRegistryStore creates an empty registry store
func NewRegistryStore() *RegistryStore {
	return &RegistryStore{
		registries: make(map[string]*ContextRegistry),
	}
}

// Current returns the registry bound to the given context key, lazily
// creating a default instance with no forward delegate on first access
func (s *RegistryStore) Current(key string) *ContextRegistry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if reg, ok := s.registries[key]; ok {
		return reg
	}
	reg := NewContextRegistry(key, nil)
	s.registries[key] = reg
	return reg
}

// Bind installs a registry for the given key, replacing any lazily
// created default. Used when a context wants a forward delegate wired in
// before its first failure.
func (s *RegistryStore) Bind(key string, reg *ContextRegistry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registries[key] = reg
}

// Drop removes the registry for a key once its context is gone
func (s *RegistryStore) Drop(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.registries, key)
}

// Process-wide store, the Go rendering of a per-thread singleton
var defaultStore = NewRegistryStore()

// Current returns the registry for the given context key from the
// process-wide store
func Current(key string) *ContextRegistry {
	return defaultStore.Current(key)
}

// DefaultStore returns the process-wide registry store
func DefaultStore() *RegistryStore {
	return defaultStore
}
