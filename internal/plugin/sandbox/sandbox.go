package sandbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dshills/plughost/internal/logging"
	"github.com/dshills/plughost/internal/plugin/engine"
	"github.com/dshills/plughost/internal/plugin/security"
)

// Sandbox is one plugin's isolated runtime and the guard enforcing its
// grants.
type Sandbox struct {
	id      string
	guard   *security.Guard
	engines *engine.Set
	logger  *logging.Logger

	mu       sync.Mutex
	path     string
	loadTime time.Time
	inst     engine.Instance
	active   bool
	closed   bool
}

func newSandbox(id string, guard *security.Guard, engines *engine.Set, logger *logging.Logger) *Sandbox {
	return &Sandbox{
		id:      id,
		guard:   guard,
		engines: engines,
		logger:  logger.WithPlugin(id),
	}
}

// ID returns the plugin ID.
func (s *Sandbox) ID() string { return s.id }

// Guard returns the sandbox's guard.
func (s *Sandbox) Guard() *security.Guard { return s.guard }

// Path returns the loaded entry point.
func (s *Sandbox) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// LoadTime returns when the last load started.
func (s *Sandbox) LoadTime() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadTime
}

// IsLoaded reports whether a plugin object is registered.
func (s *Sandbox) IsLoaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inst != nil
}

// IsActive reports whether the last activation succeeded and no
// deactivation followed.
func (s *Sandbox) IsActive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// withDeadline bounds ctx by the budget's CPU time.
func (s *Sandbox) withDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := s.guard.Budget().Deadline(); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// Load executes the entry point at path in a fresh runtime and stores the
// registered plugin object. A previously loaded instance is released
// first.
func (s *Sandbox) Load(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return &SandboxError{PluginID: s.id, Op: "load", Err: engine.ErrClosed}
	}
	if s.inst != nil {
		_ = s.inst.Close()
		s.inst = nil
		s.active = false
	}

	s.loadTime = time.Now()
	s.path = path

	eng, ok := s.engines.ForPath(path)
	if !ok {
		return &SandboxError{PluginID: s.id, Op: "load", Err: fmt.Errorf("unsupported entry point %q", path)}
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	inst, err := eng.Load(ctx, engine.LoadSpec{
		PluginID: s.id,
		Path:     path,
		Guard:    s.guard,
		Logger:   s.logger,
	})
	if err != nil {
		s.logger.Error("load %s failed: %v", path, err)
		return &SandboxError{PluginID: s.id, Op: "load", Err: err}
	}

	s.inst = inst
	s.logger.Debug("loaded %s with %s engine", path, eng.Name())
	return nil
}

// Activate calls the plugin's activate(app) under the CPU time deadline.
// A guest failure or refusal yields false with a nil error; deadline
// expiry yields a SandboxError.
func (s *Sandbox) Activate(ctx context.Context, app any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return false, notLoaded(s.id)
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ok, err := s.inst.Activate(ctx, app)
	if err != nil {
		if fatal(err) {
			s.logger.Error("activate aborted: %v", err)
			return false, &SandboxError{PluginID: s.id, Op: "activate", Err: err}
		}
		s.logger.Error("activate failed: %v", err)
		return false, nil
	}
	if !ok {
		s.logger.Warn("plugin refused activation")
		return false, nil
	}

	s.active = true
	s.logger.Info("activated")
	return true, nil
}

// Deactivate calls the plugin's deactivate() when present and always
// closes every handle the plugin holds. A guest failure yields false.
func (s *Sandbox) Deactivate(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.inst == nil {
		return false, notLoaded(s.id)
	}

	ctx, cancel := s.withDeadline(ctx)
	defer cancel()

	ok, err := s.inst.Deactivate(ctx)
	if n := s.guard.CloseAll(); n > 0 {
		s.logger.Debug("closed %d open file handles", n)
	}

	if err != nil {
		if fatal(err) {
			s.logger.Error("deactivate aborted: %v", err)
			return false, &SandboxError{PluginID: s.id, Op: "deactivate", Err: err}
		}
		s.logger.Error("deactivate failed: %v", err)
		return false, nil
	}

	s.active = false
	s.logger.Info("deactivated")
	return ok, nil
}

// fatal reports whether err must surface rather than count as a refusal.
func fatal(err error) bool {
	return errors.Is(err, engine.ErrDeadlineExceeded) || errors.Is(err, engine.ErrClosed)
}

// Close releases the runtime and every handle. Calling Close more than
// once is safe.
func (s *Sandbox) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.active = false

	var err error
	if s.inst != nil {
		err = s.inst.Close()
		s.inst = nil
	}
	s.guard.CloseAll()
	return err
}
