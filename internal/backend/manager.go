package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ErrEmptyResult marks a backend run that exited cleanly but produced no
// output. It counts as a failure for failover purposes.
var ErrEmptyResult = errors.New("backend returned an empty result")

// ExhaustedError reports that every configured backend failed for a prompt.
type ExhaustedError struct {
	Errors []error
}

func (e *ExhaustedError) Error() string {
	msgs := make([]string, len(e.Errors))
	for i, err := range e.Errors {
		msgs[i] = err.Error()
	}
	return fmt.Sprintf("all backends exhausted: %s", strings.Join(msgs, "; "))
}

func (e *ExhaustedError) Unwrap() []error { return e.Errors }

// Config configures a Manager.
type Config struct {
	// Order lists backend names in failover priority. Required.
	Order []string

	// Models maps backend name to a model override.
	Models map[string]string

	// WorkDir is the repository the backends operate in.
	WorkDir string

	Logger *slog.Logger
}

// Manager runs prompts against an ordered list of backends, failing over to
// the next one when the current backend errors (usage limits, crashes).
// Clients are built lazily and a superseded client is closed when the
// cursor moves past it. The cursor is sticky: once a backend works, it
// stays current for subsequent prompts.
type Manager struct {
	cfg Config

	mu     sync.Mutex
	cursor int
	client Client
}

// NewManager validates the configured backends and returns a Manager. No
// clients are built until the first prompt.
func NewManager(cfg Config) (*Manager, error) {
	if len(cfg.Order) == 0 {
		return nil, fmt.Errorf("no backends configured")
	}
	for _, name := range cfg.Order {
		if _, ok := lookup(name); !ok {
			return nil, fmt.Errorf("unknown backend %q (registered: %s)",
				name, strings.Join(Registered(), ", "))
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{cfg: cfg}, nil
}

// Current returns the name and model of the backend the next prompt will use.
func (m *Manager) Current() (name, model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name = m.cfg.Order[m.cursor]
	return name, m.cfg.Models[name]
}

// RunPrompt runs the prompt on the current backend, advancing through the
// failover order on errors or empty output. When every backend has failed
// it returns an *ExhaustedError aggregating the individual failures and
// rewinds to the first backend so a later prompt starts fresh.
func (m *Manager) RunPrompt(ctx context.Context, prompt string) (string, error) {
	var errs []error

	for range m.cfg.Order {
		client, name, err := m.acquire()
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			if !m.advanceFrom(name) {
				break
			}
			continue
		}

		// Run outside the lock: prompts take minutes and Current must
		// stay answerable meanwhile.
		out, err := client.Run(ctx, prompt)
		if err == nil {
			if strings.TrimSpace(out) != "" {
				return out, nil
			}
			err = ErrEmptyResult
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}

		m.cfg.Logger.Warn("backend failed, trying next", "backend", name, "error", err)
		errs = append(errs, fmt.Errorf("%s: %w", name, err))
		if !m.advanceFrom(name) {
			break
		}
	}

	return "", &ExhaustedError{Errors: errs}
}

// acquire returns the current backend's client, building it on first use.
func (m *Manager) acquire() (Client, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := m.cfg.Order[m.cursor]
	if m.client != nil {
		return m.client, name, nil
	}

	factory, _ := lookup(name) // validated in NewManager
	client, err := factory(Options{
		Model:   m.cfg.Models[name],
		WorkDir: m.cfg.WorkDir,
	})
	if err != nil {
		return nil, name, fmt.Errorf("building client: %w", err)
	}
	m.client = client
	return client, name, nil
}

// advanceFrom moves the cursor past the named backend and closes its
// client. A concurrent caller may already have advanced; in that case the
// cursor is left alone. Returns false when the order is exhausted, in which
// case the cursor rewinds to the first backend for later prompts.
func (m *Manager) advanceFrom(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.Order[m.cursor] != name {
		return true
	}
	if m.client != nil {
		if err := m.client.Close(); err != nil {
			m.cfg.Logger.Warn("closing backend client", "backend", name, "error", err)
		}
		m.client = nil
	}
	m.cursor++
	if m.cursor >= len(m.cfg.Order) {
		m.cursor = 0
		return false
	}
	return true
}

// Close releases the current client, if any.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client == nil {
		return nil
	}
	err := m.client.Close()
	m.client = nil
	return err
}
