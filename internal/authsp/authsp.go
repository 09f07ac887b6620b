// Package authsp defines the capability interface towards pluggable
// authentication methods and the compile-time registry that replaces the
// original runtime class loading: handler types are registered at startup
// from configuration, never reflected into existence.
package authsp

import (
	"context"
	"fmt"

	"aselect/internal/domain"
	"aselect/internal/platform/config"
)

// Request is everything a handler needs to build its browser redirect.
type Request struct {
	Session *domain.Session
	// UserData is the per-user registration data from the UDB, opaque to
	// the orchestrator.
	UserData string
	// ReturnURL is this server's callback endpoint the AuthSP redirects
	// back to when done.
	ReturnURL string
}

// Redirect is where to send the browser next.
type Redirect struct {
	URL string
	// FormParams, when non-empty, asks the renderer to auto-POST instead
	// of a plain 302.
	FormParams map[string]string
}

// Verdict is the outcome of an AuthSP callback.
type Verdict struct {
	OK bool
	// Soft marks recoverable user-data problems (the invalid-phone class):
	// the application is told, the flow is not torn down silently.
	Soft       bool
	UserID     string
	Level      int
	ResultCode domain.ResultCode
	Attributes map[string]string
}

// Handler is one authentication method. Implementations live outside the
// core; the orchestrator only builds requests and verifies callbacks.
type Handler interface {
	BuildRequest(ctx context.Context, req Request) (*Redirect, error)
	VerifyCallback(ctx context.Context, params map[string]string) (*Verdict, error)
}

// Factory builds a handler for one registered AuthSP.
type Factory func(sp *config.AuthSP) (Handler, error)

// Registry maps AuthSP type names to factories and holds the handlers
// instantiated at startup. Read-only after Build, so no locking.
type Registry struct {
	factories map[string]Factory
	handlers  map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		handlers:  make(map[string]Handler),
	}
}

// RegisterType makes a handler type available to Build.
func (r *Registry) RegisterType(typeName string, factory Factory) {
	r.factories[typeName] = factory
}

// Build instantiates a handler per registered AuthSP. Unknown types are a
// startup error.
func (r *Registry) Build(regs *config.Registrations) error {
	for id, sp := range regs.AuthSPs {
		factory, ok := r.factories[sp.Type]
		if !ok {
			return fmt.Errorf("authsp %s: unknown type %q", id, sp.Type)
		}
		h, err := factory(sp)
		if err != nil {
			return fmt.Errorf("authsp %s: %w", id, err)
		}
		r.handlers[id] = h
	}
	return nil
}

// Handler returns the handler for an AuthSP id.
func (r *Registry) Handler(id string) (Handler, bool) {
	h, ok := r.handlers[id]
	return h, ok
}
