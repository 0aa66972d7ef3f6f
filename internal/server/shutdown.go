package server

import (
	"context"

	"github.com/rs/zerolog/log"
)

type hook struct {
	name string
	fn   func(context.Context) error
}

// ShutdownHooks runs cleanup functions, in registration order, once the
// server has stopped accepting requests. A failing hook is logged and the
// remaining hooks still run.
type ShutdownHooks struct {
	hooks []hook
}

// AddContext registers a hook that receives the shutdown context, which may
// carry a deadline. Nil hooks are ignored.
func (s *ShutdownHooks) AddContext(name string, fn func(context.Context) error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	log.Debug().Str("hook", name).Msg("adding shutdown hook")
	s.hooks = append(s.hooks, hook{name: name, fn: fn})
}

// Add registers a hook that does not need the shutdown context.
func (s *ShutdownHooks) Add(name string, fn func() error) {
	if fn == nil {
		log.Warn().Str("hook", name).Msg("attempted to add nil shutdown hook; ignoring")
		return
	}

	s.AddContext(name, func(context.Context) error {
		return fn()
	})
}

// Len returns the number of registered hooks.
func (s *ShutdownHooks) Len() int {
	return len(s.hooks)
}

// Execute runs every hook and returns the number that failed.
func (s *ShutdownHooks) Execute(ctx context.Context) int {
	failed := 0
	l := log.Ctx(ctx)

	for _, h := range s.hooks {
		hookLog := l.With().Str("hook", h.name).Logger()

		if err := h.fn(ctx); err != nil {
			failed++
			hookLog.Warn().Err(err).Msg("shutdown failed")
			continue
		}

		hookLog.Info().Msg("shutdown complete")
	}

	return failed
}
