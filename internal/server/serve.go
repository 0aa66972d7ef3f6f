package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// Serve accepts connections on listener until ctx is cancelled or the process
// receives SIGINT or SIGTERM. In-flight requests are then given up to
// shutdownTimeout to complete before the shutdown hooks run.
func Serve(ctx context.Context, server *http.Server, listener net.Listener, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", listener.Addr().String()).Msg("server: listening")
		serveErr <- server.Serve(listener)
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server stopped unexpectedly: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info().Msg("server: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	err := server.Shutdown(shutdownCtx)

	if hooks != nil {
		hooks.Execute(shutdownCtx)
	}

	if err != nil {
		return fmt.Errorf("server shutdown incomplete: %w", err)
	}

	log.Info().Msg("server: shutdown complete")
	return nil
}

// ListenAndServe listens on the server's address, then calls Serve.
func ListenAndServe(ctx context.Context, server *http.Server, shutdownTimeout time.Duration, hooks *ShutdownHooks) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", server.Addr, err)
	}

	return Serve(ctx, server, listener, shutdownTimeout, hooks)
}
