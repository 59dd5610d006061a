package workers

import (
	"chitchat/errors"
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"google.golang.org/grpc"
)

const shutdownTimeout = 5 * time.Second

// GrpcServerWorker serves a gRPC server until the context is cancelled,
// then stops it gracefully.
type GrpcServerWorker struct {
	log    *slog.Logger
	server *grpc.Server
	listen func() (net.Listener, error)
}

func NewGrpcServerWorker(log *slog.Logger, server *grpc.Server, listen func() (net.Listener, error)) *GrpcServerWorker {
	return &GrpcServerWorker{log: log, server: server, listen: listen}
}

// TCPListener listens on address each time it is called.
func TCPListener(address string) func() (net.Listener, error) {
	return func() (net.Listener, error) { return net.Listen("tcp", address) }
}

func (w *GrpcServerWorker) Run(ctx context.Context) error {
	listener, err := w.listen()
	if err != nil {
		return fmt.Errorf("grpc listen: %w", err)
	}

	errChan := make(chan error, 1)
	go func() {
		w.log.Info("Starting gRPC server", "address", listener.Addr().String(), "at", time.Now().UTC())
		errChan <- w.server.Serve(listener)
	}()

	select {
	case <-ctx.Done():
		w.log.Info("Stopping gRPC server gracefully")
		w.server.GracefulStop()
		<-errChan
		return nil
	case err := <-errChan:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("gRPC server error: %w", err)
	}
}

// HTTPServerWorker serves handler on address until the context is
// cancelled.
type HTTPServerWorker struct {
	log     *slog.Logger
	address string
	handler http.Handler
}

func NewHTTPServerWorker(log *slog.Logger, address string, handler http.Handler) *HTTPServerWorker {
	return &HTTPServerWorker{log: log, address: address, handler: handler}
}

func (w *HTTPServerWorker) Run(ctx context.Context) error {
	server := &http.Server{Addr: w.address, Handler: w.handler, ReadHeaderTimeout: shutdownTimeout}

	errChan := make(chan error, 1)
	go func() {
		w.log.Info("Starting HTTP server", "address", w.address)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("HTTP server shutdown", "error", err)
		}
		<-errChan
		return nil
	case err := <-errChan:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("HTTP server error: %w", err)
	}
}
