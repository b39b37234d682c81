package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	mcp "github.com/MegaGrindStone/mcp-duplex"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := LoadConfig()
	if err != nil {
		panic(fmt.Sprintf("Failed to load configuration: %v", err))
	}
	logger := InitLogger(cfg.LogLevel)
	cfg.LogSummary()

	if err := run(cfg, logger); err != nil {
		log.Fatal().Err(err).Msg("Demo failed")
	}
}

func run(cfg *Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var (
		srvTransport mcp.ServerTransport
		cliTransport mcp.ClientTransport
		httpSrv      *http.Server
		listener     net.Listener
	)

	switch cfg.Transport {
	case "sse":
		sse := mcp.NewSSEServer(cfg.BaseURL()+"/message", mcp.WithSSEServerLogger(logger))
		mux := http.NewServeMux()
		mux.Handle("GET /sse", sse.HandleSSE())
		mux.Handle("POST /message", sse.HandleMessage())

		ln, err := net.Listen("tcp", cfg.Addr())
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", cfg.Addr(), err)
		}
		listener = ln
		httpSrv = &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 15 * time.Second,
		}
		srvTransport = sse
		cliTransport = mcp.NewSSEClient(cfg.BaseURL()+"/sse", nil, mcp.WithSSEClientLogger(logger))
	case "stdio":
		// Server and client run in-process, wired back to back through pipes.
		srvReader, srvWriter := io.Pipe()
		cliReader, cliWriter := io.Pipe()
		srvTransport = mcp.NewStdIO(srvReader, cliWriter, mcp.WithStdIOLogger(logger))
		cliTransport = mcp.NewStdIO(cliReader, srvWriter, mcp.WithStdIOLogger(logger))
	default:
		return fmt.Errorf("unknown MCP_TRANSPORT %q, want sse or stdio", cfg.Transport)
	}

	t := &tools{}
	srv := mcp.NewServer(mcp.Info{Name: "elicitation-demo", Version: "1.0.0"}, srvTransport,
		mcp.WithToolServer(t),
		mcp.WithInstructions("Call ask_user to get an answer from the person at the client."),
		mcp.WithServerLogger(logger),
		mcp.WithServerPingInterval(cfg.PingInterval),
		mcp.WithServerRequestTimeout(cfg.RequestTimeout),
		mcp.WithServerOnClientConnected(func(id string, info mcp.Info) {
			log.Info().Str("session", id).Str("client", info.Name).Msg("Client connected")
		}),
		mcp.WithServerOnClientDisconnected(func(id string) {
			log.Info().Str("session", id).Msg("Client disconnected")
		}),
	)
	t.server = srv

	cli := mcp.NewClient(mcp.Info{Name: "console", Version: "1.0.0"}, cliTransport,
		mcp.WithElicitationProvider(newConsoleProvider(os.Stdin, os.Stdout)),
		mcp.WithCompletionHandler(mcp.CompletionHandlerFunc(completeBranch)),
		mcp.WithProgressListener(progressPrinter{}),
		mcp.WithClientLogger(logger),
		mcp.WithClientReadTimeout(cfg.RequestTimeout),
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(srv.Serve)

	if httpSrv != nil {
		g.Go(func() error {
			log.Info().Str("address", listener.Addr().String()).Msg("Starting SSE server")
			if err := httpSrv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}

	clientDone := make(chan struct{})
	g.Go(func() error {
		defer close(clientDone)
		return runClient(gctx, cli, os.Stdout)
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
		case <-clientDone:
		}
		log.Info().Msg("Gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error shutting down MCP server")
		}
		if httpSrv != nil {
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Error shutting down HTTP server")
			}
		}
		return nil
	})

	return g.Wait()
}
