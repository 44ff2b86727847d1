// ABOUTME: Broker orchestrator wiring store, queue, registry, dispatcher, and router together.
// ABOUTME: Owns the unix-socket and optional TCP listeners and the per-connection goroutines.

package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sync"

	"github.com/2389/mist-broker/internal/channel"
	"github.com/2389/mist-broker/internal/config"
	"github.com/2389/mist-broker/internal/llm"
	"github.com/2389/mist-broker/internal/queue"
	"github.com/2389/mist-broker/internal/registry"
	"github.com/2389/mist-broker/internal/service"
	"github.com/2389/mist-broker/internal/store"
)

// Broker is the top-level coordinator that owns all subsystems.
type Broker struct {
	cfg      *config.Config
	store    store.Store
	queue    *queue.Queue
	registry *registry.Registry
	router   *Router
	logger   *slog.Logger

	chOpts []channel.Option

	mu        sync.Mutex
	listeners []net.Listener
	connWG    sync.WaitGroup
}

// Option overrides a collaborator, mainly for tests.
type Option func(*Broker)

// WithStore substitutes the storage collaborator.
func WithStore(s store.Store) Option {
	return func(b *Broker) { b.store = s }
}

// WithRunner substitutes the inference collaborator.
func WithRunner(r queue.Runner) Option {
	return func(b *Broker) { b.queue = queue.New(r, b.cfg.LLM.MaxConcurrent, b.logger) }
}

// New wires up a broker from config. The store and inference backend
// are created from config unless overridden by options.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*Broker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	b := &Broker{cfg: cfg, logger: logger}
	for _, opt := range opts {
		opt(b)
	}

	if b.store == nil {
		s, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening store: %w", err)
		}
		b.store = s
	}
	if b.queue == nil {
		client := llm.NewClient(cfg.LLM.BaseURL, cfg.LLM.APIKey, cfg.LLM.Model, cfg.LLM.Timeout, logger)
		b.queue = queue.New(client, cfg.LLM.MaxConcurrent, logger)
	}

	b.registry = registry.New(cfg.Admin.AgentName, logger)
	b.registry.SetRemovalHook(b.queue.CancelFor)

	dispatcher := service.NewDispatcher(b.store, b.queue, logger)
	b.router = NewRouter(b.registry, dispatcher, logger)

	b.chOpts = []channel.Option{
		channel.WithBufferSize(cfg.Channel.BufferSize),
		channel.WithLogger(logger),
	}
	if cfg.Channel.Policy == "fail" {
		b.chOpts = append(b.chOpts, channel.WithPolicy(channel.FailFast))
	}

	return b, nil
}

// Router exposes the broker's router, mainly for tests.
func (b *Broker) Router() *Router {
	return b.router
}

// Registry exposes the broker's registry, mainly for tests.
func (b *Broker) Registry() *registry.Registry {
	return b.registry
}

// Run starts the listeners and serves connections until ctx is
// cancelled. The unix socket file is replaced on start and removed on
// stop; the same framing runs unmodified over the TCP listener.
func (b *Broker) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	if b.cfg.Server.SocketPath != "" {
		ln, err := b.listenUnix(b.cfg.Server.SocketPath)
		if err != nil {
			return err
		}
		b.addListener(ln)
		b.logger.Info("listening on unix socket", "path", b.cfg.Server.SocketPath)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.acceptLoop(ctx, ln)
		}()
	}

	if b.cfg.Server.TCPAddr != "" {
		ln, err := net.Listen("tcp", b.cfg.Server.TCPAddr)
		if err != nil {
			b.closeListeners()
			return fmt.Errorf("listening on %s: %w", b.cfg.Server.TCPAddr, err)
		}
		b.addListener(ln)
		b.logger.Info("listening on tcp", "addr", b.cfg.Server.TCPAddr)
		wg.Add(1)
		go func() {
			defer wg.Done()
			b.acceptLoop(ctx, ln)
		}()
	}

	<-ctx.Done()
	b.logger.Info("broker shutting down")

	b.closeListeners()
	wg.Wait()
	// Connection teardown must finish before the store goes away: a
	// ServeChannel goroutine can still be mid-dispatch against it.
	b.connWG.Wait()

	if b.cfg.Server.SocketPath != "" {
		os.Remove(b.cfg.Server.SocketPath)
	}
	if err := b.store.Close(); err != nil {
		b.logger.Warn("closing store", "error", err)
	}
	b.logger.Info("broker stopped")
	return nil
}

func (b *Broker) listenUnix(path string) (net.Listener, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating socket directory: %w", err)
		}
	}
	// A stale socket from a previous run refuses new binds.
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("removing stale socket: %w", err)
	}
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listening on %s: %w", path, err)
	}
	return ln, nil
}

func (b *Broker) acceptLoop(ctx context.Context, ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			b.logger.Warn("accept failed", "error", err)
			continue
		}
		ch := channel.New(conn, b.chOpts...)
		b.connWG.Add(1)
		go func() {
			defer b.connWG.Done()
			b.router.ServeChannel(ctx, ch)
		}()
	}
}

func (b *Broker) addListener(ln net.Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, ln)
}

func (b *Broker) closeListeners() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ln := range b.listeners {
		ln.Close()
	}
	b.listeners = nil
}
