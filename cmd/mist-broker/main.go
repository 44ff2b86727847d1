// ABOUTME: Entry point for the mist-broker message broker.
// ABOUTME: Mediates between agent processes and front-end clients over local sockets.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/mist-broker/internal/broker"
	"github.com/2389/mist-broker/internal/client"
	"github.com/2389/mist-broker/internal/config"
	"github.com/2389/mist-broker/internal/protocol"
	"github.com/2389/mist-broker/internal/registry"
)

// Version is set by goreleaser at build time.
var version = "dev"

const banner = `
           _     _         _               _
 _ __ ___ (_)___| |_      | |__  _ __ ___ | | _____ _ __
| '_ ' _ \| / __| __|_____| '_ \| '__/ _ \| |/ / _ \ '__|
| | | | | | \__ \ ||______| |_) | | | (_) |   <  __/ |
|_| |_| |_|_|___/\__|     |_.__/|_|  \___/|_|\_\___|_|
`

const defaultConfigTemplate = `# mist-broker configuration
server:
  socket_path: %s
  # tcp_addr: 127.0.0.1:7770

database:
  path: %s

llm:
  base_url: http://127.0.0.1:11434/v1
  model: gemma3:1b
  max_concurrent: 1
  timeout: 2m

admin:
  agent_name: overseer

logging:
  level: info
  format: text
`

// getConfigPath returns the path to the broker config file.
// Priority: MIST_CONFIG env var > XDG_CONFIG_HOME/mist/broker.yaml > ~/.config/mist/broker.yaml
func getConfigPath() string {
	if envPath := os.Getenv("MIST_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "broker.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "mist", "broker.yaml")
}

// getDataPath returns the path to the mist data directory.
// Priority: XDG_DATA_HOME/mist > ~/.local/share/mist
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "mist")
}

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: mist-broker <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the broker")
		fmt.Println("  init     Create a default config file")
		fmt.Println("  health   Check broker health")
		fmt.Println("  agents   List connected agents")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	// Print banner
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("Socket:    %s\n", cfg.Server.SocketPath)
	if cfg.Server.TCPAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("TCP:       %s\n", cfg.Server.TCPAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("Model:     %s\n", cfg.LLM.Model)
	fmt.Println()

	logger.Info("starting mist-broker",
		"config", configPath,
		"socket", cfg.Server.SocketPath,
		"tcp_addr", cfg.Server.TCPAddr,
	)

	b, err := broker.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating broker: %w", err)
	}

	return b.Run(ctx)
}

// loadConfig loads the config file, falling back to defaults rooted in
// the data directory when no file exists.
func loadConfig(configPath string) (*config.Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := config.Default()
		dataPath := getDataPath()
		cfg.Server.SocketPath = filepath.Join(dataPath, "mist.sock")
		cfg.Database.Path = filepath.Join(dataPath, "mist.db")
		if err := os.MkdirAll(dataPath, 0755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		return cfg, nil
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return cfg, nil
}

func runInit() error {
	configPath := getConfigPath()

	if _, err := os.Stat(configPath); err == nil {
		return fmt.Errorf("config already exists: %s", configPath)
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	dataPath := getDataPath()
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	content := fmt.Sprintf(defaultConfigTemplate,
		filepath.Join(dataPath, "mist.sock"),
		filepath.Join(dataPath, "mist.db"),
	)
	if err := os.WriteFile(configPath, []byte(content), 0600); err != nil {
		return fmt.Errorf("writing config: %w", err)
	}

	green := color.New(color.FgGreen)
	green.Print("✓ ")
	fmt.Printf("Created %s\n", configPath)
	return nil
}

func runHealth(ctx context.Context) error {
	c, err := dialBroker()
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer c.Close()

	if _, err := c.Register(ctx, registry.Manifest{Name: "healthcheck", Kind: registry.KindUI}); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}

	fmt.Println("healthy")
	return nil
}

func runAgents(ctx context.Context) error {
	c, err := dialBroker()
	if err != nil {
		return fmt.Errorf("connecting to broker: %w", err)
	}
	defer c.Close()

	identity, err := c.Register(ctx, registry.Manifest{Name: "mist-cli", Kind: registry.KindUI})
	if err != nil {
		return fmt.Errorf("registering: %w", err)
	}

	req := protocol.New(protocol.TypeAgentList, identity, protocol.BrokerID, nil)
	reply, err := c.Request(ctx, req, nil)
	if err != nil {
		return fmt.Errorf("listing agents: %w", err)
	}

	out, err := json.MarshalIndent(reply.Payload["agents"], "", "  ")
	if err != nil {
		return fmt.Errorf("formatting response: %w", err)
	}
	fmt.Println(string(out))
	return nil
}

func dialBroker() (*client.Client, error) {
	cfg, err := loadConfig(getConfigPath())
	if err != nil {
		return nil, err
	}
	return client.Dial(cfg.Server.SocketPath)
}

func setupLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: level,
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = &colorHandler{
			level: level,
		}
	}

	return slog.New(handler)
}

// colorHandler provides colorized log output with thread-safe writes.
type colorHandler struct {
	mu     sync.Mutex
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

func (h *colorHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *colorHandler) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	var buf strings.Builder

	buf.WriteString(color.HiBlackString(r.Time.Format("15:04:05") + " "))

	switch r.Level {
	case slog.LevelDebug:
		buf.WriteString(color.MagentaString("DBG "))
	case slog.LevelInfo:
		buf.WriteString(color.CyanString("INF "))
	case slog.LevelWarn:
		buf.WriteString(color.YellowString("WRN "))
	case slog.LevelError:
		buf.WriteString(color.New(color.FgRed, color.Bold).Sprint("ERR "))
	default:
		buf.WriteString("??? ")
	}

	buf.WriteString(r.Message)

	for _, a := range h.attrs {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
	}

	r.Attrs(func(a slog.Attr) bool {
		buf.WriteString(color.HiBlackString(" " + a.Key + "="))
		buf.WriteString(a.Value.String())
		return true
	})

	buf.WriteString("\n")
	fmt.Print(buf.String())
	return nil
}

func (h *colorHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	newAttrs := make([]slog.Attr, len(h.attrs), len(h.attrs)+len(attrs))
	copy(newAttrs, h.attrs)
	newAttrs = append(newAttrs, attrs...)
	return &colorHandler{
		level:  h.level,
		attrs:  newAttrs,
		groups: h.groups,
	}
}

func (h *colorHandler) WithGroup(name string) slog.Handler {
	newGroups := make([]string, len(h.groups), len(h.groups)+1)
	copy(newGroups, h.groups)
	newGroups = append(newGroups, name)
	return &colorHandler{
		level:  h.level,
		attrs:  h.attrs,
		groups: newGroups,
	}
}
