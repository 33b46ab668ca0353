package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zde37/gusearch/internal/api"
	"github.com/zde37/gusearch/internal/chord"
	"github.com/zde37/gusearch/internal/config"
	"github.com/zde37/gusearch/internal/metrics"
	"github.com/zde37/gusearch/internal/node"
	"github.com/zde37/gusearch/internal/transport"
	"github.com/zde37/gusearch/pkg"
)

func newRunCommand(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a ring member with an interactive command prompt",
		Long: `Run binds the shared UDP port on this node's address and reads operator
commands from stdin. Type "help" for the command list and "quit" to leave
the ring and exit.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runNode(cmd, v)
		},
	}

	d := config.DefaultConfig()
	cmd.Flags().Uint32(config.KeyNode, d.NodeNum, "This node's number in the node table")
	cmd.Flags().String(config.KeyHost, "", "IPv4 address to bind, defaults to the node table entry")
	cmd.Flags().Int(config.KeyPort, d.Port, "UDP port shared by every member")
	cmd.Flags().Int("http-port", d.HTTPPort, "HTTP API port, 0 disables")
	cmd.Flags().Int("grpc-port", d.GRPCPort, "gRPC operator port, 0 disables")
	cmd.Flags().StringToString(config.KeyNodes, nil, "Node table as num=ipv4 pairs")
	cmd.Flags().Int(config.KeyLandmark, d.Landmark, "Node to join through at startup, -1 waits for a join command")
	cmd.Flags().Duration("stabilize-interval", d.StabilizeInterval, "Stabilization period")
	cmd.Flags().Duration("ping-timeout", d.PingTimeout, "How long a ping may stay unanswered")
	cmd.Flags().Duration("audit-interval", d.AuditInterval, "How often expired pings are swept")
	cmd.Flags().Bool("no-prompt", false, "Do not read commands from stdin")

	bind := map[string]string{
		config.KeyNode:              config.KeyNode,
		config.KeyHost:              config.KeyHost,
		config.KeyPort:              config.KeyPort,
		config.KeyHTTPPort:          "http-port",
		config.KeyGRPCPort:          "grpc-port",
		config.KeyNodes:             config.KeyNodes,
		config.KeyLandmark:          config.KeyLandmark,
		config.KeyStabilizeInterval: "stabilize-interval",
		config.KeyPingTimeout:       "ping-timeout",
		config.KeyAuditInterval:     "audit-interval",
	}
	for key, flag := range bind {
		_ = v.BindPFlag(key, cmd.Flags().Lookup(flag))
	}
	return cmd
}

func runNode(cmd *cobra.Command, v *viper.Viper) error {
	cfg, err := config.Load(v)
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Close()

	logger.Info().
		Uint32("node", cfg.NodeNum).
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Int("http_port", cfg.HTTPPort).
		Int("grpc_port", cfg.GRPCPort).
		Msg("Starting gusearch node")

	conn, err := transport.ListenUDP(cfg.Host, cfg.Port, logger)
	if err != nil {
		return err
	}
	defer conn.Close()

	out := cmd.OutOrStdout()
	console := &consoleBroadcaster{out: out}
	hub := api.NewWebSocketHub(logger)

	n, err := node.New(cfg, conn, logger,
		node.WithMetrics(metrics.New(true)),
		node.WithBroadcaster(console),
		node.WithBroadcaster(hub),
	)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}

	var grpcServer *transport.GRPCServer
	if cfg.GRPCPort > 0 {
		grpcServer, err = transport.NewGRPCServer(n, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.GRPCPort)), cfg.AuthToken, logger)
		if err != nil {
			return fmt.Errorf("failed to create gRPC server: %w", err)
		}
		if err := grpcServer.Start(); err != nil {
			return fmt.Errorf("failed to start gRPC server: %w", err)
		}
		defer stopLogged(logger, "gRPC server", grpcServer.Stop)
	}

	if cfg.HTTPPort > 0 {
		httpServer, err := api.NewServer(n, &api.Config{
			Address:   net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.HTTPPort)),
			AuthToken: cfg.AuthToken,
			Metrics:   n.Metrics().Handler(),
			Hub:       hub,
		}, logger)
		if err != nil {
			return fmt.Errorf("failed to create HTTP API server: %w", err)
		}
		if err := httpServer.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP API server: %w", err)
		}
		defer stopLogged(logger, "HTTP API server", httpServer.Stop)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runErr := make(chan error, 1)
	go func() { runErr <- n.Run(ctx) }()

	if cfg.Landmark >= 0 {
		console.print(execute(ctx, n, fmt.Sprintf("join %d", cfg.Landmark)))
	}

	if noPrompt, _ := cmd.Flags().GetBool("no-prompt"); !noPrompt {
		go prompt(ctx, cmd.InOrStdin(), console, n, stop)
	}

	err = <-runErr
	logger.Info().Msg("Gusearch node shutdown complete")
	return err
}

// execute runs one command line and renders the outcome.
func execute(ctx context.Context, op transport.Operator, line string) string {
	out, err := op.Execute(ctx, line)
	if err != nil {
		return "error: " + err.Error()
	}
	return out
}

// prompt reads command lines until EOF or quit. EOF leaves the node running.
func prompt(ctx context.Context, in io.Reader, console *consoleBroadcaster, op transport.Operator, quit func()) {
	scanner := bufio.NewScanner(in)
	console.print("type help for commands")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch strings.ToLower(line) {
		case "":
			continue
		case "quit", "exit":
			quit()
			return
		}
		console.print(execute(ctx, op, line))
		if ctx.Err() != nil {
			return
		}
	}
}

func stopLogged(logger *pkg.Logger, name string, stop func() error) {
	if err := stop(); err != nil {
		logger.Error().Err(err).Str("server", name).Msg("Error stopping server")
	}
}

// consoleBroadcaster prints node events next to command output.
type consoleBroadcaster struct {
	mu  sync.Mutex
	out io.Writer
}

func (c *consoleBroadcaster) BroadcastRingUpdate(update any) error {
	e, ok := update.(chord.RingUpdateEvent)
	if !ok {
		return nil
	}
	c.print(fmt.Sprintf("[%s] %s", e.Type, e.Message))
	return nil
}

func (c *consoleBroadcaster) print(line string) {
	if line == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.out, line)
}
