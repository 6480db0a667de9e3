package cli

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/artpar/relsync/internal/app"
	"github.com/artpar/relsync/internal/relationdb"
	relsqlite "github.com/artpar/relsync/internal/relationdb/sqlite"
	"github.com/artpar/relsync/internal/server"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ServeOptions holds options for the serve command.
type ServeOptions struct {
	Addr     string
	Database string
	Memory   bool
}

// NewServeCommand creates the serve command.
func NewServeCommand(g *GlobalOptions) *cobra.Command {
	opts := &ServeOptions{}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relation backend",
		Long:  "Serve relation baselines and mutations for favorites and recommendations from a SQLite database.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7070", "Listen address")
	cmd.Flags().StringVar(&opts.Database, "db", "", "Database path (default <data_dir>/relations.db)")
	cmd.Flags().BoolVar(&opts.Memory, "memory", false, "Use an in-memory database")

	return cmd
}

func runServe(ctx context.Context, g *GlobalOptions, opts *ServeOptions) error {
	store, err := openRelationDB(g.config, opts)
	if err != nil {
		return err
	}
	defer store.Close()

	srv := server.New(store, []string{app.Favorites, app.Recommendations},
		server.WithToken(g.config.Token),
		server.WithLogger(g.logger.Named("backend")),
	)

	return srv.ListenAndServe(ctx, opts.Addr)
}

func openRelationDB(cfg app.Config, opts *ServeOptions) (relationdb.Store, error) {
	if opts.Memory {
		return relsqlite.NewInMemory()
	}

	path := opts.Database
	if path == "" {
		dir, err := cfg.ResolvedDataDir()
		if err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		path = filepath.Join(dir, "relations.db")
	}
	return relsqlite.New(path)
}

// AgentOptions holds options for the agent command.
type AgentOptions struct {
	Addr string
}

// NewAgentCommand creates the agent command.
func NewAgentCommand(g *GlobalOptions) *cobra.Command {
	opts := &AgentOptions{}

	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the local sync agent",
		Long: `Run a long-lived client that owns the relation state for the configured
user. UIs read state and toggle relations over HTTP and follow changes on the
/v1/stream websocket.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runAgent(ctx, g, opts)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "127.0.0.1:7071", "Listen address")

	return cmd
}

func runAgent(ctx context.Context, g *GlobalOptions, opts *AgentOptions) error {
	a, err := g.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	restored := a.Warm(ctx)
	if g.config.UserID != "" {
		if err := a.Sync(ctx); err != nil {
			g.logger.Warn("initial sync failed, serving cached state", zap.Error(err))
		}
	}

	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen: %w", err)
	}
	g.logger.Info("agent listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("user", g.config.UserID),
		zap.Int("restored", restored))
	return server.Run(ctx, ln, a.Handler())
}
