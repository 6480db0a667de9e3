// Package cli implements the relsync command line.
package cli

import (
	"fmt"

	"github.com/artpar/relsync/internal/app"
	"github.com/artpar/relsync/internal/logging"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// GlobalOptions holds flags shared by every command.
type GlobalOptions struct {
	ConfigPath   string
	BaseURL      string
	UserID       string
	CacheBackend string
	Verbose      bool

	config app.Config
	logger *zap.Logger
}

// NewRootCommand creates the root command.
func NewRootCommand(version string) *cobra.Command {
	g := &GlobalOptions{}

	cmd := &cobra.Command{
		Use:   "relsync",
		Short: "relsync - optimistic relation sync",
		Long: `relsync keeps a client's view of user relations (favorites,
recommendations) in sync with a backend, applying toggles optimistically and
rolling them back when the backend rejects them.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return g.load(cmd)
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if g.logger != nil {
				_ = g.logger.Sync()
			}
		},
	}

	cmd.PersistentFlags().StringVarP(&g.ConfigPath, "config", "c", app.DefaultConfigPath(), "Config file")
	cmd.PersistentFlags().StringVar(&g.BaseURL, "base-url", "", "Relation backend URL")
	cmd.PersistentFlags().StringVarP(&g.UserID, "user", "u", "", "Signed-in user id")
	cmd.PersistentFlags().StringVar(&g.CacheBackend, "cache", "", "Cache backend (sqlite, file, memory)")
	cmd.PersistentFlags().BoolVarP(&g.Verbose, "verbose", "v", false, "Debug logging")

	cmd.AddCommand(NewServeCommand(g))
	cmd.AddCommand(NewAgentCommand(g))
	cmd.AddCommand(NewToggleCommand(g))
	cmd.AddCommand(NewShowCommand(g))
	cmd.AddCommand(NewCacheCommand(g))

	return cmd
}

// load reads the config file and environment, applies flag overrides and
// builds the logger.
func (g *GlobalOptions) load(cmd *cobra.Command) error {
	cfg, err := app.LoadConfig(g.ConfigPath)
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("base-url") {
		cfg.BaseURL = g.BaseURL
	}
	if flags.Changed("user") {
		cfg.UserID = g.UserID
	}
	if flags.Changed("cache") {
		cfg.CacheBackend = g.CacheBackend
	}
	if g.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	g.config = cfg
	g.logger = logger
	return nil
}

// openApp builds the application from the loaded configuration.
func (g *GlobalOptions) openApp(opts ...app.Option) (*app.App, error) {
	opts = append([]app.Option{app.WithLogger(g.logger)}, opts...)
	a, err := app.New(g.config, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}
	return a, nil
}
