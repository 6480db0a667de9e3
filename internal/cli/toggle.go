package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/artpar/relsync/internal/app"
	"github.com/artpar/relsync/internal/relation"
	"github.com/artpar/relsync/internal/remote"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// ToggleOptions holds options for the toggle command.
type ToggleOptions struct {
	JSON     bool
	Category string
	URL      string
}

// NewToggleCommand creates the toggle command.
func NewToggleCommand(g *GlobalOptions) *cobra.Command {
	opts := &ToggleOptions{}

	cmd := &cobra.Command{
		Use:   "toggle RELATION ENTITY",
		Short: "Flip a relation for an entity",
		Long: `Flip the relation for ENTITY and wait for the backend to confirm it.
A rejected change is rolled back and reported with its error message.`,
		Example: `  relsync toggle recommendations A1
  relsync toggle favorites Go --category language --url https://go.dev`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToggle(cmd, g, args[0], args[1], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output result as JSON")
	cmd.Flags().StringVar(&opts.Category, "category", "", "Favorite category")
	cmd.Flags().StringVar(&opts.URL, "url", "", "Favorite URL")

	return cmd
}

// lastNotice keeps the most recent notification.
type lastNotice struct {
	mu   sync.Mutex
	note *relation.Notification
}

func (l *lastNotice) Notify(n relation.Notification) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.note = &n
}

func (l *lastNotice) message() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.note == nil {
		return ""
	}
	return l.note.Message
}

func runToggle(cmd *cobra.Command, g *GlobalOptions, name, entity string, opts *ToggleOptions) error {
	notice := &lastNotice{}
	a, err := g.openApp(app.WithNotifier(notice))
	if err != nil {
		return err
	}
	defer a.Close()

	rel, err := lookupRelation(a, name)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a.Warm(ctx)
	if name == app.Favorites {
		entry := app.FavoriteEntry{Name: entity, Category: opts.Category, URL: opts.URL}
		if prev, ok := a.Favorites().Entry(entity); ok && opts.Category == "" && opts.URL == "" {
			entry = prev
		}
		a.Favorites().Track(entry)
	}
	if _, err := rel.Refresh(ctx, entity); err != nil {
		g.logger.Warn("toggling from cached state", zap.Error(err))
	}

	st, err := rel.Toggle(ctx, entity)
	if err != nil {
		return toggleError(cmd, opts, name, st, err, notice.message())
	}

	if opts.JSON {
		return writeJSON(cmd.OutOrStdout(), map[string]any{
			"relation": name,
			"state":    st,
			"message":  notice.message(),
		})
	}
	printState(cmd.OutOrStdout(), name, st)
	if msg := notice.message(); msg != "" {
		fmt.Fprintln(cmd.OutOrStdout(), msg)
	}
	return nil
}

func toggleError(cmd *cobra.Command, opts *ToggleOptions, name string, st relation.State, err error, message string) error {
	var kind string
	switch {
	case errors.Is(err, relation.ErrUnauthenticated):
		kind = "unauthenticated"
		message = "Please sign in to continue."
	case errors.Is(err, relation.ErrAlreadyInFlight):
		kind = "already_in_flight"
	default:
		kind = remote.KindOf(err).String()
		if message == "" {
			message = relation.ErrorMessage(remote.KindOf(err))
		}
	}

	if opts.JSON {
		if werr := writeJSON(cmd.OutOrStdout(), map[string]any{
			"relation": name,
			"state":    st,
			"error":    kind,
			"message":  message,
		}); werr != nil {
			return werr
		}
	}
	return fmt.Errorf("%s: %w", message, err)
}

// ShowOptions holds options for the show command.
type ShowOptions struct {
	JSON bool
}

// NewShowCommand creates the show command.
func NewShowCommand(g *GlobalOptions) *cobra.Command {
	opts := &ShowOptions{}

	cmd := &cobra.Command{
		Use:   "show RELATION [ENTITY...]",
		Short: "Show relation state for entities",
		Long: `Fetch the current baseline for each entity and print the resulting state.
Without entities, list every entity the signed-in user holds RELATION on.`,
		Example: `  relsync show recommendations A1 B7
  relsync show favorites --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runShow(cmd, g, args[0], args[1:], opts)
		},
	}

	cmd.Flags().BoolVar(&opts.JSON, "json", false, "Output states as JSON")

	return cmd
}

func runShow(cmd *cobra.Command, g *GlobalOptions, name string, entities []string, opts *ShowOptions) error {
	a, err := g.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	rel, err := lookupRelation(a, name)
	if err != nil {
		return err
	}
	if len(entities) == 0 {
		entities, err = rel.Sync(cmd.Context())
	} else {
		err = rel.RefreshAll(cmd.Context(), entities)
	}
	switch {
	case errors.Is(err, relation.ErrUnauthenticated):
		return fmt.Errorf("%s: %w", "Please sign in to continue.", err)
	case err != nil:
		return fmt.Errorf("%s: %w", relation.ErrorMessage(remote.KindOf(err)), err)
	}

	states := make([]relation.State, 0, len(entities))
	for _, id := range entities {
		states = append(states, rel.State(id))
	}

	if opts.JSON {
		return writeJSON(cmd.OutOrStdout(), states)
	}
	for _, st := range states {
		printState(cmd.OutOrStdout(), name, st)
	}
	return nil
}

// NewCacheCommand creates the cache command group.
func NewCacheCommand(g *GlobalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the local relation cache",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "clear [RELATION...]",
		Short: "Remove persisted membership",
		Long:  "Remove the persisted snapshot of the given relations, or of all relations when none are named.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCacheClear(cmd.Context(), cmd.OutOrStdout(), g, args)
		},
	})

	return cmd
}

func runCacheClear(ctx context.Context, out io.Writer, g *GlobalOptions, names []string) error {
	a, err := g.openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	if len(names) == 0 {
		names = a.ListRelations()
	}
	for _, name := range names {
		rel, err := lookupRelation(a, name)
		if err != nil {
			return err
		}
		if err := rel.ClearCache(ctx); err != nil {
			return fmt.Errorf("failed to clear %s cache: %w", name, err)
		}
		fmt.Fprintf(out, "Cleared %s\n", name)
	}
	return nil
}

func lookupRelation(a *app.App, name string) (app.Relation, error) {
	rel, ok := a.Relation(name)
	if !ok {
		return nil, fmt.Errorf("unknown relation %q (expected one of %v)", name, a.ListRelations())
	}
	return rel, nil
}

func printState(out io.Writer, name string, st relation.State) {
	status := "inactive"
	if st.Active {
		status = "active"
	}
	if name == app.Recommendations {
		fmt.Fprintf(out, "%s/%s: %s (count %d)\n", name, st.EntityID, status, st.Count)
		return
	}
	fmt.Fprintf(out, "%s/%s: %s\n", name, st.EntityID, status)
}

func writeJSON(out io.Writer, v any) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(v)
}
