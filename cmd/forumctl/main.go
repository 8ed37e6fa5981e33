// Command forumctl operates a forum database from the shell: schema
// migrations, moderation actions, restructuring and index maintenance.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"forumcore/internal/app"
	"forumcore/internal/errs"
	"forumcore/internal/lifecycle"
	"forumcore/internal/search"
)

var (
	databaseURL string
	logLevel    string
	logJSON     bool
	operatorID  int64
	metricsFile string

	mergeSubscribers bool
	mergeFavorites   bool
	mergeTags        bool

	splitMode        string
	splitDestination int64
	splitTitle       string

	searchType   string
	searchForum  int64
	searchLimit  int
	searchOffset int
)

var rootCmd = &cobra.Command{
	Use:           "forumctl",
	Short:         "Operate a forum content store",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPostRunE: func(_ *cobra.Command, _ []string) error {
		if metricsFile == "" {
			return nil
		}
		return prometheus.WriteToTextfile(metricsFile, prometheus.DefaultGatherer)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&databaseURL, "database-url", "", "Postgres URL (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "debug, info, warn or error (overrides FORUM_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&logJSON, "log-json", false, "emit JSON logs")
	rootCmd.PersistentFlags().Int64Var(&operatorID, "operator", 1, "user id recorded as the actor")
	rootCmd.PersistentFlags().StringVar(&metricsFile, "metrics-textfile", "", "write Prometheus metrics here after the command")

	mergeCmd.Flags().BoolVar(&mergeSubscribers, "subscribers", true, "carry subscriptions over to the destination")
	mergeCmd.Flags().BoolVar(&mergeFavorites, "favorites", true, "carry favorites over to the destination")
	mergeCmd.Flags().BoolVar(&mergeTags, "tags", true, "carry tags over to the destination")

	splitCmd.Flags().StringVar(&splitMode, "mode", "reply", "existing or reply")
	splitCmd.Flags().Int64Var(&splitDestination, "into", 0, "destination topic id (mode existing)")
	splitCmd.Flags().StringVar(&splitTitle, "title", "", "title of the new topic (mode reply)")
	splitCmd.Flags().BoolVar(&mergeSubscribers, "subscribers", true, "copy subscriptions to the destination")
	splitCmd.Flags().BoolVar(&mergeFavorites, "favorites", true, "copy favorites to the destination")
	splitCmd.Flags().BoolVar(&mergeTags, "tags", true, "copy tags to the destination")

	searchCmd.Flags().StringVar(&searchType, "type", "", "topic or reply")
	searchCmd.Flags().Int64Var(&searchForum, "forum", 0, "restrict to one forum")
	searchCmd.Flags().IntVar(&searchLimit, "limit", 20, "maximum results")
	searchCmd.Flags().IntVar(&searchOffset, "offset", 0, "results to skip")

	rootCmd.AddCommand(migrateCmd, repairCmd, statusCmd, moveCmd, mergeCmd, splitCmd, reindexCmd, searchCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", describe(err))
		os.Exit(1)
	}
}

// describe flattens collected validation errors onto one line each.
func describe(err error) string {
	var many *errs.ValidationErrors
	if !errors.As(err, &many) {
		return err.Error()
	}
	lines := make([]string, 0, len(many.Errors))
	for _, item := range many.Errors {
		lines = append(lines, fmt.Sprintf("%s: %s", item.Code, item.Message))
	}
	return strings.Join(lines, "\n       ")
}

// ============================================================================
// Schema
// ============================================================================

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	Args:  cobra.NoArgs,
	RunE:  runMigrate,
}

func runMigrate(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	db, applied, err := openDatabase(cmd.Context(), cfg)
	if err != nil {
		return err
	}
	defer db.Close()
	logger.Debug("migration check finished", "applied", len(applied))
	if len(applied) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
		return nil
	}
	for _, version := range applied {
		fmt.Fprintf(cmd.OutOrStdout(), "applied %s\n", version)
	}
	return nil
}

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recompute every topic and forum rollup",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
		report, err := rt.service.RepairCounts(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "repaired %d topics and %d forums\n", report.Topics, report.Forums)
		return nil
	}),
}

// ============================================================================
// Moderation
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status <post-id> <action>",
	Short: "Apply a status or sticky action to a post",
	Long: `Apply one of: close, open, spam, unspam, trash, untrash, delete,
approve, unapprove, stick, super_stick, unstick.`,
	Args: cobra.ExactArgs(2),
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		result, err := rt.service.ToggleStatus(cmd.Context(), operator(), id, lifecycle.Action(args[1]))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %d: %s -> %s", result.PostType, result.PostID, result.From, result.To)
		if len(result.Children) > 0 {
			fmt.Fprintf(cmd.OutOrStdout(), " (%d children)", len(result.Children))
		}
		fmt.Fprintln(cmd.OutOrStdout())
		return nil
	}),
}

// ============================================================================
// Restructuring
// ============================================================================

var moveCmd = &cobra.Command{
	Use:   "move <topic-id> <forum-id>",
	Short: "Move a topic and its replies to another forum",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		result, err := rt.service.MoveTopic(cmd.Context(), operator(), ids[0], ids[1])
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "moved topic %d from forum %d to %d (%d replies)\n",
			result.TopicID, result.FromForumID, result.ToForumID, len(result.Replies))
		return nil
	}),
}

var mergeCmd = &cobra.Command{
	Use:   "merge <source-topic> <destination-topic>",
	Short: "Fold one topic into another",
	Args:  cobra.ExactArgs(2),
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
		ids, err := parseIDs(args)
		if err != nil {
			return err
		}
		result, err := rt.service.SubmitMerge(cmd.Context(), operator(), app.MergeInput{
			SourceID:      ids[0],
			DestinationID: ids[1],
			Subscribers:   mergeSubscribers,
			Favorites:     mergeFavorites,
			Tags:          mergeTags,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "merged topic %d into %d (%d posts moved)\n",
			result.SourceID, result.DestinationID, len(result.Moved))
		return nil
	}),
}

var splitCmd = &cobra.Command{
	Use:   "split <reply-id>",
	Short: "Move a reply and everything after it into another topic",
	Args:  cobra.ExactArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
		id, err := parseID(args[0])
		if err != nil {
			return err
		}
		result, err := rt.service.SubmitSplit(cmd.Context(), operator(), app.SplitInput{
			ReplyID:       id,
			Mode:          splitMode,
			DestinationID: splitDestination,
			Title:         splitTitle,
			Subscribers:   mergeSubscribers,
			Favorites:     mergeFavorites,
			Tags:          mergeTags,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "split %d replies from topic %d into %d\n",
			len(result.Moved), result.SourceID, result.DestinationID)
		return nil
	}),
}

// ============================================================================
// Search
// ============================================================================

var reindexCmd = &cobra.Command{
	Use:   "reindex",
	Short: "Push every visible topic and reply into the search index",
	Args:  cobra.NoArgs,
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, _ []string) error {
		count, err := rt.search.Reindex(cmd.Context(), rt.fts)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "indexed %d records\n", count)
		return nil
	}),
}

var searchCmd = &cobra.Command{
	Use:   "search <text>",
	Short: "Search visible topics and replies",
	Args:  cobra.MinimumNArgs(1),
	RunE: withRuntime(func(cmd *cobra.Command, rt *runtime, args []string) error {
		resp := rt.search.Search(cmd.Context(), search.Query{
			Text:          strings.Join(args, " "),
			FilterType:    search.ResultType(searchType),
			FilterForumID: searchForum,
			Limit:         searchLimit,
			Offset:        searchOffset,
		})
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "%d results for %q\n", resp.Total, resp.Query)
		for _, r := range resp.Results {
			fmt.Fprintf(out, "  [%s %d] %s\n", r.Type, r.ID, r.Title)
			if r.Snippet != "" {
				fmt.Fprintf(out, "      %s\n", r.Snippet)
			}
		}
		return nil
	}),
}

// ============================================================================
// Helpers
// ============================================================================

func withRuntime(fn func(cmd *cobra.Command, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		rt, err := newRuntime(cmd.Context())
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(cmd, rt, args)
	}
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}

func parseIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, r := range raw {
		id, err := parseID(r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
