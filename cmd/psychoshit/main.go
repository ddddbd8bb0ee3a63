package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/bwmarrin/discordgo"
	"github.com/jmoiron/sqlx"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pentestfunctions/psychoshit/internal/analyzer"
	"github.com/pentestfunctions/psychoshit/internal/controller"
	"github.com/pentestfunctions/psychoshit/internal/ingest"
	"github.com/pentestfunctions/psychoshit/internal/ratelimit"
	"github.com/pentestfunctions/psychoshit/internal/report"
	"github.com/pentestfunctions/psychoshit/internal/store"
	"github.com/pentestfunctions/psychoshit/pkg/config"
	"github.com/pentestfunctions/psychoshit/pkg/logger"
)

var (
	// Global flags
	guildID string

	// ingest flags
	channelIDs []string
	limit      int

	// analyze flags
	userID   string
	allUsers bool

	// report flags
	asJSON bool

	cfg *config.Config
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "psychoshit",
	Short: "Behavioral profiling over stored Discord message history",
	Long: `psychoshit ingests a guild's message history channel by channel,
stores it per user, and runs an iterative LLM analysis over each user's
log to build a behavioral profile with per-trait confidence.

Ingestion is resumable: every fetched page is checkpointed, so an
interrupted run picks up exactly where it stopped. Analysis runs are
checkpointed per iteration the same way.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load()
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Env); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		logger.Sync()
	},
}

// ingestCmd fetches and stores guild history.
var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Fetch a guild's message history into the local store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.DiscordToken == "" {
			return fmt.Errorf("DISCORD_TOKEN is required for ingestion")
		}

		ctx, stop := signalContext()
		defer stop()

		db, st, err := openStore()
		if err != nil {
			return err
		}
		defer store.CloseDB(db, logger.Get())

		// History fetching is pure REST; no gateway connection is opened.
		session, err := discordgo.New("Bot " + cfg.DiscordToken)
		if err != nil {
			return fmt.Errorf("failed to create Discord session: %w", err)
		}

		limiter := ratelimit.New(cfg.RequestsPerSecond, cfg.RequestBurst, logger.Named("discord"))
		pipeline := ingest.New(ingest.NewDiscordFetcher(session), st, limiter, ingest.Options{
			PageSize:          cfg.PageSize,
			Concurrency:       cfg.IngestConcurrency,
			MaxFetchAttempts:  cfg.MaxFetchAttempts,
			RetryAfterPadding: cfg.RetryAfterPadding,
		}, logger.Get())

		perChannel := cfg.PerChannelLimit
		if limit > 0 {
			perChannel = limit
		}
		result, err := pipeline.Run(ctx, ingest.Scope{
			GuildID:         guildID,
			ChannelIDs:      channelIDs,
			PerChannelLimit: perChannel,
		})
		if err != nil {
			return err
		}

		printIngestResult(result)
		return nil
	},
}

// analyzeCmd runs the iterative profile analysis for one or all users.
var analyzeCmd = &cobra.Command{
	Use:   "analyze",
	Short: "Run the iterative behavioral analysis over stored history",
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.AnalyzerAPIKey == "" {
			return fmt.Errorf("ANALYZER_API_KEY is required for analysis")
		}
		if !allUsers && userID == "" {
			return fmt.Errorf("either --user or --all is required")
		}

		ctx, stop := signalContext()
		defer stop()

		db, st, err := openStore()
		if err != nil {
			return err
		}
		defer store.CloseDB(db, logger.Get())

		limiter := ratelimit.New(cfg.RequestsPerSecond, cfg.RequestBurst, logger.Named("analyzer"))
		client := analyzer.NewClient(cfg.AnalyzerBaseURL, cfg.AnalyzerAPIKey, cfg.AnalyzerModel,
			limiter, cfg.AnalyzerMaxAttempts, cfg.AnalyzerTimeout, logger.Get())
		ctrl := controller.New(st, client, controller.Options{
			ChunkMaxCost:     cfg.ChunkMaxCost,
			ChunkMaxCount:    cfg.ChunkMaxCount,
			MaxChunkAttempts: cfg.MaxChunkAttempts,
			MaxIterations:    cfg.MaxIterations,
			StabilityWindow:  cfg.StabilityWindow,
		}, logger.Get())

		subjects, err := resolveSubjects(ctx, st)
		if err != nil {
			return err
		}
		if len(subjects) == 0 {
			return fmt.Errorf("no stored users for guild %s; run ingest first", guildID)
		}

		// Subjects are independent: their runs share nothing but the rate
		// limiter and the store.
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(cfg.AnalyzeConcurrency)
		for _, subject := range subjects {
			g.Go(func() error {
				rep, err := ctrl.Run(gctx, subject)
				if rep != nil {
					if werr := writeReport(rep); werr != nil {
						logger.Get().Error("Failed to write report files",
							zap.String("subject", subject.UserID), zap.Error(werr))
					}
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			return err
		}

		fmt.Printf("Analyzed %d user(s); reports written to %s\n", len(subjects), cfg.OutputDir)
		return nil
	},
}

// reportCmd prints the stored report for a user's latest run.
var reportCmd = &cobra.Command{
	Use:   "report",
	Short: "Print the latest stored report for a user",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		db, st, err := openStore()
		if err != nil {
			return err
		}
		defer store.CloseDB(db, logger.Get())

		run, err := st.LatestRun(ctx, guildID, userID)
		if err != nil {
			return err
		}
		if run == nil {
			return fmt.Errorf("no analysis run found for user %s in guild %s", userID, guildID)
		}

		row, err := st.GetReport(ctx, run.RunID)
		if err != nil {
			return err
		}
		if row == nil {
			return fmt.Errorf("run %s has no report yet (status %s)", run.RunID, run.Status)
		}

		if asJSON {
			fmt.Println(row.Report)
			return nil
		}
		var rep report.Report
		if err := json.Unmarshal([]byte(row.Report), &rep); err != nil {
			return fmt.Errorf("stored report for run %s is unreadable: %w", run.RunID, err)
		}
		fmt.Print(rep.RenderText())
		return nil
	},
}

// usersCmd lists users with stored history.
var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List users with stored history in a guild",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		db, st, err := openStore()
		if err != nil {
			return err
		}
		defer store.CloseDB(db, logger.Get())

		summaries, err := st.ListUserSummaries(ctx, guildID)
		if err != nil {
			return err
		}
		printUserSummaries(summaries)
		return nil
	},
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func openStore() (*sqlx.DB, store.Store, error) {
	db, err := store.NewDB(cfg.DBPath, logger.Get())
	if err != nil {
		return nil, nil, err
	}
	return db, store.NewStore(db, logger.Get()), nil
}

func resolveSubjects(ctx context.Context, st store.Store) ([]controller.Subject, error) {
	if !allUsers {
		return []controller.Subject{{GuildID: guildID, UserID: userID}}, nil
	}
	summaries, err := st.ListUserSummaries(ctx, guildID)
	if err != nil {
		return nil, err
	}
	subjects := make([]controller.Subject, 0, len(summaries))
	for _, s := range summaries {
		subjects = append(subjects, controller.Subject{
			GuildID:  guildID,
			UserID:   s.UserID,
			Username: s.Username,
		})
	}
	return subjects, nil
}

// writeReport persists the JSON artifact and its text rendering under the
// output directory.
func writeReport(rep *report.Report) error {
	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	doc, err := rep.ToJSON()
	if err != nil {
		return err
	}
	base := filepath.Join(cfg.OutputDir, fmt.Sprintf("%s_%s", rep.GuildID, rep.SubjectID))
	if err := os.WriteFile(base+".json", []byte(doc), 0o644); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	if err := os.WriteFile(base+".txt", []byte(rep.RenderText()), 0o644); err != nil {
		return fmt.Errorf("failed to write report summary: %w", err)
	}
	return nil
}

func printIngestResult(result *ingest.Result) {
	fmt.Printf("Ingested guild %s (%d channels)\n\n", result.GuildID, len(result.Channels))
	for _, ch := range result.Channels {
		switch {
		case ch.Skipped:
			fmt.Printf("  #%-24s skipped: %s\n", ch.Name, ch.Reason)
		default:
			fmt.Printf("  #%-24s fetched %d, stored %d new\n", ch.Name, ch.Fetched, ch.Stored)
		}
	}
	fmt.Println()
	printUserSummaries(result.Users)
}

func printUserSummaries(summaries []store.UserSummary) {
	if len(summaries) == 0 {
		fmt.Println("No stored users.")
		return
	}
	fmt.Printf("%-20s %-20s %8s %10s %8s %9s %8s\n", "USER ID", "USERNAME", "MESSAGES", "CHARS", "WORDS", "MENTIONS", "CHANNELS")
	for _, s := range summaries {
		fmt.Printf("%-20s %-20s %8d %10d %8d %9d %8d\n",
			s.UserID, s.Username, s.MessageCount, s.TotalChars, s.TotalWords, s.MentionCount, s.ChannelsUsed)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&guildID, "guild", "g", "", "Guild (server) id")

	ingestCmd.Flags().StringSliceVar(&channelIDs, "channels", nil, "Restrict ingestion to these channel ids")
	ingestCmd.Flags().IntVar(&limit, "limit", 0, "Max messages to fetch per channel this run (0 = unbounded)")

	analyzeCmd.Flags().StringVarP(&userID, "user", "u", "", "User id to analyze")
	analyzeCmd.Flags().BoolVar(&allUsers, "all", false, "Analyze every user with stored history")

	reportCmd.Flags().StringVarP(&userID, "user", "u", "", "User id")
	reportCmd.Flags().BoolVar(&asJSON, "json", false, "Print the raw JSON artifact")

	_ = rootCmd.MarkPersistentFlagRequired("guild")
	_ = reportCmd.MarkFlagRequired("user")

	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(reportCmd)
	rootCmd.AddCommand(usersCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
