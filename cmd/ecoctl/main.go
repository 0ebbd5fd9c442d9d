// ecoctl runs maintenance jobs against the EcoCoins database.
//
// Usage (same DB_* / REDIS_* / PUBSUB_* env as the server):
//
//	go run ./cmd/ecoctl migrate
//	go run ./cmd/ecoctl reconcile
//	go run ./cmd/ecoctl outbox replay --dead
//	go run ./cmd/ecoctl seed
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/cityconnect/ecocoins_backend/config"
	"github.com/cityconnect/ecocoins_backend/models"
	"github.com/cityconnect/ecocoins_backend/workflow"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gorm.io/gorm"
)

const programName = "ecoctl"

func connectDB() *gorm.DB {
	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	return db
}

func migrateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := models.MigrateTable(connectDB()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "schema up to date")
			return nil
		},
	}
}

func reconcileCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Apply verified task awards whose ledger entry is missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			settings, err := config.LoadSettings()
			if err != nil {
				return err
			}
			db := connectDB()
			// Only clear the cached leaderboard when a Redis address was given.
			if os.Getenv("REDIS_ADDRESS") != "" {
				config.ConnectRedisWithRetry()
			}
			report, err := workflow.ReconcileSubmissionAwards(cmd.Context(), db, config.GetLogger(), settings.LeaderboardSize)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "checked=%d repaired=%d failed=%d\n", report.Checked, len(report.Repaired), len(report.Failed))
			if len(report.Failed) > 0 {
				return fmt.Errorf("could not repair submissions %v", report.Failed)
			}
			return nil
		},
	}
}

func outboxCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "outbox",
		Short: "Inspect and replay the reward-sync outbox",
	}

	var dead bool
	replay := &cobra.Command{
		Use:   "replay",
		Short: "Move DEAD rows back to PENDING",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dead {
				return errors.New("nothing to replay: pass --dead")
			}
			n, err := models.ReplayDeadRewardSync(cmd.Context(), connectDB())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "replayed %d rows\n", n)
			return nil
		},
	}
	replay.Flags().BoolVar(&dead, "dead", false, "replay rows marked DEAD")

	status := &cobra.Command{
		Use:   "status",
		Short: "Count outbox rows by status",
		RunE: func(cmd *cobra.Command, args []string) error {
			counts, err := models.CountRewardSyncByStatus(cmd.Context(), connectDB())
			if err != nil {
				return err
			}
			for _, c := range counts {
				fmt.Fprintf(cmd.OutOrStdout(), "%-10s %d\n", c.Status, c.Count)
			}
			return nil
		},
	}

	cmd.AddCommand(replay, status)
	return cmd
}

func seedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Insert demo users, offers and issues (safe to rerun)",
		RunE: func(cmd *cobra.Command, args []string) error {
			db := connectDB()
			if err := models.MigrateTable(db); err != nil {
				return err
			}
			summary, err := seedDemo(cmd.Context(), db, time.Now().UTC())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "users=%d offers=%d issues=%d\n", summary.Users, summary.Offers, summary.Issues)
			return nil
		},
	}
}

func sessionCommand() *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "session <username>",
		Short: "Issue a session token for a user (local testing)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			connectDB()
			config.ConnectRedisWithRetry()
			token, err := models.StartSession(cmd.Context(), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}

func pubsubInitCommand() *cobra.Command {
	var endpoint, subscription string
	cmd := &cobra.Command{
		Use:   "pubsub-init",
		Short: "Create the reward-sync topic and push subscription",
		RunE: func(cmd *cobra.Command, args []string) error {
			topicName := os.Getenv("PUBSUB_REWARD_SYNC_TOPIC")
			if topicName == "" {
				return errors.New("PUBSUB_REWARD_SYNC_TOPIC is required")
			}
			ctx := cmd.Context()
			client, err := config.GetClient(ctx)
			if err != nil {
				return err
			}
			topic, err := config.CreateTopicIfNotExists(ctx, client, topicName)
			if err != nil {
				return err
			}
			if subscription == "" {
				subscription = topicName + "-push"
			}
			if _, err := config.CreatePushSubscriptionIfNotExists(ctx, client, subscription, topic, endpoint); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "topic=%s subscription=%s\n", topicName, subscription)
			return nil
		},
	}
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "push endpoint, e.g. https://host/pubsub/reward-sync")
	cmd.Flags().StringVar(&subscription, "subscription", "", "subscription name (default <topic>-push)")
	return cmd
}

func newRootCommand() *cobra.Command {
	var debug bool
	rootCmd := &cobra.Command{
		Use:           programName,
		Short:         "EcoCoins maintenance tool",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if debug {
				config.GetLogger().SetLevel(logrus.DebugLevel)
			}
		},
	}
	rootCmd.PersistentFlags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")
	rootCmd.AddCommand(
		migrateCommand(),
		reconcileCommand(),
		outboxCommand(),
		seedCommand(),
		sessionCommand(),
		pubsubInitCommand(),
	)
	return rootCmd
}

func main() {
	if err := newRootCommand().ExecuteContext(context.Background()); err != nil {
		config.GetLogger().WithFields(logrus.Fields{"component": programName}).Error(err.Error())
		os.Exit(1)
	}
}
