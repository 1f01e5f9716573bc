package commands

import (
	"context"

	"github.com/peerframe/screenshotd/internal/config"
	"github.com/peerframe/screenshotd/pkg/bus"
	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/db"
	"github.com/peerframe/screenshotd/pkg/edge"
	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/lifecycle"
	"github.com/peerframe/screenshotd/pkg/notifier"
	"github.com/peerframe/screenshotd/pkg/registry"
	"github.com/peerframe/screenshotd/pkg/storage"
	"github.com/peerframe/screenshotd/pkg/store"
	"github.com/peerframe/screenshotd/pkg/sweeper"
	"github.com/spf13/cobra"
)

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one reconciliation pass (expire stale requests, purge spent credentials)",
	RunE:  runSweep,
}

func init() {
	rootCmd.AddCommand(sweepCmd)
}

func runSweep(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.DBPath, ""); err != nil {
		return err
	}

	conn, err := db.Open(cfg.DBPath)
	if err != nil {
		return errors.Wrap(err, "db init failed")
	}
	defer conn.Close()

	repo := store.NewRepository(conn)
	creds := credential.NewAuthority(conn, []byte(cfg.TokenSecret))

	objects, err := storage.NewClient(ctx, cfg.S3Bucket, cfg.S3Region, cfg.S3Endpoint, cfg.PresignTTL)
	if err != nil {
		return errors.Wrap(err, "storage client failed")
	}

	publisher := bus.NewPublisher(cfg.KafkaBrokers, cfg.CompletedTopic)
	defer publisher.Close()

	completions := notifier.NewNotifier(conn, publisher, objects)
	peerRegistry := registry.NewClient(cfg.RegistryURL, cfg.HTTPTimeout)
	edgeDispatch := edge.NewClient(cfg.EdgeURL, cfg.HTTPTimeout)

	machine := lifecycle.NewMachine(repo, creds, peerRegistry, edgeDispatch, completions, lifecycle.Limits{
		MaxScreenshots: cfg.MaxScreenshots,
		RequestTTL:     cfg.RequestTTL,
		TokenTTL:       cfg.TokenTTL,
		UploadBaseURL:  cfg.PublicBaseURL,
		MaxRetries:     cfg.FSMMaxRetries,
	})

	swp := sweeper.NewSweeper(repo, creds, machine, cfg.SweepInterval, cfg.CredentialRetention, cfg.SweepBatchSize)
	swp.Sweep(ctx)

	return nil
}
