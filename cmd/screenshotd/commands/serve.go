package commands

import (
	"context"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/peerframe/screenshotd/internal/config"
	"github.com/peerframe/screenshotd/pkg/bus"
	"github.com/peerframe/screenshotd/pkg/credential"
	"github.com/peerframe/screenshotd/pkg/db"
	"github.com/peerframe/screenshotd/pkg/edge"
	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/lifecycle"
	"github.com/peerframe/screenshotd/pkg/notifier"
	"github.com/peerframe/screenshotd/pkg/registry"
	"github.com/peerframe/screenshotd/pkg/server"
	"github.com/peerframe/screenshotd/pkg/storage"
	"github.com/peerframe/screenshotd/pkg/store"
	"github.com/peerframe/screenshotd/pkg/sweeper"
	"github.com/spf13/cobra"
	"github.com/superfly/fsm"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the event consumer, upload server, and reconciliation sweeper",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
	}
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "config invalid")
	}

	if err := ensureDirectories(cfg.DBPath, cfg.FSMDBPath); err != nil {
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

	manager, err := fsm.New(fsm.Config{DBPath: cfg.FSMDBPath})
	if err != nil {
		return errors.Wrap(err, "FSM manager failed")
	}
	defer manager.Shutdown(10 * time.Second)

	start, _, err := machine.Register(ctx, manager)
	if err != nil {
		return errors.Wrap(err, "FSM register failed")
	}

	consumer := bus.NewConsumer(bus.ConsumerConfig{
		Brokers:            cfg.KafkaBrokers,
		GroupID:            cfg.KafkaGroupID,
		RequestedTopic:     cfg.RequestedTopic,
		PeerAvailableTopic: cfg.PeerAvailableTopic,
	}, bus.Handlers{
		OnRequested: func(ctx context.Context, ev bus.RequestedEvent) error {
			req := &lifecycle.CaptureRequest{
				CatalogID:        ev.CatalogID,
				ExpectedCount:    ev.ExpectedCount,
				RequesterService: ev.RequesterService,
			}
			version, err := start(ctx, uuid.NewString(), fsm.NewRequest(req, &lifecycle.CaptureResult{}))
			if err != nil {
				return errors.Wrap(err, "FSM start failed")
			}
			slog.Info("dispatch_workflow_started", "catalog_id", ev.CatalogID, "version", version)
			return nil
		},
		OnPeerAvailable: machine.OnPeerAvailable,
	})

	swp := sweeper.NewSweeper(repo, creds, machine, cfg.SweepInterval, cfg.CredentialRetention, cfg.SweepBatchSize)

	uploadServer := server.NewServer(creds, repo, machine, objects, cfg.MaxUploadSize)
	httpServer := &http.Server{
		Addr:              cfg.HTTPBind,
		Handler:           uploadServer.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)

	go swp.Run(ctx)

	go func() {
		errCh <- consumer.Run(ctx)
	}()

	go func() {
		slog.Info("upload_server_listening", "addr", cfg.HTTPBind)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		slog.Info("shutdown_signal_received")
	case err := <-errCh:
		if err != nil {
			slog.Error("component_failed", "error", err)
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("http_shutdown_failed", "error", err)
	}

	slog.Info("serve_stopped")
	return nil
}
