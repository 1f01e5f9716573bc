package commands

import (
	"context"
	"fmt"

	"github.com/peerframe/screenshotd/internal/config"
	"github.com/peerframe/screenshotd/pkg/db"
	"github.com/peerframe/screenshotd/pkg/errors"
	"github.com/peerframe/screenshotd/pkg/store"
	"github.com/spf13/cobra"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List tracked screenshot requests and their state",
	RunE:  runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "config load failed")
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
	requests, err := repo.List(context.Background())
	if err != nil {
		return errors.Wrap(err, "list failed")
	}

	if len(requests) == 0 {
		fmt.Println("No requests found")
		return nil
	}

	fmt.Printf("%-38s %-24s %-18s %-10s %-20s\n", "REQUEST ID", "CATALOG", "STATE", "UPLOADS", "EXPIRES")
	fmt.Println("--------------------------------------------------------------------------------------------------------------")

	for _, req := range requests {
		fmt.Printf("%-38s %-24s %-18s %3d/%-6d %-20s\n",
			req.RequestID, req.CatalogID, req.State,
			req.ReceivedCount, req.ExpectedCount,
			req.ExpiresAt.Format("2006-01-02 15:04:05"))
	}

	return nil
}
