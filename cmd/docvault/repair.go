package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fruitsalade/docvault/internal/logging"
	"github.com/fruitsalade/docvault/internal/vfs"
)

var repairOwner int64

var repairCmd = &cobra.Command{
	Use:   "repair",
	Short: "Recreate missing physical folders and report missing files",
	Long: `repair walks every owner's tree (or only --owner) and compares it with the
storage backend. Folders without a physical directory are recreated; files
without content are reported. Metadata is never changed.`,
	RunE: runRepair,
}

func init() {
	repairCmd.Flags().Int64Var(&repairOwner, "owner", 0, "only repair this user id")
}

func runRepair(cmd *cobra.Command, args []string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	defer logging.Sync()

	ctx := cmd.Context()
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	backend, err := openBackend(ctx, cfg)
	if err != nil {
		return err
	}
	defer backend.Close()

	owners := []int64{repairOwner}
	if repairOwner == 0 {
		if owners, err = store.ListUserIDs(ctx); err != nil {
			return fmt.Errorf("list users: %w", err)
		}
	}

	engine := vfs.New(store, backend)
	var errs []error
	for _, id := range owners {
		report, err := engine.Reconcile(ctx, id)
		if err != nil {
			errs = append(errs, fmt.Errorf("owner %d: %w", id, err))
			continue
		}
		for _, key := range report.MissingBlobs {
			logging.Warn("file content missing", zap.Int64("owner", id), zap.String("key", key))
		}
		for _, ie := range report.Errors {
			errs = append(errs, fmt.Errorf("owner %d: %w", id, ie))
		}
		fmt.Fprintf(cmd.OutOrStdout(), "owner %d: %d folders, %d files, %d dirs recreated, %d files missing\n",
			id, report.Folders, report.Files, len(report.RecreatedDirs), len(report.MissingBlobs))
	}
	return errors.Join(errs...)
}
