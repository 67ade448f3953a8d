package cmd

import (
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/database/postgres"
	"github.com/kozaktomas/photo-tagger/internal/tagger"
	"github.com/spf13/cobra"
)

var restoreCmd = &cobra.Command{
	Use:   "restore",
	Short: "Rebuild local snapshots from the PostgreSQL mirror",
	Long: `Read the state last mirrored to PostgreSQL and write it to the metadata
snapshot and both index files in DATA_DIR. The service must not be running.

Existing snapshots are kept unless --force is given.

Examples:
  photo-tagger restore
  photo-tagger restore --force`,
	RunE: runRestore,
}

func init() {
	rootCmd.AddCommand(restoreCmd)

	restoreCmd.Flags().Bool("force", false, "Overwrite existing snapshots")
}

// existingArtifacts lists which of the snapshot files are already present.
func existingArtifacts(opts tagger.Options) []string {
	var found []string
	for _, path := range []string{opts.MetaPath, opts.IdentityIndexPath, opts.PhotoIndexPath} {
		if _, err := os.Stat(path); err == nil {
			found = append(found, path)
		}
	}
	return found
}

func runRestore(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Database.URL == "" {
		return errors.New("DATABASE_URL is not set")
	}

	opts := tagger.OptionsFromConfig(cfg)
	if existing := existingArtifacts(opts); len(existing) > 0 && !mustGetBool(cmd, "force") {
		return fmt.Errorf("snapshots already exist (%v), use --force to overwrite", existing)
	}

	ctx := cmd.Context()
	pool, err := postgres.Open(ctx, &cfg.Database)
	if err != nil {
		return fmt.Errorf("failed to initialize PostgreSQL: %w", err)
	}
	defer pool.Close()

	exp, err := postgres.NewMirror(pool).Load(ctx)
	if errors.Is(err, postgres.ErrNoMirror) {
		fmt.Println("Nothing has been mirrored yet")
		return nil
	}
	if err != nil {
		return fmt.Errorf("loading mirror: %w", err)
	}

	if exp.Identities.Dim != opts.Dim || string(exp.Identities.Metric) != string(opts.Metric) {
		return fmt.Errorf("mirror holds dim %d/%s, configured %d/%s",
			exp.Identities.Dim, exp.Identities.Metric, opts.Dim, opts.Metric)
	}

	if err := os.MkdirAll(cfg.Storage.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", cfg.Storage.DataDir, err)
	}
	if err := tagger.WriteArtifacts(opts, exp); err != nil {
		return fmt.Errorf("writing snapshots: %w", err)
	}

	fmt.Printf("Restored state mirrored at %s\n", exp.TakenAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("  Users:  %d\n", len(exp.Meta.Users))
	fmt.Printf("  Photos: %d\n", len(exp.Meta.Photos))
	fmt.Printf("  Vectors: %d identity, %d photo\n", len(exp.Identities.Vectors), len(exp.Photos.Vectors))
	return nil
}
