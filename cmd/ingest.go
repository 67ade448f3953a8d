package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"

	"github.com/google/uuid"
	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/constants"
	"github.com/kozaktomas/photo-tagger/internal/notify"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <glob>...",
	Short: "Submit local photos on behalf of a chat",
	Long: `Submit local photos as if they were sent from the given chat.
The first photo of an unenrolled user is treated as their self-portrait.
Photos are copied into PHOTO_DIR, processed by the full pipeline and
notifications are printed instead of being delivered.

Examples:
  photo-tagger ingest --chat-id 1 --name Ann selfie.jpg
  photo-tagger ingest --chat-id 1 --name Ann "trip/*.jpg"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)

	ingestCmd.Flags().Int64("chat-id", 0, "Chat the photos are sent from")
	ingestCmd.Flags().StringSlice("name", nil, "Candidate display names, in preference order")
	_ = ingestCmd.MarkFlagRequired("chat-id")
}

// expandGlobs resolves patterns to a sorted, de-duplicated file list.
func expandGlobs(patterns []string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := filepath.Glob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		if len(matches) == 0 {
			return nil, fmt.Errorf("no files match %q", pattern)
		}
		for _, m := range matches {
			if info, err := os.Stat(m); err == nil && info.Mode().IsRegular() {
				files = append(files, m)
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

// copyIntoPhotoDir stores a copy under a generated name, keeping the extension.
func copyIntoPhotoDir(src, photoDir string) (string, error) {
	in, err := os.Open(src) //nolint:gosec // user-supplied path is the point
	if err != nil {
		return "", fmt.Errorf("opening %s: %w", src, err)
	}
	defer in.Close()

	dst := filepath.Join(photoDir, uuid.NewString()+filepath.Ext(src))
	out, err := os.Create(dst)
	if err != nil {
		return "", fmt.Errorf("creating %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return "", errors.Join(fmt.Errorf("copying %s: %w", src, err), os.Remove(dst))
	}
	if err := out.Close(); err != nil {
		return "", fmt.Errorf("closing %s: %w", dst, err)
	}
	return dst, nil
}

func runIngest(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	chatID := mustGetInt64(cmd, "chat-id")
	names := mustGetStringSlice(cmd, "name")

	files, err := expandGlobs(args)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		fmt.Println("No files to ingest")
		return nil
	}

	p, err := newPipeline(cfg, notify.NewLog(os.Stdout), nil)
	if err != nil {
		return err
	}
	p.start()
	defer p.stop()

	ctx := cmd.Context()
	fmt.Printf("Ingesting %d photos from chat %d\n\n", len(files), chatID)

	bar := progressbar.NewOptions(len(files),
		progressbar.OptionSetDescription("Ingesting"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionFullWidth(),
	)

	var failed int
	for _, file := range files {
		// Each photo is resolved before the next one is sent, so a selfie
		// enrolls before the photos after it are matched.
		if err := ingestOne(ctx, p, cfg, chatID, names, file); err != nil {
			fmt.Fprintf(os.Stderr, "\n%s: %v\n", file, err)
			failed++
		}
		bar.Add(1)
	}
	bar.Finish()

	st := p.dist.Stats()
	fmt.Printf("\n\nIngested %d photos (%d failed, %d extraction failures)\n",
		len(files)-failed, failed, p.pool.Failed())
	fmt.Printf("Users: %d (%d enrolled), photos: %d, tags: %d\n",
		st.Metadata.Users, st.Metadata.EnrolledUsers, st.Metadata.Photos, st.Metadata.Tags)
	return nil
}

func ingestOne(ctx context.Context, p *pipeline, cfg *config.Config, chatID int64, names []string, file string) error {
	stored, err := copyIntoPhotoDir(file, cfg.Storage.PhotoDir)
	if err != nil {
		return err
	}
	if _, err := p.dist.Ingest(ctx, chatID, stored, names); err != nil {
		return err
	}

	drainCtx, cancel := context.WithTimeout(ctx, constants.DrainTimeout)
	defer cancel()
	return p.dist.Drain(drainCtx)
}
