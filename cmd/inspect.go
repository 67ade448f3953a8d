package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/kozaktomas/photo-tagger/internal/config"
	"github.com/kozaktomas/photo-tagger/internal/metastore"
	"github.com/kozaktomas/photo-tagger/internal/vectorstore"
	"github.com/spf13/cobra"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print statistics of the persisted state",
	Long: `Load the metadata snapshot and the index sidecars from DATA_DIR and print
their statistics. The service does not need to be stopped; the files are
replaced atomically.

Examples:
  photo-tagger inspect
  photo-tagger inspect --name ann
  photo-tagger inspect --photo 12 --json`,
	RunE: runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().String("name", "", "List users whose display name contains this text")
	inspectCmd.Flags().Int64("photo", -1, "Show one photo")
	inspectCmd.Flags().Bool("json", false, "Output as JSON")
}

type indexInfo struct {
	Path     string                     `json:"path"`
	Metadata *vectorstore.IndexMetadata `json:"metadata,omitempty"`
	Error    string                     `json:"error,omitempty"`
}

type inspectReport struct {
	MetaPath      string           `json:"meta_path"`
	Metadata      metastore.Stats  `json:"metadata"`
	IdentityIndex indexInfo        `json:"identity_index"`
	PhotoIndex    indexInfo        `json:"photo_index"`
	Users         []metastore.User `json:"users,omitempty"`
	Photo         *metastore.Photo `json:"photo,omitempty"`
}

func loadIndexInfo(path string) indexInfo {
	info := indexInfo{Path: path}
	meta, err := vectorstore.LoadMetadata(path)
	if err != nil {
		info.Error = err.Error()
		return info
	}
	info.Metadata = &meta
	return info
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	name := mustGetString(cmd, "name")
	photoID := mustGetInt64(cmd, "photo")
	jsonOutput := mustGetBool(cmd, "json")

	store := metastore.New()
	if err := store.Load(cfg.Storage.MetaPath); err != nil {
		return fmt.Errorf("loading %s: %w", cfg.Storage.MetaPath, err)
	}

	report := inspectReport{
		MetaPath:      cfg.Storage.MetaPath,
		Metadata:      store.Stats(),
		IdentityIndex: loadIndexInfo(cfg.Storage.IdentityIndexPath),
		PhotoIndex:    loadIndexInfo(cfg.Storage.PhotoIndexPath),
	}
	if name != "" {
		report.Users = store.FindUsersByName(name)
	}
	if photoID >= 0 {
		photo, err := store.Photo(photoID)
		if errors.Is(err, metastore.ErrNotFound) {
			return fmt.Errorf("photo %d not found", photoID)
		}
		if err != nil {
			return err
		}
		report.Photo = &photo
	}

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	printInspectReport(store, report, name)
	return nil
}

func printInspectReport(store *metastore.Store, report inspectReport, name string) {
	m := report.Metadata
	fmt.Printf("Metadata: %s\n", report.MetaPath)
	fmt.Printf("  Users:            %d (%d enrolled)\n", m.Users, m.EnrolledUsers)
	fmt.Printf("  Photos:           %d (%d unresolved)\n", m.Photos, m.Unresolved)
	fmt.Printf("  Tags:             %d\n", m.Tags)
	fmt.Printf("  Photo vectors:    %d\n", m.PhotoVectors)
	fmt.Printf("  Identity vectors: %d\n", m.IdentityVectors)

	for _, idx := range []struct {
		label string
		info  indexInfo
	}{{"Identity index", report.IdentityIndex}, {"Photo index", report.PhotoIndex}} {
		fmt.Printf("\n%s: %s\n", idx.label, idx.info.Path)
		if idx.info.Metadata == nil {
			fmt.Printf("  unavailable: %s\n", idx.info.Error)
			continue
		}
		md := idx.info.Metadata
		fmt.Printf("  Vectors: %d live of %d, dim %d, metric %s\n", md.Live, md.Count, md.Dim, md.Metric)
		fmt.Printf("  Written: %s\n", md.BuildTime.Format("2006-01-02 15:04:05"))
	}

	if name != "" {
		fmt.Printf("\nUsers matching %q: %d\n", name, len(report.Users))
		for _, u := range report.Users {
			status := "not enrolled"
			if u.Enrolled() {
				status = fmt.Sprintf("identity vector %d", *u.IdentityVectorID)
			}
			fmt.Printf("  #%d %s (chat %d, %s)\n", u.ID, u.DisplayName, u.ChatID, status)
		}
	}

	if p := report.Photo; p != nil {
		sender, _ := store.GetDisplayName(p.SenderID)
		fmt.Printf("\nPhoto #%d: %s\n", p.ID, p.StoragePath)
		fmt.Printf("  Sender: @%s\n", sender)
		fmt.Printf("  Faces:  %d\n", len(p.Vectors))
		for _, t := range p.Tags {
			tagged, _ := store.GetDisplayName(t)
			fmt.Printf("  Tagged: @%s\n", tagged)
		}
	}
}
