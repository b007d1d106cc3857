package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/store/postgres"
)

// enrollMaxDimension bounds photo size before upload to the encoder service.
const enrollMaxDimension = 1024

var enrollCmd = &cobra.Command{
	Use:   "enroll <folder-path>",
	Short: "Enroll people from a folder of photos",
	Long: `Enroll people from a folder of reference photos.

Each photo directly inside the folder enrolls one person named after the
file (jan_novak.jpg enrolls "jan novak"). A subfolder enrolls one person
named after the subfolder, with every photo inside adding another
reference embedding for that person.

Enrollment requires DATABASE_URL; embeddings are stored in PostgreSQL
and loaded by the run command on startup.

Example:
  face-attendance enroll /path/to/known_faces`,
	Args: cobra.ExactArgs(1),
	RunE: runEnroll,
}

func init() {
	rootCmd.AddCommand(enrollCmd)
}

// isImageFile checks if a file has a supported image extension
func isImageFile(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	supported := map[string]bool{
		".jpg":  true,
		".jpeg": true,
		".png":  true,
		".gif":  true,
		".bmp":  true,
	}
	return supported[ext]
}

// enrollment pairs a photo path with the person it belongs to.
type enrollment struct {
	displayName string
	path        string
}

// collectEnrollments walks the folder and maps photos to people.
func collectEnrollments(folder string) ([]enrollment, error) {
	entries, err := os.ReadDir(folder)
	if err != nil {
		return nil, fmt.Errorf("reading folder: %w", err)
	}

	var enrollments []enrollment
	for _, entry := range entries {
		if entry.IsDir() {
			name := displayNameFrom(entry.Name())
			sub, err := os.ReadDir(filepath.Join(folder, entry.Name()))
			if err != nil {
				return nil, fmt.Errorf("reading subfolder %s: %w", entry.Name(), err)
			}
			for _, photo := range sub {
				if photo.IsDir() || !isImageFile(photo.Name()) {
					continue
				}
				enrollments = append(enrollments, enrollment{
					displayName: name,
					path:        filepath.Join(folder, entry.Name(), photo.Name()),
				})
			}
			continue
		}
		if !isImageFile(entry.Name()) {
			continue
		}
		base := strings.TrimSuffix(entry.Name(), filepath.Ext(entry.Name()))
		enrollments = append(enrollments, enrollment{
			displayName: displayNameFrom(base),
			path:        filepath.Join(folder, entry.Name()),
		})
	}
	return enrollments, nil
}

// displayNameFrom turns a file or folder name into a human readable name.
func displayNameFrom(name string) string {
	return strings.TrimSpace(strings.NewReplacer("_", " ", "-", " ").Replace(name))
}

func runEnroll(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if cfg.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required for enrollment")
	}

	enrollments, err := collectEnrollments(args[0])
	if err != nil {
		return err
	}
	if len(enrollments) == 0 {
		return fmt.Errorf("no photos found in %s", args[0])
	}

	pool, err := postgres.Initialize(&cfg.Database)
	if err != nil {
		return fmt.Errorf("database init failed: %w", err)
	}
	defer pool.Close()
	repo := postgres.NewIdentityRepository(pool)

	enc := encoder.NewClient(cfg.Encoder.URL)

	bar := progressbar.NewOptions(len(enrollments),
		progressbar.OptionSetDescription("Enrolling photos"),
		progressbar.OptionShowCount(),
		progressbar.OptionShowIts(),
		progressbar.OptionSetItsString("photos"),
		progressbar.OptionShowElapsedTimeOnFinish(),
	)

	ctx := cmd.Context()
	enrolled := make(map[string]bool)
	var failed int

	for _, e := range enrollments {
		if err := enrollOne(ctx, repo, enc, e); err != nil {
			fmt.Fprintf(os.Stderr, "\nWARNING: %s: %v\n", e.path, err)
			failed++
		} else {
			enrolled[recognize.IdentityID(e.displayName)] = true
		}
		_ = bar.Add(1)
	}
	fmt.Println()

	fmt.Printf("Enrolled %d people from %d photos", len(enrolled), len(enrollments)-failed)
	if failed > 0 {
		fmt.Printf(" (%d photos failed)", failed)
	}
	fmt.Println()
	return nil
}

func enrollOne(ctx context.Context, repo *postgres.IdentityRepository, enc *encoder.Client, e enrollment) error {
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("reading photo: %w", err)
	}

	resized, err := encoder.ResizeImage(data, enrollMaxDimension)
	if err != nil {
		return fmt.Errorf("resizing photo: %w", err)
	}

	embedding, err := enc.ComputeEmbedding(ctx, resized)
	if err != nil {
		return fmt.Errorf("computing embedding: %w", err)
	}

	return repo.Save(ctx, recognize.IdentityID(e.displayName), e.displayName, embedding)
}
