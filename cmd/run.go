package cmd

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/capture"
	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/sheets"
	"github.com/kozaktomas/face-attendance/internal/store/postgres"
	"github.com/kozaktomas/face-attendance/internal/syncer"
	"github.com/kozaktomas/face-attendance/internal/tracker"
	"github.com/kozaktomas/face-attendance/internal/web"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start attendance tracking",
	Long: `Start the attendance tracking loop.

The tracker polls the camera snapshot endpoint, detects and recognizes
faces through the encoder service and marks recognized people present in
the attendance sheet. The web API runs alongside for live inspection.`,
	RunE: runRun,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().Bool("no-web", false, "Disable the web API")
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Camera.SnapshotURL == "" {
		return fmt.Errorf("CAMERA_URL is required")
	}
	if cfg.Sheet.URL == "" {
		return fmt.Errorf("SHEET_URL is required")
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	store := recognize.NewEncodingStore()

	// Optional persistence. Without a database everything lives in memory
	// and enrollment happens over the web API only.
	var identityRepo *postgres.IdentityRepository
	var deadRepo *postgres.DeadLetterRepository
	var deadStore syncer.DeadLetterStore
	var archive tracker.Archive
	var webPersister web.IdentityPersister

	if cfg.Database.URL != "" {
		pool, err := postgres.Initialize(&cfg.Database)
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		defer pool.Close()

		identityRepo = postgres.NewIdentityRepository(pool)
		deadRepo = postgres.NewDeadLetterRepository(pool)
		deadStore = deadRepo
		archive = postgres.NewAttendanceRepository(pool)
		webPersister = identityRepo

		identities, err := identityRepo.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading identities: %w", err)
		}
		store.Load(identities)
		log.Printf("loaded %d enrolled identities", len(identities))
	}

	if store.Count() == 0 {
		log.Println("WARNING: no identities enrolled, nobody will be recognized")
	}

	sheet, err := sheets.NewClient(cfg.Sheet.URL, cfg.Sheet.Token, cfg.Sync.SinkTimeout)
	if err != nil {
		return fmt.Errorf("sheet client: %w", err)
	}

	writer := syncer.New(sheet, syncer.Options{
		MaxAttempts: cfg.Sync.MaxAttempts,
		BackoffBase: cfg.Sync.BackoffBase,
		BackoffCap:  cfg.Sync.BackoffCap,
		SinkTimeout: cfg.Sync.SinkTimeout,
	}, deadStore)

	if deadRepo != nil {
		letters, err := deadRepo.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading dead letters: %w", err)
		}
		if len(letters) > 0 {
			writer.LoadDeadLetters(letters)
			log.Printf("loaded %d dead letter(s) from previous runs", len(letters))
		}
	}

	source, err := capture.NewSnapshotSource(cfg.Camera.SnapshotURL, cfg.Capture.FramesPerSecond)
	if err != nil {
		return fmt.Errorf("camera source: %w", err)
	}

	enc := encoder.NewClient(cfg.Encoder.URL)

	tr := tracker.New(tracker.Options{
		Store:          store,
		Matcher:        recognize.NewMatcher(store, cfg.Recognition.MatchThreshold),
		Writer:         writer,
		Source:         source,
		Detector:       enc,
		Roster:         sheet,
		Archive:        archive,
		DebounceCount:  cfg.Debounce.Count,
		DebounceWindow: cfg.Debounce.Window,
		QueueSize:      cfg.Capture.QueueSize,
		Location:       loc,
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var server *web.Server
	if !mustGetBool(cmd, "no-web") {
		handlers := web.NewHandlers(store, tr.Ledger(), writer, tr.Pipeline(), enc, webPersister)
		server = web.NewServer(cfg.Web.Host, cfg.Web.Port, handlers)
		go func() {
			if err := server.Start(); err != nil {
				log.Printf("web server failed: %v", err)
			}
		}()
	}

	err = tr.Run(ctx)

	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if serr := server.Shutdown(shutdownCtx); serr != nil {
			log.Printf("web server shutdown failed: %v", serr)
		}
	}

	return err
}
