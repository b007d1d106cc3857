package cmd

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/kozaktomas/face-attendance/internal/config"
	"github.com/kozaktomas/face-attendance/internal/encoder"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/pipeline"
	"github.com/kozaktomas/face-attendance/internal/recognize"
	"github.com/kozaktomas/face-attendance/internal/sheets"
	"github.com/kozaktomas/face-attendance/internal/store/postgres"
	"github.com/kozaktomas/face-attendance/internal/syncer"
	"github.com/kozaktomas/face-attendance/internal/web"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the web API without camera tracking",
	Long: `Start the web API on its own, without the camera loop.

Useful for managing enrollment and retrying dead letters outside class
hours. Attendance tracking itself runs through the run command.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().Int("port", 0, "Port to listen on (overrides WEB_PORT)")
	serveCmd.Flags().String("host", "", "Host to bind to (overrides WEB_HOST)")
}

// nopDetector satisfies the pipeline so status reporting works while no
// camera is attached.
type nopDetector struct{}

func (nopDetector) DetectAndEncode(ctx context.Context, frame pipeline.Frame) ([]recognize.Observation, error) {
	return nil, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	host := cfg.Web.Host
	if h := mustGetString(cmd, "host"); h != "" {
		host = h
	}
	port := cfg.Web.Port
	if p := mustGetInt(cmd, "port"); p != 0 {
		port = p
	}

	store := recognize.NewEncodingStore()

	var deadRepo *postgres.DeadLetterRepository
	var deadStore syncer.DeadLetterStore
	var webPersister web.IdentityPersister
	if cfg.Database.URL != "" {
		pool, err := postgres.Initialize(&cfg.Database)
		if err != nil {
			return fmt.Errorf("database init failed: %w", err)
		}
		defer pool.Close()

		identityRepo := postgres.NewIdentityRepository(pool)
		deadRepo = postgres.NewDeadLetterRepository(pool)
		deadStore = deadRepo
		webPersister = identityRepo

		identities, err := identityRepo.List(cmd.Context())
		if err != nil {
			return fmt.Errorf("loading identities: %w", err)
		}
		store.Load(identities)
		log.Printf("loaded %d enrolled identities", len(identities))
	}

	// Without a sheet there is nothing to deliver to; dead letter retries
	// stay disabled and the writer idles.
	var sink syncer.Sink = discardSink{}
	if cfg.Sheet.URL != "" {
		sheet, err := sheets.NewClient(cfg.Sheet.URL, cfg.Sheet.Token, cfg.Sync.SinkTimeout)
		if err != nil {
			return fmt.Errorf("sheet client: %w", err)
		}
		sink = sheet
	}

	writer := syncer.New(sink, syncer.Options{
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

	att := ledger.New(cfg.Debounce.Count, cfg.Debounce.Window, loc, func(rec ledger.AttendanceRecord) {
		writer.Enqueue(rec)
	})
	pipe := pipeline.New(cfg.Capture.QueueSize, nopDetector{}, func(recognize.Observation) {})

	handlers := web.NewHandlers(store, att, writer, pipe, encoder.NewClient(cfg.Encoder.URL), webPersister)
	server := web.NewServer(host, port, handlers)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go writer.Run(ctx)
	go func() {
		if err := server.Start(); err != nil {
			log.Printf("web server failed: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Shutdown(shutdownCtx)
}

// discardSink drops records. Used only when no sheet is configured.
type discardSink struct{}

func (discardSink) Append(ctx context.Context, rec ledger.AttendanceRecord) error {
	return nil
}
