package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/opendesk-io/opendesk-ce/internal/api"
	"github.com/opendesk-io/opendesk-ce/internal/config"
	"github.com/opendesk-io/opendesk-ce/internal/database"
	"github.com/opendesk-io/opendesk-ce/internal/email/graph"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/loopdetect"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/mappingrepair"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/materializer"
	"github.com/opendesk-io/opendesk-ce/internal/email/inbound/parser"
	mailsync "github.com/opendesk-io/opendesk-ce/internal/email/inbound/sync"
	"github.com/opendesk-io/opendesk-ce/internal/email/token"
	"github.com/opendesk-io/opendesk-ce/internal/lock"
	"github.com/opendesk-io/opendesk-ce/internal/models"
	"github.com/opendesk-io/opendesk-ce/internal/repository"
	"github.com/opendesk-io/opendesk-ce/internal/runner"
	"github.com/opendesk-io/opendesk-ce/internal/runner/tasks"
	"github.com/opendesk-io/opendesk-ce/internal/secrets"
	"github.com/opendesk-io/opendesk-ce/internal/storage"
	"github.com/opendesk-io/opendesk-ce/internal/workflows"
)

var (
	version = "dev"
	commit  = "none"
)

// systemUserID is the placeholder actor that authors email-sourced comments
// and activity entries.
const systemUserID = 1

var configPath string

var rootCmd = &cobra.Command{
	Use:     "opendesk",
	Short:   "OpenDesk helpdesk server and tools",
	Version: fmt.Sprintf("%s (commit: %s)", version, commit),
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the API server and the mailbox sync scheduler",
	RunE:  runServe,
}

var syncCmd = &cobra.Command{
	Use:   "sync [mailbox-id]",
	Short: "Run one sync pass, for all mailboxes or a single one",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runSync,
}

var housekeepCmd = &cobra.Command{
	Use:   "housekeep",
	Short: "Purge orphaned and inconsistent email-ticket mappings",
	RunE:  runHousekeep,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to config file")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(housekeepCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the assembled object graph.
type app struct {
	cfg       *config.Config
	db        *sql.DB
	mailboxes *repository.MailboxRepository
	comments  *repository.CommentRepository
	mappings  *repository.MappingRepository
	offloader *storage.Offloader
	repairer  *mappingrepair.Repairer
	syncer    *mailsync.Syncer
}

func buildApp(ctx context.Context) (*app, error) {
	if err := config.Load(configPath); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	cfg := config.Get()

	db, err := database.Connect(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx, db, database.Driver()); err != nil {
		return nil, err
	}

	box, err := secrets.NewBox(cfg.Secrets.Key)
	if err != nil {
		return nil, fmt.Errorf("secrets key: %w", err)
	}

	var backend storage.Backend
	if cfg.Storage.Backend == "s3" {
		backend, err = storage.NewS3Backend(ctx, cfg.Storage.S3)
		if err != nil {
			return nil, fmt.Errorf("s3 backend: %w", err)
		}
	} else {
		backend = storage.NewDatabaseBackend(db)
	}
	offloader := storage.NewOffloader(backend, cfg.Storage.Offload)

	mailboxes := repository.NewMailboxRepository(db)
	mappings := repository.NewMappingRepository(db)
	comments := repository.NewCommentRepository(db)

	tokens := token.NewManager(cfg.MailSync, box, mailboxes)
	client := graph.NewClient(cfg.MailSync.ProviderBaseURL, graph.WithCallTimeout(cfg.MailSync.CallTimeout))

	mat := materializer.New(offloader, cfg.App.SystemDomains, systemUserID,
		materializer.WithAttachmentBackend(backend, int64(cfg.Storage.Offload.MaxInlineBytes)))
	repairer := mappingrepair.New(mappings)

	var locker lock.Locker
	if cfg.Redis.Enabled {
		locker = lock.NewRedisLocker(redis.NewClient(&redis.Options{
			Addr:     fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}), cfg.Redis.LockPrefix)
	} else {
		locker = lock.NewMemoryLocker()
	}

	deps := mailsync.Deps{
		Client: client,
		SessionFor: func(mc *models.MailboxConnection) mailsync.CredentialSession {
			return tokens.Session(mc)
		},
		Mailboxes: mailboxes,
		Agents:    repository.NewUserRepository(db),
		Mappings:  mappings,
		Repairer:  repairer,
		Parser:    parser.New(cfg.App.SystemDomains),
		Detector:  loopdetect.New(cfg.App.SystemDomains),
		Persister: mailsync.NewPersister(db, mat, log.Default()),
		Locker:    locker,
		Engine:    &workflows.LogEngine{},
	}
	syncOpts := []mailsync.Option{}
	if cfg.Redis.LockTTL > 0 {
		syncOpts = append(syncOpts, mailsync.WithLockTTL(cfg.Redis.LockTTL))
	}

	return &app{
		cfg:       cfg,
		db:        db,
		mailboxes: mailboxes,
		comments:  comments,
		mappings:  mappings,
		offloader: offloader,
		repairer:  repairer,
		syncer:    mailsync.New(deps, cfg.MailSync, syncOpts...),
	}, nil
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	sched := runner.New()
	sched.Register(tasks.NewMailSyncTask(a.syncer, a.cfg.MailSync))
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	srv := api.NewServer(a.db, a.mailboxes, a.comments, a.syncer, a.offloader)
	httpSrv := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", a.cfg.Server.Host, a.cfg.Server.Port),
		Handler:      srv.Handler(),
		ReadTimeout:  a.cfg.Server.ReadTimeout,
		WriteTimeout: a.cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	if len(args) == 0 {
		return a.syncer.SyncAll(ctx)
	}

	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid mailbox id %q", args[0])
	}
	mailbox, err := a.mailboxes.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if mailbox == nil {
		return fmt.Errorf("mailbox %d not found", id)
	}
	summary, err := a.syncer.SyncMailbox(ctx, mailbox)
	if err != nil {
		return err
	}
	log.Printf("sync: %s: %d listed, %d processed, %d skipped, %d failed",
		mailbox.Address, summary.Listed, summary.Processed, summary.Skipped, summary.Failed)
	return nil
}

func runHousekeep(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}

	window := a.cfg.MailSync.HousekeepWindow
	if window <= 0 {
		window = 72 * time.Hour
	}
	stats, err := a.repairer.Housekeep(ctx, window)
	if err != nil {
		return err
	}
	log.Printf("housekeep: removed %d orphaned and %d inconsistent mappings",
		stats.OrphansDeleted, stats.InconsistentDeleted)
	return nil
}
