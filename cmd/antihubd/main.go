// Command antihubd runs the consolidated AntiHub backend daemon: it ensures
// the root admin exists, performs the one-time plugin database migration when
// enabled, and serves the ops REST API.
package main

import (
	"context"
	"database/sql"
	"flag"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	accountpg "github.com/antihub/antihub-ops/internal/accountstore/postgres"
	accountsqlite "github.com/antihub/antihub-ops/internal/accountstore/sqlite"
	"github.com/antihub/antihub-ops/internal/auth"
	"github.com/antihub/antihub-ops/internal/bootstrap"
	"github.com/antihub/antihub-ops/internal/config"
	"github.com/antihub/antihub-ops/internal/health"
	"github.com/antihub/antihub-ops/internal/httpserver"
	"github.com/antihub/antihub-ops/internal/kvstore"
	"github.com/antihub/antihub-ops/internal/ledger"
	ledgerasync "github.com/antihub/antihub-ops/internal/ledger/async"
	ledgerpg "github.com/antihub/antihub-ops/internal/ledger/postgres"
	ledgersqlite "github.com/antihub/antihub-ops/internal/ledger/sqlite"
	"github.com/antihub/antihub-ops/internal/logging"
	"github.com/antihub/antihub-ops/internal/metrics"
	"github.com/antihub/antihub-ops/internal/migration"
	"github.com/antihub/antihub-ops/internal/secrets"
	"github.com/antihub/antihub-ops/internal/userstore"
	userpg "github.com/antihub/antihub-ops/internal/userstore/postgres"
	usersqlite "github.com/antihub/antihub-ops/internal/userstore/sqlite"
	"github.com/antihub/antihub-ops/internal/version"
)

func main() {
	var (
		initFlag    = flag.Bool("init", false, "scaffold config files and exit")
		initEnv     = flag.String("env", "dev", "environment name for -init")
		initForce   = flag.Bool("force", false, "overwrite existing config files with -init")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		log.SetFlags(0)
		log.Println(version.FullInfo())
		return
	}
	if *initFlag {
		opts := bootstrap.InitOptions{Environment: *initEnv, Force: *initForce}
		if err := bootstrap.Validate(opts); err != nil {
			log.Fatalf("init: %v", err)
		}
		if err := bootstrap.Init(opts); err != nil {
			log.Fatalf("init: %v", err)
		}
		log.Printf("config scaffolded under config/%s", *initEnv)
		return
	}

	cfg, err := config.LoadServerConfig(".")
	if err != nil {
		log.Fatalf("load config failed: %v", err)
	}

	const maxLogBytes = int64(300 * 1024 * 1024) // 300MB
	if logTarget := strings.TrimSpace(cfg.LogFile); logTarget != "" {
		rot, err := logging.NewRotatingWriter(logTarget, maxLogBytes)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		// Mirror to stdout as well for foreground runs.
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
		defer rot.Close()
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[antihubd] ")
	log.Printf("antihubd starting %s env=%s", version.FullInfo(), cfg.Environment)

	ctx := context.Background()

	var (
		identityStore userstore.Store
		accountStore  migration.AccountStore
		ledgerStore   ledger.Store
		stateStore    migration.StateStore
		locker        migration.Locker
		targetDB      *sql.DB
	)

	if dsn := strings.TrimSpace(cfg.DatabaseDSN); dsn != "" {
		db, err := sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open database: %v", err)
		}
		defer db.Close()
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("ping database: %v", err)
		}

		identityStore, err = userpg.NewWithDB(db)
		if err != nil {
			log.Fatalf("init identity store: %v", err)
		}
		accountStore, err = accountpg.NewWithDB(db)
		if err != nil {
			log.Fatalf("init account store: %v", err)
		}
		ledgerStore, err = ledgerpg.NewWithDB(db)
		if err != nil {
			log.Fatalf("init ledger store: %v", err)
		}
		stateStore, err = migration.NewPostgresStateStore(db)
		if err != nil {
			log.Fatalf("init migration state store: %v", err)
		}
		locker = migration.NewAdvisoryLocker(db)
		targetDB = db
		log.Printf("using postgres target database")
	} else {
		if cfg.PluginMigrationEnabled {
			log.Fatalf("plugin_db_migration requires a postgres database_dsn")
		}
		identityStore, err = usersqlite.New(cfg.IdentityPath)
		if err != nil {
			log.Fatalf("open identity store: %v", err)
		}
		accountStore, err = accountsqlite.New(filepath.Join(filepath.Dir(cfg.IdentityPath), "accounts.db"))
		if err != nil {
			log.Fatalf("open account store: %v", err)
		}
		ledgerStore, err = ledgersqlite.New(cfg.LedgerPath)
		if err != nil {
			log.Fatalf("open ledger store: %v", err)
		}
		locker = migration.NewLocalLocker()
		log.Printf("using sqlite stores (single-node mode)")
	}
	defer identityStore.Close()
	defer accountStore.Close()

	rootAdmin, err := identityStore.EnsureRootAdmin(ctx, cfg.AdminEmail)
	if err != nil {
		log.Fatalf("ensure root admin: %v", err)
	}
	log.Printf("root admin ready id=%d email=%s", rootAdmin.ID, rootAdmin.Email)

	collector := metrics.NewCollector()

	if cfg.PluginMigrationEnabled {
		box, err := secrets.NewBox(cfg.EncryptionKey)
		if err != nil {
			log.Fatalf("plugin_db_migration requires an encryption key: %v", err)
		}
		coord := &migration.Coordinator{
			Enabled:    true,
			LockWait:   cfg.MigrationLockWait,
			State:      stateStore,
			Lock:       locker,
			Users:      identityStore,
			Accounts:   accountStore,
			Secrets:    box,
			Logger:     log.Default(),
			AdminEmail: rootAdmin.Email,
			OpenSource: func(ctx context.Context) (migration.Source, error) {
				return migration.OpenSource(ctx, cfg.PluginDatabaseURL)
			},
		}
		result, err := coord.Run(ctx)
		if err != nil {
			// The flag couples enablement with fatality: never serve traffic
			// on top of a partially-migrated database.
			log.Fatalf("plugin db migration failed: %v", err)
		}
		log.Printf("plugin db migration: %s", result.Outcome)
		collector.RecordMigration(result.Outcome.String(), result.Counts)
	}

	usageStore := ledgerasync.New(ledgerStore, ledgerasync.Config{Logger: log.Default()})
	defer usageStore.Close()

	var authManager *auth.Manager
	if !cfg.AuthDisabled {
		kv := kvstore.NewMemoryStore()
		defer kv.Close()
		authManager, err = auth.NewManager(cfg.AuthSecret, kv)
		if err != nil {
			log.Fatalf("init auth manager: %v", err)
		}
	}

	var checker *health.Checker
	if targetDB != nil {
		checker = health.New(health.Config{
			TargetDB:       targetDB,
			MigrationState: stateStore,
		})
	}

	httpSrv := httpserver.New(httpserver.Config{
		Identity:     identityStore,
		Accounts:     accountStore,
		Ledger:       usageStore,
		MigState:     stateStore,
		Auth:         authManager,
		AuthDisabled: cfg.AuthDisabled,
		RootAdmin:    rootAdmin,
		Collector:    collector,
		Health:       checker,
		Logger:       log.Default(),
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddress,
		Handler:      httpSrv.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("antihub server listening on %s", cfg.HTTPAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	<-sigs

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}
