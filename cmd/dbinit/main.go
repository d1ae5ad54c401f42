// Command dbinit reconciles a Postgres cluster toward the declared roles,
// databases, grants, and extensions. It is run by the deploy pipeline before
// the daemon starts and is safe to re-run on every deploy.
//
// Without -targets the target state comes from POSTGRES_* / PLUGIN_POSTGRES_*
// environment variables and the admin connection defaults to the primary
// role's declared password. When rotating that password over an existing data
// volume, also export POSTGRES_ADMIN_DSN with credentials the cluster still
// accepts; with -targets, POSTGRES_ADMIN_DSN is always required.
package main

import (
	"context"
	"flag"
	"io"
	"log"
	"os"
	"strings"

	"github.com/antihub/antihub-ops/internal/config"
	"github.com/antihub/antihub-ops/internal/dbinit"
	"github.com/antihub/antihub-ops/internal/logging"
	"github.com/antihub/antihub-ops/internal/version"
)

func main() {
	targetsPath := flag.String("targets", "", "optional YAML target file; defaults to POSTGRES_* environment variables")
	logFile := flag.String("log-file", "", "optional log file path")
	flag.Parse()

	if path := strings.TrimSpace(*logFile); path != "" {
		rot, err := logging.NewRotatingWriter(path, 64*1024*1024)
		if err != nil {
			log.Fatalf("init rotating log: %v", err)
		}
		defer rot.Close()
		log.SetOutput(io.MultiWriter(os.Stdout, rot))
	}
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
	log.SetPrefix("[dbinit] ")
	log.Printf("dbinit %s", version.Info())

	var (
		target   dbinit.Target
		adminDSN string
		err      error
	)
	if *targetsPath != "" {
		target, err = dbinit.LoadTargetFile(*targetsPath)
		if err != nil {
			log.Fatalf("load target file: %v", err)
		}
		adminDSN = config.Secret(os.Getenv("POSTGRES_ADMIN_DSN"))
		if adminDSN == "" {
			log.Fatalf("POSTGRES_ADMIN_DSN is required with -targets")
		}
	} else {
		cfg, err := config.LoadBootstrapConfig()
		if err != nil {
			log.Fatalf("load bootstrap config: %v", err)
		}
		target = dbinit.FromBootstrapConfig(cfg)
		adminDSN = dbinit.AdminDSN(cfg)
	}

	connector, err := dbinit.NewDSNConnector(adminDSN)
	if err != nil {
		log.Fatalf("parse admin dsn: %v", err)
	}

	reconciler := dbinit.New(connector, log.Default())
	if err := reconciler.Run(context.Background(), target); err != nil {
		log.Fatalf("reconcile failed: %v", err)
	}
	log.Printf("cluster state reconciled (%d roles, %d databases, %d schema grants)",
		len(target.Roles), len(target.Databases), len(target.SchemaGrants))
}
