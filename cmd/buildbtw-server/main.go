package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	glog "github.com/labstack/gommon/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/archlinux/buildbtw/cmd/buildbtw-server/handlers"
	"github.com/archlinux/buildbtw/cmd/buildbtw-server/tasks"
	"github.com/archlinux/buildbtw/pkg/configs"
	"github.com/archlinux/buildbtw/pkg/domain"
	"github.com/archlinux/buildbtw/pkg/domain/depgraph"
	"github.com/archlinux/buildbtw/pkg/domain/mirror"
	"github.com/archlinux/buildbtw/pkg/domain/nsdb/postgres"
	"github.com/archlinux/buildbtw/pkg/domain/pacmanrepo"
	"github.com/archlinux/buildbtw/pkg/domain/reconcile"
	"github.com/archlinux/buildbtw/pkg/domain/schedule"
	"github.com/archlinux/buildbtw/pkg/forge"
	"github.com/archlinux/buildbtw/pkg/utils/filewatch"
	"github.com/archlinux/buildbtw/pkg/workertoken"

	"github.com/joho/godotenv"
)

func main() {
	configPath := flag.String("config-path", "", "server config file path")
	flag.Parse()

	// optional .env next to the binary, for development setups
	_ = godotenv.Load()

	logger := log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lmicroseconds)

	conf, err := configs.Load(*configPath)
	if err != nil {
		logger.Fatalf("can not read configuration: %s", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configPath != "" {
		watched, cancel, err := filewatch.UntilModifyContext(ctx, *configPath)
		if err != nil {
			logger.Fatalf("can not watch configuration: %s", err)
		}
		defer cancel()
		ctx = watched
	}

	db, err := postgres.New(ctx, conf.DatabaseURL)
	if err != nil {
		logger.Fatalf("can not open database: %s", err)
	}
	defer db.Close()

	secret := conf.WorkerTokenSecret
	if secret == "" {
		// tokens then survive only as long as this process.
		buf := make([]byte, 32)
		if _, err := rand.Read(buf); err != nil {
			logger.Fatalf("can not generate token secret: %s", err)
		}
		secret = hex.EncodeToString(buf)
		logger.Print("WORKER_TOKEN_SECRET not set; using an ephemeral secret")
	}
	tokens := workertoken.New(secret, 24*time.Hour)

	var gitlab *forge.GitlabClient
	if conf.Gitlab.Domain != "" {
		gitlab = forge.NewGitlabClient(conf.Gitlab.Domain, conf.Gitlab.Token, conf.Gitlab.PackagesGroup)
	}
	cloneURL := func(pkgbase domain.Pkgbase) string {
		if gitlab == nil {
			return ""
		}
		return gitlab.CloneURL(pkgbase)
	}

	m, err := mirror.New(
		conf.Mirror.Root, mirror.ExecGit{}, cloneURL,
		conf.Mirror.MetadataCacheSize, logger,
	)
	if err != nil {
		logger.Fatalf("can not open source mirror: %s", err)
	}

	repo, err := pacmanrepo.New(conf.Repo.Root)
	if err != nil {
		logger.Fatalf("can not open package repository root: %s", err)
	}

	metrics := schedule.NewMetrics(prometheus.DefaultRegisterer)
	engine := schedule.New(db, conf.Scheduler.MaxAssignmentsPerArch, logger, metrics)
	graphs := &depgraph.Store{}
	rec := &reconcile.Reconciler{
		DB:     db,
		Mirror: m,
		Engine: engine,
		Graphs: graphs,
		Logger: logger,
	}

	// clone everything the forge knows, in the background; namespaces
	// created before warmup finishes plan against what is local so far.
	if gitlab != nil {
		go func() {
			known, err := gitlab.ChangedProjectsSince(ctx, nil)
			if err != nil {
				logger.Printf("warmup: %v", err)
				return
			}
			pkgbases := make([]domain.Pkgbase, 0, len(known))
			for _, p := range known {
				pkgbases = append(pkgbases, domain.Pkgbase(p.Name))
			}
			m.Warmup(ctx, pkgbases, conf.Mirror.WarmupParallel)
		}()
	}

	go func() {
		if err := tasks.StartReconcileLoop(ctx, logger, rec, conf.Scheduler.ReconcileInterval.Std()); err != nil && ctx.Err() == nil {
			logger.Printf("reconcile loop: %v", err)
		}
	}()
	if gitlab != nil {
		go func() {
			if err := tasks.StartForgePollLoop(ctx, logger, db, gitlab, m, conf.Scheduler.ForgePollInterval.Std()); err != nil && ctx.Err() == nil {
				logger.Printf("forge poll loop: %v", err)
			}
		}()
		go func() {
			if err := tasks.StartCIConfigLoop(ctx, logger, gitlab, conf.Gitlab.CIConfigPath, conf.Scheduler.CIConfigInterval.Std()); err != nil && ctx.Err() == nil {
				logger.Printf("ci config loop: %v", err)
			}
		}()
	}
	if conf.Gitlab.RunBuildsOnGitlab {
		executor := &tasks.GitlabExecutor{
			DB:        db,
			Engine:    engine,
			Client:    gitlab,
			Repo:      repo,
			Tokens:    tokens,
			ServerURL: conf.ServerURL,
		}
		go func() {
			if err := executor.StartDispatchLoop(ctx, logger); err != nil && ctx.Err() == nil {
				logger.Printf("gitlab dispatch loop: %v", err)
			}
		}()
		go func() {
			if err := executor.StartStatusLoop(ctx, logger, conf.Scheduler.PipelinePollInterval.Std()); err != nil && ctx.Err() == nil {
				logger.Printf("gitlab status loop: %v", err)
			}
		}()
	}

	e := echo.New()
	e.HideBanner = true
	e.Logger.SetLevel(glog.INFO)
	e.Use(middleware.Recover())
	e.Use(middleware.Logger())
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		e.DefaultHTTPErrorHandler(err, c)
		e.Logger.Error(err)
	}

	e.POST("/namespace", handlers.CreateNamespaceHandler(db, rec))
	e.GET("/namespace", handlers.ListNamespacesHandler(db.Namespaces()))
	e.GET("/namespace/:name", handlers.GetNamespaceHandler(db))
	e.POST("/namespace/:name/cancel", handlers.CancelNamespaceHandler(db, engine))
	e.POST("/namespace/:name/iteration", handlers.CreateIterationHandler(db, rec))
	e.GET("/namespace/:name/:iteration", handlers.GetIterationHandler(db))
	e.GET("/namespace/:name/:iteration/:arch/graph", handlers.RenderGraphHandler(db))

	e.POST(
		"/iteration/:iteration/pkgbase/:pkgbase/pkgname/:pkgname/architecture/:arch/package",
		handlers.UploadPackageHandler(db, repo, engine, tokens),
	)
	e.POST("/node/:iteration/:pkgbase/:arch/status", handlers.ReportStatusHandler(engine, tokens))
	if !conf.Gitlab.RunBuildsOnGitlab {
		e.GET(
			"/worker/assignment",
			handlers.AssignmentHandler(engine, tokens, conf.Scheduler.AssignmentLongPoll.Std()),
		)
	}

	e.Static("/repo", repo.Root())
	e.GET("/packages/:pkgbase/dependents", handlers.DependentsHandler(graphs))
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	go func() {
		<-ctx.Done()
		graceful, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := e.Shutdown(graceful); err != nil {
			logger.Printf("error on shutdown: %s", err)
		}
	}()

	logger.Printf("buildbtw server listening on port %d (%s)", conf.Port, conf.BaseURL)
	if err := e.Start(fmt.Sprintf(":%d", conf.Port)); err != nil && err != http.ErrServerClosed {
		logger.Fatal(err)
	}
}
