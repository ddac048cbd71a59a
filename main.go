package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/averos/backstop/internal/api"
	"github.com/averos/backstop/internal/config"
	"github.com/averos/backstop/internal/database"
	"github.com/averos/backstop/internal/docker"
	"github.com/averos/backstop/internal/driver"
	"github.com/averos/backstop/internal/logger"
	"github.com/averos/backstop/internal/models"
	"github.com/averos/backstop/internal/monitoring"
	"github.com/averos/backstop/internal/services"
	"github.com/averos/backstop/internal/verify"
	"github.com/averos/backstop/internal/websocket"
)

func main() {
	logger.Init()

	oneShot := flag.String("target", "", "run a single backup cycle for the given target id and exit")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Ensure the base directory for artifacts exists
	if err := os.MkdirAll(cfg.ArtifactPath, 0755); err != nil {
		log.Fatal().Err(err).Msg("Failed to create base artifact directory")
	}

	// Load the protected targets; a malformed target drops only itself.
	targets, rejects, err := config.LoadTargets(cfg.TargetsPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load targets")
	}
	for _, rej := range rejects {
		log.Error().Err(rej).Msg("Target rejected")
	}
	if len(targets) == 0 {
		log.Fatal().Msg("No valid targets configured")
	}

	// Set up database
	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer db.Close()

	if err := database.Migrate(db); err != nil {
		log.Fatal().Err(err).Msg("Failed to apply database migrations")
	}

	// Store tooling runs through docker exec when a Docker daemon is
	// reachable, and directly on this host otherwise.
	var runner driver.Runner
	if dockerClient, err := docker.New(); err == nil {
		runner = driver.NewDockerRunner(dockerClient)
	} else {
		log.Warn().Err(err).Msg("Docker unavailable, using local store tooling")
		runner = driver.NewLocalRunner()
	}
	drivers := driver.NewRegistry(runner)

	// Set up WebSocket Hub
	hub := websocket.NewHub()
	go hub.Run()

	// Set up services
	eventService := services.NewEventService(db, hub)
	catalogService := services.NewCatalogService(db)
	retentionService := services.NewRetentionService(catalogService, eventService)
	backupService := services.NewBackupService(catalogService, drivers, verify.New(), retentionService, eventService, cfg.ArtifactPath, cfg.JobTimeout)
	restoreService := services.NewRestoreService(db, catalogService, drivers, targets, eventService)
	userService := services.NewUserService(db)

	seedAdminUser(userService)

	// One-shot mode: run a single cycle synchronously and exit with the
	// cycle's result code.
	if *oneShot != "" {
		os.Exit(runOnce(targets, backupService, *oneShot))
	}

	// Set up and run the background scheduler
	scheduler := monitoring.NewScheduler(targets, backupService, monitoring.RealClock())
	go scheduler.Run()

	// Set up and run the health monitor
	healthMonitor := monitoring.NewHealthMonitor(catalogService, targets, cfg.ArtifactPath, cfg.HealthInterval, cfg.Staleness, monitoring.RealClock(), prometheus.DefaultRegisterer)
	go healthMonitor.Run()

	// Set up router
	router := api.NewRouter(hub, targets, backupService, catalogService, restoreService, eventService, userService)

	// Set up server
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.ServerPort),
		Handler: router,
	}

	// Graceful shutdown
	go func() {
		log.Info().Int("port", cfg.ServerPort).Msg("Server starting")
		if err := srv.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("ListenAndServe()")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info().Msg("Shutting down server...")

	healthMonitor.Stop()
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server exiting")
}

// runOnce executes one backup cycle for the named target.
func runOnce(targets []models.Target, backupSvc services.BackupServiceProvider, targetID string) int {
	for _, target := range targets {
		if target.ID != targetID {
			continue
		}
		rec, err := backupSvc.Run(context.Background(), target)
		if err != nil {
			log.Error().Err(err).Str("target", targetID).Msg("Backup cycle failed")
			return models.ExitCode(err)
		}
		log.Info().Str("target", targetID).Str("job", rec.JobID).Msg("Backup cycle completed")
		return 0
	}
	log.Error().Str("target", targetID).Msg("Unknown target")
	return models.ExitCode(models.WrapFailure(models.ErrConfiguration, "unknown target %q", targetID))
}

// seedAdminUser bootstraps the first operator account from the environment.
func seedAdminUser(userSvc *services.UserService) {
	email := os.Getenv("ADMIN_EMAIL")
	password := os.Getenv("ADMIN_PASSWORD")
	if email == "" || password == "" {
		return
	}
	if _, err := userSvc.GetUserByEmail(email); err == nil {
		return
	}
	if _, err := userSvc.CreateUser("admin", email, password); err != nil {
		log.Error().Err(err).Msg("Failed to seed admin user")
		return
	}
	log.Info().Str("email", email).Msg("Seeded admin user")
}
