package main

import (
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/dbrown/permissible-ai/common"
	"github.com/dbrown/permissible-ai/httpserver"
	"github.com/dbrown/permissible-ai/identity"
	"github.com/dbrown/permissible-ai/ingest"
	"github.com/dbrown/permissible-ai/interfaces"
	"github.com/dbrown/permissible-ai/notifier"
	"github.com/dbrown/permissible-ai/sandbox"
	"github.com/dbrown/permissible-ai/storage"
	"github.com/dbrown/permissible-ai/tenant"
)

var flags []cli.Flag = []cli.Flag{
	&cli.StringFlag{
		Name:    "listen-addr",
		Value:   "127.0.0.1:8080",
		Usage:   "address to listen on for API",
		EnvVars: []string{"TEE_LISTEN_ADDR"},
	},
	&cli.StringFlag{
		Name:    "metrics-addr",
		Value:   "127.0.0.1:8090",
		Usage:   "address to listen on for Prometheus metrics, empty to disable",
		EnvVars: []string{"TEE_METRICS_ADDR"},
	},
	&cli.StringFlag{
		Name:    "control-plane-url",
		Value:   "http://localhost:3000",
		Usage:   "control plane base URL for status callbacks",
		EnvVars: []string{"CONTROL_PLANE_URL"},
	},
	&cli.StringFlag{
		Name:    "data-dir",
		Value:   "/tmp/tee_sessions",
		Usage:   "directory for per-session sandbox databases",
		EnvVars: []string{"TEE_DATA_DIR"},
	},
	&cli.StringFlag{
		Name:    "key-dir",
		Value:   "/app/keys",
		Usage:   "directory holding the baked-in identity keypair",
		EnvVars: []string{"TEE_KEY_DIR"},
	},
	&cli.StringFlag{
		Name:    "blob-backend",
		Value:   "",
		Usage:   "URI of the encrypted blob offload backend (file://, s3://, ipfs://, vault://), empty to disable",
		EnvVars: []string{"TEE_BLOB_BACKEND"},
	},
	&cli.StringFlag{
		Name:    "upload-token-secret",
		Value:   "",
		Usage:   "shared secret for verifying upload JWTs, empty to only require token presence",
		EnvVars: []string{"TEE_UPLOAD_TOKEN_SECRET"},
	},
	&cli.Int64Flag{
		Name:    "query-timeout-seconds",
		Value:   30,
		Usage:   "per-query execution deadline in seconds",
		EnvVars: []string{"TEE_QUERY_TIMEOUT_SECONDS"},
	},
	&cli.BoolFlag{
		Name:    "production",
		Value:   false,
		Usage:   "refuse to start without a baked-in identity keypair",
		EnvVars: []string{"TEE_PRODUCTION"},
	},
	&cli.BoolFlag{
		Name:  "log-json",
		Value: false,
		Usage: "log in JSON format",
	},
	&cli.BoolFlag{
		Name:  "log-debug",
		Value: false,
		Usage: "log debug messages",
	},
	&cli.BoolFlag{
		Name:  "log-uid",
		Value: false,
		Usage: "generate a uuid and add to all log messages",
	},
	&cli.StringFlag{
		Name:  "log-service",
		Value: "tee-server",
		Usage: "add 'service' tag to logs",
	},
	&cli.BoolFlag{
		Name:  "pprof",
		Value: false,
		Usage: "enable pprof debug endpoint",
	},
	&cli.Int64Flag{
		Name:  "drain-seconds",
		Value: 45,
		Usage: "seconds to wait in drain HTTP request",
	},
}

func main() {
	// Missing .env is fine; flags and real env vars still apply.
	godotenv.Load() //nolint:errcheck

	app := &cli.App{
		Name:  "tee-server",
		Usage: "Serve the confidential data collaboration API",
		Flags: flags,
		Action: func(cCtx *cli.Context) error {
			listenAddr := cCtx.String("listen-addr")
			metricsAddr := cCtx.String("metrics-addr")
			controlPlaneURL := cCtx.String("control-plane-url")
			dataDir := cCtx.String("data-dir")
			keyDir := cCtx.String("key-dir")
			blobBackendURI := cCtx.String("blob-backend")
			uploadTokenSecret := cCtx.String("upload-token-secret")
			queryTimeout := time.Duration(cCtx.Int64("query-timeout-seconds")) * time.Second
			production := cCtx.Bool("production")
			logJSON := cCtx.Bool("log-json")
			logDebug := cCtx.Bool("log-debug")
			logUID := cCtx.Bool("log-uid")
			logService := cCtx.String("log-service")
			enablePprof := cCtx.Bool("pprof")
			drainDuration := time.Duration(cCtx.Int64("drain-seconds")) * time.Second

			// Setup logger
			logger := common.SetupLogger(&common.LoggingOpts{
				Debug:   logDebug,
				JSON:    logJSON,
				Service: logService,
				Version: common.Version,
			})

			if logUID {
				id := uuid.Must(uuid.NewRandom())
				logger = logger.With("uid", id.String())
			}

			// TEE identity: baked-in keypair, code measurement, attestation.
			idm, err := identity.NewManager(identity.Config{
				KeyDir:     keyDir,
				Production: production,
				Log:        logger,
			})
			if err != nil {
				logger.Error("Failed to initialize identity", "err", err)
				return err
			}
			if idm.Ephemeral() {
				logger.Warn("Running with an ephemeral identity keypair; attestations will not match any registered image")
			}

			engine, err := sandbox.NewEngine(dataDir, queryTimeout, logger)
			if err != nil {
				logger.Error("Failed to initialize query sandbox", "err", err)
				return err
			}

			var blobs interfaces.BlobBackend
			if blobBackendURI != "" {
				blobs, err = storage.NewBackendFactory(logger).BackendFor(interfaces.BlobBackendLocation(blobBackendURI))
				if err != nil {
					logger.Error("Failed to initialize blob backend", "err", err)
					return err
				}
				logger.Info("Encrypted blob offload enabled", "backend", blobs.Name())
			}

			tenants := tenant.NewStore(logger)
			callbacks := notifier.New(controlPlaneURL, logger)
			ingester := ingest.NewService(idm, tenants, engine, callbacks, blobs, logger)
			handler := httpserver.NewHandler(idm, ingester, tenants, engine, callbacks, logger)

			cfg := &httpserver.HTTPServerConfig{
				ListenAddr:               listenAddr,
				MetricsAddr:              metricsAddr,
				Log:                      logger,
				EnablePprof:              enablePprof,
				UploadTokenSecret:        []byte(uploadTokenSecret),
				DrainDuration:            drainDuration,
				GracefulShutdownDuration: 30 * time.Second,
				ReadTimeout:              60 * time.Second,
				WriteTimeout:             30 * time.Second,
			}

			server, err := httpserver.New(cfg, handler)
			if err != nil {
				logger.Error("Failed to create server", "err", err)
				return err
			}

			logger.Info("Starting server",
				"codeMeasurement", idm.CodeMeasurement(),
				"ephemeralIdentity", idm.Ephemeral())
			server.RunInBackground()

			// Wait for termination signal
			exit := make(chan os.Signal, 1)
			signal.Notify(exit, os.Interrupt, syscall.SIGTERM)

			logger.Info("Server is running, press Ctrl+C to stop")
			<-exit
			logger.Info("Shutdown signal received")

			// Shutdown server gracefully
			server.Shutdown()
			logger.Info("Server shutdown complete")

			return nil
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
