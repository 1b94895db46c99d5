package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openumbra/umbra-bridge/internal/app/repositories"
	"github.com/openumbra/umbra-bridge/internal/config"
	"github.com/openumbra/umbra-bridge/internal/platform/relayserver"
	"github.com/openumbra/umbra-bridge/pkg/logger"
	storagepkg "github.com/openumbra/umbra-bridge/pkg/storage"
	minioStorage "github.com/openumbra/umbra-bridge/pkg/storage/minio"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfg := config.MustLoadRelayServer()
	appLog := logger.New("Relay", cfg.LogLevel)

	var assets storagepkg.Service
	if cfg.Storage.Enabled() {
		store, err := minioStorage.New(context.Background(), minioStorage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Bucket:    cfg.Storage.Bucket,
			Region:    cfg.Storage.Region,
			UseSSL:    cfg.Storage.UseSSL,
			PublicURL: cfg.Storage.PublicURL,
		})
		if err != nil {
			log.Fatalf("storage initialization error: %v", err)
		}
		assets = store
		appLog.Infof("asset storage enabled bucket=%s endpoint=%s", cfg.Storage.Bucket, cfg.Storage.Endpoint)
	}

	state := relayserver.NewState(appLog.Sub("State"))
	configs := repositories.NewFileBridgeConfigRepo(cfg.DataDir, appLog.Sub("BridgeStore"))

	fedCfg, err := relayserver.LoadFederationConfig(cfg.FederationConfig)
	if err != nil {
		log.Fatalf("federation config error: %v", err)
	}
	var mesh *relayserver.Mesh
	if len(fedCfg.Peers) > 0 || fedCfg.RelayID != "" {
		mesh = relayserver.NewMesh(fedCfg, state, appLog.Sub("Federation"))
		state.SetFederation(mesh)
		mesh.Start()
	}

	api := relayserver.NewAPI(state, configs, assets, mesh, appLog.Sub("API"))
	srv := &http.Server{Addr: ":" + cfg.HTTPPort, Handler: api.Router()}
	go func() {
		appLog.Infof("relay listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")
	if mesh != nil {
		mesh.Stop()
	}
	_ = srv.Shutdown(context.Background())
}
