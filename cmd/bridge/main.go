package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/openumbra/umbra-bridge/internal/app/services"
	"github.com/openumbra/umbra-bridge/internal/config"
	"github.com/openumbra/umbra-bridge/internal/domain/identity"
	"github.com/openumbra/umbra-bridge/internal/platform/discord"
	"github.com/openumbra/umbra-bridge/internal/platform/relay"
	"github.com/openumbra/umbra-bridge/pkg/eventlog"
	"github.com/openumbra/umbra-bridge/pkg/logger"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Printf("warning: could not load .env: %v", err)
	}

	cfg := config.MustLoadBridge()
	appLog := logger.New("Bridge", cfg.LogLevel)

	ident, err := identity.LoadOrGenerate(cfg.BridgeDataDir)
	if err != nil {
		log.Fatalf("identity error: %v", err)
	}
	appLog.Infof("bridge identity %s", ident.DID)

	session, err := discord.NewSession(cfg.DiscordBotToken, appLog.Sub("Discord"))
	if err != nil {
		log.Fatalf("discord session error: %v", err)
	}

	relayClient := relay.NewClient(cfg.RelayURL, ident.DID, cfg.KeepaliveInterval, cfg.MaxReconnectDelay, appLog.Sub("Relay"))
	api := relay.NewAPIClient(cfg.RelayAPIURL, &http.Client{})

	guard := services.NewEchoGuard()
	audit := eventlog.NewWriter(cfg.EventLogDir, appLog.Sub("EventLog"))
	controller := services.NewBridgeController(api, session, relayClient, guard, audit, cfg.ConfigPollInterval, appLog.Sub("Controller"))

	session.OnMessage(controller.HandleDiscordMessage)
	relayClient.SetHandlers(relay.Handlers{
		OnMessage: controller.HandleRelayMessage,
		OnRegistered: func() {
			appLog.Infof("registered with relay as %s", ident.DID)
		},
		OnDisconnected: func() {
			appLog.Warnf("relay connection lost, reconnecting")
		},
	})

	// Discord and the relay connect concurrently; neither gates the other.
	if err := session.Open(); err != nil {
		log.Fatalf("discord connect error: %v", err)
	}
	relayClient.Connect()

	ctx, cancel := context.WithCancel(context.Background())
	go controller.Start(ctx)

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
	log.Println("shutting down...")
	cancel()
	controller.Stop()
	relayClient.Disconnect()
	_ = session.Close()
}
