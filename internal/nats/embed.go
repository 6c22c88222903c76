// Package nats publishes invocation audit events to NATS JetStream, either
// on an external server or on one embedded in the process.
package nats

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

const readyTimeout = 5 * time.Second

type EmbeddedConfig struct {
	Name string
	// Port of the client listener. Zero keeps the server in process only.
	Port       int
	StoreDir   string
	File       string
	EnableLogs bool
}

// RunEmbeddedServer starts a JetStream enabled NATS server and returns an in
// process connection to it.
func RunEmbeddedServer(log *slog.Logger, cfg EmbeddedConfig) (*nats.Conn, *server.Server, error) {
	var (
		opts *server.Options
		err  error
	)
	if cfg.File != "" {
		opts, err = server.ProcessConfigFile(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to process nats config file: %w", err)
		}
	} else {
		opts = &server.Options{
			ServerName: cfg.Name,
			Port:       cfg.Port,
			StoreDir:   cfg.StoreDir,
		}
		if cfg.Port == 0 {
			opts.DontListen = true
		}
	}
	opts.JetStream = true
	opts.DisableJetStreamBanner = true

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create nats server: %w", err)
	}
	if cfg.EnableLogs {
		ns.ConfigureLogger()
	}
	log.Info("nats: starting embedded server", "port", opts.Port, "storeDir", opts.StoreDir)
	go ns.Start()

	if !ns.ReadyForConnections(readyTimeout) {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("nats server not ready after %s", readyTimeout)
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns))
	if err != nil {
		ns.Shutdown()
		return nil, nil, fmt.Errorf("failed to connect to embedded nats server: %w", err)
	}
	log.Info("nats: embedded server is ready", "jetstream", ns.JetStreamEnabled())
	return nc, ns, nil
}
