package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"hivemesh/bridge"
	"hivemesh/config"
	"hivemesh/mesh"
	"hivemesh/node"
	"hivemesh/ota"
	"hivemesh/store"
	"hivemesh/www"
)

func main() {
	configPath := flag.String("config", "hivegw.yaml", "path to config file")
	port := flag.Int("port", 0, "HTTP port (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	cfg.Gateway.Enabled = true
	if cfg.Role == "node" {
		cfg.Role = "gateway"
	}
	if *port > 0 {
		cfg.Gateway.Web.Port = *port
	}

	db, err := store.Open(cfg.Gateway.DatabasePath)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	client := mesh.NewClient(&mesh.Config{
		Backend:  cfg.Mesh.Backend,
		Prefix:   cfg.Mesh.Prefix,
		NodeID:   cfg.Mesh.NodeID,
		ClientID: cfg.ClientID(),
		MQTT:     mesh.MQTTConfig{Broker: cfg.Mesh.MQTT.Broker, Port: cfg.Mesh.MQTT.Port},
		Kafka:    mesh.KafkaConfig{Brokers: cfg.Mesh.Kafka.Brokers, GroupID: cfg.Mesh.Kafka.GroupID},
	})
	defer client.Close()

	images, err := ota.NewDualSlotStore(cfg.OTA.ImageDir)
	if err != nil {
		log.Fatalf("image store: %v", err)
	}

	// The node is built first with a placeholder source; the bridge then
	// attaches itself as the distributor's chunk source and reporter.
	var br *bridge.Bridge
	n, err := node.New(node.Options{
		Config:    cfg,
		Transport: client,
		Images:    images,
		Source: ota.ChunkSourceFunc(func(fw string, part int) ([]byte, error) {
			if br == nil {
				return nil, fmt.Errorf("bridge not ready")
			}
			return br.Chunk(fw, part)
		}),
	})
	if err != nil {
		log.Fatalf("create node: %v", err)
	}

	backend := bridge.NewHTTPBackend(cfg.Gateway.BackendURL, cfg.Gateway.APIKey)
	br = bridge.New(backend, db, n.Distributor(), n, cfg.OTA.PartSize, cfg.Gateway.PollInterval)
	n.Distributor().SetReporter(br)

	if err := images.MarkValid(); err != nil {
		log.Printf("mark image valid: %v", err)
	}

	if err := client.Connect(); err != nil {
		log.Fatalf("mesh connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	// Needs the tick loop running: restored jobs are handed to the
	// distributor through it.
	if err := br.RecoverInterrupted(time.Now()); err != nil {
		log.Printf("recover interrupted jobs: %v", err)
	}
	if cfg.Gateway.BackendURL != "" {
		go br.Run(ctx)
	} else {
		log.Printf("no backend configured, serving local rollouts only")
	}

	addr := fmt.Sprintf("%s:%d", cfg.Gateway.Web.Host, cfg.Gateway.Web.Port)
	server := &http.Server{Addr: addr, Handler: www.NewRouter(n)}
	go func() {
		log.Printf("hivegw %s (%s) listening on %s", cfg.NodeName, n.ID().ShortName(), addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("http server shutdown: %v", err)
	}
}
