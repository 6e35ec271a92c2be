package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"hivemesh/config"
	"hivemesh/mesh"
	"hivemesh/node"
	"hivemesh/ota"
)

func main() {
	configPath := flag.String("config", "hivenode.yaml", "path to config file")
	name := flag.String("name", "", "node display name (overrides config)")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	if *debug {
		log.SetFlags(log.LstdFlags | log.Lshortfile)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *name != "" {
		cfg.NodeName = *name
	}

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

	n, err := node.New(node.Options{
		Config:    cfg,
		Transport: client,
		Images:    images,
	})
	if err != nil {
		log.Fatalf("create node: %v", err)
	}

	// The previous boot's image survived to this point: keep it.
	if err := images.MarkValid(); err != nil {
		log.Printf("mark image valid: %v", err)
	}

	if err := client.Connect(); err != nil {
		log.Fatalf("mesh connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go n.Run(ctx)

	log.Printf("hivenode %s (%s) on %s mesh %q", cfg.NodeName, n.ID().ShortName(), cfg.Mesh.Backend, cfg.Mesh.Prefix)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Println("Shutting down...")
	cancel()
}
