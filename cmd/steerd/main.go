package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"NetSteer/internal/config"
	"NetSteer/internal/controller"
	"NetSteer/internal/gateway"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to config file")
	flag.Parse()

	log.Println("Starting steerd...")

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	log.Println("Configuration loaded successfully.")

	gw, err := gateway.Connect(cfg.Gateway.NATSURL, cfg.Gateway.SubjectPrefix)
	if err != nil {
		log.Fatalf("Failed to connect to protocol gateway: %v", err)
	}
	defer gw.Close()

	ctrl, err := controller.New(cfg, gw)
	if err != nil {
		log.Fatalf("Failed to create controller: %v", err)
	}
	if err := ctrl.Start(); err != nil {
		log.Fatalf("Failed to start controller: %v", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutdown signal received, stopping controller...")
	ctrl.Stop()
	log.Println("Shutdown complete.")
}
