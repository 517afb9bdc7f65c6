package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"runtime/debug"

	"github.com/mosiko1234/heimdal/presence/internal/config"
	"github.com/mosiko1234/heimdal/presence/internal/logger"
	"github.com/mosiko1234/heimdal/presence/internal/orchestrator"
)

const (
	defaultConfigPath = "/etc/heimdal/presence.yaml"
	version           = "1.0.0"
)

var (
	configPath  = flag.String("config", defaultConfigPath, "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version information")
	showHelp    = flag.Bool("help", false, "Show help information")
)

func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("Heimdal Presence v%s\n", version)
		os.Exit(0)
	}

	if *showHelp {
		printHelp()
		os.Exit(0)
	}

	defer func() {
		if r := recover(); r != nil {
			log.Printf("PANIC: %v", r)
			log.Printf("Stack trace:\n%s", debug.Stack())
			os.Exit(1)
		}
	}()

	log.Printf("Loading configuration from: %s", *configPath)
	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	if err := cfg.EnsureLogDir(); err != nil {
		log.Fatalf("Failed to prepare log directory: %v", err)
	}
	if err := logger.Initialize(cfg.Logging.File, cfg.Logging.Level); err != nil {
		log.Fatalf("Failed to initialize logging: %v", err)
	}

	logger.Info("=== Heimdal Presence v%s ===", version)
	logger.Info("Database: %s at %s", cfg.Database.Driver, cfg.Database.Path)
	logger.Info("Log level: %s", cfg.Logging.Level)

	orch, err := orchestrator.NewOrchestrator(cfg)
	if err != nil {
		logger.Error("Failed to create orchestrator: %v", err)
		os.Exit(1)
	}

	if err := orch.Run(); err != nil {
		logger.Error("Orchestrator error: %v", err)
		os.Exit(1)
	}

	logger.Info("Heimdal Presence exited cleanly")
}

func printHelp() {
	fmt.Printf("Heimdal Presence v%s\n\n", version)
	fmt.Println("Usage:")
	fmt.Printf("  %s [options]\n\n", os.Args[0])
	fmt.Println("Options:")
	flag.PrintDefaults()
	fmt.Println("\nDescription:")
	fmt.Println("  Receives DHCP lease events from routers (or captures them directly),")
	fmt.Println("  keeps a registry of every device seen on the network, resolves each")
	fmt.Println("  device's manufacturer and pushes a notification when devices connect.")
	fmt.Println("\nEnvironment:")
	fmt.Println("  NTFY_URL, NTFY_TOPIC, NTFY_TOKEN, NTFY_ENABLED, PRESENCE_DB_PATH,")
	fmt.Println("  PRESENCE_DB_DRIVER, PRESENCE_API_PORT, PRESENCE_LOG_LEVEL, PRESENCE_MQTT_BROKER")
	fmt.Println("\nExamples:")
	fmt.Printf("  %s\n", os.Args[0])
	fmt.Printf("  %s --config /path/to/presence.yaml\n", os.Args[0])
	fmt.Printf("  %s --version\n", os.Args[0])
}
