// Njlink - EtherNet/IP gateway for Omron NJ/NX controllers
//
// Polls controller variables over CIP, republishes values to MQTT,
// Valkey, and Kafka, and serves a REST API with live event streams.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"njlink/api"
	"njlink/config"
	"njlink/gateway"
	"njlink/kafka"
	"njlink/logging"
	"njlink/mqtt"
	"njlink/valkey"
)

// Version is set at build time via -ldflags
var Version = "dev"

// preprocessLogDebugFlag handles --log-debug without a value by injecting "all" as the default.
// This allows users to use `--log-debug` alone to enable all protocol logging.
func preprocessLogDebugFlag() {
	args := os.Args[1:]
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--log-debug" || arg == "-log-debug" {
			if i+1 >= len(args) || (len(args[i+1]) > 0 && args[i+1][0] == '-') {
				os.Args = append(os.Args[:i+2], append([]string{"all"}, os.Args[i+2:]...)...)
			}
			return
		}
		if len(arg) > 11 && (arg[:12] == "--log-debug=" || arg[:11] == "-log-debug=") {
			return
		}
	}
}

// Command line flags
var (
	configPath  = flag.String("config", config.DefaultPath(), "Path to configuration file")
	showVersion = flag.Bool("version", false, "Show version and exit")
	namespace   = flag.String("namespace", "", "Set namespace (saved to config)")
	httpPort    = flag.Int("p", 0, "HTTP listen port (overrides config)")
	httpHost    = flag.String("host", "", "HTTP bind address (overrides config)")
	noAPI       = flag.Bool("no-api", false, "Disable REST API (ephemeral)")
	logFile     = flag.String("log", "", "Path to log file (optional)")
	logDebug    = flag.String("log-debug", "",
		"Enable debug logging to debug.log (protocols: "+strings.Join(logging.KnownProtocols(), ", ")+")")
)

func main() {
	// Pre-process args to handle --log-debug without a value
	preprocessLogDebugFlag()

	flag.Parse()

	if *showVersion {
		fmt.Printf("njlink %s\n", Version)
		os.Exit(0)
	}

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	// Handle --namespace flag: overwrite config and save
	if *namespace != "" {
		if !config.IsValidNamespace(*namespace) {
			fmt.Fprintf(os.Stderr, "Error: invalid namespace '%s' (use alphanumeric, hyphen, underscore, dot)\n", *namespace)
			os.Exit(1)
		}
		cfg.Namespace = *namespace
		if err := cfg.Save(*configPath); err != nil {
			fmt.Fprintf(os.Stderr, "Error saving config: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Namespace set to '%s' and saved to config\n", *namespace)
	}

	// Override REST config from flags (in memory only)
	if *httpPort != 0 {
		cfg.REST.Port = *httpPort
	}
	if *httpHost != "" {
		cfg.REST.Host = *httpHost
	}
	if *noAPI {
		cfg.REST.Enabled = false
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Config error: %v\n", err)
		os.Exit(1)
	}

	run(cfg)
}

func run(cfg *config.Config) {
	// Set up file logging if specified
	var fileLogger *logging.FileLogger
	if *logFile != "" {
		var err error
		fileLogger, err = logging.NewFileLogger(*logFile)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open log file: %v\n", err)
		} else {
			fileLogger.Log("njlink %s starting, %d controllers configured", Version, len(cfg.PLCs))
		}
	}

	// Set up debug logging if specified
	var debugLoggerFile *logging.DebugLogger
	if *logDebug != "" {
		var err error
		debugLoggerFile, err = logging.NewDebugLogger("debug.log")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to open debug log: %v\n", err)
		} else {
			filter := *logDebug
			if filter == "all" || filter == "true" || filter == "1" {
				filter = ""
			}
			debugLoggerFile.SetFilter(filter)
			logging.SetGlobalDebugLogger(debugLoggerFile)
			if filter == "" {
				fmt.Println("Debug logging enabled (all protocols) - writing to debug.log")
			} else {
				fmt.Printf("Debug logging enabled (filter: %s) - writing to debug.log\n", filter)
			}
		}
	}

	// Create gateway manager
	manager := gateway.NewManager(cfg.PollRate)
	manager.LoadFromConfig(cfg)

	// Create REST API server
	apiServer := api.NewServer(manager, &cfg.REST)

	// Create MQTT manager
	mqttMgr := mqtt.NewManager()
	mqttMgr.LoadFromConfig(cfg.MQTT, cfg.Namespace)

	// Create Valkey manager
	valkeyMgr := valkey.NewManager()
	valkeyMgr.LoadFromConfig(cfg.Valkey, cfg.Namespace)

	// Create Kafka manager
	kafkaMgr := kafka.NewManager()
	kafkaMgr.LoadFromConfigs(cfg.Kafka, cfg.Namespace)

	// Set up publishing on value changes
	setupValueChangeHandlers(manager, mqttMgr, valkeyMgr, kafkaMgr, apiServer)

	// Status changes feed the event stream and the session log
	statusLog := fileLogger.WithPrefix("gateway")
	manager.SetOnStatusChange(func() {
		apiServer.PublishStatusChanges()
		for _, plc := range manager.ListPLCs() {
			if err := plc.GetError(); err != nil {
				statusLog.Log("%s: %s (%v)", plc.Config.Name, plc.GetStatus(), err)
			} else {
				statusLog.Log("%s: %s", plc.Config.Name, plc.GetStatus())
			}
		}
	})

	// Set up MQTT/Valkey/Kafka write handling
	writeHandler := func(plcName, varName string, value interface{}) error {
		return manager.WriteVariable(plcName, varName, value)
	}
	mqttMgr.SetWriteHandler(writeHandler)
	valkeyMgr.SetWriteHandler(writeHandler)
	kafkaMgr.SetWriteHandler(writeHandler)

	// Set controller names for MQTT write subscriptions
	plcNames := make([]string, len(cfg.PLCs))
	for i, plc := range cfg.PLCs {
		plcNames[i] = plc.Name
	}
	mqttMgr.SetPLCNames(plcNames)

	// Start manager polling
	manager.Start()

	// Start REST server if enabled
	if cfg.REST.Enabled {
		if err := apiServer.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: Failed to start REST server: %v\n", err)
			fmt.Fprintf(os.Stderr, "Continuing without HTTP server.\n")
		} else {
			fmt.Printf("REST API at %s\n", apiServer.Address())
		}
	}

	// Auto-connect enabled controllers first (so we have values to publish)
	manager.ConnectEnabled()

	// Auto-start enabled MQTT publishers in background
	go func() {
		if started := mqttMgr.StartAll(); started > 0 {
			forcePublishAllValues(manager, mqttMgr, nil)
		}
	}()

	// Auto-start enabled Valkey publishers in background
	go func() {
		if started := valkeyMgr.StartAll(); started > 0 {
			forcePublishAllValues(manager, nil, valkeyMgr)
		}
	}()

	// Auto-connect enabled Kafka clusters in background
	go kafkaMgr.ConnectEnabled()

	// Start health publishing loop
	go publishHealthLoop(manager, mqttMgr, valkeyMgr, kafkaMgr)

	fmt.Println("Running. Press Ctrl+C to stop.")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan
	fmt.Printf("\nReceived %v, shutting down...\n", sig)
	fileLogger.Log("received %v, shutting down", sig)

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		mqttMgr.StopAll()
		valkeyMgr.StopAll()
		kafkaMgr.StopAll()
		apiServer.Stop()
		manager.Stop()
		manager.DisconnectAll()
		close(shutdownDone)
	}()

	select {
	case <-shutdownDone:
	case <-time.After(2 * time.Second):
	}

	if fileLogger != nil {
		fileLogger.Close()
	}
	if debugLoggerFile != nil {
		debugLoggerFile.Close()
	}

	fmt.Println("Stopped")
}

// forcePublishAllValues publishes all current variable values to the given
// republishers, for initial sync after a broker connects.
func forcePublishAllValues(manager *gateway.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager) {
	values := manager.GetAllCurrentValues()
	logging.DebugLog("gateway", "force publishing %d values", len(values))
	for _, v := range values {
		if mqttMgr != nil {
			mqttMgr.Publish(v.PLCName, v.VarName, v.TypeName, v.Value, true)
		}
		if valkeyMgr != nil {
			valkeyMgr.Publish(v.PLCName, v.VarName, v.TypeName, v.Value)
		}
	}
}

// publishHealthLoop publishes controller health status to all services every 10 seconds.
func publishHealthLoop(manager *gateway.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	time.Sleep(2 * time.Second)

	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)

	for range ticker.C {
		publishAllHealth(manager, mqttMgr, valkeyMgr, kafkaMgr)
	}
}

// publishAllHealth publishes health status for all controllers to MQTT, Valkey, and Kafka.
func publishAllHealth(manager *gateway.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager) {
	for _, plc := range manager.ListPLCs() {
		health := plc.GetHealthStatus()

		mqttMgr.PublishHealth(plc.Config.Name, health.Online, health.Status, health.Error)
		valkeyMgr.PublishHealth(plc.Config.Name, health.Online, health.Status, health.Error)
		kafkaMgr.PublishHealth(plc.Config.Name, health.Online, health.Status, health.Error)
	}
}

// setupValueChangeHandlers sets up the value change callback for publishing
// to MQTT, Valkey, Kafka, and the API event stream.
func setupValueChangeHandlers(manager *gateway.Manager, mqttMgr *mqtt.Manager, valkeyMgr *valkey.Manager, kafkaMgr *kafka.Manager, apiServer *api.Server) {
	manager.SetOnValueChange(func(changes []gateway.ValueChange) {
		mqttRunning := mqttMgr.AnyRunning()
		valkeyRunning := valkeyMgr.AnyRunning()
		kafkaPublishing := kafkaMgr.AnyPublishing()

		apiServer.PublishValueChanges(changes)

		if !mqttRunning && !valkeyRunning && !kafkaPublishing {
			return
		}

		changesCopy := make([]gateway.ValueChange, len(changes))
		copy(changesCopy, changes)

		// Each republisher runs in its own goroutine so a slow broker
		// cannot stall the others.
		if mqttRunning {
			go func() {
				for _, c := range changesCopy {
					mqttMgr.Publish(c.PLCName, c.VarName, c.TypeName, c.Value, true)
				}
			}()
		}

		if valkeyRunning {
			go func() {
				for _, c := range changesCopy {
					valkeyMgr.Publish(c.PLCName, c.VarName, c.TypeName, c.Value)
				}
			}()
		}

		if kafkaPublishing {
			go func() {
				for _, c := range changesCopy {
					kafkaMgr.Publish(c.PLCName, c.VarName, c.TypeName, c.Value, true)
				}
			}()
		}
	})
}
