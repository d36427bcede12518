// Command multirigd is the bundled MultiRig daemon: it loads a YAML
// configuration, wires the Registry, Sync Engine, Listener, status
// Broadcaster and their optional metrics/MQTT/WebSocket edges together,
// and serves until a termination signal arrives. Grounded on the
// teacher's main.go bootstrap: flag-parsed overrides, a loaded and
// validated config, HTTP server plus promhttp mux, and a
// signal.Notify-driven graceful shutdown goroutine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rcludwick/multirig/internal/rigconfig"
	"github.com/rcludwick/multirig/internal/rigctl"
	"github.com/rcludwick/multirig/internal/rigmcp"
	"github.com/rcludwick/multirig/internal/rigmetrics"
	"github.com/rcludwick/multirig/internal/rigmqtt"
	"github.com/rcludwick/multirig/internal/rigregistry"
	"github.com/rcludwick/multirig/internal/statusbus"
	"github.com/rcludwick/multirig/internal/statuspush"
	"github.com/rcludwick/multirig/internal/syncengine"
)

func main() {
	configPath := flag.String("config", "multirig.yaml", "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	listenOverride := flag.String("listen", "", "Override rigctl_listen_host:port from the config file")
	metricsAddr := flag.String("metrics-listen", ":9531", "Prometheus metrics and status WebSocket HTTP listen address")
	mqttBroker := flag.String("mqtt-broker", "", "Optional MQTT broker URL (tcp://host:1883); disabled if empty")
	flag.Parse()

	logger := log.New(os.Stderr, "multirig: ", log.LstdFlags)
	if *debug {
		logger.Println("debug mode enabled")
	}

	appCfg, err := rigconfig.Load(*configPath)
	if err != nil {
		log.Fatalf("multirig: failed to load configuration: %v", err)
	}
	if *listenOverride != "" {
		host, port, perr := splitHostPort(*listenOverride)
		if perr != nil {
			log.Fatalf("multirig: invalid -listen override: %v", perr)
		}
		appCfg.RigctlListenHost = host
		appCfg.RigctlListenPort = port
	}

	reg := rigregistry.New(logger)
	reg.Apply(appCfg)

	eng := syncengine.New(reg, 200*time.Millisecond, logger)
	eng.SetEnabled(appCfg.SyncEnabled)
	eng.Start()

	metrics := rigmetrics.New(prometheus.DefaultRegisterer)

	listener := rigctl.New(reg, logger)
	listener.SetMetrics(metrics)
	listenAddr := fmt.Sprintf("%s:%d", appCfg.RigctlListenHost, appCfg.RigctlListenPort)
	if err := listener.Start(listenAddr); err != nil {
		log.Fatalf("multirig: failed to start rigctl listener on %s: %v", listenAddr, err)
	}
	logger.Printf("rigctl listener on %s", listenAddr)

	bus := statusbus.New(reg)
	ctx, cancel := context.WithCancel(context.Background())
	go bus.Run(reg, 250*time.Millisecond, ctx.Done())

	collector := rigmetrics.NewCollector(metrics)
	go runMetricsCollector(ctx, reg, collector)

	var mqttPub *rigmqtt.Publisher
	if *mqttBroker != "" {
		mqttPub, err = rigmqtt.New(rigmqtt.Config{Broker: *mqttBroker}, logger)
		if err != nil {
			logger.Printf("mqtt publisher disabled: %v", err)
		} else {
			go runMQTTBridge(ctx, bus, mqttPub)
		}
	}

	mcpSrv := rigmcp.New(reg, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/status", statuspush.NewHandler(bus, logger))
	mux.Handle("/mcp", mcpSrv)
	httpSrv := &http.Server{Addr: *metricsAddr, Handler: mux}

	go func() {
		logger.Printf("metrics/status HTTP server on %s", *metricsAddr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Printf("http server error: %v", err)
		}
	}()

	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	go func() {
		for range hupChan {
			reloadConfig(*configPath, *listenOverride, reg, eng, listener, logger)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Println("shutting down")
	cancel()
	eng.Stop()
	listener.Close()
	bus.Close()
	httpSrv.Close()
	for _, c := range reg.RawClients() {
		c.Close()
	}
}

func runMetricsCollector(ctx context.Context, reg *rigregistry.Registry, c *rigmetrics.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, client := range reg.RawClients() {
				c.Observe(client.GetStatus())
			}
		}
	}
}

func runMQTTBridge(ctx context.Context, bus *statusbus.Broadcaster, pub *rigmqtt.Publisher) {
	updates, unsubscribe := bus.Subscribe()
	defer unsubscribe()
	bridged := make(chan rigmqtt.Update)
	go func() {
		defer close(bridged)
		for {
			select {
			case <-ctx.Done():
				return
			case upd, ok := <-updates:
				if !ok {
					return
				}
				select {
				case bridged <- rigmqtt.Update{Rigs: upd.Rigs}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	pub.Run(ctx, bridged)
}

// reloadConfig re-reads the configuration file on SIGHUP. The Registry
// swaps in new rig clients per rigregistry's quiesce-and-replace rule;
// the Sync Engine's enabled flag is re-propagated unconditionally; the
// Listener is restarted only when the reload actually changed the
// configured listen address.
func reloadConfig(configPath, listenOverride string, reg *rigregistry.Registry, eng *syncengine.Engine, listener *rigctl.Listener, logger *log.Logger) {
	logger.Println("reload: received SIGHUP")
	appCfg, err := rigconfig.Load(configPath)
	if err != nil {
		logger.Printf("reload: failed to load configuration: %v", err)
		return
	}
	if listenOverride != "" {
		host, port, perr := splitHostPort(listenOverride)
		if perr != nil {
			logger.Printf("reload: invalid -listen override: %v", perr)
			return
		}
		appCfg.RigctlListenHost = host
		appCfg.RigctlListenPort = port
	}

	listenChanged := reg.Apply(appCfg)
	eng.SetEnabled(appCfg.SyncEnabled)

	if listenChanged {
		listener.Close()
		listenAddr := fmt.Sprintf("%s:%d", appCfg.RigctlListenHost, appCfg.RigctlListenPort)
		if err := listener.Start(listenAddr); err != nil {
			logger.Printf("reload: failed to restart rigctl listener on %s: %v", listenAddr, err)
			return
		}
		logger.Printf("reload: rigctl listener restarted on %s", listenAddr)
	}
	logger.Println("reload: configuration applied")
}

func splitHostPort(s string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(s)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return "", 0, fmt.Errorf("invalid port %q: %w", portStr, err)
	}
	return host, port, nil
}
