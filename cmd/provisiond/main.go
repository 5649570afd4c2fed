package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"provisiond/internal/hooks"
	"provisiond/internal/hotspot"
	"provisiond/internal/mqtt"
	"provisiond/internal/orchestrator"
	"provisiond/internal/runner"
	"provisiond/internal/store"
	"provisiond/internal/web"
	"provisiond/internal/wifi"
)

// version is set at build time via -ldflags "-X main.version=..."
var version = "dev"

type Config struct {
	Interface    string `yaml:"interface"`
	DeviceIDFile string `yaml:"device_id_file"`
	Web          struct {
		Listen         string   `yaml:"listen"`
		APIKey         string   `yaml:"api_key"`
		AllowedOrigins []string `yaml:"allowed_origins"`
	} `yaml:"web"`
	Store struct {
		Path string `yaml:"path"`
	} `yaml:"store"`
	Hotspot struct {
		SSIDPrefix  string `yaml:"ssid_prefix"`
		Channel     int    `yaml:"channel"`
		Country     string `yaml:"country"`
		GatewayCIDR string `yaml:"gateway_cidr"`
		DHCPStart   string `yaml:"dhcp_range_start"`
		DHCPEnd     string `yaml:"dhcp_range_end"`
		LeaseTime   string `yaml:"lease_time"`
		HostapdConf string `yaml:"hostapd_conf"`
		DnsmasqConf string `yaml:"dnsmasq_conf"`
		LeaseFile   string `yaml:"lease_file"`
	} `yaml:"hotspot"`
	Wifi struct {
		ProbeHost      string `yaml:"probe_host"`
		ManagedTimeout string `yaml:"managed_timeout"`
		RadioTimeout   string `yaml:"radio_timeout"`
		ScanTimeout    string `yaml:"scan_timeout"`
		LeaseTimeout   string `yaml:"lease_timeout"`
	} `yaml:"wifi"`
	Budgets struct {
		HotspotStart    string `yaml:"hotspot_start"`
		HotspotTeardown string `yaml:"hotspot_teardown"`
		ConnectAttempt  string `yaml:"connect_attempt"`
		RetryDelay      string `yaml:"retry_delay"`
		Validation      string `yaml:"validation"`
		MaxAttempts     int    `yaml:"max_attempts"`
	} `yaml:"budgets"`
	MQTT struct {
		Enabled     bool   `yaml:"enabled"`
		Broker      string `yaml:"broker"`
		Username    string `yaml:"username"`
		Password    string `yaml:"password"`
		TopicPrefix string `yaml:"topic_prefix"`
	} `yaml:"mqtt"`
	Hooks struct {
		ScriptsDir  string   `yaml:"scripts_dir"`
		Allowlist   []string `yaml:"exec_allowlist"`
		ExecTimeout string   `yaml:"exec_timeout"`
	} `yaml:"hooks"`
	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"log"`
}

func (c *Config) validate() error {
	if c.Interface == "" {
		return fmt.Errorf("interface is required")
	}
	if c.Hotspot.Channel < 1 || c.Hotspot.Channel > 13 {
		return fmt.Errorf("hotspot.channel must be 1-13, got %d", c.Hotspot.Channel)
	}
	if c.Budgets.MaxAttempts < 1 {
		return fmt.Errorf("budgets.max_attempts must be at least 1, got %d", c.Budgets.MaxAttempts)
	}
	for name, v := range map[string]string{
		"budgets.hotspot_start":    c.Budgets.HotspotStart,
		"budgets.hotspot_teardown": c.Budgets.HotspotTeardown,
		"budgets.connect_attempt":  c.Budgets.ConnectAttempt,
		"budgets.retry_delay":      c.Budgets.RetryDelay,
		"budgets.validation":       c.Budgets.Validation,
	} {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		if d <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	return nil
}

func main() {
	// Temporary logger for config loading errors.
	bootLogger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	cfgPath := "config.yaml"
	if len(os.Args) > 1 {
		cfgPath = os.Args[1]
	}

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		bootLogger.Error("load config", "err", err)
		os.Exit(1)
	}

	if err := cfg.validate(); err != nil {
		bootLogger.Error("invalid config", "err", err)
		os.Exit(1)
	}

	// Create configured logger.
	logger := newLogger(cfg)
	slog.SetDefault(logger)
	logger.Info("provisiond starting", "version", version, "iface", cfg.Interface)

	deviceID := readDeviceID(cfg.DeviceIDFile, logger)

	// Open store
	db, err := store.NewBoltStore(cfg.Store.Path)
	if err != nil {
		logger.Error("open store", "err", err)
		os.Exit(1)
	}
	defer db.Close()

	run := runner.NewExec(30*time.Second, logger)

	ap := hotspot.New(run, hotspot.Config{
		Interface:       cfg.Interface,
		SSIDPrefix:      cfg.Hotspot.SSIDPrefix,
		Channel:         cfg.Hotspot.Channel,
		Country:         cfg.Hotspot.Country,
		GatewayCIDR:     cfg.Hotspot.GatewayCIDR,
		DHCPStart:       cfg.Hotspot.DHCPStart,
		DHCPEnd:         cfg.Hotspot.DHCPEnd,
		LeaseTime:       cfg.Hotspot.LeaseTime,
		HostapdConfPath: cfg.Hotspot.HostapdConf,
		DnsmasqConfPath: cfg.Hotspot.DnsmasqConf,
		LeaseFilePath:   cfg.Hotspot.LeaseFile,
	}, deviceID, logger)

	gw := cfg.Hotspot.GatewayCIDR
	if i := strings.IndexByte(gw, '/'); i >= 0 {
		gw = gw[:i]
	}
	client := wifi.New(run, wifi.Config{
		Interface:           cfg.Interface,
		ProvisioningGateway: gw,
		ProbeHost:           cfg.Wifi.ProbeHost,
		ManagedTimeout:      parseDuration(cfg.Wifi.ManagedTimeout, 15*time.Second),
		RadioTimeout:        parseDuration(cfg.Wifi.RadioTimeout, 3*time.Second),
		ScanTimeout:         parseDuration(cfg.Wifi.ScanTimeout, 8*time.Second),
		AssocTimeout:        parseDuration(cfg.Budgets.ConnectAttempt, 20*time.Second),
		LeaseTimeout:        parseDuration(cfg.Wifi.LeaseTimeout, 5*time.Second),
	}, logger)

	budgets := orchestrator.Budgets{
		HotspotStart:    parseDuration(cfg.Budgets.HotspotStart, 30*time.Second),
		HotspotTeardown: parseDuration(cfg.Budgets.HotspotTeardown, 30*time.Second),
		ConnectAttempt:  parseDuration(cfg.Budgets.ConnectAttempt, 20*time.Second),
		RetryDelay:      parseDuration(cfg.Budgets.RetryDelay, 10*time.Second),
		Validation:      parseDuration(cfg.Budgets.Validation, 10*time.Second),
		MaxAttempts:     cfg.Budgets.MaxAttempts,
	}

	events := orchestrator.NewEventBus(logger)
	orch := orchestrator.New(ap, client, db, events, deviceID, budgets, logger)

	// Start hook engine before the orchestrator so early transitions reach
	// the scripts.
	var hookEngine *hooks.Engine
	if cfg.Hooks.ScriptsDir != "" {
		hookEngine = hooks.NewEngine(orch, hooks.Config{
			ScriptsDir:    cfg.Hooks.ScriptsDir,
			ExecAllowlist: cfg.Hooks.Allowlist,
			ExecTimeout:   parseDuration(cfg.Hooks.ExecTimeout, 10*time.Second),
		}, logger)
		if err := hookEngine.Start(); err != nil {
			logger.Error("start hook engine", "err", err)
		}
	}

	var bridge *mqtt.Bridge
	if cfg.MQTT.Enabled {
		bridge = mqtt.NewBridge(orch, mqtt.Config{
			Broker:      cfg.MQTT.Broker,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    "provisiond-" + deviceID,
		}, logger)
		bridge.Start()
	}

	if err := orch.Start(); err != nil {
		logger.Error("start orchestrator", "err", err)
		os.Exit(1)
	}

	webOpts := []web.ServerOption{
		web.WithHotspot(ap),
		web.WithVersion(version),
	}
	if cfg.Web.APIKey != "" {
		webOpts = append(webOpts, web.WithAPIKey(cfg.Web.APIKey))
	}
	if len(cfg.Web.AllowedOrigins) > 0 {
		webOpts = append(webOpts, web.WithAllowedOrigins(cfg.Web.AllowedOrigins))
	}

	webServer := web.NewServer(orch, logger, webOpts...)
	httpServer := &http.Server{
		Addr:         cfg.Web.Listen,
		Handler:      webServer,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		logger.Info("web server starting", "addr", cfg.Web.Listen)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", "err", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	signal.Stop(sigCh)
	logger.Info("shutting down", "signal", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown", "err", err)
	}
	webServer.Stop()
	if bridge != nil {
		bridge.Stop()
	}
	if hookEngine != nil {
		hookEngine.Stop()
	}
	orch.Stop()

	logger.Info("goodbye")
}

// readDeviceID loads the opaque device identifier written by the identity
// subsystem at install time.
func readDeviceID(path string, logger *slog.Logger) string {
	data, err := os.ReadFile(path)
	if err != nil {
		logger.Warn("device id file unreadable, using UNKNOWN", "path", path, "err", err)
		return "UNKNOWN"
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		logger.Warn("device id file empty, using UNKNOWN", "path", path)
		return "UNKNOWN"
	}
	return id
}

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if cfg.Interface == "" {
		cfg.Interface = "wlan0"
	}
	if cfg.DeviceIDFile == "" {
		cfg.DeviceIDFile = "/var/lib/provisiond/device_id"
	}
	if cfg.Web.Listen == "" {
		cfg.Web.Listen = "0.0.0.0:8080"
	}
	if cfg.Store.Path == "" {
		cfg.Store.Path = "/var/lib/provisiond/provisiond.db"
	}
	if cfg.Hotspot.SSIDPrefix == "" {
		cfg.Hotspot.SSIDPrefix = "Setup-"
	}
	if cfg.Hotspot.Channel == 0 {
		cfg.Hotspot.Channel = 6
	}
	if cfg.Hotspot.Country == "" {
		cfg.Hotspot.Country = "US"
	}
	if cfg.Hotspot.GatewayCIDR == "" {
		cfg.Hotspot.GatewayCIDR = "192.168.4.1/24"
	}
	if cfg.Hotspot.DHCPStart == "" {
		cfg.Hotspot.DHCPStart = "192.168.4.2"
	}
	if cfg.Hotspot.DHCPEnd == "" {
		cfg.Hotspot.DHCPEnd = "192.168.4.20"
	}
	if cfg.Hotspot.LeaseTime == "" {
		cfg.Hotspot.LeaseTime = "12h"
	}
	if cfg.Hotspot.HostapdConf == "" {
		cfg.Hotspot.HostapdConf = "/etc/hostapd/hostapd.conf"
	}
	if cfg.Hotspot.DnsmasqConf == "" {
		cfg.Hotspot.DnsmasqConf = "/etc/dnsmasq.conf"
	}
	if cfg.Hotspot.LeaseFile == "" {
		cfg.Hotspot.LeaseFile = "/var/lib/dhcp/dnsmasq.leases"
	}
	if cfg.Wifi.ProbeHost == "" {
		cfg.Wifi.ProbeHost = "8.8.8.8"
	}
	if cfg.Budgets.HotspotStart == "" {
		cfg.Budgets.HotspotStart = "30s"
	}
	if cfg.Budgets.HotspotTeardown == "" {
		cfg.Budgets.HotspotTeardown = "30s"
	}
	if cfg.Budgets.ConnectAttempt == "" {
		cfg.Budgets.ConnectAttempt = "20s"
	}
	if cfg.Budgets.RetryDelay == "" {
		cfg.Budgets.RetryDelay = "10s"
	}
	if cfg.Budgets.Validation == "" {
		cfg.Budgets.Validation = "10s"
	}
	if cfg.Budgets.MaxAttempts == 0 {
		cfg.Budgets.MaxAttempts = 3
	}
	if cfg.MQTT.TopicPrefix == "" {
		cfg.MQTT.TopicPrefix = "provisiond"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "text"
	}
	return &cfg, nil
}

func parseDuration(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def
	}
	return d
}

func newLogger(cfg *Config) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
