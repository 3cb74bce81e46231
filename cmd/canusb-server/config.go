package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kstaniek/go-canusb-server/internal/canusb"
)

type appConfig struct {
	serialDev       string
	serialBaud      int
	serialReadTO    time.Duration
	serialRing      int
	canBitrate      uint32
	msgRing         int
	pollInterval    time.Duration
	listenAddr      string
	logFormat       string
	logLevel        string
	metricsAddr     string
	hubBuffer       int
	hubPolicy       string
	logMetricsEvery time.Duration
	maxClients      int
	handshakeTO     time.Duration
	clientReadTO    time.Duration
	mdnsEnable      bool
	mdnsName        string
	mqttBroker      string
}

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}
	serialDev := flag.String("serial", "/dev/ttyUSB0", "Serial device path of the CANUSB adapter")
	serialBaud := flag.Int("serial-baud", 115200, "Serial baud rate")
	serialReadTO := flag.Duration("serial-read-timeout", 50*time.Millisecond, "Serial read timeout")
	serialRing := flag.Int("serial-ring", 4096, "Serial receive ring size (bytes)")
	canBitrate := flag.Uint("can-bitrate", canusb.DefaultBitrate, "CAN bus bitrate in Hz (10000..1000000, closed set)")
	msgRing := flag.Int("message-ring", 512, "Decoded message ring capacity (messages)")
	pollInterval := flag.Duration("poll-interval", 5*time.Millisecond, "Adapter receive poll interval")
	listen := flag.String("listen", ":20100", "TCP listen address")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g., :9100); empty disables")
	hubBuf := flag.Int("hub-buffer", 512, "Per-client hub buffer (messages)")
	hubPolicy := flag.String("hub-policy", "drop", "Backpressure policy: drop|kick")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters (for non-Prometheus setups)")
	maxClients := flag.Int("max-clients", 0, "Maximum simultaneous TCP clients (0 = unlimited)")
	handshakeTO := flag.Duration("handshake-timeout", 3*time.Second, "Client handshake timeout")
	clientReadTO := flag.Duration("client-read-timeout", 60*time.Second, "Per-connection read deadline")
	mdnsEnable := flag.Bool("mdns-enable", false, "Enable mDNS/Avahi advertisement")
	mdnsName := flag.String("mdns-name", "", "mDNS instance name (default canusb-server-<machine id>)")
	mqttBroker := flag.String("mqtt-broker", "", "MQTT broker URL to mirror received messages (e.g., mqtt://host:1883/canusb); empty disables")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	// Track which flags were explicitly set to give them precedence over env.
	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })
	cfg.serialDev = *serialDev
	cfg.serialBaud = *serialBaud
	cfg.serialReadTO = *serialReadTO
	cfg.serialRing = *serialRing
	cfg.canBitrate = uint32(*canBitrate)
	cfg.msgRing = *msgRing
	cfg.pollInterval = *pollInterval
	cfg.listenAddr = *listen
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.hubBuffer = *hubBuf
	cfg.hubPolicy = *hubPolicy
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.maxClients = *maxClients
	cfg.handshakeTO = *handshakeTO
	cfg.clientReadTO = *clientReadTO
	cfg.mdnsEnable = *mdnsEnable
	cfg.mdnsName = *mdnsName
	cfg.mqttBroker = *mqttBroker

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

// validate performs basic semantic validation of the parsed configuration.
// It does not attempt to open devices or listeners, only checks values/ranges.
func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	switch c.logFormat {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log-format: %s", c.logFormat)
	}
	switch c.logLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log-level: %s", c.logLevel)
	}
	switch c.hubPolicy {
	case "drop", "kick":
	default:
		return fmt.Errorf("invalid hub-policy: %s", c.hubPolicy)
	}
	if c.hubBuffer <= 0 {
		return fmt.Errorf("hub-buffer must be > 0 (got %d)", c.hubBuffer)
	}
	if c.serialBaud <= 0 {
		return fmt.Errorf("serial-baud must be > 0 (got %d)", c.serialBaud)
	}
	if _, ok := canusb.BitrateChar(c.canBitrate); !ok {
		return fmt.Errorf("unsupported can-bitrate: %d (supported: %v)", c.canBitrate, canusb.Bitrates())
	}
	if c.serialRing <= 0 {
		return fmt.Errorf("serial-ring must be > 0 (got %d)", c.serialRing)
	}
	if c.msgRing <= 0 {
		return fmt.Errorf("message-ring must be > 0 (got %d)", c.msgRing)
	}
	if c.pollInterval <= 0 {
		return fmt.Errorf("poll-interval must be > 0")
	}
	if c.serialReadTO <= 0 {
		return fmt.Errorf("serial-read-timeout must be > 0")
	}
	if c.handshakeTO <= 0 {
		return fmt.Errorf("handshake-timeout must be > 0")
	}
	if c.clientReadTO <= 0 {
		return fmt.Errorf("client-read-timeout must be > 0")
	}
	if c.maxClients < 0 {
		return fmt.Errorf("max-clients must be >= 0")
	}
	return nil
}

// applyEnvOverrides maps CANUSB_SERVER_* environment variables to config fields
// unless a corresponding flag was explicitly set. Boolean & numeric parsing is lax:
// empty values ignored. Duration accepts Go time.ParseDuration format.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }
	if _, ok := set["serial"]; !ok {
		if v, ok := get("CANUSB_SERVER_SERIAL"); ok && v != "" {
			c.serialDev = v
		}
	}
	if _, ok := set["serial-baud"]; !ok {
		if v, ok := get("CANUSB_SERVER_SERIAL_BAUD"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialBaud = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_SERIAL_BAUD: %w", err)
			}
		}
	}
	if _, ok := set["serial-read-timeout"]; !ok {
		if v, ok := get("CANUSB_SERVER_SERIAL_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.serialReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_SERIAL_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["serial-ring"]; !ok {
		if v, ok := get("CANUSB_SERVER_SERIAL_RING"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.serialRing = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_SERIAL_RING: %w", err)
			}
		}
	}
	if _, ok := set["can-bitrate"]; !ok {
		if v, ok := get("CANUSB_SERVER_CAN_BITRATE"); ok && v != "" {
			if n, err := strconv.ParseUint(v, 10, 32); err == nil {
				c.canBitrate = uint32(n)
			} else if firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_CAN_BITRATE: %w", err)
			}
		}
	}
	if _, ok := set["message-ring"]; !ok {
		if v, ok := get("CANUSB_SERVER_MESSAGE_RING"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.msgRing = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_MESSAGE_RING: %w", err)
			}
		}
	}
	if _, ok := set["poll-interval"]; !ok {
		if v, ok := get("CANUSB_SERVER_POLL_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.pollInterval = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_POLL_INTERVAL: %w", err)
			}
		}
	}
	if _, ok := set["listen"]; !ok {
		if v, ok := get("CANUSB_SERVER_LISTEN"); ok && v != "" {
			c.listenAddr = v
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("CANUSB_SERVER_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("CANUSB_SERVER_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("CANUSB_SERVER_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["hub-buffer"]; !ok {
		if v, ok := get("CANUSB_SERVER_HUB_BUFFER"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.hubBuffer = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_HUB_BUFFER: %w", err)
			}
		}
	}
	if _, ok := set["hub-policy"]; !ok {
		if v, ok := get("CANUSB_SERVER_HUB_POLICY"); ok && v != "" {
			c.hubPolicy = v
		}
	}
	if _, ok := set["max-clients"]; !ok {
		if v, ok := get("CANUSB_SERVER_MAX_CLIENTS"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				c.maxClients = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_MAX_CLIENTS: %w", err)
			}
		}
	}
	if _, ok := set["handshake-timeout"]; !ok {
		if v, ok := get("CANUSB_SERVER_HANDSHAKE_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.handshakeTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_HANDSHAKE_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["client-read-timeout"]; !ok {
		if v, ok := get("CANUSB_SERVER_CLIENT_READ_TIMEOUT"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d > 0 {
				c.clientReadTO = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_CLIENT_READ_TIMEOUT: %w", err)
			}
		}
	}
	if _, ok := set["mdns-enable"]; !ok {
		if v, ok := get("CANUSB_SERVER_MDNS_ENABLE"); ok && v != "" {
			switch strings.ToLower(v) {
			case "1", "true", "yes", "on":
				c.mdnsEnable = true
			case "0", "false", "no", "off":
				c.mdnsEnable = false
			}
		}
	}
	if _, ok := set["mdns-name"]; !ok {
		if v, ok := get("CANUSB_SERVER_MDNS_NAME"); ok && v != "" {
			c.mdnsName = v
		}
	}
	if _, ok := set["mqtt-broker"]; !ok {
		if v, ok := get("CANUSB_SERVER_MQTT_BROKER"); ok {
			c.mqttBroker = v
		}
	}
	if _, ok := set["log-metrics-interval"]; !ok {
		if v, ok := get("CANUSB_SERVER_LOG_METRICS_INTERVAL"); ok && v != "" {
			if d, err := time.ParseDuration(v); err == nil && d >= 0 {
				c.logMetricsEvery = d
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid CANUSB_SERVER_LOG_METRICS_INTERVAL: %w", err)
			}
		}
	}
	return firstErr
}
