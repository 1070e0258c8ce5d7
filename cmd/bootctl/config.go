package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// appConfig holds every flag after env-override resolution. Dual short/long
// flags (e.g. --port/-p) are registered as two separate flags and merged
// into one field: for strings the long form wins when non-empty, for
// --baud/-b the explicitly set one (long first), via flag.Visit.
type appConfig struct {
	port string
	baud int

	uid     string
	file    string
	fwID    int
	search  bool
	verify  bool
	slots   int
	write   bool
	run     bool
	listPorts bool

	discoveryRetries int

	logFormat       string
	logLevel        string
	metricsAddr     string
	logMetricsEvery time.Duration

	monitorAddr string
	monitorMDNS bool
	monitorName string
}

const (
	defaultBaud    = 9600
	defaultSlots   = 63
	defaultRetries = 5
)

func parseFlags() (*appConfig, bool) {
	cfg := &appConfig{}

	port := flag.String("port", "", "Serial device path")
	portShort := flag.String("p", "", "Serial device path (shorthand)")
	baud := flag.Int("baud", defaultBaud, "Serial baud rate")
	baudShort := flag.Int("b", defaultBaud, "Serial baud rate (shorthand)")
	uid := flag.String("uid", "", "UID of a node whose firmware id is set to --fw (only when none of --write/--verify/--run is given)")
	file := flag.String("file", "", "Firmware image path")
	fileShort := flag.String("i", "", "Firmware image path (shorthand)")
	fwID := flag.Int("fw", 0, "Firmware id slot")
	search := flag.Bool("search", false, "Discover nodes and print them")
	verify := flag.Bool("verify", false, "Fetch remote CRC and compare to the firmware file's CRC")
	slots := flag.Int("slots", defaultSlots, "Slot-window width for --search/--verify discovery")
	write := flag.Bool("write", false, "Broadcast firmware from --file")
	run := flag.Bool("run", false, "Broadcast BOOT_GO so every listening node jumps to the application")
	discoveryRetries := flag.Int("discovery-retries", defaultRetries, "Number of BOOT_GET_ID polling rounds per scan")
	logFormat := flag.String("log-format", "text", "Log format: text|json")
	logLevel := flag.String("log-level", "info", "Log level: debug|info|warn|error")
	metricsAddr := flag.String("metrics-addr", "", "Metrics HTTP listen address (e.g. :9100); empty disables")
	logMetricsEvery := flag.Duration("log-metrics-interval", 0, "If >0, periodically log metrics counters")
	monitorAddr := flag.String("monitor-addr", "", "Monitor TCP feed listen address; empty disables")
	monitorMDNS := flag.Bool("monitor-mdns", false, "Advertise the monitor feed via mDNS")
	monitorName := flag.String("monitor-name", "", "mDNS instance name (default bootctl-<hostname>)")
	listPorts := flag.Bool("list-ports", false, "List available serial ports and exit")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	setFlags := map[string]struct{}{}
	flag.Visit(func(f *flag.Flag) { setFlags[f.Name] = struct{}{} })

	cfg.port = firstNonEmpty(*port, *portShort)
	cfg.baud = firstSetInt(setFlags, "baud", "b", *baud, *baudShort, defaultBaud)
	cfg.uid = *uid
	cfg.file = firstNonEmpty(*file, *fileShort)
	cfg.fwID = *fwID
	cfg.search = *search
	cfg.verify = *verify
	cfg.slots = *slots
	cfg.write = *write
	cfg.run = *run
	cfg.listPorts = *listPorts
	cfg.discoveryRetries = *discoveryRetries
	cfg.logFormat = *logFormat
	cfg.logLevel = *logLevel
	cfg.metricsAddr = *metricsAddr
	cfg.logMetricsEvery = *logMetricsEvery
	cfg.monitorAddr = *monitorAddr
	cfg.monitorMDNS = *monitorMDNS
	cfg.monitorName = *monitorName

	if err := applyEnvOverrides(cfg, setFlags); err != nil {
		fmt.Printf("environment override error: %v\n", err)
		return nil, *showVersion
	}
	if *showVersion || *listPorts {
		return cfg, *showVersion
	}
	if err := cfg.validate(); err != nil {
		fmt.Printf("configuration error: %v\n", err)
		return nil, *showVersion
	}
	return cfg, *showVersion
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

func firstSetInt(set map[string]struct{}, longName, shortName string, long, short, def int) int {
	_, longSet := set[longName]
	_, shortSet := set[shortName]
	switch {
	case longSet:
		return long
	case shortSet:
		return short
	default:
		return def
	}
}

func (c *appConfig) validate() error {
	if c == nil {
		return errors.New("nil config")
	}
	if c.port == "" {
		return errors.New("--port/-p is required")
	}
	if c.baud <= 0 {
		return fmt.Errorf("baud must be > 0 (got %d)", c.baud)
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
	if c.slots < 0 {
		return errors.New("slots must be >= 0")
	}
	if c.discoveryRetries <= 0 {
		return errors.New("discovery-retries must be > 0")
	}
	if (c.write || c.verify) && c.file == "" {
		return errors.New("--file/-i is required with --write or --verify")
	}
	return nil
}

// applyEnvOverrides maps BOOTCTL_* environment variables to config fields
// unless the corresponding flag was explicitly set, mirroring
// cmd/can-server/config.go's precedence scheme.
func applyEnvOverrides(c *appConfig, set map[string]struct{}) error {
	var firstErr error
	get := func(k string) (string, bool) { v, ok := os.LookupEnv(k); return strings.TrimSpace(v), ok }

	if _, ok := set["port"]; !ok {
		if _, ok := set["p"]; !ok {
			if v, ok := get("BOOTCTL_PORT"); ok && v != "" {
				c.port = v
			}
		}
	}
	if _, ok := set["baud"]; !ok {
		if _, ok := set["b"]; !ok {
			if v, ok := get("BOOTCTL_BAUD"); ok && v != "" {
				if n, err := strconv.Atoi(v); err == nil && n > 0 {
					c.baud = n
				} else if err != nil && firstErr == nil {
					firstErr = fmt.Errorf("invalid BOOTCTL_BAUD: %w", err)
				}
			}
		}
	}
	if _, ok := set["log-format"]; !ok {
		if v, ok := get("BOOTCTL_LOG_FORMAT"); ok && v != "" {
			c.logFormat = v
		}
	}
	if _, ok := set["log-level"]; !ok {
		if v, ok := get("BOOTCTL_LOG_LEVEL"); ok && v != "" {
			c.logLevel = v
		}
	}
	if _, ok := set["metrics-addr"]; !ok {
		if v, ok := get("BOOTCTL_METRICS"); ok {
			c.metricsAddr = v
		}
	}
	if _, ok := set["monitor-addr"]; !ok {
		if v, ok := get("BOOTCTL_MONITOR_ADDR"); ok {
			c.monitorAddr = v
		}
	}
	if _, ok := set["discovery-retries"]; !ok {
		if v, ok := get("BOOTCTL_DISCOVERY_RETRIES"); ok && v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				c.discoveryRetries = n
			} else if err != nil && firstErr == nil {
				firstErr = fmt.Errorf("invalid BOOTCTL_DISCOVERY_RETRIES: %w", err)
			}
		}
	}
	return firstErr
}
