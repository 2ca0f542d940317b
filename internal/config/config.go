// Package config loads the reactor's settings from the environment,
// mirroring the SPOKI_* prefix convention the rest of the binary expects.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds everything the reactive core needs to run. CLI flag parsing
// and config-file loading are out of scope (spec.md §1); main() is expected
// to fill this struct from flags/env and pass it down.
type Config struct {
	// Sharding / ingest.
	Shards         int
	IngestThreads  int
	BatchSize      int

	// Output.
	OutDir         string
	DatasourceTag  string

	// Per-protocol enable flags.
	TCPEnabled  bool
	UDPEnabled  bool
	ICMPEnabled bool

	// Reactive tuning knobs (spec.md §4.2).
	KSyn  int
	KRst  int
	KUDP  int
	KICMP int

	DeltaRst time.Duration

	// UDP reply synthesis.
	UDPReflect        bool
	UDPDefaultPayload []byte
	UDPServicePayload map[uint16][]byte

	// Reply buffer (C6).
	ReserveSize    int
	WriteThreshold int

	// Scamper daemon endpoints, per protocol, e.g. "tcp:host:31337" or "unix:/path".
	ScamperEndpoints map[packetProto]string

	// Prober manager timers.
	RetryTimeout time.Duration
	DropTimeout  time.Duration

	// Admission rate limit on submissions to the driver; 0 disables.
	ProbeRateLimit float64

	// Source-address filter: if non-empty, only these addresses are dispatched.
	SourceFilter map[string]struct{}

	// classify.Classifier backing store; "" disables scanner-like classification.
	ScannerDBPath string

	// Diagnostics HTTP server (metrics + healthz); "" disables it.
	StatsAddr string

	// LogCompress enables brotli-compressing rotated log files in the background.
	LogCompress bool
}

type packetProto string

const (
	ProtoTCP  packetProto = "tcp"
	ProtoUDP  packetProto = "udp"
	ProtoICMP packetProto = "icmp"
)

// Load reads a Config from the environment, applying the same defaults a
// freshly-started reactor would use in production.
func Load() *Config {
	c := &Config{
		Shards:            getEnvInt("SPOKI_SHARDS", 8),
		IngestThreads:     getEnvInt("SPOKI_INGEST_THREADS", 4),
		BatchSize:         getEnvInt("SPOKI_BATCH_SIZE", 256),
		OutDir:            getEnv("SPOKI_OUT_DIR", "./log"),
		DatasourceTag:     getEnv("SPOKI_DATASOURCE_TAG", "darknet"),
		TCPEnabled:        getEnvBool("SPOKI_TCP_ENABLED", true),
		UDPEnabled:        getEnvBool("SPOKI_UDP_ENABLED", true),
		ICMPEnabled:       getEnvBool("SPOKI_ICMP_ENABLED", true),
		KSyn:              getEnvInt("SPOKI_K_SYN", 1),
		KRst:              getEnvInt("SPOKI_K_RST", 1),
		KUDP:              getEnvInt("SPOKI_K_UDP", 1),
		KICMP:             getEnvInt("SPOKI_K_ICMP", 1),
		DeltaRst:          getEnvDuration("SPOKI_DELTA_RST", 30*time.Millisecond),
		UDPReflect:        getEnvBool("SPOKI_UDP_REFLECT", true),
		ReserveSize:       getEnvInt("SPOKI_BUFFER_RESERVE_SIZE", 64*1024),
		WriteThreshold:    getEnvInt("SPOKI_WRITE_THRESHOLD", 256*1024),
		RetryTimeout:      getEnvDuration("SPOKI_RETRY_TIMEOUT", 5*time.Second),
		DropTimeout:       getEnvDuration("SPOKI_DROP_TIMEOUT", 30*time.Second),
		ProbeRateLimit:    getEnvFloat("SPOKI_PROBE_RATE_LIMIT", 0),
		ScannerDBPath:     os.Getenv("SPOKI_SCANNER_DB"),
		StatsAddr:         getEnv("SPOKI_STATS_ADDR", ":9643"),
		LogCompress:       getEnvBool("SPOKI_LOG_COMPRESS", true),
		ScamperEndpoints:  map[packetProto]string{},
		UDPServicePayload: map[uint16][]byte{},
		SourceFilter:      map[string]struct{}{},
	}
	if c.Shards <= 0 {
		c.Shards = 8
	}
	if c.IngestThreads <= 0 {
		c.IngestThreads = 4
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 256
	}
	if v := os.Getenv("SPOKI_SCAMPER_TCP"); v != "" {
		c.ScamperEndpoints[ProtoTCP] = v
	}
	if v := os.Getenv("SPOKI_SCAMPER_UDP"); v != "" {
		c.ScamperEndpoints[ProtoUDP] = v
	}
	if v := os.Getenv("SPOKI_SCAMPER_ICMP"); v != "" {
		c.ScamperEndpoints[ProtoICMP] = v
	}
	if v := os.Getenv("SPOKI_UDP_DEFAULT_PAYLOAD_HEX"); v != "" {
		if b, err := hexDecode(v); err == nil {
			c.UDPDefaultPayload = b
		}
	} else {
		c.UDPDefaultPayload = []byte{0x00}
	}
	if v := os.Getenv("SPOKI_SOURCE_FILTER"); v != "" {
		for _, a := range strings.Split(v, ",") {
			a = strings.TrimSpace(a)
			if a != "" {
				c.SourceFilter[a] = struct{}{}
			}
		}
	}
	return c
}

// Validate checks the fatal-at-startup preconditions spec.md §6/§7
// describes (unreachable daemon, unwritable directory are checked by the
// callers that actually dial/open; Validate only catches structural
// config errors).
func (c *Config) Validate() error {
	if c.Shards <= 0 {
		return fmt.Errorf("config: shards must be > 0")
	}
	if c.OutDir == "" {
		return fmt.Errorf("config: out_dir required")
	}
	if c.WriteThreshold <= 0 {
		return fmt.Errorf("config: write_threshold must be > 0")
	}
	return nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		return v == "1" || strings.EqualFold(v, "true") || strings.EqualFold(v, "yes")
	}
	return defaultVal
}

func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func hexDecode(s string) ([]byte, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if len(s)%2 != 0 {
		s = "0" + s
	}
	out := make([]byte, len(s)/2)
	for i := 0; i < len(out); i++ {
		var b byte
		if _, err := fmt.Sscanf(s[i*2:i*2+2], "%02x", &b); err != nil {
			return nil, err
		}
		out[i] = b
	}
	return out, nil
}
