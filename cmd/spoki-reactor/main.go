// Command spoki-reactor runs the reactive darknet packet telescope: it
// dispatches observed packets to shards, which mint correlated probe
// requests against one or more Scamper daemons and log every observed
// packet plus every decoded reply to hour-bucketed CSV files.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/inetrg/spoki-reactor/internal/classify"
	"github.com/inetrg/spoki-reactor/internal/config"
	"github.com/inetrg/spoki-reactor/internal/dispatch"
	"github.com/inetrg/spoki-reactor/internal/logcsv"
	"github.com/inetrg/spoki-reactor/internal/metrics"
	"github.com/inetrg/spoki-reactor/internal/replybuf"
	"github.com/inetrg/spoki-reactor/internal/scamper"
	"github.com/inetrg/spoki-reactor/internal/shard"
	"github.com/inetrg/spoki-reactor/internal/supervisor"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "spoki-reactor: %v\n", err)
		os.Exit(1)
	}

	classifier, err := classify.Load(cfg.ScannerDBPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoki-reactor: scanner db: %v\n", err)
		os.Exit(1)
	}

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.StatsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(reg))
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("ok\n"))
		})
		srv := &http.Server{Addr: cfg.StatsAddr, Handler: mux}
		go func() {
			log.Printf("spoki-reactor: stats server listening on %s", cfg.StatsAddr)
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Printf("spoki-reactor: stats server: %v", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	probers, err := dialProbers(ctx, cfg, m)
	if err != nil {
		fmt.Fprintf(os.Stderr, "spoki-reactor: %v\n", err)
		os.Exit(1)
	}

	dispatcher := dispatch.New(cfg.Shards, m)
	if filter, err := parseSourceFilter(cfg.SourceFilter); err != nil {
		fmt.Fprintf(os.Stderr, "spoki-reactor: source filter: %v\n", err)
		os.Exit(1)
	} else {
		dispatcher.SetFilter(filter)
	}
	sup := supervisor.New(dispatcher)

	shards := make([]*shard.Shard, cfg.Shards)
	shardCfg := shard.Config{
		TCPEnabled:        cfg.TCPEnabled,
		UDPEnabled:        cfg.UDPEnabled,
		ICMPEnabled:       cfg.ICMPEnabled,
		KSyn:              cfg.KSyn,
		KRst:              cfg.KRst,
		KUDP:              cfg.KUDP,
		KICMP:             cfg.KICMP,
		DeltaRst:          cfg.DeltaRst,
		UDPReflect:        cfg.UDPReflect,
		UDPDefaultPayload: cfg.UDPDefaultPayload,
		UDPServicePayload: cfg.UDPServicePayload,
	}

	var proberUnits []supervisor.ProberUnit
	for proto, p := range probers {
		proberUnits = append(proberUnits, supervisor.ProberUnit{
			Name:       proto,
			Done:       p.driver.Done(),
			Dependents: allShardIndices(cfg.Shards),
		})
		go p.manager.Sweep(ctx, p.driver.QueueDepth)
	}
	sup.Watch(ctx, proberUnits)

	for i := 0; i < cfg.Shards; i++ {
		component := fmt.Sprintf("shard%d", i)
		writer := logcsv.New(cfg.OutDir, cfg.DatasourceTag, "raw", component, logcsv.RawEventHeader, cfg.LogCompress)
		writer.SetMetrics(m, component)
		buf := replybuf.New(replybuf.NewWriterSink(writer), cfg.ReserveSize, cfg.WriteThreshold)

		s := shard.New(uint8(i), shardCfg, classifier,
			proberManager(probers, "tcp"), proberManager(probers, "udp"), proberManager(probers, "icmp"),
			buf)
		shards[i] = s
		dispatcher.Register(i, s)
		sup.RegisterShard(supervisor.ShardUnit{Index: i, Stop: s.Stop})
		go s.Run()
	}

	log.Printf("spoki-reactor: %d shard(s) running, out_dir=%s", cfg.Shards, cfg.OutDir)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Printf("spoki-reactor: received %s, shutting down", sig)
	case <-ctx.Done():
	}

	cancel()
	for _, s := range shards {
		s.Stop()
	}
	for _, p := range probers {
		p.driver.Close()
	}
}

// proberEntry bundles a protocol's driver and manager; the manager is
// what a shard's Prober field actually points at.
type proberEntry struct {
	driver  *scamper.Driver
	manager *scamper.Manager
}

func proberManager(probers map[string]proberEntry, proto string) shard.Prober {
	p, ok := probers[proto]
	if !ok {
		return nil
	}
	return p.manager
}

func allShardIndices(n int) []int {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	return idx
}

// dialProbers connects one Scamper driver and manager per configured
// protocol endpoint. An endpoint string is "tcp:host:port" or
// "unix:/path/to/socket" (spec.md §6).
func dialProbers(ctx context.Context, cfg *config.Config, m *metrics.Metrics) (map[string]proberEntry, error) {
	probers := make(map[string]proberEntry)
	endpoints := map[string]string{
		"tcp":  cfg.ScamperEndpoints[config.ProtoTCP],
		"udp":  cfg.ScamperEndpoints[config.ProtoUDP],
		"icmp": cfg.ScamperEndpoints[config.ProtoICMP],
	}
	for proto, endpoint := range endpoints {
		if endpoint == "" {
			continue
		}
		network, address, err := parseEndpoint(endpoint)
		if err != nil {
			return nil, fmt.Errorf("scamper endpoint %q: %w", endpoint, err)
		}

		writer := logcsv.New(cfg.OutDir, cfg.DatasourceTag, proto, "replies", logcsv.ReplyHeader, cfg.LogCompress)
		writer.SetMetrics(m, proto+"-replies")
		buf := replybuf.New(replybuf.NewWriterSink(writer), cfg.ReserveSize, cfg.WriteThreshold)
		manager := scamper.NewManager(proto, nil, cfg.ProbeRateLimit, cfg.RetryTimeout, cfg.DropTimeout, buf, m)

		driver, err := scamper.Dial(ctx, network, address, proto, manager, m)
		if err != nil {
			return nil, fmt.Errorf("dial scamper %s daemon at %s: %w", proto, endpoint, err)
		}
		manager.SetDriver(driver)
		probers[proto] = proberEntry{driver: driver, manager: manager}
	}
	return probers, nil
}

// parseSourceFilter turns the config's string-keyed allowlist into the
// netip.Addr-keyed set the Dispatcher actually matches against.
func parseSourceFilter(raw map[string]struct{}) (map[netip.Addr]struct{}, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	out := make(map[netip.Addr]struct{}, len(raw))
	for s := range raw {
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("bad source filter address %q: %w", s, err)
		}
		out[addr] = struct{}{}
	}
	return out, nil
}

func parseEndpoint(s string) (network, address string, err error) {
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("expected NETWORK:ADDRESS, got %q", s)
	}
	switch parts[0] {
	case "tcp":
		return "tcp", parts[1], nil
	case "unix":
		return "unix", parts[1], nil
	default:
		return "", "", fmt.Errorf("unsupported network %q", parts[0])
	}
}
