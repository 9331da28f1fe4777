// Package supervisor implements the collector lifecycle (C8): it wires a
// verified registry.Registry to concrete listeners, decoders and sources,
// runs one consumer loop per probe feeding a Packer, and tears everything
// down in dependency order on Stop.
//
// Grounded on the teacher's cmd/telemetry-agent/main.go TelemetryAgent:
// the same construct-then-Start()-then-signal-wait-then-Stop() shape,
// generalized from two hardcoded collectors (netflow, sflow) to an
// arbitrary set of probes read from the registry, and from a single
// database writer to a pluggable Packer.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/netweaver/flowcollector/pkg/classify"
	"github.com/netweaver/flowcollector/pkg/httpstatus"
	"github.com/netweaver/flowcollector/pkg/ipfixadapter"
	"github.com/netweaver/flowcollector/pkg/listener"
	"github.com/netweaver/flowcollector/pkg/netflow5"
	"github.com/netweaver/flowcollector/pkg/packer"
	"github.com/netweaver/flowcollector/pkg/registry"
	"github.com/netweaver/flowcollector/pkg/settings"
	"github.com/netweaver/flowcollector/pkg/source"
	"github.com/netweaver/flowcollector/pkg/stats"
)

// pollInterval is how often a poll-directory probe checks for new files.
const pollInterval = 2 * time.Second

// fileAddr is a net.Addr stand-in for a probe fed from a file rather than
// a socket, so source.Source.Ingest's peer-oriented bookkeeping (LastPeer,
// accept-from-host) still has something to report.
type fileAddr string

func (a fileAddr) Network() string { return "file" }
func (a fileAddr) String() string  { return string(a) }

type probeSource struct {
	probeID registry.ProbeID
	name    string
	src     *source.Source
}

type boundBase struct {
	base    *listener.Base
	network string
	address string
}

// Supervisor owns every running probe's source, listener and consumer
// goroutine for one verified registry, plus the shared status surface.
type Supervisor struct {
	reg      *registry.Registry
	settings settings.Settings
	logger   *zap.Logger

	classifier *classify.Classifier
	packer     packer.Packer
	listeners  *listener.Registry
	statsReg   *stats.Registry
	status     *httpstatus.Server

	mu            sync.Mutex
	sources       []probeSource
	bases         []boundBase
	runningBases  map[*listener.Base]bool
	pollStops     []chan struct{}

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Supervisor for a verified registry, delivering classified
// records to pk. logger must be non-nil.
func New(reg *registry.Registry, set settings.Settings, pk packer.Packer, logger *zap.Logger) (*Supervisor, error) {
	if !reg.Verified() {
		return nil, fmt.Errorf("supervisor: registry must be verified before Start")
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		reg:          reg,
		settings:     set,
		logger:       logger,
		classifier:   classify.New(reg),
		packer:       pk,
		listeners:    listener.NewRegistry(logger),
		statsReg:     stats.NewRegistry(),
		runningBases: make(map[*listener.Base]bool),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Start builds and launches every probe's source and, if monitoring is
// enabled, the status HTTP surface. A probe that fails to start (e.g. an
// unbindable address, or a protocol with no available decoder) is logged
// and skipped rather than aborting the whole collector, matching the
// teacher's per-collector Enabled flag: one bad collector should not take
// down the others.
func (sup *Supervisor) Start() error {
	for _, probe := range sup.reg.Probes() {
		if err := sup.startProbe(probe); err != nil {
			sup.logger.Error("supervisor: failed to start probe",
				zap.String("probe", probe.Name), zap.Error(err))
		}
	}

	if sup.settings.Monitoring.Enabled {
		provider := stats.NewProvider(sup.statsReg)
		sup.status = httpstatus.NewServer(fmt.Sprintf(":%d", sup.settings.Monitoring.HTTPPort), provider)
		errCh := sup.status.Start()
		sup.wg.Add(1)
		go func() {
			defer sup.wg.Done()
			if err := <-errCh; err != nil {
				sup.logger.Error("supervisor: status server exited", zap.Error(err))
			}
		}()
		sup.logger.Info("supervisor: status surface listening", zap.Int("port", sup.settings.Monitoring.HTTPPort))
	}

	return nil
}

func (sup *Supervisor) startProbe(probe registry.Probe) error {
	decoder, err := sup.buildDecoder(probe)
	if err != nil {
		return err
	}

	counters := sup.statsReg.ForSource(probe.Name)
	acceptFrom := resolveAcceptFrom(probe.AcceptFromHost, sup.logger)

	perf := sup.settings.Performance
	src, err := source.New(probe.Name, perf.RingItemSize, perf.RingItemCount, decoder, counters, acceptFrom, sup.logger)
	if err != nil {
		return fmt.Errorf("build source: %w", err)
	}

	switch {
	case probe.ListenPort != "" || probe.ListenUnixPath != "":
		if err := sup.attachListener(probe, src); err != nil {
			return fmt.Errorf("attach listener: %w", err)
		}
	case probe.ReadFromFile != "":
		sup.attachFileReplay(probe, src)
	case probe.PollDirectory != "":
		sup.attachPollDirectory(probe, src)
	default:
		return fmt.Errorf("probe has no recognized collection source")
	}

	sup.mu.Lock()
	sup.sources = append(sup.sources, probeSource{probeID: probe.ID, name: probe.Name, src: src})
	sup.mu.Unlock()

	sup.wg.Add(1)
	go sup.consume(probe.ID, probe.Name, src)

	sup.logger.Info("supervisor: probe started",
		zap.String("probe", probe.Name), zap.String("type", probe.Type.String()))
	return nil
}

// buildDecoder selects the wire decoder for probe.Type. NetFlow v9 and
// IPFIX share goflow2's template-directed decode (pkg/ipfixadapter); each
// probe gets its own TemplateDecoder since template namespaces are never
// meant to cross unrelated probes even if two probes happen to share an
// exporter address.
func (sup *Supervisor) buildDecoder(probe registry.Probe) (source.Decoder, error) {
	switch probe.Type {
	case registry.ProbeNetFlowV5:
		seq := sup.settings.Sequencing
		return netflow5.NewDecoderWithThresholds(sup.logger, seq.LateArrivalThresholdMs, seq.WrapThresholdMs), nil
	case registry.ProbeNetFlowV9, registry.ProbeIPFIX:
		return ipfixadapter.NewTemplateDecoder(sup.logger), nil
	case registry.ProbeSFlow:
		return ipfixadapter.SFlowDecoder{}, nil
	default:
		return nil, fmt.Errorf("no decoder available for probe type %s", probe.Type)
	}
}

// attachListener binds (or reuses) the Base for probe's listen address and
// wires src's Ingest as either a per-peer handler, for every resolved
// accept-from-host address, or the Base's fallback handler when the probe
// accepts any peer.
func (sup *Supervisor) attachListener(probe registry.Probe, src *source.Source) error {
	network := "udp"
	address := net.JoinHostPort(probe.ListenHost, probe.ListenPort)
	if probe.ListenUnixPath != "" {
		network = "unixgram"
		address = probe.ListenUnixPath
	}

	base, err := sup.listeners.Acquire(network, address, sup.settings.Performance.UDPBufferSize)
	if err != nil {
		return err
	}

	sup.mu.Lock()
	firstUse := !sup.runningBases[base]
	sup.runningBases[base] = true
	sup.bases = append(sup.bases, boundBase{base: base, network: network, address: address})
	sup.mu.Unlock()

	if len(probe.AcceptFromHost) > 0 {
		for _, ip := range resolveAcceptFrom(probe.AcceptFromHost, sup.logger) {
			base.RegisterPeer(listener.PeerKey(ip.String()), src.Ingest)
		}
	} else {
		base.SetFallback(src.Ingest)
	}

	if firstUse {
		sup.wg.Add(1)
		go func() {
			defer sup.wg.Done()
			base.Run(sup.ctx)
		}()
	}
	return nil
}

// attachFileReplay ingests a probe's read-from-file payload once, as a
// single packet, for replaying a captured export against the decoder.
func (sup *Supervisor) attachFileReplay(probe registry.Probe, src *source.Source) {
	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		data, err := os.ReadFile(probe.ReadFromFile)
		if err != nil {
			sup.logger.Error("supervisor: read-from-file failed",
				zap.String("probe", probe.Name), zap.String("path", probe.ReadFromFile), zap.Error(err))
			return
		}
		src.Ingest(data, fileAddr(probe.ReadFromFile), time.Now())
	}()
}

// attachPollDirectory watches probe.PollDirectory for new files, ingesting
// each one once as a single packet.
func (sup *Supervisor) attachPollDirectory(probe registry.Probe, src *source.Source) {
	stop := make(chan struct{})
	sup.mu.Lock()
	sup.pollStops = append(sup.pollStops, stop)
	sup.mu.Unlock()

	sup.wg.Add(1)
	go func() {
		defer sup.wg.Done()
		seen := make(map[string]bool)
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-stop:
				return
			case <-sup.ctx.Done():
				return
			case <-ticker.C:
				sup.pollOnce(probe, src, seen)
			}
		}
	}()
}

func (sup *Supervisor) pollOnce(probe registry.Probe, src *source.Source, seen map[string]bool) {
	entries, err := os.ReadDir(probe.PollDirectory)
	if err != nil {
		sup.logger.Warn("supervisor: poll-directory read failed",
			zap.String("probe", probe.Name), zap.Error(err))
		return
	}
	for _, e := range entries {
		if e.IsDir() || seen[e.Name()] {
			continue
		}
		seen[e.Name()] = true
		full := filepath.Join(probe.PollDirectory, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			sup.logger.Warn("supervisor: poll-directory file read failed",
				zap.String("path", full), zap.Error(err))
			continue
		}
		src.Ingest(data, fileAddr(full), time.Now())
	}
}

// consume pulls decoded records off src, classifies each against the
// registry's sensors, and hands every (record, sensor) match to the
// Packer as a batch. A record no sensor claims is counted as dropped.
func (sup *Supervisor) consume(probeID registry.ProbeID, probeName string, src *source.Source) {
	defer sup.wg.Done()
	counters := sup.statsReg.ForSource(probeName)

	for {
		records, err := src.NextRecords()
		if err != nil {
			if errors.Is(err, source.ErrStopped) {
				return
			}
			continue
		}
		if len(records) == 0 {
			continue
		}

		now := time.Now()
		exporterIP := hostOnly(counters.LastPeer.Load())

		batch := make([]packer.Classified, 0, len(records))
		for i := range records {
			rec := &records[i]
			classifications := sup.classifier.Classify(probeID, rec)
			if len(classifications) == 0 {
				counters.RecordsDropped.Inc()
				continue
			}
			for _, cl := range classifications {
				batch = append(batch, packer.Classified{
					Record:         rec,
					Classification: cl,
					SourceName:     probeName,
					ExporterIP:     exporterIP,
					ObservedAt:     now,
				})
			}
		}
		if len(batch) == 0 {
			continue
		}
		if err := sup.packer.Pack(sup.ctx, batch); err != nil {
			sup.logger.Error("supervisor: packer failed", zap.String("probe", probeName), zap.Error(err))
		}
	}
}

// Stop tears the collector down in dependency order: every source is
// stopped first so its consumer loop observes ErrStopped and returns,
// poll-directory loops and the status surface are signalled, then (once
// every goroutine has exited) each source's ring is destroyed, each
// listener Base is released (closing the socket once its last owner
// leaves), and finally the Packer — the last global collaborator left
// standing — is closed.
func (sup *Supervisor) Stop(ctx context.Context) error {
	sup.mu.Lock()
	sources := append([]probeSource(nil), sup.sources...)
	bases := append([]boundBase(nil), sup.bases...)
	pollStops := append([]chan struct{}(nil), sup.pollStops...)
	sup.mu.Unlock()

	for _, ps := range sources {
		ps.src.Stop()
	}
	for _, stop := range pollStops {
		close(stop)
	}
	sup.cancel()

	if sup.status != nil {
		if err := sup.status.Shutdown(ctx); err != nil {
			sup.logger.Warn("supervisor: status server shutdown error", zap.Error(err))
		}
	}

	sup.wg.Wait()

	for _, ps := range sources {
		ps.src.Destroy()
	}

	// One Release per attachListener Acquire, so a Base shared by several
	// probes closes once the last of them has released it.
	for _, b := range bases {
		sup.listeners.Release(b.network, b.address)
	}

	if err := sup.packer.Close(); err != nil {
		return fmt.Errorf("supervisor: packer close: %w", err)
	}
	return nil
}

// resolveAcceptFrom turns a probe's accept-from-host list into concrete
// IPs, resolving hostnames via DNS and logging (without failing startup)
// any host that cannot be resolved.
func resolveAcceptFrom(hosts []string, logger *zap.Logger) []net.IP {
	if len(hosts) == 0 {
		return nil
	}
	var out []net.IP
	for _, h := range hosts {
		if ip := net.ParseIP(h); ip != nil {
			out = append(out, ip)
			continue
		}
		addrs, err := net.LookupIP(h)
		if err != nil || len(addrs) == 0 {
			if logger != nil {
				logger.Warn("supervisor: could not resolve accept-from-host entry", zap.String("host", h), zap.Error(err))
			}
			continue
		}
		out = append(out, addrs...)
	}
	return out
}

func hostOnly(addr string) string {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return host
}
