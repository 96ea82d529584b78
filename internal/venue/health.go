/*
This file contains the gRPC health prober. Venue adapter sidecars expose the
standard gRPC health service next to their REST API; the prober freezes a
venue in the registry when its sidecar stops answering and thaws it when it
recovers. The detector and executor then route around frozen venues.
*/

package venue

import (
	"context"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/stratafi/allocator/internal/logger"
	"github.com/stratafi/allocator/internal/types"
)

var healthLogger = logger.GetForComponent("venue_health")

const probeTimeout = 5 * time.Second

// HealthProber polls venue sidecars and maintains the frozen flag in the
// registry. A venue frozen manually by an operator is left alone.
type HealthProber struct {
	registry *Registry
	interval time.Duration

	mu          sync.Mutex
	conns       map[types.VenueID]*grpc.ClientConn
	healthAddrs map[types.VenueID]string
	frozenByUs  map[types.VenueID]bool
}

// NewHealthProber creates a prober over the registry. healthAddrs maps venue
// ids to their gRPC health endpoints; venues without an entry are not probed.
func NewHealthProber(registry *Registry, healthAddrs map[types.VenueID]string, interval time.Duration) *HealthProber {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HealthProber{
		registry:    registry,
		interval:    interval,
		conns:       make(map[types.VenueID]*grpc.ClientConn),
		healthAddrs: healthAddrs,
		frozenByUs:  make(map[types.VenueID]bool),
	}
}

// Run probes all configured venues until the context is cancelled.
func (p *HealthProber) Run(ctx context.Context) {
	healthLogger.Info().
		Dur("interval", p.interval).
		Int("venues", len(p.healthAddrs)).
		Msg("Starting venue health prober")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.closeAll()

	p.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			healthLogger.Info().Msg("Venue health prober stopped")
			return
		case <-ticker.C:
			p.probeAll(ctx)
		}
	}
}

func (p *HealthProber) probeAll(ctx context.Context) {
	for id, addr := range p.healthAddrs {
		healthy := p.probe(ctx, id, addr)
		p.apply(id, healthy)
	}
}

// probe runs one health check round-trip against the venue sidecar.
func (p *HealthProber) probe(ctx context.Context, id types.VenueID, addr string) bool {
	conn, err := p.conn(id, addr)
	if err != nil {
		healthLogger.Warn().Err(err).Str("venue", string(id)).Msg("Failed to connect to venue health endpoint")
		return false
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(probeCtx, &healthpb.HealthCheckRequest{})
	if err != nil {
		healthLogger.Warn().Err(err).Str("venue", string(id)).Msg("Venue health check failed")
		return false
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
}

// apply freezes an unhealthy venue and thaws it on recovery, but only if the
// freeze was ours. Operator-initiated freezes are never overridden.
func (p *HealthProber) apply(id types.VenueID, healthy bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	frozen := p.registry.IsFrozen(id)
	switch {
	case !healthy && !frozen:
		if err := p.registry.SetFrozen(id, true); err == nil {
			p.frozenByUs[id] = true
			healthLogger.Error().Str("venue", string(id)).Msg("Venue unhealthy, freezing")
		}
	case healthy && frozen && p.frozenByUs[id]:
		if err := p.registry.SetFrozen(id, false); err == nil {
			delete(p.frozenByUs, id)
			healthLogger.Info().Str("venue", string(id)).Msg("Venue recovered, thawing")
		}
	}
}

func (p *HealthProber) conn(id types.VenueID, addr string) (*grpc.ClientConn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if conn, ok := p.conns[id]; ok {
		return conn, nil
	}
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	p.conns[id] = conn
	return conn, nil
}

func (p *HealthProber) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, conn := range p.conns {
		if err := conn.Close(); err != nil {
			healthLogger.Error().Err(err).Str("venue", string(id)).Msg("Error closing health connection")
		}
	}
	p.conns = make(map[types.VenueID]*grpc.ClientConn)
}
