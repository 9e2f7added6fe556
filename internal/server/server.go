// Package server wires every subsystem into one process: identity,
// storage, cluster membership, the rendezvous engine, pairing,
// signaling, the client endpoint, and the bootstrap directory client,
// all behind a single HTTP listener.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/Hamza-Labs-Core/zajel-sub017/internal/bootstrap"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/client"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/cluster"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/config"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/identity"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/metrics"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/pairing"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/rendezvous"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/signaling"
	"github.com/Hamza-Labs-Core/zajel-sub017/internal/store"
)

// antiEntropyInterval is how often one random alive peer receives a
// push of the rendezvous entries it co-owns.
const antiEntropyInterval = time.Minute

// shutdownGrace bounds the drain of in-flight HTTP requests and the
// directory deregistration.
const shutdownGrace = 5 * time.Second

// Server owns the full subsystem graph and its lifecycle.
type Server struct {
	cfg     *config.Config
	id      *identity.Identity
	clock   clockwork.Clock
	log     zerolog.Logger
	metrics *metrics.Metrics

	st        store.Store
	ring      *cluster.Ring
	table     *cluster.Table
	transport *cluster.Transport
	gossip    *cluster.Engine
	rv        *rendezvous.Engine
	pairs     *pairing.Registry
	clients   *client.Handler
	directory *bootstrap.Client

	router  *gin.Engine
	started time.Time
}

// New loads the identity, opens the store, and builds every subsystem.
// Nothing starts running until Run.
func New(cfg *config.Config, clock clockwork.Clock, log zerolog.Logger) (*Server, error) {
	id, err := identity.LoadOrCreate(cfg.Identity.KeyPath, cfg.Identity.EphemeralIDPrefix)
	if err != nil {
		return nil, fmt.Errorf("load identity: %w", err)
	}

	var st store.Store
	switch cfg.Storage.Type {
	case "leveldb":
		st, err = store.OpenLevelDB(cfg.Storage.Path)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
	default:
		st = store.NewMemory()
	}

	s := &Server{
		cfg:     cfg,
		id:      id,
		clock:   clock,
		log:     log.With().Str("component", "server").Logger(),
		metrics: metrics.New(),
		st:      st,
		started: clock.Now(),
	}

	s.ring = cluster.NewRing(cfg.DHT.VirtualNodes)
	s.table = cluster.NewTable(id.ServerID, s.ring)
	s.transport = cluster.NewTransport(id, cfg.Endpoint(), cfg.Network.Region, cfg.Gossip, s.metrics, log)
	s.gossip = cluster.NewEngine(id, cfg.Gossip, s.table, s.transport, s.transport.Connect, s.metrics, clock, log)
	s.transport.Attach(s.gossip, s.table.Get)

	s.rv = rendezvous.NewEngine(id.ServerID, rendezvous.Config{
		ReplicationFactor: cfg.DHT.ReplicationFactor,
		WriteQuorum:       cfg.DHT.WriteQuorum,
		ReadQuorum:        cfg.DHT.ReadQuorum,
		RPCTimeout:        cfg.Gossip.RPCTimeout,
		DailyPointTTL:     cfg.Cleanup.DailyPointTTL,
		HourlyTokenTTL:    cfg.Cleanup.HourlyTokenTTL,
	}, s.ring, st, s.transport, s.gossip, s.metrics, clock, log)

	s.pairs = pairing.NewRegistry(id.ServerID, cfg.Endpoint(), cfg.Client,
		cfg.DHT.ReplicationFactor, cfg.Gossip.RPCTimeout,
		s.ring, s.transport, s.gossip, s.metrics, clock, log)

	relay := signaling.NewRelay(s.pairs, log)
	s.clients = client.NewHandler(cfg.Client, id, s.pairs, relay, s.rv, s.metrics, clock, log)

	s.directory = bootstrap.New(bootstrap.Config{
		ServerURL:         cfg.Bootstrap.ServerURL,
		HeartbeatInterval: cfg.Bootstrap.HeartbeatInterval,
		RetryInterval:     cfg.Bootstrap.RetryInterval,
		RequestTimeout:    cfg.Bootstrap.RequestTimeout,
	}, bootstrap.Registration{
		ServerID:  id.ServerID,
		Endpoint:  cfg.Endpoint(),
		PublicKey: identity.EncodeKey(id.PublicKey),
		Region:    cfg.Network.Region,
	}, s.seedPeers, clock, log)

	s.router = s.buildRouter(log)
	return s, nil
}

// buildRouter assembles the single HTTP surface: client and cluster
// WebSocket upgrades plus the admin endpoints.
func (s *Server) buildRouter(log zerolog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(accessLog(log.With().Str("component", "http").Logger()), gin.Recovery())

	r.GET("/ws", gin.WrapH(s.clients))
	r.GET(cluster.ClusterPath, gin.WrapH(s.transport))
	r.GET("/metrics", gin.WrapH(s.metrics.Handler()))
	r.GET("/health", s.handleHealth)
	r.GET("/stats", s.handleStats)
	return r
}

// accessLog records finished requests at debug so WebSocket upgrades and
// admin probes stay out of production logs by default.
func accessLog(log zerolog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	}
}

// Run binds the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	l, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.ListenAddr(), err)
	}
	return s.Serve(ctx, l)
}

// Serve starts every subsystem on the given listener and blocks until
// ctx is cancelled and shutdown completes.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	s.started = s.clock.Now()
	s.restoreMembers()

	now := s.clock.Now()
	s.table.Apply(cluster.Member{
		ServerID:    s.id.ServerID,
		NodeID:      s.id.NodeID,
		Endpoint:    s.cfg.Endpoint(),
		PublicKey:   identity.EncodeKey(s.id.PublicKey),
		Status:      cluster.StatusAlive,
		Incarnation: s.gossip.Incarnation(),
	}, now)

	s.gossip.Start()
	s.log.Info().
		Str("serverId", s.id.ServerID).
		Str("nodeId", s.id.NodeID).
		Str("addr", l.Addr().String()).
		Str("endpoint", s.cfg.Endpoint()).
		Msg("server starting")

	httpSrv := &http.Server{Handler: s.router}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := httpSrv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		s.directory.Run(ctx)
		return nil
	})
	g.Go(func() error {
		s.maintain(ctx)
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		s.shutdown(httpSrv)
		return nil
	})
	return g.Wait()
}

// shutdown drains in order: stop accepting clients, tell the directory
// we are leaving, persist membership, then tear down cluster links.
func (s *Server) shutdown(httpSrv *http.Server) {
	s.log.Info().Msg("server shutting down")
	grace, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()

	s.clients.Shutdown()
	s.directory.Deregister(grace)
	if err := s.st.SaveMembers(s.table.Records()); err != nil {
		s.log.Warn().Err(err).Msg("membership snapshot failed")
	}
	s.gossip.Stop()
	s.transport.Close()
	if err := httpSrv.Shutdown(grace); err != nil {
		s.log.Warn().Err(err).Msg("http shutdown incomplete")
	}
	if err := s.st.Close(); err != nil {
		s.log.Warn().Err(err).Msg("store close failed")
	}
}

// restoreMembers reloads the persisted membership snapshot as extra
// gossip seeds and recovers our own incarnation so post-restart
// refutations supersede anything still circulating about us.
func (s *Server) restoreMembers() {
	recs := s.st.LoadMembers()
	if len(recs) == 0 {
		return
	}
	members := make([]cluster.Member, 0, len(recs))
	for _, r := range recs {
		if r.ServerID == s.id.ServerID {
			s.gossip.SetIncarnation(r.Incarnation + 1)
			continue
		}
		members = append(members, cluster.Member{
			ServerID:    r.ServerID,
			NodeID:      r.NodeID,
			Endpoint:    r.Endpoint,
			PublicKey:   r.PublicKey,
			Status:      cluster.MemberStatus(r.Status),
			Incarnation: r.Incarnation,
			LastSeen:    r.LastSeen,
		})
	}
	s.gossip.Seed(members)
	s.log.Info().Int("members", len(members)).Msg("membership snapshot restored")
}

// seedPeers feeds directory discoveries into gossip.
func (s *Server) seedPeers(peers []bootstrap.Peer) {
	members := make([]cluster.Member, 0, len(peers))
	for _, p := range peers {
		members = append(members, cluster.Member{
			ServerID:  p.ServerID,
			Endpoint:  p.Endpoint,
			PublicKey: p.PublicKey,
			Status:    cluster.StatusAlive,
			Metadata:  map[string]string{"region": p.Region},
		})
	}
	s.gossip.Seed(members)
}

// maintain runs the periodic housekeeping: expiry sweeps, membership
// snapshots, membership gauges, and rendezvous anti-entropy.
func (s *Server) maintain(ctx context.Context) {
	sweep := s.clock.NewTicker(s.cfg.Cleanup.Interval)
	defer sweep.Stop()
	sync := s.clock.NewTicker(antiEntropyInterval)
	defer sync.Stop()

	for {
		select {
		case <-sweep.Chan():
			s.sweep()
		case <-sync.Chan():
			s.antiEntropy(ctx)
		case <-ctx.Done():
			return
		}
	}
}

// sweep removes expired rendezvous entries and refreshes the durable
// membership snapshot.
func (s *Server) sweep() {
	now := s.clock.Now()
	daily, err := s.st.DeleteExpiredDailyPoints(now)
	if err != nil {
		s.log.Warn().Err(err).Msg("daily-point sweep failed")
	}
	hourly, err := s.st.DeleteExpiredHourlyTokens(now)
	if err != nil {
		s.log.Warn().Err(err).Msg("hourly-token sweep failed")
	}
	s.metrics.EntriesSweptDaily.Add(float64(daily))
	s.metrics.EntriesSweptHourly.Add(float64(hourly))
	if daily+hourly > 0 {
		s.log.Debug().Int("daily", daily).Int("hourly", hourly).Msg("expired entries swept")
	}

	if err := s.st.SaveMembers(s.table.Records()); err != nil {
		s.log.Warn().Err(err).Msg("membership snapshot failed")
	}
	for status, count := range s.table.CountByStatus() {
		s.metrics.MembershipState.WithLabelValues(string(status)).Set(float64(count))
	}
}

// antiEntropy pushes co-owned rendezvous entries to one random alive
// peer, repairing holes left by quorum shortfalls.
func (s *Server) antiEntropy(ctx context.Context) {
	targets := s.table.RandomAlive(1)
	if len(targets) == 0 {
		return
	}
	t := targets[0]
	if !s.transport.Connected(t.ServerID) {
		return
	}
	syncCtx, cancel := context.WithTimeout(ctx, s.cfg.Gossip.RPCTimeout)
	defer cancel()
	s.rv.SyncTo(syncCtx, cluster.RingNode{
		ServerID: t.ServerID,
		NodeID:   t.NodeID,
		Endpoint: t.Endpoint,
		Status:   t.Status,
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":   "ok",
		"serverId": s.id.ServerID,
		"uptime":   int(s.clock.Since(s.started).Seconds()),
	})
}

func (s *Server) handleStats(c *gin.Context) {
	byStatus := make(map[string]int)
	for status, count := range s.table.CountByStatus() {
		byStatus[string(status)] = count
	}
	c.JSON(http.StatusOK, gin.H{
		"serverId":      s.id.ServerID,
		"nodeId":        s.id.NodeID,
		"endpoint":      s.cfg.Endpoint(),
		"region":        s.cfg.Network.Region,
		"uptimeSeconds": int(s.clock.Since(s.started).Seconds()),
		"clients": gin.H{
			"connected": s.clients.ConnCount(),
		},
		"cluster": gin.H{
			"membersByStatus": byStatus,
			"ringNodes":       s.ring.Size(),
			"connectedPeers":  len(s.transport.Peers()),
		},
		"rendezvous": gin.H{
			"dailyPoints":  len(s.st.AllDailyPoints()),
			"hourlyTokens": len(s.st.AllHourlyTokens()),
		},
	})
}
