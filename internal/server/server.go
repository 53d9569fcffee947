// Package server assembles the API service: detail lookup, aggregator,
// publish trigger, report stream, health and metrics.
package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/darkden-lab/quakewatch/internal/aggregator"
	"github.com/darkden-lab/quakewatch/internal/bus"
	"github.com/darkden-lab/quakewatch/internal/catalog"
	"github.com/darkden-lab/quakewatch/internal/config"
	"github.com/darkden-lab/quakewatch/internal/db"
	"github.com/darkden-lab/quakewatch/internal/httputil"
	"github.com/darkden-lab/quakewatch/internal/metrics"
	mw "github.com/darkden-lab/quakewatch/internal/middleware"
	"github.com/darkden-lab/quakewatch/internal/publisher"
	"github.com/darkden-lab/quakewatch/internal/quake"
	"github.com/darkden-lab/quakewatch/internal/subscriber"
	"github.com/darkden-lab/quakewatch/internal/ws"
)

// Server holds the API components.
type Server struct {
	cfg      *config.Config
	router   *mux.Router
	regions  []config.Region
	stats    *aggregator.Store
	catalog  catalog.Store
	hub      *ws.Hub
	metrics  *metrics.Metrics
	limiter  *mw.RateLimiter
	dial     bus.DialFunc
	broker   *bus.MemoryBroker
	conn     bus.Bus
	ready    chan struct{}
	database *db.DB
	wg       sync.WaitGroup

	// set once the publisher's bus connection is up
	publishHandlers atomic.Pointer[publisher.Handlers]
}

// New wires the service for cfg. With the memory bus backend a broker is
// created in process, and Start also runs one subscriber agent per roster
// region against it.
func New(ctx context.Context, cfg *config.Config) (*Server, error) {
	regions, err := cfg.Regions()
	if err != nil {
		return nil, err
	}
	s := &Server{
		cfg:     cfg,
		regions: regions,
		stats:   aggregator.NewStore(config.RegionNames(regions), cfg.SampleLimit),
		hub:     ws.NewHub(),
		metrics: metrics.New(),
		ready:   make(chan struct{}),
	}
	s.stats.OnReport(s.hub.Hook())
	s.stats.OnReport(func(region string, status aggregator.Status, _ aggregator.RegionStats, _ json.RawMessage) {
		s.metrics.ReportStored(region, string(status))
	})

	s.catalog, err = s.openCatalog(ctx)
	if err != nil {
		return nil, err
	}

	busCfg := cfg.Bus()
	if busCfg.Backend == bus.BackendMemory {
		s.broker = bus.NewMemoryBroker()
		busCfg.Memory = s.broker
	}
	s.dial, err = bus.NewDialer(busCfg)
	if err != nil {
		return nil, err
	}

	s.router = s.routes()
	return s, nil
}

// openCatalog uses Postgres when DATABASE_URL is set and reachable, and the
// in-memory store otherwise. Either way the built-in dataset is seeded.
func (s *Server) openCatalog(ctx context.Context) (catalog.Store, error) {
	var store catalog.Store = catalog.NewMemoryStore()
	if s.cfg.DatabaseURL != "" {
		database, err := db.New(ctx, s.cfg.DatabaseURL)
		if err != nil {
			log.Warn().Err(err).Msg("database connection failed, using in-memory catalog")
		} else {
			version, err := db.RunMigrations(s.cfg.DatabaseURL, s.cfg.MigrationsPath)
			if err != nil {
				database.Close()
				return nil, err
			}
			log.Info().Uint("schema_version", version).Msg("database ready")
			s.database = database
			store = catalog.NewPostgresStore(database.Pool)
		}
	}

	dataset, err := catalog.Dataset()
	if err != nil {
		return nil, err
	}
	added, err := catalog.SeedMissing(ctx, store, dataset)
	if err != nil {
		return nil, err
	}
	log.Info().Int("seeded", added).Int("dataset", len(dataset)).Msg("catalog ready")
	return store, nil
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	s.limiter = mw.NewRateLimiter(s.cfg.RateLimitRPS, s.cfg.RateLimitBurst, "/healthz", "/metrics")
	r.Use(mw.AccessLog("/healthz", "/metrics"))
	r.Use(s.limiter.Middleware())

	r.HandleFunc("/healthz", s.healthz).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)

	// registered before the catalog so /quakes/publish is not taken as an id
	r.HandleFunc("/quakes/publish", s.publish).Methods(http.MethodPost)
	catalog.NewHandlers(s.catalog).RegisterRoutes(r)
	aggregator.NewHandlers(s.stats).RegisterRoutes(r)
	ws.NewHandler(s.hub, s.cfg.AllowedOrigins).RegisterRoutes(r)
	return r
}

// Handler returns the HTTP handler of the service.
func (s *Server) Handler() http.Handler { return s.router }

// Stats returns the aggregator store.
func (s *Server) Stats() *aggregator.Store { return s.stats }

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"bus":       s.publishHandlers.Load() != nil,
		"regions":   len(s.regions),
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) publish(w http.ResponseWriter, r *http.Request) {
	h := s.publishHandlers.Load()
	if h == nil {
		httputil.WriteError(w, http.StatusServiceUnavailable, "bus not connected")
		return
	}
	h.Publish(w, r)
}

// Start runs the background parts of the service: the report stream, the
// local agents of the memory backend and the publisher's bus connection. It
// returns at once so HTTP is served while the broker is still unreachable;
// the publish trigger answers 503 until the connection is up, and for good
// when the connection attempts are exhausted.
func (s *Server) Start(ctx context.Context) {
	s.wg.Add(2)
	go func() {
		defer s.wg.Done()
		s.hub.Run(ctx)
	}()
	go func() {
		defer s.wg.Done()
		defer close(s.ready)
		s.connect(ctx)
	}()
}

// Ready is closed once the publisher's connection attempt has finished,
// successfully or not.
func (s *Server) Ready() <-chan struct{} { return s.ready }

func (s *Server) connect(ctx context.Context) {
	if s.cfg.BusBackend == bus.BackendMemory {
		if err := s.startLocalAgents(ctx); err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Msg("local agents failed to start")
			}
			return
		}
	}

	conn, err := bus.Connect(ctx, s.dial, s.cfg.RetryPolicy())
	if err != nil {
		if errors.Is(err, bus.ErrConnectionExhausted) {
			log.Error().Err(err).Msg("bus unavailable, publish trigger disabled")
		}
		return
	}
	s.conn = conn
	s.publishHandlers.Store(publisher.NewHandlers(publisher.New(conn, s.catalog, s.metrics)))
	log.Info().Str("backend", s.cfg.BusBackend).Msg("publisher connected")
}

// startLocalAgents runs one agent per roster region. They look quakes up in
// the catalog and report to the aggregator without going through HTTP.
func (s *Server) startLocalAgents(ctx context.Context) error {
	lookup := subscriber.LookupFunc(func(ctx context.Context, id string) (quake.Detail, error) {
		e, err := s.catalog.Get(ctx, id)
		if err != nil {
			return quake.Detail{}, errors.Join(subscriber.ErrLookupUnavailable, err)
		}
		return quake.Enrich(e), nil
	})
	reporter := subscriber.ReporterFunc(func(ctx context.Context, rep aggregator.Report) error {
		if _, _, err := s.stats.Report(rep.Region, rep.Status, rep.Quake); err != nil {
			return errors.Join(subscriber.ErrReportUnavailable, err)
		}
		return nil
	})

	// each agent signals once: when it starts consuming or when it gives up
	settled := make(chan struct{}, len(s.regions))
	for _, r := range s.regions {
		threshold := s.cfg.ThresholdKm
		if r.ThresholdKm > 0 {
			threshold = r.ThresholdKm
		}
		sub := subscriber.Subscription{Region: r.Name, Lat: r.Lat, Lon: r.Lon, ThresholdKm: threshold}

		var once sync.Once
		agent, err := subscriber.NewAgent(sub, s.dial, lookup, reporter,
			subscriber.WithRetryPolicy(s.cfg.RetryPolicy()),
			subscriber.WithMetrics(s.metrics),
			subscriber.WithStateHook(func(st subscriber.State) {
				if st == subscriber.StateConsuming {
					once.Do(func() { settled <- struct{}{} })
				}
			}),
		)
		if err != nil {
			return err
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer once.Do(func() { settled <- struct{}{} })
			if err := agent.Run(ctx); err != nil {
				log.Error().Err(err).Str("region", sub.Region).Msg("local agent stopped")
			}
		}()
	}

	// queues must be bound before the first publish or the fanout misses them
	for range s.regions {
		select {
		case <-settled:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	log.Info().Int("agents", len(s.regions)).Msg("local agents started")
	return nil
}

// Close releases the bus connection, the rate limiter and the database. The
// context given to Start must be cancelled first.
func (s *Server) Close() {
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.wg.Wait()
	if s.conn != nil {
		s.conn.Close() //nolint:errcheck
	}
	if s.database != nil {
		s.database.Close()
	}
}
