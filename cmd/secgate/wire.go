package main

import (
	"context"
	"fmt"
	"time"

	"secgate/gateway/internal/apikey"
	"secgate/gateway/internal/circuitbreaker"
	"secgate/gateway/internal/config"
	"secgate/gateway/internal/gateway"
	"secgate/gateway/internal/intel"
	"secgate/gateway/internal/rate"
	"secgate/gateway/internal/reputation"
	"secgate/gateway/internal/resolver"
	"secgate/gateway/internal/revocation"
	"secgate/gateway/internal/secevent"
	"secgate/gateway/internal/session"
	"secgate/gateway/internal/store"
	"secgate/gateway/internal/token"
	"secgate/gateway/internal/util"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// app holds every component built from one configuration. The CLI admin
// commands use the same wiring as serve so they read and write the same keys.
type app struct {
	cfg        *config.Config
	store      store.CounterStore
	rdb        redis.UniversalClient
	tokens     *token.Validator
	revocation *revocation.Registry
	reputation *reputation.Tracker
	intel      *intel.Store
	pollers    []*intel.Poller
	sessions   *session.Manager
	roles      resolver.Resolver
	events     *secevent.Emitter
	gateway    *gateway.Gateway

	closers []func()
}

func build(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg}

	switch cfg.Store.Backend {
	case "redis":
		a.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = a.rdb.Close() })
		rs := store.NewRedisStore(a.rdb,
			store.WithPrefix(cfg.Store.Redis.Prefix),
			store.WithOpTimeout(cfg.StoreOpTimeout()),
		)
		a.store = store.NewGuarded(rs, circuitbreaker.New("redis", circuitbreaker.Config{
			FailureThreshold: cfg.Store.Breaker.FailureThreshold,
			SuccessThreshold: cfg.Store.Breaker.SuccessThreshold,
			Cooldown:         cfg.BreakerCooldown(),
		}))
	default:
		mem := store.NewMemoryStore()
		mem.StartJanitor(ctx, time.Minute)
		a.store = mem
	}

	var err error
	a.tokens, err = token.NewValidator(cfg.Token.Alg, cfg.Token.Secret, cfg.Token.Issuer, cfg.TokenSkew(), cfg.TokenMaxTTL())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("token validator: %w", err)
	}

	switch cfg.Resolver.Backend {
	case "postgres":
		pg, err := resolver.OpenPostgres(ctx, cfg.Resolver.Postgres.DSN, cfg.Resolver.Postgres.Query)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, pg.Close)
		a.roles = pg
		if ttl := cfg.ResolverCacheTTL(); ttl > 0 {
			a.roles = resolver.NewCached(pg, cfg.Resolver.CacheCapacity, ttl)
		}
	default:
		a.roles = resolver.NewStatic(cfg.Principals, cfg.Resolver.DefaultRole)
	}

	keys, err := apikey.NewValidator(cfg.APIKeys.Keys, cfg.APIKeys.DefaultRole)
	if err != nil {
		a.Close()
		return nil, err
	}

	sinks := []secevent.Sink{secevent.NewLogSink(log.Logger)}
	if cfg.Events.RedisStream.Enabled && a.rdb != nil {
		sinks = append(sinks, secevent.NewRedisStreamSink(a.rdb, cfg.Events.RedisStream.Stream,
			secevent.WithMaxLen(cfg.Events.RedisStream.MaxLen)))
	}
	a.events = secevent.NewEmitter(util.NewIPMasker(cfg.Logging.AnonymizeIPKey), sinks...)

	a.revocation = revocation.New(a.store, a.tokens)
	a.reputation = reputation.New(a.store, cfg.Reputation.Threshold, cfg.ReputationPeriod())
	if cfg.ThreatIntel.Enabled {
		a.intel = intel.NewStore(cfg.ThreatIntel.CacheCapacity, cfg.ThreatIntel.MinConfidence)
		if err := a.intel.AddStatic(cfg.ThreatIntel.Blocklist); err != nil {
			a.Close()
			return nil, fmt.Errorf("threat_intel.blocklist: %w", err)
		}
		a.intel.StartJanitor(ctx, 5*time.Minute)
		for _, peer := range cfg.ThreatIntel.Peers {
			client := intel.NewTAXIIClient(peer.URL, peer.Username, peer.Password)
			a.pollers = append(a.pollers, intel.NewPoller(client, a.intel, peer.CollectionID, peer.PollInterval()))
		}
	}
	a.sessions = session.NewManager(a.store, a.roles, session.Options{
		TTL:         cfg.SessionTTL(),
		IdleTimeout: cfg.SessionIdleTimeout(),
		BindIP:      cfg.Session.BindIP,
	})

	a.gateway = gateway.New(cfg, gateway.Deps{
		Tokens:     a.tokens,
		Revocation: a.revocation,
		Limiter:    rate.NewLimiter(a.store),
		Fallback:   rate.NewFallback(cfg.RateLimit.FallbackCapacity),
		Reputation: a.reputation,
		Intel:      a.intel,
		Sessions:   a.sessions,
		APIKeys:    keys,
		Roles:      a.roles,
		Events:     a.events,
	})
	return a, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
