package main

import (
	"context"
	"crypto/rsa"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"golang.org/x/sync/errgroup"

	"aselect/internal/authsp"
	"aselect/internal/cross"
	"aselect/internal/domain"
	"aselect/internal/gateway"
	jwttoken "aselect/internal/jwt_token"
	"aselect/internal/orchestrator"
	"aselect/internal/platform/config"
	"aselect/internal/platform/httpserver"
	"aselect/internal/platform/logger"
	"aselect/internal/platform/metrics"
	platformredis "aselect/internal/platform/redis"
	"aselect/internal/session"
	"aselect/internal/ticket"
	transporthttp "aselect/internal/transport/http"
	"aselect/internal/udb"
	"aselect/pkg/platform/audit"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logger.New(logger.ParseLevel(cfg.LogLevel))
	slog.SetDefault(log)

	regs, err := config.LoadRegistrations(cfg.RegistrationFile)
	if err != nil {
		return err
	}

	var signingKey *rsa.PrivateKey
	if cfg.SigningKeyFile != "" {
		signingKey, err = config.LoadSigningKey(cfg.SigningKeyFile)
		if err != nil {
			return err
		}
	}

	crypter, err := ticket.NewCrypter(cfg.Cookie.Secret)
	if err != nil {
		return err
	}

	m := metrics.New()
	baseURL := "https://" + cfg.ServerID

	// Audit sink: Kafka when brokers are configured, in-memory otherwise.
	var auditPub audit.Publisher
	if len(cfg.Audit.Brokers) > 0 {
		auditPub, err = audit.NewKafkaPublisher(cfg.Audit.Brokers, cfg.Audit.Topic)
		if err != nil {
			return err
		}
	} else {
		auditPub = audit.NewMemoryPublisher()
	}
	defer auditPub.Close()

	// Optional ticket archive; wired before the stores so the memory
	// sweeper's evict hook can feed it.
	var (
		archive    *ticket.PostgresArchive
		gwOpts     []gateway.Option
		orchOpts   []orchestrator.Option
		ticketOpts []ticket.InMemoryOption
	)
	if cfg.Archive.DSN != "" {
		db, err := sql.Open("postgres", cfg.Archive.DSN)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.PingContext(context.Background()); err != nil {
			return fmt.Errorf("archive database: %w", err)
		}
		archive = ticket.NewPostgresArchive(db)
		gwOpts = append(gwOpts, gateway.WithArchiver(archive))
		orchOpts = append(orchOpts, orchestrator.WithArchiver(archive))
		ticketOpts = append(ticketOpts, ticket.WithEvictHook(func(t *domain.Ticket) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := archive.Record(ctx, t, "expired"); err != nil {
				log.Warn("archive expired ticket failed", "ticket_id", t.ID, "error", err)
			}
		}))
	}

	// Store backends: Redis when configured, in-memory with sweepers otherwise.
	redisClient, err := platformredis.New(cfg.Redis)
	if err != nil {
		return err
	}
	var (
		ticketStore   ticket.Store
		sessionStore  session.Store
		ticketStats   transporthttp.StoreStats
		sessionStats  transporthttp.StoreStats
		memoryTickets *ticket.InMemoryStore
		memorySess    *session.InMemoryStore
	)
	if redisClient != nil {
		defer redisClient.Close()
		ticketStore = ticket.NewRedisStore(redisClient.Client, cfg.ServerID, cfg.Ticket.TTL)
		sessionStore = session.NewRedisStore(redisClient.Client, cfg.Session.TTL)
		log.Info("using redis stores")
	} else {
		memoryTickets = ticket.NewInMemoryStore(cfg.ServerID, cfg.Ticket.TTL, ticketOpts...)
		memorySess = session.NewInMemoryStore(cfg.Session.TTL)
		ticketStore = memoryTickets
		sessionStore = memorySess
		ticketStats = memoryTickets
		sessionStats = memorySess
		log.Info("using in-memory stores")
	}

	// AuthSP handlers from the registration file.
	registry := authsp.NewRegistry()
	registry.RegisterType("remote", authsp.NewRemoteHandler)
	if err := registry.Build(regs); err != nil {
		return err
	}

	users := udb.NewStaticConnector(profilesFrom(regs))

	// Cross-domain federation.
	var delegator *cross.Delegator
	if cfg.Cross.Enabled {
		caller := cross.NewHTTPCaller(cfg.Cross.CallTimeout)
		delegator = cross.NewDelegator(regs, caller, signingKey, cfg.Organization, baseURL, log, m, auditPub)
		orchOpts = append(orchOpts, orchestrator.WithDelegator(delegator))
		if cfg.Cross.SessionSyncURL != "" {
			gwOpts = append(gwOpts, gateway.WithSessionSync(delegator, cfg.Cross.SessionSyncURL))
		}
	}

	gw := gateway.New(regs, ticketStore, sessionStore, crypter, cfg, baseURL, log, m, auditPub, gwOpts...)
	orch := orchestrator.New(regs, ticketStore, sessionStore, crypter, registry, users, cfg, baseURL, log, m, auditPub, orchOpts...)

	jwtService := jwttoken.NewJWTService(cfg.AdminJWTKey, cfg.ServerID)
	handler := transporthttp.NewHandler(gw, orch, cfg.Cookie, cfg.ServerID, log, m)
	admin := transporthttp.NewAdminHandler(ticketStats, sessionStats, log)
	router := transporthttp.NewRouter(transporthttp.RouterDeps{
		Handler:      handler,
		Admin:        admin,
		JWTValidator: jwttoken.NewJWTServiceAdapter(jwtService),
		Logger:       log,
	})

	server := httpserver.New(cfg.Addr, router)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		log.Info("listening", "addr", cfg.Addr, "server_id", cfg.ServerID)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})
	if memoryTickets != nil {
		group.Go(func() error { return ignoreCancel(memoryTickets.Run(ctx, cfg.Ticket.SweepInterval)) })
	}
	if memorySess != nil {
		group.Go(func() error { return ignoreCancel(memorySess.Run(ctx, cfg.Session.SweepInterval)) })
	}

	err = group.Wait()
	log.Info("shut down")
	return err
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// profilesFrom adapts the registration file's user section to the UDB shape.
func profilesFrom(regs *config.Registrations) map[string]*udb.Profile {
	profiles := make(map[string]*udb.Profile, len(regs.Users))
	for uid, u := range regs.Users {
		profiles[uid] = &udb.Profile{
			UserID:  uid,
			Enabled: u.Enabled,
			AuthSPs: u.AuthSPs,
		}
	}
	return profiles
}
