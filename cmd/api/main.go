package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"kennelworks.org/internal/audit"
	"kennelworks.org/internal/authz"
	"kennelworks.org/internal/config"
	"kennelworks.org/internal/crud"
	"kennelworks.org/internal/httpapi"
	"kennelworks.org/internal/kennel"
	"kennelworks.org/internal/mfa"
	"kennelworks.org/internal/obs"
	"kennelworks.org/internal/override"
	"kennelworks.org/internal/store"
	"kennelworks.org/internal/store/memory"
	"kennelworks.org/internal/store/pg"
)

var version = "0.3.1"

// repositories groups the storage surfaces the wiring needs, regardless of
// backend.
type repositories struct {
	tx    store.Transactor
	users interface {
		httpapi.UserDirectory
		mfa.StatusStore
	}
	userRepo      crud.Repository[kennel.User]
	pets          crud.Repository[kennel.Pet]
	bookings      crud.Repository[kennel.Booking]
	careLogs      crud.Repository[kennel.CareLog]
	notifications crud.Repository[kennel.Notification]
	kennels       crud.Repository[kennel.Kennel]
	tokens        override.Store
	audits        audit.Store
	ready         httpapi.ReadyProbe
	close         func()
}

func main() {
	configPath := flag.String("config", os.Getenv("KENNELWORKS_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if err := obs.InitLogger(cfg.Environment, cfg.LogLevel); err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer obs.Sync()
	obs.Init()
	logger := obs.Logger()

	repos, err := openRepositories(cfg)
	if err != nil {
		logger.Fatal("open storage", zap.Error(err))
	}
	defer repos.close()

	recorder, err := audit.NewRecorder(repos.audits)
	if err != nil {
		logger.Fatal("audit recorder", zap.Error(err))
	}
	tokens, err := override.NewService(repos.tokens, recorder, repos.tx,
		override.WithSecret(cfg.Auth.OverrideSecret))
	if err != nil {
		logger.Fatal("override service", zap.Error(err))
	}

	guard, err := mfa.NewGuard(repos.users, challengeStore(cfg, logger))
	if err != nil {
		logger.Fatal("mfa guard", zap.Error(err))
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Users:   repos.users,
		Guard:   guard,
		Tokens:  tokens,
		Ready:   repos.ready,
		Version: version,
	})
	if err := registerEntities(api, repos, tokens, recorder); err != nil {
		logger.Fatal("wire entities", zap.Error(err))
	}

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	logger.Info("starting kennelworks-api",
		zap.String("version", version),
		zap.String("addr", srv.Addr),
	)
	obs.SetReady(true)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	obs.SetReady(false)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	logger.Info("stopped")
}

// openRepositories picks postgres when a DSN is configured and falls back to
// the in-memory backend otherwise (dev and tests).
func openRepositories(cfg config.Config) (*repositories, error) {
	if cfg.Postgres.DSN != "" {
		st, err := pg.Open(cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		return &repositories{
			tx:            st,
			users:         st.Users(),
			userRepo:      st.Users(),
			pets:          st.Pets(),
			bookings:      st.Bookings(),
			careLogs:      st.CareLogs(),
			notifications: st.Notifications(),
			kennels:       st.Kennels(),
			tokens:        st.Tokens(),
			audits:        st.Audit(),
			ready:         httpapi.ReadyProbe{DB: st.DB()},
			close:         func() { _ = st.Close() },
		}, nil
	}

	backend := memory.NewBackend()
	users := memory.NewUsers(backend)
	return &repositories{
		tx:            backend,
		users:         users,
		userRepo:      users,
		pets:          memory.NewCollection[kennel.Pet](backend, "pets", "ownerId"),
		bookings:      memory.NewCollection[kennel.Booking](backend, "bookings", "customerId"),
		careLogs:      memory.NewCollection[kennel.CareLog](backend, "care_logs", "ownerId"),
		notifications: memory.NewCollection[kennel.Notification](backend, "notifications", "userId"),
		kennels:       memory.NewCollection[kennel.Kennel](backend, "kennels", ""),
		tokens:        memory.NewTokenStore(backend),
		audits:        memory.NewAuditStore(backend),
		ready:         httpapi.ReadyProbe{},
		close:         func() {},
	}, nil
}

func challengeStore(cfg config.Config, logger *zap.Logger) mfa.ChallengeStore {
	if cfg.Redis.Addr == "" {
		return mfa.NewMemoryChallengeStore()
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	logger.Info("mfa challenges on redis", zap.String("addr", cfg.Redis.Addr))
	return mfa.NewRedisChallengeStore(client)
}

func registerEntities(api *httpapi.API, repos *repositories, tokens *override.Service, recorder *audit.Recorder) error {
	users, err := crud.New(crud.Config[kennel.User]{
		EntityType:   "user",
		Repo:         repos.userRepo,
		Policy:       authz.UserPolicy{},
		Tokens:       tokens,
		Audits:       recorder,
		Tx:           repos.tx,
		Validate:     crud.RequireFields("email", "role"),
		RedactFields: kennel.UserRedactFields,
		Transform: func(u kennel.User) any {
			u.PasswordHash = ""
			return u
		},
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "users", users, mfa.ClassHigh)

	pets, err := crud.New(crud.Config[kennel.Pet]{
		EntityType:   "pet",
		Repo:         repos.pets,
		Policy:       authz.PetPolicy{},
		Tokens:       tokens,
		Audits:       recorder,
		Tx:           repos.tx,
		Validate:     crud.RequireFields("name", "ownerId"),
		RedactFields: kennel.PetRedactFields,
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "pets", pets, mfa.ClassRegular)

	bookings, err := crud.New(crud.Config[kennel.Booking]{
		EntityType:   "booking",
		Repo:         repos.bookings,
		Policy:       authz.BookingPolicy{},
		Tokens:       tokens,
		Audits:       recorder,
		Tx:           repos.tx,
		Validate:     crud.RequireFields("customerId", "petId", "kennelId", "startDate", "endDate"),
		RedactFields: kennel.BookingRedactFields,
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "bookings", bookings, mfa.ClassRegular)

	careLogs, err := crud.New(crud.Config[kennel.CareLog]{
		EntityType:   "care_log",
		Repo:         repos.careLogs,
		Policy:       authz.CareLogPolicy{},
		Tokens:       tokens,
		Audits:       recorder,
		Tx:           repos.tx,
		Validate:     crud.RequireFields("petId", "ownerId", "staffId"),
		RedactFields: kennel.CareLogRedactFields,
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "care-logs", careLogs, mfa.ClassRegular)

	notifications, err := crud.New(crud.Config[kennel.Notification]{
		EntityType: "notification",
		Repo:       repos.notifications,
		Policy:     authz.NotificationPolicy{},
		Tokens:     tokens,
		Audits:     recorder,
		Tx:         repos.tx,
		Validate:   crud.RequireFields("userId", "kind"),
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "notifications", notifications, mfa.ClassRegular)

	kennels, err := crud.New(crud.Config[kennel.Kennel]{
		EntityType: "kennel",
		Repo:       repos.kennels,
		Policy:     authz.KennelPolicy{},
		Tokens:     tokens,
		Audits:     recorder,
		Tx:         repos.tx,
		Validate:   crud.RequireFields("name"),
	})
	if err != nil {
		return err
	}
	httpapi.Register(api, "kennels", kennels, mfa.ClassRegular)

	return nil
}
