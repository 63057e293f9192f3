package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"unitedexchange.org/internal/audit"
	"unitedexchange.org/internal/auth"
	"unitedexchange.org/internal/exchange"
	"unitedexchange.org/internal/httpapi"
	"unitedexchange.org/internal/obs"
	"unitedexchange.org/internal/ratelimit"
	"unitedexchange.org/internal/store/pg"
)

var (
	version = "0.3.1"
	commit  = "dev"
)

func main() {
	_ = godotenv.Load()
	obs.Init()
	obs.InitBuildInfo(version, commit)

	dsn := os.Getenv("UNITEDEX_PG_DSN")
	if dsn == "" {
		log.Fatal("missing UNITEDEX_PG_DSN")
	}
	secret := os.Getenv("UNITEDEX_JWT_SECRET")
	if secret == "" {
		log.Fatal("missing UNITEDEX_JWT_SECRET")
	}

	store, err := pg.Open(dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer store.Close()

	issuerOpts := []auth.IssuerOption{}
	if ttl := envDuration("UNITEDEX_ACCESS_TTL"); ttl > 0 {
		issuerOpts = append(issuerOpts, auth.WithAccessTTL(ttl))
	}
	if ttl := envDuration("UNITEDEX_REFRESH_TTL"); ttl > 0 {
		issuerOpts = append(issuerOpts, auth.WithRefreshTTL(ttl))
	}
	issuer, err := auth.NewIssuer(secret, issuerOpts...)
	if err != nil {
		log.Fatalf("issuer: %v", err)
	}

	limiter := ratelimit.NewLoginLimiter(store.LoginAttempts())
	defer limiter.Close()

	svc, err := exchange.NewService(store.Exchange())
	if err != nil {
		log.Fatalf("exchange service: %v", err)
	}

	api, err := httpapi.New(httpapi.Config{
		Version:       version,
		ReadyProbe:    httpapi.ReadyProbe{DB: store.DB()},
		Issuer:        issuer,
		Accounts:      store.Accounts(),
		Permissions:   store.Permissions(),
		PermCache:     auth.NewPermissionCache(store.Permissions()),
		RefreshTokens: store.RefreshTokens(),
		LoginLimiter:  limiter,
		Audit:         audit.NewRecorder(store.AuditLog()),
		Exchange:      svc,
		ExposeErrors:  os.Getenv("UNITEDEX_ENV") == "development",
	})
	if err != nil {
		log.Fatalf("httpapi: %v", err)
	}

	addr := os.Getenv("UNITEDEX_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting unitedexchange-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
	log.Println("Stopped")
}

func envDuration(name string) time.Duration {
	v := os.Getenv(name)
	if v == "" {
		return 0
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Fatalf("%s: %v", name, err)
	}
	return d
}
