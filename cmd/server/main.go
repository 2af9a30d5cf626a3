package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"area-automator-api/internal/api"
	"area-automator-api/internal/credentials"
	"area-automator-api/internal/crypto"
	"area-automator-api/internal/database"
	"area-automator-api/internal/domain"
	"area-automator-api/internal/engine"
	"area-automator-api/internal/logger"
	"area-automator-api/internal/registry"
	"area-automator-api/internal/services/github"
	"area-automator-api/internal/services/google"
	"area-automator-api/internal/services/httpx"
	"area-automator-api/internal/services/linkedin"
	"area-automator-api/internal/services/notion"
	"area-automator-api/internal/services/spotify"
	"area-automator-api/internal/services/timer"
	"area-automator-api/internal/services/twitch"
	"area-automator-api/internal/services/webhook"
	"area-automator-api/internal/store"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/oauth2"
	oauthendpoints "golang.org/x/oauth2/endpoints"
	oauthgoogle "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
)

func main() {
	_ = godotenv.Load()

	log, err := logger.NewLogger()
	if err != nil {
		panic("Could not initialize logger: " + err.Error())
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := database.ConnectDB(ctx, log)
	if err != nil {
		log.Error("could not connect to the database", zap.Error(err))
		return
	}
	defer pool.Close()

	if err := database.RunMigrations(os.Getenv("DATABASE_URL"), log); err != nil {
		log.Error("database migrations failed", zap.Error(err))
		return
	}

	cipher, err := crypto.NewCipherFromEnv()
	if err != nil {
		log.Error("could not initialize token encryption", zap.Error(err))
		return
	}

	dbStore := store.NewStore(pool)

	creds, err := credentials.NewManager(dbStore, cipher, log)
	if err != nil {
		log.Error("could not initialize credential manager", zap.Error(err))
		return
	}
	registerOAuthProviders(creds, log)

	client := httpx.New(log)

	reg := registry.New(log)
	reg.Register(github.New(creds, client, log).Service())
	reg.Register(google.New(creds, log).Service())
	reg.Register(spotify.New(creds, client, log).Service())
	reg.Register(notion.New(creds, client, log).Service())
	reg.Register(linkedin.New(creds, client, log).Service())
	reg.Register(twitch.New(creds, client, log).Service())
	reg.Register(timer.New(log).Service())
	reg.Register(webhook.New(client, log).Service())

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engineOpts := []engine.Option{engine.WithMetrics(engine.NewMetrics(promRegistry))}
	if raw := os.Getenv("ENGINE_INTERVAL_SECONDS"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			log.Error("invalid ENGINE_INTERVAL_SECONDS", zap.String("value", raw))
			return
		}
		engineOpts = append(engineOpts, engine.WithInterval(time.Duration(seconds)*time.Second))
	}

	eng, err := engine.New(dbStore, reg, log, engineOpts...)
	if err != nil {
		log.Error("could not initialize engine", zap.Error(err))
		return
	}
	eng.Start()
	defer eng.Stop()

	apiServer := api.NewServer(reg, eng, promRegistry, log)

	port := os.Getenv("API_PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      apiServer.Router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	go func() {
		log.Info("starting API server",
			zap.String("component", "main"),
			zap.String("port", port))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("could not start server", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("shutting down", zap.String("component", "main"))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("server shutdown failed", zap.Error(err))
	}
}

// registerOAuthProviders installs a refresh config per provider whose client
// credentials are present. Providers without credentials stay usable for
// already-linked, non-expired tokens; refresh then reports reauth required.
func registerOAuthProviders(creds *credentials.Manager, log *zap.Logger) {
	redirectURL := os.Getenv("OAUTH_REDIRECT_URL")

	providers := []struct {
		provider  domain.ProviderType
		envPrefix string
		endpoint  oauth2.Endpoint
		scopes    []string
	}{
		{domain.ProviderGoogle, "GOOGLE", oauthgoogle.Endpoint, []string{
			gmail.GmailReadonlyScope,
			gmail.GmailSendScope,
			calendar.CalendarEventsScope,
			"https://www.googleapis.com/auth/userinfo.email",
		}},
		{domain.ProviderGithub, "GITHUB", oauthendpoints.GitHub, []string{"repo"}},
		{domain.ProviderSpotify, "SPOTIFY", oauthendpoints.Spotify, []string{
			"user-read-currently-playing",
			"user-modify-playback-state",
		}},
		{domain.ProviderLinkedin, "LINKEDIN", oauthendpoints.LinkedIn, []string{
			"openid", "profile", "w_member_social",
		}},
		{domain.ProviderTwitch, "TWITCH", oauthendpoints.Twitch, []string{
			"user:read:email", "user:write:chat",
		}},
		{domain.ProviderNotion, "NOTION", oauth2.Endpoint{
			AuthURL:  "https://api.notion.com/v1/oauth/authorize",
			TokenURL: "https://api.notion.com/v1/oauth/token",
		}, nil},
	}

	for _, p := range providers {
		clientID := os.Getenv(p.envPrefix + "_OAUTH_CLIENT_ID")
		clientSecret := os.Getenv(p.envPrefix + "_OAUTH_CLIENT_SECRET")
		if clientID == "" || clientSecret == "" {
			log.Warn("oauth client credentials missing, refresh disabled for provider",
				zap.String("component", "main"),
				zap.String("provider", string(p.provider)))
			continue
		}

		creds.RegisterProvider(p.provider, &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			RedirectURL:  redirectURL,
			Endpoint:     p.endpoint,
			Scopes:       p.scopes,
		})
	}
}
