package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jrsteele09/go-auth-session/auth"
	fakebackend "github.com/jrsteele09/go-auth-session/backend/backendfake"
	"github.com/jrsteele09/go-auth-session/backend/rest"
	"github.com/jrsteele09/go-auth-session/internal/config"
	"github.com/jrsteele09/go-auth-session/internal/logging"
	"github.com/jrsteele09/go-auth-session/metrics"
	"github.com/jrsteele09/go-auth-session/storage"
	"github.com/jrsteele09/go-auth-session/storage/filestore"
	"github.com/jrsteele09/go-auth-session/storage/memory"
	"github.com/jrsteele09/go-auth-session/storage/postgres"
	"github.com/jrsteele09/go-auth-session/token/refresh"
	"github.com/jrsteele09/go-auth-session/users"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"
)

const usage = `usage: sessionctl <command> [flags]

commands:
  status                       show the stored session
  login -email E -password P   sign in with email and password
  otp -phone P [-code C -name N]
                               send a one-time code, or verify one when -code is set
  logout                       end the session
  watch                        keep the session alive and print every change
  fake-server -addr A          serve an in-memory auth API for local testing
`

func main() {
	_ = godotenv.Load()
	c := config.New()
	logging.Setup(c.GetLogLevel(), c.GetEnv())

	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(c, os.Args[1], os.Args[2:]); err != nil {
		log.Err(err).Str("command", os.Args[1]).Msg("sessionctl failed")
		os.Exit(1)
	}
}

func run(c config.Config, command string, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if command == "fake-server" {
		return fakeServer(ctx, args)
	}

	app, err := open(ctx, c)
	if err != nil {
		return err
	}
	defer app.close()

	switch command {
	case "status":
		printState(app.svc.State())
		if sess := app.svc.Session(); sess != nil {
			fmt.Printf("expires at %s\n", sess.ExpiresAt.Local().Format(time.RFC1123))
		}
		return nil
	case "login":
		fs := flag.NewFlagSet("login", flag.ExitOnError)
		email := fs.String("email", "", "account email")
		password := fs.String("password", "", "account password")
		_ = fs.Parse(args)
		if _, err := app.svc.Login(ctx, *email, *password); err != nil {
			return err
		}
		printState(app.svc.State())
		return nil
	case "otp":
		fs := flag.NewFlagSet("otp", flag.ExitOnError)
		phone := fs.String("phone", "", "phone number")
		code := fs.String("code", "", "code received by SMS")
		name := fs.String("name", "", "name for a new account")
		_ = fs.Parse(args)
		if *code == "" {
			if err := app.svc.SendOTP(ctx, *phone); err != nil {
				return err
			}
			fmt.Println("code sent")
			return nil
		}
		if _, err := app.svc.VerifyOTP(ctx, *phone, *code, *name); err != nil {
			return err
		}
		printState(app.svc.State())
		return nil
	case "logout":
		app.svc.Logout(ctx)
		printState(app.svc.State())
		return nil
	case "watch":
		return watch(ctx, c, app)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

type app struct {
	svc     *auth.SessionService
	kv      storage.KV
	pool    *pgxpool.Pool
	metrics *prometheus.Registry
}

func open(ctx context.Context, c config.Config) (*app, error) {
	a := &app{metrics: prometheus.NewRegistry()}
	kv, err := a.openStorage(ctx, c)
	if err != nil {
		a.close()
		return nil, err
	}
	a.kv = kv

	client := rest.New(c.GetAPIBaseURL(), rest.WithTimeout(c.GetRefreshTimeout()))
	svc, err := auth.NewSessionService(auth.Deps{Backend: client, KV: kv},
		auth.WithSkew(c.GetExpirySkew()),
		auth.WithPolicy(refresh.Policy{Ratio: c.GetRefreshRatio(), MinDelay: c.GetRefreshMinDelay()}),
		auth.WithRefreshTimeout(c.GetRefreshTimeout()),
		auth.WithMetrics(metrics.NewCollector(a.metrics)),
	)
	if err != nil {
		a.close()
		return nil, err
	}
	a.svc = svc
	client.SetTokenSource(svc)

	if err := svc.Init(ctx); err != nil {
		log.Warn().Err(err).Msg("could not restore the stored session")
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context, c config.Config) (storage.KV, error) {
	switch c.GetStorageDriver() {
	case config.StorageMemory:
		return memory.NewShared().Open(), nil
	case config.StoragePostgres:
		pool, err := pgxpool.New(ctx, c.GetDatabaseURL())
		if err != nil {
			return nil, fmt.Errorf("connect to postgres: %w", err)
		}
		a.pool = pool
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			return nil, err
		}
		listener, err := postgres.Listen(ctx, pool)
		if err != nil {
			return nil, err
		}
		return postgres.New(pool, postgres.WithNotifications(listener)), nil
	default:
		store, err := filestore.New(c.GetDataFolder(), filestore.WithPollInterval(c.GetPollInterval()))
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func (a *app) close() {
	if a.svc != nil {
		a.svc.Dispose()
	}
	if a.kv != nil {
		if err := a.kv.Close(); err != nil {
			log.Err(err).Msg("closing session storage failed")
		}
	}
	if a.pool != nil {
		a.pool.Close()
	}
}

func watch(ctx context.Context, c config.Config, a *app) error {
	displayAppname(c.GetAppName())
	unsubscribe := a.svc.Subscribe(printState)
	defer unsubscribe()
	printState(a.svc.State())

	if addr := c.GetMetricsAddr(); addr != "" {
		server := &http.Server{Addr: addr, Handler: metrics.SetupMetricsRoute(a.metrics)}
		go listenAndServe(server)
		defer shutdown(server)
	}

	<-ctx.Done()
	return nil
}

func fakeServer(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("fake-server", flag.ExitOnError)
	addr := fs.String("addr", ":8080", "listen address")
	email := fs.String("email", "demo@example.com", "seeded account email")
	password := fs.String("password", "Demo1234", "seeded account password")
	ttl := fs.Duration("ttl", 2*time.Minute, "access token lifetime")
	_ = fs.Parse(args)

	fb := fakebackend.New(fakebackend.WithAccessTTL(*ttl))
	if _, err := fb.AddUser(users.User{Name: "Demo", Email: *email}, *password); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/api/", http.StripPrefix("/api", fakebackend.Handler(fb)))
	server := &http.Server{Addr: *addr, Handler: mux}
	go listenAndServe(server)

	<-ctx.Done()
	shutdown(server)
	return nil
}

func printState(st auth.State) {
	switch {
	case st.Loading:
		fmt.Println("loading")
	case st.IsAuthenticated && st.User != nil:
		fmt.Printf("signed in as %s <%s> (%s)\n", st.User.Name, st.User.Email, st.User.Role)
	default:
		fmt.Println("signed out")
	}
}

func listenAndServe(server *http.Server) {
	log.Info().Str("addr", server.Addr).Msg("listening")
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Err(err).Str("addr", server.Addr).Msg("server stopped")
	}
}

func shutdown(server *http.Server) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Err(err).Msg("server shutdown failed")
	}
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
