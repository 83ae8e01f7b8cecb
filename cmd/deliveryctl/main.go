package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog"

	"github.com/mekongcart/deliveryclient/authtransport"
	"github.com/mekongcart/deliveryclient/catalog"
	"github.com/mekongcart/deliveryclient/credstore"
	"github.com/mekongcart/deliveryclient/gateway"
	"github.com/mekongcart/deliveryclient/internal/config"
	"github.com/mekongcart/deliveryclient/internal/deviceid"
	"github.com/mekongcart/deliveryclient/internal/utils"
	"github.com/mekongcart/deliveryclient/orders"
	"github.com/mekongcart/deliveryclient/securecipher"
	"github.com/mekongcart/deliveryclient/session"
	"github.com/mekongcart/deliveryclient/token"
)

const usage = `usage: deliveryctl <command> [flags]

commands:
  login     -email <addr> -password <pw>   authenticate and store tokens
  whoami                                   show the logged-in profile
  products  [-search <query>]              browse the catalog
  orders                                   list your orders
  watch     -order <id>                    follow an order until delivered
  logout                                   clear credentials and location
`

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "deliveryctl: %s\n", err)
		os.Exit(1)
	}
}

// app wires the two-client split: the plain gateway never carries a bearer
// token (it serves login and refresh), everything else rides the
// authenticating transport.
type app struct {
	cfg         config.Config
	log         zerolog.Logger
	store       *credstore.Store
	coordinator *session.Coordinator
	plain       *gateway.Client
	authed      *gateway.Client
	orders      *orders.Client
	catalog     *catalog.Client
}

func run() error {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("missing command")
	}
	command, args := os.Args[1], os.Args[2:]

	cfg, err := config.New()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, cleanup, err := newApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	switch command {
	case "login":
		return a.login(ctx, args)
	case "whoami":
		return a.whoami(ctx)
	case "products":
		return a.products(ctx, args)
	case "orders":
		return a.listOrders(ctx)
	case "watch":
		return a.watch(ctx, args)
	case "logout":
		return a.logout(ctx)
	default:
		fmt.Fprint(os.Stderr, usage)
		return fmt.Errorf("unknown command %q", command)
	}
}

func newApp(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*app, func(), error) {
	keyring, err := securecipher.NewFileKeyring(filepath.Join(cfg.DataDir, "keys"))
	if err != nil {
		return nil, nil, err
	}
	cipher, err := securecipher.New(keyring, logger)
	if err != nil {
		return nil, nil, err
	}
	store, err := credstore.Open(cfg.PrefsPath(), cipher, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := store.MigrateIfNeeded(ctx); err != nil {
		store.Close()
		return nil, nil, err
	}

	plain := gateway.New(cfg.BaseURL,
		gateway.WithHTTPClient(&http.Client{Timeout: cfg.HTTPTimeout}),
		gateway.WithLogger(logger))

	coordinator, err := session.New(store, plain, session.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	authenticator, err := authtransport.New(store, plain,
		authtransport.WithExpiryNotifier(coordinator),
		authtransport.WithLogger(logger))
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	httpClient := &http.Client{Transport: authenticator, Timeout: cfg.HTTPTimeout}

	a := &app{
		cfg:         cfg,
		log:         logger,
		store:       store,
		coordinator: coordinator,
		plain:       plain,
		authed:      gateway.New(cfg.BaseURL, gateway.WithHTTPClient(httpClient), gateway.WithLogger(logger)),
		orders:      orders.New(cfg.BaseURL, httpClient, orders.WithLogger(logger)),
		catalog:     catalog.New(cfg.BaseURL, httpClient, catalog.WithLogger(logger)),
	}
	go coordinator.Run(ctx)

	return a, func() { store.Close() }, nil
}

func (a *app) login(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	email := fs.String("email", "", "account email")
	password := fs.String("password", "", "account password")
	fs.Parse(args)
	if *email == "" || *password == "" {
		return fmt.Errorf("login requires -email and -password")
	}

	displayAppName(a.cfg.AppName)

	device, err := deviceid.Ensure(ctx, a.store)
	if err != nil {
		return err
	}
	resp, err := a.plain.Login(ctx, gateway.LoginRequest{
		Email:    *email,
		Password: *password,
		DeviceID: device,
	})
	if err != nil {
		return err
	}
	if err := a.store.SaveTokens(ctx, resp.AccessToken, utils.Value(resp.RefreshToken)); err != nil {
		return err
	}

	// The coordinator re-evaluates on the token save; the pre-login state may
	// still be in flight, so wait for logged-in specifically.
	if !a.awaitLoggedIn(ctx) {
		return fmt.Errorf("login succeeded but session did not validate")
	}
	fmt.Printf("logged in as %s\n", *email)
	return nil
}

func (a *app) whoami(ctx context.Context) error {
	if a.awaitSession(ctx) != session.StateLoggedIn {
		fmt.Println("not logged in")
		return nil
	}
	// Token comes from the authenticating transport, not an argument.
	profile, err := a.authed.Profile(ctx, "")
	if err != nil {
		return err
	}
	fmt.Printf("%s <%s> role=%s\n", profile.Name, profile.Email, profile.Role)
	if access, ok, err := a.store.AccessToken(ctx); err == nil && ok {
		if claims, err := token.PeekClaims(access); err == nil && !claims.ExpiresAt.IsZero() {
			fmt.Printf("token expires: %s\n", claims.ExpiresAt.Format(time.RFC3339))
		}
	}
	if lat, lng, ok, err := a.store.Location(ctx); err == nil && ok {
		fmt.Printf("delivery location: %.6f, %.6f\n", lat, lng)
	}
	return nil
}

func (a *app) products(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("products", flag.ExitOnError)
	search := fs.String("search", "", "filter by name")
	fs.Parse(args)

	items, err := a.catalog.Products(ctx, *search)
	if err != nil {
		return err
	}
	for _, p := range items {
		fmt.Printf("%6d  %-30s  %10.0f  %s\n", p.ID, p.Name, p.Price, p.Category)
	}
	return nil
}

func (a *app) listOrders(ctx context.Context) error {
	if a.awaitSession(ctx) != session.StateLoggedIn {
		return fmt.Errorf("not logged in")
	}
	summaries, err := a.orders.List(ctx)
	if err != nil {
		return err
	}
	for _, o := range summaries {
		fmt.Printf("%6d  %-10s  %10.0f  %s\n", o.ID, o.Status, o.Total, o.CreatedAt.Format(time.RFC3339))
	}
	return nil
}

func (a *app) watch(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ExitOnError)
	orderID := fs.Int64("order", 0, "order id to follow")
	fs.Parse(args)
	if *orderID == 0 {
		return fmt.Errorf("watch requires -order")
	}
	if a.awaitSession(ctx) != session.StateLoggedIn {
		return fmt.Errorf("not logged in")
	}

	expired := a.coordinator.Expired(ctx)
	watcher := orders.NewStatusWatcher(a.orders, a.coordinator,
		orders.WithPollInterval(a.cfg.OrderPollInterval),
		orders.WithWatcherLogger(a.log))
	updates := watcher.Watch(ctx, *orderID)

	for {
		select {
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			fmt.Printf("%s  order %d: %s\n", update.At.Format(time.Kitchen), update.OrderID, update.Status)
			if update.Status.Terminal() {
				return nil
			}
		case <-expired:
			fmt.Println("session expired, please log in again")
			return nil
		}
	}
}

func (a *app) logout(ctx context.Context) error {
	if err := a.coordinator.Logout(ctx); err != nil {
		return err
	}
	fmt.Println("logged out")
	return nil
}

// awaitSession blocks until the coordinator settles on logged-in or
// logged-out. The first evaluation may involve a profile or refresh call.
func (a *app) awaitSession(ctx context.Context) session.State {
	wait, cancel := context.WithTimeout(ctx, a.cfg.HTTPTimeout)
	defer cancel()
	for state := range a.coordinator.States(wait) {
		if state.Terminal() {
			return state
		}
	}
	return session.StateUnknown
}

func (a *app) awaitLoggedIn(ctx context.Context) bool {
	wait, cancel := context.WithTimeout(ctx, a.cfg.HTTPTimeout)
	defer cancel()
	for state := range a.coordinator.States(wait) {
		if state == session.StateLoggedIn {
			return true
		}
	}
	return false
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(lvl).With().Timestamp().Logger()
}

func displayAppName(appName string) {
	banner := figure.NewFigure(appName, "cybermedium", true)
	banner.Print()
	fmt.Println()
}
