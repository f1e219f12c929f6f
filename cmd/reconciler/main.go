package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/jrsteele09/go-session-reconciler/gateway"
	"github.com/jrsteele09/go-session-reconciler/gateway/gatewayfake"
	"github.com/jrsteele09/go-session-reconciler/gateway/httpgateway"
	"github.com/jrsteele09/go-session-reconciler/internal/config"
	"github.com/jrsteele09/go-session-reconciler/profiles"
	fakeprofilerepo "github.com/jrsteele09/go-session-reconciler/profiles/repofake"
	"github.com/jrsteele09/go-session-reconciler/profiles/restrepo"
	"github.com/jrsteele09/go-session-reconciler/reconciler"
	"github.com/jrsteele09/go-session-reconciler/sessionstore"
	"github.com/jrsteele09/go-session-reconciler/sessionstore/filestore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	demoEmail    = "demo@example.com"
	demoPassword = "Demo1234"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	for {
		if err := run(); err != nil {
			log.Fatal().Err(err).Msg("error running reconciler")
			time.Sleep(1 * time.Second)
		} else {
			break
		}
	}
	log.Info().Msg("reconciler stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Msgf("recovered from panic: %v", r)
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	c := config.New()
	displayAppname(c.GetAppName())

	store, err := filestore.New(c.GetDataFolder(), "session-store.json")
	if err != nil {
		return fmt.Errorf("filestore.New: %w", err)
	}

	gw, resolver, err := buildCollaborators(c, store)
	if err != nil {
		return err
	}

	rec, err := reconciler.New(
		reconciler.Deps{Gateway: gw, Resolver: resolver, Store: store},
		reconciler.Config{
			ProfileFetchTimeout:   c.GetProfileFetchTimeout(),
			SafetyTimeout:         c.GetSafetyTimeout(),
			EnableFallbackProfile: c.GetFallbackProfileEnabled(),
		},
		reconciler.WithLogger(log.Logger),
		reconciler.WithMetrics(reconciler.NewMetrics(prometheus.DefaultRegisterer)),
	)
	if err != nil {
		return fmt.Errorf("reconciler.New: %w", err)
	}
	defer rec.Close()

	ctx := context.Background()
	outcome, err := rec.Bootstrap(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("bootstrap completed with error")
	}
	logSnapshot(rec.Snapshot(), outcome)

	waitForStopSignal()
	return shutdown(rec)
}

// buildCollaborators wires the remote gateway and profile-store paths when a
// gateway URL is configured, and an in-memory demo setup otherwise.
func buildCollaborators(c config.Config, store sessionstore.Store) (gateway.Gateway, *profiles.Resolver, error) {
	if c.GetGatewayURL() == "" {
		return buildDemoCollaborators(store)
	}

	gatewayOptions := []httpgateway.Option{httpgateway.WithLogger(log.Logger)}
	if c.GetIssuer() != "" {
		gatewayOptions = append(gatewayOptions, httpgateway.WithIssuer(c.GetIssuer()))
	}
	gw, err := httpgateway.New(c.GetGatewayURL(), c.GetGatewayAnonKey(), store, gatewayOptions...)
	if err != nil {
		return nil, nil, fmt.Errorf("httpgateway.New: %w", err)
	}

	primary, err := restrepo.New(c.GetGatewayURL(), c.GetProfileTable(), c.GetGatewayAnonKey())
	if err != nil {
		return nil, nil, fmt.Errorf("restrepo.New primary: %w", err)
	}
	var secondary profiles.Repo
	if c.GetGatewayServiceKey() != "" {
		elevated, err := restrepo.New(c.GetGatewayURL(), c.GetProfileTable(), c.GetGatewayServiceKey())
		if err != nil {
			return nil, nil, fmt.Errorf("restrepo.New secondary: %w", err)
		}
		secondary = elevated
	}

	resolver, err := profiles.NewResolver(primary, secondary, profiles.WithLogger(log.Logger))
	if err != nil {
		return nil, nil, fmt.Errorf("profiles.NewResolver: %w", err)
	}
	return gw, resolver, nil
}

func buildDemoCollaborators(store sessionstore.Store) (gateway.Gateway, *profiles.Resolver, error) {
	gw := gatewayfake.NewFakeGateway(store)
	if _, err := gw.Register(demoEmail, demoPassword, gateway.Metadata{FirstName: "Demo", LastName: "User"}); err != nil {
		return nil, nil, fmt.Errorf("gatewayfake register: %w", err)
	}

	resolver, err := profiles.NewResolver(
		fakeprofilerepo.NewFakeProfileRepo(),
		fakeprofilerepo.NewFakeProfileRepo(),
		profiles.WithLogger(log.Logger),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("profiles.NewResolver: %w", err)
	}
	log.Info().Str("email", demoEmail).Msg("no GATEWAY_URL set, running against in-memory gateway")
	return gw, resolver, nil
}

func logSnapshot(snap reconciler.Snapshot, outcome reconciler.Outcome) {
	event := log.Info().Str("state", string(snap.State)).Str("outcome", string(outcome))
	if snap.Session != nil {
		event = event.Str("user_id", snap.Session.UserID)
	}
	if snap.Profile != nil {
		event = event.Str("profile", snap.Profile.FullName()).Bool("fallback", snap.Profile.Fallback)
	}
	event.Msg("bootstrap complete")
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func shutdown(rec *reconciler.Reconciler) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if rec.Snapshot().State.Authenticated() {
		if err := rec.SignOut(ctx); err != nil {
			return fmt.Errorf("rec.SignOut: %w", err)
		}
	}
	return nil
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
