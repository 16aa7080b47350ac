// Command agent is a headless SafeWalk participant. A student requests a walk
// and follows it to the end; a SafeWalker waits for assignments and follows
// each one. Trip snapshots are written to stdout as JSON lines and logs go
// to stderr. While a trip is live, stdin accepts: verify <code>, cancel,
// complete, decline.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/example/safewalk/internal/agent"
	"github.com/example/safewalk/internal/config"
	"github.com/example/safewalk/internal/location"
	"github.com/example/safewalk/internal/logging"
	"github.com/example/safewalk/internal/models"
	"github.com/example/safewalk/internal/reconciler"
	"github.com/example/safewalk/internal/relay"
	"github.com/example/safewalk/internal/remote"
)

const shutdownGrace = 5 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

type walkFlags struct {
	role, sid, name  string
	lat, lng         float64
	pickupLabel      string
	destLabel        string
	destLat, destLng float64
}

func run() error {
	cfg, err := config.LoadAgentConfig()
	if err != nil {
		return err
	}

	var wf walkFlags
	flagSet := pflag.NewFlagSet("safewalk-agent", pflag.ContinueOnError)
	flagSet.StringVar(&wf.role, "role", "student", "participant role: student or safewalker")
	flagSet.StringVar(&wf.sid, "sid", "", "participant id (required)")
	flagSet.StringVar(&wf.name, "name", "", "display name")
	flagSet.Float64Var(&wf.lat, "lat", 0, "current latitude")
	flagSet.Float64Var(&wf.lng, "lng", 0, "current longitude")
	flagSet.StringVar(&wf.pickupLabel, "pickup", "Current location", "pickup label (students)")
	flagSet.StringVar(&wf.destLabel, "dest", "", "destination label (students)")
	flagSet.Float64Var(&wf.destLat, "dest-lat", 0, "destination latitude")
	flagSet.Float64Var(&wf.destLng, "dest-lng", 0, "destination longitude")
	flagSet.StringVar(&cfg.BackendURL, "backend", cfg.BackendURL, "request service base URL")
	flagSet.DurationVar(&cfg.HeartbeatInterval, "heartbeat", cfg.HeartbeatInterval, "heartbeat interval")
	flagSet.DurationVar(&cfg.PollInterval, "poll", cfg.PollInterval, "trip status poll interval")
	flagSet.StringVar(&cfg.RelayAddr, "relay-addr", cfg.RelayAddr, "serve the screen relay on this address")
	flagSet.StringVar(&cfg.ListeningAddr, "listening-addr", cfg.ListeningAddr, "address advertised at registration (safewalkers)")
	flagSet.StringVar(&cfg.Label, "label", cfg.Label, "location label sent with heartbeats")
	flagSet.StringVar(&cfg.Token, "token", cfg.Token, "bearer token")
	flagSet.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "debug, info, warn or error")
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	user, err := wf.user()
	if err != nil {
		return err
	}

	logger := logging.NewLoggerTo(os.Stderr, cfg.LogLevel)
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := remote.NewClient(cfg.BackendURL, cfg.RequestTimeout)
	loc := location.NewStatic(models.Coord{Lat: wf.lat, Lng: wf.lng})
	a := agent.New(client, loc, agent.Options{
		HeartbeatInterval: cfg.HeartbeatInterval,
		ListeningAddr:     cfg.ListeningAddr,
		Label:             cfg.Label,
	}, logger)
	client.Token = a.Session.Token

	out := newPrinter(os.Stdout, nil)
	if cfg.RelayAddr != "" {
		hub := relay.NewHub(logger)
		srv := &http.Server{Addr: cfg.RelayAddr, Handler: hub.Router(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			logger.Info("relay listening", "addr", cfg.RelayAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("relay stopped", "error", err)
			}
		}()
		defer func() {
			hub.Close()
			_ = srv.Close()
		}()
		out = newPrinter(os.Stdout, hub)
	}

	if err := a.SignIn(ctx, cfg.Token, user); err != nil {
		return err
	}
	defer func() {
		signOutCtx, cancel := context.WithTimeout(context.Background(), cfg.RequestTimeout)
		defer cancel()
		a.SignOut(signOutCtx)
	}()
	if out.hub != nil {
		unsubscribe := a.Heartbeat.Subscribe(out.hub.PublishHeartbeat)
		defer unsubscribe()
	}

	cmds := readCommands(os.Stdin)
	if user.IsStudent() {
		return runStudent(ctx, a, wf, cfg.PollInterval, cmds, out, logger)
	}
	return runEscort(ctx, a, cfg.PollInterval, cmds, out, logger)
}

func (wf walkFlags) user() (models.User, error) {
	if wf.sid == "" {
		return models.User{}, errors.New("--sid is required")
	}
	u := models.User{ID: wf.sid, Name: wf.name}
	switch wf.role {
	case "student":
		u.Role = models.RoleStudent
	case "safewalker":
		u.Role = models.RoleSafewalker
	default:
		return models.User{}, fmt.Errorf("unknown role %q", wf.role)
	}
	return u, nil
}

func runStudent(ctx context.Context, a *agent.Agent, wf walkFlags, poll time.Duration, cmds <-chan command, out *printer, logger *slog.Logger) error {
	pickup := models.Place{Label: wf.pickupLabel, Coord: &models.Coord{Lat: wf.lat, Lng: wf.lng}}
	dest := models.Place{Label: wf.destLabel}
	if wf.destLat != 0 || wf.destLng != 0 {
		dest.Coord = &models.Coord{Lat: wf.destLat, Lng: wf.destLng}
	}
	trip, err := a.RequestWalk(ctx, pickup, dest)
	if err != nil {
		return err
	}
	out.trip(trip.Snapshot())
	if trip.Status().Terminal() {
		return nil
	}
	followTrip(ctx, trip, poll, cmds, out, logger)

	if ctx.Err() != nil && trip.Status().Live() {
		cancelCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		if err := trip.Cancel(cancelCtx); err != nil {
			return fmt.Errorf("cancel on shutdown: %w", err)
		}
		out.trip(trip.Snapshot())
	}
	return nil
}

// runEscort follows one assignment after another until ctx ends. An
// assignment the heartbeat stops reporting ends the local trip.
func runEscort(ctx context.Context, a *agent.Agent, poll time.Duration, cmds <-chan command, out *printer, logger *slog.Logger) error {
	for {
		trip, rec, err := a.WaitForAssignment(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		logger.Info("assignment received", "student_label", rec.CounterpartLabel)

		tripCtx, cancelTrip := context.WithCancel(ctx)
		unsubscribe := a.Heartbeat.Subscribe(func(r models.HeartbeatRecord) {
			if !r.Success {
				trip.Release()
				cancelTrip()
			}
		})
		followTrip(tripCtx, trip, poll, cmds, out, logger)
		unsubscribe()
		cancelTrip()
		if ctx.Err() != nil {
			return nil
		}
		if trip.Status().Live() {
			logger.Info("assignment released", "last_status", trip.Status().String())
		}
	}
}

// followTrip watches the trip and applies stdin commands to it until the
// trip ends or ctx is cancelled.
func followTrip(ctx context.Context, trip *reconciler.Trip, poll time.Duration, cmds <-chan command, out *printer, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		trip.Watch(ctx, poll, out.trip)
		close(done)
	}()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			<-done
			return
		case c, ok := <-cmds:
			if !ok {
				cmds = nil
				continue
			}
			if err := c.apply(ctx, trip); err != nil {
				logger.Warn("command failed", "command", c.name, "error", err)
				continue
			}
			out.trip(trip.Snapshot())
		}
	}
}

// printer is shared by the watch goroutine and the command loop.
type printer struct {
	mu  sync.Mutex
	enc *json.Encoder
	hub *relay.Hub
}

func newPrinter(w io.Writer, hub *relay.Hub) *printer {
	return &printer{enc: json.NewEncoder(w), hub: hub}
}

func (p *printer) trip(r models.Request) {
	p.mu.Lock()
	_ = p.enc.Encode(r)
	p.mu.Unlock()
	if p.hub != nil {
		p.hub.PublishTrip(r)
	}
}

func readCommands(f *os.File) <-chan command {
	ch := make(chan command)
	go func() {
		defer close(ch)
		sc := bufio.NewScanner(f)
		for sc.Scan() {
			c, err := parseCommand(sc.Text())
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				continue
			}
			if c.name != "" {
				ch <- c
			}
		}
	}()
	return ch
}
