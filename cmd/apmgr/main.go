// apmgr is the unprivileged CLI for managing WiFi access points. It
// never mutates network state itself: privileged work goes through the
// apmgr-daemon broker, and when the broker cannot be reached or started
// the whole process re-executes under an elevation backend chosen by
// probing the environment (sudo, pkexec, systemd-run).
//
// Every mutating command runs inside the cross-process file mutex, so
// concurrent invocations, elevated or brokered, serialize on the shared
// interface state.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/skye-cyber/APManager/internal/broker"
	"github.com/skye-cyber/APManager/internal/config"
	"github.com/skye-cyber/APManager/internal/hotspot"
	"github.com/skye-cyber/APManager/internal/lockfile"
	"github.com/skye-cyber/APManager/internal/logging"
	"github.com/skye-cyber/APManager/internal/privilege"
	"github.com/skye-cyber/APManager/internal/profile"
	"github.com/skye-cyber/APManager/internal/signals"
	"github.com/skye-cyber/APManager/internal/status"
	"github.com/skye-cyber/APManager/internal/version"
)

const elevationTimeout = 5 * time.Minute

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: apmgr [flags] <command>

Commands:
  start     bring up the access point
  stop      tear the access point down
  status    show AP interface and service state
  profiles  list saved profiles
  save      save a profile from flags
  delete    delete a saved profile
  version   print version information

Flags:
`)
	flag.PrintDefaults()
}

func main() {
	configPath := flag.String("config", config.DefaultConfigPath, "path to configuration file")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() < 1 {
		usage()
		os.Exit(2)
	}
	command := flag.Arg(0)
	args := flag.Args()[1:]

	if command == "version" {
		fmt.Println(version.Info())
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: failed to load configuration from %s: %v\n", *configPath, err)
		os.Exit(1)
	}
	logger := logging.SetupLogger(cfg.LogLevel)

	handler := signals.New(logger)
	handler.Install()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		signals: handler,
	}

	ctx := context.Background()
	switch command {
	case "start":
		a.runMutating(ctx, args, a.start)
	case "stop":
		a.runMutating(ctx, args, a.stop)
	case "status":
		a.status(ctx)
	case "profiles":
		a.listProfiles()
	case "save":
		a.saveProfile(args)
	case "delete":
		a.deleteProfile(args)
	default:
		fmt.Fprintf(os.Stderr, "ERROR: unknown command %q\n", command)
		usage()
		os.Exit(2)
	}
}

type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	signals *signals.Handler
}

// runMutating wires the shared machinery every mutating command needs:
// the cross-process mutex, the broker client, and the elevation fallback
// when the broker cannot be reached.
func (a *app) runMutating(ctx context.Context, args []string, fn func(ctx context.Context, mgr *hotspot.Manager, args []string) error) {
	mutex, err := lockfile.New(a.cfg.LockDir)
	if err != nil {
		a.signals.Die(fmt.Sprintf("cannot initialize lock files: %v", err))
	}
	a.signals.OnExit(func() { mutex.Close() })
	defer mutex.Close()

	client := broker.NewClient(a.cfg.SocketPath, a.logger)
	mgr := hotspot.NewManager(client, mutex, a.logger, a.cfg.DaemonUnit)

	if err := mgr.EnsureDaemon(ctx); err != nil {
		a.elevateAndRetry(ctx)
		// elevateAndRetry only returns if elevation was unnecessary;
		// re-check the daemon before proceeding.
		if err := mgr.EnsureDaemon(ctx); err != nil {
			a.signals.Die(fmt.Sprintf("broker daemon unavailable: %v", err))
		}
	}

	if err := fn(ctx, mgr, args); err != nil {
		a.signals.Die(err.Error())
	}
}

// elevateAndRetry probes the environment and either re-executes the
// whole process elevated (sudo replaces the image and never returns;
// pkexec/systemd-run spawn a child whose exit status is mirrored) or
// dies with a distinct reason when no backend exists.
func (a *app) elevateAndRetry(ctx context.Context) {
	prober := privilege.NewProber(a.logger)
	decision := privilege.Decide(prober.Probe(ctx, privilege.DefaultProbes))
	a.logger.Info("elevation decision", slog.String("decision", decision.String()))

	switch decision {
	case privilege.AlreadySufficient:
		return
	case privilege.Impossible:
		a.signals.Die("cannot obtain root privileges: no elevation backend available (sudo, pkexec, systemd-run)")
	}

	res, err := privilege.Elevate(ctx, decision, elevationTimeout)
	if err != nil {
		a.signals.Die(fmt.Sprintf("elevation via %s failed: %v", decision, err))
	}
	// Spawn-and-wait backends: the elevated child did the work; mirror
	// its outcome instead of repeating it.
	if res != nil {
		fmt.Print(res.Stdout)
		fmt.Fprint(os.Stderr, res.Stderr)
		if res.ExitCode != 0 {
			a.signals.Die("")
		}
		a.signals.CleanExit("")
	}
}

func (a *app) start(ctx context.Context, mgr *hotspot.Manager, args []string) error {
	fs := flag.NewFlagSet("start", flag.ExitOnError)
	profileName := fs.String("profile", "", "saved profile to start")
	ssid := fs.String("ssid", "apmgr", "SSID when no profile is given")
	fs.Parse(args)

	p, err := a.resolveProfile(*profileName, *ssid)
	if err != nil {
		return err
	}
	if err := mgr.Start(ctx, p); err != nil {
		return err
	}
	fmt.Printf("Access point %q up on %s (%s)\n", p.SSID, p.VirtualInterface, p.Gateway)
	return nil
}

func (a *app) stop(ctx context.Context, mgr *hotspot.Manager, args []string) error {
	fs := flag.NewFlagSet("stop", flag.ExitOnError)
	profileName := fs.String("profile", "", "saved profile to stop")
	fs.Parse(args)

	p, err := a.resolveProfile(*profileName, "")
	if err != nil {
		return err
	}
	if err := mgr.Stop(ctx, p); err != nil {
		return err
	}
	fmt.Printf("Access point on %s stopped\n", p.VirtualInterface)
	return nil
}

// resolveProfile loads a named profile or synthesizes one from the
// configuration.
func (a *app) resolveProfile(name, ssid string) (*profile.Profile, error) {
	if name != "" {
		store, err := profile.Open(a.cfg.ProfileDB)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		return store.Get(name)
	}
	return &profile.Profile{
		Name:             "adhoc",
		SSID:             ssid,
		Interface:        a.cfg.Interface,
		VirtualInterface: a.cfg.VirtualInterface,
		Gateway:          a.cfg.Gateway,
	}, nil
}

func (a *app) status(ctx context.Context) {
	report, err := status.NewCollector(a.logger).Collect(ctx, a.cfg.VirtualInterface)
	if err != nil {
		a.signals.Die(fmt.Sprintf("status collection failed: %v", err))
	}

	state := "down"
	if report.Running() {
		state = "running"
	}
	fmt.Printf("Access point: %s\n", state)
	fmt.Printf("Interface %s: present=%v up=%v addrs=%v\n",
		report.Interface.Name, report.Interface.Present, report.Interface.Up, report.Interface.Addrs)
	for _, svc := range report.Services {
		if svc.Running {
			fmt.Printf("  %s: running (pid %d)\n", svc.Name, svc.PID)
		} else {
			fmt.Printf("  %s: not running\n", svc.Name)
		}
	}
}

func (a *app) listProfiles() {
	store, err := profile.Open(a.cfg.ProfileDB)
	if err != nil {
		a.signals.Die(fmt.Sprintf("cannot open profile database: %v", err))
	}
	defer store.Close()

	profiles, err := store.List()
	if err != nil {
		a.signals.Die(fmt.Sprintf("cannot list profiles: %v", err))
	}
	if len(profiles) == 0 {
		fmt.Println("No saved profiles")
		return
	}
	for _, p := range profiles {
		fmt.Printf("%s\tssid=%s iface=%s->%s gw=%s\n",
			p.Name, p.SSID, p.Interface, p.VirtualInterface, p.Gateway)
	}
}

func (a *app) saveProfile(args []string) {
	fs := flag.NewFlagSet("save", flag.ExitOnError)
	name := fs.String("name", "", "profile name (required)")
	ssid := fs.String("ssid", "", "SSID (required)")
	passphrase := fs.String("passphrase", "", "WPA passphrase")
	iface := fs.String("interface", a.cfg.Interface, "physical wireless interface")
	virt := fs.String("virtual-interface", a.cfg.VirtualInterface, "virtual AP interface")
	gateway := fs.String("gateway", a.cfg.Gateway, "gateway address (CIDR)")
	channel := fs.Int("channel", 0, "wireless channel (0 = auto)")
	hidden := fs.Bool("hidden", false, "hide the SSID")
	fs.Parse(args)

	if *name == "" || *ssid == "" {
		a.signals.Die("save requires -name and -ssid")
	}

	store, err := profile.Open(a.cfg.ProfileDB)
	if err != nil {
		a.signals.Die(fmt.Sprintf("cannot open profile database: %v", err))
	}
	defer store.Close()

	p := &profile.Profile{
		Name:             *name,
		SSID:             *ssid,
		Passphrase:       *passphrase,
		Interface:        *iface,
		VirtualInterface: *virt,
		Gateway:          *gateway,
		Channel:          *channel,
		Hidden:           *hidden,
	}
	if err := store.Put(p); err != nil {
		a.signals.Die(fmt.Sprintf("cannot save profile: %v", err))
	}
	fmt.Printf("Profile %q saved\n", *name)
}

func (a *app) deleteProfile(args []string) {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	name := fs.String("name", "", "profile name (required)")
	fs.Parse(args)

	if *name == "" {
		a.signals.Die("delete requires -name")
	}

	store, err := profile.Open(a.cfg.ProfileDB)
	if err != nil {
		a.signals.Die(fmt.Sprintf("cannot open profile database: %v", err))
	}
	defer store.Close()

	if err := store.Delete(*name); err != nil {
		if errors.Is(err, profile.ErrNotFound) {
			a.signals.Die(fmt.Sprintf("no profile named %q", *name))
		}
		a.signals.Die(fmt.Sprintf("cannot delete profile: %v", err))
	}
	fmt.Printf("Profile %q deleted\n", *name)
}
