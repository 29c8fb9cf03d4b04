package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dalnet/ngservices/internal/config"
	"github.com/dalnet/ngservices/internal/engine"
	"github.com/dalnet/ngservices/internal/logging"
	"github.com/dalnet/ngservices/internal/metrics"
	"github.com/dalnet/ngservices/internal/network"
	"github.com/dalnet/ngservices/internal/operserv"
	"github.com/dalnet/ngservices/internal/proto"
	"github.com/dalnet/ngservices/internal/storage"
	"github.com/dalnet/ngservices/internal/uplink"
	"github.com/dalnet/ngservices/internal/xline"
)

// Version information - set at build time via ldflags
var (
	version   = "dev"
	buildDate = "unknown"
	gitCommit = "unknown"
)

const daemonEnv = "NGSERVICES_DAEMON"

func main() {
	foreground := flag.Bool("x", false, "Run in foreground (don't daemonize)")
	configPath := flag.String("c", "./config.yaml", "Path to configuration file")
	showVersion := flag.Bool("v", false, "Show version information and exit")
	showVersionLong := flag.Bool("version", false, "Show version information and exit")
	flag.Parse()

	if *showVersion || *showVersionLong {
		fmt.Printf("ngservices version %s\n", version)
		fmt.Printf("Built: %s\n", buildDate)
		fmt.Printf("Commit: %s\n", gitCommit)
		os.Exit(0)
	}

	if !*foreground {
		daemonize()
		return
	}

	if err := writePIDFile(); err != nil {
		log.Printf("Warning: could not write PID file: %v", err)
	}

	restart, err := run(*configPath)
	if err != nil {
		log.Fatalf("%v", err)
	}
	if restart {
		reexec()
	}
}

// daemonize forks twice: the first child re-executes us with -x and exits,
// leaving the daemon adopted by init
func daemonize() {
	if os.Getenv(daemonEnv) == "1" {
		fmt.Printf("Now becoming a daemon\n")

		args := append(os.Args, "-x")
		cmd := exec.Command(args[0], args[1:]...)
		cmd.Env = os.Environ()
		if err := cmd.Start(); err != nil {
			log.Fatalf("Failed to start daemon: %v", err)
		}
		fmt.Printf("Daemon pid is %d, written to pid.txt\n", cmd.Process.Pid)
		os.Exit(0)
	}

	cmd := exec.Command(os.Args[0], os.Args[1:]...)
	cmd.Env = append(os.Environ(), daemonEnv+"=1")
	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to fork: %v", err)
	}
	os.Exit(0)
}

func writePIDFile() error {
	return os.WriteFile("pid.txt", []byte(fmt.Sprintf("%d\n", os.Getpid())), 0644)
}

// reexec replaces the process with a fresh copy that daemonizes again
func reexec() {
	var args []string
	for _, arg := range os.Args {
		if arg != "-x" {
			args = append(args, arg)
		}
	}
	env := os.Environ()
	for i, kv := range env {
		if kv == daemonEnv+"=1" {
			env = append(env[:i], env[i+1:]...)
			break
		}
	}
	if err := syscall.Exec(args[0], args, env); err != nil {
		log.Fatalf("Failed to restart: %v", err)
	}
}

// run links to the uplink until a signal or an operator stops it. It
// reports whether an operator asked for a restart.
func run(configPath string) (bool, error) {
	if !filepath.IsAbs(configPath) {
		wd, _ := os.Getwd()
		configPath = filepath.Join(wd, configPath)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return false, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return false, err
	}

	store, err := storage.Open(cfg.Storage.Driver, cfg.Storage.DataDir, cfg.Storage.DSN)
	if err != nil {
		return false, fmt.Errorf("failed to open storage: %w", err)
	}
	defer store.Close()

	banOpts, err := banOptions(cfg.Akill)
	if err != nil {
		return false, err
	}
	tick, err := xline.ParseDuration(cfg.Akill.ExpireCheck, time.Second)
	if err != nil {
		return false, fmt.Errorf("akill.expire_check: %w", err)
	}
	reconnect, err := xline.ParseDuration(cfg.Uplink.ReconnectDelay, time.Second)
	if err != nil {
		return false, fmt.Errorf("uplink.reconnect_delay: %w", err)
	}

	m := metrics.New()
	eng := engine.New(proto.NgIRCd(), engineOptions(cfg), store, logger, m)

	bans := xline.NewManager(banOpts, eng, store, logger, m)
	if err := bans.Load(); err != nil {
		logger.Warn("could not load akills", "error", err)
	}
	eng.AttachBans(bans)

	eng.OnFingerprint(func(u *network.User) {
		logger.Debug("user certificate fingerprint", "nick", u.Nick, "fingerprint", u.Fingerprint)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	restart := false
	ops := operserv.New(eng, store, logger, version)
	ops.OnShutdown = cancel
	ops.OnRestart = func() {
		restart = true
		cancel()
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := m.Serve(ctx, cfg.Metrics.Listen); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.Metrics.Listen, "error", err)
			}
		}()
	}

	client := uplink.New(uplink.Options{
		Host:           cfg.Uplink.Host,
		Port:           cfg.Uplink.Port,
		TLS:            cfg.Uplink.TLS,
		TLSInsecure:    cfg.Uplink.TLSInsecure,
		ReconnectDelay: reconnect,
		TickInterval:   tick,
	}, eng, logger, m)

	logger.Info("linking to uplink", "server", cfg.Server.Name, "uplink", cfg.Uplink.Host, "port", cfg.Uplink.Port)
	if err := client.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return false, err
	}
	logger.Info("shutting down", "restart", restart)
	return restart, nil
}

func engineOptions(cfg *config.Config) engine.Options {
	opts := engine.Options{
		Name:        cfg.Server.Name,
		Description: cfg.Server.Description,
		Password:    cfg.Uplink.Password,
		Version:     version,
		NickLen:     cfg.Network.NickLen,
	}
	for _, c := range cfg.Services {
		opts.Clients = append(opts.Clients, engine.Client{
			Nick:     c.Nick,
			Ident:    c.Ident,
			Host:     cfg.ServiceHost(c),
			Realname: c.Realname,
			Modes:    c.Modes,
		})
	}
	return opts
}

func banOptions(a config.Akill) (xline.Options, error) {
	unit, err := xline.ParseUnit(a.DefaultUnit)
	if err != nil {
		return xline.Options{}, fmt.Errorf("akill.default_unit: %w", err)
	}
	expiry, err := xline.ParseDuration(a.DefaultExpiry, unit)
	if err != nil {
		return xline.Options{}, fmt.Errorf("akill.default_expiry: %w", err)
	}
	regex, err := xline.RegexEngineByName(a.RegexEngine)
	if err != nil {
		return xline.Options{}, fmt.Errorf("akill.regex_engine: %w", err)
	}
	return xline.Options{
		DefaultExpiry:  expiry,
		DefaultUnit:    unit,
		PropagateOnAdd: a.OnAdd,
		GenerateIDs:    a.IDs,
		Threshold:      a.Threshold,
		Regex:          regex,
	}, nil
}
