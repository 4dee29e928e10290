// The hiitsim command plays interval workouts and serves their timing over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agleyzer/hiitsim/internal/cluster"
	"github.com/agleyzer/hiitsim/internal/demo"
	"github.com/agleyzer/hiitsim/internal/events"
	"github.com/agleyzer/hiitsim/internal/filler"
	"github.com/agleyzer/hiitsim/internal/loader"
	"github.com/agleyzer/hiitsim/internal/playlist"
	"github.com/agleyzer/hiitsim/internal/segment"
	"github.com/agleyzer/hiitsim/internal/server"
	"github.com/agleyzer/hiitsim/internal/session"
	"github.com/agleyzer/hiitsim/internal/timecap"
)

const (
	version = "1.0.0"

	// maxEvents is the event history kept for /events and websocket replay.
	maxEvents = 1000

	leaderWaitTimeout = 30 * time.Second
)

// options carries the parsed command line.
type options struct {
	source string

	port       int
	windowSize int
	timeScale  float64
	tickRate   float64

	demoID        string
	capSeconds    float64
	pool          string
	underStrategy string

	moves          string
	secondsPerMove int
	groups         string
	noRepeats      bool
	balance        bool

	autostart   bool
	verbose     bool
	templates   string
	exportDemos string

	cluster  bool
	raftID   string
	raftBind string
	peers    string
}

func main() {
	var opts options

	// Parse command-line flags
	flag.IntVar(&opts.port, "port", 8080, "HTTP server port")
	flag.IntVar(&opts.windowSize, "window-size", 6, "Number of upcoming segments in the live playlist")
	flag.Float64Var(&opts.timeScale, "time-scale", 1, "Playback speed multiplier (e.g. 4 plays a minute in 15s)")
	flag.Float64Var(&opts.tickRate, "tick-rate", 10, "Maximum tick events per second recorded on the event bus (0 records every frame)")
	flag.StringVar(&opts.demoID, "demo", "", "Built-in demo to play, or the demo to pick from a bundle file ("+demo.OnlineExample2+", "+demo.GymExample1+", "+demo.OnlineQuick+")")
	flag.Float64Var(&opts.capSeconds, "cap", 0, "Time cap in seconds applied after loading (0 disables)")
	flag.StringVar(&opts.pool, "pool", string(segment.PoolAll), "Segments the cap may change: all, work, rest or transitions")
	flag.StringVar(&opts.underStrategy, "under-strategy", string(timecap.StrategyAdjust), "How to fill a sequence shorter than the cap: adjust or finisher")
	flag.StringVar(&opts.moves, "moves", "", "Moves catalog (file or URL) used for cap filler and demo videos")
	flag.IntVar(&opts.secondsPerMove, "seconds-per-move", filler.DefaultSecondsPerMove, "Length of each cap filler move in seconds")
	flag.StringVar(&opts.groups, "groups", "", "Comma-separated muscle groups for cap filler moves (e.g. 'upper,abs')")
	flag.BoolVar(&opts.noRepeats, "no-repeats", false, "Avoid repeating cap filler moves")
	flag.BoolVar(&opts.balance, "balance", false, "Alternate cap filler moves across the selected groups")
	flag.BoolVar(&opts.autostart, "autostart", false, "Start the timer as soon as the sequence is loaded")
	flag.BoolVar(&opts.verbose, "verbose", false, "Enable verbose logging")
	flag.StringVar(&opts.templates, "templates", "", "Template store file; enables the /templates endpoints")
	flag.StringVar(&opts.exportDemos, "export-demos", "", "Write the demo bundle as JSON to this file ('-' for stdout) and exit")
	flag.BoolVar(&opts.cluster, "cluster", false, "Replicate the session across a Raft cluster")
	flag.StringVar(&opts.raftID, "raft-id", "", "Unique Raft node id (cluster mode)")
	flag.StringVar(&opts.raftBind, "raft-bind", "", "Raft bind address host:port (cluster mode)")
	flag.StringVar(&opts.peers, "peers", "", "Comma-separated Raft addresses of every node, including this one (cluster mode)")
	showVersion := flag.Bool("version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "hiitsim - interval workout timer v%s\n\n", version)
		fmt.Fprintf(os.Stderr, "Usage: %s [options] [sequence]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Arguments:\n")
		fmt.Fprintf(os.Stderr, "  [sequence]    File or URL of a JSON segment list, {segments} object or demo bundle\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  %s --demo %s --autostart\n", os.Args[0], demo.OnlineQuick)
		fmt.Fprintf(os.Stderr, "  %s --time-scale 4 workout.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --demo %s --cap 1800 --pool rest\n", os.Args[0], demo.OnlineExample2)
		fmt.Fprintf(os.Stderr, "  %s --cap 3600 --under-strategy finisher --moves moves.json workout.json\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --cluster --raft-id gym1 --raft-bind 10.0.0.1:7000 --peers 10.0.0.1:7000,10.0.0.2:7000 --demo %s\n", os.Args[0], demo.GymExample1)
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("hiitsim v%s\n", version)
		os.Exit(0)
	}

	opts.source = flag.Arg(0)

	if err := validateOptions(&opts); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n\n", err)
		flag.Usage()
		os.Exit(1)
	}

	// Setup logger
	logLevel := slog.LevelInfo
	if opts.verbose {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))

	// Create context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received signal", "signal", sig)
		cancel()
	}()

	if opts.exportDemos != "" {
		if err := exportDemos(ctx, opts); err != nil {
			logger.Error("export failed", "error", err)
			os.Exit(1)
		}
		return
	}

	logger.Info("hiitsim starting", "version", version)

	// Run the application
	if err := run(ctx, opts, logger); err != nil {
		logger.Error("application error", "error", err)
		os.Exit(1)
	}

	logger.Info("hiitsim stopped")
}

// validateOptions checks flag combinations.
func validateOptions(opts *options) error {
	if opts.port < 1 || opts.port > 65535 {
		return errors.New("port must be between 1 and 65535")
	}
	if opts.windowSize < 1 {
		return errors.New("window size must be at least 1")
	}
	if opts.timeScale <= 0 {
		return errors.New("time scale must be positive")
	}
	if opts.tickRate < 0 {
		return errors.New("tick rate must not be negative")
	}
	if opts.capSeconds < 0 {
		return errors.New("cap must not be negative")
	}
	if !segment.Pool(opts.pool).Valid() {
		return fmt.Errorf("unknown pool %q", opts.pool)
	}
	switch timecap.Strategy(opts.underStrategy) {
	case timecap.StrategyAdjust, timecap.StrategyFinisher:
	default:
		return fmt.Errorf("unknown under strategy %q", opts.underStrategy)
	}

	if opts.exportDemos != "" {
		return nil
	}

	// Followers receive their sequence from the leader.
	if opts.source == "" && opts.demoID == "" && !opts.cluster {
		return errors.New("a sequence file/URL or --demo is required")
	}

	if opts.cluster {
		if opts.raftID == "" || opts.raftBind == "" || opts.peers == "" {
			return errors.New("--cluster requires --raft-id, --raft-bind and --peers")
		}
	}
	return nil
}

func run(ctx context.Context, opts options, logger *slog.Logger) error {
	catalog, err := loadCatalog(ctx, opts.moves, logger)
	if err != nil {
		return err
	}

	segs, err := loadSequence(ctx, opts.source, opts.demoID, catalog)
	if err != nil {
		return err
	}
	if segs != nil {
		logger.Info("loaded sequence",
			"segments", len(segs),
			"duration", segment.FormatClock(segment.TotalDuration(segs)),
		)
	}

	bus := events.NewBus(maxEvents, opts.tickRate)
	sess := session.New(session.Config{
		TimeScale: opts.timeScale,
		Catalog:   catalog,
		FillerOptions: filler.Options{
			SecondsPerMove:      opts.secondsPerMove,
			Groups:              splitList(opts.groups),
			NoRepeats:           opts.noRepeats,
			BalanceAcrossGroups: opts.balance,
		},
	}, bus, logger)
	defer sess.Close()

	srvOpts := server.Options{Port: opts.port}

	// Only the leader seeds the replicated session.
	seed := true
	if opts.cluster {
		mgr, err := startCluster(ctx, opts, sess, logger)
		if err != nil {
			return err
		}
		defer mgr.Shutdown()

		srvOpts.Cluster = mgr
		seed = mgr.IsLeader()
		if !seed {
			logger.Info("following cluster leader", "leader", mgr.LeaderAddr())
		}
	}

	if seed && segs != nil {
		if err := seedSession(ctx, sess, segs, opts); err != nil {
			return err
		}
	}

	if opts.templates != "" {
		srvOpts.Templates = loader.NewTemplateStore(opts.templates)
		logger.Info("template store enabled", "path", opts.templates)
	}

	preview, err := playlist.NewLive(sess, opts.windowSize, "", logger)
	if err != nil {
		return fmt.Errorf("failed to create live playlist: %w", err)
	}

	// Create and start the HTTP server
	srv := server.New(sess, bus, preview, srvOpts, logger)

	logger.Info("workout timer ready",
		"state", fmt.Sprintf("http://localhost:%d/state", opts.port),
		"events", fmt.Sprintf("ws://localhost:%d/ws", opts.port),
		"playlist", fmt.Sprintf("http://localhost:%d/playlist.m3u8", opts.port),
		"health", fmt.Sprintf("http://localhost:%d/health", opts.port),
	)

	// Start server (blocks until shutdown)
	return srv.Start(ctx)
}

// startCluster joins the Raft cluster and routes the session through it.
func startCluster(ctx context.Context, opts options, sess *session.Session, logger *slog.Logger) (*cluster.Manager, error) {
	mgr, err := cluster.NewManager(cluster.Config{
		RaftID:   opts.raftID,
		BindAddr: opts.raftBind,
		Peers:    splitList(opts.peers),
		Verbose:  opts.verbose,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create cluster manager: %w", err)
	}

	mgr.SetListener(sess.ApplyReplicated)
	sess.SetReplicator(mgr)

	if err := mgr.Start(ctx); err != nil {
		return nil, fmt.Errorf("failed to start cluster: %w", err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, leaderWaitTimeout)
	defer cancel()
	if err := mgr.WaitForLeader(waitCtx); err != nil {
		mgr.Shutdown()
		return nil, fmt.Errorf("no cluster leader elected: %w", err)
	}

	logger.Info("cluster ready", "state", mgr.State(), "leader", mgr.LeaderAddr())
	return mgr, nil
}

// seedSession loads the initial sequence and applies the command-line cap.
func seedSession(ctx context.Context, sess *session.Session, segs []segment.Segment, opts options) error {
	if err := sess.Load(ctx, segs); err != nil {
		return fmt.Errorf("failed to load sequence: %w", err)
	}

	if opts.capSeconds > 0 {
		if _, err := sess.ApplyCap(ctx, session.CapRequest{
			TargetSeconds: opts.capSeconds,
			Pool:          segment.Pool(opts.pool),
			UnderStrategy: timecap.Strategy(opts.underStrategy),
		}); err != nil {
			return fmt.Errorf("failed to apply time cap: %w", err)
		}
	}

	if opts.autostart {
		if err := sess.Control(ctx, session.OpStart); err != nil {
			return fmt.Errorf("failed to start timer: %w", err)
		}
	}
	return nil
}

// loadSequence reads the positional source, or the built-in demo when there
// is none. It returns nil, nil when neither is given.
func loadSequence(ctx context.Context, source, demoID string, catalog []filler.Move) ([]segment.Segment, error) {
	if source != "" {
		segs, err := loader.LoadSequence(ctx, source, demoID)
		if err != nil {
			return nil, fmt.Errorf("failed to load sequence: %w", err)
		}
		return segs, nil
	}
	if demoID == "" {
		return nil, nil
	}

	d, err := demo.Find(catalog, demoID)
	if err != nil {
		return nil, err
	}
	return d.Segments, nil
}

func loadCatalog(ctx context.Context, source string, logger *slog.Logger) ([]filler.Move, error) {
	if source == "" {
		return nil, nil
	}
	catalog, err := loader.LoadCatalog(ctx, source)
	if err != nil {
		return nil, fmt.Errorf("failed to load moves catalog: %w", err)
	}
	logger.Info("loaded moves catalog", "moves", len(catalog))
	return catalog, nil
}

// exportDemos writes the demo bundle to opts.exportDemos.
func exportDemos(ctx context.Context, opts options) error {
	catalog, err := loadCatalog(ctx, opts.moves, slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		return err
	}
	demos := demo.All(catalog)

	if opts.exportDemos == "-" {
		return loader.EncodeBundle(os.Stdout, demos)
	}

	f, err := os.Create(opts.exportDemos)
	if err != nil {
		return fmt.Errorf("create %s: %w", opts.exportDemos, err)
	}
	if err := loader.EncodeBundle(f, demos); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// splitList splits a comma-separated flag value, dropping empty items.
func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
