package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/keelworks/keel/pkg/audit"
	"github.com/keelworks/keel/pkg/config"
	"github.com/keelworks/keel/pkg/fault"
	"github.com/keelworks/keel/pkg/harness"
	"github.com/keelworks/keel/pkg/item"
	"github.com/keelworks/keel/pkg/lockstore"
	"github.com/keelworks/keel/pkg/observability"
	"github.com/keelworks/keel/pkg/primitive"
	"github.com/keelworks/keel/pkg/resolve"
	"github.com/keelworks/keel/pkg/runtime/budget"
	"github.com/keelworks/keel/pkg/runtime/hook"

	_ "github.com/lib/pq" // Postgres driver
)

const version = "0.1.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// Run dispatches subcommands. Split out from main for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		printUsage(stdout)
		return 2
	}

	switch args[1] {
	case "resolve":
		return runResolve(args[2:], stdout, stderr)
	case "execute":
		return runExecute(args[2:], stdout, stderr)
	case "verify-lock":
		return runVerifyLock(args[2:], stdout, stderr)
	case "receipts":
		return runReceipts(args[2:], stdout, stderr)
	case "version":
		fmt.Fprintf(stdout, "keel %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		fmt.Fprintf(stderr, "unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "keel - capability-based execution kernel")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  keel <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  resolve      Resolve a reference into a chain and print its lockfile")
	fmt.Fprintln(w, "  execute      Resolve and run a reference under a budget")
	fmt.Fprintln(w, "  verify-lock  Re-validate a saved lockfile against the current store")
	fmt.Fprintln(w, "  receipts     List recent execution receipts")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w, "  help         Show this help")
}

// kernel bundles the wired collaborators for one CLI invocation.
type kernel struct {
	cfg      *config.Config
	store    item.Store
	resolver *resolve.Resolver
	harness  *harness.Harness
	locks    lockstore.Store
	ledger   *audit.SQLiteLedger
	obs      *observability.Provider
	closers  []func() error
}

func (k *kernel) Close() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		_ = k.closers[i]()
	}
}

func buildKernel(ctx context.Context, stderr io.Writer, storeDir string) (*kernel, error) {
	cfg := config.Load()
	initLogger(cfg.LogLevel, stderr)

	k := &kernel{cfg: cfg}

	obs, err := observability.New(ctx, &observability.Config{
		ServiceName:    "keel",
		ServiceVersion: version,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     1.0,
		BatchTimeout:   5 * time.Second,
		Enabled:        cfg.ObservabilityEnabled && cfg.OTLPEndpoint != "",
		Insecure:       true,
	})
	if err != nil {
		return nil, err
	}
	k.obs = obs
	k.closers = append(k.closers, func() error { return obs.Shutdown(context.Background()) })

	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("opening item database: %w", err)
		}
		k.closers = append(k.closers, db.Close)
		pg := item.NewPostgresStore(db)
		if err := pg.Init(ctx); err != nil {
			return nil, err
		}
		k.store = pg
	} else {
		k.store = item.NewFSStore(item.DefaultSpaces(storeDir, "/etc/keel")...)
	}

	opts := []resolve.Option{resolve.WithMaxDepth(cfg.MaxChainDepth)}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parsing redis url: %w", err)
		}
		client := redis.NewClient(redisOpts)
		k.closers = append(k.closers, client.Close)
		opts = append(opts, resolve.WithCache(resolve.NewRedisCache(client, time.Hour)))
	}
	k.resolver = resolve.NewResolver(k.store, item.NewVerifier(nil, nil), opts...)

	locks, err := lockstore.NewStoreFromEnv(ctx)
	if err != nil {
		return nil, err
	}
	k.locks = locks

	ledger, err := audit.Open(cfg.LedgerPath)
	if err != nil {
		return nil, err
	}
	k.ledger = ledger
	k.closers = append(k.closers, ledger.Close)

	registry := primitive.NewRegistry(
		primitive.NewProcessExecutor(),
		primitive.NewHTTPExecutor(),
	)
	k.harness = harness.New(k.resolver, registry,
		harness.WithRecorder(ledger),
		harness.WithMaxInFlight(cfg.MaxInFlight),
		harness.WithRequireSignatures(cfg.RequireSignatures),
	)
	return k, nil
}

func initLogger(level string, stderr io.Writer) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: lvl})))
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runResolve(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("resolve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeDir := fs.String("store-dir", ".", "project directory holding the .keel item tree")
	save := fs.Bool("save", false, "persist the lockfile to the lockfile store")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: keel resolve [flags] <type:id[@version]>")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	ref, err := item.ParseReference(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	k, err := buildKernel(ctx, stderr, *storeDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer k.Close()

	chain, err := k.resolver.Resolve(ctx, ref, nil)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	lf := chain.Lockfile()
	if *save {
		addr, err := k.locks.Put(ctx, lf)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		fmt.Fprintf(stderr, "saved lockfile %s\n", addr)
	}

	raw, err := lf.Encode()
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	fmt.Fprintln(stdout, string(raw))
	return 0
}

func runExecute(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("execute", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeDir := fs.String("store-dir", ".", "project directory holding the .keel item tree")
	profilesDir := fs.String("profiles-dir", "profiles", "directory holding execution profiles")
	profileName := fs.String("profile", "", "execution profile name")
	maxTurns := fs.Int64("max-turns", 0, "turn budget (0 = unlimited)")
	maxSpend := fs.Int64("max-spend", 0, "spend budget in cents (0 = unlimited)")
	maxDuration := fs.Duration("max-duration", 0, "aggregate duration budget (0 = unlimited)")
	timeout := fs.Duration("timeout", time.Minute, "per-primitive call timeout")
	var params paramFlags
	fs.Var(&params, "param", "tool parameter as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "usage: keel execute [flags] <type:id[@version]>")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	ref, err := item.ParseReference(fs.Arg(0))
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}

	k, err := buildKernel(ctx, stderr, *storeDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer k.Close()

	limits := budget.Limits{
		MaxTurns:    *maxTurns,
		MaxSpend:    *maxSpend,
		MaxDuration: *maxDuration,
	}
	var hooks *hook.Set
	if *profileName != "" {
		profile, err := config.LoadProfile(*profilesDir, *profileName)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
		limits = profile.Limits()
		hooks, err = buildHooks(profile)
		if err != nil {
			fmt.Fprintln(stderr, err)
			return 1
		}
	}

	ctx, done := k.obs.TrackExecution(ctx, ref.String())
	res := k.harness.Execute(ctx, harness.Request{
		Root:        ref,
		Params:      params.values,
		Limits:      limits,
		Hooks:       hooks,
		CallTimeout: *timeout,
	})
	if res.Err != nil {
		done(errCode(res.Err))
	} else {
		done("")
	}

	out := map[string]any{
		"status": res.Status,
		"usage":  res.Usage,
	}
	if res.Output != nil {
		out["output"] = res.Output
	}
	if res.Err != nil {
		out["error"] = res.Err.Error()
	}
	if res.Lockfile != nil {
		out["lockfile"] = res.Lockfile
		out["risk_tiers"] = res.RiskTiers
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(out)

	if res.Status != harness.StatusCompleted {
		return 1
	}
	return 0
}

func runVerifyLock(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("verify-lock", flag.ContinueOnError)
	fs.SetOutput(stderr)
	storeDir := fs.String("store-dir", ".", "project directory holding the .keel item tree")
	addr := fs.String("addr", "", "lockfile content address (sha256:<hex>)")
	path := fs.String("file", "", "lockfile path on disk")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if (*addr == "") == (*path == "") {
		fmt.Fprintln(stderr, "usage: keel verify-lock (--addr sha256:<hex> | --file lockfile.json)")
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	k, err := buildKernel(ctx, stderr, *storeDir)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer k.Close()

	var lf *resolve.Lockfile
	if *addr != "" {
		lf, err = k.locks.Get(ctx, *addr)
	} else {
		var raw []byte
		raw, err = os.ReadFile(*path)
		if err == nil {
			lf, err = resolve.DecodeLockfile(raw)
		}
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	root := item.Reference{ID: lf.Root.ItemID, Version: lf.Root.Version}
	root.Type, err = rootType(ctx, k.store, lf)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}

	if _, err := k.resolver.Replay(ctx, root, nil, lf); err != nil {
		fmt.Fprintf(stderr, "lockfile is stale: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "lockfile is valid against the current store")
	return 0
}

// rootType recovers the root's item type by probing the store; lock entries
// carry only the id and version.
func rootType(ctx context.Context, store item.Store, lf *resolve.Lockfile) (item.Type, error) {
	for _, t := range []item.Type{item.TypeTool, item.TypeDirective, item.TypeRuntime, item.TypePrimitive} {
		ref := item.Reference{Type: t, ID: lf.Root.ItemID, Version: lf.Root.Version}
		if _, err := store.GetItem(ctx, ref); err == nil {
			return t, nil
		}
	}
	return "", fmt.Errorf("root item %s@%s not found under any type", lf.Root.ItemID, lf.Root.Version)
}

func runReceipts(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("receipts", flag.ContinueOnError)
	fs.SetOutput(stderr)
	limit := fs.Int("limit", 20, "maximum receipts to list")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := signalContext()
	defer cancel()

	cfg := config.Load()
	initLogger(cfg.LogLevel, stderr)
	ledger, err := audit.Open(cfg.LedgerPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	defer func() { _ = ledger.Close() }()

	receipts, err := ledger.Recent(ctx, *limit)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(receipts)
	return 0
}

// paramFlags collects repeated --param key=value flags.
type paramFlags struct {
	values map[string]any
}

func (p *paramFlags) String() string { return fmt.Sprint(p.values) }

func (p *paramFlags) Set(s string) error {
	key, value, ok := strings.Cut(s, "=")
	if !ok || key == "" {
		return fmt.Errorf("malformed param %q, want key=value", s)
	}
	if p.values == nil {
		p.values = make(map[string]any)
	}
	p.values[key] = value
	return nil
}

func buildHooks(profile *config.ExecutionProfile) (*hook.Set, error) {
	if len(profile.Hooks) == 0 {
		return nil, nil
	}
	eval, err := hook.NewEvaluator()
	if err != nil {
		return nil, err
	}
	hooks := make([]*hook.Hook, 0, len(profile.Hooks))
	for _, decl := range profile.Hooks {
		action, err := item.ParseReference(decl.Action)
		if err != nil {
			return nil, fmt.Errorf("hook %q: %w", decl.Name, err)
		}
		hooks = append(hooks, &hook.Hook{
			Name:      decl.Name,
			Condition: decl.Condition,
			Action:    action,
			OneShot:   decl.OneShot,
			Fatal:     decl.Fatal,
		})
	}
	return hook.NewSet(eval, hooks...)
}

func errCode(err error) string {
	if code := fault.CodeOf(err); code != "" {
		return code
	}
	return "ERR_UNKNOWN"
}
