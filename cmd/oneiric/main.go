// Command oneiric is the operator CLI and runtime entry point: inspect
// candidates, explain resolutions, drive swaps and activity flags, sync
// remote manifests, and run the orchestrated process.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"go.uber.org/zap"

	"github.com/oneiric/oneiric/internal/bridge"
	"github.com/oneiric/oneiric/internal/config"
	"github.com/oneiric/oneiric/internal/factory"
	"github.com/oneiric/oneiric/internal/lifecycle"
	"github.com/oneiric/oneiric/internal/orchestrator"
	"github.com/oneiric/oneiric/internal/registry"
	oerr "github.com/oneiric/oneiric/pkg/errors"
	"github.com/oneiric/oneiric/pkg/logger"
	"github.com/oneiric/oneiric/pkg/observe"
	"github.com/oneiric/oneiric/pkg/providers/memprov"
	"github.com/oneiric/oneiric/pkg/providers/redisprov"
)

// Exit codes.
const (
	exitOK         = 0
	exitOther      = 1
	exitUsage      = 2
	exitNotFound   = 3
	exitHealth     = 4
	exitSwap       = 5
	exitRemoteSync = 6
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: oneiric [-config path] <command> [flags]

commands:
  list         list registered candidates
  explain      explain a resolution decision
  status       show status snapshots
  swap         swap a slot to another provider
  pause        set the paused flag on a slot
  drain        set the draining flag on a slot
  resume       clear pause and drain flags
  health       activate and probe a slot
  remote-sync  sync remote manifests (once or watch)
  orchestrate  run the supervised runtime`)
}

func run(args []string) int {
	global := flag.NewFlagSet("oneiric", flag.ContinueOnError)
	configPath := global.String("config", os.Getenv("ONEIRIC_CONFIG"), "path to the config file")
	if err := global.Parse(args); err != nil {
		return exitUsage
	}
	rest := global.Args()
	if len(rest) == 0 {
		usage()
		return exitUsage
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return exitUsage
	}

	log := logger.New(logger.Config{
		Environment: cfg.Log.Environment,
		LogLevel:    cfg.Log.Level,
		ServiceName: "oneiric",
	})
	defer log.Sync() //nolint:errcheck

	cmd, cmdArgs := rest[0], rest[1:]
	if cmd == "remote-sync" {
		// remote-sync may override the manifest URL, which feeds pipeline
		// construction, so it assembles its own runtime
		return cmdRemoteSync(cfg, log, cmdArgs)
	}

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	switch cmd {
	case "list":
		return cmdList(rt, cmdArgs)
	case "explain":
		return cmdExplain(rt, cmdArgs)
	case "status":
		return cmdStatus(rt, cmdArgs)
	case "swap":
		return cmdSwap(rt, cmdArgs)
	case "pause", "drain":
		return cmdFlag(rt, cmd, cmdArgs)
	case "resume":
		return cmdResume(rt, cmdArgs)
	case "health":
		return cmdHealth(rt, cmdArgs)
	case "orchestrate":
		return cmdOrchestrate(rt, log)
	default:
		usage()
		return exitUsage
	}
}

// buildRuntime composes the runtime and registers the built-in providers.
func buildRuntime(cfg config.Config, log *zap.Logger) (*orchestrator.Runtime, error) {
	catalog := factory.NewCatalog()
	memprov.Register(catalog)
	redisprov.Register(catalog)

	if len(cfg.FactoryAllowlist) == 0 {
		cfg.FactoryAllowlist = []string{"oneiric."}
	}

	rt := orchestrator.New(cfg, catalog, log)

	for _, cand := range []registry.Candidate{memprov.Candidate(), redisprov.Candidate()} {
		if _, err := rt.Registry().Register(cand); err != nil {
			return nil, fmt.Errorf("register builtin %s: %w", cand.Provider, err)
		}
	}
	ab := rt.Bridge(registry.DomainAdapter)
	ab.RegisterSettingsModel(redisprov.SettingsModel, redisprov.NewSettings)
	return rt, nil
}

func parseDomain(s string) (registry.Domain, bool) {
	d := registry.Domain(s)
	return d, d.Valid()
}

func render(rows [][]string) {
	table := tablewriter.NewWriter(os.Stdout)
	for _, row := range rows {
		if err := table.Append(row); err != nil {
			fmt.Fprintln(os.Stderr, "render:", err)
			return
		}
	}
	if err := table.Render(); err != nil {
		fmt.Fprintln(os.Stderr, "render:", err)
	}
}

func cmdList(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain to list")
	keyFlag := fs.String("key", "", "limit to one key")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	cands := rt.Bridge(domain).ListCandidates(*keyFlag)
	if len(cands) == 0 {
		fmt.Println("no candidates")
		return exitNotFound
	}
	rows := [][]string{{"KEY", "PROVIDER", "PRIORITY", "STACK", "SOURCE", "CAPABILITIES"}}
	for _, c := range cands {
		prio := "-"
		if c.Priority != nil {
			prio = strconv.Itoa(*c.Priority)
		}
		rows = append(rows, []string{
			c.Key, c.Provider, prio,
			strconv.Itoa(c.StackLevel),
			string(c.Source),
			strings.Join(c.Capabilities, ","),
		})
	}
	render(rows)
	return exitOK
}

func cmdExplain(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("explain", flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain")
	keyFlag := fs.String("key", "", "slot key")
	providerFlag := fs.String("provider", "", "explicit provider override")
	capsFlag := fs.String("capabilities", "", "comma-separated required capabilities")
	if err := fs.Parse(args); err != nil || *keyFlag == "" {
		fmt.Fprintln(os.Stderr, "explain requires -key")
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	var caps []string
	if *capsFlag != "" {
		caps = strings.Split(*capsFlag, ",")
	}
	trace, err := rt.Bridge(domain).Explain(*keyFlag, bridge.UseOptions{
		Provider:     *providerFlag,
		Capabilities: caps,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFor(err)
	}

	selected := color.New(color.FgGreen, color.Bold)
	shadowed := color.New(color.FgHiBlack)
	rows := [][]string{{"PROVIDER", "SCORE", "PRIORITY FROM", "RESULT", "REASON"}}
	for _, c := range trace.Considered {
		result := shadowed.Sprint("shadowed")
		if c.Selected {
			result = selected.Sprint("selected")
		}
		score := fmt.Sprintf("(%d,%d,%d,%d,%d)",
			c.Score.OverrideMatch, c.Score.CapabilityMatch,
			c.Score.Priority, c.Score.StackLevel, c.Score.Sequence)
		rows = append(rows, []string{c.Provider, score, c.PriorityFrom, result, c.Reason})
	}
	render(rows)
	return exitOK
}

func cmdStatus(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	domainFlag := fs.String("domain", "", "domain")
	keyFlag := fs.String("key", "", "slot key")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	if *domainFlag != "" && *keyFlag != "" {
		domain, ok := parseDomain(*domainFlag)
		if !ok {
			fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
			return exitUsage
		}
		doc, err := rt.Status().Read(domain, *keyFlag)
		if err != nil {
			fmt.Fprintf(os.Stderr, "no status for %s/%s\n", domain, *keyFlag)
			return exitNotFound
		}
		printStatusRows([][]string{statusRowOf(doc)})
		return exitOK
	}

	docs, err := rt.Status().List()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	if len(docs) == 0 {
		fmt.Println("no status snapshots")
		return exitNotFound
	}
	rows := make([][]string, 0, len(docs))
	for _, doc := range docs {
		rows = append(rows, statusRowOf(doc))
	}
	printStatusRows(rows)
	return exitOK
}

func statusRowOf(doc lifecycle.StatusDoc) []string {
	health := "-"
	if doc.LastHealthOK != nil {
		if *doc.LastHealthOK {
			health = "ok"
		} else {
			health = "failing"
		}
	}
	var flags []string
	if doc.Activity.Paused {
		flags = append(flags, "paused")
	}
	if doc.Activity.Draining {
		flags = append(flags, "draining")
	}
	if doc.Activity.Note != "" {
		flags = append(flags, "note="+doc.Activity.Note)
	}
	return []string{
		doc.Domain, doc.Key, doc.State, doc.CurrentProvider,
		health, strings.Join(flags, " "),
	}
}

func printStatusRows(rows [][]string) {
	out := [][]string{{"DOMAIN", "KEY", "STATE", "PROVIDER", "HEALTH", "FLAGS"}}
	out = append(out, rows...)
	render(out)
}

func cmdSwap(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("swap", flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain")
	keyFlag := fs.String("key", "", "slot key")
	providerFlag := fs.String("provider", "", "target provider")
	forceFlag := fs.Bool("force", false, "discard the previous instance even if the swap fails")
	if err := fs.Parse(args); err != nil || *keyFlag == "" || *providerFlag == "" {
		fmt.Fprintln(os.Stderr, "swap requires -key and -provider")
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	h, err := rt.Bridge(domain).Swap(ctx, *keyFlag, *providerFlag, *forceFlag)
	if err != nil {
		var swapErr *oerr.SwapError
		if errors.As(err, &swapErr) && swapErr.RolledBack {
			fmt.Fprintf(os.Stderr, "swap failed, rolled back to previous provider: %v\n", swapErr.Cause)
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		return codeFor(err)
	}
	color.New(color.FgGreen).Printf("swapped %s/%s to %s\n", domain, *keyFlag, h.Provider)
	return exitOK
}

func cmdFlag(rt *orchestrator.Runtime, verb string, args []string) int {
	fs := flag.NewFlagSet(verb, flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain")
	keyFlag := fs.String("key", "", "slot key")
	noteFlag := fs.String("note", "", "operator note")
	if err := fs.Parse(args); err != nil || *keyFlag == "" {
		fmt.Fprintf(os.Stderr, "%s requires -key\n", verb)
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	var err error
	if verb == "pause" {
		err = rt.Bridge(domain).Pause(ctx, *keyFlag, *noteFlag)
	} else {
		err = rt.Bridge(domain).Drain(ctx, *keyFlag, *noteFlag)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFor(err)
	}
	fmt.Printf("%s %s/%s\n", verb, domain, *keyFlag)
	return exitOK
}

func cmdResume(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("resume", flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain")
	keyFlag := fs.String("key", "", "slot key")
	if err := fs.Parse(args); err != nil || *keyFlag == "" {
		fmt.Fprintln(os.Stderr, "resume requires -key")
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	if err := rt.Bridge(domain).Resume(ctx, *keyFlag); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFor(err)
	}
	fmt.Printf("resumed %s/%s\n", domain, *keyFlag)
	return exitOK
}

func cmdHealth(rt *orchestrator.Runtime, args []string) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	domainFlag := fs.String("domain", "adapter", "domain")
	keyFlag := fs.String("key", "", "slot key")
	providerFlag := fs.String("provider", "", "explicit provider")
	if err := fs.Parse(args); err != nil || *keyFlag == "" {
		fmt.Fprintln(os.Stderr, "health requires -key")
		return exitUsage
	}
	domain, ok := parseDomain(*domainFlag)
	if !ok {
		fmt.Fprintf(os.Stderr, "unknown domain %q\n", *domainFlag)
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	b := rt.Bridge(domain)
	if _, err := b.Use(ctx, *keyFlag, bridge.UseOptions{Provider: *providerFlag}); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return codeFor(err)
	}
	res, err := b.Probe(ctx, *keyFlag)
	if err != nil {
		color.New(color.FgRed).Printf("unhealthy: %s\n", res.Err)
		return exitHealth
	}
	color.New(color.FgGreen).Printf("healthy (checked %s)\n", res.CheckedAt.Format(time.RFC3339))
	return exitOK
}

func cmdRemoteSync(cfg config.Config, log *zap.Logger, args []string) int {
	fs := flag.NewFlagSet("remote-sync", flag.ContinueOnError)
	watchFlag := fs.Bool("watch", false, "keep syncing on the configured schedule")
	urlFlag := fs.String("url", "", "manifest URL overriding remote.manifest_url")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *urlFlag != "" {
		cfg.Remote.ManifestURL = *urlFlag
		cfg.Remote.Enabled = true
	}

	rt, err := buildRuntime(cfg, log)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	p := rt.Pipeline()
	if p == nil {
		fmt.Fprintln(os.Stderr, "remote sync is not enabled; set remote.enabled and remote.manifest_url, or pass -url")
		return exitUsage
	}

	ctx, cancel := signalContext()
	defer cancel()
	if *watchFlag {
		if err := p.RunLoop(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fmt.Fprintln(os.Stderr, err)
			return exitRemoteSync
		}
		return exitOK
	}
	report, err := p.Sync(ctx)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitRemoteSync
	}
	rows := [][]string{{"DOMAIN", "REGISTERED", "REJECTED"}}
	for domain, n := range report.Registered {
		rows = append(rows, []string{domain, strconv.Itoa(n), strconv.Itoa(report.Rejected[domain])})
	}
	for domain, n := range report.Rejected {
		if _, ok := report.Registered[domain]; !ok {
			rows = append(rows, []string{domain, "0", strconv.Itoa(n)})
		}
	}
	render(rows)
	return exitOK
}

func cmdOrchestrate(rt *orchestrator.Runtime, log *zap.Logger) int {
	ctx, cancel := signalContext()
	defer cancel()

	cfg := rt.Config()
	if cfg.Tracing.Enabled {
		_, shutdown, err := observe.InitTracing(observe.TracingConfig{
			ServiceName: "oneiric",
			Environment: cfg.Log.Environment,
			Endpoint:    cfg.Tracing.Endpoint,
		})
		if err != nil {
			log.Warn("tracing init failed, continuing without export", zap.Error(err))
		} else {
			defer func() {
				stopCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
				defer stop()
				if err := shutdown(stopCtx); err != nil {
					log.Warn("tracing shutdown", zap.Error(err))
				}
			}()
		}
	}

	if err := rt.ActivateSelections(ctx); err != nil {
		log.Warn("some selections failed to activate", zap.Error(err))
	}
	if err := rt.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		fmt.Fprintln(os.Stderr, err)
		return exitOther
	}
	return exitOK
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func codeFor(err error) int {
	switch {
	case errors.Is(err, oerr.ErrNoCandidate),
		errors.Is(err, oerr.ErrNoCapableCandidate),
		errors.Is(err, oerr.ErrUnknownProviderOverride):
		return exitNotFound
	case errors.Is(err, oerr.ErrHealthCheckFailed):
		return exitHealth
	case errors.Is(err, oerr.ErrSwapFailed):
		return exitSwap
	case errors.Is(err, oerr.ErrCircuitOpen),
		errors.Is(err, oerr.ErrSignatureInvalid),
		errors.Is(err, oerr.ErrDigestMismatch),
		errors.Is(err, oerr.ErrManifestExpired):
		return exitRemoteSync
	default:
		return exitOther
	}
}
