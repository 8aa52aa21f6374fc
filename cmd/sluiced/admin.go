package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/sluice-io/sluice/internal/config"
	"github.com/sluice-io/sluice/internal/keys"
	"github.com/sluice-io/sluice/internal/kvstore"
	"github.com/sluice-io/sluice/internal/kvstore/oxia"
	"github.com/sluice-io/sluice/internal/logging"
	"github.com/sluice-io/sluice/internal/registry"
	"github.com/sluice-io/sluice/internal/stream"
)

// AdminOptions contains configuration for admin commands.
type AdminOptions struct {
	Config *config.Config
	Logger *logging.Logger
	KV     kvstore.Store
	Store  *stream.Store
}

// runAdmin handles admin subcommands.
func runAdmin(args []string) {
	if len(args) < 1 {
		printAdminUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "scopes":
		runAdminScopes(args[1:])
	case "streams":
		runAdminStreams(args[1:])
	case "controllers":
		runAdminControllers(args[1:])
	case "status":
		runAdminStatus(args[1:])
	case "help", "-h", "--help":
		printAdminUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown admin command: %s\n\n", subcommand)
		printAdminUsage()
		os.Exit(1)
	}
}

func printAdminUsage() {
	fmt.Println(`Usage: sluiced admin <command> [options]

Admin commands for managing stream metadata.

Commands:
  scopes       Scope management (list, create, delete)
  streams      Stream management (list, describe, create, seal, delete)
  controllers  Controller instance registry (list)
  status       Controller status and diagnostics

Run 'sluiced admin <command> --help' for more information on a command.`)
}

// ============================================================================
// Scope Commands
// ============================================================================

func runAdminScopes(args []string) {
	if len(args) < 1 {
		printScopesUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "list":
		runScopesList(args[1:])
	case "create":
		runScopesCreate(args[1:])
	case "delete":
		runScopesDelete(args[1:])
	case "help", "-h", "--help":
		printScopesUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown scopes command: %s\n\n", subcommand)
		printScopesUsage()
		os.Exit(1)
	}
}

func printScopesUsage() {
	fmt.Println(`Usage: sluiced admin scopes <command> [options]

Scope management commands.

Commands:
  list       List all scopes
  create     Create a new scope
  delete     Delete an empty scope

Run 'sluiced admin scopes <command> --help' for more information.`)
}

func runScopesList(args []string) {
	fs := flag.NewFlagSet("scopes list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin scopes list [options]

List all scopes.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	names, err := opts.Store.ListScopes(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing scopes: %v\n", err)
		os.Exit(1)
	}

	records := make([]*stream.ScopeRecord, 0, len(names))
	for _, name := range names {
		rec, err := opts.Store.GetScopeConfiguration(ctx, name)
		if err != nil {
			fmt.Fprintf(os.Stderr, "error reading scope '%s': %v\n", name, err)
			os.Exit(1)
		}
		records = append(records, rec)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(records, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(records) == 0 {
		fmt.Println("No scopes found.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCREATED")
	for _, rec := range records {
		fmt.Fprintf(w, "%s\t%s\n", rec.Name, time.UnixMilli(rec.CreatedAt).Format(time.RFC3339))
	}
	w.Flush()
}

func runScopesCreate(args []string) {
	fs := flag.NewFlagSet("scopes create", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin scopes create [options] <scope>

Create a new scope.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: scope name required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rec, err := opts.Store.CreateScope(ctx, scopeName)
	if err != nil {
		if errors.Is(err, stream.ErrDataExists) {
			fmt.Fprintf(os.Stderr, "error: scope '%s' already exists\n", scopeName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error creating scope: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(rec, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Created scope '%s'\n", scopeName)
}

func runScopesDelete(args []string) {
	fs := flag.NewFlagSet("scopes delete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin scopes delete [options] <scope>

Delete an empty scope.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: scope name required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)

	if !*force {
		fmt.Printf("Delete scope '%s'? This action cannot be undone. [y/N]: ", scopeName)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			os.Exit(0)
		}
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := opts.Store.DeleteScope(ctx, scopeName); err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: scope '%s' not found\n", scopeName)
			os.Exit(1)
		}
		if errors.Is(err, stream.ErrScopeNotEmpty) {
			fmt.Fprintf(os.Stderr, "error: scope '%s' is not empty; delete its streams first\n", scopeName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error deleting scope: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Deleted scope '%s'\n", scopeName)
}

// ============================================================================
// Stream Commands
// ============================================================================

func runAdminStreams(args []string) {
	if len(args) < 1 {
		printStreamsUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "list":
		runStreamsList(args[1:])
	case "describe":
		runStreamsDescribe(args[1:])
	case "create":
		runStreamsCreate(args[1:])
	case "seal":
		runStreamsSeal(args[1:])
	case "delete":
		runStreamsDelete(args[1:])
	case "help", "-h", "--help":
		printStreamsUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown streams command: %s\n\n", subcommand)
		printStreamsUsage()
		os.Exit(1)
	}
}

func printStreamsUsage() {
	fmt.Println(`Usage: sluiced admin streams <command> [options]

Stream management commands.

Commands:
  list       List streams in a scope
  describe   Describe a specific stream
  create     Create a new stream
  seal       Seal a stream (no further writes)
  delete     Delete a sealed stream

Run 'sluiced admin streams <command> --help' for more information.`)
}

func runStreamsList(args []string) {
	fs := flag.NewFlagSet("streams list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin streams list [options] <scope>

List streams in a scope.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "error: scope name required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	streams, err := opts.Store.ListStreamsInScope(ctx, scopeName)
	if err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: scope '%s' not found\n", scopeName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error listing streams: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(streams, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(streams) == 0 {
		fmt.Println("No streams found.")
		return
	}

	names := make([]string, 0, len(streams))
	for name := range streams {
		names = append(names, name)
	}
	sort.Strings(names)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tSCALING\tMIN_SEGMENTS\tRETENTION\tLIMIT")
	for _, name := range names {
		cfg := streams[name]
		retention, limit := "-", "-"
		if cfg.RetentionPolicy != nil {
			retention = string(cfg.RetentionPolicy.Type)
			limit = fmt.Sprintf("%d", cfg.RetentionPolicy.Limit)
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", name, cfg.ScalingPolicy.Type, cfg.ScalingPolicy.MinSegments, retention, limit)
	}
	w.Flush()
}

func runStreamsDescribe(args []string) {
	fs := flag.NewFlagSet("streams describe", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin streams describe [options] <scope> <stream>

Describe a specific stream: state, configuration, and active segments.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "error: scope and stream names required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)
	streamName := fs.Arg(1)

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	state, err := opts.Store.GetState(ctx, scopeName, streamName)
	if err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: stream '%s/%s' not found\n", scopeName, streamName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	streamCfg, err := opts.Store.GetConfiguration(ctx, scopeName, streamName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading configuration: %v\n", err)
		os.Exit(1)
	}

	epoch, err := opts.Store.GetActiveEpoch(ctx, scopeName, streamName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading active epoch: %v\n", err)
		os.Exit(1)
	}

	segments, err := opts.Store.GetActiveSegments(ctx, scopeName, streamName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error reading active segments: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		output := map[string]any{
			"scope":         scopeName,
			"stream":        streamName,
			"state":         state,
			"configuration": streamCfg,
			"activeEpoch":   epoch.Epoch,
			"segments":      segments,
		}
		data, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Printf("Stream: %s/%s\n", scopeName, streamName)
	fmt.Printf("  State: %s\n", state)
	fmt.Printf("  Scaling: %s (min segments: %d)\n", streamCfg.ScalingPolicy.Type, streamCfg.ScalingPolicy.MinSegments)
	if streamCfg.RetentionPolicy != nil {
		fmt.Printf("  Retention: %s, limit %d\n", streamCfg.RetentionPolicy.Type, streamCfg.RetentionPolicy.Limit)
	} else {
		fmt.Println("  Retention: none")
	}
	fmt.Printf("  Active Epoch: %d\n", epoch.Epoch)

	if len(segments) > 0 {
		fmt.Println("  Active Segments:")
		sort.Slice(segments, func(i, j int) bool {
			return segments[i].KeyStart < segments[j].KeyStart
		})
		for _, seg := range segments {
			fmt.Printf("    [%d.%d] key range [%.4f, %.4f)\n",
				stream.SegmentEpoch(seg.ID), stream.SegmentNumber(seg.ID), seg.KeyStart, seg.KeyEnd)
		}
	}
}

func runStreamsCreate(args []string) {
	fs := flag.NewFlagSet("streams create", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	segments := fs.Int("segments", 1, "Number of initial segments")
	retentionType := fs.String("retention-type", "", "Retention policy type (time or size)")
	retentionLimit := fs.Int64("retention-limit", 0, "Retention limit (milliseconds for time, bytes for size)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin streams create [options] <scope> <stream>

Create a new stream in a scope. The stream starts with a fixed scaling
policy; the key space is split evenly across the initial segments.

Options:`)
		fs.PrintDefaults()
		fmt.Println(`
Examples:
  sluiced admin streams create sales orders
  sluiced admin streams create --segments 4 sales orders
  sluiced admin streams create --retention-type time --retention-limit 86400000 sales orders`)
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "error: scope and stream names required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)
	streamName := fs.Arg(1)

	streamCfg := stream.StreamConfiguration{
		ScalingPolicy: stream.ScalingPolicy{
			Type:        stream.ScalingFixed,
			MinSegments: int32(*segments),
		},
	}
	switch *retentionType {
	case "":
		if *retentionLimit != 0 {
			fmt.Fprintln(os.Stderr, "error: --retention-limit requires --retention-type")
			os.Exit(1)
		}
	case "time":
		streamCfg.RetentionPolicy = &stream.RetentionPolicy{Type: stream.RetentionTime, Limit: *retentionLimit}
	case "size":
		streamCfg.RetentionPolicy = &stream.RetentionPolicy{Type: stream.RetentionSize, Limit: *retentionLimit}
	default:
		fmt.Fprintf(os.Stderr, "error: unknown retention type '%s', expected time or size\n", *retentionType)
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status, err := opts.Store.CreateStream(ctx, scopeName, streamName, streamCfg, time.Now().UnixMilli())
	if err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: scope '%s' not found\n", scopeName)
			os.Exit(1)
		}
		if errors.Is(err, stream.ErrDataExists) {
			fmt.Fprintf(os.Stderr, "error: stream '%s/%s' already exists\n", scopeName, streamName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error creating stream: %v\n", err)
		os.Exit(1)
	}

	if status == stream.StreamExistsActive {
		fmt.Fprintf(os.Stderr, "error: stream '%s/%s' already exists\n", scopeName, streamName)
		os.Exit(1)
	}

	// The store leaves a new stream in CREATING; activate it so it is
	// immediately usable.
	if err := opts.Store.SetState(ctx, scopeName, streamName, stream.StateActive); err != nil {
		fmt.Fprintf(os.Stderr, "error activating stream: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		output := map[string]any{
			"scope":         scopeName,
			"stream":        streamName,
			"status":        status.String(),
			"configuration": streamCfg,
		}
		data, _ := json.MarshalIndent(output, "", "  ")
		fmt.Println(string(data))
		return
	}

	if status == stream.StreamExistsCreating {
		fmt.Printf("Completed creation of stream '%s/%s'\n", scopeName, streamName)
		return
	}
	fmt.Printf("Created stream '%s/%s' with %d segment(s)\n", scopeName, streamName, *segments)
}

func runStreamsSeal(args []string) {
	fs := flag.NewFlagSet("streams seal", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin streams seal [options] <scope> <stream>

Seal a stream. A sealed stream accepts no further writes and cannot be
unsealed.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "error: scope and stream names required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)
	streamName := fs.Arg(1)

	if !*force {
		fmt.Printf("Seal stream '%s/%s'? This action cannot be undone. [y/N]: ", scopeName, streamName)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			os.Exit(0)
		}
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := opts.Store.SetSealed(ctx, scopeName, streamName); err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: stream '%s/%s' not found\n", scopeName, streamName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error sealing stream: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sealed stream '%s/%s'\n", scopeName, streamName)
}

func runStreamsDelete(args []string) {
	fs := flag.NewFlagSet("streams delete", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	force := fs.Bool("force", false, "Skip confirmation prompt")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin streams delete [options] <scope> <stream>

Delete a stream and all of its metadata. The stream must be sealed
first.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	if fs.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "error: scope and stream names required")
		fs.Usage()
		os.Exit(1)
	}

	scopeName := fs.Arg(0)
	streamName := fs.Arg(1)

	if !*force {
		fmt.Printf("Delete stream '%s/%s'? This action cannot be undone. [y/N]: ", scopeName, streamName)
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "Y" {
			fmt.Println("Aborted.")
			os.Exit(0)
		}
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sealed, err := opts.Store.IsSealed(ctx, scopeName, streamName)
	if err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: stream '%s/%s' not found\n", scopeName, streamName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if !sealed {
		fmt.Fprintf(os.Stderr, "error: stream '%s/%s' must be sealed before deletion (run 'sluiced admin streams seal' first)\n", scopeName, streamName)
		os.Exit(1)
	}

	if err := opts.Store.DeleteStream(ctx, scopeName, streamName); err != nil {
		if errors.Is(err, stream.ErrDataNotFound) {
			fmt.Fprintf(os.Stderr, "error: stream '%s/%s' not found\n", scopeName, streamName)
			os.Exit(1)
		}
		fmt.Fprintf(os.Stderr, "error deleting stream: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Deleted stream '%s/%s'\n", scopeName, streamName)
}

// ============================================================================
// Controller Commands
// ============================================================================

func runAdminControllers(args []string) {
	if len(args) < 1 {
		printControllersUsage()
		os.Exit(1)
	}

	subcommand := args[0]
	switch subcommand {
	case "list":
		runControllersList(args[1:])
	case "help", "-h", "--help":
		printControllersUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown controllers command: %s\n\n", subcommand)
		printControllersUsage()
		os.Exit(1)
	}
}

func printControllersUsage() {
	fmt.Println(`Usage: sluiced admin controllers <command> [options]

Controller instance registry commands.

Commands:
  list       List registered controller instances

Run 'sluiced admin controllers <command> --help' for more information.`)
}

func runControllersList(args []string) {
	fs := flag.NewFlagSet("controllers list", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")
	liveOnly := fs.Bool("live", false, "Only show instances with a current lease")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin controllers list [options]

List registered controller instances.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Read-only view: no local id, nothing is registered.
	reg := registry.NewRegistry(opts.KV, registry.Config{})

	controllers, err := reg.ListControllers(ctx, *liveOnly)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error listing controllers: %v\n", err)
		os.Exit(1)
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(controllers, "", "  ")
		fmt.Println(string(data))
		return
	}

	if len(controllers) == 0 {
		fmt.Println("No controllers registered.")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tADDRESS\tVERSION\tSTARTED\tLAST_SEEN\tLIVE")
	for _, c := range controllers {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%t\n",
			c.ControllerID,
			c.ListenAddr,
			c.Build.Version,
			time.UnixMilli(c.StartedAt).Format(time.RFC3339),
			time.UnixMilli(c.LastHeartbeat).Format(time.RFC3339),
			reg.Live(c),
		)
	}
	w.Flush()
}

// ============================================================================
// Status Commands
// ============================================================================

func runAdminStatus(args []string) {
	fs := flag.NewFlagSet("admin status", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to configuration file")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Println(`Usage: sluiced admin status [options]

Show controller status and diagnostics.

Options:`)
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	opts, cleanup, err := initAdminOpts(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	status := ControllerStatus{
		Timestamp: time.Now().Format(time.RFC3339),
	}

	// Count scopes and streams
	scopes, err := opts.Store.ListScopes(ctx)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("failed to list scopes: %v", err))
	} else {
		status.ScopeCount = len(scopes)
		for _, scope := range scopes {
			streams, err := opts.Store.ListStreamsInScope(ctx, scope)
			if err != nil {
				status.Errors = append(status.Errors, fmt.Sprintf("failed to list streams in '%s': %v", scope, err))
				continue
			}
			status.StreamCount += len(streams)
			for name := range streams {
				state, err := opts.Store.GetState(ctx, scope, name)
				if err != nil {
					status.Errors = append(status.Errors, fmt.Sprintf("failed to read state of '%s/%s': %v", scope, name, err))
					continue
				}
				switch state {
				case stream.StateActive:
					status.ActiveStreams++
				case stream.StateSealed:
					status.SealedStreams++
				}
			}
		}
	}

	// Count registered controller instances
	reg := registry.NewRegistry(opts.KV, registry.Config{})
	controllers, err := reg.ListControllers(ctx, false)
	if err != nil {
		status.Errors = append(status.Errors, fmt.Sprintf("failed to list controllers: %v", err))
	} else {
		status.Controllers = len(controllers)
		for _, c := range controllers {
			if reg.Live(c) {
				status.LiveControllers++
			}
		}
	}

	// Check substrate connectivity. A Get on a missing key succeeds, so
	// any error means the substrate is unreachable.
	if _, err := opts.KV.Get(ctx, keys.Prefix+"/ping"); err != nil {
		status.Substrate = "error"
		status.Errors = append(status.Errors, fmt.Sprintf("substrate: %v", err))
	} else {
		status.Substrate = "ok"
	}

	if *jsonOutput {
		data, _ := json.MarshalIndent(status, "", "  ")
		fmt.Println(string(data))
		return
	}

	fmt.Println("Controller Status")
	fmt.Println("=================")
	fmt.Printf("Timestamp: %s\n", status.Timestamp)
	fmt.Printf("Substrate: %s\n", status.Substrate)
	fmt.Println()

	fmt.Println("Controllers")
	fmt.Printf("  Registered: %d\n", status.Controllers)
	fmt.Printf("  Live: %d\n", status.LiveControllers)
	fmt.Println()

	fmt.Println("Scopes")
	fmt.Printf("  Total: %d\n", status.ScopeCount)
	fmt.Println()

	fmt.Println("Streams")
	fmt.Printf("  Total: %d\n", status.StreamCount)
	fmt.Printf("  Active: %d\n", status.ActiveStreams)
	fmt.Printf("  Sealed: %d\n", status.SealedStreams)

	if len(status.Errors) > 0 {
		fmt.Println()
		fmt.Println("Errors:")
		for _, e := range status.Errors {
			fmt.Printf("  - %s\n", e)
		}
	}
}

// ControllerStatus holds diagnostic information about the metadata plane.
type ControllerStatus struct {
	Timestamp       string   `json:"timestamp"`
	Substrate       string   `json:"substrate"`
	Controllers     int      `json:"controllers"`
	LiveControllers int      `json:"liveControllers"`
	ScopeCount      int      `json:"scopeCount"`
	StreamCount     int      `json:"streamCount"`
	ActiveStreams   int      `json:"activeStreams"`
	SealedStreams   int      `json:"sealedStreams"`
	Errors          []string `json:"errors,omitempty"`
}

// ============================================================================
// Helper Functions
// ============================================================================

func initAdminOpts(configPath string) (*AdminOptions, func(), error) {
	// Load configuration without validation - admin commands can work without full config
	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFromPathNoValidate(configPath)
	} else {
		cfg, err = config.LoadNoValidate()
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	// Initialize the substrate based on configuration
	var kv kvstore.Store
	if cfg.Substrate.OxiaEndpoint != "" {
		// Use Oxia when an endpoint is configured
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		namespace := cfg.Substrate.Namespace
		if namespace == "" {
			namespace = "sluice"
		}
		timeout := cfg.Substrate.RequestTimeout()
		if timeout <= 0 {
			timeout = 30 * time.Second
		}

		oxiaStore, err := oxia.New(ctx, oxia.Config{
			ServiceAddress: cfg.Substrate.OxiaEndpoint,
			Namespace:      namespace,
			RequestTimeout: timeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("failed to connect to Oxia at %s: %w", cfg.Substrate.OxiaEndpoint, err)
		}
		kv = oxiaStore
	} else {
		// Fall back to an in-memory store when no Oxia endpoint is
		// configured. Useful for local testing; nothing persists.
		kv = kvstore.NewMockStore()
	}

	store := stream.NewStore(kv, stream.Options{BucketCount: cfg.Store.BucketCount})

	cleanup := func() {
		store.Close()
		kv.Close()
	}

	return &AdminOptions{
		Config: cfg,
		KV:     kv,
		Store:  store,
	}, cleanup, nil
}
