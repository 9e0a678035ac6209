package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"licgate/internal/config"
	"licgate/internal/license"
	"licgate/internal/store"
)

const usage = `Usage: keygen [-config file] <command>

Commands:
  issue   -install <id> | -universal  [-email <address>]   issue a new key
  revoke  -key <key>                                       revoke an issued key
  list                                                     list issued keys
`

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Arg(0), flag.Args()[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, command string, args []string) error {
	cfg, err := config.LoadFrom(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// A quiet logger keeps key output clean for scripting.
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	s, err := store.Open(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("failed to open license store: %w", err)
	}
	defer s.Close()

	manager, err := license.NewManager(s, cfg.License, logger, nil)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch command {
	case "issue":
		return runIssue(ctx, manager, args)
	case "revoke":
		return runRevoke(ctx, manager, args)
	case "list":
		return runList(ctx, manager)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

func runIssue(ctx context.Context, manager *license.Manager, args []string) error {
	fs := flag.NewFlagSet("issue", flag.ExitOnError)
	installID := fs.String("install", "", "install id the key is bound to")
	universal := fs.Bool("universal", false, "issue a key that activates on any installation")
	email := fs.String("email", "", "customer email recorded with the key")
	fs.Parse(args)

	if *universal == (*installID != "") {
		return fmt.Errorf("exactly one of -install or -universal is required")
	}

	actor := actorName()
	var binding *string
	if !*universal {
		binding = installID
	}

	key, err := manager.IssueKey(ctx, binding, *email, &actor)
	if err != nil {
		return err
	}

	fmt.Println(key.Formatted())
	return nil
}

func runRevoke(ctx context.Context, manager *license.Manager, args []string) error {
	fs := flag.NewFlagSet("revoke", flag.ExitOnError)
	key := fs.String("key", "", "key to revoke")
	fs.Parse(args)

	if *key == "" {
		return fmt.Errorf("-key is required")
	}

	actor := actorName()
	revoked, err := manager.RevokeKey(ctx, *key, &actor)
	if err != nil {
		return err
	}
	if !revoked {
		return fmt.Errorf("key not found or already revoked")
	}

	fmt.Println("revoked")
	return nil
}

func runList(ctx context.Context, manager *license.Manager) error {
	keys, err := manager.ListIssuedKeys(ctx)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PREFIX\tBINDING\tEMAIL\tISSUED\tSTATUS")
	for _, k := range keys {
		binding := license.UniversalInstallID
		if k.InstallID != nil {
			binding = *k.InstallID
		}
		status := "active"
		if k.Revoked() {
			status = "revoked"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			k.KeyPrefix, binding, k.CustomerEmail,
			k.IssuedAt.Format(time.RFC3339), status)
	}
	return w.Flush()
}

func actorName() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "keygen"
}
