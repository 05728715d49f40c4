// solarpi-migrate applies or lists the embedded schema migrations using
// the same database settings as the daemon.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"solarpi/internal/config"
	"solarpi/internal/db"
	"solarpi/internal/migrate"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage(flagSet *pflag.FlagSet) {
	fmt.Fprintf(os.Stderr, `usage: solarpi-migrate [flags] <command>

commands:
  up      apply pending migrations (default)
  status  list migrations and whether they are applied

flags:
%s`, flagSet.FlagUsages())
}

func run() error {
	var path string
	flagSet := pflag.NewFlagSet("solarpi-migrate", pflag.ContinueOnError)
	flagSet.StringVar(&path, "db", "", "database file (overrides SQLITE_PATH)")
	flagSet.Usage = func() { usage(flagSet) }
	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.LoadFromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if path != "" {
		cfg.SQLitePath = path
		cfg.SQLiteDSN = ""
	}

	cmd := "up"
	if args := flagSet.Args(); len(args) > 0 {
		cmd = args[0]
	}

	ctx := context.Background()
	conn, err := db.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close(conn) }()

	switch cmd {
	case "up":
		if err := migrate.Run(ctx, conn); err != nil {
			return err
		}
		fmt.Println("migrations applied")
	case "status":
		list, err := migrate.List(ctx, conn)
		if err != nil {
			return err
		}
		for _, m := range list {
			applied := "pending"
			if m.Applied {
				applied = "applied"
			}
			fmt.Printf("%s  %-24s  %s\n", m.Version, m.Name, applied)
		}
	default:
		usage(flagSet)
		return fmt.Errorf("unknown command %q", cmd)
	}
	return nil
}
