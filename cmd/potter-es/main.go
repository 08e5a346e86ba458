// Command potter-es обслуживает event store: миграции схемы, просмотр лога,
// запуск движка с метриками и демонстрационный сценарий.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/akriventsev/potter-eventstore/framework/config"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	command, args := os.Args[1], os.Args[2:]
	switch command {
	case "migrate":
		err = runMigrate(ctx, cfg, args)
	case "stats":
		err = runStats(ctx, cfg)
	case "events":
		err = runEvents(ctx, cfg, args)
	case "serve":
		err = runServe(ctx, cfg)
	case "demo":
		err = runDemo(ctx, cfg)
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Potter Event Store")
	fmt.Println()
	fmt.Println("Usage: potter-es <command> [flags]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  migrate up [N]      - Apply pending schema migrations (or N migrations)")
	fmt.Println("  migrate down [N]    - Roll back N migrations (default: 1)")
	fmt.Println("  migrate status      - Show status of schema migrations")
	fmt.Println("  migrate version     - Show current schema version")
	fmt.Println("  stats               - Show event store statistics")
	fmt.Println("  events [flags]      - Print events from the global log")
	fmt.Println("  serve               - Run projections, relay and the metrics endpoint")
	fmt.Println("  demo                - Run a money transfer saga against the configured backend")
	fmt.Println()
	fmt.Println("Configuration is read from POTTER_ES_* environment variables.")
}

// parseFlags разбирает флаги подкоманды; ошибки разбора печатает сам FlagSet
func parseFlags(fs *flag.FlagSet, args []string) error {
	fs.SetOutput(os.Stderr)
	return fs.Parse(args)
}
