package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"sort"

	framework "github.com/akriventsev/potter-eventstore"
	"github.com/akriventsev/potter-eventstore/framework/config"
	"github.com/akriventsev/potter-eventstore/framework/eventsourcing"
)

var errLimitReached = errors.New("limit reached")

func runStats(ctx context.Context, cfg config.Config) error {
	engine, err := framework.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Shutdown(context.WithoutCancel(ctx))

	stats := engine.Store.Stats()
	fmt.Printf("Backend:    %s\n", cfg.Backend)
	fmt.Printf("Events:     %d\n", stats.TotalEvents)
	fmt.Printf("Aggregates: %d\n", stats.TotalAggregates)
	fmt.Printf("Snapshots:  %d\n", stats.TotalSnapshots)

	keys := make([]string, 0, len(stats.BackendSpecific))
	for k := range stats.BackendSpecific {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %s: %s\n", k, stats.BackendSpecific[k])
	}
	return nil
}

func runEvents(ctx context.Context, cfg config.Config, args []string) error {
	fs := flag.NewFlagSet("events", flag.ContinueOnError)
	from := fs.Int64("from", 0, "Print events after this log position")
	limit := fs.Int("limit", 100, "Maximum number of events to print (0 for all)")
	aggregate := fs.String("aggregate", "", "Print only one stream")
	if err := parseFlags(fs, args); err != nil {
		return err
	}

	engine, err := framework.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer engine.Shutdown(context.WithoutCancel(ctx))

	printed := 0
	printEvent := func(e eventsourcing.StoredEvent) error {
		if *limit > 0 && printed >= *limit {
			return errLimitReached
		}
		fmt.Printf("%6d  %-24s v%-4d %-28s %s\n",
			e.Position, e.AggregateID, e.Version, e.EventType, e.OccurredAt.Format("2006-01-02 15:04:05"))
		printed++
		return nil
	}

	if *aggregate != "" {
		evts, err := engine.Store.GetEvents(ctx, *aggregate)
		if err != nil {
			return err
		}
		for _, e := range evts {
			if err := printEvent(e); err != nil {
				break
			}
		}
		return nil
	}

	err = engine.Store.ReadAll(ctx, *from, 0, printEvent)
	if errors.Is(err, errLimitReached) {
		return nil
	}
	return err
}
