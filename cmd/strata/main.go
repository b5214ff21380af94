// Opens the strata store and times put/get/del rounds against it.

package main

import (
	"flag"
	"log/slog"
	"os"

	"github.com/nobletooth/strata/pkg/config"
	"github.com/nobletooth/strata/pkg/storage"
	"github.com/nobletooth/strata/pkg/utils"
)

var (
	printVersion   = flag.Bool("print_version", false, "Print the version and exit.")
	benchKeys      = flag.Int("bench_keys", 20_972, "Number of distinct keys written, read and deleted per round.")
	benchValueSize = flag.Int("bench_value_size", 100, "Size in bytes of every benchmark value.")
	benchRounds    = flag.Int("bench_rounds", 10, "Number of put/get/del rounds; timings are averaged over rounds.")
)

func main() {
	config.InitFlags()
	utils.InitLogging()

	if *printVersion {
		slog.Info("Strata build info.", "version", utils.Version, "commit", utils.Commit, "build", utils.BuildTime)
		return
	}

	store, err := storage.Open(storage.DefaultOptions())
	if err != nil {
		slog.Error("Failed to open store.", "err", err)
		os.Exit(1)
	}

	results, benchErr := runBenchmark(store, benchConfig{
		keys:      *benchKeys,
		valueSize: *benchValueSize,
		rounds:    *benchRounds,
	})
	for _, result := range results {
		slog.Info("Benchmark phase done.", "phase", result.phase, "ops", result.ops,
			"avgRound", result.averageRound(), "opsPerSecond", result.opsPerSecond())
	}
	closeErr := store.Close()
	if benchErr != nil || closeErr != nil {
		slog.Error("Benchmark failed.", "err", benchErr, "closeErr", closeErr)
		os.Exit(1)
	}

	stats := store.Stats()
	for _, level := range stats.Levels {
		if level.Tables > 0 {
			slog.Info("Level layout.", "levelId", level.Level, "tables", level.Tables, "capacity", level.Capacity,
				"entries", level.Entries)
		}
	}
	slog.Info("Benchmark finished.", "uptime", utils.Uptime())
}
