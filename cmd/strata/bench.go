package main

import (
	"bytes"
	"errors"
	"fmt"
	"time"

	"github.com/nobletooth/strata/pkg/storage"
)

type benchConfig struct {
	keys      int
	valueSize int
	rounds    int
}

// phaseResult accumulates the timings of one operation kind over every round.
type phaseResult struct {
	phase   string // put | get | del
	ops     int
	rounds  int
	elapsed time.Duration
}

func (p phaseResult) averageRound() time.Duration {
	if p.rounds == 0 {
		return 0
	}
	return p.elapsed / time.Duration(p.rounds)
}

func (p phaseResult) opsPerSecond() float64 {
	if p.elapsed <= 0 {
		return 0
	}
	return float64(p.ops) / p.elapsed.Seconds()
}

// runBenchmark writes, reads back and deletes `keys` keys, `rounds` times. Reads are verified, so the benchmark
// doubles as a smoke test of the store.
func runBenchmark(store storage.KeyValueHolder, cfg benchConfig) ([]phaseResult, error) {
	if cfg.keys <= 0 || cfg.rounds <= 0 || cfg.valueSize < 0 {
		return nil, fmt.Errorf("invalid benchmark config: %+v", cfg)
	}
	value := bytes.Repeat([]byte("s"), cfg.valueSize)
	results := []phaseResult{{phase: "put"}, {phase: "get"}, {phase: "del"}}
	phases := []func(key uint64) error{
		func(key uint64) error { return store.Put(key, value) },
		func(key uint64) error {
			got, err := store.Get(key)
			if err != nil {
				return err
			}
			if !bytes.Equal(got, value) {
				return fmt.Errorf("key %d holds %d bytes, want %d", key, len(got), len(value))
			}
			return nil
		},
		func(key uint64) error {
			found, err := store.Delete(key)
			if err == nil && !found {
				err = fmt.Errorf("key %d: %w", key, storage.ErrKeyNotFound)
			}
			return err
		},
	}

	for round := range cfg.rounds {
		for idx, phase := range phases {
			started := time.Now()
			for key := range uint64(cfg.keys) {
				if err := phase(key); err != nil {
					return results, errors.Join(fmt.Errorf("%s phase failed in round %d", results[idx].phase,
						round), err)
				}
			}
			results[idx].elapsed += time.Since(started)
			results[idx].ops += cfg.keys
			results[idx].rounds++
		}
	}
	return results, nil
}
