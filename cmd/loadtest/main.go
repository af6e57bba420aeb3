// Command loadtest drives concurrent overlapping offline edits against syncd
// and reports settle latency and conflict counts.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/example/offline-sync/internal/client"
	"github.com/example/offline-sync/internal/conflict"
	"github.com/example/offline-sync/internal/types"
)

type sample struct {
	dur      time.Duration
	status   types.Status
	resolved bool
}

func main() {
	addr := flag.String("addr", "http://localhost:8080", "base URL of the sync API")
	tenant := flag.String("tenant", "loadtest", "tenant id used by all clients")
	clients := flag.Int("clients", 50, "number of concurrent offline clients")
	entities := flag.Int("entities", 10, "number of shared tasks edited by the clients")
	edits := flag.Int("edits", 20, "edits queued per client before reconnecting")
	pollEvery := flag.Duration("poll", 250*time.Millisecond, "status poll interval")
	timeout := flag.Duration("timeout", 2*time.Minute, "give up waiting for outcomes after this long")
	flag.Parse()

	zerolog.TimeFieldFormat = time.RFC3339Nano
	logger := log.With().Str("tenant", *tenant).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	ids, err := seed(ctx, *addr, types.TenantID(*tenant), *entities, *pollEvery, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("seeding tasks failed")
	}
	logger.Info().Int("tasks", len(ids)).Msg("seeded shared tasks")

	samples := make(chan sample, *clients**edits)
	var wg sync.WaitGroup
	for i := 0; i < *clients; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			user := types.UserID(fmt.Sprintf("user-%d", n))
			if err := runClient(ctx, *addr, types.TenantID(*tenant), user, ids, *edits, *pollEvery, samples, logger); err != nil {
				logger.Error().Err(err).Str("user", string(user)).Msg("client failed")
			}
		}(i)
	}

	go func() {
		wg.Wait()
		close(samples)
	}()
	report(samples, logger)
}

func seed(ctx context.Context, addr string, tenant types.TenantID, n int, pollEvery time.Duration, logger zerolog.Logger) ([]types.EntityID, error) {
	rec := client.NewReconciler(client.NewAPI(addr, tenant, "seeder"), client.NewMemoryQueue(), logger)
	for i := 0; i < n; i++ {
		payload, _ := json.Marshal(map[string]any{"title": fmt.Sprintf("shared task %d", i), "status": "open"})
		if _, err := rec.Queue(ctx, types.Submission{Action: types.ActionCreate, EntityType: types.EntityTask, Payload: payload}); err != nil {
			return nil, err
		}
	}
	if _, err := rec.Replay(ctx); err != nil {
		return nil, err
	}

	var ids []types.EntityID
	for len(ids) < n {
		outcomes, err := rec.Poll(ctx)
		if err != nil {
			return nil, err
		}
		for _, o := range outcomes {
			if o.Status == types.StatusCompleted {
				ids = append(ids, o.EntityID)
			}
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(pollEvery):
		}
	}
	return ids, nil
}

// runClient queues edits offline against the version it last saw, replays them
// in one burst and resolves every conflict it is handed with server_wins.
func runClient(ctx context.Context, addr string, tenant types.TenantID, user types.UserID, ids []types.EntityID, edits int, pollEvery time.Duration, samples chan<- sample, logger zerolog.Logger) error {
	rec := client.NewReconciler(client.NewAPI(addr, tenant, user), client.NewMemoryQueue(), logger)
	started := make(map[string]time.Time, edits)
	resolved := make(map[string]bool)

	for j := 0; j < edits; j++ {
		payload, _ := json.Marshal(map[string]any{"title": fmt.Sprintf("%s edit %d", user, j)})
		id, err := rec.Queue(ctx, types.Submission{
			Action: types.ActionUpdate, EntityType: types.EntityTask,
			EntityID: ids[j%len(ids)], Payload: payload, BaseVersion: types.VersionPtr(1),
		})
		if err != nil {
			return err
		}
		started[id] = time.Now()
	}

	pending := len(started)
	for pending > 0 {
		outcomes, err := rec.Sync(ctx)
		if err != nil {
			return err
		}
		for _, o := range outcomes {
			switch o.Status {
			case types.StatusConflict:
				if o.Conflict == nil || resolved[o.UUID] {
					continue
				}
				if _, err := rec.Resolve(ctx, o.Conflict.ID, conflict.Request{Resolution: types.ResolutionServerWins}); err != nil {
					logger.Warn().Err(err).Int64("conflict_id", o.Conflict.ID).Msg("resolve failed")
					continue
				}
				resolved[o.UUID] = true
			case types.StatusCompleted, types.StatusFailed:
				start, ok := started[o.UUID]
				if !ok {
					continue
				}
				delete(started, o.UUID)
				pending--
				samples <- sample{dur: time.Since(start), status: o.Status, resolved: resolved[o.UUID]}
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pollEvery):
		}
	}
	return nil
}

func report(samples <-chan sample, logger zerolog.Logger) {
	var count, failed, conflicted int
	var total, max time.Duration

	for s := range samples {
		count++
		total += s.dur
		if s.dur > max {
			max = s.dur
		}
		if s.status == types.StatusFailed {
			failed++
		}
		if s.resolved {
			conflicted++
		}
	}

	if count == 0 {
		fmt.Fprintln(os.Stdout, "no outcomes collected")
		return
	}

	avg := time.Duration(int64(math.Round(float64(total) / float64(count))))
	fmt.Fprintf(os.Stdout, "Settled: %d\nFailed: %d\nResolved conflicts: %d\nAvg settle: %s\nMax settle: %s\n",
		count, failed, conflicted, avg, max)
	if failed > 0 {
		logger.Warn().Int("failed", failed).Msg("some edits failed")
	}
}
