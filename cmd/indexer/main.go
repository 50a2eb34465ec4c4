// Command indexer runs the multichain sync engine: it loads a YAML config
// describing one or more chains and their sources, drives historical and
// realtime sync for each, and logs every decoded event as it is
// materialized, following the teacher's cmd/watcher/main.go wiring style.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"chainindex/internal/abidecode"
	"chainindex/internal/config"
	"chainindex/internal/metrics"
	"chainindex/internal/store"
	"chainindex/internal/syncengine"
	"chainindex/pkg/chain/rpc"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "Path to configuration file")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found, using environment variables")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	setupLogging(cfg.Logging)
	log.Info().Msg("starting chainindex")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
		cancel()
	}()

	if err := run(ctx, cfg); err != nil && err != context.Canceled {
		log.Fatal().Err(err).Msg("application error")
	}

	log.Info().Msg("chainindex shutdown complete")
}

func setupLogging(cfg config.LoggingConfig) {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		log.Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	m := metrics.New()
	if cfg.Metrics.Enabled {
		if err := m.StartServer(cfg.Metrics.Port, cfg.Metrics.Path); err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			m.Shutdown(shutdownCtx)
		}()
		log.Info().Int("port", cfg.Metrics.Port).Msg("metrics server started")
	}

	st, err := store.New(cfg.Persistence.SQLitePath)
	if err != nil {
		return fmt.Errorf("opening sync store: %w", err)
	}
	defer st.Close()
	log.Info().Str("path", cfg.Persistence.SQLitePath).Msg("sync store initialized")

	var (
		chains     []*syncengine.Chain
		clients    []*rpc.Client
		abiSources []abidecode.Source
	)
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	onFatal := func(chainID uint64, err error) {
		log.Error().Err(err).Uint64("chain_id", chainID).Msg("realtime follower failed fatally")
	}

	for _, entry := range cfg.Chains.Entries {
		client, err := rpc.NewClient(rpc.Config{
			Name:              entry.Name,
			RPCURL:            entry.RPCURL,
			WSURL:             entry.WSURL,
			ChainID:           entry.ChainID,
			FinalityDepth:     entry.FinalityDepth,
			RequestsPerSecond: int(cfg.Chains.RateLimitPerSecond),
		})
		if err != nil {
			return fmt.Errorf("connecting to chain %q: %w", entry.Name, err)
		}
		clients = append(clients, client)

		sources, chainABI, err := buildSources(entry)
		if err != nil {
			return err
		}
		abiSources = append(abiSources, chainABI...)

		historical, err := syncengine.NewHistoricalSync(ctx, entry.ChainID, sources, client, st, m)
		if err != nil {
			return fmt.Errorf("initializing historical sync for chain %q: %w", entry.Name, err)
		}

		local, err := syncengine.NewLocalSync(ctx, syncengine.Config{
			ChainID:                 entry.ChainID,
			ConfiguredChainID:       entry.ChainID,
			FinalityDepth:           entry.FinalityDepth,
			BlocksPerEventHeuristic: cfg.Sync.BlocksPerEventHeuristic,
		}, sources, client, historical)
		if err != nil {
			return fmt.Errorf("initializing local sync for chain %q: %w", entry.Name, err)
		}
		historical.InitializeMetrics(local.FinalizedBlock().Number)

		realtime := syncengine.NewRealtimeSync(
			entry.ChainID, client, entry.WSURL, cfg.Sync.PollInterval,
			entry.FinalityDepth, local.FinalizedBlock(), m, onFatal,
		)

		chains = append(chains, &syncengine.Chain{
			ChainID:  entry.ChainID,
			Sources:  sources,
			Local:    local,
			Realtime: realtime,
		})

		log.Info().Str("chain", entry.Name).Uint64("chain_id", entry.ChainID).Int("sources", len(sources)).Msg("chain initialized")
	}

	coordinator := syncengine.NewCoordinator(st, chains, func(evt syncengine.RealtimeEvent) {
		logRealtimeEvent(evt, abiSources)
	}, onFatal)
	defer coordinator.Kill()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Info().Msg("starting historical stream consumer")
		err := coordinator.GetEvents(gctx, func(batch []syncengine.RawEvent) error {
			return logRawEvents(batch, abiSources)
		})
		if err != nil {
			return fmt.Errorf("historical stream: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		log.Info().Msg("starting realtime followers")
		coordinator.StartRealtime(gctx)
		<-gctx.Done()
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func logRawEvents(batch []syncengine.RawEvent, sources []abidecode.Source) error {
	decoded, err := abidecode.Decode(sources, rawToStoreEvents(batch))
	if err != nil {
		return fmt.Errorf("decoding historical batch: %w", err)
	}
	for _, e := range decoded {
		log.Info().
			Uint64("chain_id", e.ChainID).
			Str("contract", e.ContractName).
			Str("event", e.LogEventName).
			Uint64("block", e.BlockNumber).
			Str("checkpoint", e.Checkpoint).
			Interface("args", e.Args).
			Msg("event materialized")
	}
	return nil
}

func logRealtimeEvent(evt syncengine.RealtimeEvent, sources []abidecode.Source) {
	switch evt.Type {
	case syncengine.RealtimeEventBlock:
		decoded, err := abidecode.Decode(sources, rawToStoreEvents(evt.Events))
		if err != nil {
			log.Error().Err(err).Msg("decoding realtime block events")
			return
		}
		for _, e := range decoded {
			log.Info().
				Uint64("chain_id", e.ChainID).
				Str("contract", e.ContractName).
				Str("event", e.LogEventName).
				Uint64("block", e.BlockNumber).
				Msg("realtime event")
		}
	case syncengine.RealtimeEventReorg:
		log.Warn().Uint64("chain_id", evt.ChainID).Str("checkpoint", evt.Checkpoint).Msg("reorg detected")
	case syncengine.RealtimeEventFinalize:
		log.Debug().Uint64("chain_id", evt.ChainID).Str("checkpoint", evt.Checkpoint).Msg("finalize advanced")
	}
}

func rawToStoreEvents(events []syncengine.RawEvent) []store.Event {
	out := make([]store.Event, len(events))
	for i, e := range events {
		out[i] = store.Event{
			FilterID:        e.FilterID,
			Checkpoint:      e.Checkpoint,
			ChainID:         e.ChainID,
			BlockNumber:     e.BlockNumber,
			BlockHash:       e.BlockHash,
			LogIndex:        e.LogIndex,
			TransactionHash: e.TransactionHash,
			Data:            e.Data,
		}
	}
	return out
}
