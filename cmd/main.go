package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/txplain/logdecoder/internal/api"
	"github.com/txplain/logdecoder/internal/config"
	"github.com/txplain/logdecoder/internal/data"
	"github.com/txplain/logdecoder/internal/logging"
	"github.com/txplain/logdecoder/internal/models"
	"github.com/txplain/logdecoder/internal/rpc"
	"github.com/txplain/logdecoder/internal/store"
	"github.com/txplain/logdecoder/internal/tools"
)

// memoryCacheBytes bounds the in-process signature cache when Redis is not configured
const memoryCacheBytes = 64 << 20

func main() {
	// Load .env file if it exists
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(2)
	}

	var (
		httpAddr   = flag.String("http-addr", cfg.HTTPAddr, "HTTP server address")
		file       = flag.String("file", "", "Decode the logs of a JSON fixtures file and exit")
		verbose    = flag.Bool("v", false, "Verbose mode - debug logging")
		workers    = flag.Int("workers", cfg.DecodeWorkers, "Number of parallel decode workers per batch")
		skipSigs   = flag.Bool("skip-signature-service", false, "Do not consult the signature service (file mode)")
		useReplica = flag.Bool("use-replica", false, "Read from the database replica (file mode)")
		migrate    = flag.Bool("migrate", false, "Apply the database schema before starting")
		seed       = flag.Bool("seed", false, "Insert the contracts of -file into the database before decoding")
	)
	flag.Parse()

	level := cfg.LogLevel
	if *verbose {
		level = "debug"
	}
	logger := logging.New(level, cfg.LogPretty)
	if envErr != nil {
		logger.Debug().Err(envErr).Msg("no .env file loaded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, options{
		httpAddr:   *httpAddr,
		file:       *file,
		workers:    *workers,
		skipSigs:   *skipSigs,
		useReplica: *useReplica,
		migrate:    *migrate,
		seed:       *seed,
	}, logger); err != nil {
		logger.Error().Err(err).Msg("log decoder failed")
		os.Exit(1)
	}
}

type options struct {
	httpAddr   string
	file       string
	workers    int
	skipSigs   bool
	useReplica bool
	migrate    bool
	seed       bool
}

func run(ctx context.Context, cfg *config.Config, opts options, logger zerolog.Logger) error {
	var fixtures *store.Fixtures
	if opts.file != "" {
		f, err := readFixtures(opts.file)
		if err != nil {
			return err
		}
		fixtures = f
	}

	contracts, methods, closeStore, err := openStore(ctx, cfg, opts, fixtures, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	sigs, closeSigs, err := openSignatureService(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSigs()

	decoder := tools.NewLogDecoder(contracts, methods, sigs, tools.Config{
		StoreTimeout:     cfg.StoreTimeout,
		SignatureTimeout: cfg.SigProviderTimeout,
	}, logger)

	if fixtures != nil {
		return decodeFile(ctx, decoder, fixtures, opts, logger)
	}
	return serve(ctx, decoder, opts, logger)
}

func readFixtures(path string) (*store.Fixtures, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()

	// parsed into a scratch store; the caller decides where contracts live
	fixtures, err := store.NewMemoryStore().LoadFixtures(f)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return fixtures, nil
}

// openStore connects to PostgreSQL when DATABASE_URL is set and falls back to
// an in-memory store holding the fixtures' contracts otherwise.
func openStore(ctx context.Context, cfg *config.Config, opts options, fixtures *store.Fixtures, logger zerolog.Logger) (store.ContractStore, store.MethodStore, func(), error) {
	if cfg.DatabaseURL == "" {
		mem := store.NewMemoryStore()
		if fixtures != nil {
			for _, c := range fixtures.Contracts {
				if err := mem.AddContract(c); err != nil {
					return nil, nil, nil, err
				}
			}
			for _, m := range fixtures.Methods {
				if err := mem.AddMethod(m); err != nil {
					return nil, nil, nil, err
				}
			}
		}
		logger.Info().Int("contracts", len(fixturesContracts(fixtures))).Msg("using in-memory contract store")
		return mem, mem, func() {}, nil
	}

	pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL, cfg.DatabaseReplicaURL)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.migrate {
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, nil, nil, err
		}
	}
	if opts.seed {
		for _, c := range fixturesContracts(fixtures) {
			if err := pg.InsertContract(ctx, c); err != nil {
				pg.Close()
				return nil, nil, nil, err
			}
		}
	}
	logger.Info().Bool("replica", cfg.DatabaseReplicaURL != "").Msg("using PostgreSQL contract store")
	return pg, pg, pg.Close, nil
}

func fixturesContracts(fixtures *store.Fixtures) []store.VerifiedContract {
	if fixtures == nil {
		return nil
	}
	return fixtures.Contracts
}

// openSignatureService builds the cached signature service client. Answers
// are cached in Redis when REDIS_URL is set and in process otherwise.
func openSignatureService(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (rpc.SignatureService, func(), error) {
	client := rpc.NewSignatureClient(cfg.SigProviderURL, cfg.SigProviderEnabled, cfg.SigProviderTimeout)
	if !client.Enabled() {
		logger.Info().Msg("signature service disabled")
		return client, func() {}, nil
	}

	var connector data.Connector
	if cfg.RedisURL != "" {
		redisConnector, err := data.NewRedisConnector(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		connector = redisConnector
	} else {
		memoryConnector, err := data.NewMemoryConnector(memoryCacheBytes)
		if err != nil {
			return nil, nil, err
		}
		connector = memoryConnector
	}

	cache := tools.NewSimpleCache(connector, "logdecoder", nil)
	closeFn := func() {
		if err := connector.Close(); err != nil {
			logger.Warn().Err(err).Msg("failed to close signature cache")
		}
	}
	logger.Info().Str("url", cfg.SigProviderURL).Bool("redis", cfg.RedisURL != "").Msg("signature service enabled")
	return tools.NewCachedSignatureService(client, cache, cfg.SigCacheTTL, logger), closeFn, nil
}

func decodeFile(ctx context.Context, decoder *tools.LogDecoder, fixtures *store.Fixtures, opts options, logger zerolog.Logger) error {
	start := time.Now()
	results, err := decoder.DecodeBatchParallel(ctx, tools.BatchRequest{
		Logs:                 fixtures.Logs,
		Options:              models.Options{UseReplica: opts.useReplica},
		SkipSignatureService: opts.skipSigs,
	}, opts.workers)
	if err != nil {
		return err
	}

	fmt.Println(models.ToJSON(results))
	fmt.Fprintln(os.Stderr, summarize(results, time.Since(start)))
	logger.Debug().Int("logs", len(results)).Msg("file decoded")
	return nil
}

// summarize renders a one-line human readable batch summary
func summarize(results []models.DecodeResult, elapsed time.Duration) string {
	counts := map[models.ResultKind]int64{}
	for _, r := range results {
		counts[r.Kind]++
	}
	return fmt.Sprintf("decoded %s logs in %s: %s decoded, %s contract_not_verified, %s could_not_decode",
		humanize.Comma(int64(len(results))),
		elapsed.Round(time.Millisecond),
		humanize.Comma(counts[models.ResultDecoded]),
		humanize.Comma(counts[models.ResultContractNotVerified]),
		humanize.Comma(counts[models.ResultCouldNotDecode]),
	)
}

func serve(ctx context.Context, decoder *tools.LogDecoder, opts options, logger zerolog.Logger) error {
	server := api.NewServer(opts.httpAddr, decoder, opts.workers, logger)

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}
