package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand/v2"
	"os"
	"runtime/pprof"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/23skdu/longbow-kge/internal/cache"
	"github.com/23skdu/longbow-kge/internal/client"
	"github.com/23skdu/longbow-kge/internal/device"
	"github.com/23skdu/longbow-kge/internal/interaction"
	"github.com/23skdu/longbow-kge/internal/nn"
	"github.com/23skdu/longbow-kge/internal/tensor"
	"github.com/23skdu/longbow-kge/internal/wire"
)

var (
	envFile         = flag.String("env", "", "Optional .env file with KGE_* settings")
	cpuProfile      = flag.String("cpuprofile", "", "Write cpu profile to file")
	listenAddr      = flag.String("listen", "", "Address to listen on for HTTP Server (e.g. :8080), overrides KGE_LISTEN_ADDR")
	flightAddr      = flag.String("flight", "", "Address to listen on for Flight Server (e.g. :9090), overrides KGE_FLIGHT_ADDR")
	upstreamURL     = flag.String("upstream", "", "HTTP scorer for interactions not hosted here (e.g. http://localhost:8081)")
	remoteAddr      = flag.String("remote", "", "Score the input on a remote Flight server instead of locally")
	interactionName = flag.String("interaction", "distmult", "Interaction to score with (distmult, complex, conve)")
	inputPath       = flag.String("input", "-", "Arrow IPC stream of (h, r, t) triples, - for stdin")
	outputFormat    = flag.String("format", "arrow", "Score output format: 'arrow' (IPC stream) or 'parquet'")
	demoRows        = flag.Int("demo", 0, "Score N random triples instead of reading input")
	enableOTel      = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	var envFiles []string
	if *envFile != "" {
		envFiles = append(envFiles, *envFile)
	}
	cfg, err := LoadConfig(envFiles...)
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}
	if *listenAddr != "" {
		cfg.ListenAddr = *listenAddr
	}
	if *flightAddr != "" {
		cfg.FlightAddr = *flightAddr
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() { _ = shutdown(context.Background()) }()
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create CPU profile file")
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal().Err(err).Msg("Could not start CPU profile")
		}
		defer pprof.StopCPUProfile()
	}

	if *remoteAddr != "" {
		if err := runRemote(cfg, *remoteAddr); err != nil {
			log.Fatal().Err(err).Msg("Remote scoring failed")
		}
		return
	}

	backend, err := device.Open(cfg.Device)
	if err != nil {
		log.Fatal().Err(err).Str("device", cfg.Device).Msg("Failed to open device")
	}
	registry, err := buildRegistry(cfg, backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build interactions")
	}
	budget := parseBytes(cfg.MaxMemory)
	log.Info().Str("max_memory", cfg.MaxMemory).Int64("bytes", budget).Str("device", backend.Name()).Msg("Memory Admission Control")

	// Server Mode
	if cfg.ListenAddr != "" || cfg.FlightAddr != "" {
		var scoreCache cache.ScoreCache
		if cfg.CacheSize > 0 {
			scoreCache = cache.NewLRUCache(cfg.CacheSize, cfg.CacheTTL)
		}
		var upstream Upstream
		if *upstreamURL != "" {
			breaker := client.NewCircuitBreaker(cfg.BreakerFails, cfg.BreakerTimeout)
			upstream = client.NewHTTPClient(*upstreamURL, cfg.RemoteTimeout, breaker)
			log.Info().Str("url", *upstreamURL).Msg("Upstream scorer configured")
		}
		srv := NewServer(registry, scoreCache, upstream, budget)

		if cfg.FlightAddr == "" {
			startServer(cfg.ListenAddr, srv)
			return
		}
		if cfg.ListenAddr != "" {
			go startServer(cfg.ListenAddr, srv)
		}
		StartFlightServer(cfg.FlightAddr, srv)
		return
	}

	if err := runLocal(cfg, NewServer(registry, nil, nil, budget)); err != nil {
		log.Fatal().Err(err).Msg("Scoring failed")
	}
}

// buildRegistry registers every interaction hosted by this process.
func buildRegistry(cfg *Config, backend device.Backend) (*interaction.Registry, error) {
	stack, err := interaction.NewConvEStack(cfg.ConvE(), backend, new(nn.Mode), cfg.Seed)
	if err != nil {
		return nil, err
	}
	log.Debug().
		Int("height", stack.EmbeddingHeight).
		Int("width", stack.EmbeddingWidth).
		Int("features", stack.NumInFeatures).
		Msg("ConvE stack ready")
	return interaction.NewRegistry(
		interaction.Instrument(interaction.DistMultInteraction{}),
		interaction.Instrument(interaction.ComplExInteraction{}),
		interaction.Instrument(interaction.ConvEInteraction{Stack: stack}),
	), nil
}

// runLocal scores the input triples in-process and writes the scores to
// stdout.
func runLocal(cfg *Config, srv *Server) error {
	ctx, span := tracer.Start(context.Background(), "runLocal")
	defer span.End()
	span.SetAttributes(attribute.String("interaction", *interactionName))

	inputs, err := readInput(cfg, srv.alloc)
	if err != nil {
		return err
	}
	defer release(inputs)

	start := time.Now()
	var out []arrow.RecordBatch
	defer func() { release(out) }()
	rows := int64(0)
	for _, rec := range inputs {
		scores, err := srv.scoreRecord(ctx, *interactionName, rec)
		if err != nil {
			return err
		}
		rows += scores.NumRows()
		out = append(out, scores)
	}
	elapsed := time.Since(start)
	log.Info().
		Str("interaction", *interactionName).
		Int64("count", rows).
		Dur("elapsed", elapsed).
		Float64("tps", float64(rows)/elapsed.Seconds()).
		Msg("Scored triples")

	return writeScores(os.Stdout, out)
}

// runRemote sends the input triples to a Flight scorer and writes the
// returned scores to stdout.
func runRemote(cfg *Config, addr string) error {
	breaker := client.NewCircuitBreaker(cfg.BreakerFails, cfg.BreakerTimeout)
	fc, err := client.NewFlightClient(addr, breaker)
	if err != nil {
		return err
	}
	defer func() {
		if err := fc.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close flight client")
		}
	}()
	log.Info().Str("addr", addr).Msg("Connected to Flight Server")

	mem := memory.NewGoAllocator()
	inputs, err := readInput(cfg, mem)
	if err != nil {
		return err
	}
	defer release(inputs)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.RemoteTimeout)
	defer cancel()

	var out []arrow.RecordBatch
	defer func() { release(out) }()
	for _, rec := range inputs {
		values, err := fc.Score(ctx, *interactionName, rec)
		if err != nil {
			return err
		}
		scores, err := tensor.New(tensor.Shape{len(values)}, values)
		if err != nil {
			return err
		}
		scored, err := wire.NewScoreRecord(mem, scores)
		if err != nil {
			return err
		}
		out = append(out, scored)
	}
	return writeScores(os.Stdout, out)
}

// readInput loads the triple batches from -input, or generates -demo
// random triples chunked to MaxBatchRows.
func readInput(cfg *Config, mem memory.Allocator) ([]arrow.RecordBatch, error) {
	if *demoRows > 0 {
		h, r, t, err := demoTriples(*demoRows, cfg.EmbeddingDim, *interactionName, cfg.Seed)
		if err != nil {
			return nil, err
		}
		return client.NewRecordBatchBuilder(mem, cfg.MaxBatchRows).BuildTripleBatches(h, r, t)
	}

	var in io.Reader = os.Stdin
	if *inputPath != "-" {
		f, err := os.Open(*inputPath)
		if err != nil {
			return nil, err
		}
		defer func() { _ = f.Close() }()
		in = f
	}
	reader, err := ipc.NewReader(in, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("read triples: %w", err)
	}
	defer reader.Release()

	var recs []arrow.RecordBatch
	for reader.Next() {
		rec := reader.RecordBatch()
		rec.Retain()
		recs = append(recs, rec)
	}
	if err := reader.Err(); err != nil {
		release(recs)
		return nil, err
	}
	return recs, nil
}

// demoTriples draws n random triples. ConvE tails carry an extra bias
// feature.
func demoTriples(n, dim int, name string, seed uint64) (h, r, t *tensor.Tensor, err error) {
	rng := rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
	random := func(width int) (*tensor.Tensor, error) {
		x, err := tensor.Zeros(n, width)
		if err != nil {
			return nil, err
		}
		for i := range x.Data() {
			x.Data()[i] = rng.NormFloat64()
		}
		return x, nil
	}
	tailDim := dim
	if strings.EqualFold(name, interaction.ConvEInteraction{}.Name()) {
		tailDim = dim + 1
	}
	if h, err = random(dim); err != nil {
		return nil, nil, nil, err
	}
	if r, err = random(dim); err != nil {
		return nil, nil, nil, err
	}
	if t, err = random(tailDim); err != nil {
		return nil, nil, nil, err
	}
	return h, r, t, nil
}

func writeScores(w io.Writer, recs []arrow.RecordBatch) error {
	switch *outputFormat {
	case "parquet":
		return wire.WriteParquet(w, recs...)
	case "arrow", "":
		return wire.WriteStream(w, wire.ScoreSchema, recs...)
	default:
		return fmt.Errorf("unknown output format %q", *outputFormat)
	}
}

func release(recs []arrow.RecordBatch) {
	for _, rec := range recs {
		rec.Release()
	}
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", "longbow-kge"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
