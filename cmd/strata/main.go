package main

import (
	"context"
	"flag"
	"os"
	"runtime/pprof"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
)

var (
	configPath  = flag.String("config", "", "Path to a YAML layer/solver config")
	layerKind   = flag.String("layer", layerConv, "Layer to benchmark (conv, relu)")
	batch       = flag.Int("batch", 32, "Provisioned mini-batch size")
	rows        = flag.Int("rows", 28, "Input rows")
	cols        = flag.Int("cols", 28, "Input columns")
	depth       = flag.Int("depth", 3, "Input channels")
	partitions  = flag.Int("partitions", 0, "Number of partitions; 0 keeps the config value")
	gpuKind     = flag.String("gpu", "", "GPU driver kind (emulated, cuda); empty runs CPU only")
	gpuFraction = flag.Float64("gpu-fraction", -1, "Fraction of partitions on the GPU; negative keeps the config value")
	iterations  = flag.Int("iterations", 100, "Forward/backward iterations")
	varyBatch   = flag.Bool("vary-batch", false, "Shrink the batch on alternate iterations")
	workers     = flag.Int("workers", 0, "CPU kernel workers per partition; 0 keeps the config value")
	seed        = flag.Int64("seed", 1, "Random seed for fillers and input")
	cpuProfile  = flag.String("cpuprofile", "", "Write cpu profile to file")
	enableOTel  = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	metricsAddr = flag.String("metrics", "", "Address to serve /metrics on (e.g. :9102)")
	verbose     = flag.Bool("v", false, "Debug logging")
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer func() {
			if err := shutdown(context.Background()); err != nil {
				log.Warn().Err(err).Msg("Tracer shutdown failed")
			}
		}()
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

	if *metricsAddr != "" {
		go serveMetrics(*metricsAddr)
	}

	opts := benchOptions{
		configPath:  *configPath,
		layer:       *layerKind,
		batch:       *batch,
		rows:        *rows,
		cols:        *cols,
		depth:       *depth,
		partitions:  *partitions,
		gpuKind:     *gpuKind,
		gpuFraction: *gpuFraction,
		iterations:  *iterations,
		varyBatch:   *varyBatch,
		workers:     *workers,
		seed:        *seed,
		progress:    true,
	}
	sum, err := runBench(opts)
	if err != nil {
		log.Fatal().Err(err).Msg("Benchmark failed")
	}
	log.Info().
		Str("layer", opts.layer).
		Int("iterations", sum.iterations).
		Int("items", sum.items).
		Int("cpu_partitions", sum.cpuPartitions).
		Int("gpu_partitions", sum.gpuPartitions).
		Dur("elapsed", sum.elapsed).
		Float32("output_sum", sum.outputSum).
		Float64("model_grad_norm", sum.gradNorm).
		Float64("items_per_sec", float64(sum.items)/sum.elapsed.Seconds()).
		Msg("Benchmark complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("strata"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
