package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"runtime/pprof"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"

	"github.com/23skdu/longbow-pointformer/internal/device"
	"github.com/23skdu/longbow-pointformer/internal/neighbors"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/model"
	"github.com/23skdu/longbow-pointformer/internal/pointcloud/weights"
)

var (
	batchSize      = flag.Int("batch", 5, "Number of clouds per batch")
	numPoints      = flag.Int("points", 1000, "Points per cloud")
	dimsFlag       = flag.String("dims", "32,64,128,256,512", "Feature width of each encoder level")
	neighbourK     = flag.Int("k", model.DefaultK, "Neighbourhood size")
	ratio          = flag.Int("ratio", 4, "Downsampling ratio between levels")
	seed           = flag.Int64("seed", model.DefaultSeed, "Seed for parameters and the random input")
	weightsPath    = flag.String("weights", "", "Raw little-endian float32 weights file")
	checkpointPath = flag.String("checkpoint", "", "CBOR checkpoint to load (overrides layout flags)")
	savePath       = flag.String("save", "", "Write a CBOR checkpoint of the network to this path")
	runningStats   = flag.Bool("running-stats", false, "Normalise with stored running statistics instead of batch statistics")
	outPath        = flag.String("out", "-", "Arrow IPC output path ('-' for stdout, '' to skip)")
	cpuProfile     = flag.String("cpuprofile", "", "Write cpu profile to file")
	duration       = flag.Duration("duration", 0, "Run soak test for specified duration (e.g. 10s, 20m)")
	metricsAddr    = flag.String("metrics", "", "Address to serve Prometheus metrics on (e.g. :9100)")
	enableOTel     = flag.Bool("otel", false, "Enable OpenTelemetry tracing (stdout)")
	debug          = flag.Bool("debug", false, "Enable debug logging")
)

func main() {
	// Initialize logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Caller().Logger()

	flag.Parse()

	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if *debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if *enableOTel {
		shutdown, err := initTracer()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize tracer")
		}
		defer shutdown(context.Background())
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
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			log.Info().Str("addr", *metricsAddr).Msg("Serving metrics")
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
				log.Error().Err(err).Msg("Metrics server failed")
			}
		}()
	}

	backend := device.NewCPUBackend()
	net, err := buildNetwork(backend)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build network")
	}
	cfg := net.Config
	log.Info().
		Ints("dims", cfg.Dims).
		Int("points", cfg.NumPoints).
		Int("k", cfg.K).
		Str("device", backend.Name()).
		Str("blas", device.BLAS()).
		Msg("Network ready")

	if *savePath != "" {
		if err := saveCheckpoint(*savePath, net); err != nil {
			log.Fatal().Err(err).Msg("Failed to save checkpoint")
		}
		log.Info().Str("path", *savePath).Msg("Saved checkpoint")
	}

	in, err := randomCloud(backend, *batchSize, cfg.NumPoints, *seed)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create input")
	}

	if *duration > 0 {
		soak(net, in, *duration)
		return
	}

	start := time.Now()
	out, err := net.Forward(context.Background(), in)
	if err != nil {
		log.Fatal().Err(err).Msg("Forward failed")
	}
	elapsed := time.Since(start)

	log.Info().
		Int("batch", out.Batch).
		Int("points", out.Points()).
		Int("channels", out.Channels()).
		Dur("elapsed", elapsed).
		Float64("pps", float64(in.Batch*in.Points())/elapsed.Seconds()).
		Msg("Forward complete")

	if *outPath == "" {
		return
	}

	rec := cloudRecord(memory.NewGoAllocator(), out)
	defer rec.Release()

	var w io.Writer = os.Stdout
	if *outPath != "-" {
		f, err := os.Create(*outPath)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create output file")
		}
		defer f.Close()
		w = f
	}
	if err := writeArrowStream(w, rec); err != nil {
		log.Warn().Err(err).Msg("Failed to write arrow stream")
	}
}

// buildNetwork creates the network from the checkpoint's layout when one is
// given, from the flags otherwise, and loads any weights.
func buildNetwork(backend device.Backend) (*pointcloud.Network, error) {
	cfg := pointcloud.DefaultConfig()
	cfg.NumPoints = *numPoints
	cfg.K = *neighbourK
	cfg.Ratio = *ratio
	cfg.Seed = *seed
	dims, err := parseDims(*dimsFlag)
	if err != nil {
		return nil, err
	}
	cfg.Dims = dims

	var ckpt *weights.Checkpoint
	if *checkpointPath != "" {
		f, err := os.Open(*checkpointPath)
		if err != nil {
			return nil, err
		}
		ckpt, err = weights.ReadCheckpoint(f)
		f.Close()
		if err != nil {
			return nil, err
		}
		if err := ckpt.DecodeConfig(&cfg); err != nil {
			return nil, fmt.Errorf("failed to decode checkpoint config: %w", err)
		}
	}
	cfg.UseRunningStats = *runningStats

	net, err := pointcloud.NewNetwork(cfg, backend)
	if err != nil {
		return nil, err
	}

	loader := weights.NewLoader(net)
	if ckpt != nil {
		if err := loader.Apply(ckpt); err != nil {
			return nil, err
		}
		log.Info().Str("path", *checkpointPath).Msg("Loaded checkpoint")
	}
	if *weightsPath != "" {
		if err := loader.LoadFromRawBinary(*weightsPath); err != nil {
			return nil, err
		}
		log.Info().Str("path", *weightsPath).Msg("Loaded raw weights")
	}
	return net, nil
}

func saveCheckpoint(path string, net *pointcloud.Network) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := weights.NewLoader(net).SaveCheckpoint(f, net.Config); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func parseDims(s string) ([]int, error) {
	var dims []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		d, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid dims %q: %w", s, err)
		}
		dims = append(dims, d)
	}
	if len(dims) == 0 {
		return nil, fmt.Errorf("invalid dims %q: no levels", s)
	}
	return dims, nil
}

// randomCloud draws uniform coordinates in [0, 1) and reuses them as the
// input features.
func randomCloud(backend device.Backend, batch, n int, seed int64) (model.Cloud, error) {
	rng := rand.New(rand.NewSource(seed))
	xyz := make([]float32, batch*n*neighbors.Dim)
	for i := range xyz {
		xyz[i] = rng.Float32()
	}
	return model.NewCloud(backend, batch, n, xyz, neighbors.Dim, xyz)
}

func soak(net *pointcloud.Network, in model.Cloud, d time.Duration) {
	log.Info().Str("duration", d.String()).Msg("Starting soak test")

	startTime := time.Now()
	endTime := startTime.Add(d)
	var totalPoints int64
	var iter int

	for time.Now().Before(endTime) {
		if _, err := net.Forward(context.Background(), in); err != nil {
			log.Fatal().Err(err).Msg("Forward failed")
		}
		totalPoints += int64(in.Batch * in.Points())
		iter++

		if iter%10 == 0 {
			elapsed := time.Since(startTime)
			log.Info().
				Str("elapsed", elapsed.Round(time.Second).String()).
				Int("iter", iter).
				Int64("total_points", totalPoints).
				Float64("pps", float64(totalPoints)/elapsed.Seconds()).
				Msg("Soak test progress")
		}
	}

	totalElapsed := time.Since(startTime)
	log.Info().
		Int64("total_points", totalPoints).
		Dur("total_time", totalElapsed).
		Float64("avg_pps", float64(totalPoints)/totalElapsed.Seconds()).
		Msg("Soak test complete")
}

func initTracer() (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint(), stdouttrace.WithWriter(os.Stderr))
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceNameKey.String("pointformer"),
		)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	return tp.Shutdown, nil
}
