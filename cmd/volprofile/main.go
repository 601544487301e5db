// Command volprofile drives a volume provider against a synthetic or real
// dataset while capturing CPU, heap, trace and wall-clock profiles.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand" //nolint:gosec // intentional use for reproducible benchmarks
	"net/http"
	_ "net/http/pprof" //nolint:gosec // intentional profiling endpoint
	"os"
	"runtime"
	"runtime/pprof"
	"runtime/trace"
	"time"

	"github.com/felixge/fgprof"
	"github.com/spf13/pflag"

	"github.com/meigma/volstream"
	"github.com/meigma/volstream/config"
	"github.com/meigma/volstream/internal/testutil"
	"github.com/meigma/volstream/internal/voltype"
	"github.com/meigma/volstream/manifest"
	"github.com/meigma/volstream/storage"
	"github.com/meigma/volstream/storage/storagetest"
)

type options struct {
	mode       string
	configFile string

	layers     int
	width      int
	height     int
	depth      int
	channels   int
	timepoints int
	levels     int
	chunk      int
	shard      int
	codec      string
	dataType   string
	sparsity   float64

	dataURL         string
	dataHTTPLatency time.Duration
	dataHTTPBPS     int64

	scale       int
	duration    time.Duration
	iterations  int
	pprofAddr   string
	cpuProfile  string
	memProfile  string
	traceFile   string
	fgProfile   string
	diagnostics bool
	randomSeed  int64
}

//nolint:unused // sink variables prevent compiler optimizations in profiling
var (
	sinkVolume *volstream.Volume
	sinkAtlas  *volstream.BrickAtlas
)

//nolint:gocognit,gocyclo // main function complexity is acceptable for CLI tool
func main() {
	opts := parseFlags()

	cfg := config.Default()
	if opts.configFile != "" {
		var err error
		if cfg, err = config.Load(opts.configFile); err != nil {
			log.Fatal(err)
		}
	}
	logger, closeLog, err := cfg.Logger(os.Stderr)
	if err != nil {
		log.Fatal(err)
	}
	defer closeLog.Close()

	if opts.pprofAddr != "" {
		go func() {
			logger.Info("pprof listening", "addr", opts.pprofAddr)
			//nolint:gosec // intentional pprof server without timeouts for profiling
			if err := http.ListenAndServe(opts.pprofAddr, nil); err != nil {
				logger.Error("pprof server", "error", err)
			}
		}()
	}

	ctx := context.Background()
	store, m, cleanup, err := openDataset(ctx, cfg, opts)
	if err != nil {
		log.Fatal(err)
	}
	defer cleanup()

	provider, err := volstream.New(m, store, append(cfg.Options(), volstream.WithLogger(logger))...)
	if err != nil {
		log.Fatal(err) //nolint:gocritic // exitAfterDefer is intentional - cleanup is best-effort
	}

	if opts.fgProfile != "" {
		fgFile, fgErr := os.Create(opts.fgProfile)
		if fgErr != nil {
			log.Fatal(fgErr)
		}
		stopFG := fgprof.Start(fgFile, fgprof.FormatPprof)
		defer func() {
			if err := stopFG(); err != nil {
				logger.Error("fgprof stop", "error", err)
			}
			_ = fgFile.Close()
		}()
	}

	if opts.cpuProfile != "" {
		cpuFile, cpuErr := os.Create(opts.cpuProfile)
		if cpuErr != nil {
			log.Fatal(cpuErr)
		}
		if cpuErr = pprof.StartCPUProfile(cpuFile); cpuErr != nil {
			log.Fatal(cpuErr)
		}
		defer func() {
			pprof.StopCPUProfile()
			_ = cpuFile.Close()
		}()
	}

	if opts.traceFile != "" {
		traceFile, traceErr := os.Create(opts.traceFile)
		if traceErr != nil {
			log.Fatal(traceErr)
		}
		if traceErr = trace.Start(traceFile); traceErr != nil {
			log.Fatal(traceErr)
		}
		defer func() {
			trace.Stop()
			_ = traceFile.Close()
		}()
	}

	stats, err := runProfile(ctx, opts, provider)
	if err != nil {
		log.Fatal(err)
	}

	if opts.memProfile != "" {
		runtime.GC()
		f, err := os.Create(opts.memProfile)
		if err != nil {
			log.Fatal(err)
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			log.Fatal(err)
		}
		_ = f.Close()
	}

	fmt.Printf("mode=%s ops=%d bytes=%d elapsed=%s throughput=%.2f MB/s\n",
		opts.mode,
		stats.ops,
		stats.bytes,
		stats.elapsed,
		float64(stats.bytes)/(1024*1024)/stats.elapsed.Seconds(),
	)
	if opts.diagnostics {
		fmt.Println(provider.Diagnostics())
	}
}

type profileStats struct {
	ops     int
	bytes   int64
	elapsed time.Duration
}

//nolint:gocognit,gocyclo // complexity is inherent to multi-mode profiler dispatch
func runProfile(ctx context.Context, opts options, p *volstream.Provider) (profileStats, error) {
	start := time.Now()
	ops := 0
	var byteCount int64

	shouldContinue := func() bool {
		if opts.iterations > 0 {
			return ops < opts.iterations
		}
		return time.Since(start) < opts.duration
	}

	keys := p.Index().Keys()
	if len(keys) == 0 {
		return profileStats{}, errors.New("dataset has no layers")
	}
	layer, _ := p.Index().Lookup(keys[0])
	timepoints := layer.VolumeCount
	rng := rand.New(rand.NewSource(opts.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks

	switch opts.mode {
	case "volume":
		for shouldContinue() {
			key := keys[rng.Intn(len(keys))]
			t := rng.Intn(timepoints)
			vol, err := p.GetVolume(ctx, key, t, volstream.WithScale(opts.scale))
			if err != nil {
				return profileStats{}, err
			}
			sinkVolume = vol
			byteCount += int64(len(vol.Data))
			ops++
		}
	case "atlas":
		for shouldContinue() {
			key := keys[rng.Intn(len(keys))]
			t := rng.Intn(timepoints)
			atlas, err := p.GetBrickAtlas(ctx, key, t, volstream.WithScale(opts.scale))
			if err != nil {
				return profileStats{}, err
			}
			sinkAtlas = atlas
			byteCount += int64(len(atlas.Data))
			ops++
		}
	case "prefetch":
		for shouldContinue() {
			p.Clear()
			t := ops % timepoints
			if err := p.Prefetch(ctx, keys, t, volstream.WithScaleLevels(opts.scale), volstream.WithReason("profile")); err != nil {
				return profileStats{}, err
			}
			ops++
		}
		byteCount = p.Diagnostics().Chunks.FetchedBytes
	case "playback":
		// Step through time, prefetching the next frame while the current one
		// is read, the way an interactive viewer does.
		for shouldContinue() {
			t := ops % timepoints
			next := (t + 1) % timepoints
			pctx, cancel := context.WithCancel(ctx)
			done := make(chan error, 1)
			go func() {
				done <- p.Prefetch(pctx, keys, next, volstream.WithScaleLevels(opts.scale), volstream.WithReason("playback"))
			}()
			for _, key := range keys {
				vol, err := p.GetVolume(ctx, key, t, volstream.WithScale(opts.scale))
				if err != nil {
					cancel()
					return profileStats{}, err
				}
				sinkVolume = vol
				byteCount += int64(len(vol.Data))
			}
			cancel()
			if err := <-done; err != nil && !volstream.IsCancellation(err) {
				return profileStats{}, err
			}
			ops++
		}
	default:
		return profileStats{}, fmt.Errorf("unknown mode %q", opts.mode)
	}

	return profileStats{
		ops:     ops,
		bytes:   byteCount,
		elapsed: time.Since(start),
	}, nil
}

func parseFlags() options {
	var opts options
	var dataHTTPBPS string

	pflag.StringVar(&opts.mode, "mode", "volume", "mode: volume, atlas, prefetch, playback")
	pflag.StringVar(&opts.configFile, "config", "", "TOML configuration file")
	pflag.IntVar(&opts.layers, "layers", 2, "number of synthetic layers")
	pflag.IntVar(&opts.width, "width", 128, "synthetic volume width")
	pflag.IntVar(&opts.height, "height", 128, "synthetic volume height")
	pflag.IntVar(&opts.depth, "depth", 64, "synthetic volume depth")
	pflag.IntVar(&opts.channels, "channels", 1, "synthetic channel count")
	pflag.IntVar(&opts.timepoints, "timepoints", 8, "synthetic timepoint count")
	pflag.IntVar(&opts.levels, "levels", 2, "synthetic scale levels")
	pflag.IntVar(&opts.chunk, "chunk", 32, "synthetic spatial chunk edge")
	pflag.IntVar(&opts.shard, "shard", 0, "synthetic spatial shard edge (0 disables sharding)")
	pflag.StringVar(&opts.codec, "codec", "zstd", "chunk codec: none, gzip, zstd, snappy")
	pflag.StringVar(&opts.dataType, "dtype", "uint8", "element type")
	pflag.Float64Var(&opts.sparsity, "sparsity", 0.5, "fraction of synthetic bricks left empty")
	pflag.StringVar(&opts.dataURL, "data-url", "", "serve the synthetic dataset over HTTP (\"local\"), or read the dataset from a directory, http(s) or bucket URL")
	pflag.DurationVar(&opts.dataHTTPLatency, "data-http-latency", 0, "per-request latency for HTTP data source")
	pflag.StringVar(&dataHTTPBPS, "data-http-bps", "", "bytes/sec throttle for HTTP data source (e.g. 10MB)")
	pflag.IntVar(&opts.scale, "scale", 0, "scale level to request")
	pflag.DurationVar(&opts.duration, "duration", 10*time.Second, "duration to run (ignored if iterations > 0)")
	pflag.IntVar(&opts.iterations, "iterations", 0, "number of iterations to run")
	pflag.StringVar(&opts.pprofAddr, "pprof-addr", "", "pprof listen address (e.g. :6060)")
	pflag.StringVar(&opts.cpuProfile, "cpuprofile", "", "write CPU profile to file")
	pflag.StringVar(&opts.memProfile, "memprofile", "", "write heap profile to file")
	pflag.StringVar(&opts.traceFile, "trace", "", "write trace to file")
	pflag.StringVar(&opts.fgProfile, "fgprofile", "", "write fgprof (wall clock) profile to file")
	pflag.BoolVar(&opts.diagnostics, "diagnostics", true, "print provider diagnostics after the run")
	pflag.Int64Var(&opts.randomSeed, "seed", 1, "random seed")
	pflag.Parse()

	if dataHTTPBPS != "" {
		bps, err := parseBytesPerSecond(dataHTTPBPS)
		if err != nil {
			log.Fatal(err)
		}
		opts.dataHTTPBPS = bps
	}
	return opts
}

// openDataset returns the store and manifest to profile. A data URL other
// than "local" names an existing dataset; otherwise a synthetic one is built
// in memory.
func openDataset(ctx context.Context, cfg *config.Config, opts options) (storage.Store, *manifest.Manifest, func(), error) {
	if opts.dataURL != "" && opts.dataURL != "local" {
		cfg.Storage.Location = opts.dataURL
	}
	if cfg.Storage.Location != "" {
		store, closer, err := cfg.OpenStore(ctx)
		if err != nil {
			return nil, nil, nil, err
		}
		cleanup := func() { _ = closer.Close() }
		m, err := manifest.Load(ctx, store, cfg.Storage.Manifest)
		if err != nil {
			cleanup()
			return nil, nil, nil, err
		}
		return store, m, cleanup, nil
	}

	mem := storagetest.NewMemory()
	m, err := buildSynthetic(ctx, mem, opts)
	if err != nil {
		return nil, nil, nil, err
	}
	if opts.dataURL != "local" {
		return mem, m, func() {}, nil
	}
	store, cleanup, err := newHTTPStore(opts, mem)
	if err != nil {
		return nil, nil, nil, err
	}
	return store, m, cleanup, nil
}

func buildSynthetic(ctx context.Context, w testutil.Writer, opts options) (*manifest.Manifest, error) {
	dt, err := voltype.ParseDataType(opts.dataType)
	if err != nil {
		return nil, err
	}
	codec, err := voltype.ParseCodec(opts.codec)
	if err != nil {
		return nil, err
	}

	rng := rand.New(rand.NewSource(opts.randomSeed)) //nolint:gosec // intentional for reproducible benchmarks
	empty := make(map[[3]int]bool)
	for z := 0; z < opts.depth; z += opts.chunk {
		for y := 0; y < opts.height; y += opts.chunk {
			for x := 0; x < opts.width; x += opts.chunk {
				empty[[3]int{z / opts.chunk, y / opts.chunk, x / opts.chunk}] = rng.Float64() < opts.sparsity
			}
		}
	}
	value := func(x, y, z, c, t int) float64 {
		if empty[[3]int{z / opts.chunk, y / opts.chunk, x / opts.chunk}] {
			return 0
		}
		return 1 + testutil.Pattern(x, y, z, c, t)
	}

	layers := make([]testutil.LayerSpec, opts.layers)
	for i := range layers {
		layers[i] = testutil.LayerSpec{
			Key:        fmt.Sprintf("layer-%02d", i),
			Width:      opts.width,
			Height:     opts.height,
			Depth:      opts.depth,
			Channels:   opts.channels,
			Timepoints: opts.timepoints,
			Levels:     opts.levels,
			ChunkShape: [5]int{1, opts.chunk, opts.chunk, opts.chunk, opts.channels},
			DataType:   dt,
			Codec:      codec,
			Stats:      true,
			Histogram:  true,
			Value:      value,
		}
		if opts.shard > 0 {
			layers[i].ShardShape = [5]int{1, opts.shard, opts.shard, opts.shard, opts.channels}
		}
	}
	return testutil.WriteDataset(ctx, w, "volprofile", layers...)
}
