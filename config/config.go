// Package config loads provider settings from a TOML file.
//
// A configuration file looks like:
//
//	[cache]
//	volumes = 16
//	chunk_bytes = "512 MiB"
//
//	[concurrency]
//	chunk_reads = 8
//	prefetch_loads = 2
//
//	[storage]
//	location = "https://data.example.org/embryo"
//	cache_dir = "/var/cache/volstream"
//	cache_bytes = "20 GiB"
//
//	[log]
//	level = "debug"
//	file = "/var/log/volstream.log"
//
// Byte sizes accept integers or human-readable strings such as "64 MB" or
// "1.5 GiB".
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/natefinch/lumberjack"

	"github.com/meigma/volstream"
	"github.com/meigma/volstream/storage"
	"github.com/meigma/volstream/storage/bucket"
	"github.com/meigma/volstream/storage/dir"
	"github.com/meigma/volstream/storage/diskcache"
	storehttp "github.com/meigma/volstream/storage/http"
)

// ErrInvalid is returned for configuration values that cannot be used.
var ErrInvalid = errors.New("config: invalid value")

// Storage kinds.
const (
	StorageDir    = "dir"
	StorageHTTP   = "http"
	StorageBucket = "bucket"
)

// Config is the root of a configuration file.
type Config struct {
	Cache       CacheConfig       `toml:"cache"`
	Concurrency ConcurrencyConfig `toml:"concurrency"`
	Storage     StorageConfig     `toml:"storage"`
	Log         LogConfig         `toml:"log"`
}

// CacheConfig bounds the provider caches.
type CacheConfig struct {
	Volumes       int  `toml:"volumes"`
	PageTables    int  `toml:"page_tables"`
	Atlases       int  `toml:"atlases"`
	ChunkBytes    Size `toml:"chunk_bytes"`
	DecoderMemory Size `toml:"decoder_memory"`
}

// ConcurrencyConfig bounds parallel work.
type ConcurrencyConfig struct {
	ChunkReads    int `toml:"chunk_reads"`
	PrefetchLoads int `toml:"prefetch_loads"`
}

// StorageConfig selects where the dataset is read from.
type StorageConfig struct {
	// Kind is "dir", "http" or "bucket". Empty infers it from Location.
	Kind     string `toml:"kind"`
	Location string `toml:"location"`
	// Prefix is the key prefix inside a bucket.
	Prefix string `toml:"prefix"`
	// Manifest is the manifest path relative to the dataset root.
	Manifest string            `toml:"manifest"`
	Headers  map[string]string `toml:"headers"`
	// CacheDir keeps fetched objects on local disk across runs. It is
	// ignored for dir storage.
	CacheDir string `toml:"cache_dir"`
	// CacheBytes bounds CacheDir. Zero means no limit.
	CacheBytes Size `toml:"cache_bytes"`
}

// LogConfig controls logging. When File is set, logs rotate through
// lumberjack.
type LogConfig struct {
	Level      string `toml:"level"`
	Format     string `toml:"format"`
	File       string `toml:"file"`
	MaxSize    int    `toml:"max_log_size"` // megabytes
	MaxAge     int    `toml:"max_log_age"`  // days
	MaxBackups int    `toml:"max_log_backups"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Cache: CacheConfig{
			Volumes:       volstream.DefaultMaxCachedVolumes,
			PageTables:    volstream.DefaultMaxCachedPageTables,
			Atlases:       volstream.DefaultMaxCachedAtlases,
			ChunkBytes:    Size(volstream.DefaultMaxCachedChunkBytes),
			DecoderMemory: Size(volstream.DefaultMaxDecoderMemory),
		},
		Concurrency: ConcurrencyConfig{
			ChunkReads:    volstream.DefaultMaxConcurrentChunkReads,
			PrefetchLoads: volstream.DefaultMaxConcurrentPrefetchLoads,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "text",
			MaxSize: 100,
			MaxAge:  7,
		},
	}
}

// Load reads the TOML file at path on top of Default.
func Load(path string) (*Config, error) {
	cfg := Default()
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, finish(cfg, md)
}

// Parse decodes TOML text on top of Default.
func Parse(data string) (*Config, error) {
	cfg := Default()
	md, err := toml.Decode(data, cfg)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, finish(cfg, md)
}

func finish(cfg *Config, md toml.MetaData) error {
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return fmt.Errorf("%w: unknown keys %s", ErrInvalid, strings.Join(keys, ", "))
	}
	return cfg.Validate()
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if c.Cache.Volumes < 0 || c.Cache.PageTables < 0 || c.Cache.Atlases < 0 {
		return fmt.Errorf("%w: cache bounds must not be negative", ErrInvalid)
	}
	if c.Concurrency.ChunkReads < 1 || c.Concurrency.PrefetchLoads < 1 {
		return fmt.Errorf("%w: concurrency limits must be at least 1", ErrInvalid)
	}
	if c.Storage.Kind != "" || c.Storage.Location != "" {
		if _, err := c.Storage.kind(); err != nil {
			return err
		}
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		return err
	}
	switch c.Log.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// Options returns the provider options described by c.
func (c *Config) Options() []volstream.Option {
	return []volstream.Option{
		volstream.WithMaxCachedVolumes(c.Cache.Volumes),
		volstream.WithMaxCachedPageTables(c.Cache.PageTables),
		volstream.WithMaxCachedAtlases(c.Cache.Atlases),
		volstream.WithMaxCachedChunkBytes(int64(c.Cache.ChunkBytes)),
		volstream.WithMaxDecoderMemory(uint64(c.Cache.DecoderMemory)),
		volstream.WithMaxConcurrentChunkReads(c.Concurrency.ChunkReads),
		volstream.WithMaxConcurrentPrefetchLoads(c.Concurrency.PrefetchLoads),
	}
}

func (s StorageConfig) kind() (string, error) {
	if s.Kind != "" {
		switch s.Kind {
		case StorageDir, StorageHTTP, StorageBucket:
			return s.Kind, nil
		default:
			return "", fmt.Errorf("%w: storage kind %q", ErrInvalid, s.Kind)
		}
	}
	switch {
	case s.Location == "":
		return "", fmt.Errorf("%w: storage location is empty", ErrInvalid)
	case strings.HasPrefix(s.Location, "http://"), strings.HasPrefix(s.Location, "https://"):
		return StorageHTTP, nil
	case strings.Contains(s.Location, "://"):
		return StorageBucket, nil
	default:
		return StorageDir, nil
	}
}

// OpenStore opens the configured store. The returned closer releases it.
// Remote stores are wrapped in a disk cache when CacheDir is set.
func (c *Config) OpenStore(ctx context.Context) (storage.Store, io.Closer, error) {
	store, closer, err := c.openBase(ctx)
	if err != nil {
		return nil, nil, err
	}
	if c.Storage.CacheDir == "" {
		return store, closer, nil
	}
	if _, isDir := store.(*dir.Store); isDir {
		return store, closer, nil
	}
	cached, err := diskcache.New(store, c.Storage.CacheDir, diskcache.WithMaxBytes(int64(c.Storage.CacheBytes)))
	if err != nil {
		closer.Close()
		return nil, nil, err
	}
	return cached, closer, nil
}

func (c *Config) openBase(ctx context.Context) (storage.Store, io.Closer, error) {
	kind, err := c.Storage.kind()
	if err != nil {
		return nil, nil, err
	}
	switch kind {
	case StorageHTTP:
		var opts []storehttp.Option
		for k, v := range c.Storage.Headers {
			opts = append(opts, storehttp.WithHeader(k, v))
		}
		s, err := storehttp.New(c.Storage.Location, opts...)
		if err != nil {
			return nil, nil, err
		}
		return s, nopCloser{}, nil
	case StorageBucket:
		s, err := bucket.Open(ctx, c.Storage.Location, c.Storage.Prefix)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	default:
		s, err := dir.Open(c.Storage.Location)
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	}
}

// Logger builds the configured logger. Output goes to w unless a log file is
// set. The returned closer flushes and closes the log file, if any.
func (c *Config) Logger(w io.Writer) (*slog.Logger, io.Closer, error) {
	level, err := parseLevel(c.Log.Level)
	if err != nil {
		return nil, nil, err
	}
	var closer io.Closer = nopCloser{}
	if c.Log.File != "" {
		lj := &lumberjack.Logger{
			Filename:   c.Log.File,
			MaxSize:    c.Log.MaxSize,
			MaxAge:     c.Log.MaxAge,
			MaxBackups: c.Log.MaxBackups,
		}
		w = lj
		closer = lj
	}
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if c.Log.Format == "json" {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h), closer, nil
}

func parseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalid, s)
	}
	return level, nil
}

// Size is a byte count that decodes from an integer or a human-readable
// string.
type Size int64

// UnmarshalText implements encoding.TextUnmarshaler. Integer TOML values
// arrive here in decimal form.
func (s *Size) UnmarshalText(text []byte) error {
	n, err := humanize.ParseBytes(string(text))
	if err != nil {
		return fmt.Errorf("%w: size %q: %v", ErrInvalid, text, err)
	}
	*s = Size(n)
	return nil
}

func (s Size) String() string {
	return humanize.IBytes(uint64(s))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
