package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"

	"dataTransfer/src/codec"
	"dataTransfer/src/etl"
	"dataTransfer/src/loader"

	"github.com/BurntSushi/toml"
	"github.com/docker/go-units"
	"github.com/pingcap/errors"
	"github.com/pingcap/tidb/br/pkg/storage"
	"gopkg.in/yaml.v3"
)

const (
	FailureAbort    = "abort"
	FailureContinue = "continue"

	MergeSort   = "sort"
	MergeConcat = "concat"
	MergeNone   = "none"
)

type S3Config struct {
	Region          string `toml:"region,omitempty" yaml:"region,omitempty"`
	AccessKey       string `toml:"access_key,omitempty" yaml:"access_key,omitempty"`
	SecretAccessKey string `toml:"secret_key,omitempty" yaml:"secret_key,omitempty"`
	Provider        string `toml:"provider,omitempty" yaml:"provider,omitempty"`
	Endpoint        string `toml:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Force           bool   `toml:"force,omitempty" yaml:"force,omitempty"`
	RoleArn         string `toml:"role_arn,omitempty" yaml:"role_arn,omitempty"`
}

type GCSConfig struct {
	Credential string `toml:"credential,omitempty" yaml:"credential,omitempty"`
}

type JobConfig struct {
	Name          string `toml:"name" yaml:"name"`
	Partitioner   string `toml:"partitioner" yaml:"partitioner"`
	Extractor     string `toml:"extractor" yaml:"extractor"`
	Loader        string `toml:"loader" yaml:"loader"`
	Threads       int    `toml:"threads" yaml:"threads"`
	FailurePolicy string `toml:"failure_policy" yaml:"failure_policy"`
	AllowPartial  bool   `toml:"allow_partial" yaml:"allow_partial"`
}

type OutputConfig struct {
	Path       string `toml:"path" yaml:"path"`
	Compress   bool   `toml:"compress" yaml:"compress"`
	Codec      string `toml:"codec" yaml:"codec"`
	Merge      string `toml:"merge" yaml:"merge"`
	SortKey    int    `toml:"sort_key" yaml:"sort_key"`
	KeepShards bool   `toml:"keep_shards" yaml:"keep_shards"`
	BufferSize string `toml:"buffer_size" yaml:"buffer_size"`

	// BufferSizeBytes is derived at runtime and not read from config.
	BufferSizeBytes int `toml:"-" yaml:"-"`
}

type SequenceConfig struct {
	SyncInterval int `toml:"sync_interval" yaml:"sync_interval"`
}

type ParquetConfig struct {
	RowGroupRows int `toml:"row_group_rows" yaml:"row_group_rows"`
}

type Config struct {
	Job       JobConfig      `toml:"job" yaml:"job"`
	Output    OutputConfig   `toml:"output" yaml:"output"`
	Sequence  SequenceConfig `toml:"sequence" yaml:"sequence"`
	Parquet   ParquetConfig  `toml:"parquet" yaml:"parquet"`
	Options   map[string]any `toml:"options" yaml:"options"`
	S3Config  *S3Config      `toml:"s3,omitempty" yaml:"s3,omitempty"`
	GCSConfig *GCSConfig     `toml:"gcs,omitempty" yaml:"gcs,omitempty"`
}

var envRef = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// ExpandEnv replaces ${VAR} references with environment values. Unset
// variables expand to the empty string; a bare $ is left alone.
func ExpandEnv(s string) string {
	return envRef.ReplaceAllStringFunc(s, func(ref string) string {
		return os.Getenv(envRef.FindStringSubmatch(ref)[1])
	})
}

// Load reads a job file, TOML or YAML by extension, then normalizes and
// validates it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, etl.ConfigErrorf("read %s: %v", path, err)
	}
	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes a job file body. ext selects the syntax: ".yaml" or ".yml"
// for YAML, anything else for TOML.
func Parse(data []byte, ext string) (*Config, error) {
	text := ExpandEnv(string(data))
	cfg := &Config{}
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal([]byte(text), cfg); err != nil {
			return nil, etl.ConfigErrorf("parse yaml: %v", err)
		}
	default:
		if _, err := toml.Decode(text, cfg); err != nil {
			return nil, etl.ConfigErrorf("parse toml: %v", err)
		}
	}
	if err := Normalize(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Normalize fills defaults and resolves derived config values after loading.
func Normalize(cfg *Config) error {
	cfg.Job.Partitioner = strings.ToLower(strings.TrimSpace(cfg.Job.Partitioner))
	cfg.Job.Extractor = strings.ToLower(strings.TrimSpace(cfg.Job.Extractor))
	cfg.Job.Loader = defaultString(strings.ToLower(strings.TrimSpace(cfg.Job.Loader)), "text")
	cfg.Job.FailurePolicy = defaultString(strings.ToLower(strings.TrimSpace(cfg.Job.FailurePolicy)), FailureAbort)
	if cfg.Job.Threads == 0 {
		cfg.Job.Threads = runtime.NumCPU()
	}

	cfg.Output.Merge = defaultString(strings.ToLower(strings.TrimSpace(cfg.Output.Merge)), MergeSort)
	cfg.Output.Codec = strings.ToLower(strings.TrimSpace(cfg.Output.Codec))
	if cfg.Output.Compress && cfg.Output.Codec == "" {
		cfg.Output.Codec = codec.DefaultName
		if cfg.Job.Loader == "parquet" {
			cfg.Output.Codec = "snappy"
		}
	}

	bufferBytes, err := cfg.Output.resolveBufferSizeBytes()
	if err != nil {
		return err
	}
	cfg.Output.BufferSizeBytes = bufferBytes

	if cfg.Sequence.SyncInterval == 0 {
		cfg.Sequence.SyncInterval = loader.DefaultSyncInterval
	}
	if cfg.Parquet.RowGroupRows == 0 {
		cfg.Parquet.RowGroupRows = loader.DefaultRowGroupRows
	}
	if cfg.Options == nil {
		cfg.Options = map[string]any{}
	}
	return nil
}

// Validate returns a user-friendly ErrConfiguration listing every problem.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.Job.Partitioner == "" {
		errs = append(errs, "job.partitioner is required")
	} else if _, err := etl.LookupPartitioner(cfg.Job.Partitioner); err != nil {
		errs = append(errs, fmt.Sprintf("job.partitioner %q is not registered", cfg.Job.Partitioner))
	}
	if cfg.Job.Extractor == "" {
		errs = append(errs, "job.extractor is required")
	} else if _, err := etl.LookupExtractor(cfg.Job.Extractor); err != nil {
		errs = append(errs, fmt.Sprintf("job.extractor %q is not registered", cfg.Job.Extractor))
	}
	if cfg.Job.Threads < 0 {
		errs = append(errs, "job.threads must be greater than 0")
	}
	switch cfg.Job.FailurePolicy {
	case FailureAbort, FailureContinue:
	default:
		errs = append(errs, "job.failure_policy must be abort or continue")
	}

	if cfg.Output.Path == "" {
		errs = append(errs, "output.path is required")
	}
	switch cfg.Output.Merge {
	case MergeSort, MergeConcat, MergeNone:
	default:
		errs = append(errs, "output.merge must be sort, concat or none")
	}
	if cfg.Output.SortKey < 0 {
		errs = append(errs, "output.sort_key must be >= 0")
	}
	if cfg.Output.BufferSize != "" && cfg.Output.BufferSizeBytes <= 0 {
		errs = append(errs, "output.buffer_size must be greater than 0")
	}

	format, err := loader.GetFormat(cfg.Job.Loader)
	if err != nil {
		errs = append(errs, fmt.Sprintf("job.loader must be one of %s", strings.Join(loader.Formats(), ", ")))
	}
	c, err := cfg.Codec()
	if err != nil {
		errs = append(errs, fmt.Sprintf("output.codec must be one of %s", strings.Join(codec.Names(), ", ")))
	} else if format != nil {
		if err := format.Validate(c); err != nil {
			errs = append(errs, fmt.Sprintf("output.codec %s cannot be used with the %s loader", c.Name(), format.Name()))
		}
	}

	if cfg.Sequence.SyncInterval < 0 {
		errs = append(errs, "sequence.sync_interval must be greater than 0")
	}
	if cfg.Parquet.RowGroupRows < 0 {
		errs = append(errs, "parquet.row_group_rows must be greater than 0")
	}
	if cfg.S3Config != nil && cfg.GCSConfig != nil {
		errs = append(errs, "only one of [s3] or [gcs] can be configured")
	}

	if len(errs) == 0 {
		return nil
	}

	var sb strings.Builder
	for _, err := range errs {
		sb.WriteString("\n - ")
		sb.WriteString(err)
	}
	return etl.ConfigErrorf("%s", sb.String())
}

// Codec returns the configured compression codec, nil when compression is off.
func (c *Config) Codec() (codec.Codec, error) {
	if !c.Output.Compress {
		return nil, nil
	}
	return codec.Get(c.Output.Codec)
}

// FormatOptions returns the encoder settings for shard writers.
func (c *Config) FormatOptions() loader.FormatOptions {
	return loader.FormatOptions{
		BufferSize:   c.Output.BufferSizeBytes,
		SyncInterval: c.Sequence.SyncInterval,
		RowGroupRows: c.Parquet.RowGroupRows,
	}
}

// EtlOptions exposes the [options] table to partitioners and extractors.
func (c *Config) EtlOptions() etl.Options {
	return etl.NewOptions(c.Options)
}

func (c *OutputConfig) resolveBufferSizeBytes() (int, error) {
	if c.BufferSize == "" {
		return loader.DefaultBufferSize, nil
	}
	bytes, err := units.RAMInBytes(c.BufferSize)
	if err != nil {
		return 0, etl.ConfigErrorf("invalid buffer_size %q: %v", c.BufferSize, err)
	}
	if bytes <= 0 {
		return 0, etl.ConfigErrorf("invalid buffer_size %q: must be greater than 0", c.BufferSize)
	}
	return int(bytes), nil
}

func defaultString(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

// GetStore initializes and returns an ExternalStorage instance based on the provided configuration.
func GetStore(ctx context.Context, c *Config) (storage.ExternalStorage, error) {
	var op *storage.BackendOptions
	if c.S3Config != nil {
		op = &storage.BackendOptions{S3: storage.S3BackendOptions{
			Region:          c.S3Config.Region,
			AccessKey:       c.S3Config.AccessKey,
			SecretAccessKey: c.S3Config.SecretAccessKey,
			Provider:        c.S3Config.Provider,
			Endpoint:        c.S3Config.Endpoint,
			ForcePathStyle:  c.S3Config.Force,
			RoleARN:         c.S3Config.RoleArn,
		}}
	} else if c.GCSConfig != nil {
		op = &storage.BackendOptions{GCS: storage.GCSBackendOptions{
			CredentialsFile: c.GCSConfig.Credential,
		}}
	}

	s, err := storage.ParseBackend(c.Output.Path, op)
	if err != nil {
		return nil, errors.Annotatef(err, "parse output.path %s", c.Output.Path)
	}

	store, err := storage.NewWithDefaultOpt(ctx, s)
	return store, errors.Trace(err)
}
