package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
	"github.com/prometheus/common/version"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/aggregator"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/cfg"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/collectors"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/forwarder"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/pipeline"
	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/transport"
	util_log "github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/util/log"
)

func init() {
	prometheus.MustRegister(versioncollector.NewCollector("otlp_forwarder"))
}

// Config is the root config of the forwarder.
type Config struct {
	PrintVersion bool   `yaml:"-"`
	LogLevel     string `yaml:"log_level"`
	LogFormat    string `yaml:"log_format"`

	Transport  transport.Config  `yaml:"transport"`
	Collectors collectors.Config `yaml:"collectors"`
	Aggregator aggregator.Config `yaml:"aggregator"`
	Forwarder  forwarder.Config  `yaml:"forwarder"`
	Pipeline   pipeline.Config   `yaml:"pipeline"`
}

// RegisterFlags registers flags.
func (c *Config) RegisterFlags(f *flag.FlagSet) {
	f.BoolVar(&c.PrintVersion, "version", false, "Print this builds version information")
	f.StringVar(&c.LogLevel, "log.level", "info", "Only log messages with the given severity or above. Valid levels: [debug, info, warn, error]")
	f.StringVar(&c.LogFormat, "log.format", util_log.FormatJSON, "Output log messages in the given format. Valid formats: [logfmt, json]")

	c.Transport.RegisterFlags(f)
	c.Collectors.RegisterFlags(f)
	c.Aggregator.RegisterFlags(f)
	c.Forwarder.RegisterFlags(f)
	c.Pipeline.RegisterFlags(f)
}

// Validate the config and returns an error if the validation
// doesn't pass
func (c *Config) Validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("invalid log level %q", c.LogLevel)
	}
	if c.LogFormat != util_log.FormatLogfmt && c.LogFormat != util_log.FormatJSON {
		return errors.Errorf("invalid log format %q", c.LogFormat)
	}
	if err := c.Transport.Validate(); err != nil {
		return errors.Wrap(err, "invalid transport config")
	}
	if err := c.Collectors.Validate(); err != nil {
		return errors.Wrap(err, "invalid collectors config")
	}
	if err := c.Aggregator.Validate(); err != nil {
		return errors.Wrap(err, "invalid aggregator config")
	}
	if err := c.Forwarder.Validate(); err != nil {
		return errors.Wrap(err, "invalid forwarder config")
	}
	if err := c.Pipeline.Validate(); err != nil {
		return errors.Wrap(err, "invalid pipeline config")
	}
	return nil
}

func main() {
	var config Config
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	if err := cfg.Parse(&config, fs, os.Args[1:], os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, "Unable to parse config:", err)
		os.Exit(1)
	}

	if config.PrintVersion {
		fmt.Println(version.Print("otlp-forwarder"))
		os.Exit(0)
	}

	if err := config.Validate(); err != nil {
		fmt.Fprintln(os.Stderr, "Invalid config:", err)
		os.Exit(1)
	}

	logger := util_log.InitLogger(config.LogLevel, config.LogFormat)

	p, err := newPipeline(context.Background(), config, logger, prometheus.DefaultRegisterer)
	if err != nil {
		level.Error(logger).Log("msg", "error creating forwarder", "err", err)
		os.Exit(1)
	}

	level.Info(logger).Log("msg", "Starting OTLP forwarder", "version", version.Info())
	lambda.Start(p.Handle)
}

// newPipeline wires the AWS clients and components together. The returned
// pipeline lives as long as the execution environment.
func newPipeline(ctx context.Context, config Config, logger log.Logger, reg prometheus.Registerer) (*pipeline.Pipeline, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "loading AWS config")
	}
	if config.Collectors.SigningRegion == "" {
		config.Collectors.SigningRegion = awsCfg.Region
	}

	filter, err := transport.NewFilter(config.Transport)
	if err != nil {
		return nil, err
	}

	registry := collectors.NewRegistry(config.Collectors, secretsmanager.NewFromConfig(awsCfg), logger, reg)

	client, err := forwarder.New(config.Forwarder, awsCfg.Credentials, logger, reg)
	if err != nil {
		return nil, err
	}

	return pipeline.New(config.Pipeline, config.Aggregator, filter, registry, client, logger, reg), nil
}
