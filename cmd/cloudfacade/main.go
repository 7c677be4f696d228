// Package main is the cloudfacade command: object store and queue operations
// from the shell, a queue consumer that archives messages into the bucket, and
// an IAM preflight check.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	"github.com/gurre/cloudfacade/aws"
	"github.com/gurre/cloudfacade/config"
	"github.com/gurre/cloudfacade/logger"
	"github.com/gurre/cloudfacade/metrics"
	"github.com/gurre/cloudfacade/objstore"
	"github.com/gurre/cloudfacade/queue"
	"github.com/gurre/s3streamer"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newApp().RunContext(ctx, os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// runtime holds what every command needs, built once in the app's Before hook.
type runtime struct {
	cfg     *config.Config
	log     zerolog.Logger
	metrics *metrics.Metrics
	awsCfg  awssdk.Config
}

type runtimeKey struct{}

func fromContext(c *cli.Context) *runtime {
	return c.Context.Value(runtimeKey{}).(*runtime)
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "cloudfacade",
		Usage: "Object store and queue operations against S3 and SQS",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "env-file", Usage: "Load settings from this file instead of ./.env"},
			&cli.StringFlag{Name: "region", Usage: "AWS region", EnvVars: []string{"CLOUDFACADE_REGION", "AWS_REGION"}},
			&cli.StringFlag{Name: "bucket", Usage: "S3 bucket", EnvVars: []string{"CLOUDFACADE_BUCKET"}},
			&cli.StringFlag{Name: "queue-url", Usage: "Primary SQS queue URL", EnvVars: []string{"CLOUDFACADE_QUEUE_URL"}},
			&cli.StringFlag{Name: "dlq-url", Usage: "Dead-letter SQS queue URL", EnvVars: []string{"CLOUDFACADE_DLQ_URL"}},
			&cli.StringFlag{Name: "endpoint", Usage: "Custom S3/SQS endpoint", EnvVars: []string{"CLOUDFACADE_ENDPOINT"}},
			&cli.BoolFlag{Name: "path-style", Usage: "Use path-style S3 addressing", EnvVars: []string{"CLOUDFACADE_PATH_STYLE"}},
			&cli.StringFlag{Name: "log-level", Usage: "debug|info|warn|error", EnvVars: []string{"CLOUDFACADE_LOG_LEVEL"}},
			&cli.StringFlag{Name: "log-format", Usage: "json|console", EnvVars: []string{"CLOUDFACADE_LOG_FORMAT"}},
			&cli.BoolFlag{Name: "stats", Usage: "Print per-operation call counts to stderr on exit"},
		},
		Before: setup,
		After:  report,
		Commands: []*cli.Command{
			lsCommand(),
			headCommand(),
			putCommand(),
			getCommand(),
			rmCommand(),
			presignGetCommand(),
			presignPutCommand(),
			catLinesCommand(),
			sendCommand(),
			recvCommand(),
			deadLetterCommand(),
			rescheduleCommand(),
			consumeCommand(),
			preflightCommand(),
		},
	}
}

func setup(c *cli.Context) error {
	var envFiles []string
	if f := c.String("env-file"); f != "" {
		envFiles = append(envFiles, f)
	}
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return err
	}
	applyFlags(c, cfg)
	if cfg.Region == "" && cfg.QueueURL != "" {
		if region, err := queue.RegionFromURL(cfg.QueueURL); err == nil {
			cfg.Region = region
		}
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, err := logger.New(logger.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Out: os.Stderr})
	if err != nil {
		return err
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(c.Context, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return fmt.Errorf("failed to load AWS config: %w", err)
	}

	c.Context = context.WithValue(c.Context, runtimeKey{}, &runtime{
		cfg:     cfg,
		log:     log,
		metrics: metrics.NewMetrics(),
		awsCfg:  awsCfg,
	})
	return nil
}

func applyFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("region") {
		cfg.Region = c.String("region")
	}
	if c.IsSet("bucket") {
		cfg.Bucket = c.String("bucket")
	}
	if c.IsSet("queue-url") {
		cfg.QueueURL = c.String("queue-url")
	}
	if c.IsSet("dlq-url") {
		cfg.DLQURL = c.String("dlq-url")
	}
	if c.IsSet("endpoint") {
		cfg.Endpoint = c.String("endpoint")
	}
	if c.IsSet("path-style") {
		cfg.UsePathStyle = c.Bool("path-style")
	}
	if c.IsSet("log-level") {
		cfg.LogLevel = c.String("log-level")
	}
	if c.IsSet("log-format") {
		cfg.LogFormat = c.String("log-format")
	}
}

func report(c *cli.Context) error {
	rt, ok := c.Context.Value(runtimeKey{}).(*runtime)
	if !ok || !c.Bool("stats") {
		return nil
	}
	fmt.Fprintln(os.Stderr, rt.metrics.GenerateReport())
	return nil
}

// store builds the object store facade for the configured bucket.
func (rt *runtime) store() (*objstore.Store, error) {
	if err := rt.cfg.RequireBucket(); err != nil {
		return nil, err
	}
	client, raw := aws.NewS3ClientFromConfig(rt.awsCfg, aws.ClientOptions{
		Endpoint:     rt.cfg.Endpoint,
		UsePathStyle: rt.cfg.UsePathStyle,
	})
	return objstore.New(client, rt.cfg.Bucket, objstore.Options{
		Logger:          &rt.log,
		Presigner:       aws.NewPresigner(raw),
		Streamer:        s3streamer.NewS3Streamer(raw),
		Metrics:         metrics.WithPrefix(rt.metrics, "s3."),
		PartConcurrency: rt.cfg.PartConcurrency,
	}), nil
}

// queue builds the queue facade. The SQS region comes from the queue URL so a
// queue in another region than the bucket still resolves.
func (rt *runtime) queue() (*queue.Client, error) {
	if err := rt.cfg.RequireQueues(); err != nil {
		return nil, err
	}
	region, err := queue.RegionFromURL(rt.cfg.QueueURL)
	if err != nil {
		rt.log.Debug().Err(err).Str("fallback", rt.cfg.Region).Msg("using configured region for SQS")
		region = rt.cfg.Region
	}
	client := aws.NewSQSClientFromConfig(rt.awsCfg, aws.ClientOptions{
		Endpoint:    rt.cfg.Endpoint,
		QueueRegion: region,
	})
	return queue.New(client, rt.cfg.QueueURL, rt.cfg.DLQURL, queue.Options{
		Logger:  &rt.log,
		Metrics: metrics.WithPrefix(rt.metrics, "sqs."),
	}), nil
}

func (rt *runtime) iam() aws.IAMClient {
	return aws.NewIAMClient(iam.NewFromConfig(rt.awsCfg))
}
