package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gurre/cloudfacade/checkpoint"
	"github.com/gurre/cloudfacade/consumer"
	"github.com/gurre/cloudfacade/preflight"
	"github.com/gurre/cloudfacade/queue"
	"github.com/urfave/cli/v2"
)

func requireArgs(c *cli.Context, n int) error {
	if c.NArg() < n {
		return fmt.Errorf("%s: expected %s", c.Command.Name, c.Command.ArgsUsage)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(b))
	return err
}

func lsCommand() *cli.Command {
	return &cli.Command{
		Name:      "ls",
		Usage:     "List objects under a prefix",
		ArgsUsage: "[prefix]",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max-keys", Usage: "Maximum number of keys to return", Value: 1000},
		},
		Action: func(c *cli.Context) error {
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			objects, err := store.List(c.Context, c.Args().First(), int32(c.Int("max-keys")))
			if err != nil {
				return err
			}
			for _, o := range objects {
				fmt.Fprintf(c.App.Writer, "%s\t%d\t%s\n", o.LastModified.Format(time.RFC3339), o.Size, o.Key)
			}
			return nil
		},
	}
}

func headCommand() *cli.Command {
	return &cli.Command{
		Name:      "head",
		Usage:     "Show object metadata",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			meta, err := store.Describe(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			return printJSON(c.App.Writer, meta)
		},
	}
}

func putCommand() *cli.Command {
	return &cli.Command{
		Name:      "put",
		Usage:     "Upload a file, or stdin when the file is - or omitted",
		ArgsUsage: "<key> [file]",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}

			var src io.Reader = os.Stdin
			if name := c.Args().Get(1); name != "" && name != "-" {
				f, err := os.Open(name)
				if err != nil {
					return fmt.Errorf("failed to open %s: %w", name, err)
				}
				defer f.Close()
				src = f
			}
			return store.Upload(c.Context, c.Args().First(), src)
		},
	}
}

func getCommand() *cli.Command {
	return &cli.Command{
		Name:      "get",
		Usage:     "Download an object to a file, or stdout when the file is - or omitted",
		ArgsUsage: "<key> [file]",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			body, err := store.Download(c.Context, c.Args().First())
			if err != nil {
				return err
			}
			defer body.Close()

			dst := c.App.Writer
			if name := c.Args().Get(1); name != "" && name != "-" {
				f, err := os.Create(name)
				if err != nil {
					return fmt.Errorf("failed to create %s: %w", name, err)
				}
				defer f.Close()
				dst = f
			}
			if _, err := io.Copy(dst, body); err != nil {
				return fmt.Errorf("failed to read %s: %w", c.Args().First(), err)
			}
			return nil
		},
	}
}

func rmCommand() *cli.Command {
	return &cli.Command{
		Name:      "rm",
		Usage:     "Delete an object",
		ArgsUsage: "<key>",
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			return store.Delete(c.Context, c.Args().First())
		},
	}
}

func expiryFlag() cli.Flag {
	return &cli.DurationFlag{Name: "expiry", Usage: "URL validity (defaults to CLOUDFACADE_PRESIGN_EXPIRY)"}
}

func expiry(c *cli.Context) time.Duration {
	if c.IsSet("expiry") {
		return c.Duration("expiry")
	}
	return fromContext(c).cfg.PresignExpiry
}

func presignGetCommand() *cli.Command {
	return &cli.Command{
		Name:      "presign-get",
		Usage:     "Print a presigned download URL",
		ArgsUsage: "<key>",
		Flags:     []cli.Flag{expiryFlag()},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			url, err := store.PresignDownload(c.Context, c.Args().First(), expiry(c))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, url)
			return nil
		},
	}
}

func presignPutCommand() *cli.Command {
	return &cli.Command{
		Name:      "presign-put",
		Usage:     "Print a presigned upload URL",
		ArgsUsage: "<key>",
		Flags:     []cli.Flag{expiryFlag()},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			url, err := store.PresignUpload(c.Context, c.Args().First(), expiry(c))
			if err != nil {
				return err
			}
			fmt.Fprintln(c.App.Writer, url)
			return nil
		},
	}
}

func catLinesCommand() *cli.Command {
	return &cli.Command{
		Name:      "cat-lines",
		Usage:     "Stream an object line by line from a byte offset",
		ArgsUsage: "<key>",
		Flags: []cli.Flag{
			&cli.Int64Flag{Name: "offset", Usage: "Byte offset to start from"},
			&cli.BoolFlag{Name: "show-offset", Usage: "Prefix each line with the byte offset it starts at"},
			&cli.StringFlag{Name: "checkpoint", Usage: "Resume from and save progress to s3://<bucket>/<key> or file:///<path>"},
			&cli.IntFlag{Name: "interval", Value: checkpoint.DefaultInterval, Usage: "Lines between checkpoint saves"},
		},
		Action: func(c *cli.Context) error {
			if err := requireArgs(c, 1); err != nil {
				return err
			}
			store, err := fromContext(c).store()
			if err != nil {
				return err
			}
			showOffset := c.Bool("show-offset")
			emit := func(line []byte, offset int64) error {
				if showOffset {
					_, err := fmt.Fprintf(c.App.Writer, "%d\t%s\n", offset, line)
					return err
				}
				_, err := fmt.Fprintf(c.App.Writer, "%s\n", line)
				return err
			}

			key := c.Args().First()
			if !c.IsSet("checkpoint") {
				start := c.Int64("offset")
				return store.StreamLines(c.Context, key, start, func(line []byte, offset int64) error {
					return emit(line, start+offset)
				})
			}
			if c.IsSet("offset") {
				return fmt.Errorf("--offset and --checkpoint are mutually exclusive")
			}
			cp, err := checkpoint.Open(c.String("checkpoint"), store)
			if err != nil {
				return err
			}
			state, err := checkpoint.Stream(c.Context, store, cp, key, c.Int("interval"), emit)
			if err != nil {
				return err
			}
			fromContext(c).log.Info().
				Str("key", key).
				Int64("offset", state.Offset).
				Int64("lines", state.Lines).
				Msg("Stream complete")
			return nil
		},
	}
}

func sendCommand() *cli.Command {
	return &cli.Command{
		Name:      "send",
		Usage:     "Send a message body, or stdin when the body is - or omitted",
		ArgsUsage: "[body]",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "json", Usage: "Validate the body as JSON and send it compacted"},
		},
		Action: func(c *cli.Context) error {
			q, err := fromContext(c).queue()
			if err != nil {
				return err
			}

			body := c.Args().First()
			if body == "" || body == "-" {
				b, err := io.ReadAll(os.Stdin)
				if err != nil {
					return fmt.Errorf("failed to read stdin: %w", err)
				}
				body = strings.TrimRight(string(b), "\n")
			}

			if c.Bool("json") {
				var v any
				if err := json.Unmarshal([]byte(body), &v); err != nil {
					return fmt.Errorf("body is not valid JSON: %w", err)
				}
				return q.SendJSON(c.Context, v)
			}
			return q.Send(c.Context, body)
		},
	}
}

type receivedMessage struct {
	ID            string `json:"id"`
	ReceiptHandle string `json:"receiptHandle"`
	Body          string `json:"body"`
	ReceiveCount  int    `json:"receiveCount"`
}

func recvCommand() *cli.Command {
	return &cli.Command{
		Name:  "recv",
		Usage: "Long-poll the primary queue and print messages as JSON lines",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "max", Usage: "Maximum messages (1-10)", Value: 10},
		},
		Action: func(c *cli.Context) error {
			q, err := fromContext(c).queue()
			if err != nil {
				return err
			}
			msgs, err := q.Receive(c.Context, int32(c.Int("max")))
			if err != nil {
				return err
			}
			enc := json.NewEncoder(c.App.Writer)
			for _, m := range msgs {
				if err := enc.Encode(receivedMessage{
					ID:            m.ID,
					ReceiptHandle: m.ReceiptHandle,
					Body:          m.Body,
					ReceiveCount:  m.ReceiveCount(),
				}); err != nil {
					return err
				}
			}
			return nil
		},
	}
}

func messageFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "receipt", Usage: "Receipt handle from recv", Required: true},
		&cli.StringFlag{Name: "body", Usage: "Message body to forward", Required: true},
		&cli.StringFlag{Name: "id", Usage: "Message ID, for logging"},
	}
}

func messageFromFlags(c *cli.Context) queue.Message {
	return queue.Message{
		ID:            c.String("id"),
		ReceiptHandle: c.String("receipt"),
		Body:          c.String("body"),
	}
}

func deadLetterCommand() *cli.Command {
	return &cli.Command{
		Name:  "dead-letter",
		Usage: "Delete a received message and forward its body to the dead-letter queue",
		Flags: messageFlags(),
		Action: func(c *cli.Context) error {
			q, err := fromContext(c).queue()
			if err != nil {
				return err
			}
			return q.DeadLetter(c.Context, messageFromFlags(c))
		},
	}
}

func rescheduleCommand() *cli.Command {
	return &cli.Command{
		Name:  "reschedule",
		Usage: "Delete a received message and send its body back with a 30s delay",
		Flags: messageFlags(),
		Action: func(c *cli.Context) error {
			q, err := fromContext(c).queue()
			if err != nil {
				return err
			}
			return q.Reschedule(c.Context, messageFromFlags(c))
		},
	}
}

func consumeCommand() *cli.Command {
	return &cli.Command{
		Name:  "consume",
		Usage: "Archive queue messages into the bucket until interrupted",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "workers", Usage: "Concurrent handlers (defaults to CLOUDFACADE_WORKERS)"},
			&cli.IntFlag{Name: "max-receives", Usage: "Dead-letter messages received more often than this; 0 disables"},
			&cli.StringFlag{Name: "prefix", Usage: "Key prefix for archived bodies", Value: "inbox"},
			&cli.BoolFlag{Name: "require-json", Usage: "Dead-letter bodies that are not valid JSON"},
			&cli.DurationFlag{Name: "progress", Usage: "Progress log interval; 0 disables", Value: 30 * time.Second},
		},
		Action: func(c *cli.Context) error {
			rt := fromContext(c)
			store, err := rt.store()
			if err != nil {
				return err
			}
			q, err := rt.queue()
			if err != nil {
				return err
			}

			workers := rt.cfg.Workers
			if c.IsSet("workers") {
				workers = c.Int("workers")
			}

			handler := consumer.ArchiveHandler{
				Store:       store,
				Prefix:      c.String("prefix"),
				RequireJSON: c.Bool("require-json"),
			}
			return consumer.New(q, handler, consumer.Options{
				Workers:          workers,
				MaxReceives:      c.Int("max-receives"),
				ProgressInterval: c.Duration("progress"),
				ShutdownTimeout:  rt.cfg.ShutdownTimeout,
				Logger:           &rt.log,
				Metrics:          rt.metrics,
			}).Run(c.Context)
		},
	}
}

func preflightCommand() *cli.Command {
	return &cli.Command{
		Name:  "preflight",
		Usage: "Check that a principal may call every S3 and SQS action this tool uses",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "principal", Usage: "IAM user or role ARN", Required: true},
		},
		Action: func(c *cli.Context) error {
			rt := fromContext(c)

			var target preflight.Target
			if rt.cfg.Bucket != "" {
				target.BucketARN = preflight.BucketARN(rt.awsCfg.Region, rt.cfg.Bucket)
			}
			for _, q := range []struct {
				url string
				arn *string
			}{
				{rt.cfg.QueueURL, &target.QueueARN},
				{rt.cfg.DLQURL, &target.DLQARN},
			} {
				if q.url == "" {
					continue
				}
				arn, err := queue.ARNFromURL(q.url)
				if err != nil {
					return err
				}
				*q.arn = arn
			}

			denials, err := preflight.New(rt.iam(), target, &rt.log).Check(c.Context, c.String("principal"))
			if err != nil {
				return err
			}
			for _, d := range denials {
				fmt.Fprintln(c.App.Writer, d)
			}
			if len(denials) > 0 {
				return cli.Exit(fmt.Sprintf("%d action(s) denied", len(denials)), 2)
			}
			fmt.Fprintln(c.App.Writer, "all actions allowed")
			return nil
		},
	}
}
