package integration

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/gurre/cloudfacade/checkpoint"
	"github.com/gurre/cloudfacade/consumer"
	"github.com/gurre/cloudfacade/integration/mock"
	"github.com/gurre/cloudfacade/metrics"
	"github.com/gurre/cloudfacade/objstore"
	"github.com/gurre/cloudfacade/queue"
	"github.com/gurre/s3streamer"
	"github.com/rs/zerolog"
)

const (
	bucket     = "test-bucket"
	primaryURL = "https://sqs.us-west-2.amazonaws.com/123456789012/jobs"
	dlqURL     = "https://sqs.us-west-2.amazonaws.com/123456789012/jobs-dlq"
)

func newStore(t *testing.T, s3 *mock.S3Client, opts objstore.Options) *objstore.Store {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	opts.Logger = &log
	opts.Presigner = s3
	opts.Streamer = s3streamer.NewS3Streamer(s3)
	return objstore.New(s3, bucket, opts)
}

func newQueue(t *testing.T, sqs *mock.SQSClient, m metrics.Recorder) *queue.Client {
	t.Helper()
	log := zerolog.New(zerolog.NewTestWriter(t))
	return queue.New(sqs, primaryURL, dlqURL, queue.Options{Logger: &log, Metrics: m})
}

func TestObjectLifecycle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	store := newStore(t, s3, objstore.Options{})

	content := "first\nsecond\nthird\n"
	if err := store.UploadString(ctx, "logs/a.txt", content); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := store.UploadBytes(ctx, "logs/b.txt", []byte("b")); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if err := store.UploadString(ctx, "other/c.txt", "c"); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	objects, err := store.List(ctx, "logs/", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 2 || objects[0].Key != "logs/a.txt" || objects[1].Key != "logs/b.txt" {
		t.Fatalf("unexpected listing %+v", objects)
	}
	if objects[0].Size != int64(len(content)) {
		t.Errorf("expected size %d, got %d", len(content), objects[0].Size)
	}

	meta, err := store.Describe(ctx, "logs/a.txt")
	if err != nil {
		t.Fatalf("describe failed: %v", err)
	}
	if meta.Size != int64(len(content)) || meta.ETag == "" {
		t.Errorf("unexpected metadata %+v", meta)
	}

	body, err := store.Download(ctx, "logs/a.txt")
	if err != nil {
		t.Fatalf("download failed: %v", err)
	}
	got, _ := io.ReadAll(body)
	body.Close()
	if string(got) != content {
		t.Errorf("expected %q, got %q", content, got)
	}

	// Stream from the start, then resume from where the second line starts.
	var lines []string
	var resumeAt int64
	err = store.StreamLines(ctx, "logs/a.txt", 0, func(line []byte, offset int64) error {
		if len(lines) == 1 {
			resumeAt = offset
		}
		lines = append(lines, string(line))
		return nil
	})
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if strings.Join(lines, ",") != "first,second,third" {
		t.Errorf("unexpected lines %v", lines)
	}

	lines = nil
	if err := store.StreamLines(ctx, "logs/a.txt", resumeAt, func(line []byte, _ int64) error {
		lines = append(lines, string(line))
		return nil
	}); err != nil {
		t.Fatalf("resumed stream failed: %v", err)
	}
	if strings.Join(lines, ",") != "second,third" {
		t.Errorf("unexpected resumed lines %v", lines)
	}

	url, err := store.PresignDownload(ctx, "logs/a.txt", 0)
	if err != nil {
		t.Fatalf("presign failed: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Expires=900") || !strings.Contains(url, "/logs/a.txt") {
		t.Errorf("unexpected presigned URL %s", url)
	}
	url, err = store.PresignUpload(ctx, "logs/new.txt", time.Minute)
	if err != nil {
		t.Fatalf("presign failed: %v", err)
	}
	if !strings.Contains(url, "X-Amz-Expires=60") {
		t.Errorf("unexpected presigned URL %s", url)
	}

	if err := store.Delete(ctx, "logs/a.txt"); err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	objects, err = store.List(ctx, "logs/", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 1 {
		t.Errorf("expected 1 object after delete, got %+v", objects)
	}

	_, err = store.Download(ctx, "logs/a.txt")
	var oerr *objstore.Error
	if !errors.As(err, &oerr) || oerr.Op != objstore.OpDownload || oerr.Key != "logs/a.txt" {
		t.Errorf("expected download *objstore.Error for deleted key, got %v", err)
	}
}

func TestMultipartUpload(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	m := metrics.NewMetrics()
	store := newStore(t, s3, objstore.Options{
		MultipartThreshold: 1024,
		PartSize:           256,
		PartConcurrency:    3,
		Metrics:            m,
	})

	payload := bytes.Repeat([]byte("0123456789abcdef"), 100) // 1600 bytes, 7 parts
	if err := store.Upload(ctx, "big.bin", io.NopCloser(bytes.NewReader(payload))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}

	got, ok := s3.Object(bucket, "big.bin")
	if !ok || !bytes.Equal(got, payload) {
		t.Fatalf("reassembled object differs: %d bytes", len(got))
	}
	if s3.Completed != 1 || s3.Aborted != 0 || s3.OpenUploads() != 0 {
		t.Errorf("unexpected session counts completed=%d aborted=%d open=%d", s3.Completed, s3.Aborted, s3.OpenUploads())
	}
	if stats := m.GenerateReport().Operations[objstore.OpUpload]; stats.Bytes != int64(len(payload)) {
		t.Errorf("expected %d bytes recorded, got %d", len(payload), stats.Bytes)
	}

	// Exactly the threshold stays a single put.
	if err := store.Upload(ctx, "edge.bin", io.NopCloser(bytes.NewReader(payload[:1024]))); err != nil {
		t.Fatalf("upload failed: %v", err)
	}
	if s3.Completed != 1 {
		t.Errorf("threshold-sized payload should not use multipart")
	}
}

func TestMultipartFailureAbortsSession(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	s3.FailPart = 2
	store := newStore(t, s3, objstore.Options{MultipartThreshold: 100, PartSize: 50})

	err := store.Upload(ctx, "broken.bin", strings.NewReader(strings.Repeat("x", 400)))
	var oerr *objstore.Error
	if !errors.As(err, &oerr) || oerr.Op != objstore.OpUpload {
		t.Fatalf("expected upload *objstore.Error, got %v", err)
	}
	if s3.Aborted != 1 || s3.OpenUploads() != 0 {
		t.Errorf("expected the session to be aborted, aborted=%d open=%d", s3.Aborted, s3.OpenUploads())
	}
	if _, ok := s3.Object(bucket, "broken.bin"); ok {
		t.Error("failed upload must not create the object")
	}
}

func TestQueueRoundTrip(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sqs := mock.NewSQSClient(primaryURL, dlqURL)
	q := newQueue(t, sqs, nil)

	if err := q.SendJSON(ctx, map[string]string{"job": "resize"}); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	msgs, err := q.Receive(ctx, 0)
	if err != nil {
		t.Fatalf("receive failed: %v", err)
	}
	if len(msgs) != 1 || msgs[0].ReceiveCount() != 1 {
		t.Fatalf("unexpected messages %+v", msgs)
	}
	var job struct {
		Job string `json:"job"`
	}
	if err := msgs[0].Decode(&job); err != nil || job.Job != "resize" {
		t.Fatalf("decode failed: %v %+v", err, job)
	}

	// Reschedule hides the message for 30 seconds.
	if err := q.Reschedule(ctx, msgs[0]); err != nil {
		t.Fatalf("reschedule failed: %v", err)
	}
	if sqs.Visible(primaryURL) != 0 {
		t.Error("rescheduled message should not be visible yet")
	}
	sqs.Advance(29 * time.Second)
	if sqs.Visible(primaryURL) != 0 {
		t.Error("rescheduled message visible before its delay")
	}
	sqs.Advance(time.Second)

	msgs, err = q.Receive(ctx, 10)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("expected the rescheduled message, got %v %+v", err, msgs)
	}

	if err := q.DeadLetter(ctx, msgs[0]); err != nil {
		t.Fatalf("dead-letter failed: %v", err)
	}
	if got := sqs.Bodies(primaryURL); len(got) != 0 {
		t.Errorf("primary queue should be empty, got %v", got)
	}
	if got := sqs.Bodies(dlqURL); len(got) != 1 || got[0] != `{"job":"resize"}` {
		t.Errorf("unexpected dead-letter queue %v", got)
	}
	if sqs.Visible(dlqURL) != 1 {
		t.Error("dead-lettered message should be visible immediately")
	}
}

func TestStaleReceiptHandle(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sqs := mock.NewSQSClient(primaryURL, dlqURL)
	q := newQueue(t, sqs, nil)

	if err := q.Send(ctx, "payload"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msgs, err := q.Receive(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive failed: %v", err)
	}
	stale := msgs[0]

	// A second receive after the visibility timeout issues a new handle.
	sqs.Advance(mock.DefaultVisibilityTimeout)
	if _, err := q.Receive(ctx, 1); err != nil {
		t.Fatalf("receive failed: %v", err)
	}

	err = q.Delete(ctx, stale)
	var qerr *queue.Error
	if !errors.As(err, &qerr) || qerr.Op != queue.OpDelete {
		t.Fatalf("expected delete *queue.Error, got %v", err)
	}
	var invalid *types.ReceiptHandleIsInvalid
	if !errors.As(err, &invalid) {
		t.Errorf("expected the SDK cause to be reachable, got %v", err)
	}

	err = q.DeadLetter(ctx, stale)
	if !errors.As(err, &qerr) || qerr.Op != queue.OpDelete {
		t.Fatalf("expected the delete error from dead-letter, got %v", err)
	}
	if got := sqs.Bodies(dlqURL); len(got) != 0 {
		t.Errorf("nothing should reach the dead-letter queue, got %v", got)
	}
}

func TestDeadLetterSendFailure(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sqs := mock.NewSQSClient(primaryURL, dlqURL)
	sqs.SendErr[dlqURL] = errors.New("KMS key disabled")
	q := newQueue(t, sqs, nil)

	if err := q.Send(ctx, "payload"); err != nil {
		t.Fatalf("send failed: %v", err)
	}
	msgs, err := q.Receive(ctx, 1)
	if err != nil || len(msgs) != 1 {
		t.Fatalf("receive failed: %v", err)
	}

	err = q.DeadLetter(ctx, msgs[0])
	var qerr *queue.Error
	if !errors.As(err, &qerr) || qerr.Op != queue.OpDeadLetter || qerr.QueueURL != dlqURL {
		t.Fatalf("expected dead-letter *queue.Error, got %v", err)
	}
	// The delete already happened: the message is lost from both queues.
	if len(sqs.Bodies(primaryURL)) != 0 || len(sqs.Bodies(dlqURL)) != 0 {
		t.Errorf("expected both queues empty, got %v %v", sqs.Bodies(primaryURL), sqs.Bodies(dlqURL))
	}
}

func TestConsumerArchivesMessages(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	sqs := mock.NewSQSClient(primaryURL, dlqURL)
	m := metrics.NewMetrics()
	store := newStore(t, s3, objstore.Options{Metrics: metrics.WithPrefix(m, "s3.")})
	q := newQueue(t, sqs, metrics.WithPrefix(m, "sqs."))

	for i := 0; i < 5; i++ {
		if err := q.SendJSON(ctx, map[string]int{"n": i}); err != nil {
			t.Fatalf("send failed: %v", err)
		}
	}
	if err := q.Send(ctx, "not json"); err != nil {
		t.Fatalf("send failed: %v", err)
	}

	log := zerolog.New(zerolog.NewTestWriter(t))
	c := consumer.New(q, consumer.ArchiveHandler{Store: store, Prefix: "inbox", RequireJSON: true}, consumer.Options{
		Workers: 3,
		Logger:  &log,
		Metrics: m,
	})

	runCtx, stop := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- c.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for len(sqs.Bodies(primaryURL)) > 0 || len(sqs.Bodies(dlqURL)) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("queue not drained: primary=%v dlq=%v", sqs.Bodies(primaryURL), sqs.Bodies(dlqURL))
		}
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if err := <-done; err != nil {
		t.Fatalf("consumer failed: %v", err)
	}

	objects, err := store.List(ctx, "inbox/", 0)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(objects) != 5 {
		t.Fatalf("expected 5 archived objects, got %d", len(objects))
	}
	for _, o := range objects {
		if !strings.HasSuffix(o.Key, ".json") {
			t.Errorf("unexpected key %s", o.Key)
		}
	}
	if got := sqs.Bodies(dlqURL); len(got) != 1 || got[0] != "not json" {
		t.Errorf("unexpected dead-letter queue %v", got)
	}

	report := m.GenerateReport()
	if report.Operations[consumer.OpHandle].Calls != 6 || report.Operations[consumer.OpHandle].Failures != 1 {
		t.Errorf("unexpected handle stats %+v", report.Operations[consumer.OpHandle])
	}
	if report.Operations["sqs."+queue.OpDelete].Calls != 6 {
		t.Errorf("expected 6 deletes (5 acks, 1 dead-letter step), got %+v", report.Operations["sqs."+queue.OpDelete])
	}
	if report.Operations["s3."+objstore.OpUpload].Calls != 5 {
		t.Errorf("expected 5 uploads, got %+v", report.Operations["s3."+objstore.OpUpload])
	}
	t.Log(fmt.Sprint(report))
}

func TestCheckpointedStreamResumes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	store := newStore(t, s3, objstore.Options{})
	content := "a\nb\nc\nd\ne\n"
	s3.Put(bucket, "letters.txt", []byte(content))

	cp, err := checkpoint.Open("s3://"+bucket+"/checkpoints/letters.json", store)
	if err != nil {
		t.Fatalf("open checkpoint: %v", err)
	}

	// Each run handles lines until it reaches failAt, which it rejects.
	stop := errors.New("stop")
	var delivered []string
	var starts []int64
	for _, failAt := range []string{"c", "d", "e"} {
		_, err := checkpoint.Stream(ctx, store, cp, "letters.txt", 1, func(line []byte, offset int64) error {
			if string(line) == failAt {
				return stop
			}
			delivered = append(delivered, string(line))
			starts = append(starts, offset)
			return nil
		})
		if !errors.Is(err, stop) {
			t.Fatalf("run failing at %s: expected stop error, got %v", failAt, err)
		}
	}

	if strings.Join(delivered, ",") != "a,b,c,d" {
		t.Errorf("expected each line delivered once, got %v", delivered)
	}
	for i, want := range []int64{0, 2, 4, 6} {
		if starts[i] != want {
			t.Errorf("line %d: expected absolute start %d, got %d", i, want, starts[i])
		}
	}
	saved, err := cp.Load(ctx)
	if err != nil {
		t.Fatalf("load checkpoint: %v", err)
	}
	if saved.Offset != 8 || saved.Lines != 4 || saved.Done {
		t.Errorf("unexpected checkpoint %+v", saved)
	}

	var last []string
	state, err := checkpoint.Stream(ctx, store, cp, "letters.txt", 1, func(line []byte, _ int64) error {
		last = append(last, string(line))
		return nil
	})
	if err != nil {
		t.Fatalf("final run failed: %v", err)
	}
	if len(last) != 1 || last[0] != "e" {
		t.Errorf("expected only e, got %v", last)
	}
	if !state.Done || state.Lines != 5 || state.Offset != int64(len(content)) {
		t.Errorf("unexpected final state %+v", state)
	}

	// A completed key is not streamed again.
	if _, err := checkpoint.Stream(ctx, store, cp, "letters.txt", 1, func([]byte, int64) error {
		t.Error("completed stream delivered a line")
		return nil
	}); err != nil {
		t.Fatalf("completed run failed: %v", err)
	}
}

func TestCheckpointAtEndOfObjectCompletes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s3 := mock.NewS3Client()
	store := newStore(t, s3, objstore.Options{})
	// No trailing newline: the last line ends at the object size.
	s3.Put(bucket, "tail.txt", []byte("x\ny"))

	cp := checkpoint.NewMemoryStore()
	state, err := checkpoint.Stream(ctx, store, cp, "tail.txt", 1, func([]byte, int64) error { return nil })
	if err != nil {
		t.Fatalf("stream failed: %v", err)
	}
	if state.Offset != 3 || state.Lines != 2 || !state.Done {
		t.Fatalf("unexpected state %+v", state)
	}

	// Every line handled but the completion save was lost.
	_ = cp.Save(ctx, checkpoint.State{Key: "tail.txt", Offset: 3, Lines: 2})
	state, err = checkpoint.Stream(ctx, store, cp, "tail.txt", 1, func([]byte, int64) error {
		t.Error("no lines remain")
		return nil
	})
	if err != nil {
		t.Fatalf("stream at end of object failed: %v", err)
	}
	if !state.Done || state.Lines != 2 {
		t.Errorf("expected completed state, got %+v", state)
	}

	s3.Put(bucket, "empty.txt", nil)
	state, err = checkpoint.Stream(ctx, store, checkpoint.NewMemoryStore(), "empty.txt", 1, func([]byte, int64) error { return nil })
	if err != nil || !state.Done || state.Lines != 0 {
		t.Errorf("empty object should complete with no lines, got %+v, %v", state, err)
	}
}
