// Package queue provides a facade over an SQS primary queue and its
// dead-letter queue. Simple operations wrap every failure in *Error after
// logging it at error level. DeadLetter and Reschedule are two-step compound
// operations; see transfer for their error attribution.
package queue

import (
	"context"
	"errors"
	"strconv"

	awssdk "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	json "github.com/goccy/go-json"
	"github.com/gurre/cloudfacade/aws"
	"github.com/gurre/cloudfacade/logger"
	"github.com/gurre/cloudfacade/metrics"
	"github.com/rs/zerolog"
)

const (
	// DefaultMaxMessages is used by Receive when maxMessages is not positive.
	DefaultMaxMessages int32 = 10

	// ReceiveWaitSeconds is the long-poll wait attached to every receive.
	ReceiveWaitSeconds int32 = 20

	// RescheduleDelaySeconds is the visibility delay of a rescheduled message.
	RescheduleDelaySeconds int32 = 30
)

// Message is a received queue message. The receipt handle is valid until the
// message is deleted, dead-lettered or rescheduled.
type Message struct {
	ID            string
	ReceiptHandle string
	Body          string
	Attributes    map[string]string
}

// Decode unmarshals a JSON body into v.
func (m Message) Decode(v any) error {
	return json.Unmarshal([]byte(m.Body), v)
}

// ReceiveCount returns the ApproximateReceiveCount system attribute, or 0 when
// the attribute is missing.
func (m Message) ReceiveCount() int {
	n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
	if err != nil {
		return 0
	}
	return n
}

// Options configures optional collaborators.
type Options struct {
	Logger  *zerolog.Logger
	Metrics metrics.Recorder
}

// Client is the queue facade. It holds only immutable configuration and is
// safe for concurrent use.
type Client struct {
	client   aws.SQSClient
	queueURL string
	dlqURL   string
	log      zerolog.Logger
	metrics  metrics.Recorder

	// remove is the first step of DeadLetter and Reschedule.
	remove func(ctx context.Context, msg Message) error
}

// New creates a Client for the primary queue and its dead-letter queue.
func New(client aws.SQSClient, queueURL, deadLetterQueueURL string, opts Options) *Client {
	c := &Client{
		client:   client,
		queueURL: queueURL,
		dlqURL:   deadLetterQueueURL,
		log:      logger.OrNop(opts.Logger).With().Str("component", "queue").Logger(),
		metrics:  opts.Metrics,
	}
	c.remove = c.Delete
	return c
}

// QueueURL returns the primary queue URL.
func (c *Client) QueueURL() string {
	return c.queueURL
}

// DeadLetterQueueURL returns the dead-letter queue URL.
func (c *Client) DeadLetterQueueURL() string {
	return c.dlqURL
}

func (c *Client) fail(op, queueURL, msg string, err error) error {
	c.log.Error().Err(err).Str("op", op).Str("queueUrl", queueURL).Msg(msg)
	return &Error{Op: op, QueueURL: queueURL, Msg: msg, Err: err}
}

func (c *Client) record(op string, err error) {
	if c.metrics != nil {
		c.metrics.RecordCall(op, err)
	}
}

func (c *Client) send(ctx context.Context, queueURL, body string, delaySeconds int32) error {
	_, err := c.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     awssdk.String(queueURL),
		MessageBody:  awssdk.String(body),
		DelaySeconds: delaySeconds,
	})
	return err
}

// Send enqueues body on the primary queue.
func (c *Client) Send(ctx context.Context, body string) error {
	err := c.send(ctx, c.queueURL, body, 0)
	c.record(OpSend, err)
	if err != nil {
		return c.fail(OpSend, c.queueURL, msgSend, err)
	}
	return nil
}

// SendJSON encodes v as JSON and enqueues it on the primary queue.
func (c *Client) SendJSON(ctx context.Context, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		c.record(OpSend, err)
		return c.fail(OpSend, c.queueURL, msgSend, err)
	}
	return c.Send(ctx, string(body))
}

// Receive long-polls the primary queue for up to maxMessages messages. An
// empty poll returns an empty slice.
func (c *Client) Receive(ctx context.Context, maxMessages int32) ([]Message, error) {
	if maxMessages <= 0 {
		maxMessages = DefaultMaxMessages
	}

	out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            awssdk.String(c.queueURL),
		MaxNumberOfMessages: maxMessages,
		WaitTimeSeconds:     ReceiveWaitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
		},
	})
	c.record(OpReceive, err)
	if err != nil {
		return nil, c.fail(OpReceive, c.queueURL, msgReceive, err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		messages = append(messages, Message{
			ID:            awssdk.ToString(m.MessageId),
			ReceiptHandle: awssdk.ToString(m.ReceiptHandle),
			Body:          awssdk.ToString(m.Body),
			Attributes:    m.Attributes,
		})
	}
	return messages, nil
}

// Delete acknowledges msg on the primary queue using its receipt handle.
func (c *Client) Delete(ctx context.Context, msg Message) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      awssdk.String(c.queueURL),
		ReceiptHandle: awssdk.String(msg.ReceiptHandle),
	})
	c.record(OpDelete, err)
	if err != nil {
		return c.fail(OpDelete, c.queueURL, msgDelete, err)
	}
	return nil
}

// DeadLetter deletes msg from the primary queue and then sends its body to the
// dead-letter queue with no delay.
//
// The two steps are not atomic: if the process dies between them the message
// is gone from the primary queue without reaching the dead-letter queue.
func (c *Client) DeadLetter(ctx context.Context, msg Message) error {
	return c.transfer(ctx, msg, transferSpec{
		op:         OpDeadLetter,
		target:     c.dlqURL,
		delay:      0,
		msg:        msgDeadLetter,
		msgOnClean: msgDeleteWhileDeadLettering,
	})
}

// Reschedule deletes msg from the primary queue and then sends its body back
// to the primary queue, invisible for RescheduleDelaySeconds.
//
// Like DeadLetter this is not atomic; a crash between the steps loses the message.
func (c *Client) Reschedule(ctx context.Context, msg Message) error {
	return c.transfer(ctx, msg, transferSpec{
		op:         OpReschedule,
		target:     c.queueURL,
		delay:      RescheduleDelaySeconds,
		msg:        msgReschedule,
		msgOnClean: msgDeleteWhileRescheduling,
	})
}

type transferSpec struct {
	op         string
	target     string
	delay      int32
	msg        string // error message for fresh failures
	msgOnClean string // warning message when the delete step already returned *Error
}

// transfer runs delete-then-send. A delete failure that is already *Error has
// been logged by Delete; it is logged again at warn level and returned as the
// same value. Any other delete failure, and any send failure, becomes a fresh
// *Error logged at error level.
func (c *Client) transfer(ctx context.Context, msg Message, t transferSpec) error {
	if err := c.remove(ctx, msg); err != nil {
		c.record(t.op, err)
		var qerr *Error
		if errors.As(err, &qerr) {
			c.log.Warn().Err(err).Str("op", t.op).Str("messageId", msg.ID).Msg(t.msgOnClean)
			return err
		}
		return c.fail(t.op, c.queueURL, t.msg, err)
	}

	err := c.send(ctx, t.target, msg.Body, t.delay)
	c.record(t.op, err)
	if err != nil {
		return c.fail(t.op, t.target, t.msg, err)
	}
	return nil
}
