package mock

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// DefaultVisibilityTimeout hides a received message until it is deleted or
// this much simulated time passes.
const DefaultVisibilityTimeout = 30 * time.Second

type sqsMessage struct {
	id        string
	body      string
	visibleAt time.Time
	receipt   string
	receives  int
}

// SQSClient is an in-memory implementation of aws.SQSClient holding any number
// of queues keyed by URL. Time is simulated; see Advance.
type SQSClient struct {
	mu     sync.Mutex
	queues map[string][]*sqsMessage
	now    time.Time
	nextID int

	// PollInterval is how long an empty receive blocks before returning.
	PollInterval time.Duration

	// SendErr, when set, fails every SendMessage to the queue URL it is keyed by.
	SendErr map[string]error
}

// NewSQSClient creates the given queues, all empty.
func NewSQSClient(queueURLs ...string) *SQSClient {
	m := &SQSClient{
		queues:       make(map[string][]*sqsMessage),
		now:          time.Unix(1700000000, 0),
		PollInterval: 5 * time.Millisecond,
		SendErr:      make(map[string]error),
	}
	for _, u := range queueURLs {
		m.queues[u] = nil
	}
	return m
}

// Advance moves the simulated clock forward, revealing delayed and in-flight messages.
func (m *SQSClient) Advance(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = m.now.Add(d)
}

// Bodies returns the bodies of every message in a queue, visible or not, in send order.
func (m *SQSClient) Bodies(queueURL string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, msg := range m.queues[queueURL] {
		out = append(out, msg.body)
	}
	return out
}

// Visible returns the number of messages that a receive would return now.
func (m *SQSClient) Visible(queueURL string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, msg := range m.queues[queueURL] {
		if !msg.visibleAt.After(m.now) {
			n++
		}
	}
	return n
}

func (m *SQSClient) queue(queueURL *string) ([]*sqsMessage, error) {
	q, ok := m.queues[aws.ToString(queueURL)]
	if !ok {
		return nil, &types.QueueDoesNotExist{Message: aws.String("The specified queue does not exist")}
	}
	return q, nil
}

// SendMessage appends a message, invisible for DelaySeconds.
func (m *SQSClient) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.SendErr[aws.ToString(params.QueueUrl)]; err != nil {
		return nil, err
	}
	q, err := m.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}

	m.nextID++
	msg := &sqsMessage{
		id:        fmt.Sprintf("msg-%d", m.nextID),
		body:      aws.ToString(params.MessageBody),
		visibleAt: m.now.Add(time.Duration(params.DelaySeconds) * time.Second),
	}
	m.queues[aws.ToString(params.QueueUrl)] = append(q, msg)
	return &sqs.SendMessageOutput{MessageId: aws.String(msg.id)}, nil
}

// ReceiveMessage returns up to MaxNumberOfMessages visible messages, issuing a
// fresh receipt handle for each and hiding them for DefaultVisibilityTimeout.
// An empty queue blocks for PollInterval, or until ctx is done.
func (m *SQSClient) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	out, err := m.receive(params)
	if err != nil || len(out.Messages) > 0 {
		return out, err
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(m.PollInterval):
		return out, nil
	}
}

func (m *SQSClient) receive(params *sqs.ReceiveMessageInput) (*sqs.ReceiveMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}

	max := int(params.MaxNumberOfMessages)
	if max <= 0 {
		max = 1
	}

	out := &sqs.ReceiveMessageOutput{}
	for _, msg := range q {
		if len(out.Messages) == max {
			break
		}
		if msg.visibleAt.After(m.now) {
			continue
		}
		m.nextID++
		msg.receives++
		msg.receipt = fmt.Sprintf("rh-%s-%d", msg.id, m.nextID)
		msg.visibleAt = m.now.Add(DefaultVisibilityTimeout)
		out.Messages = append(out.Messages, types.Message{
			MessageId:     aws.String(msg.id),
			ReceiptHandle: aws.String(msg.receipt),
			Body:          aws.String(msg.body),
			Attributes: map[string]string{
				string(types.MessageSystemAttributeNameApproximateReceiveCount): strconv.Itoa(msg.receives),
			},
		})
	}
	return out, nil
}

// DeleteMessage removes the message holding ReceiptHandle. Stale or unknown
// handles fail with ReceiptHandleIsInvalid.
func (m *SQSClient) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	q, err := m.queue(params.QueueUrl)
	if err != nil {
		return nil, err
	}
	receipt := aws.ToString(params.ReceiptHandle)
	for i, msg := range q {
		if msg.receipt != "" && msg.receipt == receipt {
			m.queues[aws.ToString(params.QueueUrl)] = append(q[:i:i], q[i+1:]...)
			return &sqs.DeleteMessageOutput{}, nil
		}
	}
	return nil, &types.ReceiptHandleIsInvalid{Message: aws.String("The input receipt handle is invalid")}
}
