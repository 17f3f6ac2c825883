package subscription

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"boardsync/domain"
)

// QueueClient is the part of *azqueue.QueueClient the queue feed uses.
type QueueClient interface {
	Create(ctx context.Context, o *azqueue.CreateOptions) (azqueue.CreateResponse, error)
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
	DequeueMessages(ctx context.Context, o *azqueue.DequeueMessagesOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// QueueDialer opens the client of a named queue.
type QueueDialer func(name string) (QueueClient, error)

// ConnectionStringDialer dials Azure Storage queues with the retry policy
// used for every storage client.
func ConnectionStringDialer(connStr string) QueueDialer {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute,
				RetryDelay:    time.Second,
				MaxRetryDelay: 15 * time.Second,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	return func(name string) (QueueClient, error) {
		q, err := azqueue.NewQueueClientFromConnectionString(connStr, name, &opts)
		if err != nil {
			return nil, err
		}
		return q, nil
	}
}

// QueueName maps a topic onto a valid storage queue name: lowercase letters,
// digits and single dashes, at most 63 characters.
func QueueName(prefix string, t Topic) string {
	raw := strings.ToLower(prefix + "-" + t.BoardID + "-" + t.Table)
	var b strings.Builder
	dash := false
	for _, r := range raw {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			dash = false
			continue
		}
		if !dash && b.Len() > 0 {
			b.WriteByte('-')
			dash = true
		}
	}
	name := strings.Trim(b.String(), "-")
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	return name
}

func ensureQueue(ctx context.Context, q QueueClient) error {
	_, err := q.Create(ctx, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
			return err
		}
	}
	return nil
}

// QueueFeed polls one storage queue per topic. Queue consumers compete for
// messages, so a queue must only be read by a single engine.
type QueueFeed struct {
	dial       QueueDialer
	prefix     string
	batch      int32
	visibility int32
	poll       time.Duration
}

func NewQueueFeed(dial QueueDialer, prefix string, poll time.Duration) *QueueFeed {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	if poll <= 0 {
		poll = time.Second
	}
	return &QueueFeed{dial: dial, prefix: prefix, batch: 32, visibility: 30, poll: poll}
}

func (f *QueueFeed) Listen(ctx context.Context, topic Topic, rcv Receiver) error {
	name := QueueName(f.prefix, topic)
	q, err := f.dial(name)
	if err != nil {
		return err
	}
	if err := ensureQueue(ctx, q); err != nil {
		return err
	}
	rcv.Resync()
	logger := log.WithField("queue", name)
	for {
		resp, err := q.DequeueMessages(ctx, &azqueue.DequeueMessagesOptions{
			NumberOfMessages:  to.Ptr(f.batch),
			VisibilityTimeout: to.Ptr(f.visibility),
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			logger.WithError(err).Error("receive")
		}
		if err != nil || len(resp.Messages) == 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(f.poll):
			}
			continue
		}
		for _, msg := range resp.Messages {
			if msg.MessageText != nil {
				var change domain.Change
				if err := sonic.UnmarshalString(*msg.MessageText, &change); err != nil {
					logger.WithError(err).Error("unable to parse change")
				} else {
					rcv.Receive(change)
				}
			}
			if msg.MessageID == nil || msg.PopReceipt == nil {
				continue
			}
			if _, err := q.DeleteMessage(ctx, *msg.MessageID, *msg.PopReceipt, nil); err != nil {
				logger.WithError(err).Warn("delete message")
			}
		}
	}
}

// QueuePublisher enqueues changes on the queue of their topic.
type QueuePublisher struct {
	dial   QueueDialer
	prefix string

	mu      sync.Mutex
	clients map[string]QueueClient
}

func NewQueuePublisher(dial QueueDialer, prefix string) *QueuePublisher {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &QueuePublisher{dial: dial, prefix: prefix, clients: make(map[string]QueueClient)}
}

func (p *QueuePublisher) client(ctx context.Context, name string) (QueueClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if q, ok := p.clients[name]; ok {
		return q, nil
	}
	q, err := p.dial(name)
	if err != nil {
		return nil, err
	}
	if err := ensureQueue(ctx, q); err != nil {
		return nil, err
	}
	p.clients[name] = q
	return q, nil
}

func (p *QueuePublisher) Publish(ctx context.Context, boardID string, ch domain.Change) error {
	q, err := p.client(ctx, QueueName(p.prefix, Topic{BoardID: boardID, Table: ch.Table}))
	if err != nil {
		return err
	}
	data, err := sonic.MarshalString(ch)
	if err != nil {
		return err
	}
	_, err = q.EnqueueMessage(ctx, data, nil)
	return err
}
