package reminder

import (
	"context"
	"errors"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/maryammeda/tracker/domain"
)

// Notifier delivers a single reminder notice.
type Notifier interface {
	Notify(ctx context.Context, r domain.Reminder) error
}

// LogNotifier writes one log line per reminder.
type LogNotifier struct {
	logger *log.Logger
}

func NewLogNotifier(logger *log.Logger) *LogNotifier {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, r domain.Reminder) error {
	n.logger.WithFields(log.Fields{
		"owner_id":      r.OwnerID,
		"assignment_id": r.AssignmentID,
		"title":         r.Title,
		"due_date":      r.DueDate.String(),
	}).Info("assignment due tomorrow")
	return nil
}

type queueClient interface {
	EnqueueMessage(ctx context.Context, content string, o *azqueue.EnqueueMessageOptions) (azqueue.EnqueueMessagesResponse, error)
}

// QueueNotifier publishes reminders as JSON messages on an Azure Storage queue.
type QueueNotifier struct {
	queue  queueClient
	ensure func(ctx context.Context) error
}

// NewQueueNotifier connects to the named queue.
func NewQueueNotifier(connStr, queue string) (*QueueNotifier, error) {
	opts := azqueue.ClientOptions{
		ClientOptions: azcore.ClientOptions{
			Retry: policy.RetryOptions{
				MaxRetries:    5,
				TryTimeout:    time.Minute * 5,
				RetryDelay:    time.Second * 1,
				MaxRetryDelay: time.Second * 60,
				StatusCodes:   []int{408, 429, 500, 502, 503, 504},
			},
		},
	}
	qc, err := azqueue.NewQueueClientFromConnectionString(connStr, queue, &opts)
	if err != nil {
		return nil, err
	}
	return &QueueNotifier{
		queue: qc,
		ensure: func(ctx context.Context) error {
			_, err := qc.Create(ctx, nil)
			if err != nil {
				var respErr *azcore.ResponseError
				if !(errors.As(err, &respErr) && respErr.ErrorCode == "QueueAlreadyExists") {
					return err
				}
			}
			return nil
		},
	}, nil
}

// EnsureQueue creates the queue when it does not exist yet.
func (n *QueueNotifier) EnsureQueue(ctx context.Context) error {
	if n.ensure == nil {
		return nil
	}
	return n.ensure(ctx)
}

func (n *QueueNotifier) Notify(ctx context.Context, r domain.Reminder) error {
	data, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return err
	}
	_, err = n.queue.EnqueueMessage(ctx, string(data), nil)
	return err
}

// RedisNotifier publishes reminders on a Redis pub/sub channel.
type RedisNotifier struct {
	client  *redis.Client
	channel string
}

func NewRedisNotifier(client *redis.Client, channel string) *RedisNotifier {
	return &RedisNotifier{client: client, channel: channel}
}

func (n *RedisNotifier) Notify(ctx context.Context, r domain.Reminder) error {
	data, err := sonic.ConfigStd.Marshal(r)
	if err != nil {
		return err
	}
	return n.client.Publish(ctx, n.channel, data).Err()
}

// MultiNotifier fans a reminder out to every sink. All sinks are attempted;
// the errors are joined.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, r domain.Reminder) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, r); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
