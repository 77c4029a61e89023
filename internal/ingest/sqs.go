// Package ingest consumes ECS task state change events from an SQS queue fed
// by an EventBridge rule.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
	"github.com/splax/taskwatch/pkg/config"
)

const (
	defaultWorkers     = 4
	maxBatch           = 10
	receiveBackoff     = 5 * time.Second
	deleteTimeout      = 5 * time.Second
	defaultHandleLimit = 30 * time.Second
)

// ErrQueueUnavailable is returned by Run when the queue cannot be used at all.
var ErrQueueUnavailable = errors.New("ingest: queue unavailable")

// queueFatalCodes are API error codes that retrying will not fix.
var queueFatalCodes = map[string]struct{}{
	"QueueDoesNotExist":                       {},
	"AWS.SimpleQueueService.NonExistentQueue": {},
	"AccessDenied":                            {},
	"AccessDeniedException":                   {},
	"InvalidAddress":                          {},
}

// API is the subset of the SQS client used by the poller.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// EventHandler processes a single task state change.
type EventHandler interface {
	Handle(ctx context.Context, id string, event domain.TaskStateChangeEvent) reconcile.Outcome
}

// NewClient builds an SQS client from the default AWS credential chain.
func NewClient(ctx context.Context, region string) (*sqs.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return sqs.NewFromConfig(cfg), nil
}

// Poller long-polls a queue and hands each message to a bounded worker pool.
type Poller struct {
	client        API
	handler       EventHandler
	logger        *slog.Logger
	queueURL      string
	workers       int
	maxMessages   int32
	waitTime      time.Duration
	visibility    time.Duration
	handleTimeout time.Duration
	backoff       time.Duration
}

// New constructs a poller for cfg.SQSQueueURL.
func New(client API, handler EventHandler, logger *slog.Logger, cfg config.WatcherConfig) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	workers := cfg.SQSWorkers
	if workers <= 0 {
		workers = defaultWorkers
	}
	maxMessages := cfg.SQSMaxMessages
	if maxMessages <= 0 || maxMessages > maxBatch {
		maxMessages = maxBatch
	}
	handleTimeout := cfg.HandleTimeout
	if handleTimeout <= 0 {
		handleTimeout = defaultHandleLimit
	}
	return &Poller{
		client:        client,
		handler:       handler,
		logger:        logger.With("component", "ingest", "queue", cfg.SQSQueueURL),
		queueURL:      cfg.SQSQueueURL,
		workers:       workers,
		maxMessages:   int32(maxMessages),
		waitTime:      cfg.SQSWaitTime,
		visibility:    cfg.SQSVisibilityTimeout,
		handleTimeout: handleTimeout,
		backoff:       receiveBackoff,
	}
}

// Run polls until ctx is cancelled, then waits for in-flight messages. It
// returns an error only when the queue is unusable.
func (p *Poller) Run(ctx context.Context) error {
	jobs := make(chan types.Message)
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for msg := range jobs {
				p.process(ctx, msg)
			}
		}()
	}
	defer func() {
		close(jobs)
		wg.Wait()
		p.logger.Info("sqs poller stopped")
	}()

	p.logger.Info("sqs poller started", "workers", p.workers)
	for {
		if ctx.Err() != nil {
			return nil
		}
		out, err := p.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:                    aws.String(p.queueURL),
			MaxNumberOfMessages:         p.maxMessages,
			WaitTimeSeconds:             int32(p.waitTime / time.Second),
			VisibilityTimeout:           int32(p.visibility / time.Second),
			MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if isQueueFatal(err) {
				return fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
			}
			p.logger.Warn("failed to receive messages", "error", err, "retry_in", p.backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(p.backoff):
			}
			continue
		}

		for _, msg := range out.Messages {
			select {
			case jobs <- msg:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (p *Poller) process(ctx context.Context, msg types.Message) {
	messageID := aws.ToString(msg.MessageId)
	logger := p.logger.With("message_id", messageID, "receive_count", msg.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])

	var event domain.TaskStateChangeEvent
	if err := json.Unmarshal([]byte(aws.ToString(msg.Body)), &event); err != nil {
		logger.Error("discarding undecodable message", "error", err)
		p.delete(ctx, msg, logger)
		return
	}

	handleCtx, cancel := context.WithTimeout(ctx, p.handleTimeout)
	out := p.handler.Handle(handleCtx, messageID, event)
	cancel()

	if out.Fatal() {
		logger.Error("leaving message for redelivery", "event_id", event.ID, "error", out.Err)
		return
	}
	if interrupted(ctx, out) {
		logger.Warn("handling interrupted by shutdown, leaving message for redelivery", "event_id", event.ID, "error", out.Err)
		return
	}
	p.delete(ctx, msg, logger)
}

// interrupted reports whether a failure happened after the poller's own
// context ended, in which case the event may be only partly applied.
func interrupted(ctx context.Context, out reconcile.Outcome) bool {
	return out.Kind == reconcile.KindFailed && ctx.Err() != nil
}
