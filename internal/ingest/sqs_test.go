package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/aws/smithy-go"

	"github.com/splax/taskwatch/internal/domain"
	"github.com/splax/taskwatch/internal/service/reconcile"
	"github.com/splax/taskwatch/pkg/config"
)

const body = `{"id":"evt-1","detail-type":"ECS Task State Change","account":"000000000000","time":"2024-05-01T12:00:00Z","detail":{"taskArn":"arn:aws:ecs:task/abc","group":"family:forms-designer","desiredStatus":"RUNNING","lastStatus":"RUNNING"}}`

func TestRunDeletesHandledMessages(t *testing.T) {
	client := newFakeSQS([]types.Message{
		message("m-1", body),
		message("m-2", body),
		message("m-3", "{not json"),
	})
	handler := &fakeHandler{out: reconcile.Applied("deployment", "dep-1", "running")}
	p := newTestPoller(client, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	client.waitForDeletes(t, 3)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if got := handler.count(); got != 2 {
		t.Fatalf("expected 2 handled events, got %d", got)
	}
	deleted := client.deletedHandles()
	for _, want := range []string{"rh-m-1", "rh-m-2", "rh-m-3"} {
		if !deleted[want] {
			t.Fatalf("expected %s to be deleted, got %v", want, deleted)
		}
	}
}

func TestProcessKeepsFatalOutcomes(t *testing.T) {
	client := newFakeSQS(nil)
	err := fmt.Errorf("deployment vanished: %w", reconcile.ErrStoreInconsistent)
	p := newTestPoller(client, &fakeHandler{out: reconcile.Failed("deployment", err)})

	p.process(context.Background(), message("m-1", body))

	if len(client.deletedHandles()) != 0 {
		t.Fatal("expected fatal outcome to leave the message on the queue")
	}
}

func TestProcessDeletesNonFatalFailuresAndDrops(t *testing.T) {
	outcomes := []reconcile.Outcome{
		reconcile.Failed("testrun", errors.New("write timeout")),
		reconcile.Dropped("router", reconcile.DropUnknownAccount),
	}
	for _, out := range outcomes {
		t.Run(string(out.Kind), func(t *testing.T) {
			client := newFakeSQS(nil)
			p := newTestPoller(client, &fakeHandler{out: out})

			p.process(context.Background(), message("m-1", body))

			if !client.deletedHandles()["rh-m-1"] {
				t.Fatal("expected message to be deleted")
			}
		})
	}
}

func TestProcessKeepsMessagesInterruptedByShutdown(t *testing.T) {
	client := newFakeSQS(nil)
	handler := &ctxHandler{}
	p := newTestPoller(client, handler)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.process(ctx, message("m-1", body))

	if !handler.called {
		t.Fatal("expected handler to be invoked")
	}
	if len(client.deletedHandles()) != 0 {
		t.Fatalf("expected interrupted event to stay on the queue, got %v", client.deletedHandles())
	}
}

func TestProcessDeletesAppliedEventsDuringShutdown(t *testing.T) {
	client := newFakeSQS(nil)
	p := newTestPoller(client, &fakeHandler{out: reconcile.Applied("deployment", "dep-1", "running")})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p.process(ctx, message("m-1", body))

	if !client.deletedHandles()["rh-m-1"] {
		t.Fatal("expected applied event to be acknowledged")
	}
}

func TestProcessDeletesHandleTimeouts(t *testing.T) {
	client := newFakeSQS(nil)
	p := newTestPoller(client, &ctxHandler{wait: true})
	p.handleTimeout = 10 * time.Millisecond

	p.process(context.Background(), message("m-1", body))

	if !client.deletedHandles()["rh-m-1"] {
		t.Fatal("expected a per-event timeout to be acknowledged like other transient failures")
	}
}

func TestProcessPassesMessageIDAndEvent(t *testing.T) {
	handler := &fakeHandler{}
	p := newTestPoller(newFakeSQS(nil), handler)

	p.process(context.Background(), message("m-9", body))

	if handler.lastID != "m-9" {
		t.Fatalf("expected message id m-9, got %s", handler.lastID)
	}
	if handler.lastEvent.Detail.TaskArn != "arn:aws:ecs:task/abc" || handler.lastEvent.Account != "000000000000" {
		t.Fatalf("unexpected event %+v", handler.lastEvent)
	}
}

func TestRunStopsOnMissingQueue(t *testing.T) {
	client := newFakeSQS(nil)
	client.receiveErr = &smithy.GenericAPIError{Code: "AWS.SimpleQueueService.NonExistentQueue", Message: "The specified queue does not exist"}
	p := newTestPoller(client, &fakeHandler{})

	err := p.Run(context.Background())

	if !errors.Is(err, ErrQueueUnavailable) {
		t.Fatalf("expected queue unavailable, got %v", err)
	}
}

func TestRunRetriesTransientReceiveErrors(t *testing.T) {
	client := newFakeSQS([]types.Message{message("m-1", body)})
	client.transientFailures = 2
	handler := &fakeHandler{}
	p := newTestPoller(client, handler)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx) }()

	client.waitForDeletes(t, 1)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if handler.count() != 1 {
		t.Fatalf("expected message to be handled after retries, got %d", handler.count())
	}
}

func TestNewAppliesDefaults(t *testing.T) {
	p := New(newFakeSQS(nil), &fakeHandler{}, nil, config.WatcherConfig{SQSMaxMessages: 50})
	if p.workers != defaultWorkers || p.maxMessages != maxBatch || p.handleTimeout != defaultHandleLimit {
		t.Fatalf("unexpected defaults workers=%d max=%d timeout=%s", p.workers, p.maxMessages, p.handleTimeout)
	}
}

func newTestPoller(client API, handler EventHandler) *Poller {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	p := New(client, handler, logger, config.WatcherConfig{
		SQSQueueURL:    "https://sqs.eu-west-2.amazonaws.com/000000000000/ecs-events",
		SQSWorkers:     2,
		SQSMaxMessages: 10,
		HandleTimeout:  time.Second,
	})
	p.backoff = time.Millisecond
	return p
}

func message(id, body string) types.Message {
	return types.Message{
		MessageId:     aws.String(id),
		ReceiptHandle: aws.String("rh-" + id),
		Body:          aws.String(body),
		Attributes:    map[string]string{"ApproximateReceiveCount": "1"},
	}
}

type fakeSQS struct {
	mu                sync.Mutex
	pending           []types.Message
	receiveErr        error
	transientFailures int
	deleted           map[string]bool
}

func newFakeSQS(messages []types.Message) *fakeSQS {
	return &fakeSQS{pending: messages, deleted: map[string]bool{}}
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	if f.receiveErr != nil {
		err := f.receiveErr
		f.mu.Unlock()
		return nil, err
	}
	if f.transientFailures > 0 {
		f.transientFailures--
		f.mu.Unlock()
		return nil, errors.New("connection reset by peer")
	}
	if len(f.pending) > 0 {
		n := int(params.MaxNumberOfMessages)
		if n > len(f.pending) {
			n = len(f.pending)
		}
		batch := f.pending[:n]
		f.pending = f.pending[n:]
		f.mu.Unlock()
		return &sqs.ReceiveMessageOutput{Messages: batch}, nil
	}
	f.mu.Unlock()

	<-ctx.Done()
	return nil, ctx.Err()
}

func (f *fakeSQS) DeleteMessage(_ context.Context, params *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted[aws.ToString(params.ReceiptHandle)] = true
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) deletedHandles() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.deleted))
	for k, v := range f.deleted {
		out[k] = v
	}
	return out
}

func (f *fakeSQS) waitForDeletes(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(f.deletedHandles()) >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d deletes, got %d", n, len(f.deletedHandles()))
}

type fakeHandler struct {
	mu        sync.Mutex
	out       reconcile.Outcome
	calls     int
	lastID    string
	lastEvent domain.TaskStateChangeEvent
}

func (f *fakeHandler) Handle(_ context.Context, id string, event domain.TaskStateChangeEvent) reconcile.Outcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastID = id
	f.lastEvent = event
	return f.out
}

func (f *fakeHandler) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

// ctxHandler fails with the context error it was handed, the way the
// reconcilers do when cancellation lands before a store write.
type ctxHandler struct {
	wait   bool
	called bool
}

func (h *ctxHandler) Handle(ctx context.Context, _ string, _ domain.TaskStateChangeEvent) reconcile.Outcome {
	h.called = true
	if h.wait {
		<-ctx.Done()
	}
	if err := ctx.Err(); err != nil {
		return reconcile.Failed("deployment", fmt.Errorf("update instance: %w", err))
	}
	return reconcile.Applied("deployment", "dep-1", "running")
}
