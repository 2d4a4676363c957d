package event_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/victornm/quizbank/internal/domain"
	"github.com/victornm/quizbank/internal/event"
)

func TestBus_PublishSubscribe(t *testing.T) {
	var (
		added    = domain.EventQuestionAddSucceeded{CreatedUID: "u1", QuestionIDs: []string{"q1"}}
		failed   = domain.EventBulkUploadFailed{CreatedUID: "u1", BulkUploadID: "b1"}
		approved = domain.EventQuestionApproved{Question: domain.Question{ID: "q1"}}
	)

	type (
		inputs struct {
			published   []event.Event
			subscribers []subscriber
		}

		outputs struct {
			received map[string][]event.Event
		}
	)

	tests := map[string]struct {
		arrange func() inputs
		assert  func(t *testing.T, out outputs)
	}{
		"a single subscriber should receive only the event it subscribed to": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{added, failed},
					subscribers: []subscriber{
						{name: "ui", subscribeTo: []string{domain.EventNameQuestionAddSucceeded}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{added}, out.received["ui"])
			},
		},

		"a single subscriber should receive every published event": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{added, added},
					subscribers: []subscriber{
						{name: "ui", subscribeTo: []string{domain.EventNameQuestionAddSucceeded}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{added, added}, out.received["ui"])
			},
		},

		"an event should be dispatched to all subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{approved},
					subscribers: []subscriber{
						{name: "ui", subscribeTo: []string{domain.EventNameQuestionApproved}},
						{name: "audit", subscribeTo: []string{domain.EventNameQuestionApproved}},
						{name: "stats", subscribeTo: []string{domain.EventNameQuestionApproved}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{approved}, out.received["ui"])
				assert.ElementsMatch(t, []event.Event{approved}, out.received["audit"])
				assert.ElementsMatch(t, []event.Event{approved}, out.received["stats"])
			},
		},

		"multiple events should be dispatched correctly to multiple subscribers": {
			arrange: func() inputs {
				return inputs{
					published: []event.Event{added, failed, added, approved},
					subscribers: []subscriber{
						{name: "ui", subscribeTo: []string{domain.EventNameQuestionAddSucceeded}},
						{name: "audit", subscribeTo: []string{domain.EventNameQuestionAddSucceeded, domain.EventNameBulkUploadFailed}},
						{name: "stats", subscribeTo: []string{domain.EventNameQuestionApproved, domain.EventNameBulkUploadFailed}},
					},
				}
			},

			assert: func(t *testing.T, out outputs) {
				assert.ElementsMatch(t, []event.Event{added, added}, out.received["ui"])
				assert.ElementsMatch(t, []event.Event{added, added, failed}, out.received["audit"])
				assert.ElementsMatch(t, []event.Event{failed, approved}, out.received["stats"])
			},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			in := tt.arrange()
			mu := sync.Mutex{}
			out := outputs{received: make(map[string][]event.Event)}

			b := event.NewBus()
			for _, s := range in.subscribers {
				for _, e := range s.subscribeTo {
					b.Subscribe(e, func(ctx context.Context, e event.Event) error {
						mu.Lock()
						out.received[s.name] = append(out.received[s.name], e)
						mu.Unlock()
						return nil
					})
				}
			}

			for _, e := range in.published {
				b.Publish(context.Background(), e)
			}
			b.Stop()

			tt.assert(t, out)
		})
	}
}

func TestBus_SlowHandlerDoesNotBlockOtherSubscriptions(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	b.Subscribe(domain.EventNameQuestionApproved, func(ctx context.Context, _ event.Event) error {
		<-release
		return nil
	})

	fast := make(chan struct{}, 2)
	b.Subscribe(domain.EventNameQuestionApproved, func(ctx context.Context, _ event.Event) error {
		fast <- struct{}{}
		return nil
	})

	b.Publish(context.Background(), domain.EventQuestionApproved{})

	select {
	case <-fast:
	case <-time.After(time.Second):
		t.Fatal("fast subscriber should not wait for the slow one")
	}

	close(release)
	b.Stop()
}

func TestBus_PublishWaitsForFullPool(t *testing.T) {
	b := event.NewBus(event.WithPoolSize(1))

	release := make(chan struct{})
	b.Subscribe(domain.EventNameQuestionApproved, func(ctx context.Context, _ event.Event) error {
		<-release
		return nil
	})

	b.Publish(context.Background(), domain.EventQuestionApproved{})

	published := make(chan struct{})
	go func() {
		b.Publish(context.Background(), domain.EventQuestionApproved{})
		close(published)
	}()

	select {
	case <-published:
		t.Fatal("publish should wait while the pool is full")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-published:
	case <-time.After(time.Second):
		t.Fatal("publish should proceed once a handler returns")
	}
	b.Stop()
}

func TestBus_HandlerPanicIsRecovered(t *testing.T) {
	b := event.NewBus(event.WithHandlerTimeout(time.Second))

	var calls int
	var mu sync.Mutex
	b.Subscribe(domain.EventNameBulkUploadFailed, func(context.Context, event.Event) error {
		mu.Lock()
		calls++
		mu.Unlock()
		panic("boom")
	})

	b.Publish(context.Background(), domain.EventBulkUploadFailed{})
	b.Publish(context.Background(), domain.EventBulkUploadFailed{})
	b.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 2, calls)
}

func TestBus_HandlerOutlivesPublisherContext(t *testing.T) {
	b := event.NewBus()

	errs := make(chan error, 1)
	b.Subscribe(domain.EventNameQuestionRejected, func(ctx context.Context, _ event.Event) error {
		errs <- ctx.Err()
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.Publish(ctx, domain.EventQuestionRejected{})
	b.Stop()

	require.NoError(t, <-errs, "handler context must not inherit publisher cancellation")
}

type subscriber struct {
	name        string
	subscribeTo []string
}
