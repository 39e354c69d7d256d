package coreapi

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cowork-ai/cowork/pkg/events"
)

// recorderQueueSize bounds the pending persistence queue. When full, new
// items are dropped with a log line; step/artifact persistence is
// best-effort by contract.
const recorderQueueSize = 512

// maxAttempts is how many times one item is tried before being dropped.
const maxAttempts = 2

// retryDelay spaces the second attempt.
const retryDelay = 2 * time.Second

// recordItem is one queued write: exactly one of Step or Artifact is set.
type recordItem struct {
	Token    string
	Step     *events.StepEvent
	Artifact *events.Artifact
	Attempts int
}

// Recorder is the background worker that persists step events and
// artifacts to Core without blocking the turn. Lifecycle is tied to
// service start/stop.
type Recorder struct {
	client *Client

	queue    chan recordItem
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewRecorder creates a Recorder over the given client.
func NewRecorder(client *Client) *Recorder {
	return &Recorder{
		client: client,
		queue:  make(chan recordItem, recorderQueueSize),
		stopCh: make(chan struct{}),
	}
}

// Start launches the worker goroutine.
func (r *Recorder) Start() {
	r.wg.Add(1)
	go r.run()
}

// Stop drains nothing further and waits for the in-flight item to finish.
func (r *Recorder) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

// EnqueueStep queues a step event for persistence. Never blocks.
func (r *Recorder) EnqueueStep(token string, ev events.StepEvent) {
	r.enqueue(recordItem{Token: token, Step: &ev})
}

// EnqueueArtifact queues an artifact for persistence. Never blocks.
func (r *Recorder) EnqueueArtifact(token string, art events.Artifact) {
	r.enqueue(recordItem{Token: token, Artifact: &art})
}

func (r *Recorder) enqueue(item recordItem) {
	select {
	case r.queue <- item:
	default:
		slog.Warn("Core recorder queue full, dropping item")
	}
}

func (r *Recorder) run() {
	defer r.wg.Done()
	for {
		select {
		case <-r.stopCh:
			return
		case item := <-r.queue:
			r.process(item)
		}
	}
}

func (r *Recorder) process(item recordItem) {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()

	var err error
	switch {
	case item.Step != nil:
		err = r.client.RecordStep(ctx, item.Token, *item.Step)
	case item.Artifact != nil:
		err = r.client.RecordArtifact(ctx, item.Token, *item.Artifact)
	}
	if err == nil {
		return
	}

	item.Attempts++
	if item.Attempts >= maxAttempts {
		slog.Warn("Core persistence failed, giving up", "attempts", item.Attempts, "error", err)
		return
	}

	slog.Debug("Core persistence failed, retrying", "attempts", item.Attempts, "error", err)
	select {
	case <-r.stopCh:
	case <-time.After(retryDelay):
		r.enqueue(item)
	}
}
