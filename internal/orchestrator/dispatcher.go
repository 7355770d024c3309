package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"

	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/atp/router/pb"
)

// ErrSessionStalled is returned when a session has pending sub-requests
// that can never become ready (unsatisfiable dependencies).
var ErrSessionStalled = errors.New("session stalled: pending sub-requests with unsatisfiable dependencies")

// AdapterResolver maps an adapter name to a connected client.
type AdapterResolver func(adapterName string) (pb.AdapterServiceClient, error)

const defaultDispatcherWorkers = 4

// Dispatcher drives sessions to completion: it pulls the ready set from the
// orchestrator, submits each sub-request to its adapter with bounded
// parallelism, and reports outcomes back.
type Dispatcher struct {
	orch    *Orchestrator
	resolve AdapterResolver
	workers int
	logger  *log.Logger
}

func NewDispatcher(orch *Orchestrator, resolve AdapterResolver, workers int) *Dispatcher {
	if workers <= 0 {
		workers = defaultDispatcherWorkers
	}
	return &Dispatcher{
		orch:    orch,
		resolve: resolve,
		workers: workers,
		logger:  log.New(log.Writer(), "[DISPATCHER] ", log.LstdFlags),
	}
}

// RunSession executes a started session wave by wave until it reaches a
// terminal state. Each wave dispatches the current ready set in parallel,
// bounded by the worker count.
func (d *Dispatcher) RunSession(ctx context.Context, sessionID string) (SessionState, error) {
	for {
		if err := ctx.Err(); err != nil {
			d.orch.CancelSession(sessionID)
			return StateCancelled, err
		}

		state, err := d.orch.State(sessionID)
		if err != nil {
			return "", err
		}
		switch state {
		case StateCompleted, StateFailed, StateCancelled:
			return state, nil
		}

		ready, err := d.orch.ReadyRequests(sessionID)
		if err != nil {
			return "", err
		}
		if len(ready) == 0 {
			// Nothing ready and nothing running: the remaining pending
			// sub-requests depend on ids that will never complete.
			return state, fmt.Errorf("%w: session %s", ErrSessionStalled, sessionID)
		}

		d.dispatchWave(ctx, sessionID, ready)
	}
}

func (d *Dispatcher) dispatchWave(ctx context.Context, sessionID string, ready []*SubRequest) {
	sem := make(chan struct{}, d.workers)
	var wg sync.WaitGroup

	for _, req := range ready {
		wg.Add(1)
		sem <- struct{}{}
		go func(req *SubRequest) {
			defer wg.Done()
			defer func() { <-sem }()
			d.dispatchOne(ctx, sessionID, req)
		}(req)
	}
	wg.Wait()
}

func (d *Dispatcher) dispatchOne(ctx context.Context, sessionID string, req *SubRequest) {
	if err := d.orch.MarkRunning(sessionID, req.RequestID); err != nil {
		d.logger.Printf("mark running %s: %v", req.RequestID, err)
		return
	}

	client, err := d.resolve(req.AdapterName)
	if err != nil {
		d.orch.FailSubRequest(sessionID, req.RequestID, fmt.Sprintf("resolve adapter %s: %v", req.AdapterName, err))
		return
	}

	var result map[string]interface{}
	var lastErr error
	for attempt := 0; attempt <= req.MaxRetries; attempt++ {
		result, lastErr = d.streamOnce(ctx, client, req)
		if lastErr == nil {
			break
		}
		if ctx.Err() != nil {
			break
		}
		d.logger.Printf("sub-request %s attempt %d failed: %v", req.RequestID, attempt+1, lastErr)
	}

	if lastErr != nil {
		d.orch.FailSubRequest(sessionID, req.RequestID, lastErr.Error())
		return
	}
	d.orch.CompleteSubRequest(sessionID, req.RequestID, result)
}

// streamOnce runs one adapter stream and collects the response text.
func (d *Dispatcher) streamOnce(ctx context.Context, client pb.AdapterServiceClient, req *SubRequest) (map[string]interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, req.Timeout)
	defer cancel()

	stream, err := client.Stream(callCtx, &pb.StreamRequest{
		PromptJson: req.Prompt,
		RequestId:  req.RequestID,
		Timestamp:  timestamppb.Now(),
	})
	if err != nil {
		return nil, fmt.Errorf("open stream: %w", err)
	}

	var sb strings.Builder
	chunks := 0
	confidence := 0.0
	for {
		chunk, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("recv: %w", err)
		}
		if chunk.Type == pb.ChunkTypeError {
			return nil, fmt.Errorf("adapter error: %s", chunk.ErrorDetail())
		}
		sb.WriteString(chunk.Text())
		chunks++
		confidence = chunk.Confidence
		if !chunk.More {
			break
		}
	}

	return map[string]interface{}{
		"response":   sb.String(),
		"chunks":     chunks,
		"confidence": confidence,
		"adapter":    req.AdapterName,
	}, nil
}
