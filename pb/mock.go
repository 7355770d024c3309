package pb

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc"
)

// MockAdapterClient is an in-process AdapterServiceClient for tests and
// local wiring. Responses are configurable; Stream replays the configured
// chunks in order.
type MockAdapterClient struct {
	EstimateResponse *EstimateResponse
	HealthResponse   *HealthResponse
	Chunks           []*StreamChunk
	Err              error

	mu          sync.Mutex
	StreamCalls int
}

func (m *MockAdapterClient) Estimate(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.EstimateResponse != nil {
		return m.EstimateResponse, nil
	}
	return &EstimateResponse{Confidence: 1.0}, nil
}

func (m *MockAdapterClient) Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	if m.HealthResponse != nil {
		return m.HealthResponse, nil
	}
	return &HealthResponse{}, nil
}

func (m *MockAdapterClient) Stream(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (AdapterService_StreamClient, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	m.mu.Lock()
	m.StreamCalls++
	m.mu.Unlock()
	return &mockStreamClient{ctx: ctx, chunks: m.Chunks}, nil
}

type mockStreamClient struct {
	grpc.ClientStream

	ctx    context.Context
	chunks []*StreamChunk
	next   int
}

func (s *mockStreamClient) Recv() (*StreamChunk, error) {
	if s.next >= len(s.chunks) {
		return nil, io.EOF
	}
	c := s.chunks[s.next]
	s.next++
	return c, nil
}

func (s *mockStreamClient) Context() context.Context {
	return s.ctx
}
