// Package pb holds the wire types and service interfaces of the adapter
// contract. Every inference provider presents the same three operations:
// unary Estimate and Health, and server-streamed Stream.
package pb

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// Chunk type discriminators. Adapters may emit further kinds; "text" and
// "error" are the ones the router interprets.
const (
	ChunkTypeText  = "text"
	ChunkTypeError = "error"
)

// EstimateRequest carries the prompt object as JSON.
type EstimateRequest struct {
	PromptJson string
	RequestId  string
	Timestamp  *timestamppb.Timestamp
}

// EstimateResponse is a cost/size forecast. Pure and idempotent on the
// adapter side.
type EstimateResponse struct {
	InTokens       int64
	OutTokens      int64
	UsdMicros      int64
	P95Tokens      int64
	P95UsdMicros   int64
	VarianceTokens float64
	VarianceUsd    float64
	Confidence     float64
}

type HealthRequest struct{}

// HealthResponse reports adapter-side latency and error rate.
type HealthResponse struct {
	P95Ms     float64
	ErrorRate float64
}

// StreamRequest opens a token stream for a prompt.
type StreamRequest struct {
	PromptJson string
	RequestId  string
	Timestamp  *timestamppb.Timestamp
}

// StreamChunk is one element of the response stream. More is false on the
// final chunk; a terminal error chunk with More=false is an irrecoverable
// failure. Callers must consume until More=false.
type StreamChunk struct {
	Type        string
	ContentJson string
	Confidence  float64
	More        bool
}

// AdapterServiceClient is the client side of the adapter contract.
type AdapterServiceClient interface {
	Estimate(ctx context.Context, in *EstimateRequest, opts ...grpc.CallOption) (*EstimateResponse, error)
	Health(ctx context.Context, in *HealthRequest, opts ...grpc.CallOption) (*HealthResponse, error)
	Stream(ctx context.Context, in *StreamRequest, opts ...grpc.CallOption) (AdapterService_StreamClient, error)
}

type AdapterService_StreamClient interface {
	Recv() (*StreamChunk, error)
	grpc.ClientStream
}

// AdapterServiceServer is the server side of the adapter contract.
type AdapterServiceServer interface {
	Estimate(context.Context, *EstimateRequest) (*EstimateResponse, error)
	Health(context.Context, *HealthRequest) (*HealthResponse, error)
	Stream(*StreamRequest, AdapterService_StreamServer) error
}

type AdapterService_StreamServer interface {
	Send(*StreamChunk) error
	grpc.ServerStream
}

// UnimplementedAdapterServiceServer provides forward-compatible defaults.
type UnimplementedAdapterServiceServer struct{}

func (UnimplementedAdapterServiceServer) Estimate(context.Context, *EstimateRequest) (*EstimateResponse, error) {
	return nil, nil
}

func (UnimplementedAdapterServiceServer) Health(context.Context, *HealthRequest) (*HealthResponse, error) {
	return nil, nil
}

func (UnimplementedAdapterServiceServer) Stream(*StreamRequest, AdapterService_StreamServer) error {
	return nil
}

// Dial opens a plaintext client connection to an adapter endpoint. TLS is
// terminated by the mesh in front of adapters. Calls are pinned to the
// adapter codec since the wire types are not protobuf messages.
func Dial(target string) (*grpc.ClientConn, error) {
	return grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
}
