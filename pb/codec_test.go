package pb

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/timestamppb"
)

func TestCodecRegistered(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	require.NotNil(t, codec)
	assert.Equal(t, CodecName, codec.Name())
}

func TestCodecRoundTripsWireTypes(t *testing.T) {
	codec := encoding.GetCodec(CodecName)

	in := &StreamRequest{
		PromptJson: `{"prompt":"hello"}`,
		RequestId:  "req-1",
		Timestamp:  timestamppb.Now(),
	}
	data, err := codec.Marshal(in)
	require.NoError(t, err)

	out := new(StreamRequest)
	require.NoError(t, codec.Unmarshal(data, out))
	assert.Equal(t, in.PromptJson, out.PromptJson)
	assert.Equal(t, in.RequestId, out.RequestId)

	est := &EstimateResponse{InTokens: 120, OutTokens: 30, UsdMicros: 2_000, Confidence: 0.9}
	data, err = codec.Marshal(est)
	require.NoError(t, err)

	got := new(EstimateResponse)
	require.NoError(t, codec.Unmarshal(data, got))
	assert.Equal(t, est, got)
}

func TestCodecUnmarshalRejectsGarbage(t *testing.T) {
	codec := encoding.GetCodec(CodecName)
	err := codec.Unmarshal([]byte("not json"), new(StreamChunk))
	assert.Error(t, err)
}
