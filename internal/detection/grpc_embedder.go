package detection

import (
	"context"
	"encoding/base64"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"vigil/internal/identity"
)

// EmbedMethod is the unary RPC served by the recognition service. Requests
// and responses are google.protobuf.Struct messages:
//
//	request:  {"image": <base64 jpeg>}
//	response: {"found": bool, "embedding": [number...], "confidence": number}
const EmbedMethod = "/vigil.recognition.v1.FaceEmbedder/Embed"

// GRPCEmbedder extracts face embeddings over gRPC
type GRPCEmbedder struct {
	conn *grpc.ClientConn
	dim  int
	log  zerolog.Logger
}

// NewGRPCEmbedder creates a client for cfg.Endpoint. The connection is
// established lazily on the first call.
func NewGRPCEmbedder(cfg EmbedderConfig, log zerolog.Logger, opts ...grpc.DialOption) (*GRPCEmbedder, error) {
	kacp := keepalive.ClientParameters{
		Time:                10 * time.Second,
		Timeout:             5 * time.Second,
		PermitWithoutStream: true,
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Endpoint, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("create grpc client for %s: %w", cfg.Endpoint, err)
	}

	l := log.With().Str("component", "grpc_embedder").Logger()
	l.Info().Str("endpoint", cfg.Endpoint).Msg("face embedder client created")
	return &GRPCEmbedder{conn: conn, dim: cfg.Dimension, log: l}, nil
}

func (e *GRPCEmbedder) Embed(ctx context.Context, img image.Image) (identity.Embedding, bool, error) {
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, false, err
	}

	req, err := structpb.NewStruct(map[string]any{
		"image": base64.StdEncoding.EncodeToString(data),
	})
	if err != nil {
		return nil, false, err
	}

	resp := &structpb.Struct{}
	if err := e.conn.Invoke(ctx, EmbedMethod, req, resp); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrServiceUnavailable, err)
	}

	fields := resp.GetFields()
	if !fields["found"].GetBoolValue() {
		return nil, false, nil
	}

	values := fields["embedding"].GetListValue().GetValues()
	if len(values) == 0 {
		return nil, false, fmt.Errorf("face found without embedding")
	}
	emb := make(identity.Embedding, len(values))
	for i, v := range values {
		emb[i] = float32(v.GetNumberValue())
	}
	if e.dim > 0 && len(emb) != e.dim {
		return nil, false, fmt.Errorf("embedding has %d dimensions, want %d", len(emb), e.dim)
	}
	return emb, true, nil
}

// CheckHealth reports whether the connection is usable.
func (e *GRPCEmbedder) CheckHealth(ctx context.Context) error {
	e.conn.Connect()
	if st := e.conn.GetState(); st == connectivity.TransientFailure || st == connectivity.Shutdown {
		return fmt.Errorf("%w: connection %s", ErrServiceUnavailable, st)
	}
	return nil
}

func (e *GRPCEmbedder) Close() error {
	return e.conn.Close()
}

var _ identity.Embedder = (*GRPCEmbedder)(nil)
