package detection

import (
	"context"
	"fmt"
	"image"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/identity"
)

type embeddedFace struct {
	BBox       []float32 `json:"bbox"`
	Confidence float32   `json:"confidence"`
	Embedding  []float32 `json:"embedding"`
}

type embedResult struct {
	Faces           []embeddedFace `json:"faces"`
	Count           int            `json:"count"`
	InferenceTimeMs float32        `json:"inference_time_ms"`
}

// EmbedderConfig configures the face embedding clients
type EmbedderConfig struct {
	Transport string        `mapstructure:"transport"` // http or grpc
	Endpoint  string        `mapstructure:"endpoint"`
	Timeout   time.Duration `mapstructure:"timeout"`
	Dimension int           `mapstructure:"dimension"` // expected vector length, 0 accepts any
}

// EmbedderClient is a face embedder backed by a remote service
type EmbedderClient interface {
	identity.Embedder
	CheckHealth(ctx context.Context) error
	Close() error
}

// NewEmbedder builds the client for cfg.Transport.
func NewEmbedder(cfg EmbedderConfig, log zerolog.Logger) (EmbedderClient, error) {
	switch cfg.Transport {
	case "", "http":
		return NewHTTPEmbedder(cfg), nil
	case "grpc":
		return NewGRPCEmbedder(cfg, log)
	default:
		return nil, fmt.Errorf("unknown embedder transport %q", cfg.Transport)
	}
}

// HTTPEmbedder extracts face embeddings through the recognition service
// /embed endpoint.
type HTTPEmbedder struct {
	*serviceClient
	dim int
}

func NewHTTPEmbedder(cfg EmbedderConfig) *HTTPEmbedder {
	return &HTTPEmbedder{serviceClient: newServiceClient(cfg.Endpoint, cfg.Timeout), dim: cfg.Dimension}
}

func (e *HTTPEmbedder) Close() error { return nil }

// Embed returns the embedding of the most confident face in img.
func (e *HTTPEmbedder) Embed(ctx context.Context, img image.Image) (identity.Embedding, bool, error) {
	data, err := encodeJPEG(img)
	if err != nil {
		return nil, false, err
	}

	var result embedResult
	if err := e.postImage(ctx, "/embed", data, nil, &result); err != nil {
		return nil, false, err
	}

	best := -1
	for i, f := range result.Faces {
		if len(f.Embedding) == 0 {
			continue
		}
		if best < 0 || f.Confidence > result.Faces[best].Confidence {
			best = i
		}
	}
	if best < 0 {
		return nil, false, nil
	}

	emb := identity.Embedding(result.Faces[best].Embedding)
	if e.dim > 0 && len(emb) != e.dim {
		return nil, false, fmt.Errorf("embedding has %d dimensions, want %d", len(emb), e.dim)
	}
	return emb, true, nil
}

var _ identity.Embedder = (*HTTPEmbedder)(nil)
