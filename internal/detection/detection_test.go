package detection

import (
	"context"
	"encoding/json"
	"image"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"vigil/internal/pipeline"
)

func testFrame() *pipeline.FrameData {
	return pipeline.NewDecodedFrame("cam1", 1, time.Now(), image.NewRGBA(image.Rect(0, 0, 64, 48)))
}

func TestYOLODetector(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/detect", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		assert.Equal(t, "0.35", r.FormValue("conf_threshold"))

		f, hdr, err := r.FormFile("file")
		if assert.NoError(t, err) {
			f.Close()
			assert.Equal(t, "frame.jpg", hdr.Filename)
		}

		json.NewEncoder(w).Encode(map[string]any{
			"detections": []map[string]any{
				{"class": "person", "confidence": 0.9, "bbox": []float32{10, 20, 30, 40}},
				{"class": "person", "confidence": 0.8, "bbox": []float32{1, 2}},
				{"class": "dog", "confidence": 0.7, "bbox": []float32{5, 5, 15, 15}},
			},
			"count": 3,
		})
	}))
	defer srv.Close()

	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL, ConfThreshold: 0.35}, zerolog.Nop())
	dets, err := d.Detect(context.Background(), testFrame())
	require.NoError(t, err)
	require.Len(t, dets, 2)
	assert.Equal(t, "person", dets[0].Class)
	assert.Equal(t, pipeline.BBox{X1: 10, Y1: 20, X2: 30, Y2: 40}, dets[0].BBox)
	assert.Equal(t, "dog", dets[1].Class)
}

func TestYOLODetectorServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := NewYOLODetector(YOLOConfig{Endpoint: srv.URL}, zerolog.Nop())
	_, err := d.Detect(context.Background(), testFrame())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model not loaded")
}

func TestYOLODetectorUnreachable(t *testing.T) {
	d := NewYOLODetector(YOLOConfig{Endpoint: "http://127.0.0.1:1"}, zerolog.Nop())
	_, err := d.Detect(context.Background(), testFrame())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

func TestHTTPEmbedderPicksMostConfidentFace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"faces": []map[string]any{
				{"confidence": 0.6, "embedding": []float32{1, 1}},
				{"confidence": 0.95, "embedding": []float32{0.5, 0.25}},
				{"confidence": 0.99},
			},
		})
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{Endpoint: srv.URL})
	emb, ok, err := e.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.5, 0.25}, []float32(emb))
}

func TestHTTPEmbedderNoFace(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[],"count":0}`))
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{Endpoint: srv.URL})
	_, ok, err := e.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestHTTPEmbedderDimensionMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"faces":[{"confidence":0.9,"embedding":[1,2,3]}]}`))
	}))
	defer srv.Close()

	e := NewHTTPEmbedder(EmbedderConfig{Endpoint: srv.URL, Dimension: 128})
	_, _, err := e.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	assert.Error(t, err)
}

func TestCheckHealthCachesSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"status":"healthy","device":"cpu","model_loaded":true}`))
	}))
	defer srv.Close()

	c := newServiceClient(srv.URL, 0)
	require.NoError(t, c.CheckHealth(context.Background()))
	require.NoError(t, c.CheckHealth(context.Background()))
	assert.EqualValues(t, 1, calls.Load())
}

func TestCheckHealthModelNotLoaded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"status":"healthy","model_loaded":false}`))
	}))
	defer srv.Close()

	err := newServiceClient(srv.URL, 0).CheckHealth(context.Background())
	assert.ErrorIs(t, err, ErrServiceUnavailable)
}

type embedService interface {
	Embed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

type fakeEmbedService struct {
	resp map[string]any
}

func (s *fakeEmbedService) Embed(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	if req.GetFields()["image"].GetStringValue() == "" {
		return structpb.NewStruct(map[string]any{"found": false})
	}
	return structpb.NewStruct(s.resp)
}

func startEmbedServer(t *testing.T, svc embedService) *GRPCEmbedder {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: "vigil.recognition.v1.FaceEmbedder",
		HandlerType: (*embedService)(nil),
		Methods: []grpc.MethodDesc{{
			MethodName: "Embed",
			Handler: func(s any, ctx context.Context, dec func(any) error, _ grpc.UnaryServerInterceptor) (any, error) {
				in := new(structpb.Struct)
				if err := dec(in); err != nil {
					return nil, err
				}
				return s.(embedService).Embed(ctx, in)
			},
		}},
	}, svc)
	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	e, err := NewGRPCEmbedder(EmbedderConfig{Endpoint: "passthrough:///bufnet"}, zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestGRPCEmbedder(t *testing.T) {
	e := startEmbedServer(t, &fakeEmbedService{resp: map[string]any{
		"found":     true,
		"embedding": []any{0.25, -0.5, 1.0},
	}})

	emb, ok, err := e.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float32{0.25, -0.5, 1}, []float32(emb))
}

func TestGRPCEmbedderNoFace(t *testing.T) {
	e := startEmbedServer(t, &fakeEmbedService{resp: map[string]any{"found": false}})

	_, ok, err := e.Embed(context.Background(), image.NewRGBA(image.Rect(0, 0, 8, 8)))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestNewEmbedderTransport(t *testing.T) {
	c, err := NewEmbedder(EmbedderConfig{Endpoint: "http://localhost:9000"}, zerolog.Nop())
	require.NoError(t, err)
	assert.IsType(t, &HTTPEmbedder{}, c)

	_, err = NewEmbedder(EmbedderConfig{Transport: "carrier-pigeon"}, zerolog.Nop())
	assert.Error(t, err)
}
