package detection

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

// yoloDetection is one object in the /detect response
type yoloDetection struct {
	Class      string    `json:"class"`
	ClassID    int       `json:"class_id"`
	Confidence float32   `json:"confidence"`
	BBox       []float32 `json:"bbox"` // [x1, y1, x2, y2]
}

type yoloResult struct {
	Detections      []yoloDetection `json:"detections"`
	Count           int             `json:"count"`
	InferenceTimeMs float32         `json:"inference_time_ms"`
	Device          string          `json:"device"`
}

// YOLOConfig configures the HTTP object detector
type YOLOConfig struct {
	Endpoint      string        `mapstructure:"endpoint"`
	ConfThreshold float32       `mapstructure:"conf_threshold"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

// YOLODetector calls a YOLO inference service over HTTP
type YOLODetector struct {
	*serviceClient
	confThreshold float32
	log           zerolog.Logger
}

func NewYOLODetector(cfg YOLOConfig, log zerolog.Logger) *YOLODetector {
	return &YOLODetector{
		serviceClient: newServiceClient(cfg.Endpoint, cfg.Timeout),
		confThreshold: cfg.ConfThreshold,
		log:           log.With().Str("component", "yolo").Logger(),
	}
}

func (d *YOLODetector) Name() string { return "yolo" }
func (d *YOLODetector) Close() error { return nil }

// Detect posts the frame to /detect. Malformed boxes are dropped.
func (d *YOLODetector) Detect(ctx context.Context, frame *pipeline.FrameData) ([]pipeline.Detection, error) {
	data, err := frame.JPEG()
	if err != nil {
		return nil, err
	}

	var result yoloResult
	fields := map[string]string{"conf_threshold": fmt.Sprintf("%.2f", d.confThreshold)}
	if err := d.postImage(ctx, "/detect", data, fields, &result); err != nil {
		return nil, err
	}

	out := make([]pipeline.Detection, 0, len(result.Detections))
	for _, det := range result.Detections {
		if len(det.BBox) != 4 {
			d.log.Debug().Str("class", det.Class).Int("len", len(det.BBox)).Msg("skipping detection with malformed bbox")
			continue
		}
		out = append(out, pipeline.Detection{
			Class:      det.Class,
			Confidence: det.Confidence,
			BBox:       pipeline.BBox{X1: det.BBox[0], Y1: det.BBox[1], X2: det.BBox[2], Y2: det.BBox[3]},
		})
	}

	d.log.Trace().
		Str("camera_id", frame.CameraID).
		Int("count", len(out)).
		Float32("inference_ms", result.InferenceTimeMs).
		Msg("frame detected")
	return out, nil
}

var _ pipeline.Detector = (*YOLODetector)(nil)
