//go:build !gocv

package capture

import (
	"github.com/rs/zerolog"

	"vigil/internal/pipeline"
)

const gocvAvailable = false

func newGoCVSource(cameraID, device string, log zerolog.Logger) pipeline.FrameSource {
	panic("gocv capture requires the gocv build tag")
}
