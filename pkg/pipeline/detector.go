package pipeline

import (
	"image"

	"github.com/8ff/watchpost/pkg/frameBuffer"
	"github.com/8ff/watchpost/pkg/geometry"
	"github.com/8ff/watchpost/pkg/objectPredict"
	"github.com/8ff/watchpost/pkg/recorder"
)

// Predictor is satisfied by objectPredict.Client and objectPredict.NetClient. Boxes are
// returned in the coordinates of the square input image.
type Predictor interface {
	Predict(img image.Image) ([]objectPredict.Object, error)
}

// FrameDetector returns detections in original frame coordinates.
type FrameDetector interface {
	Detect(f frameBuffer.Frame) ([]recorder.Detection, error)
}

// Detector crops the centered square out of each frame, runs the predictor on it and
// maps the boxes back. Only the processing goroutine may use it.
type Detector struct {
	predictor  Predictor
	resolution int
	mapper     geometry.CropMapper
	w, h       int
}

func NewDetector(p Predictor, resolution int) *Detector {
	return &Detector{predictor: p, resolution: resolution}
}

func (d *Detector) Detect(f frameBuffer.Frame) ([]recorder.Detection, error) {
	w, h := f.Size()
	if w != d.w || h != d.h {
		d.mapper = geometry.NewCropMapper(w, h, d.resolution)
		d.w, d.h = w, h
	}

	objects, err := d.predictor.Predict(objectPredict.PrepareCrop(f.Image, d.mapper.Crop(), d.resolution))
	if err != nil {
		return nil, err
	}

	dets := make([]recorder.Detection, 0, len(objects))
	for _, o := range objects {
		dets = append(dets, recorder.Detection{
			ClassID:    o.ClassID,
			ClassName:  o.ClassName,
			Confidence: o.Confidence,
			Box: d.mapper.ToFrame(geometry.Box{
				X1: float64(o.X1), Y1: float64(o.Y1), X2: float64(o.X2), Y2: float64(o.Y2),
			}),
		})
	}
	return dets, nil
}
