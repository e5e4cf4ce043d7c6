package main

import (
	"fmt"
	"image"
	"image/color"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"time"

	"github.com/8ff/prettyTimer"

	"github.com/8ff/watchpost/pkg/geometry"
	"github.com/8ff/watchpost/pkg/mediaWriter"
	"github.com/8ff/watchpost/pkg/objectPredict"
)

func loadImage(filename string) (image.Image, error) {
	file, err := os.Open(filename)
	if err != nil {
		return nil, err
	}
	defer file.Close()
	img, _, err := image.Decode(file)
	return img, err
}

func bench(config objectPredict.Config, filename string, num int) {
	img, err := loadImage(filename)
	if err != nil {
		fmt.Println("Error loading image:", err)
		return
	}

	obj, err := objectPredict.Init(config)
	if err != nil {
		fmt.Println("Cannot init model:", err)
		return
	}
	defer obj.Close()

	b := img.Bounds()
	mapper := geometry.NewCropMapper(b.Dx(), b.Dy(), obj.Resolution)
	input := objectPredict.PrepareCrop(img, mapper.Crop(), obj.Resolution)

	stats := prettyTimer.NewTimingStats()
	for i := 0; i < num; i++ {
		stats.Start()
		if _, err = obj.Predict(input); err != nil {
			fmt.Println("Cannot predict:", err)
			return
		}
		stats.Finish()
	}
	stats.PrintStats()
}

// run detects objects in filename and writes out.jpg with the boxes drawn in original
// frame coordinates.
func run(config objectPredict.Config, filename string) {
	img, err := loadImage(filename)
	if err != nil {
		fmt.Println("Error loading image:", err)
		return
	}

	obj, err := objectPredict.Init(config)
	if err != nil {
		fmt.Println("Cannot init model:", err)
		return
	}
	defer obj.Close()

	b := img.Bounds()
	mapper := geometry.NewCropMapper(b.Dx(), b.Dy(), obj.Resolution)
	stats := prettyTimer.NewTimingStats()

	start := time.Now()
	objects, err := obj.Predict(objectPredict.PrepareCrop(img, mapper.Crop(), obj.Resolution))
	if err != nil {
		fmt.Println("Cannot predict:", err)
		return
	}
	stats.RecordTiming(time.Since(start))

	frame := objectPredict.ConvertToRGBA(img)
	orange := color.RGBA{255, 165, 0, 255}
	objectPredict.DrawRectangle(frame, mapper.Crop(), color.RGBA{0, 128, 255, 255}, 1)
	for _, object := range objects {
		box := mapper.ToFrame(geometry.Box{X1: float64(object.X1), Y1: float64(object.Y1), X2: float64(object.X2), Y2: float64(object.Y2)})
		rect := box.Rect()
		fmt.Println("Object:", object.ClassName, object.Confidence, rect)
		objectPredict.DrawRectangle(frame, rect, orange, 2)
		pt := image.Pt(rect.Min.X, rect.Min.Y-5)
		if rect.Min.Y-5 < 0 {
			pt = image.Pt(rect.Min.X, rect.Min.Y+20) // if the box is too close to the top of the image, put the label inside the box
		}
		objectPredict.AddLabelWithTTF(frame, fmt.Sprintf("%s %.2f", object.ClassName, object.Confidence), pt, orange, 12.0)
	}

	if err := mediaWriter.SaveJPEG("out.jpg", frame, 100); err != nil {
		fmt.Println("Cannot save out.jpg:", err)
	}
	stats.PrintStats()
}

func main() {
	args := os.Args[1:]
	if len(args) < 4 {
		fmt.Println("Usage: example <bench_cpu|bench_coreml|run> <model.onnx> <libonnxruntime> <image>")
		return
	}

	config := objectPredict.Config{ModelPath: args[1], LibPath: args[2]}
	switch args[0] {
	case "bench_cpu":
		bench(config, args[3], 50)
	case "bench_coreml":
		config.EnableCoreMl = true
		bench(config, args[3], 50)
	case "run":
		run(config, args[3])
	default:
		fmt.Println("Usage: example <bench_cpu|bench_coreml|run> <model.onnx> <libonnxruntime> <image>")
	}
}
