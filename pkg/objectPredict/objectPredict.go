package objectPredict

import (
	"fmt"
	"image"
	"image/color"
	"math"
	"os"
	"runtime"
	"sort"
	"sync"

	onnx "github.com/8ff/onnxruntime_go"
	"github.com/nfnt/resize"
	"golang.org/x/image/draw"
)

type Config struct {
	ModelPath    string
	LibPath      string
	Resolution   int // square model input, 640 for the stock yolov8 exports
	EnableCuda   bool
	EnableCoreMl bool
	// MinConfidence drops raw candidates before NMS.
	MinConfidence float32
}

type Client struct {
	ModelPath      string
	LibPath        string
	Resolution     int
	RuntimeSession ModelSession
	EnableCuda     bool
	EnableCoreMl   bool
	minConfidence  float32

	mu sync.Mutex
}

type ModelSession struct {
	Session *onnx.AdvancedSession
	Input   *onnx.Tensor[float32]
	Output  *onnx.Tensor[float32]
}

// Object is one detection in model input coordinates.
type Object struct {
	ClassName  string
	ClassID    int
	Confidence float32
	X1         float32 // Left
	Y1         float32 // Top
	X2         float32 // Right
	Y2         float32 // Bottom
}

var initOnce sync.Once
var initErr error

func Init(opt Config) (*Client, error) {
	hostOs, hostArch := runtime.GOOS, runtime.GOARCH
	switch {
	case hostOs == "darwin" && opt.EnableCuda:
		return nil, fmt.Errorf("cuda not supported on %s/%s", hostOs, hostArch)
	case hostOs == "linux" && opt.EnableCoreMl:
		return nil, fmt.Errorf("coreml not supported on %s/%s", hostOs, hostArch)
	}

	if _, err := os.Stat(opt.LibPath); err != nil {
		return nil, fmt.Errorf("libPath does not exist: %s", opt.LibPath)
	}
	if _, err := os.Stat(opt.ModelPath); err != nil {
		return nil, fmt.Errorf("modelPath does not exist: %s", opt.ModelPath)
	}

	client := &Client{
		ModelPath:     opt.ModelPath,
		LibPath:       opt.LibPath,
		Resolution:    opt.Resolution,
		EnableCuda:    opt.EnableCuda,
		EnableCoreMl:  opt.EnableCoreMl,
		minConfidence: opt.MinConfidence,
	}
	if client.Resolution == 0 {
		client.Resolution = 640
	}
	if client.Resolution%32 != 0 {
		return nil, fmt.Errorf("resolution %d is not a multiple of 32", client.Resolution)
	}
	if client.minConfidence <= 0 {
		client.minConfidence = 0.25
	}

	ses, err := client.initSession()
	if err != nil {
		return nil, err
	}
	client.RuntimeSession = ses
	return client, nil
}

// Predict runs the model on img, which is scaled to the model resolution first when it
// is not already that size. Boxes are in model input coordinates.
func (c *Client) Predict(img image.Image) ([]Object, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	input := c.prepareInput(img)
	copy(c.RuntimeSession.Input.GetData(), input)
	if err := c.RuntimeSession.Session.Run(); err != nil {
		return nil, fmt.Errorf("error running session: %w", err)
	}
	return processOutput(c.RuntimeSession.Output.GetData(), c.Resolution, c.minConfidence), nil
}

func (c *Client) initSession() (ModelSession, error) {
	initOnce.Do(func() {
		onnx.SetSharedLibraryPath(c.LibPath)
		initErr = onnx.InitializeEnvironment()
	})
	if initErr != nil {
		return ModelSession{}, fmt.Errorf("error initializing onnxruntime: %w", initErr)
	}

	options, err := onnx.NewSessionOptions()
	if err != nil {
		return ModelSession{}, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if c.EnableCoreMl {
		if err := options.AppendExecutionProviderCoreML(0); err != nil {
			return ModelSession{}, fmt.Errorf("error enabling coreml: %w", err)
		}
	}

	res := int64(c.Resolution)
	inputTensor, err := onnx.NewTensor(onnx.NewShape(1, 3, res, res), make([]float32, 3*res*res))
	if err != nil {
		return ModelSession{}, fmt.Errorf("error creating input tensor: %w", err)
	}

	outputTensor, err := onnx.NewEmptyTensor[float32](onnx.NewShape(1, int64(4+len(Yolo_classes)), int64(anchors(c.Resolution))))
	if err != nil {
		inputTensor.Destroy()
		return ModelSession{}, fmt.Errorf("error creating output tensor: %w", err)
	}

	session, err := onnx.NewAdvancedSession(c.ModelPath,
		[]string{"images"}, []string{"output0"},
		[]onnx.ArbitraryTensor{inputTensor}, []onnx.ArbitraryTensor{outputTensor}, options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return ModelSession{}, fmt.Errorf("error creating session: %w", err)
	}

	return ModelSession{
		Session: session,
		Input:   inputTensor,
		Output:  outputTensor,
	}, nil
}

// anchors is the number of candidate boxes a yolov8 head emits for a square input.
func anchors(resolution int) int {
	n := 0
	for _, stride := range []int{8, 16, 32} {
		side := resolution / stride
		n += side * side
	}
	return n
}

// PrepareCrop cuts crop out of img and scales it to a resolution×resolution square.
func PrepareCrop(img image.Image, crop image.Rectangle, resolution int) *image.RGBA {
	var src image.Image = img
	if sub, ok := img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		src = sub.SubImage(crop)
	} else {
		rgba := image.NewRGBA(image.Rect(0, 0, crop.Dx(), crop.Dy()))
		draw.Draw(rgba, rgba.Bounds(), img, crop.Min, draw.Src)
		src = rgba
	}
	if crop.Dx() == resolution && crop.Dy() == resolution {
		return ConvertToRGBA(src)
	}
	return ConvertToRGBA(resize.Resize(uint(resolution), uint(resolution), src, resize.Bilinear))
}

func (c *Client) prepareInput(img image.Image) []float32 {
	size := c.Resolution
	b := img.Bounds()
	var rgba *image.RGBA
	if b.Dx() != size || b.Dy() != size {
		rgba = ConvertToRGBA(resize.Resize(uint(size), uint(size), img, resize.Bilinear))
	} else {
		rgba = ConvertToRGBA(img)
	}
	return tensorCHW(rgba, size)
}

// tensorCHW lays the pixels out as three planes of normalized floats, rows split across
// one goroutine per CPU.
func tensorCHW(img *image.RGBA, size int) []float32 {
	plane := size * size
	inputArray := make([]float32, plane*3)

	var wg sync.WaitGroup
	workers := runtime.NumCPU()
	rows := (size + workers - 1) / workers
	origin := img.Bounds().Min

	for startY := 0; startY < size; startY += rows {
		endY := min(startY+rows, size)
		wg.Add(1)
		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				off := img.PixOffset(origin.X, origin.Y+y)
				for x := 0; x < size; x++ {
					idx := y*size + x
					inputArray[idx] = float32(img.Pix[off]) / 255.0
					inputArray[idx+plane] = float32(img.Pix[off+1]) / 255.0
					inputArray[idx+2*plane] = float32(img.Pix[off+2]) / 255.0
					off += 4
				}
			}
		}(startY, endY)
	}
	wg.Wait()
	return inputArray
}

// processOutput decodes a [1, 4+classes, anchors] yolov8 output and applies
// non maximum suppression, highest confidence first.
func processOutput(output []float32, resolution int, threshold float32) []Object {
	n := anchors(resolution)
	classes := len(Yolo_classes)
	if len(output) < n*(4+classes) {
		return nil
	}

	objects := []Object{}
	for idx := 0; idx < n; idx++ {
		classID, probability := 0, float32(0.0)
		for col := 0; col < classes; col++ {
			currentProb := output[n*(col+4)+idx]
			if currentProb > probability {
				probability = currentProb
				classID = col
			}
		}
		if probability < threshold {
			continue
		}

		xc, yc, w, h := output[idx], output[n+idx], output[2*n+idx], output[3*n+idx]
		objects = append(objects, Object{
			ClassName:  Yolo_classes[classID],
			ClassID:    classID,
			Confidence: probability,
			X1:         xc - w/2,
			Y1:         yc - h/2,
			X2:         xc + w/2,
			Y2:         yc + h/2,
		})
	}

	sort.SliceStable(objects, func(i, j int) bool {
		return objects[i].Confidence > objects[j].Confidence
	})

	result := []Object{}
	for len(objects) > 0 {
		first := objects[0]
		result = append(result, first)
		tmp := []Object{}
		for _, object := range objects[1:] {
			if object.ClassID != first.ClassID || iou(first, object) < 0.7 {
				tmp = append(tmp, object)
			}
		}
		objects = tmp
	}
	return result
}

func iou(box1, box2 Object) float64 {
	u := union(box1, box2)
	if u <= 0 {
		return 0
	}
	return intersection(box1, box2) / u
}

func union(box1, box2 Object) float64 {
	area1 := (float64(box1.X2) - float64(box1.X1)) * (float64(box1.Y2) - float64(box1.Y1))
	area2 := (float64(box2.X2) - float64(box2.X1)) * (float64(box2.Y2) - float64(box2.Y1))
	return area1 + area2 - intersection(box1, box2)
}

func intersection(box1, box2 Object) float64 {
	x1 := math.Max(float64(box1.X1), float64(box2.X1))
	y1 := math.Max(float64(box1.Y1), float64(box2.Y1))
	x2 := math.Min(float64(box1.X2), float64(box2.X2))
	y2 := math.Min(float64(box1.Y2), float64(box2.Y2))
	if x2 < x1 || y2 < y1 {
		return 0
	}
	return (x2 - x1) * (y2 - y1)
}

// Array of YOLOv8 class labels
var Yolo_classes = []string{
	"person", "bicycle", "car", "motorcycle", "airplane", "bus", "train", "truck", "boat",
	"traffic light", "fire hydrant", "stop sign", "parking meter", "bench", "bird", "cat", "dog", "horse",
	"sheep", "cow", "elephant", "bear", "zebra", "giraffe", "backpack", "umbrella", "handbag", "tie",
	"suitcase", "frisbee", "skis", "snowboard", "sports ball", "kite", "baseball bat", "baseball glove",
	"skateboard", "surfboard", "tennis racket", "bottle", "wine glass", "cup", "fork", "knife", "spoon",
	"bowl", "banana", "apple", "sandwich", "orange", "broccoli", "carrot", "hot dog", "pizza", "donut",
	"cake", "chair", "couch", "potted plant", "bed", "dining table", "toilet", "tv", "laptop", "mouse",
	"remote", "keyboard", "cell phone", "microwave", "oven", "toaster", "sink", "refrigerator", "book",
	"clock", "vase", "scissors", "teddy bear", "hair drier", "toothbrush",
}

// ClassName returns the label of a class id, or "class <id>" for unknown ids.
func ClassName(id int) string {
	if id >= 0 && id < len(Yolo_classes) {
		return Yolo_classes[id]
	}
	return fmt.Sprintf("class %d", id)
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.RuntimeSession.Session != nil {
		c.RuntimeSession.Session.Destroy()
	}
	if c.RuntimeSession.Input != nil {
		c.RuntimeSession.Input.Destroy()
	}
	if c.RuntimeSession.Output != nil {
		c.RuntimeSession.Output.Destroy()
	}
	return nil
}

// ConvertToRGBA converts an image.Image to *image.RGBA
func ConvertToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Bounds().Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Bounds(), img, b.Min, draw.Src)
	return rgba
}

func CreateBlankImage(width, height int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	draw.Draw(img, img.Bounds(), &image.Uniform{color.RGBA{0, 0, 0, 255}}, image.Point{}, draw.Src)
	return img
}
