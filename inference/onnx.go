package inference

import (
	"context"
	"fmt"
	"image"
	"runtime"
	"sync"

	"github.com/disintegration/imaging"
	ort "github.com/yalue/onnxruntime_go"
)

// ONNXAdapter runs a YOLO ONNX model through onnxruntime. A single
// adapter serializes its own Run calls; use an AdapterPool for
// concurrency.
type ONNXAdapter struct {
	mu          sync.Mutex
	modelPath   string
	inputWidth  int
	inputHeight int

	session     *ort.DynamicAdvancedSession
	inputNames  []string
	outputNames []string

	bufPool sync.Pool
}

// NewONNXAdapter loads the model and creates a session. The onnxruntime
// environment must already be initialized (see ort.InitializeEnvironment).
func NewONNXAdapter(modelPath string, inputWidth, inputHeight int) (*ONNXAdapter, error) {
	a := &ONNXAdapter{
		modelPath:   modelPath,
		inputWidth:  inputWidth,
		inputHeight: inputHeight,
	}
	a.bufPool.New = func() interface{} {
		buf := make([]float32, 3*inputWidth*inputHeight)
		return &buf
	}
	if err := a.initSession(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *ONNXAdapter) initSession() error {
	inputInfo, outputInfo, err := ort.GetInputOutputInfo(a.modelPath)
	if err != nil {
		return fmt.Errorf("query model info: %w", err)
	}
	a.inputNames = make([]string, len(inputInfo))
	for i, info := range inputInfo {
		a.inputNames[i] = info.Name
	}
	a.outputNames = make([]string, len(outputInfo))
	for i, info := range outputInfo {
		a.outputNames[i] = info.Name
	}

	session, err := ort.NewDynamicAdvancedSession(a.modelPath, a.inputNames, a.outputNames, nil)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	a.session = session
	return nil
}

// Infer resizes the image to the model input size, converts it to a CHW
// float32 tensor and runs the session. The returned Output owns its
// buffer; tensor memory is released before returning.
func (a *ONNXAdapter) Infer(ctx context.Context, img image.Image) (*Output, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session == nil {
		return nil, ErrAdapterClosed
	}

	resized := imaging.Resize(img, a.inputWidth, a.inputHeight, imaging.Linear)

	bufPtr := a.bufPool.Get().(*[]float32)
	buf := *bufPtr
	a.prepareInput(resized, buf)

	inputShape := ort.NewShape(1, 3, int64(a.inputHeight), int64(a.inputWidth))
	inputTensor, err := ort.NewTensor(inputShape, buf)
	if err != nil {
		a.bufPool.Put(bufPtr)
		return nil, fmt.Errorf("create input tensor: %w", err)
	}

	outputs := make([]ort.Value, 1)
	err = a.session.Run([]ort.Value{inputTensor}, outputs)
	inputTensor.Destroy()
	a.bufPool.Put(bufPtr)
	if err != nil {
		return nil, fmt.Errorf("model inference: %w", err)
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	outTensor, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}

	src := outTensor.GetData()
	out := &Output{
		Data:  make([]float32, len(src)),
		Shape: append([]int64(nil), outTensor.GetShape()...),
	}
	copy(out.Data, src)
	return out, nil
}

// prepareInput fills buf with the resized image as three contiguous
// planes of normalized floats, splitting rows across workers.
func (a *ONNXAdapter) prepareInput(pic *image.NRGBA, buf []float32) {
	channelSize := a.inputWidth * a.inputHeight
	numWorkers := runtime.NumCPU()
	if numWorkers > a.inputHeight {
		numWorkers = a.inputHeight
	}
	rowsPerWorker := a.inputHeight / numWorkers

	var wg sync.WaitGroup
	wg.Add(numWorkers)
	for w := 0; w < numWorkers; w++ {
		startY := w * rowsPerWorker
		endY := startY + rowsPerWorker
		if w == numWorkers-1 {
			endY = a.inputHeight
		}
		go func(startY, endY int) {
			defer wg.Done()
			for y := startY; y < endY; y++ {
				offset := y * a.inputWidth
				for x := 0; x < a.inputWidth; x++ {
					i := offset + x
					p := y*pic.Stride + x*4
					buf[i] = float32(pic.Pix[p]) / 255.0
					buf[channelSize+i] = float32(pic.Pix[p+1]) / 255.0
					buf[channelSize*2+i] = float32(pic.Pix[p+2]) / 255.0
				}
			}
		}(startY, endY)
	}
	wg.Wait()
}

// Reinitialize drops the current session and builds a fresh one from the
// model on disk.
func (a *ONNXAdapter) Reinitialize() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.session.Destroy()
		a.session = nil
	}
	return a.initSession()
}

// Close destroys the session. The adapter cannot be used afterwards.
func (a *ONNXAdapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.session != nil {
		a.session.Destroy()
		a.session = nil
	}
	return nil
}
