// Package onnx runs YOLOv8-style models through ONNX Runtime.
package onnx

import (
	"context"
	"fmt"
	"image"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"

	"github.com/technosupport/ts-inventory/internal/detector"
	"github.com/technosupport/ts-inventory/internal/metrics"
)

const (
	inputName  = "images"
	outputName = "output0"
)

var (
	envOnce sync.Once
	envErr  error
)

// Config describes the model file and runtime library.
type Config struct {
	ModelPath  string
	SharedLib  string
	NumClasses int // 0 = read from the model's output shape
	PoolSize   int
	Params     detector.Params
}

type session struct {
	sess   *ort.AdvancedSession
	input  *ort.Tensor[float32]
	output *ort.Tensor[float32]
}

// Detector owns a fixed pool of sessions. Each Detect call borrows one, so
// at most PoolSize inferences run at once.
type Detector struct {
	cfg  Config
	nc   int
	pool chan *session
	all  []*session
	log  *zap.Logger
}

// New loads the shared library once per process, builds the session pool
// and warms every session up.
func New(cfg Config, log *zap.Logger) (*Detector, error) {
	if cfg.PoolSize <= 0 {
		cfg.PoolSize = 1
	}
	if cfg.Params.ImgSize <= 0 {
		cfg.Params = detector.DefaultParams()
	}
	log = log.Named("onnx")

	envOnce.Do(func() {
		if cfg.SharedLib != "" {
			ort.SetSharedLibraryPath(cfg.SharedLib)
		}
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return nil, fmt.Errorf("init onnxruntime: %w", envErr)
	}

	anchors, nc, err := outputShape(cfg)
	if err != nil {
		return nil, err
	}

	d := &Detector{cfg: cfg, nc: nc, pool: make(chan *session, cfg.PoolSize), log: log}
	for i := 0; i < cfg.PoolSize; i++ {
		s, err := newSession(cfg, anchors, nc)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("create session %d: %w", i, err)
		}
		if err := s.sess.Run(); err != nil {
			s.destroy()
			d.Close()
			return nil, fmt.Errorf("warm up session %d: %w", i, err)
		}
		d.all = append(d.all, s)
		d.pool <- s
	}
	log.Info("model loaded",
		zap.String("model", cfg.ModelPath),
		zap.Int("imgsz", cfg.Params.ImgSize),
		zap.Int("classes", nc),
		zap.Int("sessions", cfg.PoolSize))
	return d, nil
}

// outputShape returns the anchor and class counts. Anchors follow the
// three-stride head; the class count comes from the model when it can be read.
func outputShape(cfg Config) (int, int, error) {
	s := cfg.Params.ImgSize
	if s%32 != 0 {
		return 0, 0, fmt.Errorf("imgsz %d is not a multiple of 32", s)
	}
	anchors := (s/8)*(s/8) + (s/16)*(s/16) + (s/32)*(s/32)

	nc := cfg.NumClasses
	if nc <= 0 {
		_, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
		if err != nil {
			return 0, 0, fmt.Errorf("inspect model: %w", err)
		}
		for _, o := range outputs {
			if o.Name == outputName && len(o.Dimensions) == 3 && o.Dimensions[1] > 4 {
				nc = int(o.Dimensions[1]) - 4
			}
		}
		if nc <= 0 {
			return 0, 0, fmt.Errorf("cannot infer class count from %s", cfg.ModelPath)
		}
	}
	return anchors, nc, nil
}

func newSession(cfg Config, anchors, nc int) (*session, error) {
	size := int64(cfg.Params.ImgSize)
	input, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 3, size, size))
	if err != nil {
		return nil, err
	}
	output, err := ort.NewEmptyTensor[float32](ort.NewShape(1, int64(4+nc), int64(anchors)))
	if err != nil {
		input.Destroy()
		return nil, err
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	defer opts.Destroy()
	opts.SetIntraOpNumThreads(1)
	opts.SetInterOpNumThreads(1)

	sess, err := ort.NewAdvancedSession(cfg.ModelPath,
		[]string{inputName}, []string{outputName},
		[]ort.Value{input}, []ort.Value{output}, opts)
	if err != nil {
		input.Destroy()
		output.Destroy()
		return nil, err
	}
	return &session{sess: sess, input: input, output: output}, nil
}

func (s *session) destroy() {
	s.sess.Destroy()
	s.input.Destroy()
	s.output.Destroy()
}

func (d *Detector) Detect(ctx context.Context, img image.Image) ([]detector.Detection, error) {
	var s *session
	select {
	case s = <-d.pool:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { d.pool <- s }()

	data, lb := detector.PrepareInput(img, d.cfg.Params.ImgSize)
	copy(s.input.GetData(), data)

	start := time.Now()
	if err := s.sess.Run(); err != nil {
		return nil, fmt.Errorf("inference: %w", err)
	}
	metrics.RecordInferenceLatency("onnx", time.Since(start))

	return detector.DecodeYOLOv8(s.output.GetData(), d.nc, d.cfg.Params, lb)
}

// NumClasses is the class count of the loaded model.
func (d *Detector) NumClasses() int { return d.nc }

// Close releases every session. It must not race with Detect.
func (d *Detector) Close() error {
	for _, s := range d.all {
		s.destroy()
	}
	d.all = nil
	return nil
}
