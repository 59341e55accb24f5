package diffusion

import (
	"context"
	"fmt"
)

const (
	BaseModelID = "stabilityai/stable-diffusion-xl-base-1.0"

	InferenceSteps = 25
	GuidanceScale  = 7.5
	Seed           = 42
	AdapterScale   = 0.8

	DefaultWidth  = 1024
	DefaultHeight = 1024

	TrainTimesteps  = 1000
	TrainResolution = 1024
)

type SchedulerConfig struct {
	Name            string `json:"name"`
	UseKarrasSigmas bool   `json:"use_karras_sigmas"`
}

// FastScheduler is the multistep DPM solver with Karras sigmas used for all
// inference.
func FastScheduler() SchedulerConfig {
	return SchedulerConfig{Name: "DPMSolverMultistepScheduler", UseKarrasSigmas: true}
}

type LoadOptions struct {
	Source         string `json:"source"`
	LocalFilesOnly bool   `json:"local_files_only"`
	CacheDir       string `json:"cache_dir,omitempty"`
	SaveTo         string `json:"save_to,omitempty"`
	DType          string `json:"dtype"`
	Variant        string `json:"variant"`
}

type GenerateParams struct {
	Prompt        string  `json:"prompt"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Steps         int     `json:"num_inference_steps"`
	GuidanceScale float64 `json:"guidance_scale"`
	Seed          int64   `json:"seed"`
}

func NewGenerateParams(prompt string, width, height int) GenerateParams {
	return GenerateParams{
		Prompt:        prompt,
		Width:         width,
		Height:        height,
		Steps:         InferenceSteps,
		GuidanceScale: GuidanceScale,
		Seed:          Seed,
	}
}

func (p GenerateParams) Validate() error {
	if p.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if p.Width <= 0 || p.Height <= 0 {
		return fmt.Errorf("invalid image size %dx%d", p.Width, p.Height)
	}
	return nil
}

// Pipeline is a text-to-image diffusion pipeline.
type Pipeline interface {
	Load(ctx context.Context, opts LoadOptions) error

	SetScheduler(ctx context.Context, cfg SchedulerConfig) error

	FuseAdapter(ctx context.Context, path string, scale float64) error

	// Generate runs one denoising pass and returns the encoded PNG.
	Generate(ctx context.Context, params GenerateParams) ([]byte, error)

	Release()
}

type LoraConfig struct {
	Rank          int      `json:"r"`
	Alpha         int      `json:"lora_alpha"`
	TargetModules []string `json:"target_modules"`
	Dropout       float64  `json:"lora_dropout"`
}

func DefaultLoraConfig(rank int) LoraConfig {
	return LoraConfig{
		Rank:          rank,
		Alpha:         rank,
		TargetModules: []string{"to_k", "to_q", "to_v", "to_out.0", "add_k_proj", "add_v_proj"},
		Dropout:       0.1,
	}
}

type OptimizerConfig struct {
	LearningRate float64    `json:"learning_rate"`
	Betas        [2]float64 `json:"betas"`
	WeightDecay  float64    `json:"weight_decay"`
	Epsilon      float64    `json:"epsilon"`
}

func AdamW(learningRate float64) OptimizerConfig {
	return OptimizerConfig{
		LearningRate: learningRate,
		Betas:        [2]float64{0.9, 0.999},
		WeightDecay:  1e-2,
		Epsilon:      1e-8,
	}
}

type TrainerSetup struct {
	BaseModel      string          `json:"base_model"`
	Lora           LoraConfig      `json:"lora"`
	Optimizer      OptimizerConfig `json:"optimizer"`
	MixedPrecision string          `json:"mixed_precision"`
	Seed           uint64          `json:"seed"`
}

// Trainer exposes the primitives of adapter fine-tuning. Gradients passed to
// Backward accumulate until OptimizerStep applies and clears them.
type Trainer interface {
	Setup(ctx context.Context, setup TrainerSetup) error

	EncodeImage(ctx context.Context, image Tensor) (Tensor, error)

	EncodePrompt(ctx context.Context, caption string) (Tensor, error)

	PredictNoise(ctx context.Context, noisy Tensor, timestep int, embeddings Tensor) (Tensor, error)

	Backward(ctx context.Context, grad Tensor) error

	OptimizerStep(ctx context.Context) error

	SaveAdapter(ctx context.Context, dir string) error

	Release()
}

type Runtime interface {
	Pipeline
	Trainer
}
