package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"

	"mediaforge-backend/internal/diffusion"

	"github.com/disintegration/imaging"
	"github.com/schollz/progressbar/v3"
)

var ErrEmptyDataset = errors.New("no usable training images")

const PlaceholderWeightsFilename = "lora_weights.safetensors"

type TrainingConfig struct {
	BrandName                 string
	Steps                     int
	LearningRate              float64
	Rank                      int
	BatchSize                 int
	GradientAccumulationSteps int
	MixedPrecision            string
	Seed                      uint64
	Resolution                int
	CheckpointEvery           int

	// Progress receives a progress bar when non-nil.
	Progress io.Writer
}

func DefaultTrainingConfig(brandName string) TrainingConfig {
	return TrainingConfig{
		BrandName:                 brandName,
		Steps:                     500,
		LearningRate:              1e-4,
		Rank:                      16,
		BatchSize:                 1,
		GradientAccumulationSteps: 4,
		MixedPrecision:            "fp16",
		Seed:                      42,
		Resolution:                diffusion.TrainResolution,
		CheckpointEvery:           100,
	}
}

func (c TrainingConfig) Validate() error {
	switch {
	case c.Steps <= 0:
		return fmt.Errorf("max train steps must be positive, got %d", c.Steps)
	case c.LearningRate <= 0:
		return fmt.Errorf("learning rate must be positive, got %g", c.LearningRate)
	case c.Rank <= 0:
		return fmt.Errorf("lora rank must be positive, got %d", c.Rank)
	case c.BatchSize <= 0:
		return fmt.Errorf("batch size must be positive, got %d", c.BatchSize)
	case c.GradientAccumulationSteps <= 0:
		return fmt.Errorf("gradient accumulation steps must be positive, got %d", c.GradientAccumulationSteps)
	case c.Resolution <= 0:
		return fmt.Errorf("resolution must be positive, got %d", c.Resolution)
	}
	switch c.MixedPrecision {
	case "no", "fp16", "bf16":
	default:
		return fmt.Errorf("invalid mixed precision %q", c.MixedPrecision)
	}
	return nil
}

type TrainingResult struct {
	Steps          int
	OptimizerSteps int
	FinalLoss      float64
}

// PrepareDataset loads each image as an RGB tensor of shape [3, size, size]
// scaled to [-1, 1]. Images that cannot be decoded are skipped.
func PrepareDataset(paths []string, size int) ([]diffusion.Tensor, error) {
	if size <= 0 {
		return nil, fmt.Errorf("invalid image size %d", size)
	}

	dataset := make([]diffusion.Tensor, 0, len(paths))
	for _, path := range paths {
		img, err := imaging.Open(path)
		if err != nil {
			slog.Warn("skipping unreadable training image", "path", path, "error", err)
			continue
		}

		resized := imaging.Resize(img, size, size, imaging.Lanczos)

		t := diffusion.NewTensor(3, size, size)
		plane := size * size
		for y := 0; y < size; y++ {
			row := resized.Pix[y*resized.Stride:]
			for x := 0; x < size; x++ {
				px := row[x*4 : x*4+3]
				for c := 0; c < 3; c++ {
					t.Data[c*plane+y*size+x] = float32(px[c])/127.5 - 1
				}
			}
		}
		dataset = append(dataset, t)
	}

	slog.Info("prepared training dataset", "images", len(dataset), "skipped", len(paths)-len(dataset), "size", size)
	return dataset, nil
}

func newProgressBar(cfg TrainingConfig) *progressbar.ProgressBar {
	if cfg.Progress == nil {
		return progressbar.DefaultSilent(int64(cfg.Steps), "Training")
	}
	return progressbar.NewOptions(cfg.Steps,
		progressbar.OptionSetWriter(cfg.Progress),
		progressbar.OptionSetDescription("Training"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetPredictTime(true),
		progressbar.OptionThrottle(0),
	)
}

func trainStep(ctx context.Context, trainer diffusion.Trainer, rng *rand.Rand, batch []diffusion.Tensor, embeddings diffusion.Tensor) (float64, error) {
	var total float64
	scale := 1 / float64(len(batch))

	for _, image := range batch {
		latents, err := trainer.EncodeImage(ctx, image)
		if err != nil {
			return 0, fmt.Errorf("error encoding image: %w", err)
		}

		noise := diffusion.RandomNoise(rng, latents.Shape)
		timestep := diffusion.RandomTimestep(rng)

		noisy, err := diffusion.BlendNoise(latents, noise, timestep)
		if err != nil {
			return 0, err
		}

		pred, err := trainer.PredictNoise(ctx, noisy, timestep, embeddings)
		if err != nil {
			return 0, fmt.Errorf("error predicting noise: %w", err)
		}

		loss, err := diffusion.MSELoss(pred, noise)
		if err != nil {
			return 0, fmt.Errorf("error computing loss: %w", err)
		}
		grad, err := diffusion.MSEGrad(pred, noise, scale)
		if err != nil {
			return 0, fmt.Errorf("error computing gradient: %w", err)
		}

		if err := trainer.Backward(ctx, grad); err != nil {
			return 0, fmt.Errorf("error in backward pass: %w", err)
		}
		total += loss
	}

	return total * scale, nil
}

// Train fine-tunes adapter weights on the dataset. Each step draws
// cfg.BatchSize images in order, wrapping around the dataset. The optimizer
// steps after every GradientAccumulationSteps steps; gradients of a trailing
// partial window are never applied.
func Train(ctx context.Context, trainer diffusion.Trainer, dataset []diffusion.Tensor, cfg TrainingConfig) (TrainingResult, error) {
	if len(dataset) == 0 {
		return TrainingResult{}, ErrEmptyDataset
	}
	if err := cfg.Validate(); err != nil {
		return TrainingResult{}, err
	}

	err := trainer.Setup(ctx, diffusion.TrainerSetup{
		BaseModel:      diffusion.BaseModelID,
		Lora:           diffusion.DefaultLoraConfig(cfg.Rank),
		Optimizer:      diffusion.AdamW(cfg.LearningRate),
		MixedPrecision: cfg.MixedPrecision,
		Seed:           cfg.Seed,
	})
	if err != nil {
		return TrainingResult{}, fmt.Errorf("error setting up trainer: %w", err)
	}

	embeddings, err := trainer.EncodePrompt(ctx, diffusion.Caption(cfg.BrandName))
	if err != nil {
		return TrainingResult{}, fmt.Errorf("error encoding caption: %w", err)
	}

	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed))
	bar := newProgressBar(cfg)
	defer bar.Close() // nolint:errcheck

	slog.Info("starting training", "brand", cfg.BrandName, "images", len(dataset), "steps", cfg.Steps)

	var result TrainingResult
	batch := make([]diffusion.Tensor, cfg.BatchSize)
	for step := 0; step < cfg.Steps; step++ {
		if err := ctx.Err(); err != nil {
			return result, fmt.Errorf("training interrupted at step %d: %w", step, err)
		}

		for i := range batch {
			batch[i] = dataset[(step*cfg.BatchSize+i)%len(dataset)]
		}

		loss, err := trainStep(ctx, trainer, rng, batch, embeddings)
		if err != nil {
			return result, fmt.Errorf("training step %d failed: %w", step, err)
		}

		if (step+1)%cfg.GradientAccumulationSteps == 0 {
			if err := trainer.OptimizerStep(ctx); err != nil {
				return result, fmt.Errorf("optimizer step failed at step %d: %w", step, err)
			}
			result.OptimizerSteps++
		}

		result.Steps = step + 1
		result.FinalLoss = loss

		bar.Describe(fmt.Sprintf("Training (loss %.4f)", loss))
		_ = bar.Add(1)
		slog.Debug("training step", "step", step, "loss", loss)

		if cfg.CheckpointEvery > 0 && (step+1)%cfg.CheckpointEvery == 0 {
			slog.Info("training checkpoint", "step", step+1, "loss", loss)
		}
	}

	slog.Info("training complete", "steps", result.Steps, "optimizer_steps", result.OptimizerSteps, "final_loss", result.FinalLoss)
	return result, nil
}

// WritePlaceholderWeights writes a text file in place of real adapter
// weights. The file is not a valid safetensors container.
func WritePlaceholderWeights(dir, brandName string) (string, error) {
	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating output dir: %w", err)
	}
	path := filepath.Join(dir, PlaceholderWeightsFilename)
	content := fmt.Sprintf("LoRA weights for %s (MVP placeholder)", brandName)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("error writing placeholder weights: %w", err)
	}
	return path, nil
}
