package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"time"

	"mediaforge-backend/internal/adapter"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/core"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/storage"
)

type TrainArgs struct {
	BrandId   string
	BrandName string
	UserId    string

	InputBucket  string
	InputPath    string
	OutputBucket string
	OutputPath   string

	// NumImages is the count reported by the caller. The downloaded count is
	// what gets validated and recorded.
	NumImages int

	Training core.TrainingConfig
}

// Dirs are the local working directories of a training job.
type Dirs struct {
	DataDir   string
	OutputDir string
}

func (d Dirs) prepare() error {
	for _, dir := range []string{d.DataDir, d.OutputDir} {
		if err := os.MkdirAll(dir, os.ModePerm); err != nil {
			return fmt.Errorf("error creating working dir %s: %w", dir, err)
		}
	}
	return nil
}

// TrainJob downloads a brand's images, trains an adapter on them and uploads
// the weights with a metadata record.
type TrainJob struct {
	Fetcher *assets.Fetcher
	Trainer diffusion.Trainer
	Status  StatusRecorder
	Dirs    Dirs
}

func (j *TrainJob) Run(ctx context.Context, args TrainArgs) (string, error) {
	slog.Info("starting adapter training", "brand_id", args.BrandId, "brand_name", args.BrandName, "user_id", args.UserId)

	defer j.Trainer.Release()

	if err := j.Status.SetTraining(ctx); err != nil {
		return "", recordFailure(ctx, j.Status, fmt.Errorf("error marking brand training: %w", err))
	}

	modelPath, err := j.run(ctx, args)
	if err != nil {
		return "", recordFailure(ctx, j.Status, err)
	}

	if err := j.Status.SetReady(ctx, modelPath); err != nil {
		return "", recordFailure(ctx, j.Status, fmt.Errorf("error marking brand ready: %w", err))
	}

	slog.Info("training complete", "brand_id", args.BrandId, "model_path", modelPath)
	return modelPath, nil
}

func (j *TrainJob) run(ctx context.Context, args TrainArgs) (string, error) {
	if err := j.Dirs.prepare(); err != nil {
		return "", err
	}

	paths, err := j.Fetcher.FetchImages(ctx, args.InputBucket, args.InputPath, j.Dirs.DataDir)
	if err != nil {
		return "", err
	}
	if err := assets.CheckImageCount(len(paths)); err != nil {
		return "", err
	}

	dataset, err := core.PrepareDataset(paths, args.Training.Resolution)
	if err != nil {
		return "", err
	}

	start := time.Now()
	if _, err := core.Train(ctx, j.Trainer, dataset, args.Training); err != nil {
		return "", err
	}
	slog.Info("training loop finished", "duration", time.Since(start))

	if err := j.Trainer.SaveAdapter(ctx, j.Dirs.OutputDir); err != nil {
		return "", fmt.Errorf("error saving adapter weights: %w", err)
	}

	modelPath, err := j.Fetcher.UploadDir(ctx, j.Dirs.OutputDir, args.OutputBucket, args.OutputPath, adapter.WeightFileExtensions)
	if err != nil {
		return "", err
	}

	meta := adapter.Metadata{
		BrandID:       args.BrandId,
		NumImages:     len(paths),
		TrainingSteps: args.Training.Steps,
		LearningRate:  args.Training.LearningRate,
		LoraRank:      args.Training.Rank,
		ModelPath:     modelPath,
	}
	if err := uploadMetadata(ctx, j.Fetcher.Store, j.Dirs.OutputDir, args.OutputBucket, args.OutputPath, meta); err != nil {
		return "", err
	}

	recordRun(ctx, j.Status, variantFull, modelPath, meta)

	return modelPath, nil
}

func uploadMetadata(ctx context.Context, store storage.Provider, dir, bucket, prefix string, meta adapter.Metadata) error {
	local, err := adapter.WriteMetadata(dir, meta)
	if err != nil {
		return err
	}

	file, err := os.Open(local)
	if err != nil {
		return fmt.Errorf("error opening training metadata: %w", err)
	}
	defer file.Close()

	key := path.Join(prefix, adapter.MetadataFilename)
	if err := store.PutObject(ctx, bucket, key, file); err != nil {
		return fmt.Errorf("error uploading training metadata: %w", err)
	}
	slog.Info("uploaded training metadata", "bucket", bucket, "key", key)
	return nil
}

const (
	variantFull        = "full"
	variantPlaceholder = "placeholder"
)

func recordRun(ctx context.Context, status StatusRecorder, variant, modelPath string, metadata any) {
	recorder, ok := status.(RunRecorder)
	if !ok {
		return
	}
	if err := recorder.RecordRun(ctx, variant, modelPath, metadata); err != nil {
		slog.Warn("error recording training run", "variant", variant, "error", err)
	}
}

// PlaceholderTrainJob runs the training bookkeeping without training. The
// uploaded weights file is plain text.
type PlaceholderTrainJob struct {
	Fetcher *assets.Fetcher
	Status  StatusRecorder
	Dirs    Dirs
}

func (j *PlaceholderTrainJob) Run(ctx context.Context, args TrainArgs) (string, error) {
	slog.Info("starting placeholder training", "brand_id", args.BrandId, "brand_name", args.BrandName)

	if err := j.Status.SetTraining(ctx); err != nil {
		return "", recordFailure(ctx, j.Status, fmt.Errorf("error marking brand training: %w", err))
	}

	modelPath, err := j.run(ctx, args)
	if err != nil {
		return "", recordFailure(ctx, j.Status, err)
	}

	if err := j.Status.SetReady(ctx, modelPath); err != nil {
		return "", recordFailure(ctx, j.Status, fmt.Errorf("error marking brand ready: %w", err))
	}

	slog.Info("placeholder training complete", "brand_id", args.BrandId, "model_path", modelPath)
	return modelPath, nil
}

func (j *PlaceholderTrainJob) run(ctx context.Context, args TrainArgs) (string, error) {
	if err := j.Dirs.prepare(); err != nil {
		return "", err
	}

	paths, err := j.Fetcher.FetchImages(ctx, args.InputBucket, args.InputPath, j.Dirs.DataDir)
	if err != nil {
		return "", err
	}
	if err := assets.CheckImageCount(len(paths)); err != nil {
		return "", err
	}

	weights, err := core.WritePlaceholderWeights(j.Dirs.OutputDir, args.BrandName)
	if err != nil {
		return "", err
	}
	slog.Warn("wrote placeholder adapter weights", "path", weights)

	modelPath, err := j.Fetcher.UploadDir(ctx, j.Dirs.OutputDir, args.OutputBucket, args.OutputPath, nil)
	if err != nil {
		return "", err
	}

	recordRun(ctx, j.Status, variantPlaceholder, modelPath, map[string]any{
		"brand_id":   args.BrandId,
		"num_images": len(paths),
		"weights":    filepath.Base(weights),
	})

	return modelPath, nil
}
