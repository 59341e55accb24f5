package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/core"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/jobs"

	"gorm.io/gorm"
)

var errAlreadyProcessed = errors.New("task already processed")

// Runtimes start the diffusion backends used by a single job. Each job
// releases what it starts.
type Runtimes struct {
	NewPipeline func() (diffusion.Pipeline, error)
	NewTrainer  func() (diffusion.Trainer, error)
}

type Worker struct {
	db        *gorm.DB
	fetcher   *assets.Fetcher
	publisher Publisher
	reciever  Reciever
	runtimes  Runtimes
	cfg       config.JobConfig
}

func NewWorker(db *gorm.DB, fetcher *assets.Fetcher, publisher Publisher, reciever Reciever, runtimes Runtimes, cfg config.JobConfig) *Worker {
	return &Worker{
		db:        db,
		fetcher:   fetcher,
		publisher: publisher,
		reciever:  reciever,
		runtimes:  runtimes,
		cfg:       cfg,
	}
}

func (w *Worker) Start() {
	slog.Info("starting worker")

	for task := range w.reciever.Tasks() {
		w.ProcessTask(task)
	}
}

func (w *Worker) Stop() {
	slog.Info("stopping worker")

	w.publisher.Close()
	w.reciever.Close()
}

func (w *Worker) ProcessTask(task Task) {
	ctx := context.Background()

	var err error
	switch task.Type() {
	case TrainBrandQueue:
		var payload TrainBrandPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling train brand task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = w.processTrainBrandTask(ctx, payload)

	case GenerateIllustrationQueue:
		var payload GenerateIllustrationPayload
		if err = json.Unmarshal(task.Payload(), &payload); err != nil {
			slog.Error("error unmarshalling generate illustration task", "error", err)
			if err := task.Reject(); err != nil { // Discard malformed message
				slog.Error("error rejecting message from queue", "error", err)
			}
			return
		}
		err = w.processGenerateIllustrationTask(ctx, payload)

	default:
		slog.Error("received unknown task type", "queue", task.Type())
		if err := task.Reject(); err != nil {
			slog.Error("error rejecting message from queue", "error", err)
		}
		return
	}

	if errors.Is(err, errAlreadyProcessed) {
		slog.Info("skipping task", "queue", task.Type(), "reason", err)
		err = nil
	}

	if err != nil {
		slog.Error("error processing task", "queue", task.Type(), "error", err)
		if err := task.Nack(); err != nil {
			slog.Error("error reporting processing failure on message from queue", "error", err)
		}
	} else {
		slog.Info("successfully processed task", "queue", task.Type())
		if err := task.Ack(); err != nil {
			slog.Error("error acknowledging message from queue", "error", err)
		}
	}
}

func (w *Worker) jobDirs(kind, id string) (jobs.Dirs, func(), error) {
	if err := os.MkdirAll(w.cfg.WorkDir, os.ModePerm); err != nil {
		return jobs.Dirs{}, nil, fmt.Errorf("error creating work dir: %w", err)
	}
	base, err := os.MkdirTemp(w.cfg.WorkDir, fmt.Sprintf("%s-%s-", kind, id))
	if err != nil {
		return jobs.Dirs{}, nil, fmt.Errorf("error creating job dir: %w", err)
	}
	dirs := jobs.Dirs{
		DataDir:   filepath.Join(base, "training_data"),
		OutputDir: filepath.Join(base, "lora_output"),
	}
	return dirs, func() { os.RemoveAll(base) }, nil
}

func (w *Worker) processTrainBrandTask(ctx context.Context, payload TrainBrandPayload) error {
	slog.Info("processing train brand task", "user_id", payload.UserId, "brand_id", payload.BrandId, "job_id", payload.JobId)

	brand, err := database.GetBrand(ctx, w.db, payload.UserId, payload.BrandId)
	if err != nil {
		return err
	}
	if brand.Status != database.BrandQueued {
		return fmt.Errorf("%w: brand %s is %s", errAlreadyProcessed, payload.BrandId, brand.Status)
	}

	dirs, cleanup, err := w.jobDirs("train", payload.BrandId)
	if err != nil {
		return err
	}
	defer cleanup()

	status := database.NewBrandStatusStore(w.db, payload.UserId, payload.BrandId)
	args := jobs.TrainArgs{
		BrandId:      payload.BrandId,
		BrandName:    payload.BrandName,
		UserId:       payload.UserId,
		InputBucket:  w.cfg.TrainingBucket,
		InputPath:    payload.TrainingDataPath,
		OutputBucket: w.cfg.ModelsBucket,
		OutputPath:   fmt.Sprintf("models/%s/", payload.BrandId),
		NumImages:    payload.NumImages,
		Training:     core.DefaultTrainingConfig(payload.BrandName),
	}

	if payload.Placeholder {
		job := jobs.PlaceholderTrainJob{Fetcher: w.fetcher, Status: status, Dirs: dirs}
		_, err := job.Run(ctx, args)
		return err
	}

	trainer, err := w.runtimes.NewTrainer()
	if err != nil {
		cause := fmt.Errorf("error starting diffusion runtime: %w", err)
		if err := status.SetFailed(ctx, cause); err != nil {
			slog.Error("error recording failed status", "brand_id", payload.BrandId, "error", err)
		}
		return cause
	}

	job := jobs.TrainJob{Fetcher: w.fetcher, Trainer: trainer, Status: status, Dirs: dirs}
	_, err = job.Run(ctx, args)
	return err
}

func (w *Worker) processGenerateIllustrationTask(ctx context.Context, payload GenerateIllustrationPayload) error {
	slog.Info("processing generate illustration task", "user_id", payload.UserId, "illustration_id", payload.IllustrationId)

	var illustration database.Illustration
	if err := w.db.WithContext(ctx).First(&illustration, "id = ?", payload.IllustrationId).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return database.ErrIllustrationNotFound
		}
		return fmt.Errorf("error loading illustration: %w", err)
	}
	if illustration.Status != database.IllustrationQueued {
		return fmt.Errorf("%w: illustration %s is %s", errAlreadyProcessed, payload.IllustrationId, illustration.Status)
	}

	job := jobs.IllustrationJob{
		DB:            w.db,
		Fetcher:       w.fetcher,
		NewPipeline:   w.runtimes.NewPipeline,
		Bucket:        w.cfg.IllustrationsBucket,
		PublicBaseURL: w.cfg.PublicBaseURL,
		CacheDir:      w.cfg.ModelCacheDir,
		WorkDir:       w.cfg.WorkDir,
	}

	_, err := job.Run(ctx, jobs.IllustrationArgs{
		IllustrationId: payload.IllustrationId,
		UserId:         payload.UserId,
		BrandId:        payload.BrandId,
		Prompt:         payload.Prompt,
		Width:          payload.Width,
		Height:         payload.Height,
	})
	return err
}
