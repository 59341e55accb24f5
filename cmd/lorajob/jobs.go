package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mediaforge-backend/cmd"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/core"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/jobs"
	"mediaforge-backend/internal/storage"

	"github.com/spf13/cobra"
)

var generateArgs jobs.GenerateArgs

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate one image, optionally styled by a brand adapter",
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		runtimeCfg, err := config.Load[config.RuntimeConfig]()
		if err != nil {
			return err
		}
		jobCfg, err := config.Load[config.JobConfig]()
		if err != nil {
			return err
		}

		var fetcher *assets.Fetcher
		if storage.IsURI(generateArgs.LoraPath) {
			if fetcher, err = newFetcher(ctx); err != nil {
				return err
			}
		}

		pipeline, err := cmd.NewRuntimes(runtimeCfg).NewPipeline()
		if err != nil {
			return err
		}

		job := jobs.GenerateJob{Pipeline: pipeline, Fetcher: fetcher, CacheDir: jobCfg.ModelCacheDir}
		output, err := job.Run(ctx, generateArgs)
		if err != nil {
			return err
		}

		fmt.Println(output)
		return nil
	},
}

var trainArgs = jobs.TrainArgs{Training: core.DefaultTrainingConfig("")}

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train a brand style adapter and upload its weights",
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := loadJobEnv(ctx)
		if err != nil {
			return err
		}

		trainArgs.Training.BrandName = trainArgs.BrandName
		trainArgs.Training.Progress = os.Stderr

		runtimeCfg, err := config.Load[config.RuntimeConfig]()
		if err != nil {
			return recordStartupFailure(ctx, env.status, err)
		}
		trainer, err := cmd.NewRuntimes(runtimeCfg).NewTrainer()
		if err != nil {
			return recordStartupFailure(ctx, env.status, err)
		}

		job := jobs.TrainJob{Fetcher: env.fetcher, Trainer: trainer, Status: env.status, Dirs: env.dirs}
		modelPath, err := job.Run(ctx, trainArgs)
		if err != nil {
			return err
		}

		fmt.Println(modelPath)
		return nil
	},
}

var placeholderCmd = &cobra.Command{
	Use:   "train-placeholder",
	Short: "Write placeholder adapter weights for a brand without training",
	RunE: func(c *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(c.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := loadJobEnv(ctx)
		if err != nil {
			return err
		}

		job := jobs.PlaceholderTrainJob{Fetcher: env.fetcher, Status: env.status, Dirs: env.dirs}
		modelPath, err := job.Run(ctx, trainArgs)
		if err != nil {
			return err
		}

		fmt.Println(modelPath)
		return nil
	},
}

func init() {
	f := generateCmd.Flags()
	f.StringVar(&generateArgs.Prompt, "prompt", "", "text prompt for generation")
	f.StringVar(&generateArgs.LoraPath, "lora_path", "", "path to LoRA weights (gs://, s3:// or local)")
	f.StringVar(&generateArgs.Output, "output", "output.png", "output path for the generated image")
	f.IntVar(&generateArgs.Width, "width", 1024, "image width")
	f.IntVar(&generateArgs.Height, "height", 1024, "image height")
	_ = generateCmd.MarkFlagRequired("prompt")

	for _, c := range []*cobra.Command{trainCmd, placeholderCmd} {
		f := c.Flags()
		f.StringVar(&trainArgs.BrandId, "brand_id", "", "brand id")
		f.StringVar(&trainArgs.BrandName, "brand_name", "", "brand name")
		f.StringVar(&trainArgs.UserId, "user_id", "", "user id")
		f.StringVar(&trainArgs.InputBucket, "input_bucket", "", "input bucket name")
		f.StringVar(&trainArgs.InputPath, "input_path", "", "input path in bucket")
		f.StringVar(&trainArgs.OutputBucket, "output_bucket", "", "output bucket name")
		f.StringVar(&trainArgs.OutputPath, "output_path", "", "output path in bucket")
		f.IntVar(&trainArgs.NumImages, "num_images", 20, "number of training images")
		for _, name := range []string{"brand_id", "brand_name", "user_id", "input_bucket", "input_path", "output_bucket", "output_path"} {
			_ = c.MarkFlagRequired(name)
		}
	}

	f = trainCmd.Flags()
	f.IntVar(&trainArgs.Training.Steps, "max_train_steps", trainArgs.Training.Steps, "max training steps")
	f.Float64Var(&trainArgs.Training.LearningRate, "learning_rate", trainArgs.Training.LearningRate, "learning rate")
	f.IntVar(&trainArgs.Training.Rank, "rank", trainArgs.Training.Rank, "LoRA rank")
	f.IntVar(&trainArgs.Training.BatchSize, "batch_size", trainArgs.Training.BatchSize, "batch size")
	f.IntVar(&trainArgs.Training.GradientAccumulationSteps, "gradient_accumulation_steps", trainArgs.Training.GradientAccumulationSteps, "gradient accumulation steps")
	f.StringVar(&trainArgs.Training.MixedPrecision, "mixed_precision", trainArgs.Training.MixedPrecision, "mixed precision mode")
	f.Uint64Var(&trainArgs.Training.Seed, "seed", trainArgs.Training.Seed, "random seed")
}

type jobEnv struct {
	fetcher *assets.Fetcher
	status  *database.BrandStatusStore
	dirs    jobs.Dirs
}

func newFetcher(ctx context.Context) (*assets.Fetcher, error) {
	storageCfg, err := config.Load[config.StorageConfig]()
	if err != nil {
		return nil, err
	}
	store, err := storage.NewProvider(ctx, storageCfg)
	if err != nil {
		return nil, fmt.Errorf("error creating storage client: %w", err)
	}
	return assets.NewFetcher(store), nil
}

func loadJobEnv(ctx context.Context) (jobEnv, error) {
	dbCfg, err := config.Load[config.DatabaseConfig]()
	if err != nil {
		return jobEnv{}, err
	}
	jobCfg, err := config.Load[config.JobConfig]()
	if err != nil {
		return jobEnv{}, err
	}

	db, err := database.NewDatabase(dbCfg.DatabaseURL)
	if err != nil {
		return jobEnv{}, fmt.Errorf("error connecting to database: %w", err)
	}
	status := database.NewBrandStatusStore(db, trainArgs.UserId, trainArgs.BrandId)

	fetcher, err := newFetcher(ctx)
	if err != nil {
		return jobEnv{}, recordStartupFailure(ctx, status, err)
	}

	return jobEnv{
		fetcher: fetcher,
		status:  status,
		dirs:    jobs.Dirs{DataDir: jobCfg.TrainingDataDir, OutputDir: jobCfg.LoraOutputDir},
	}, nil
}

func recordStartupFailure(ctx context.Context, status *database.BrandStatusStore, cause error) error {
	if err := status.SetFailed(context.WithoutCancel(ctx), cause); err != nil {
		return fmt.Errorf("%w (also failed to record status: %v)", cause, err)
	}
	return cause
}
