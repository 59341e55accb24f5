package jobs

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediaforge-backend/internal/adapter"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/core"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/storage"

	"gorm.io/gorm"
)

var ErrBrandNotReady = errors.New("brand training not complete")

type GenerateArgs struct {
	Prompt   string
	LoraPath string
	Output   string
	Width    int
	Height   int
}

// GenerateJob produces a single image from a prompt, optionally styled by an
// adapter.
type GenerateJob struct {
	Pipeline diffusion.Pipeline
	Fetcher  *assets.Fetcher
	CacheDir string
}

func (j *GenerateJob) Run(ctx context.Context, args GenerateArgs) (string, error) {
	return core.GenerateImage(ctx, j.Pipeline, j.Fetcher, core.GenerateRequest{
		Prompt:     args.Prompt,
		AdapterURI: args.LoraPath,
		OutputPath: args.Output,
		Width:      args.Width,
		Height:     args.Height,
		CacheDir:   j.CacheDir,
	})
}

type IllustrationArgs struct {
	IllustrationId string
	UserId         string
	BrandId        string
	Prompt         string
	Width          int
	Height         int
}

// IllustrationJob generates an image in a trained brand's style, publishes it
// with a thumbnail and completes the illustration record.
type IllustrationJob struct {
	DB      *gorm.DB
	Fetcher *assets.Fetcher

	// NewPipeline is called once per job; the pipeline is released when the
	// job finishes.
	NewPipeline func() (diffusion.Pipeline, error)

	Bucket        string
	PublicBaseURL string
	CacheDir      string
	WorkDir       string
}

func (j *IllustrationJob) Run(ctx context.Context, args IllustrationArgs) (database.Illustration, error) {
	slog.Info("starting illustration", "illustration_id", args.IllustrationId, "user_id", args.UserId, "brand_id", args.BrandId)

	result, err := j.run(ctx, args)
	if err != nil {
		slog.Error("illustration failed", "illustration_id", args.IllustrationId, "error", err)
		if err := database.FailIllustration(context.WithoutCancel(ctx), j.DB, args.IllustrationId, err); err != nil {
			slog.Error("error recording failed illustration", "illustration_id", args.IllustrationId, "error", err)
		}
		return database.Illustration{}, err
	}

	if err := database.CompleteIllustration(ctx, j.DB, args.IllustrationId, result); err != nil {
		return database.Illustration{}, err
	}

	slog.Info("illustration completed", "illustration_id", args.IllustrationId, "generation_time", result.GenerationTime)
	return result, nil
}

func (j *IllustrationJob) run(ctx context.Context, args IllustrationArgs) (database.Illustration, error) {
	brand, err := database.GetBrand(ctx, j.DB, args.UserId, args.BrandId)
	if err != nil {
		return database.Illustration{}, err
	}
	if brand.Status != database.BrandReady {
		return database.Illustration{}, fmt.Errorf("%w: status is %s", ErrBrandNotReady, brand.Status)
	}

	prompt := core.EnhancePrompt(args.Prompt, brand.ColorHexes(), brand.Style)
	slog.Info("enhanced prompt", "prompt", prompt, "lora_model_path", brand.LoraModelPath.String)

	if err := os.MkdirAll(j.WorkDir, os.ModePerm); err != nil {
		return database.Illustration{}, fmt.Errorf("error creating work dir: %w", err)
	}
	workDir, err := os.MkdirTemp(j.WorkDir, "illustration-")
	if err != nil {
		return database.Illustration{}, fmt.Errorf("error creating work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	adapterURI, err := j.resolveAdapter(ctx, brand.LoraModelPath.String)
	if err != nil {
		return database.Illustration{}, err
	}

	pipeline, err := j.NewPipeline()
	if err != nil {
		return database.Illustration{}, fmt.Errorf("error starting diffusion runtime: %w", err)
	}

	start := time.Now()
	output, err := core.GenerateImage(ctx, pipeline, j.Fetcher, core.GenerateRequest{
		Prompt:     prompt,
		AdapterURI: adapterURI,
		OutputPath: filepath.Join(workDir, args.IllustrationId+".png"),
		Width:      args.Width,
		Height:     args.Height,
		CacheDir:   j.CacheDir,
	})
	if err != nil {
		return database.Illustration{}, err
	}

	raw, err := os.ReadFile(output)
	if err != nil {
		return database.Illustration{}, fmt.Errorf("image generation failed, output file not created: %w", err)
	}

	image, err := core.OptimizePNG(raw)
	if err != nil {
		return database.Illustration{}, err
	}
	thumbnail, err := core.MakeThumbnail(image, core.ThumbnailSize)
	if err != nil {
		return database.Illustration{}, err
	}

	imageKey, thumbnailKey := IllustrationKeys(args.UserId, args.IllustrationId)
	if err := j.Fetcher.Store.PutObject(ctx, j.Bucket, imageKey, bytes.NewReader(image)); err != nil {
		return database.Illustration{}, fmt.Errorf("error uploading illustration: %w", err)
	}
	if err := j.Fetcher.Store.PutObject(ctx, j.Bucket, thumbnailKey, bytes.NewReader(thumbnail)); err != nil {
		return database.Illustration{}, fmt.Errorf("error uploading thumbnail: %w", err)
	}

	return database.Illustration{
		ImageURL:       j.publicURL(imageKey),
		ThumbnailURL:   j.publicURL(thumbnailKey),
		FinalPrompt:    prompt,
		GenerationTime: int(time.Since(start).Seconds()),
		Width:          args.Width,
		Height:         args.Height,
	}, nil
}

// resolveAdapter returns the adapter weights location for a brand's model
// path. Brands trained with placeholder weights have no adapter and generate
// without one.
func (j *IllustrationJob) resolveAdapter(ctx context.Context, modelPath string) (string, error) {
	uri := adapter.WeightsURI(modelPath)
	if !storage.IsURI(uri) {
		return uri, nil
	}

	bucket, key, err := storage.ParseURI(uri)
	if err != nil {
		return "", err
	}
	objs, err := j.Fetcher.Store.ListObjects(ctx, bucket, key)
	if err != nil {
		return "", fmt.Errorf("error checking adapter weights: %w", err)
	}
	for _, obj := range objs {
		if obj.Name == key {
			return uri, nil
		}
	}

	slog.Warn("brand has no adapter weights, generating without adapter", "lora_model_path", modelPath)
	return "", nil
}

func IllustrationKeys(userId, illustrationId string) (string, string) {
	base := fmt.Sprintf("illustrations/%s/%s", userId, illustrationId)
	return base + ".png", base + "_thumb.png"
}

func (j *IllustrationJob) publicURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(j.PublicBaseURL, "/"), j.Bucket, key)
}
