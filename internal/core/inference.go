package core

import (
	"bytes"
	"context"
	"fmt"
	"image/png"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/diffusion"

	"github.com/disintegration/imaging"
)

const (
	localModelDirName = "sdxl-base"
	ThumbnailSize     = 256
)

type GenerateRequest struct {
	Prompt     string
	AdapterURI string
	OutputPath string
	Width      int
	Height     int
	CacheDir   string
}

// ResolveModelSource loads from the local copy of the base model when one
// exists, otherwise from the registry while saving a local copy.
func ResolveModelSource(cacheDir string) diffusion.LoadOptions {
	local := filepath.Join(cacheDir, localModelDirName)
	if _, err := os.Stat(local); err == nil {
		return diffusion.LoadOptions{
			Source:         local,
			LocalFilesOnly: true,
			DType:          "float16",
			Variant:        "fp16",
		}
	}
	return diffusion.LoadOptions{
		Source:   diffusion.BaseModelID,
		CacheDir: cacheDir,
		SaveTo:   local,
		DType:    "float16",
		Variant:  "fp16",
	}
}

func resolveAdapter(ctx context.Context, fetcher *assets.Fetcher, uri, cacheDir string) (string, error) {
	if uri == "" {
		return "", nil
	}
	if fetcher == nil {
		return uri, nil
	}
	return fetcher.EnsureURI(ctx, uri, cacheDir)
}

// GenerateImage runs one fixed-seed generation and writes the PNG to
// req.OutputPath. The pipeline is released before returning.
func GenerateImage(ctx context.Context, pipeline diffusion.Pipeline, fetcher *assets.Fetcher, req GenerateRequest) (string, error) {
	defer pipeline.Release()

	params := diffusion.NewGenerateParams(req.Prompt, req.Width, req.Height)
	if err := params.Validate(); err != nil {
		return "", err
	}

	start := time.Now()
	if err := os.MkdirAll(req.CacheDir, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating model cache dir: %w", err)
	}

	source := ResolveModelSource(req.CacheDir)
	slog.Info("loading base model", "source", source.Source, "local_files_only", source.LocalFilesOnly)
	if err := pipeline.Load(ctx, source); err != nil {
		return "", fmt.Errorf("error loading base model: %w", err)
	}
	if err := pipeline.SetScheduler(ctx, diffusion.FastScheduler()); err != nil {
		return "", fmt.Errorf("error setting scheduler: %w", err)
	}
	slog.Info("model loaded", "duration", time.Since(start))

	adapterPath, err := resolveAdapter(ctx, fetcher, req.AdapterURI, req.CacheDir)
	if err != nil {
		return "", fmt.Errorf("error fetching adapter: %w", err)
	}
	if adapterPath != "" {
		if _, err := os.Stat(adapterPath); err == nil {
			if err := pipeline.FuseAdapter(ctx, adapterPath, diffusion.AdapterScale); err != nil {
				return "", fmt.Errorf("error fusing adapter %s: %w", adapterPath, err)
			}
			slog.Info("adapter fused", "path", adapterPath, "scale", diffusion.AdapterScale)
		} else {
			slog.Warn("adapter not found, generating without it", "path", adapterPath)
		}
	}

	genStart := time.Now()
	img, err := pipeline.Generate(ctx, params)
	if err != nil {
		return "", fmt.Errorf("error generating image: %w", err)
	}
	slog.Info("image generated", "duration", time.Since(genStart), "width", params.Width, "height", params.Height)

	if err := os.MkdirAll(filepath.Dir(req.OutputPath), os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating output dir: %w", err)
	}
	if err := os.WriteFile(req.OutputPath, img, 0644); err != nil {
		return "", fmt.Errorf("error writing image: %w", err)
	}
	slog.Info("image saved", "path", req.OutputPath, "total_duration", time.Since(start))

	return req.OutputPath, nil
}

// EnhancePrompt appends brand colors and style to a user prompt.
func EnhancePrompt(prompt string, colors []string, style string) string {
	var sb strings.Builder
	sb.WriteString(prompt)
	if len(colors) > 0 {
		sb.WriteString(", incorporating brand colors ")
		sb.WriteString(strings.Join(colors, ", "))
	}
	if style != "" {
		sb.WriteString(", in ")
		sb.WriteString(style)
		sb.WriteString(" style")
	}
	return sb.String()
}

// OptimizePNG re-encodes an image with maximum PNG compression.
func OptimizePNG(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG, imaging.PNGCompressionLevel(png.BestCompression)); err != nil {
		return nil, fmt.Errorf("error encoding image: %w", err)
	}
	return buf.Bytes(), nil
}

// MakeThumbnail scales and center-crops an image to size x size.
func MakeThumbnail(data []byte, size int) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("error decoding image: %w", err)
	}
	thumb := imaging.Fill(img, size, size, imaging.Center, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumb, imaging.PNG); err != nil {
		return nil, fmt.Errorf("error encoding thumbnail: %w", err)
	}
	return buf.Bytes(), nil
}
