// Package sdapi runs inference against an AUTOMATIC1111-compatible web UI.
package sdapi

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"mediaforge-backend/internal/diffusion"

	"github.com/go-resty/resty/v2"
)

const (
	optionsPath = "/sdapi/v1/options"
	txt2imgPath = "/sdapi/v1/txt2img"
)

type Host struct {
	client *resty.Client

	sampler   string
	scheduler string
	loraTags  []string
}

var _ diffusion.Pipeline = (*Host)(nil)

func NewHost(baseURL string) *Host {
	return &Host{
		client: resty.New().
			SetBaseURL(strings.TrimSuffix(baseURL, "/")).
			SetTimeout(10 * time.Minute).
			SetHeader("Content-Type", "application/json"),
	}
}

func checkResponse(res *resty.Response, err error, endpoint string) error {
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", endpoint, err)
	}
	if !res.IsSuccess() {
		return fmt.Errorf("%s returned %d: %s", endpoint, res.StatusCode(), res.String())
	}
	return nil
}

// Load selects the checkpoint named after the model source. The web UI
// resolves checkpoints from its own model directory.
func (h *Host) Load(ctx context.Context, opts diffusion.LoadOptions) error {
	checkpoint := filepath.Base(opts.Source)
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"sd_model_checkpoint": checkpoint}).
		Post(optionsPath)
	if err := checkResponse(res, err, optionsPath); err != nil {
		return fmt.Errorf("error selecting checkpoint %s: %w", checkpoint, err)
	}
	slog.Info("selected sdapi checkpoint", "checkpoint", checkpoint)
	return nil
}

func (h *Host) SetScheduler(ctx context.Context, cfg diffusion.SchedulerConfig) error {
	switch cfg.Name {
	case "DPMSolverMultistepScheduler":
		h.sampler = "DPM++ 2M"
	case "EulerDiscreteScheduler":
		h.sampler = "Euler"
	default:
		return fmt.Errorf("unsupported scheduler %q", cfg.Name)
	}
	h.scheduler = ""
	if cfg.UseKarrasSigmas {
		h.scheduler = "Karras"
	}
	return nil
}

// FuseAdapter references the adapter by file name in every following prompt.
func (h *Host) FuseAdapter(ctx context.Context, path string, scale float64) error {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	if name == "" {
		return fmt.Errorf("invalid adapter path %q", path)
	}
	h.loraTags = append(h.loraTags, fmt.Sprintf("<lora:%s:%g>", name, scale))
	return nil
}

type txt2imgRequest struct {
	Prompt      string  `json:"prompt"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Steps       int     `json:"steps"`
	CfgScale    float64 `json:"cfg_scale"`
	Seed        int64   `json:"seed"`
	SamplerName string  `json:"sampler_name,omitempty"`
	Scheduler   string  `json:"scheduler,omitempty"`
	BatchSize   int     `json:"batch_size"`
	NIter       int     `json:"n_iter"`
}

type txt2imgResponse struct {
	Images []string `json:"images"`
}

func (h *Host) prompt(base string) string {
	if len(h.loraTags) == 0 {
		return base
	}
	return base + " " + strings.Join(h.loraTags, " ")
}

func (h *Host) Generate(ctx context.Context, params diffusion.GenerateParams) ([]byte, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	req := txt2imgRequest{
		Prompt:      h.prompt(params.Prompt),
		Width:       params.Width,
		Height:      params.Height,
		Steps:       params.Steps,
		CfgScale:    params.GuidanceScale,
		Seed:        params.Seed,
		SamplerName: h.sampler,
		Scheduler:   h.scheduler,
		BatchSize:   1,
		NIter:       1,
	}

	var out txt2imgResponse
	res, err := h.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		Post(txt2imgPath)
	if err := checkResponse(res, err, txt2imgPath); err != nil {
		return nil, err
	}

	if len(out.Images) == 0 {
		return nil, fmt.Errorf("%s returned no images", txt2imgPath)
	}

	img, err := base64.StdEncoding.DecodeString(out.Images[0])
	if err != nil {
		return nil, fmt.Errorf("error decoding generated image: %w", err)
	}
	return img, nil
}

func (h *Host) Release() {
	h.loraTags = nil
}
