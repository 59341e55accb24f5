package api

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/messaging"
	"mediaforge-backend/internal/storage"
	"mediaforge-backend/pkg/api"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	DefaultImageSize = 1024
	MaxImageSize     = 2048
)

type BackendService struct {
	db             *gorm.DB
	store          storage.Provider
	publisher      messaging.Publisher
	trainingBucket string
}

func NewBackendService(db *gorm.DB, store storage.Provider, pub messaging.Publisher, trainingBucket string) *BackendService {
	return &BackendService{db: db, store: store, publisher: pub, trainingBucket: trainingBucket}
}

func (s *BackendService) AddRoutes(r chi.Router) {
	r.Get("/health", RestHandler(s.Health))
	r.Route("/brands", func(r chi.Router) {
		r.Post("/train", RestHandler(s.TrainBrand))
		r.Get("/status", RestHandler(s.BrandStatus))
	})
	r.Post("/generate", RestHandler(s.Generate))
}

func (s *BackendService) Health(r *http.Request) (any, error) {
	return api.HealthResponse{Status: "healthy", Service: "mediaforge"}, nil
}

func TrainingDataPath(brandId string) string {
	return fmt.Sprintf("training-data/%s/", brandId)
}

// StagedDataPath is where images given as storage uris are copied for one
// training job. Each job gets a fresh prefix so images from an earlier
// request never leak into a retrain.
func StagedDataPath(brandId, jobId string) string {
	return fmt.Sprintf("training-runs/%s/%s/", brandId, jobId)
}

// stageTrainingImages copies images given as storage uris into the training
// bucket under prefix. Images are either all uris or all already uploaded to
// the brand's data path; it reports whether anything was staged.
func (s *BackendService) stageTrainingImages(ctx context.Context, prefix string, images []string) (bool, error) {
	uris := 0
	for _, image := range images {
		if storage.IsURI(image) {
			uris++
		}
	}
	if uris == 0 {
		return false, nil
	}
	if uris != len(images) {
		return false, CodedErrorf(http.StatusBadRequest, "training images must all be storage uris or all be uploaded to the brand's data path")
	}

	for i, image := range images {
		bucket, key, err := storage.ParseURI(image)
		if err != nil {
			return false, CodedErrorf(http.StatusBadRequest, "invalid training image location '%s': %v", image, err)
		}
		ext := strings.ToLower(path.Ext(key))
		if !assets.HasImageExtension(key) {
			return false, CodedErrorf(http.StatusBadRequest, "training image '%s' must be one of %v", image, assets.ImageExtensions)
		}

		data, err := s.store.GetObject(ctx, bucket, key)
		if err != nil {
			slog.Error("error reading training image", "image", image, "error", err)
			return false, CodedErrorf(http.StatusInternalServerError, "failed to read training image '%s'", image)
		}

		dest := fmt.Sprintf("%simage_%d%s", prefix, i+1, ext)
		if err := s.store.PutObject(ctx, s.trainingBucket, dest, bytes.NewReader(data)); err != nil {
			slog.Error("error staging training image", "image", image, "dest", dest, "error", err)
			return false, CodedErrorf(http.StatusInternalServerError, "failed to stage training image '%s'", image)
		}
	}
	return true, nil
}

func (s *BackendService) TrainBrand(r *http.Request) (any, error) {
	req, err := ParseRequest[api.TrainBrandRequest](r)
	if err != nil {
		return nil, err
	}

	if req.UserId == "" || req.BrandId == "" || req.BrandName == "" || len(req.TrainingImages) < assets.MinTrainingImages {
		return nil, CodedErrorf(http.StatusBadRequest, "invalid request, need userId, brandId, brandName, and at least %d training images", assets.MinTrainingImages)
	}

	ctx := r.Context()

	slog.Info("starting brand training", "user_id", req.UserId, "brand_id", req.BrandId, "brand_name", req.BrandName)

	jobId := fmt.Sprintf("lora-%s-%d", req.BrandId, time.Now().UnixMilli())

	dataPath := TrainingDataPath(req.BrandId)
	staged, err := s.stageTrainingImages(ctx, StagedDataPath(req.BrandId, jobId), req.TrainingImages)
	if err != nil {
		return nil, err
	}
	if staged {
		dataPath = StagedDataPath(req.BrandId, jobId)
	}

	colors := make(datatypes.JSONSlice[database.BrandColor], 0, len(req.BrandColors))
	for _, c := range req.BrandColors {
		colors = append(colors, database.BrandColor{Hex: c.Hex, Name: c.Name})
	}

	brand := database.Brand{
		UserId:           req.UserId,
		BrandId:          req.BrandId,
		Name:             req.BrandName,
		Colors:           colors,
		Style:            req.Style,
		Status:           database.BrandQueued,
		ImageCount:       len(req.TrainingImages),
		TrainingJobId:    jobId,
		TrainingDataPath: dataPath,
		CreatedAt:        time.Now().UTC(),
	}

	// Retraining a brand replaces its previous record.
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{UpdateAll: true}).Create(&brand).Error; err != nil {
		slog.Error("error creating brand", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create brand entry")
	}

	payload := messaging.TrainBrandPayload{
		UserId:           brand.UserId,
		BrandId:          brand.BrandId,
		BrandName:        brand.Name,
		JobId:            brand.TrainingJobId,
		TrainingDataPath: brand.TrainingDataPath,
		NumImages:        brand.ImageCount,
		Placeholder:      req.Placeholder,
	}
	if err := s.publisher.PublishTrainBrandTask(ctx, payload); err != nil {
		slog.Error("error publishing training task", "brand_id", brand.BrandId, "error", err)
		if err := database.UpdateBrandStatus(ctx, s.db, brand.UserId, brand.BrandId, database.BrandFailed, "failed to queue training task"); err != nil {
			slog.Error("error marking brand failed", "brand_id", brand.BrandId, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue training task")
	}

	return api.TrainBrandResponse{
		Success:       true,
		BrandId:       brand.BrandId,
		Status:        brand.Status,
		Message:       "Brand training started. This will take 15-30 minutes.",
		TrainingJobId: brand.TrainingJobId,
	}, nil
}

func nullTime(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func (s *BackendService) BrandStatus(r *http.Request) (any, error) {
	params, err := ParseRequestQueryParams[api.BrandStatusParams](r)
	if err != nil {
		return nil, err
	}

	if params.UserId == "" || params.BrandId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing userId or brandId")
	}

	brand, err := database.GetBrand(r.Context(), s.db, params.UserId, params.BrandId)
	if err != nil {
		if errors.Is(err, database.ErrBrandNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "brand not found")
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}

	return api.BrandStatusResponse{
		BrandId:           brand.BrandId,
		Status:            brand.Status,
		Name:              brand.Name,
		ImageCount:        brand.ImageCount,
		TrainingStarted:   nullTime(brand.TrainingStartedAt),
		TrainingCompleted: nullTime(brand.TrainingCompletedAt),
		LoraModelPath:     brand.LoraModelPath.String,
		Error:             brand.Error.String,
	}, nil
}

func validateSize(width, height int) (int, int, error) {
	if width == 0 {
		width = DefaultImageSize
	}
	if height == 0 {
		height = DefaultImageSize
	}
	if width < 0 || height < 0 || width > MaxImageSize || height > MaxImageSize {
		return 0, 0, CodedErrorf(http.StatusBadRequest, "invalid image size %dx%d, width and height must be at most %d", width, height, MaxImageSize)
	}
	return width, height, nil
}

func (s *BackendService) Generate(r *http.Request) (any, error) {
	req, err := ParseRequest[api.GenerateRequest](r)
	if err != nil {
		return nil, err
	}

	if req.UserId == "" || req.Prompt == "" || req.BrandId == "" {
		return nil, CodedErrorf(http.StatusBadRequest, "missing required fields: userId, prompt, brandId")
	}

	width, height, err := validateSize(req.Width, req.Height)
	if err != nil {
		return nil, err
	}

	ctx := r.Context()

	brand, err := database.GetBrand(ctx, s.db, req.UserId, req.BrandId)
	if err != nil {
		if errors.Is(err, database.ErrBrandNotFound) {
			return nil, CodedErrorf(http.StatusNotFound, "brand not found")
		}
		return nil, CodedError(http.StatusInternalServerError, err)
	}
	if brand.Status != database.BrandReady {
		return nil, CodedErrorf(http.StatusBadRequest, "brand training not complete: brand has status %s", brand.Status)
	}

	if req.IllustrationId == "" {
		req.IllustrationId = uuid.NewString()
	}

	illustration := database.Illustration{
		Id:        req.IllustrationId,
		UserId:    req.UserId,
		BrandId:   req.BrandId,
		Prompt:    req.Prompt,
		Width:     width,
		Height:    height,
		Status:    database.IllustrationQueued,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(&illustration).Error; err != nil {
		slog.Error("error creating illustration", "error", err)
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to create illustration entry")
	}

	payload := messaging.GenerateIllustrationPayload{
		IllustrationId: illustration.Id,
		UserId:         illustration.UserId,
		BrandId:        illustration.BrandId,
		Prompt:         illustration.Prompt,
		Width:          illustration.Width,
		Height:         illustration.Height,
	}
	if err := s.publisher.PublishGenerateIllustrationTask(ctx, payload); err != nil {
		slog.Error("error publishing generation task", "illustration_id", illustration.Id, "error", err)
		if err := database.FailIllustration(ctx, s.db, illustration.Id, errors.New("failed to queue generation task")); err != nil {
			slog.Error("error marking illustration failed", "illustration_id", illustration.Id, "error", err)
		}
		return nil, CodedErrorf(http.StatusInternalServerError, "failed to queue generation task")
	}

	slog.Info("queued illustration", "illustration_id", illustration.Id, "brand_id", illustration.BrandId)
	return api.GenerateResponse{Success: true, IllustrationId: illustration.Id, Status: illustration.Status}, nil
}
