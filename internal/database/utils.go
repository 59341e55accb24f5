package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

var (
	ErrBrandNotFound        = errors.New("brand not found")
	ErrIllustrationNotFound = errors.New("illustration not found")
)

func GetBrand(ctx context.Context, txn *gorm.DB, userId, brandId string) (Brand, error) {
	var brand Brand
	err := txn.WithContext(ctx).Where("user_id = ? AND brand_id = ?", userId, brandId).First(&brand).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Brand{}, ErrBrandNotFound
		}
		return Brand{}, fmt.Errorf("error loading brand: %w", err)
	}
	return brand, nil
}

// UpdateBrandStatus sets the brand's status. detail is the model location for
// BrandReady and the error message for BrandFailed, and is ignored otherwise.
// Updates are unconditional; the last writer wins.
func UpdateBrandStatus(ctx context.Context, txn *gorm.DB, userId, brandId, status, detail string) error {
	now := time.Now().UTC()
	updates := map[string]any{"status": status}
	switch status {
	case BrandTraining:
		updates["training_started_at"] = now
	case BrandReady:
		if detail != "" {
			updates["lora_model_path"] = detail
			updates["training_completed_at"] = now
		}
	case BrandFailed:
		updates["failed_at"] = now
		if detail != "" {
			updates["error"] = detail
		}
	}

	result := txn.WithContext(ctx).Model(&Brand{}).Where("user_id = ? AND brand_id = ?", userId, brandId).Updates(updates)
	if err := result.Error; err != nil {
		slog.Error("error updating brand status", "user_id", userId, "brand_id", brandId, "status", status, "error", err)
		return fmt.Errorf("error updating brand status: %w", err)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: users/%s/brands/%s", ErrBrandNotFound, userId, brandId)
	}

	slog.Info("brand status updated", "user_id", userId, "brand_id", brandId, "status", status)
	return nil
}

func CompleteIllustration(ctx context.Context, txn *gorm.DB, id string, updates Illustration) error {
	result := txn.WithContext(ctx).Model(&Illustration{}).Where("id = ?", id).Updates(map[string]any{
		"status":          IllustrationCompleted,
		"image_url":       updates.ImageURL,
		"thumbnail_url":   updates.ThumbnailURL,
		"final_prompt":    updates.FinalPrompt,
		"generation_time": updates.GenerationTime,
		"width":           updates.Width,
		"height":          updates.Height,
		"completed_at":    time.Now().UTC(),
	})
	if err := result.Error; err != nil {
		return fmt.Errorf("error completing illustration: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrIllustrationNotFound
	}
	return nil
}

func FailIllustration(ctx context.Context, txn *gorm.DB, id string, cause error) error {
	result := txn.WithContext(ctx).Model(&Illustration{}).Where("id = ?", id).Updates(map[string]any{
		"status":    IllustrationFailed,
		"error":     cause.Error(),
		"failed_at": time.Now().UTC(),
	})
	if err := result.Error; err != nil {
		slog.Error("error marking illustration failed", "illustration_id", id, "error", err)
		return fmt.Errorf("error marking illustration failed: %w", err)
	}
	if result.RowsAffected == 0 {
		return ErrIllustrationNotFound
	}
	return nil
}

func SaveTrainingRun(ctx context.Context, txn *gorm.DB, userId, brandId, variant, modelPath string, metadata any) error {
	data, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("error encoding training metadata: %w", err)
	}

	run := TrainingRun{
		Id:        uuid.New(),
		UserId:    userId,
		BrandId:   brandId,
		Variant:   variant,
		ModelPath: modelPath,
		Metadata:  data,
		CreatedAt: time.Now().UTC(),
	}
	if err := txn.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("error saving training run: %w", err)
	}
	return nil
}

// BrandStatusStore records job progress on a single brand.
type BrandStatusStore struct {
	db      *gorm.DB
	userId  string
	brandId string
}

func NewBrandStatusStore(db *gorm.DB, userId, brandId string) *BrandStatusStore {
	return &BrandStatusStore{db: db, userId: userId, brandId: brandId}
}

func (s *BrandStatusStore) SetTraining(ctx context.Context) error {
	return UpdateBrandStatus(ctx, s.db, s.userId, s.brandId, BrandTraining, "")
}

func (s *BrandStatusStore) SetReady(ctx context.Context, modelPath string) error {
	return UpdateBrandStatus(ctx, s.db, s.userId, s.brandId, BrandReady, modelPath)
}

func (s *BrandStatusStore) SetFailed(ctx context.Context, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	return UpdateBrandStatus(ctx, s.db, s.userId, s.brandId, BrandFailed, msg)
}

func (s *BrandStatusStore) RecordRun(ctx context.Context, variant, modelPath string, metadata any) error {
	return SaveTrainingRun(ctx, s.db, s.userId, s.brandId, variant, modelPath, metadata)
}
