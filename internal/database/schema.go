package database

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

const (
	BrandQueued   string = "queued"
	BrandTraining string = "training"
	BrandReady    string = "ready"
	BrandFailed   string = "failed"
)

type BrandColor struct {
	Hex  string `json:"hex"`
	Name string `json:"name,omitempty"`
}

// Brand is the status record of a brand's adapter training, keyed by owner
// and brand id.
type Brand struct {
	UserId  string `gorm:"primaryKey;size:128"`
	BrandId string `gorm:"primaryKey;size:128"`

	Name   string
	Colors datatypes.JSONSlice[BrandColor]
	Style  string

	Status           string `gorm:"size:20;not null"`
	ImageCount       int
	TrainingJobId    string
	TrainingDataPath string
	LoraModelPath    sql.NullString
	Error            sql.NullString

	TrainingStartedAt   sql.NullTime
	TrainingCompletedAt sql.NullTime
	FailedAt            sql.NullTime
	CreatedAt           time.Time
}

func (b *Brand) ColorHexes() []string {
	hexes := make([]string, 0, len(b.Colors))
	for _, c := range b.Colors {
		hexes = append(hexes, c.Hex)
	}
	return hexes
}

const (
	IllustrationQueued    string = "queued"
	IllustrationCompleted string = "completed"
	IllustrationFailed    string = "failed"
)

type Illustration struct {
	Id      string `gorm:"primaryKey;size:128"`
	UserId  string `gorm:"size:128;index"`
	BrandId string `gorm:"size:128"`

	Prompt      string
	FinalPrompt string
	Width       int
	Height      int

	Status         string `gorm:"size:20;not null"`
	ImageURL       string
	ThumbnailURL   string
	Error          sql.NullString
	GenerationTime int

	CreatedAt   time.Time
	CompletedAt sql.NullTime
	FailedAt    sql.NullTime
}

const (
	TrainingVariantFull        string = "full"
	TrainingVariantPlaceholder string = "placeholder"
)

// TrainingRun records each successful training upload.
type TrainingRun struct {
	Id        uuid.UUID `gorm:"type:uuid;primaryKey"`
	UserId    string    `gorm:"size:128;index:idx_training_run_brand"`
	BrandId   string    `gorm:"size:128;index:idx_training_run_brand"`
	Variant   string    `gorm:"size:20"`
	ModelPath string
	Metadata  datatypes.JSON
	CreatedAt time.Time
}
