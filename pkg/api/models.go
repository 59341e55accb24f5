package api

import (
	"time"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
}

type BrandColor struct {
	Hex  string `json:"hex"`
	Name string `json:"name,omitempty"`
}

type TrainBrandRequest struct {
	UserId         string       `json:"userId"`
	BrandId        string       `json:"brandId"`
	BrandName      string       `json:"brandName"`
	BrandColors    []BrandColor `json:"brandColors"`
	Style          string       `json:"style,omitempty"`
	TrainingImages []string     `json:"trainingImages"`

	// Placeholder runs the training variant that uploads stub weights.
	Placeholder bool `json:"placeholder,omitempty"`
}

type TrainBrandResponse struct {
	Success       bool   `json:"success"`
	BrandId       string `json:"brandId"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	TrainingJobId string `json:"trainingJobId"`
}

type BrandStatusParams struct {
	UserId  string `schema:"userId"`
	BrandId string `schema:"brandId"`
}

type BrandStatusResponse struct {
	BrandId           string     `json:"brandId"`
	Status            string     `json:"status"`
	Name              string     `json:"name"`
	ImageCount        int        `json:"imageCount"`
	TrainingStarted   *time.Time `json:"trainingStarted,omitempty"`
	TrainingCompleted *time.Time `json:"trainingCompleted,omitempty"`
	LoraModelPath     string     `json:"loraModelPath,omitempty"`
	Error             string     `json:"error,omitempty"`
}

type GenerateRequest struct {
	UserId         string `json:"userId"`
	IllustrationId string `json:"illustrationId"`
	Prompt         string `json:"prompt"`
	BrandId        string `json:"brandId"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
}

type GenerateResponse struct {
	Success        bool   `json:"success"`
	IllustrationId string `json:"illustrationId"`
	Status         string `json:"status"`
}
