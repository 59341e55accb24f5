package messaging

import (
	"context"
	"time"
)

const (
	TrainBrandQueue           = "train_brand_queue"
	GenerateIllustrationQueue = "generate_illustration_queue"
	RetryDelay                = 5 * time.Second
	MaxConnectRetry           = 5
)

var queues = []string{TrainBrandQueue, GenerateIllustrationQueue}

type Task interface {
	Type() string

	Payload() []byte

	Ack() error

	Nack() error

	Reject() error
}

type TrainBrandPayload struct {
	UserId    string
	BrandId   string
	BrandName string
	JobId     string

	// TrainingDataPath is the prefix of the brand's images in the training
	// bucket.
	TrainingDataPath string
	NumImages        int

	// Placeholder selects the training variant that uploads stub weights.
	Placeholder bool
}

type GenerateIllustrationPayload struct {
	IllustrationId string
	UserId         string
	BrandId        string
	Prompt         string
	Width          int
	Height         int
}

type Publisher interface {
	PublishTrainBrandTask(ctx context.Context, payload TrainBrandPayload) error

	PublishGenerateIllustrationTask(ctx context.Context, payload GenerateIllustrationPayload) error

	Close()
}

type Reciever interface {
	Tasks() <-chan Task

	Close()
}
