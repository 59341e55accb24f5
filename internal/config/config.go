package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

type StorageConfig struct {
	Backend         string `env:"STORAGE_BACKEND" envDefault:"s3"`
	EndpointURL     string `env:"S3_ENDPOINT_URL"`
	AccessKeyID     string `env:"AWS_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"AWS_SECRET_ACCESS_KEY"`
	Region          string `env:"AWS_REGION" envDefault:"us-east-1"`
	MinioUseSSL     bool   `env:"MINIO_USE_SSL" envDefault:"false"`
	LocalDir        string `env:"LOCAL_STORAGE_DIR" envDefault:"./storage"`
}

type DatabaseConfig struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"sqlite://mediaforge.db"`
}

type RuntimeConfig struct {
	Backend          string `env:"RUNTIME_BACKEND" envDefault:"plugin"`
	PythonExecutable string `env:"PYTHON_EXECUTABLE_PATH" envDefault:"python3"`
	PluginScript     string `env:"RUNTIME_PLUGIN_SCRIPT_PATH" envDefault:"plugin/diffusion_runtime.py"`
	SdapiHost        string `env:"SDAPI_HOST" envDefault:"http://127.0.0.1:7860"`
}

type QueueConfig struct {
	RabbitMQURL string `env:"RABBITMQ_URL"`
}

type JobConfig struct {
	ModelCacheDir       string `env:"MODEL_CACHE_DIR" envDefault:"/tmp/model_cache"`
	TrainingDataDir     string `env:"TRAINING_DATA_DIR" envDefault:"/tmp/training_data"`
	LoraOutputDir       string `env:"LORA_OUTPUT_DIR" envDefault:"/tmp/lora_output"`
	WorkDir             string `env:"WORK_DIR" envDefault:"/tmp/mediaforge"`
	TrainingBucket      string `env:"TRAINING_BUCKET" envDefault:"mediaforge-training-data"`
	ModelsBucket        string `env:"MODELS_BUCKET" envDefault:"mediaforge-models"`
	IllustrationsBucket string `env:"ILLUSTRATIONS_BUCKET" envDefault:"mediaforge-illustrations"`
	PublicBaseURL       string `env:"PUBLIC_BASE_URL" envDefault:"https://storage.googleapis.com"`
}

type APIConfig struct {
	Port int `env:"API_PORT" envDefault:"8001"`
}

// Load parses T from the process environment.
func Load[T any]() (T, error) {
	var cfg T
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("error parsing config: %w", err)
	}
	return cfg, nil
}
