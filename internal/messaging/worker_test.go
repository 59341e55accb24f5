package messaging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"path/filepath"
	"testing"
	"time"

	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/config"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type fakeTask struct {
	queue    string
	payload  []byte
	acked    bool
	nacked   bool
	rejected bool
}

func (t *fakeTask) Type() string    { return t.queue }
func (t *fakeTask) Payload() []byte { return t.payload }
func (t *fakeTask) Ack() error      { t.acked = true; return nil }
func (t *fakeTask) Nack() error     { t.nacked = true; return nil }
func (t *fakeTask) Reject() error   { t.rejected = true; return nil }

func newTask(t *testing.T, queue string, payload any) *fakeTask {
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	return &fakeTask{queue: queue, payload: data}
}

// fakeRuntime generates a solid image and never trains.
type fakeRuntime struct {
	image []byte
}

func (r *fakeRuntime) Load(ctx context.Context, opts diffusion.LoadOptions) error { return nil }
func (r *fakeRuntime) SetScheduler(ctx context.Context, cfg diffusion.SchedulerConfig) error {
	return nil
}
func (r *fakeRuntime) FuseAdapter(ctx context.Context, path string, scale float64) error {
	return nil
}
func (r *fakeRuntime) Generate(ctx context.Context, params diffusion.GenerateParams) ([]byte, error) {
	return r.image, nil
}
func (r *fakeRuntime) Setup(ctx context.Context, setup diffusion.TrainerSetup) error {
	return errors.New("training not supported")
}
func (r *fakeRuntime) EncodeImage(ctx context.Context, img diffusion.Tensor) (diffusion.Tensor, error) {
	return diffusion.Tensor{}, nil
}
func (r *fakeRuntime) EncodePrompt(ctx context.Context, caption string) (diffusion.Tensor, error) {
	return diffusion.Tensor{}, nil
}
func (r *fakeRuntime) PredictNoise(ctx context.Context, noisy diffusion.Tensor, timestep int, embeddings diffusion.Tensor) (diffusion.Tensor, error) {
	return diffusion.Tensor{}, nil
}
func (r *fakeRuntime) Backward(ctx context.Context, grad diffusion.Tensor) error { return nil }
func (r *fakeRuntime) OptimizerStep(ctx context.Context) error                   { return nil }
func (r *fakeRuntime) SaveAdapter(ctx context.Context, dir string) error         { return nil }
func (r *fakeRuntime) Release()                                                 {}

func solidPNG(t *testing.T) []byte {
	img := image.NewNRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.Set(x, y, color.RGBA{G: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

type workerEnv struct {
	db     *gorm.DB
	store  *storage.LocalProvider
	worker *Worker
}

func setupWorker(t *testing.T) workerEnv {
	db, err := database.NewDatabase("sqlite://" + filepath.Join(t.TempDir(), "worker.db"))
	require.NoError(t, err)

	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)

	cfg := config.JobConfig{
		ModelCacheDir:       t.TempDir(),
		WorkDir:             t.TempDir(),
		TrainingBucket:      "training",
		ModelsBucket:        "models",
		IllustrationsBucket: "illustrations",
		PublicBaseURL:       "https://storage.googleapis.com",
	}
	for _, bucket := range []string{cfg.TrainingBucket, cfg.ModelsBucket, cfg.IllustrationsBucket} {
		require.NoError(t, store.CreateBucket(context.Background(), bucket))
	}

	queue := NewInMemoryQueue()
	runtime := &fakeRuntime{image: solidPNG(t)}
	worker := NewWorker(db, assets.NewFetcher(store), queue, queue, Runtimes{
		NewPipeline: func() (diffusion.Pipeline, error) { return runtime, nil },
		NewTrainer:  func() (diffusion.Trainer, error) { return runtime, nil },
	}, cfg)

	return workerEnv{db: db, store: store, worker: worker}
}

func (e workerEnv) createBrand(t *testing.T, status string) {
	brand := database.Brand{
		UserId:    "user-1",
		BrandId:   "brand-1",
		Name:      "Acme",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if status == database.BrandReady {
		brand.LoraModelPath.String, brand.LoraModelPath.Valid = "/nonexistent/adapter.safetensors", true
	}
	require.NoError(t, e.db.Create(&brand).Error)
}

func (e workerEnv) uploadImages(t *testing.T, n int) {
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("training-data/brand-1/%d.png", i)
		require.NoError(t, e.store.PutObject(context.Background(), "training", key, bytes.NewReader(solidPNG(t))))
	}
}

func trainPayload(placeholder bool) TrainBrandPayload {
	return TrainBrandPayload{
		UserId:           "user-1",
		BrandId:          "brand-1",
		BrandName:        "Acme",
		JobId:            "lora-brand-1-1",
		TrainingDataPath: "training-data/brand-1/",
		NumImages:        10,
		Placeholder:      placeholder,
	}
}

func TestProcessTask_MalformedPayloadRejected(t *testing.T) {
	env := setupWorker(t)

	for _, queue := range []string{TrainBrandQueue, GenerateIllustrationQueue} {
		task := &fakeTask{queue: queue, payload: []byte("{not json")}
		env.worker.ProcessTask(task)
		assert.True(t, task.rejected, queue)
		assert.False(t, task.acked, queue)
		assert.False(t, task.nacked, queue)
	}
}

func TestProcessTask_UnknownQueueRejected(t *testing.T) {
	env := setupWorker(t)

	task := &fakeTask{queue: "other", payload: []byte("{}")}
	env.worker.ProcessTask(task)
	assert.True(t, task.rejected)
}

func TestProcessTask_PlaceholderTraining(t *testing.T) {
	env := setupWorker(t)
	env.createBrand(t, database.BrandQueued)
	env.uploadImages(t, 10)

	task := newTask(t, TrainBrandQueue, trainPayload(true))
	env.worker.ProcessTask(task)
	assert.True(t, task.acked)

	brand, err := database.GetBrand(context.Background(), env.db, "user-1", "brand-1")
	require.NoError(t, err)
	assert.Equal(t, database.BrandReady, brand.Status)
	assert.Equal(t, "gs://models/models/brand-1/", brand.LoraModelPath.String)

	var runs []database.TrainingRun
	require.NoError(t, env.db.Find(&runs).Error)
	require.Len(t, runs, 1)
	assert.Equal(t, database.TrainingVariantPlaceholder, runs[0].Variant)
}

func TestProcessTask_TrainingFailureNacked(t *testing.T) {
	env := setupWorker(t)
	env.createBrand(t, database.BrandQueued)
	env.uploadImages(t, 4)

	task := newTask(t, TrainBrandQueue, trainPayload(false))
	env.worker.ProcessTask(task)
	assert.True(t, task.nacked)
	assert.False(t, task.acked)

	brand, err := database.GetBrand(context.Background(), env.db, "user-1", "brand-1")
	require.NoError(t, err)
	assert.Equal(t, database.BrandFailed, brand.Status)
	assert.Contains(t, brand.Error.String, "insufficient training images")
}

func TestProcessTask_SkipsBrandNotQueued(t *testing.T) {
	env := setupWorker(t)
	env.createBrand(t, database.BrandTraining)

	task := newTask(t, TrainBrandQueue, trainPayload(true))
	env.worker.ProcessTask(task)
	assert.True(t, task.acked)

	brand, err := database.GetBrand(context.Background(), env.db, "user-1", "brand-1")
	require.NoError(t, err)
	assert.Equal(t, database.BrandTraining, brand.Status)
}

func TestProcessTask_GenerateIllustration(t *testing.T) {
	env := setupWorker(t)
	env.createBrand(t, database.BrandReady)
	require.NoError(t, env.db.Create(&database.Illustration{
		Id: "ill-1", UserId: "user-1", BrandId: "brand-1", Prompt: "a fox", Status: database.IllustrationQueued, CreatedAt: time.Now().UTC(),
	}).Error)

	task := newTask(t, GenerateIllustrationQueue, GenerateIllustrationPayload{
		IllustrationId: "ill-1", UserId: "user-1", BrandId: "brand-1", Prompt: "a fox", Width: 512, Height: 512,
	})
	env.worker.ProcessTask(task)
	assert.True(t, task.acked)

	var illustration database.Illustration
	require.NoError(t, env.db.First(&illustration, "id = ?", "ill-1").Error)
	assert.Equal(t, database.IllustrationCompleted, illustration.Status)
	assert.Equal(t, "https://storage.googleapis.com/illustrations/illustrations/user-1/ill-1.png", illustration.ImageURL)

	_, err := env.store.GetObject(context.Background(), "illustrations", "illustrations/user-1/ill-1_thumb.png")
	assert.NoError(t, err)

	// a second delivery of the same task is skipped
	again := newTask(t, GenerateIllustrationQueue, GenerateIllustrationPayload{IllustrationId: "ill-1", UserId: "user-1", BrandId: "brand-1"})
	env.worker.ProcessTask(again)
	assert.True(t, again.acked)
}

func TestProcessTask_MissingIllustrationNacked(t *testing.T) {
	env := setupWorker(t)

	task := newTask(t, GenerateIllustrationQueue, GenerateIllustrationPayload{IllustrationId: "missing", UserId: "user-1", BrandId: "brand-1"})
	env.worker.ProcessTask(task)
	assert.True(t, task.nacked)
}

func TestInMemoryQueue(t *testing.T) {
	queue := NewInMemoryQueue()
	ctx := context.Background()

	require.NoError(t, queue.PublishTrainBrandTask(ctx, trainPayload(false)))
	require.NoError(t, queue.PublishGenerateIllustrationTask(ctx, GenerateIllustrationPayload{IllustrationId: "ill-1"}))

	task := <-queue.Tasks()
	assert.Equal(t, TrainBrandQueue, task.Type())
	var train TrainBrandPayload
	require.NoError(t, json.Unmarshal(task.Payload(), &train))
	assert.Equal(t, trainPayload(false), train)

	task = <-queue.Tasks()
	assert.Equal(t, GenerateIllustrationQueue, task.Type())

	queue.Close()
	queue.Close()
	assert.Error(t, queue.PublishTrainBrandTask(ctx, trainPayload(false)))

	_, ok := <-queue.Tasks()
	assert.False(t, ok)
}
