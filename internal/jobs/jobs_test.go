package jobs

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediaforge-backend/internal/adapter"
	"mediaforge-backend/internal/assets"
	"mediaforge-backend/internal/core"
	"mediaforge-backend/internal/database"
	"mediaforge-backend/internal/diffusion"
	"mediaforge-backend/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type mockStatus struct {
	mock.Mock
}

func (m *mockStatus) SetTraining(ctx context.Context) error {
	return m.Called().Error(0)
}

func (m *mockStatus) SetReady(ctx context.Context, modelPath string) error {
	return m.Called(modelPath).Error(0)
}

func (m *mockStatus) SetFailed(ctx context.Context, cause error) error {
	return m.Called(cause).Error(0)
}

func newMockStatus() *mockStatus {
	status := &mockStatus{}
	status.On("SetTraining").Return(nil)
	status.On("SetReady", mock.Anything).Return(nil)
	status.On("SetFailed", mock.Anything).Return(nil)
	return status
}

type fakeTrainer struct {
	setups   int
	steps    int
	failStep bool
	released int
}

func (f *fakeTrainer) Setup(ctx context.Context, setup diffusion.TrainerSetup) error {
	f.setups++
	return nil
}

func (f *fakeTrainer) EncodeImage(ctx context.Context, img diffusion.Tensor) (diffusion.Tensor, error) {
	return diffusion.NewTensor(1, 4), nil
}

func (f *fakeTrainer) EncodePrompt(ctx context.Context, caption string) (diffusion.Tensor, error) {
	return diffusion.NewTensor(1, 2), nil
}

func (f *fakeTrainer) PredictNoise(ctx context.Context, noisy diffusion.Tensor, timestep int, embeddings diffusion.Tensor) (diffusion.Tensor, error) {
	return diffusion.NewTensor(noisy.Shape...), nil
}

func (f *fakeTrainer) Backward(ctx context.Context, grad diffusion.Tensor) error {
	if f.failStep {
		return errors.New("cuda out of memory")
	}
	return nil
}

func (f *fakeTrainer) OptimizerStep(ctx context.Context) error {
	f.steps++
	return nil
}

// SaveAdapter writes what a peft adapter directory looks like, plus a file
// that must not be uploaded.
func (f *fakeTrainer) SaveAdapter(ctx context.Context, dir string) error {
	if err := os.WriteFile(filepath.Join(dir, adapter.WeightsFilename), safetensorsBytes(), 0644); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, "adapter_config.json"), []byte(`{"r":16}`), 0644); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, "README.md"), []byte("adapter"), 0644)
}

func (f *fakeTrainer) Release() {
	f.released++
}

func safetensorsBytes() []byte {
	header := []byte(`{"__metadata__":{}}`)
	buf := make([]byte, 8, 8+len(header))
	binary.LittleEndian.PutUint64(buf, uint64(len(header)))
	return append(buf, header...)
}

func pngBytes(t *testing.T, c color.Color) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func newStore(t *testing.T) *storage.LocalProvider {
	store, err := storage.NewLocalProvider(t.TempDir())
	require.NoError(t, err)
	for _, bucket := range []string{"training", "models", "illustrations"} {
		require.NoError(t, store.CreateBucket(context.Background(), bucket))
	}
	return store
}

func uploadImages(t *testing.T, store storage.Provider, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		key := fmt.Sprintf("training-data/brand-1/img-%02d.png", i)
		require.NoError(t, store.PutObject(context.Background(), "training", key, bytes.NewReader(pngBytes(t, color.RGBA{R: uint8(i * 20), A: 255}))))
	}
	require.NoError(t, store.PutObject(context.Background(), "training", "training-data/brand-1/notes.txt", bytes.NewReader([]byte("skip"))))
}

func trainArgs() TrainArgs {
	cfg := core.DefaultTrainingConfig("Acme")
	cfg.Steps = 8
	cfg.Resolution = 8

	return TrainArgs{
		BrandId:      "brand-1",
		BrandName:    "Acme",
		UserId:       "user-1",
		InputBucket:  "training",
		InputPath:    "training-data/brand-1/",
		OutputBucket: "models",
		OutputPath:   "models/brand-1",
		NumImages:    10,
		Training:     cfg,
	}
}

func workDirs(t *testing.T) Dirs {
	base := t.TempDir()
	return Dirs{DataDir: filepath.Join(base, "data"), OutputDir: filepath.Join(base, "out")}
}

func TestTrainJob_UploadsWeightsAndMetadata(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 10)

	status := newMockStatus()
	trainer := &fakeTrainer{}
	job := TrainJob{Fetcher: assets.NewFetcher(store), Trainer: trainer, Status: status, Dirs: workDirs(t)}

	modelPath, err := job.Run(context.Background(), trainArgs())
	require.NoError(t, err)
	assert.Equal(t, "gs://models/models/brand-1", modelPath)

	status.AssertCalled(t, "SetTraining")
	status.AssertCalled(t, "SetReady", "gs://models/models/brand-1")
	status.AssertNotCalled(t, "SetFailed", mock.Anything)
	assert.Equal(t, 1, trainer.setups)
	assert.Equal(t, 2, trainer.steps)
	assert.Equal(t, 1, trainer.released)

	objects, err := store.ListObjects(context.Background(), "models", "models/brand-1/")
	require.NoError(t, err)
	var names []string
	for _, obj := range objects {
		names = append(names, obj.Name)
	}
	assert.ElementsMatch(t, []string{
		"models/brand-1/adapter_model.safetensors",
		"models/brand-1/adapter_config.json",
		"models/brand-1/training_metadata.json",
	}, names)

	data, err := store.GetObject(context.Background(), "models", "models/brand-1/training_metadata.json")
	require.NoError(t, err)
	var meta map[string]any
	require.NoError(t, json.Unmarshal(data, &meta))
	assert.Len(t, meta, 6)
	assert.Equal(t, "brand-1", meta["brand_id"])
	assert.EqualValues(t, 10, meta["num_images"])
	assert.EqualValues(t, 8, meta["training_steps"])
	assert.EqualValues(t, 16, meta["lora_rank"])
	assert.Equal(t, "gs://models/models/brand-1", meta["model_path"])
}

func TestTrainJob_InsufficientImages(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 9)

	status := newMockStatus()
	trainer := &fakeTrainer{}
	job := TrainJob{Fetcher: assets.NewFetcher(store), Trainer: trainer, Status: status, Dirs: workDirs(t)}

	_, err := job.Run(context.Background(), trainArgs())
	require.ErrorIs(t, err, assets.ErrInsufficientImages)

	assert.Zero(t, trainer.setups)
	assert.Zero(t, trainer.steps)
	assert.Equal(t, 1, trainer.released)
	status.AssertNumberOfCalls(t, "SetFailed", 1)
	status.AssertNotCalled(t, "SetReady", mock.Anything)
}

func TestTrainJob_StatusFailureReleasesTrainer(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 10)

	status := &mockStatus{}
	status.On("SetTraining").Return(errors.New("database unavailable"))
	status.On("SetFailed", mock.Anything).Return(nil)

	trainer := &fakeTrainer{}
	job := TrainJob{Fetcher: assets.NewFetcher(store), Trainer: trainer, Status: status, Dirs: workDirs(t)}

	_, err := job.Run(context.Background(), trainArgs())
	require.ErrorContains(t, err, "database unavailable")

	assert.Zero(t, trainer.setups)
	assert.Equal(t, 1, trainer.released)
	status.AssertNumberOfCalls(t, "SetFailed", 1)
}

func TestTrainJob_FailureMarksFailedOnce(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 10)

	status := newMockStatus()
	trainer := &fakeTrainer{failStep: true}
	job := TrainJob{Fetcher: assets.NewFetcher(store), Trainer: trainer, Status: status, Dirs: workDirs(t)}

	_, err := job.Run(context.Background(), trainArgs())
	require.ErrorContains(t, err, "cuda out of memory")

	status.AssertNumberOfCalls(t, "SetFailed", 1)
	status.AssertNotCalled(t, "SetReady", mock.Anything)
	assert.Zero(t, trainer.steps)
	assert.Equal(t, 1, trainer.released)

	objects, err := store.ListObjects(context.Background(), "models", "")
	require.NoError(t, err)
	assert.Empty(t, objects)
}

func TestTrainJob_ReadyFailureMarksFailed(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 10)

	status := &mockStatus{}
	status.On("SetTraining").Return(nil)
	status.On("SetReady", mock.Anything).Return(errors.New("database unavailable"))
	status.On("SetFailed", mock.Anything).Return(nil)

	job := TrainJob{Fetcher: assets.NewFetcher(store), Trainer: &fakeTrainer{}, Status: status, Dirs: workDirs(t)}

	_, err := job.Run(context.Background(), trainArgs())
	require.ErrorContains(t, err, "database unavailable")
	status.AssertNumberOfCalls(t, "SetFailed", 1)
}

func TestPlaceholderTrainJob(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 10)

	status := newMockStatus()
	dirs := workDirs(t)
	job := PlaceholderTrainJob{Fetcher: assets.NewFetcher(store), Status: status, Dirs: dirs}

	modelPath, err := job.Run(context.Background(), trainArgs())
	require.NoError(t, err)
	assert.Equal(t, "gs://models/models/brand-1", modelPath)
	status.AssertCalled(t, "SetReady", "gs://models/models/brand-1")
	status.AssertNotCalled(t, "SetFailed", mock.Anything)

	data, err := store.GetObject(context.Background(), "models", "models/brand-1/lora_weights.safetensors")
	require.NoError(t, err)
	assert.Equal(t, "LoRA weights for Acme (MVP placeholder)", string(data))

	// the uploaded file carries a weights extension but is not a weights container
	ok, err := adapter.IsSafetensors(filepath.Join(dirs.OutputDir, core.PlaceholderWeightsFilename))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPlaceholderTrainJob_InsufficientImages(t *testing.T) {
	store := newStore(t)
	uploadImages(t, store, 3)

	status := newMockStatus()
	job := PlaceholderTrainJob{Fetcher: assets.NewFetcher(store), Status: status, Dirs: workDirs(t)}

	_, err := job.Run(context.Background(), trainArgs())
	require.ErrorIs(t, err, assets.ErrInsufficientImages)
	status.AssertNumberOfCalls(t, "SetFailed", 1)
	status.AssertNotCalled(t, "SetReady", mock.Anything)
}

type stubPipeline struct {
	image    []byte
	adapters []string
	prompts  []string
	released int
}

func (p *stubPipeline) Load(ctx context.Context, opts diffusion.LoadOptions) error { return nil }

func (p *stubPipeline) SetScheduler(ctx context.Context, cfg diffusion.SchedulerConfig) error {
	return nil
}

func (p *stubPipeline) FuseAdapter(ctx context.Context, path string, scale float64) error {
	p.adapters = append(p.adapters, path)
	return nil
}

func (p *stubPipeline) Generate(ctx context.Context, params diffusion.GenerateParams) ([]byte, error) {
	p.prompts = append(p.prompts, params.Prompt)
	return p.image, nil
}

func (p *stubPipeline) Release() {
	p.released++
}

func createDB(t *testing.T, create ...any) *gorm.DB {
	db, err := database.NewDatabase("sqlite://" + filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	for _, c := range create {
		require.NoError(t, db.Create(c).Error)
	}
	return db
}

func brandRecord(status string) *database.Brand {
	brand := &database.Brand{
		UserId:    "user-1",
		BrandId:   "brand-1",
		Name:      "Acme",
		Colors:    datatypes.JSONSlice[database.BrandColor]{{Hex: "#ff0000"}},
		Style:     "flat",
		Status:    status,
		CreatedAt: time.Now().UTC(),
	}
	if status == database.BrandReady {
		brand.LoraModelPath.String, brand.LoraModelPath.Valid = "gs://models/models/brand-1", true
	}
	return brand
}

func illustrationRecord() *database.Illustration {
	return &database.Illustration{
		Id:        "ill-1",
		UserId:    "user-1",
		BrandId:   "brand-1",
		Prompt:    "a cat",
		Status:    database.IllustrationQueued,
		CreatedAt: time.Now().UTC(),
	}
}

func illustrationJob(t *testing.T, db *gorm.DB, store storage.Provider, pipeline *stubPipeline) *IllustrationJob {
	return &IllustrationJob{
		DB:            db,
		Fetcher:       assets.NewFetcher(store),
		NewPipeline:   func() (diffusion.Pipeline, error) { return pipeline, nil },
		Bucket:        "illustrations",
		PublicBaseURL: "https://storage.googleapis.com",
		CacheDir:      t.TempDir(),
		WorkDir:       t.TempDir(),
	}
}

func TestIllustrationJob_Completes(t *testing.T) {
	db := createDB(t, brandRecord(database.BrandReady), illustrationRecord())
	store := newStore(t)
	require.NoError(t, store.PutObject(context.Background(), "models", "models/brand-1/adapter_model.safetensors", bytes.NewReader(safetensorsBytes())))

	pipeline := &stubPipeline{image: pngBytes(t, color.RGBA{B: 255, A: 255})}
	job := illustrationJob(t, db, store, pipeline)

	result, err := job.Run(context.Background(), IllustrationArgs{
		IllustrationId: "ill-1", UserId: "user-1", BrandId: "brand-1", Prompt: "a cat", Width: 1024, Height: 1024,
	})
	require.NoError(t, err)

	assert.Equal(t, "https://storage.googleapis.com/illustrations/illustrations/user-1/ill-1.png", result.ImageURL)
	assert.Equal(t, "https://storage.googleapis.com/illustrations/illustrations/user-1/ill-1_thumb.png", result.ThumbnailURL)
	assert.Equal(t, []string{"a cat, incorporating brand colors #ff0000, in flat style"}, pipeline.prompts)
	require.Len(t, pipeline.adapters, 1)
	assert.Equal(t, filepath.Join(job.CacheDir, "lora", "models", "brand-1", "adapter_model.safetensors"), pipeline.adapters[0])
	assert.Equal(t, 1, pipeline.released)

	thumb, err := store.GetObject(context.Background(), "illustrations", "illustrations/user-1/ill-1_thumb.png")
	require.NoError(t, err)
	cfg, err := png.DecodeConfig(bytes.NewReader(thumb))
	require.NoError(t, err)
	assert.Equal(t, 256, cfg.Width)
	assert.Equal(t, 256, cfg.Height)

	var record database.Illustration
	require.NoError(t, db.First(&record, "id = ?", "ill-1").Error)
	assert.Equal(t, database.IllustrationCompleted, record.Status)
	assert.Equal(t, result.ImageURL, record.ImageURL)
	assert.Equal(t, "a cat, incorporating brand colors #ff0000, in flat style", record.FinalPrompt)
}

func TestIllustrationJob_PlaceholderBrandSkipsAdapter(t *testing.T) {
	db := createDB(t, brandRecord(database.BrandReady), illustrationRecord())
	store := newStore(t)
	require.NoError(t, store.PutObject(context.Background(), "models", "models/brand-1/lora_weights.safetensors", strings.NewReader("LoRA weights for Acme (MVP placeholder)")))

	pipeline := &stubPipeline{image: pngBytes(t, color.RGBA{G: 255, A: 255})}
	job := illustrationJob(t, db, store, pipeline)

	_, err := job.Run(context.Background(), IllustrationArgs{
		IllustrationId: "ill-1", UserId: "user-1", BrandId: "brand-1", Prompt: "a cat", Width: 512, Height: 512,
	})
	require.NoError(t, err)
	assert.Empty(t, pipeline.adapters)
	assert.Len(t, pipeline.prompts, 1)
}

func TestIllustrationJob_BrandNotReady(t *testing.T) {
	db := createDB(t, brandRecord(database.BrandTraining), illustrationRecord())
	pipeline := &stubPipeline{}
	job := illustrationJob(t, db, newStore(t), pipeline)

	_, err := job.Run(context.Background(), IllustrationArgs{
		IllustrationId: "ill-1", UserId: "user-1", BrandId: "brand-1", Prompt: "a cat", Width: 1024, Height: 1024,
	})
	require.ErrorIs(t, err, ErrBrandNotReady)
	assert.Empty(t, pipeline.prompts)

	var record database.Illustration
	require.NoError(t, db.First(&record, "id = ?", "ill-1").Error)
	assert.Equal(t, database.IllustrationFailed, record.Status)
	assert.Contains(t, record.Error.String, "brand training not complete")
	assert.True(t, record.FailedAt.Valid)
}

func TestIllustrationKeys(t *testing.T) {
	image, thumb := IllustrationKeys("u", "i")
	assert.Equal(t, "illustrations/u/i.png", image)
	assert.Equal(t, "illustrations/u/i_thumb.png", thumb)
}
