package diffusion

import (
	"encoding/json"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBlendNoise(t *testing.T) {
	latents := Tensor{Shape: []int{2}, Data: []float32{1, -1}}
	noise := Tensor{Shape: []int{2}, Data: []float32{0, 2}}

	out, err := BlendNoise(latents, noise, 0)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -1}, out.Data)

	out, err = BlendNoise(latents, noise, 500)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0.5, 0.5}, out.Data, 1e-6)

	out, err = BlendNoise(latents, noise, 999)
	require.NoError(t, err)
	assert.InDelta(t, 0.001, out.Data[0], 1e-6)
	assert.InDelta(t, 2*0.999-0.001, out.Data[1], 1e-6)

	// inputs untouched
	assert.Equal(t, []float32{1, -1}, latents.Data)
}

func TestBlendNoiseErrors(t *testing.T) {
	a := Tensor{Shape: []int{2}, Data: []float32{1, 2}}
	b := Tensor{Shape: []int{3}, Data: []float32{1, 2, 3}}

	_, err := BlendNoise(a, b, 10)
	assert.Error(t, err)

	_, err = BlendNoise(a, a, 1000)
	assert.Error(t, err)

	_, err = BlendNoise(a, a, -1)
	assert.Error(t, err)
}

func TestMSELossAndGrad(t *testing.T) {
	pred := Tensor{Shape: []int{1, 4}, Data: []float32{1, 2, 3, 4}}
	target := Tensor{Shape: []int{1, 4}, Data: []float32{1, 0, 3, 0}}

	loss, err := MSELoss(pred, target)
	require.NoError(t, err)
	assert.InDelta(t, (4.0+16.0)/4.0, loss, 1e-9)

	grad, err := MSEGrad(pred, target, 1)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 1, 0, 2}, grad.Data, 1e-6)
	assert.Equal(t, []int{1, 4}, grad.Shape)

	half, err := MSEGrad(pred, target, 0.5)
	require.NoError(t, err)
	assert.InDeltaSlice(t, []float32{0, 0.5, 0, 1}, half.Data, 1e-6)

	_, err = MSELoss(Tensor{}, Tensor{})
	assert.Error(t, err)
}

func TestRandomNoiseIsSeeded(t *testing.T) {
	a := RandomNoise(rand.New(rand.NewPCG(42, 42)), []int{2, 3})
	b := RandomNoise(rand.New(rand.NewPCG(42, 42)), []int{2, 3})

	assert.Equal(t, a, b)
	assert.Equal(t, 6, a.Len())
	require.NoError(t, a.Validate())
}

func TestRandomTimestepRange(t *testing.T) {
	rng := rand.New(rand.NewPCG(1, 2))
	for range 1000 {
		ts := RandomTimestep(rng)
		assert.GreaterOrEqual(t, ts, 0)
		assert.Less(t, ts, TrainTimesteps)
	}
}

func TestNewGenerateParamsIsDeterministic(t *testing.T) {
	a := NewGenerateParams("a cat", 1024, 768)
	b := NewGenerateParams("a cat", 1024, 768)

	assert.Equal(t, a, b)
	assert.Equal(t, InferenceSteps, a.Steps)
	assert.Equal(t, GuidanceScale, a.GuidanceScale)
	assert.Equal(t, int64(Seed), a.Seed)
	assert.NoError(t, a.Validate())

	assert.Error(t, NewGenerateParams("", 1024, 1024).Validate())
	assert.Error(t, NewGenerateParams("x", 0, 1024).Validate())
}

func TestDefaults(t *testing.T) {
	assert.Equal(t, "A Acme style illustration", Caption("Acme"))

	lora := DefaultLoraConfig(16)
	assert.Equal(t, 16, lora.Rank)
	assert.Equal(t, 16, lora.Alpha)
	assert.Contains(t, lora.TargetModules, "to_out.0")
	assert.Len(t, lora.TargetModules, 6)

	opt := AdamW(1e-4)
	assert.Equal(t, [2]float64{0.9, 0.999}, opt.Betas)
	assert.Equal(t, 1e-2, opt.WeightDecay)

	sched := FastScheduler()
	assert.True(t, sched.UseKarrasSigmas)
}

func TestTensorJSON_PackedData(t *testing.T) {
	in := Tensor{Shape: []int{2, 2}, Data: []float32{1, -2.5, float32(math.Inf(1)), 0}}

	b, err := json.Marshal(in)
	require.NoError(t, err)
	// 16 bytes of float32 data, base64 encoded
	assert.JSONEq(t, `{"shape":[2,2],"data":"AACAPwAAIMAAAIB/AAAAAA=="}`, string(b))

	var out Tensor
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	var bad Tensor
	assert.Error(t, json.Unmarshal([]byte(`{"shape":[3],"data":"AACAPw=="}`), &bad))
	assert.Error(t, json.Unmarshal([]byte(`{"shape":[1],"data":"AACA"}`), &bad))
}

func TestTensorJSON_TrainingImageSize(t *testing.T) {
	image := NewTensor(3, TrainResolution, TrainResolution)

	b, err := json.Marshal(image)
	require.NoError(t, err)

	raw := 4 * image.Len()
	assert.Less(t, len(b), raw*4/3+64)
}
