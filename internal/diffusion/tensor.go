package diffusion

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
)

// Tensor is a dense row-major float32 array. In JSON the data is carried as
// base64 of little-endian float32 values, the same bytes as a packed
// protobuf float field.
type Tensor struct {
	Shape []int
	Data  []float32
}

type tensorJSON struct {
	Shape []int  `json:"shape"`
	Data  []byte `json:"data"`
}

func (t Tensor) MarshalJSON() ([]byte, error) {
	raw := make([]byte, 0, 4*len(t.Data))
	for _, v := range t.Data {
		raw = binary.LittleEndian.AppendUint32(raw, math.Float32bits(v))
	}
	return json.Marshal(tensorJSON{Shape: t.Shape, Data: raw})
}

func (t *Tensor) UnmarshalJSON(b []byte) error {
	var wire tensorJSON
	if err := json.Unmarshal(b, &wire); err != nil {
		return err
	}
	if len(wire.Data)%4 != 0 {
		return fmt.Errorf("tensor data length %d is not a multiple of 4", len(wire.Data))
	}

	data := make([]float32, len(wire.Data)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(wire.Data[4*i:]))
	}

	*t = Tensor{Shape: wire.Shape, Data: data}
	if len(t.Shape) == 0 && len(t.Data) == 0 {
		return nil
	}
	return t.Validate()
}

func numel(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

func NewTensor(shape ...int) Tensor {
	return Tensor{Shape: slices.Clone(shape), Data: make([]float32, numel(shape))}
}

func (t Tensor) Len() int {
	return len(t.Data)
}

func (t Tensor) Clone() Tensor {
	return Tensor{Shape: slices.Clone(t.Shape), Data: slices.Clone(t.Data)}
}

func (t Tensor) Validate() error {
	if numel(t.Shape) != len(t.Data) {
		return fmt.Errorf("tensor shape %v does not match %d elements", t.Shape, len(t.Data))
	}
	return nil
}

func checkSameShape(a, b Tensor) error {
	if !slices.Equal(a.Shape, b.Shape) || len(a.Data) != len(b.Data) {
		return fmt.Errorf("shape mismatch: %v vs %v", a.Shape, b.Shape)
	}
	return nil
}

// BlendNoise mixes noise into latents linearly by timestep:
// noise*t/T + latents*(1-t/T).
func BlendNoise(latents, noise Tensor, timestep int) (Tensor, error) {
	if err := checkSameShape(latents, noise); err != nil {
		return Tensor{}, err
	}
	if timestep < 0 || timestep >= TrainTimesteps {
		return Tensor{}, fmt.Errorf("timestep %d out of range [0, %d)", timestep, TrainTimesteps)
	}

	w := float32(timestep) / TrainTimesteps
	out := Tensor{Shape: slices.Clone(latents.Shape), Data: make([]float32, len(latents.Data))}
	for i := range latents.Data {
		out.Data[i] = noise.Data[i]*w + latents.Data[i]*(1-w)
	}
	return out, nil
}

func MSELoss(pred, target Tensor) (float64, error) {
	if err := checkSameShape(pred, target); err != nil {
		return 0, err
	}
	if len(pred.Data) == 0 {
		return 0, fmt.Errorf("empty tensor")
	}

	var sum float64
	for i := range pred.Data {
		d := float64(pred.Data[i]) - float64(target.Data[i])
		sum += d * d
	}
	return sum / float64(len(pred.Data)), nil
}

// MSEGrad is the gradient of MSELoss with respect to pred, multiplied by scale.
func MSEGrad(pred, target Tensor, scale float64) (Tensor, error) {
	if err := checkSameShape(pred, target); err != nil {
		return Tensor{}, err
	}
	if len(pred.Data) == 0 {
		return Tensor{}, fmt.Errorf("empty tensor")
	}

	k := 2 * scale / float64(len(pred.Data))
	grad := Tensor{Shape: slices.Clone(pred.Shape), Data: make([]float32, len(pred.Data))}
	for i := range pred.Data {
		grad.Data[i] = float32(k * (float64(pred.Data[i]) - float64(target.Data[i])))
	}
	return grad, nil
}

// RandomNoise samples a standard normal tensor.
func RandomNoise(rng *rand.Rand, shape []int) Tensor {
	t := NewTensor(shape...)
	for i := range t.Data {
		t.Data[i] = float32(rng.NormFloat64())
	}
	return t
}

func RandomTimestep(rng *rand.Rand) int {
	return rng.IntN(TrainTimesteps)
}

func Caption(brandName string) string {
	return fmt.Sprintf("A %s style illustration", brandName)
}
