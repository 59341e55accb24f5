package adapter

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
)

const MetadataFilename = "training_metadata.json"

var WeightFileExtensions = []string{".bin", ".safetensors", ".json"}

// WeightsFilename is the file the trainer writes adapter weights to.
const WeightsFilename = "adapter_model.safetensors"

// WeightsURI returns the weights file for a model location. Brand records
// store the upload prefix, so a location without a weights extension is
// treated as a directory.
func WeightsURI(modelPath string) string {
	if modelPath == "" {
		return ""
	}
	switch strings.ToLower(path.Ext(modelPath)) {
	case ".safetensors", ".bin":
		return modelPath
	}
	return strings.TrimSuffix(modelPath, "/") + "/" + WeightsFilename
}

// Metadata describes a trained adapter. It is uploaded next to the weights.
type Metadata struct {
	BrandID       string  `json:"brand_id"`
	NumImages     int     `json:"num_images"`
	TrainingSteps int     `json:"training_steps"`
	LearningRate  float64 `json:"learning_rate"`
	LoraRank      int     `json:"lora_rank"`
	ModelPath     string  `json:"model_path"`
}

func WriteMetadata(dir string, meta Metadata) (string, error) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("error encoding training metadata: %w", err)
	}

	if err := os.MkdirAll(dir, os.ModePerm); err != nil {
		return "", fmt.Errorf("error creating metadata directory: %w", err)
	}

	path := filepath.Join(dir, MetadataFilename)
	if err := os.WriteFile(path, data, 0644); err != nil {
		return "", fmt.Errorf("error writing training metadata: %w", err)
	}
	return path, nil
}

// Safetensors files start with an 8 byte little-endian header length followed
// by a JSON object of that length.
const maxHeaderSize = 100 << 20

type tensorInfo struct {
	Dtype       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets []uint64 `json:"data_offsets"`
}

// IsSafetensors reports whether the file at path is a well-formed
// safetensors container: a parsable header whose tensors exactly cover the
// rest of the file. Only the header is read.
func IsSafetensors(path string) (bool, error) {
	file, err := os.Open(path)
	if err != nil {
		return false, fmt.Errorf("error opening %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}

	var prefix [8]byte
	if _, err := io.ReadFull(file, prefix[:]); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return false, nil
		}
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}

	n := binary.LittleEndian.Uint64(prefix[:])
	if n < 2 || n > maxHeaderSize || n > uint64(info.Size()-8) {
		return false, nil
	}

	header := make([]byte, n)
	if _, err := io.ReadFull(file, header); err != nil {
		return false, fmt.Errorf("error reading %s: %w", path, err)
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(header, &fields); err != nil {
		return false, nil
	}

	var end uint64
	for name, raw := range fields {
		if name == "__metadata__" {
			continue
		}
		var tensor tensorInfo
		if err := json.Unmarshal(raw, &tensor); err != nil || tensor.Dtype == "" || len(tensor.DataOffsets) != 2 {
			return false, nil
		}
		if tensor.DataOffsets[0] > tensor.DataOffsets[1] {
			return false, nil
		}
		end = max(end, tensor.DataOffsets[1])
	}

	// A truncated or padded body means an interrupted or corrupted transfer.
	return end == uint64(info.Size())-8-n, nil
}
