package nn

import (
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"time"
)

// SavedModel is the JSON form of a compiled Sequential model.
type SavedModel struct {
	Type      string            `json:"type"`
	Version   int               `json:"version"`
	Optimizer string            `json:"optimizer"`
	Loss      string            `json:"loss"`
	Epoch     int               `json:"epoch"`
	Layers    []LayerDefinition `json:"layers"`
}

// LayerDefinition defines a single layer's configuration and parameters.
type LayerDefinition struct {
	Size           int            `json:"size"`
	Activation     string         `json:"activation"`
	Alpha          float64        `json:"alpha,omitempty"`
	Dropout        float32        `json:"dropout,omitempty"`
	Regularization Regularization `json:"regularization"`
	Weights        EncodedWeights `json:"weights"`
	Biases         EncodedWeights `json:"biases"`
}

// EncodedWeights stores float32 values as base64 little-endian bytes.
type EncodedWeights struct {
	Format string `json:"fmt"`
	Data   string `json:"data"`
}

const weightsFormat = "f32le/base64"

func encodeWeights(values []float32) EncodedWeights {
	buf := make([]byte, 4*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return EncodedWeights{Format: weightsFormat, Data: base64.StdEncoding.EncodeToString(buf)}
}

func decodeWeights(w EncodedWeights) ([]float32, error) {
	if w.Format != weightsFormat {
		return nil, fmt.Errorf("unsupported weights format %q", w.Format)
	}
	buf, err := base64.StdEncoding.DecodeString(w.Data)
	if err != nil {
		return nil, fmt.Errorf("decode weights: %w", err)
	}
	if len(buf)%4 != 0 {
		return nil, fmt.Errorf("weights payload has %d bytes, not a multiple of 4", len(buf))
	}
	out := make([]float32, len(buf)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
	}
	return out, nil
}

// Save serializes a compiled model. Optimizer state is not saved.
func Save(m *Sequential) ([]byte, error) {
	if !m.compiled {
		return nil, ErrNotCompiled
	}
	saved := SavedModel{
		Type:      "loomgpu/sequential",
		Version:   1,
		Optimizer: m.optimizer.Name(),
		Loss:      m.loss.Name(),
		Epoch:     m.epoch,
	}
	for _, l := range m.layers {
		def := LayerDefinition{
			Size:           l.Size(),
			Activation:     activationName(l.Activation()),
			Dropout:        l.DropoutRate(),
			Regularization: l.Regularization(),
		}
		if leaky, ok := l.Activation().(*LeakyReLU); ok {
			def.Alpha = leaky.Alpha
		}
		var flat []float32
		for _, row := range l.Weights() {
			flat = append(flat, row...)
		}
		def.Weights = encodeWeights(flat)
		def.Biases = encodeWeights(l.Biases())
		saved.Layers = append(saved.Layers, def)
	}
	return json.MarshalIndent(saved, "", "  ")
}

// Load restores a model saved with Save. Optimizers are recreated from
// their names with default hyper-parameters.
func Load(data []byte) (*Sequential, error) {
	var saved SavedModel
	if err := json.Unmarshal(data, &saved); err != nil {
		return nil, fmt.Errorf("failed to unmarshal model: %w", err)
	}
	opt, err := OptimizerByName(saved.Optimizer)
	if err != nil {
		return nil, err
	}
	loss, err := LossByName(saved.Loss)
	if err != nil {
		return nil, err
	}

	m := NewSequential(opt, loss).WithRand(rand.New(rand.NewSource(time.Now().UnixNano())))
	for _, def := range saved.Layers {
		act, err := ActivationByName(def.Activation)
		if err != nil {
			return nil, err
		}
		if leaky, ok := act.(*LeakyReLU); ok && def.Alpha != 0 {
			leaky.Alpha = def.Alpha
		}
		m.AddLayer(NewDense(def.Size, DenseOptions{Activation: act, Dropout: def.Dropout, Regularization: def.Regularization}))
	}
	if err := m.Compile(); err != nil {
		return nil, err
	}

	for i, def := range saved.Layers[1:] {
		l := m.layers[i+1]
		flat, err := decodeWeights(def.Weights)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i+1, err)
		}
		biases, err := decodeWeights(def.Biases)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", i+1, err)
		}
		if len(flat) != l.Size()*l.PrevSize() {
			return nil, fmt.Errorf("layer %d: expected %d weights, got %d", i+1, l.Size()*l.PrevSize(), len(flat))
		}
		rows := make([][]float32, l.Size())
		for n := range rows {
			rows[n] = flat[n*l.PrevSize() : (n+1)*l.PrevSize()]
		}
		if err := l.SetParameters(rows, biases); err != nil {
			return nil, err
		}
	}
	m.epoch = saved.Epoch
	return m, nil
}

// SaveToFile writes Save output to filename.
func SaveToFile(m *Sequential, filename string) error {
	data, err := Save(m)
	if err != nil {
		return err
	}
	return os.WriteFile(filename, data, 0o644)
}

// LoadFromFile reads a model written by SaveToFile.
func LoadFromFile(filename string) (*Sequential, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read model file: %w", err)
	}
	return Load(data)
}

// Clone returns an independent copy of m with the same parameters.
func Clone(m *Sequential) (*Sequential, error) {
	data, err := Save(m)
	if err != nil {
		return nil, err
	}
	return Load(data)
}
