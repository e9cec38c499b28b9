package checkpoints

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"google.golang.org/protobuf/encoding/protowire"
)

// Field numbers of the ONNX protobuf messages written by encodeONNX
const (
	modelIRVersion     protowire.Number = 1
	modelProducerName  protowire.Number = 2
	modelProducerVer   protowire.Number = 3
	modelGraph         protowire.Number = 7
	modelMetadataProps protowire.Number = 14

	graphName        protowire.Number = 2
	graphInitializer protowire.Number = 5

	tensorDims       protowire.Number = 1
	tensorDataType   protowire.Number = 2
	tensorName       protowire.Number = 8
	tensorDoubleData protowire.Number = 10

	entryKey   protowire.Number = 1
	entryValue protowire.Number = 2

	onnxIRVersion = 7
	onnxDouble    = 11
)

// Metadata keys carrying the non-weight parts of a checkpoint
const (
	keyModel          = "model"
	keyTrainingState  = "training_state"
	keyOptimizerState = "optimizer_state"
	keyMetadata       = "metadata"
)

// encodeONNX serializes the checkpoint as an ONNX ModelProto whose graph
// initializers hold the weights
func encodeONNX(checkpoint *Checkpoint) ([]byte, error) {
	var graph []byte
	graph = protowire.AppendTag(graph, graphName, protowire.BytesType)
	graph = protowire.AppendString(graph, checkpoint.Model)
	for _, w := range checkpoint.Weights {
		if len(w.Data) != numElements(w.Shape) {
			return nil, fmt.Errorf("weight %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
		}
		graph = protowire.AppendTag(graph, graphInitializer, protowire.BytesType)
		graph = protowire.AppendBytes(graph, encodeTensor(w))
	}

	var model []byte
	model = protowire.AppendTag(model, modelIRVersion, protowire.VarintType)
	model = protowire.AppendVarint(model, onnxIRVersion)
	model = protowire.AppendTag(model, modelProducerName, protowire.BytesType)
	model = protowire.AppendString(model, "go-scatter")
	model = protowire.AppendTag(model, modelProducerVer, protowire.BytesType)
	model = protowire.AppendString(model, checkpoint.Metadata.Version)
	model = protowire.AppendTag(model, modelGraph, protowire.BytesType)
	model = protowire.AppendBytes(model, graph)

	props := map[string]interface{}{
		keyModel:         checkpoint.Model,
		keyTrainingState: checkpoint.TrainingState,
		keyMetadata:      checkpoint.Metadata,
	}
	if checkpoint.OptimizerState != nil {
		props[keyOptimizerState] = checkpoint.OptimizerState
	}
	for _, key := range []string{keyModel, keyTrainingState, keyOptimizerState, keyMetadata} {
		value, ok := props[key]
		if !ok {
			continue
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s: %v", key, err)
		}
		var entry []byte
		entry = protowire.AppendTag(entry, entryKey, protowire.BytesType)
		entry = protowire.AppendString(entry, key)
		entry = protowire.AppendTag(entry, entryValue, protowire.BytesType)
		entry = protowire.AppendBytes(entry, encoded)

		model = protowire.AppendTag(model, modelMetadataProps, protowire.BytesType)
		model = protowire.AppendBytes(model, entry)
	}

	return model, nil
}

func encodeTensor(w WeightTensor) []byte {
	var dims []byte
	for _, d := range w.Shape {
		dims = protowire.AppendVarint(dims, uint64(d))
	}
	var values []byte
	for _, v := range w.Data {
		values = protowire.AppendFixed64(values, math.Float64bits(v))
	}

	var b []byte
	b = protowire.AppendTag(b, tensorDims, protowire.BytesType)
	b = protowire.AppendBytes(b, dims)
	b = protowire.AppendTag(b, tensorDataType, protowire.VarintType)
	b = protowire.AppendVarint(b, onnxDouble)
	b = protowire.AppendTag(b, tensorName, protowire.BytesType)
	b = protowire.AppendString(b, w.Name)
	b = protowire.AppendTag(b, tensorDoubleData, protowire.BytesType)
	b = protowire.AppendBytes(b, values)
	return b
}

func numElements(shape []int) int {
	n := 1
	for _, d := range shape {
		n *= d
	}
	return n
}

// fieldVisitor is called for each field of a message. raw holds the bytes
// of length-delimited fields and the value of varint or fixed64 fields is
// passed in v.
type fieldVisitor func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error

func walkMessage(b []byte, visit fieldVisitor) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		var raw []byte
		var v uint64
		switch typ {
		case protowire.VarintType:
			v, n = protowire.ConsumeVarint(b)
		case protowire.Fixed64Type:
			v, n = protowire.ConsumeFixed64(b)
		case protowire.BytesType:
			raw, n = protowire.ConsumeBytes(b)
		default:
			n = protowire.ConsumeFieldValue(num, typ, b)
		}
		if n < 0 {
			return protowire.ParseError(n)
		}
		b = b[n:]

		if err := visit(num, typ, raw, v); err != nil {
			return err
		}
	}
	return nil
}

func decodeONNX(data []byte) (*Checkpoint, error) {
	checkpoint := &Checkpoint{}
	props := make(map[string][]byte)
	sawGraph := false

	err := walkMessage(data, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch {
		case num == modelGraph && typ == protowire.BytesType:
			sawGraph = true
			return decodeGraph(raw, checkpoint)
		case num == modelMetadataProps && typ == protowire.BytesType:
			var key string
			var value []byte
			err := walkMessage(raw, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
				switch num {
				case entryKey:
					key = string(raw)
				case entryValue:
					value = raw
				}
				return nil
			})
			if err != nil {
				return err
			}
			props[key] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to parse ONNX model: %v", err)
	}
	if !sawGraph {
		return nil, fmt.Errorf("ONNX model has no graph")
	}

	if raw, ok := props[keyModel]; ok {
		if err := json.Unmarshal(raw, &checkpoint.Model); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", keyModel, err)
		}
	}
	if raw, ok := props[keyTrainingState]; ok {
		if err := json.Unmarshal(raw, &checkpoint.TrainingState); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", keyTrainingState, err)
		}
	}
	if raw, ok := props[keyOptimizerState]; ok {
		checkpoint.OptimizerState = &OptimizerState{}
		if err := json.Unmarshal(raw, checkpoint.OptimizerState); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", keyOptimizerState, err)
		}
	}
	if raw, ok := props[keyMetadata]; ok {
		if err := json.Unmarshal(raw, &checkpoint.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode %s: %v", keyMetadata, err)
		}
	}

	return checkpoint, nil
}

func decodeGraph(b []byte, checkpoint *Checkpoint) error {
	return walkMessage(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case graphName:
			if checkpoint.Model == "" {
				checkpoint.Model = string(raw)
			}
		case graphInitializer:
			w, err := decodeTensor(raw)
			if err != nil {
				return err
			}
			checkpoint.Weights = append(checkpoint.Weights, w)
		}
		return nil
	})
}

func decodeTensor(b []byte) (WeightTensor, error) {
	var w WeightTensor
	dataType := uint64(0)

	err := walkMessage(b, func(num protowire.Number, typ protowire.Type, raw []byte, v uint64) error {
		switch num {
		case tensorDims:
			if typ == protowire.VarintType {
				w.Shape = append(w.Shape, int(v))
				return nil
			}
			for len(raw) > 0 {
				d, n := protowire.ConsumeVarint(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Shape = append(w.Shape, int(d))
				raw = raw[n:]
			}
		case tensorDataType:
			dataType = v
		case tensorName:
			w.Name = string(raw)
		case tensorDoubleData:
			if typ == protowire.Fixed64Type {
				w.Data = append(w.Data, math.Float64frombits(v))
				return nil
			}
			for len(raw) > 0 {
				bits, n := protowire.ConsumeFixed64(raw)
				if n < 0 {
					return protowire.ParseError(n)
				}
				w.Data = append(w.Data, math.Float64frombits(bits))
				raw = raw[n:]
			}
		}
		return nil
	})
	if err != nil {
		return w, err
	}

	if dataType != onnxDouble {
		return w, fmt.Errorf("tensor %s has data type %d, expected DOUBLE", w.Name, dataType)
	}
	if len(w.Data) != numElements(w.Shape) {
		return w, fmt.Errorf("tensor %s has %d values for shape %v", w.Name, len(w.Data), w.Shape)
	}
	if dot := strings.LastIndex(w.Name, "."); dot >= 0 {
		w.Layer, w.Type = w.Name[:dot], w.Name[dot+1:]
	} else {
		w.Layer, w.Type = w.Name, "weight"
	}
	return w, nil
}
