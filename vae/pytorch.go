// Copyright 2026 The lensvae Authors. SPDX-License-Identifier: Apache-2.0

package vae

import (
	"encoding/json"
	"io"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/lensgo/lensvae/faults"
	"github.com/lensgo/lensvae/pkg/ml/checkpoints"
	"github.com/lensgo/lensvae/pkg/ml/layers"
	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/pytorch"
	"github.com/nlpodyssey/gopickle/types"
	"k8s.io/klog/v2"
)

// PyTorchExtension of the files written by torch.save.
const PyTorchExtension = ".pth"

// pytorchModule maps the PyTorch submodules of the published models to the scopes of the model variables.
type pytorchModule struct {
	name, scope string
	linear      bool
}

var pytorchModules = []pytorchModule{
	{name: "enc.conv1", scope: EncoderScope + "/conv1"},
	{name: "enc.conv2", scope: EncoderScope + "/conv2"},
	{name: "enc.conv3", scope: EncoderScope + "/conv3"},
	{name: "enc.mu", scope: EncoderScope + "/mean", linear: true},
	{name: "enc.var", scope: EncoderScope + "/log_variance", linear: true},
	{name: "dec.linear", scope: DecoderScope + "/dense", linear: true},
	{name: "dec.conv4", scope: DecoderScope + "/deconv1"},
	{name: "dec.conv5", scope: DecoderScope + "/deconv2"},
	{name: "dec.conv6", scope: DecoderScope + "/deconv3"},
}

// pytorchParams maps PyTorch parameter names to the variable names of the layers.
var pytorchParams = [][2]string{{"weight", layers.ParamWeights}, {"bias", layers.ParamBiases}}

// ImportPyTorch reads the weights of a model saved by PyTorch with torch.save, either the whole model
// or its state_dict, and returns them as a checkpoint that can be loaded with Model.LoadCheckpoint.
//
// The architecture saved as the checkpoint metadata is inferred from the shapes of the weights. The
// weights of the linear layers, stored by PyTorch as (out, in), are transposed.
//
// Files that can't be read or don't hold the expected weights are a faults.CheckpointLoad.
func ImportPyTorch(path string) (*checkpoints.Checkpoint, error) {
	loaded, err := pytorch.LoadWithUnpickler(path, func(r io.Reader) pickle.Unpickler {
		u := pickle.NewUnpickler(r)
		u.FindClass = findModuleClass
		return u
	})
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "failed to read PyTorch file %q", path)
	}
	ckpt := &checkpoints.Checkpoint{Values: make(map[string]*tensors.Tensor)}
	for _, module := range pytorchModules {
		for _, param := range pytorchParams {
			key := module.name + "." + param[0]
			value, err := pytorchTensor(loaded, key)
			if err != nil {
				return nil, faults.Wrapf(faults.CheckpointLoad, err, "PyTorch file %q", path)
			}
			if module.linear && param[0] == "weight" {
				value, err = transposeMatrix(value)
				if err != nil {
					return nil, faults.Wrapf(faults.CheckpointLoad, err, "PyTorch file %q: %q", path, key)
				}
			}
			ckpt.Values[module.scope+"/"+param[1]] = value
		}
	}
	arch, err := inferArchitecture(ckpt.Values)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "PyTorch file %q", path)
	}
	ckpt.Metadata, err = json.Marshal(arch)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "PyTorch file %q", path)
	}
	ckpt.RunID = "pytorch"
	klog.V(1).Infof("vae: imported %d variables of model %s from %q", len(ckpt.Values), arch, path)
	return ckpt, nil
}

// IsPyTorchFile returns whether path has the extension of the files saved by PyTorch.
func IsPyTorchFile(path string) bool {
	return strings.EqualFold(filepath.Ext(path), PyTorchExtension)
}

// inferArchitecture from the shapes of the imported variables.
func inferArchitecture(values map[string]*tensors.Tensor) (Architecture, error) {
	conv1 := values[EncoderScope+"/conv1/"+layers.ParamWeights].Shape().Dimensions
	mean := values[EncoderScope+"/mean/"+layers.ParamWeights].Shape().Dimensions
	if len(conv1) != 4 || len(mean) != 2 {
		return Architecture{}, faults.Errorf(faults.ShapeMismatch,
			"unexpected shapes %v and %v of the first convolution and of the mean projection", conv1, mean)
	}
	for _, g := range Geometries {
		if g.Encoder[0].KernelSize == conv1[2] && g.FlatFeatures() == mean[0] {
			arch := Architecture{Geometry: g.Name, ImageSize: g.ImageSize, Channels: conv1[1], LatentDim: mean[1]}
			_, err := arch.Validate()
			return arch, err
		}
	}
	return Architecture{}, faults.Errorf(faults.ShapeMismatch,
		"no geometry with a %dx%d first kernel and %d flat features", conv1[2], conv1[3], mean[0])
}

// transposeMatrix returns the transpose of a float32 matrix.
func transposeMatrix(t *tensors.Tensor) (*tensors.Tensor, error) {
	dims := t.Shape().Dimensions
	if len(dims) != 2 {
		return nil, faults.Errorf(faults.ShapeMismatch, "expected a matrix, got shape %v", dims)
	}
	rows, cols := dims[0], dims[1]
	transposed := make([]float32, rows*cols)
	err := tensors.ConstFlatData(t, func(flat []float32) {
		for row := range rows {
			for col := range cols {
				transposed[col*rows+row] = flat[row*cols+col]
			}
		}
	})
	if err != nil {
		return nil, err
	}
	return tensors.FromFlatDataAndDimensions(transposed, cols, rows), nil
}

// pyMapping is implemented by the dictionaries decoded by gopickle.
type pyMapping interface {
	Get(key interface{}) (interface{}, bool)
}

// pytorchTensor looks up the tensor with the dotted key (e.g. "enc.conv1.weight") in a state_dict
// or in a pickled module tree, and returns its values as a float32 tensor.
func pytorchTensor(loaded interface{}, key string) (*tensors.Tensor, error) {
	var value interface{}
	if module, ok := loaded.(*pyModule); ok {
		var err error
		value, err = module.lookup(key)
		if err != nil {
			return nil, err
		}
	} else if dict, ok := loaded.(pyMapping); ok {
		var found bool
		value, found = dict.Get(key)
		if !found {
			return nil, faults.Errorf(faults.CheckpointLoad, "state_dict has no %q", key)
		}
	} else {
		return nil, faults.Errorf(faults.CheckpointLoad, "unsupported object %T, expected a module or a state_dict", loaded)
	}
	t, ok := value.(*pytorch.Tensor)
	if !ok {
		return nil, faults.Errorf(faults.CheckpointLoad, "%q is a %T, not a tensor", key, value)
	}
	values, err := tensorValues(t)
	if err != nil {
		return nil, faults.Wrapf(faults.CheckpointLoad, err, "tensor %q", key)
	}
	if len(t.Size) == 0 {
		return tensors.FromScalar(values[0]), nil
	}
	return tensors.FromFlatDataAndDimensions(values, t.Size...), nil
}

// tensorValues gathers the values of t in row-major order, following its offset and strides in the storage.
func tensorValues(t *pytorch.Tensor) ([]float32, error) {
	var storage []float32
	switch source := t.Source.(type) {
	case *pytorch.FloatStorage:
		storage = source.Data
	case *pytorch.HalfStorage:
		storage = source.Data
	case *pytorch.DoubleStorage:
		storage = make([]float32, len(source.Data))
		for ii, v := range source.Data {
			storage[ii] = float32(v)
		}
	default:
		return nil, faults.Errorf(faults.CheckpointLoad, "unsupported storage %T", t.Source)
	}
	if len(t.Stride) != len(t.Size) {
		return nil, faults.Errorf(faults.CheckpointLoad, "size %v and stride %v differ in rank", t.Size, t.Stride)
	}
	size := 1
	for _, dim := range t.Size {
		size *= dim
	}
	values := make([]float32, size)
	index := make([]int, len(t.Size))
	for ii := range values {
		pos := t.StorageOffset
		for axis, idx := range index {
			pos += idx * t.Stride[axis]
		}
		if pos < 0 || pos >= len(storage) {
			return nil, faults.Errorf(faults.CheckpointLoad, "size %v, stride %v and offset %d overflow storage of %d values",
				t.Size, t.Stride, t.StorageOffset, len(storage))
		}
		values[ii] = storage[pos]
		for axis := len(index) - 1; axis >= 0; axis-- {
			index[axis]++
			if index[axis] < t.Size[axis] {
				break
			}
			index[axis] = 0
		}
	}
	return values, nil
}

// findModuleClass is the fallback of the unpickler for the classes not known by gopickle, e.g.
// the torch.nn modules and the model classes: they are all decoded as a pyModule.
func findModuleClass(module, name string) (interface{}, error) {
	return &pyModuleClass{module: module, name: name}, nil
}

// pyModuleClass is a Python class decoded as pyModule.
type pyModuleClass struct {
	module, name string
}

var (
	_ types.PyNewable = (*pyModuleClass)(nil)
	_ types.Callable  = (*pyModuleClass)(nil)
)

// PyNew implements types.PyNewable.
func (c *pyModuleClass) PyNew(args ...interface{}) (interface{}, error) {
	return &pyModule{class: c}, nil
}

// Call implements types.Callable.
func (c *pyModuleClass) Call(args ...interface{}) (interface{}, error) {
	return &pyModule{class: c}, nil
}

// pyModule holds the submodules and the parameters of a pickled torch.nn.Module.
type pyModule struct {
	class               *pyModuleClass
	modules, parameters pyMapping
}

var _ types.PyStateSettable = (*pyModule)(nil)

// PySetState implements types.PyStateSettable: the state of a module is its __dict__.
func (m *pyModule) PySetState(state interface{}) error {
	dict, ok := state.(pyMapping)
	if !ok {
		// Objects other than modules may carry any state, it's ignored.
		return nil
	}
	if modules, found := dict.Get("_modules"); found {
		m.modules, _ = modules.(pyMapping)
	}
	if parameters, found := dict.Get("_parameters"); found {
		m.parameters, _ = parameters.(pyMapping)
	}
	return nil
}

// lookup the parameter with the dotted key, walking down the submodules.
func (m *pyModule) lookup(key string) (interface{}, error) {
	parts := strings.Split(key, ".")
	current := m
	for ii, part := range parts[:len(parts)-1] {
		if current.modules == nil {
			return nil, faults.Errorf(faults.CheckpointLoad, "module %q has no submodules",
				strings.Join(parts[:ii], "."))
		}
		child, found := current.modules.Get(part)
		if !found {
			return nil, faults.Errorf(faults.CheckpointLoad, "module %q not found", strings.Join(parts[:ii+1], "."))
		}
		if current, found = child.(*pyModule); !found {
			return nil, faults.Errorf(faults.CheckpointLoad, "%q is a %T, not a module",
				strings.Join(parts[:ii+1], "."), child)
		}
	}
	name := parts[len(parts)-1]
	if current.parameters == nil {
		return nil, faults.Errorf(faults.CheckpointLoad, "module of %q has no parameters", key)
	}
	value, found := current.parameters.Get(name)
	if !found {
		return nil, faults.Errorf(faults.CheckpointLoad, "parameter %q not found", key)
	}
	return value, nil
}

// pytorchNames lists the dotted names of the PyTorch parameters imported, in order.
func pytorchNames() []string {
	var names []string
	for _, module := range pytorchModules {
		for _, param := range pytorchParams {
			names = append(names, module.name+"."+param[0])
		}
	}
	return names
}
