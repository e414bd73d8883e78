// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoints saves and loads model state dicts (see nn.StateDict) to a directory.
//
// Each checkpoint is a pair of files sharing a base name: a JSON file with the metadata (tensor
// names, shapes, positions, the checksum of the data and any extra parameters) and a binary file
// with the tensor values, as little-endian float64, optionally compressed with LZ4.
//
// Example, saving the model every epoch and keeping the last 3 checkpoints:
//
//	checkpoint, err := checkpoints.Build(dir).Keep(3).Done()
//	if err != nil { ... }
//	if loaded := checkpoint.Loaded(); loaded != nil {
//		err = nn.LoadStateDict(model, loaded.Tensors)
//	}
//	...
//	err = checkpoint.Save(epoch, nn.StateDict(model), map[string]any{"model": "deep"})
package checkpoints

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"hash"
	"io"
	"math"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/shardbench/pkg/ml/nn"
	"github.com/gomlx/shardbench/pkg/support/fsutil"
	"github.com/gomlx/shardbench/pkg/support/xslices"
	jsoniter "github.com/json-iterator/go"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

var (
	// ErrUnsupportedCompression signifies an error when a compression type is not supported.
	ErrUnsupportedCompression = errors.New("unsupported compression")

	// ErrChecksumMismatch is returned when the data file doesn't match the checksum in the metadata.
	ErrChecksumMismatch = errors.New("checkpoint checksum mismatch")
)

// BinFormat defines the type for representing binary file compression formats.
type BinFormat int

const (
	// BinLZ4 represents the LZ4 compressed binary file format. This is the default.
	BinLZ4 BinFormat = iota
	// BinUncompressed represents the uncompressed binary file format.
	BinUncompressed
)

func (bf BinFormat) String() string {
	switch bf {
	case BinLZ4:
		return "lz4"
	case BinUncompressed:
		return "uncompressed"
	default:
		return "unknown"
	}
}

// Config for the checkpoints' Handler to be created. This is created with Build() and
// configured with the various methods. Once finished, call Done() and it will output
// a checkpoints.Handler that loads (if there are any previously saved checkpoints) and
// saves checkpoints.
type Config struct {
	dir       string
	keep      int
	mustLoad  bool
	takeMean  int
	binFormat BinFormat
}

// Build a configuration for building a checkpoints.Handler saving to and loading from dir.
// After configuring the Config object returned, call `Done` to get the configured checkpoints.Handler.
//
// The directory is created if it doesn't exist yet. A leading "~" is replaced by the user's home directory.
func Build(dir string) *Config {
	return &Config{
		dir:      dir,
		keep:     1,
		takeMean: 1,
	}
}

// Load creates the configuration to load a checkpoint.
// It's identical to Build, except it will fail if the checkpoint does not already exist.
func Load(dir string) *Config {
	c := Build(dir)
	c.mustLoad = true
	return c
}

// Keep configures the number of checkpoint files to keep. If set to -1, it will never erase older checkpoints.
// The default is 1.
func (c *Config) Keep(n int) *Config {
	c.keep = n
	return c
}

// TakeMean loads the element-wise mean of the tensors of the last `n` checkpoints.
// If `n <= 0`, take the mean of all available checkpoints. The step and parameters are taken
// from the most recent checkpoint.
//
// The default is 1, so only load the most recent checkpoint.
func (c *Config) TakeMean(n int) *Config {
	c.takeMean = n
	return c
}

// WithCompression sets the binary format to the provided value. The default configuration is BinLZ4.
func (c *Config) WithCompression(bf BinFormat) *Config {
	c.binFormat = bf
	if bf != BinLZ4 && bf != BinUncompressed {
		c.binFormat = BinLZ4
	}
	return c
}

// Done creates a Handler with the current configuration, and loads the latest checkpoint if there is one.
// It returns an error if the directory can't be created or the checkpoint can't be read.
func (c *Config) Done() (*Handler, error) {
	if c.dir == "" {
		return nil, errors.Errorf("directory for checkpoints not configured")
	}
	dir, err := fsutil.EnsureDir(c.dir)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to prepare checkpoints directory")
	}
	c.dir = dir
	handler := &Handler{config: c}
	checkpoints, err := handler.ListCheckpoints()
	if err != nil {
		return nil, err
	}
	if len(checkpoints) == 0 && c.mustLoad {
		return nil, errors.Errorf("no checkpoints found in %q", c.dir)
	}
	handler.checkpointsCount = maxCheckPointCountFromCheckpoints(checkpoints) + 1
	if len(checkpoints) == 0 {
		return handler, nil
	}
	takeMean := c.takeMean
	if takeMean <= 0 || takeMean > len(checkpoints) {
		takeMean = len(checkpoints)
	}
	if takeMean == 1 {
		handler.loaded, err = handler.LoadFile(xslices.Last(checkpoints))
	} else {
		handler.loaded, err = handler.loadMean(checkpoints[len(checkpoints)-takeMean:])
	}
	if err != nil {
		return nil, err
	}
	return handler, nil
}

// Checkpoint is the content of one saved checkpoint.
type Checkpoint struct {
	// Step is the training step (or epoch) given when saving.
	Step int

	// Tensors in the order they were saved.
	Tensors []nn.NamedTensor

	// Params holds any extra values saved along, decoded from JSON: numbers become float64.
	Params map[string]any
}

// Tensor returns the tensor with the given name, or nil if not present.
func (c *Checkpoint) Tensor(name string) *nn.NamedTensor {
	for i := range c.Tensors {
		if c.Tensors[i].Name == name {
			return &c.Tensors[i]
		}
	}
	return nil
}

// Handler handles saving and loading of checkpoints for a model state dict.
//
// It is created and configured using Build(), followed by options setting and then calling
// Config.Done(). Loading happens at its creation time: it loads from the latest checkpoint,
// available with Loaded.
//
// Saving of checkpoints is explicit, by calling Handler.Save(). Usually this is
// done by configuring train.Loop to call it using train.EveryNEpochs.
type Handler struct {
	config           *Config
	loaded           *Checkpoint
	checkpointsCount int
}

// serializedData is how the metadata is read and written from storage.
type serializedData struct {
	Step   int
	Params map[string]any `json:",omitempty"`

	// Tensors in the order they are stored in the data file.
	Tensors []serializedTensor

	// BinFormat describes the format used by the binary file. It is informative.
	// The current valid values are "lz4" and "uncompressed".
	BinFormat string

	// Checksum is the xxhash64 of the uncompressed data.
	Checksum uint64
}

// serializedTensor contains information about the tensor that was serialized.
// Pos and Length are in bytes of the uncompressed data.
type serializedTensor struct {
	Name        string
	Shape       []int
	Pos, Length int
}

// String implements Stringer.
func (h *Handler) String() string {
	return fmt.Sprintf("checkpoints.Handler(%q)", h.config.dir)
}

// Dir returns the directory where checkpoints are saved, with "~" expanded.
func (h *Handler) Dir() string {
	return h.config.dir
}

// Loaded returns the checkpoint loaded when the Handler was created, or nil if there was none.
func (h *Handler) Loaded() *Checkpoint {
	return h.loaded
}

const (
	baseNamePrefix = "checkpoint-"

	// JsonNameSuffix for the JSON files returned by Handler.ListCheckpoints.
	JsonNameSuffix = ".json"

	// BinDataSuffix for the data files (holding the tensor values) returned by Handler.ListCheckpoints.
	BinDataSuffix = ".bin"

	// BackupDir is the name of the (sub-)directory under the checkpoints directory that holds
	// the backups. See Handler.Backup.
	BackupDir = "backup"

	bytesPerValue = 8
)

// newCheckpointBaseName returns the base name for the checkpoint files.
func (h *Handler) newCheckpointBaseName(step int) string {
	now := time.Now().Format("20060102-150405")
	baseName := fmt.Sprintf("%sn%07d-%s", baseNamePrefix, h.checkpointsCount, now)
	if step > 0 {
		return fmt.Sprintf("%s-step-%08d", baseName, step)
	}
	return fmt.Sprintf("%s-initial", baseName)
}

// ListCheckpoints returns the base names of the checkpoints in the directory in time order (older first).
//
// The actual file names are these base names suffixed with JsonNameSuffix and BinDataSuffix.
func (h *Handler) ListCheckpoints() (checkpoints []string, err error) {
	entries, err := os.ReadDir(h.config.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "%s listing checkpoints", h)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		fileName := entry.Name()
		if !strings.HasPrefix(fileName, baseNamePrefix) || !strings.HasSuffix(fileName, JsonNameSuffix) {
			continue
		}
		checkpoints = append(checkpoints, fileName[:len(fileName)-len(JsonNameSuffix)])
	}
	sort.Strings(checkpoints)
	return checkpoints, nil
}

// HasCheckpoints returns whether there are any checkpoints saved.
func (h *Handler) HasCheckpoints() (bool, error) {
	list, err := h.ListCheckpoints()
	return len(list) > 0, err
}

var checkpointCountRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// maxCheckPointCountFromCheckpoints returns the largest count in the saved
// checkpoints, so the next checkpoint saved uses this count+1.
//
// The input should be the output of Handler.ListCheckpoints.
func maxCheckPointCountFromCheckpoints(checkpoints []string) int {
	maxId := -1
	for _, name := range checkpoints {
		matches := checkpointCountRegex.FindStringSubmatch(name)
		if len(matches) != 2 {
			continue
		}
		id, err := strconv.Atoi(matches[1])
		if err != nil {
			continue
		}
		maxId = max(maxId, id)
	}
	return maxId
}

// Save creates a new checkpoint with the given tensors, step and (optionally) params.
// Params are serialized with JSON.
//
// If the handler is nil, this is a no-op: so it's safe to simply be called, even if the user hasn't configured a
// checkpoint.
func (h *Handler) Save(step int, tensors []nn.NamedTensor, params map[string]any) error {
	if h == nil {
		return nil
	}
	serialized := &serializedData{
		Step:      step,
		Params:    params,
		BinFormat: h.config.binFormat.String(),
		Tensors:   make([]serializedTensor, 0, len(tensors)),
	}
	baseName := h.newCheckpointBaseName(step)
	h.checkpointsCount++

	// Data file first: the metadata carries its checksum, and a checkpoint is only listed once its
	// metadata exists.
	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	err := fsutil.WriteFileAtomic(binFileName, func(f *os.File) error {
		var err error
		serialized.Checksum, err = writeTensors(f, h.config.binFormat, tensors, &serialized.Tensors)
		return err
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint data file %s", h, binFileName)
	}
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	err = fsutil.WriteFileAtomic(jsonFileName, func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "\t")
		return enc.Encode(serialized)
	})
	if err != nil {
		return errors.WithMessagef(err, "%s: failed to write checkpoint metadata file %s", h, jsonFileName)
	}
	klog.V(1).Infof("saved checkpoint %q (%d tensors)", baseName, len(tensors))
	return h.keepNCheckpoints()
}

// writeTensors writes the values of the tensors, and returns the checksum of the uncompressed data.
func writeTensors(f io.Writer, bf BinFormat, tensors []nn.NamedTensor, index *[]serializedTensor) (uint64, error) {
	buffered := bufio.NewWriter(f)
	var dataWriter io.Writer = buffered
	var zw *lz4.Writer
	if bf == BinLZ4 {
		if err := writeHeader(buffered, bf); err != nil {
			return 0, err
		}
		zw = lz4.NewWriter(buffered)
		dataWriter = zw
	}
	checksum := xxhash.New()
	mw := io.MultiWriter(checksum, dataWriter)
	pos := 0
	var buf [bytesPerValue]byte
	for _, tensor := range tensors {
		size := 1
		for _, dim := range tensor.Shape {
			size *= dim
		}
		if size != len(tensor.Data) {
			return 0, errors.Errorf("tensor %q has shape %v but %d values", tensor.Name, tensor.Shape, len(tensor.Data))
		}
		for _, v := range tensor.Data {
			binary.LittleEndian.PutUint64(buf[:], math.Float64bits(v))
			if _, err := mw.Write(buf[:]); err != nil {
				return 0, errors.Wrapf(err, "failed to write tensor %q", tensor.Name)
			}
		}
		length := len(tensor.Data) * bytesPerValue
		*index = append(*index, serializedTensor{
			Name:   tensor.Name,
			Shape:  append([]int(nil), tensor.Shape...),
			Pos:    pos,
			Length: length,
		})
		pos += length
	}
	if zw != nil {
		if err := zw.Close(); err != nil {
			return 0, errors.Wrap(err, "failed to close lz4 stream")
		}
	}
	if err := buffered.Flush(); err != nil {
		return 0, errors.Wrap(err, "failed to flush data")
	}
	return checksum.Sum64(), nil
}

// LoadFile loads the checkpoint with the given base name, as returned by ListCheckpoints.
// The data is verified against the checksum in the metadata.
func (h *Handler) LoadFile(baseName string) (*Checkpoint, error) {
	klog.V(1).Infof("loading: %q", baseName)
	jsonFileName := filepath.Join(h.config.dir, baseName+JsonNameSuffix)
	jsonFile, err := os.Open(jsonFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint metadata file %s", h, jsonFileName)
	}
	defer func() { _ = jsonFile.Close() }()
	var serialized serializedData
	if err = json.NewDecoder(jsonFile).Decode(&serialized); err != nil {
		return nil, errors.Wrapf(err, "%s: failed to decode checkpoint metadata file %s", h, jsonFileName)
	}

	binFileName := filepath.Join(h.config.dir, baseName+BinDataSuffix)
	binFile, err := os.Open(binFileName)
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to open checkpoint data file %s", h, binFileName)
	}
	defer func() { _ = binFile.Close() }()
	reader, err := getLoadVarFilesFromReader(bufio.NewReader(binFile))
	if err != nil {
		return nil, errors.Wrapf(err, "%s: failed to read checkpoint data file %s", h, binFileName)
	}
	checkpoint, err := readTensors(reader, &serialized)
	if err != nil {
		return nil, errors.WithMessagef(err, "failed loading checkpoint from %s{%s,%s}",
			baseName, JsonNameSuffix, BinDataSuffix)
	}
	return checkpoint, nil
}

func readTensors(r io.Reader, serialized *serializedData) (*Checkpoint, error) {
	var checksum hash.Hash64 = xxhash.New()
	r = io.TeeReader(r, checksum)
	checkpoint := &Checkpoint{
		Step:    serialized.Step,
		Params:  serialized.Params,
		Tensors: make([]nn.NamedTensor, 0, len(serialized.Tensors)),
	}
	pos := 0
	var buf [bytesPerValue]byte
	for _, st := range serialized.Tensors {
		if st.Pos != pos || st.Length%bytesPerValue != 0 {
			return nil, errors.Errorf("tensor %q at invalid position %d (length %d), expected position %d",
				st.Name, st.Pos, st.Length, pos)
		}
		data := make([]float64, st.Length/bytesPerValue)
		for i := range data {
			if _, err := io.ReadFull(r, buf[:]); err != nil {
				return nil, errors.Wrapf(err, "failed to read tensor %q", st.Name)
			}
			data[i] = math.Float64frombits(binary.LittleEndian.Uint64(buf[:]))
		}
		pos += st.Length
		checkpoint.Tensors = append(checkpoint.Tensors, nn.NamedTensor{Name: st.Name, Shape: st.Shape, Data: data})
	}
	if n, _ := io.Copy(io.Discard, r); n > 0 {
		return nil, errors.Errorf("%d unexpected trailing bytes after the last tensor", n)
	}
	if got := checksum.Sum64(); got != serialized.Checksum {
		return nil, errors.Wrapf(ErrChecksumMismatch, "data checksum %016x, metadata has %016x", got, serialized.Checksum)
	}
	return checkpoint, nil
}

// loadMean loads the checkpoints and returns the most recent with its tensors replaced by the
// element-wise mean over all of them.
func (h *Handler) loadMean(baseNames []string) (*Checkpoint, error) {
	klog.V(1).Infof("%s: taking the mean of %d checkpoints", h, len(baseNames))
	mean, err := h.LoadFile(xslices.Last(baseNames))
	if err != nil {
		return nil, err
	}
	for _, baseName := range baseNames[:len(baseNames)-1] {
		other, err := h.LoadFile(baseName)
		if err != nil {
			return nil, err
		}
		for i := range mean.Tensors {
			tensor := &mean.Tensors[i]
			otherTensor := other.Tensor(tensor.Name)
			if otherTensor == nil || len(otherTensor.Data) != len(tensor.Data) {
				return nil, errors.Errorf("%s: tensor %q missing or with a different size in checkpoint %q",
					h, tensor.Name, baseName)
			}
			floats.Add(tensor.Data, otherTensor.Data)
		}
	}
	for _, tensor := range mean.Tensors {
		floats.Scale(1/float64(len(baseNames)), tensor.Data)
	}
	return mean, nil
}

// Backup links the latest checkpoint to a separate sub-directory under the checkpoints directory called
// "backup" (constant in checkpoints.BackupDir).
//
// This way the backed up checkpoint doesn't get automatically deleted as the training progresses.
func (h *Handler) Backup() error {
	baseNames, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "failed Backup() finding current checkpoints")
	}
	if len(baseNames) == 0 {
		return errors.Errorf("there are no saved checkpoints in %q: maybe call Save() before Backup() ?", h.Dir())
	}
	baseName := xslices.Last(baseNames)
	backupDir := path.Join(h.Dir(), BackupDir)
	if err = os.MkdirAll(backupDir, fsutil.DirPermMode); err != nil {
		return errors.Wrapf(err, "trying to create dir %q", backupDir)
	}
	for _, suffix := range []string{BinDataSuffix, JsonNameSuffix} {
		srcFilePath := filepath.Join(h.config.dir, baseName+suffix)
		newPath := path.Join(backupDir, baseName+suffix)
		if err := os.Link(srcFilePath, newPath); err != nil {
			return errors.Wrapf(err, "failed to link %q to %q", srcFilePath, newPath)
		}
	}
	return nil
}

// keepNCheckpoints checks if there are more than the configured number of checkpoints, and removes
// the excess.
func (h *Handler) keepNCheckpoints() error {
	if h.config.keep < 0 {
		return nil
	}
	list, err := h.ListCheckpoints()
	if err != nil {
		return errors.WithMessagef(err, "%s failed to list saved checkpoints", h)
	}
	if len(list) <= h.config.keep {
		return nil
	}

	// Remove the excess checkpoints, starting from the earlier ones.
	for _, baseName := range list[:len(list)-h.config.keep] {
		for _, suffix := range []string{JsonNameSuffix, BinDataSuffix} {
			fileName := filepath.Join(h.config.dir, baseName+suffix)
			err = os.Remove(fileName)
			if err != nil && !os.IsNotExist(err) {
				return errors.Wrapf(err, "%s failed to remove excess checkpoint file %q", h, fileName)
			}
		}
	}
	return nil
}

const (
	binHeader    = "shardbench_checkpoints"
	lenBinHeader = len(binHeader)
)

// Format header, only present in compressed files:
//
// -------------------------------------------------
// | 0                      21 | 22  | 23  22 +len |
// -------------------------------------------------
// |  "shardbench_checkpoints" | len |  "lz4"      |

func writeHeader(w io.Writer, bf BinFormat) error {
	name := bf.String()
	header := make([]byte, 0, lenBinHeader+1+len(name))
	header = append(header, binHeader...)
	header = append(header, byte(len(name)))
	header = append(header, name...)
	_, err := w.Write(header)
	return errors.Wrap(err, "write header")
}

// getLoadVarFilesFromReader returns a reader to the decompressed tensor values. Files without a
// header are read as uncompressed.
func getLoadVarFilesFromReader(r *bufio.Reader) (io.Reader, error) {
	header, err := r.Peek(lenBinHeader)
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, errors.Wrap(err, "read header")
	}
	if string(header) != binHeader {
		return r, nil
	}
	_, _ = r.Discard(lenBinHeader)
	nameLen, err := r.ReadByte()
	if err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	name := make([]byte, nameLen)
	if _, err = io.ReadFull(r, name); err != nil {
		return nil, errors.Wrap(err, "read header")
	}
	if string(name) != BinLZ4.String() {
		return nil, errors.Wrapf(ErrUnsupportedCompression, "compression %q", name)
	}
	return lz4.NewReader(r), nil
}
