package model

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"inferd/internal/llmerr"
)

// ggufMagic is the little-endian file magic "GGUF".
const ggufMagic = 0x46554747

// GGUF metadata value type tags.
const (
	ggufTypeUint8 = iota
	ggufTypeInt8
	ggufTypeUint16
	ggufTypeInt16
	ggufTypeUint32
	ggufTypeInt32
	ggufTypeFloat32
	ggufTypeBool
	ggufTypeString
	ggufTypeArray
	ggufTypeUint64
	ggufTypeInt64
	ggufTypeFloat64
)

// Metadata is the subset of GGUF header metadata the session layer needs.
type Metadata struct {
	Architecture  string
	VocabSize     int
	EmbeddingSize int
	LayerCount    int
	// Context length the model was trained with, from the header.
	TrainedContext int
}

// CheckMagic reads just enough of r to verify the GGUF magic and version.
// It is used as a cheap pre-check before a full header parse.
func CheckMagic(r io.Reader) error {
	var hdr struct {
		Magic   uint32
		Version uint32
	}
	if err := binary.Read(r, binary.LittleEndian, &hdr); err != nil {
		return llmerr.Wrap(llmerr.KindModelLoadFailed, err, "read gguf magic")
	}
	if hdr.Magic != ggufMagic {
		return llmerr.New(llmerr.KindModelLoadFailed, "not a gguf file (magic 0x%08x)", hdr.Magic)
	}
	if hdr.Version < 2 || hdr.Version > 3 {
		return llmerr.New(llmerr.KindModelLoadFailed, "unsupported gguf version %d", hdr.Version)
	}
	return nil
}

// ReadMetadata parses the GGUF header key/value section and extracts model
// dimensions. Tensor data is never read; arrays are skipped element-wise so
// large token tables cost no memory beyond their count.
func ReadMetadata(r io.Reader) (Metadata, error) {
	br := bufio.NewReader(r)
	if err := CheckMagic(br); err != nil {
		return Metadata{}, err
	}
	var counts struct {
		TensorCount uint64
		KVCount     uint64
	}
	if err := binary.Read(br, binary.LittleEndian, &counts); err != nil {
		return Metadata{}, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "read gguf counts")
	}
	// Scalars keyed by name; arrays contribute only their length.
	scalars := make(map[string]any)
	arrayLens := make(map[string]uint64)
	for i := uint64(0); i < counts.KVCount; i++ {
		key, err := readString(br)
		if err != nil {
			return Metadata{}, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "read gguf key %d", i)
		}
		var vt uint32
		if err := binary.Read(br, binary.LittleEndian, &vt); err != nil {
			return Metadata{}, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "read gguf value type for %q", key)
		}
		if vt == ggufTypeArray {
			n, err := skipArray(br)
			if err != nil {
				return Metadata{}, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "skip gguf array %q", key)
			}
			arrayLens[key] = n
			continue
		}
		v, err := readScalar(br, vt)
		if err != nil {
			return Metadata{}, llmerr.Wrap(llmerr.KindModelLoadFailed, err, "read gguf value %q", key)
		}
		scalars[key] = v
	}

	md := Metadata{}
	if arch, ok := scalars["general.architecture"].(string); ok {
		md.Architecture = arch
	}
	md.VocabSize = int(arrayLens["tokenizer.ggml.tokens"])
	if md.Architecture != "" {
		md.EmbeddingSize = intScalar(scalars, md.Architecture+".embedding_length")
		md.LayerCount = intScalar(scalars, md.Architecture+".block_count")
		md.TrainedContext = intScalar(scalars, md.Architecture+".context_length")
	}
	if md.VocabSize <= 0 || md.EmbeddingSize <= 0 || md.LayerCount <= 0 {
		return Metadata{}, llmerr.New(llmerr.KindModelLoadFailed,
			"gguf header missing model dimensions (arch=%q vocab=%d embd=%d layers=%d)",
			md.Architecture, md.VocabSize, md.EmbeddingSize, md.LayerCount)
	}
	return md, nil
}

func intScalar(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case uint32:
		return int(v)
	case int32:
		return int(v)
	case uint64:
		return int(v)
	case int64:
		return int(v)
	case uint16:
		return int(v)
	case int16:
		return int(v)
	case uint8:
		return int(v)
	case int8:
		return int(v)
	}
	return 0
}

func readString(r io.Reader) (string, error) {
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return "", err
	}
	// Keys and values in real headers are short; a multi-MB "string" means a
	// corrupt length field.
	if n > 1<<20 {
		return "", fmt.Errorf("gguf string length %d exceeds limit", n)
	}
	var sb strings.Builder
	if _, err := io.CopyN(&sb, r, int64(n)); err != nil {
		return "", err
	}
	return sb.String(), nil
}

func readScalar(r io.Reader, vt uint32) (any, error) {
	switch vt {
	case ggufTypeUint8:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt8:
		var v int8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint16:
		var v uint16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt16:
		var v int16
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeUint32:
		var v uint32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt32:
		var v int32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat32:
		var v float32
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeBool:
		var v uint8
		err := binary.Read(r, binary.LittleEndian, &v)
		return v != 0, err
	case ggufTypeString:
		return readString(r)
	case ggufTypeUint64:
		var v uint64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeInt64:
		var v int64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	case ggufTypeFloat64:
		var v float64
		err := binary.Read(r, binary.LittleEndian, &v)
		return v, err
	}
	return nil, fmt.Errorf("unknown gguf value type %d", vt)
}

// skipArray consumes an array value and returns its element count.
func skipArray(r io.Reader) (uint64, error) {
	var et uint32
	if err := binary.Read(r, binary.LittleEndian, &et); err != nil {
		return 0, err
	}
	var n uint64
	if err := binary.Read(r, binary.LittleEndian, &n); err != nil {
		return 0, err
	}
	if et == ggufTypeArray {
		return 0, fmt.Errorf("nested gguf arrays not supported")
	}
	if et == ggufTypeString {
		for i := uint64(0); i < n; i++ {
			if _, err := readString(r); err != nil {
				return 0, err
			}
		}
		return n, nil
	}
	size, ok := scalarSize(et)
	if !ok {
		return 0, fmt.Errorf("unknown gguf array element type %d", et)
	}
	if _, err := io.CopyN(io.Discard, r, int64(n)*int64(size)); err != nil {
		return 0, err
	}
	return n, nil
}

func scalarSize(vt uint32) (int, bool) {
	switch vt {
	case ggufTypeUint8, ggufTypeInt8, ggufTypeBool:
		return 1, true
	case ggufTypeUint16, ggufTypeInt16:
		return 2, true
	case ggufTypeUint32, ggufTypeInt32, ggufTypeFloat32:
		return 4, true
	case ggufTypeUint64, ggufTypeInt64, ggufTypeFloat64:
		return 8, true
	}
	return 0, false
}
