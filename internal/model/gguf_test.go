package model

import (
	"bytes"
	"encoding/binary"
	"testing"

	"inferd/internal/llmerr"
	"inferd/internal/model/modeltest"
)

func TestReadMetadata(t *testing.T) {
	spec := modeltest.Spec{Arch: "llama", Vocab: 32, Embedding: 4, Layers: 2, Context: 2048}
	md, err := ReadMetadata(bytes.NewReader(modeltest.Encode(spec)))
	if err != nil {
		t.Fatalf("ReadMetadata: %v", err)
	}
	if md.Architecture != "llama" {
		t.Errorf("Architecture = %q", md.Architecture)
	}
	if md.VocabSize != 32 || md.EmbeddingSize != 4 || md.LayerCount != 2 || md.TrainedContext != 2048 {
		t.Errorf("unexpected metadata: %+v", md)
	}
}

func TestCheckMagicRejectsGarbage(t *testing.T) {
	err := CheckMagic(bytes.NewReader([]byte("PNG\x00\x00\x00\x00\x00")))
	if !llmerr.IsModelLoadFailed(err) {
		t.Fatalf("err = %v, want model_load_failed", err)
	}
}

func TestCheckMagicRejectsVersion(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, uint32(ggufMagic))
	_ = binary.Write(&buf, binary.LittleEndian, uint32(1))
	err := CheckMagic(&buf)
	if !llmerr.IsModelLoadFailed(err) {
		t.Fatalf("err = %v, want model_load_failed for version 1", err)
	}
}

func TestReadMetadataTruncated(t *testing.T) {
	full := modeltest.Encode(modeltest.DefaultSpec())
	_, err := ReadMetadata(bytes.NewReader(full[:len(full)/2]))
	if !llmerr.IsModelLoadFailed(err) {
		t.Fatalf("err = %v, want model_load_failed for truncated header", err)
	}
}

func TestReadMetadataMissingDimensions(t *testing.T) {
	// A header with only the architecture key carries no dimensions.
	var buf bytes.Buffer
	w := func(v any) { _ = binary.Write(&buf, binary.LittleEndian, v) }
	ws := func(s string) {
		w(uint64(len(s)))
		buf.WriteString(s)
	}
	w(uint32(ggufMagic))
	w(uint32(3))
	w(uint64(0))
	w(uint64(1))
	ws("general.architecture")
	w(uint32(ggufTypeString))
	ws("llama")

	_, err := ReadMetadata(&buf)
	if !llmerr.IsModelLoadFailed(err) {
		t.Fatalf("err = %v, want model_load_failed for missing dimensions", err)
	}
}
