// Package types defines the wire shapes exchanged with the training service.
// All structs marshal to the exact JSON the server dictates; field names and
// omission rules here are load-bearing and must not drift.
package types

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gabriel-vasile/mimetype"
)

// Chunk type discriminators as they appear on the wire.
const (
	ChunkTypeEncodedText  = "encoded_text"
	ChunkTypeImage        = "image"
	ChunkTypeImagePointer = "image_asset_pointer"
)

// ImageFormat is the set of image encodings the server accepts.
type ImageFormat string

const (
	ImageFormatPNG  ImageFormat = "png"
	ImageFormatJPEG ImageFormat = "jpeg"
)

// Chunk is one element of a ModelInput prompt.
type Chunk interface {
	// NumberCount is the chunk's contribution to the batch bin-packing
	// heuristic: token count for text, payload byte length for images.
	NumberCount() int64

	chunkType() string
}

// EncodedTextChunk carries an already-tokenized text span.
type EncodedTextChunk struct {
	Tokens []int64 `json:"tokens"`
}

func (c EncodedTextChunk) NumberCount() int64 { return int64(len(c.Tokens)) }
func (c EncodedTextChunk) chunkType() string  { return ChunkTypeEncodedText }

// Length returns the number of tokens in the chunk.
func (c EncodedTextChunk) Length() (int64, error) { return int64(len(c.Tokens)), nil }

// ImageChunk carries inline image bytes, base64-encoded. The server computes
// the true token count; ExpectedTokens is advisory and the only way a client
// may reason about the chunk's length.
type ImageChunk struct {
	Data           string      `json:"data"`
	Format         ImageFormat `json:"format"`
	ExpectedTokens *int64      `json:"expected_tokens,omitempty"`
}

func (c ImageChunk) NumberCount() int64 { return int64(len(c.Data)) }
func (c ImageChunk) chunkType() string  { return ChunkTypeImage }

// Length returns ExpectedTokens. It is an error to ask for the length of an
// image chunk that has no advisory token count.
func (c ImageChunk) Length() (int64, error) {
	if c.ExpectedTokens == nil {
		return 0, fmt.Errorf("image chunk has no expected_tokens; length is undefined")
	}
	return *c.ExpectedTokens, nil
}

// ImagePointerChunk references an image by an opaque URI instead of inline bytes.
type ImagePointerChunk struct {
	Location       string      `json:"location"`
	Format         ImageFormat `json:"format"`
	ExpectedTokens *int64      `json:"expected_tokens,omitempty"`
}

func (c ImagePointerChunk) NumberCount() int64 { return int64(len(c.Location)) }
func (c ImagePointerChunk) chunkType() string  { return ChunkTypeImagePointer }

// Length returns ExpectedTokens, erroring when it was never set.
func (c ImagePointerChunk) Length() (int64, error) {
	if c.ExpectedTokens == nil {
		return 0, fmt.Errorf("image pointer chunk has no expected_tokens; length is undefined")
	}
	return *c.ExpectedTokens, nil
}

// NewImageChunk builds an ImageChunk from raw bytes, sniffing the format.
// Only PNG and JPEG payloads are accepted by the server.
func NewImageChunk(raw []byte, expectedTokens *int64) (ImageChunk, error) {
	mt := mimetype.Detect(raw)
	var format ImageFormat
	switch {
	case mt.Is("image/png"):
		format = ImageFormatPNG
	case mt.Is("image/jpeg"):
		format = ImageFormatJPEG
	default:
		return ImageChunk{}, fmt.Errorf("unsupported image type %q: only png and jpeg cross the wire", mt.String())
	}
	return ImageChunk{
		Data:           base64.StdEncoding.EncodeToString(raw),
		Format:         format,
		ExpectedTokens: expectedTokens,
	}, nil
}

// ModelInput is an ordered sequence of chunks forming a prompt.
type ModelInput struct {
	Chunks []Chunk `json:"-"`
}

// ModelInputFromTokens wraps a single encoded-text chunk.
func ModelInputFromTokens(tokens []int64) ModelInput {
	return ModelInput{Chunks: []Chunk{EncodedTextChunk{Tokens: tokens}}}
}

// Append returns a copy of the input with extra chunks appended.
func (m ModelInput) Append(chunks ...Chunk) ModelInput {
	out := make([]Chunk, 0, len(m.Chunks)+len(chunks))
	out = append(out, m.Chunks...)
	out = append(out, chunks...)
	return ModelInput{Chunks: out}
}

// Length sums the token lengths of all chunks. Image chunks without an
// advisory expected_tokens make the total undefined and return an error.
func (m ModelInput) Length() (int64, error) {
	var total int64
	for i, c := range m.Chunks {
		type lengther interface{ Length() (int64, error) }
		l, ok := c.(lengther)
		if !ok {
			return 0, fmt.Errorf("chunk %d has no length", i)
		}
		n, err := l.Length()
		if err != nil {
			return 0, fmt.Errorf("chunk %d: %w", i, err)
		}
		total += n
	}
	return total, nil
}

// NumberCount sums the bin-packing weights of all chunks.
func (m ModelInput) NumberCount() int64 {
	var total int64
	for _, c := range m.Chunks {
		total += c.NumberCount()
	}
	return total
}

type wireChunk struct {
	Type           string      `json:"type"`
	Tokens         []int64     `json:"tokens,omitempty"`
	Data           string      `json:"data,omitempty"`
	Location       string      `json:"location,omitempty"`
	Format         ImageFormat `json:"format,omitempty"`
	ExpectedTokens *int64      `json:"expected_tokens,omitempty"`
}

// MarshalJSON emits the polymorphic chunk array with per-chunk type tags.
func (m ModelInput) MarshalJSON() ([]byte, error) {
	chunks := make([]wireChunk, 0, len(m.Chunks))
	for _, c := range m.Chunks {
		wc := wireChunk{Type: c.chunkType()}
		switch v := c.(type) {
		case EncodedTextChunk:
			wc.Tokens = v.Tokens
		case ImageChunk:
			wc.Data = v.Data
			wc.Format = v.Format
			wc.ExpectedTokens = v.ExpectedTokens
		case ImagePointerChunk:
			wc.Location = v.Location
			wc.Format = v.Format
			wc.ExpectedTokens = v.ExpectedTokens
		default:
			return nil, fmt.Errorf("unknown chunk type %T", c)
		}
		chunks = append(chunks, wc)
	}
	return json.Marshal(struct {
		Chunks []wireChunk `json:"chunks"`
	}{Chunks: chunks})
}

// UnmarshalJSON rebuilds typed chunks from their wire tags.
func (m *ModelInput) UnmarshalJSON(data []byte) error {
	var raw struct {
		Chunks []wireChunk `json:"chunks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	chunks := make([]Chunk, 0, len(raw.Chunks))
	for i, wc := range raw.Chunks {
		switch wc.Type {
		case ChunkTypeEncodedText:
			chunks = append(chunks, EncodedTextChunk{Tokens: wc.Tokens})
		case ChunkTypeImage:
			chunks = append(chunks, ImageChunk{Data: wc.Data, Format: wc.Format, ExpectedTokens: wc.ExpectedTokens})
		case ChunkTypeImagePointer:
			chunks = append(chunks, ImagePointerChunk{Location: wc.Location, Format: wc.Format, ExpectedTokens: wc.ExpectedTokens})
		default:
			return fmt.Errorf("chunk %d: unknown type %q", i, wc.Type)
		}
	}
	m.Chunks = chunks
	return nil
}
