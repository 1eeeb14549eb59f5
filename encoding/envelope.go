package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/klauspost/compress/zstd"
)

// Envelope layout: [flags:1][xxhash64(payload):8][body]
// body is the payload itself or its zstd frame when flagCompressed is set.
const (
	envelopeHeaderSize = 9
	flagCompressed     = 0x01
)

var (
	ErrEnvelopeTooShort = errors.New("envelope too short")
	ErrChecksumMismatch = errors.New("envelope checksum mismatch")
)

// Sealer wraps payloads in a checksummed, optionally compressed envelope.
// Payloads shorter than Threshold are stored raw. Level 0 disables compression.
type Sealer struct {
	Threshold int
	level     int

	once    sync.Once
	encoder *zstd.Encoder
	decoder *zstd.Decoder
	initErr error
}

// NewSealer creates a Sealer. level follows the 0-4 scale used in config.
func NewSealer(level int, threshold int) *Sealer {
	return &Sealer{Threshold: threshold, level: level}
}

func (s *Sealer) init() {
	s.once.Do(func() {
		s.decoder, s.initErr = zstd.NewReader(nil)
		if s.initErr != nil || s.level == 0 {
			return
		}
		s.encoder, s.initErr = zstd.NewWriter(nil, zstd.WithEncoderLevel(configLevelToZstd(s.level)))
	})
}

// Seal returns the envelope for payload.
func (s *Sealer) Seal(payload []byte) ([]byte, error) {
	s.init()
	if s.initErr != nil {
		return nil, s.initErr
	}

	var flags byte
	body := payload
	if s.encoder != nil && len(payload) >= s.Threshold {
		compressed := s.encoder.EncodeAll(payload, make([]byte, 0, len(payload)/2))
		if len(compressed) < len(payload) {
			body = compressed
			flags |= flagCompressed
		}
	}

	out := make([]byte, envelopeHeaderSize+len(body))
	out[0] = flags
	binary.BigEndian.PutUint64(out[1:envelopeHeaderSize], xxhash.Sum64(payload))
	copy(out[envelopeHeaderSize:], body)
	return out, nil
}

// Open verifies and unwraps an envelope produced by Seal.
func (s *Sealer) Open(data []byte) ([]byte, error) {
	if len(data) < envelopeHeaderSize {
		return nil, ErrEnvelopeTooShort
	}
	s.init()
	if s.initErr != nil {
		return nil, s.initErr
	}

	flags := data[0]
	want := binary.BigEndian.Uint64(data[1:envelopeHeaderSize])
	body := data[envelopeHeaderSize:]

	payload := body
	if flags&flagCompressed != 0 {
		var err error
		payload, err = s.decoder.DecodeAll(body, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress envelope: %w", err)
		}
	} else {
		payload = append([]byte(nil), body...)
	}

	if xxhash.Sum64(payload) != want {
		return nil, ErrChecksumMismatch
	}
	return payload, nil
}

// configLevelToZstd maps config levels (1-4) to zstd.EncoderLevel
func configLevelToZstd(level int) zstd.EncoderLevel {
	switch level {
	case 1:
		return zstd.SpeedFastest
	case 2:
		return zstd.SpeedDefault
	case 3:
		return zstd.SpeedBetterCompression
	case 4:
		return zstd.SpeedBestCompression
	default:
		return zstd.SpeedFastest
	}
}
