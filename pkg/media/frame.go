package media

import (
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/icza/bitio"
)

// Wire framing for samples read from storage and live access points.
//
// frameV0 {
//   version      5 bits
//   isKeyFrame   1 bit
//   isAudio      1 bit
//   hasGap       1 bit
//   codec        8 bits
//   timeNS       64 bits  // capture time, UnixNano.
//   gapNS        64 bits  // only when hasGap.
//   partCount    16 bits
//   parts        []{ size uint32, data []byte }  // byte-aligned.
// }

const frameVersion = 0

const (
	maxFrameParts    = 256
	maxFramePartSize = 16 << 20
)

// Errors.
var (
	ErrFrameVersion  = errors.New("unsupported frame version")
	ErrFrameTooLarge = errors.New("frame exceeds size limits")
)

// WriteSample writes one framed sample.
func WriteSample(w io.Writer, sample *Sample) error {
	if len(sample.Payload) > maxFrameParts {
		return fmt.Errorf("%w: %d parts", ErrFrameTooLarge, len(sample.Payload))
	}

	bw := bitio.NewWriter(w)

	bw.TryWriteBits(frameVersion, 5)
	bw.TryWriteBool(sample.IsKeyFrame)
	bw.TryWriteBool(sample.IsAudio)
	bw.TryWriteBool(sample.Gap != 0)
	bw.TryWriteBits(uint64(sample.Codec), 8)
	bw.TryWriteBits(uint64(sample.Time.UnixNano()), 64)
	if sample.Gap != 0 {
		bw.TryWriteBits(uint64(sample.Gap), 64)
	}
	bw.TryWriteBits(uint64(len(sample.Payload)), 16)

	for _, part := range sample.Payload {
		if len(part) > maxFramePartSize {
			return fmt.Errorf("%w: %d byte part", ErrFrameTooLarge, len(part))
		}
		bw.TryWriteBits(uint64(len(part)), 32)
		bw.TryWrite(part)
	}
	if bw.TryError != nil {
		return bw.TryError
	}
	return bw.Close()
}

// ReadSample reads one framed sample.
func ReadSample(r io.Reader) (*Sample, error) {
	br := bitio.NewReader(r)

	version := br.TryReadBits(5)
	isKeyFrame := br.TryReadBool()
	isAudio := br.TryReadBool()
	hasGap := br.TryReadBool()
	codec := br.TryReadBits(8)
	timeNS := br.TryReadBits(64)
	if br.TryError != nil {
		return nil, br.TryError
	}
	if version != frameVersion {
		return nil, fmt.Errorf("%w: %d", ErrFrameVersion, version)
	}

	sample := &Sample{
		Codec:      Codec(codec),
		Time:       time.Unix(0, int64(timeNS)),
		IsKeyFrame: isKeyFrame,
		IsAudio:    isAudio,
	}

	if hasGap {
		sample.Gap = time.Duration(br.TryReadBits(64))
	}

	partCount := br.TryReadBits(16)
	if br.TryError != nil {
		return nil, br.TryError
	}
	if partCount > maxFrameParts {
		return nil, fmt.Errorf("%w: %d parts", ErrFrameTooLarge, partCount)
	}

	sample.Payload = make([][]byte, partCount)
	for i := range sample.Payload {
		size := br.TryReadBits(32)
		if br.TryError != nil {
			return nil, br.TryError
		}
		if size > maxFramePartSize {
			return nil, fmt.Errorf("%w: %d byte part", ErrFrameTooLarge, size)
		}

		part := make([]byte, size)
		if _, err := io.ReadFull(br, part); err != nil {
			return nil, err
		}
		sample.Payload[i] = part
	}

	return sample, nil
}
