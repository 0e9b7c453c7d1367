// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import (
	"errors"
	"fmt"

	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph264"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtph265"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtplpcm"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmjpeg"
	"github.com/bluenviron/gortsplib/v4/pkg/format/rtpmpeg4video"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h264"
	"github.com/bluenviron/mediacommon/v2/pkg/codecs/h265"
	"github.com/pion/rtp"

	"rtspgate/pkg/media"
)

const (
	videoPayloadType = 96
	audioPayloadType = 97

	videoClockRate = 90000

	// Audio is always delivered as 16-bit mono PCM at 8kHz no matter
	// the source codec, the platform resamples upstream.
	audioBitDepth   = 16
	audioSampleRate = 8000
	audioChannels   = 1
)

// ErrCodecUnsupported codec not mountable for this stream kind.
var ErrCodecUnsupported = errors.New("codec not supported for stream kind")

// Pipeline payloads samples into RTP for one mounted resource.
type Pipeline struct {
	Desc *description.Session

	VideoMedia *description.Media
	AudioMedia *description.Media

	encodeVideo func(parts [][]byte) ([]*rtp.Packet, error)
	encodeAudio func(samples []byte) ([]*rtp.Packet, error)
}

// BuildPipeline materializes the payloader for a detected codec and
// stream kind. Unsupported combinations fail the mount.
func BuildPipeline(codec media.Codec, kind StreamKind, withAudio bool) (*Pipeline, error) {
	videoFormat, encodeVideo, err := videoPayloader(codec, kind)
	if err != nil {
		return nil, err
	}

	p := &Pipeline{
		VideoMedia: &description.Media{
			Type:    description.MediaTypeVideo,
			Formats: []format.Format{videoFormat},
		},
		encodeVideo: encodeVideo,
	}
	medias := []*description.Media{p.VideoMedia}

	if withAudio {
		audioEnc := &rtplpcm.Encoder{
			PayloadType:  audioPayloadType,
			BitDepth:     audioBitDepth,
			ChannelCount: audioChannels,
		}
		if err := audioEnc.Init(); err != nil {
			return nil, fmt.Errorf("init audio encoder: %w", err)
		}

		p.AudioMedia = &description.Media{
			Type: description.MediaTypeAudio,
			Formats: []format.Format{&format.LPCM{
				PayloadTyp:   audioPayloadType,
				BitDepth:     audioBitDepth,
				SampleRate:   audioSampleRate,
				ChannelCount: audioChannels,
			}},
		}
		p.encodeAudio = audioEnc.Encode
		medias = append(medias, p.AudioMedia)
	}

	p.Desc = &description.Session{Medias: medias}
	return p, nil
}

func videoPayloader(
	codec media.Codec,
	kind StreamKind,
) (format.Format, func([][]byte) ([]*rtp.Packet, error), error) {
	switch codec {
	case media.CodecH264:
		enc := &rtph264.Encoder{
			PayloadType:       videoPayloadType,
			PacketizationMode: 1,
		}
		if err := enc.Init(); err != nil {
			return nil, nil, err
		}
		return &format.H264{
			PayloadTyp:        videoPayloadType,
			PacketizationMode: 1,
		}, enc.Encode, nil

	case media.CodecH265:
		enc := &rtph265.Encoder{PayloadType: videoPayloadType}
		if err := enc.Init(); err != nil {
			return nil, nil, err
		}
		return &format.H265{PayloadTyp: videoPayloadType}, enc.Encode, nil

	case media.CodecMPEG4:
		// MPEG4 archives only. Live MPEG4 sources are never probed
		// into the registry.
		if kind != KindArchive {
			return nil, nil, fmt.Errorf("%w: mpeg4 %v", ErrCodecUnsupported, kind)
		}
		enc := &rtpmpeg4video.Encoder{PayloadType: videoPayloadType}
		if err := enc.Init(); err != nil {
			return nil, nil, err
		}
		return &format.MPEG4Video{PayloadTyp: videoPayloadType},
			singlePart(enc.Encode), nil

	case media.CodecMJPEG:
		// Containerless fallback, fixed payload type 26.
		enc := &rtpmjpeg.Encoder{}
		if err := enc.Init(); err != nil {
			return nil, nil, err
		}
		return &format.MJPEG{}, singlePart(enc.Encode), nil
	}

	return nil, nil, fmt.Errorf("%w: %v %v", ErrCodecUnsupported, codec, kind)
}

// SetVideoParams fills parameter sets on the video format from a
// keyframe's NALUs so the session description carries them. No-op for
// codecs without out-of-band parameters.
func (p *Pipeline) SetVideoParams(parts [][]byte) {
	switch f := p.VideoMedia.Formats[0].(type) {
	case *format.H264:
		for _, nalu := range parts {
			if len(nalu) == 0 {
				continue
			}
			switch h264.NALUType(nalu[0] & 0x1F) {
			case h264.NALUTypeSPS:
				f.SPS = nalu
			case h264.NALUTypePPS:
				f.PPS = nalu
			}
		}

	case *format.H265:
		for _, nalu := range parts {
			if len(nalu) == 0 {
				continue
			}
			switch h265.NALUType((nalu[0] >> 1) & 0b111111) {
			case h265.NALUType_VPS_NUT:
				f.VPS = nalu
			case h265.NALUType_SPS_NUT:
				f.SPS = nalu
			case h265.NALUType_PPS_NUT:
				f.PPS = nalu
			}
		}
	}
}

// singlePart adapts whole-frame encoders to the NALU-list call shape.
func singlePart(
	encode func([]byte) ([]*rtp.Packet, error),
) func([][]byte) ([]*rtp.Packet, error) {
	return func(parts [][]byte) ([]*rtp.Packet, error) {
		if len(parts) == 0 {
			return nil, nil
		}
		return encode(parts[0])
	}
}

// EncodeVideo payloads one video sample, stamping every packet with
// the presentation time in the 90kHz RTP clock.
func (p *Pipeline) EncodeVideo(parts [][]byte, ptsSeconds float64) ([]*rtp.Packet, error) {
	pkts, err := p.encodeVideo(parts)
	if err != nil {
		return nil, err
	}

	ts := uint32(ptsSeconds * videoClockRate)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
	}
	return pkts, nil
}

// EncodeAudio payloads one audio sample in the PCM sample-rate clock.
func (p *Pipeline) EncodeAudio(samples []byte, ptsSeconds float64) ([]*rtp.Packet, error) {
	if p.encodeAudio == nil {
		return nil, nil
	}

	pkts, err := p.encodeAudio(samples)
	if err != nil {
		return nil, err
	}

	ts := uint32(ptsSeconds * audioSampleRate)
	for _, pkt := range pkts {
		pkt.Timestamp = ts
	}
	return pkts, nil
}
