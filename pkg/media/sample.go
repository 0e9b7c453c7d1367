// Package media defines the sample model and the transports that move
// samples between the platform's access points and the gateway.
package media

import (
	"errors"
	"time"
)

// Codec of a video or audio sample.
type Codec int

// Codecs the gateway can relay.
const (
	CodecUnknown Codec = iota
	CodecH264
	CodecH265
	CodecMPEG4
	CodecMJPEG
	CodecPCM
)

// Template strings used by the live registry and the statistics
// service to describe a stream's codec.
const (
	TemplateH264  = "video/h264"
	TemplateH265  = "video/h265"
	TemplateMPEG4 = "video/mpeg4"
	TemplateMJPEG = "video/mjpeg"
	TemplatePCM   = "audio/pcm"
)

// ErrUnknownTemplate unrecognized codec template.
var ErrUnknownTemplate = errors.New("unknown codec template")

// ParseTemplate maps a codec template string to a Codec.
func ParseTemplate(template string) (Codec, error) {
	switch template {
	case TemplateH264:
		return CodecH264, nil
	case TemplateH265:
		return CodecH265, nil
	case TemplateMPEG4:
		return CodecMPEG4, nil
	case TemplateMJPEG:
		return CodecMJPEG, nil
	case TemplatePCM:
		return CodecPCM, nil
	}
	return CodecUnknown, ErrUnknownTemplate
}

// Template returns the template string for the codec.
func (c Codec) Template() string {
	switch c {
	case CodecH264:
		return TemplateH264
	case CodecH265:
		return TemplateH265
	case CodecMPEG4:
		return TemplateMPEG4
	case CodecMJPEG:
		return TemplateMJPEG
	case CodecPCM:
		return TemplatePCM
	}
	return ""
}

// Sample is one unit of media data with its capture timestamp.
type Sample struct {
	Codec Codec

	// Capture wall-clock time.
	Time time.Time

	IsKeyFrame bool
	IsAudio    bool

	// Duration of the source-timeline hole preceding this sample.
	// Zero when the sample directly follows the previous one.
	Gap time.Duration

	// NALUs for H264/H265, a single element for everything else.
	Payload [][]byte
}
