// SPDX-License-Identifier: GPL-2.0-or-later

package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Archive paths embed the requested start time in compact ISO form.
const archiveTimeLayout = "20060102T150405"

// Errors.
var (
	ErrBadArchivePath = errors.New("malformed archive path")
	ErrBadRange       = errors.New("malformed range header")
)

// ArchiveRequest parsed once per archive DESCRIBE, immutable after.
type ArchiveRequest struct {
	// Platform access point of the camera, may contain slashes.
	ResourceID string

	// Requested wall-clock start position. Zero for ONVIF replay,
	// which receives its position via the Range header on PLAY.
	Start time.Time

	// Per-request disambiguator, two concurrent requests for the
	// same camera and time are distinct mounts.
	GUID uuid.UUID

	Speed         int
	KeyFramesOnly bool
}

// ParseArchivePath parses
// /archive/<resourceId>/<time>/<guid>?speed=<int>[&keyframes].
// The resource id may span multiple path segments.
func ParseArchivePath(path string, query url.Values) (*ArchiveRequest, error) {
	parts := splitMountPath(path, "archive")
	if len(parts) < 3 {
		return nil, fmt.Errorf("%w: %q", ErrBadArchivePath, path)
	}

	guid, err := uuid.Parse(parts[len(parts)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: guid: %v", ErrBadArchivePath, err)
	}

	start, err := time.Parse(archiveTimeLayout, parts[len(parts)-2])
	if err != nil {
		return nil, fmt.Errorf("%w: time: %v", ErrBadArchivePath, err)
	}

	req := &ArchiveRequest{
		ResourceID: strings.Join(parts[:len(parts)-2], "/"),
		Start:      start,
		GUID:       guid,
		Speed:      1,
	}

	if raw := query.Get("speed"); raw != "" {
		speed, err := strconv.Atoi(raw)
		if err != nil || speed == 0 {
			return nil, fmt.Errorf("%w: speed: %q", ErrBadArchivePath, raw)
		}
		req.Speed = speed
	}
	req.KeyFramesOnly = query.Has("keyframes")

	return req, nil
}

// ParseOnvifPath parses /onvif/<resourceId>/<guid>.
func ParseOnvifPath(path string) (*ArchiveRequest, error) {
	parts := splitMountPath(path, "onvif")
	if len(parts) < 2 {
		return nil, fmt.Errorf("%w: %q", ErrBadArchivePath, path)
	}

	guid, err := uuid.Parse(parts[len(parts)-1])
	if err != nil {
		return nil, fmt.Errorf("%w: guid: %v", ErrBadArchivePath, err)
	}

	return &ArchiveRequest{
		ResourceID: strings.Join(parts[:len(parts)-1], "/"),
		GUID:       guid,
		Speed:      1,
	}, nil
}

// splitMountPath strips the leading slash and the expected first
// segment, returning the remaining segments.
func splitMountPath(path, prefix string) []string {
	path = strings.TrimPrefix(path, "/")
	parts := strings.Split(path, "/")
	if len(parts) < 2 || parts[0] != prefix {
		return nil
	}

	rest := parts[1:]
	for _, part := range rest {
		if part == "" {
			return nil
		}
	}
	return rest
}

// Absolute-time range layouts, with and without a fraction.
var rangeClockLayouts = []string{
	"20060102T150405Z",
	"20060102T150405.999999999Z",
}

// ParseRangeClock parses a `clock=<begin>-[<end>]` RTSP Range header.
// The end time is zero when open-ended.
func ParseRangeClock(header string) (begin, end time.Time, err error) {
	const prefix = "clock="
	if !strings.HasPrefix(header, prefix) {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadRange, header)
	}

	rawBegin, rawEnd, found := strings.Cut(header[len(prefix):], "-")
	if !found {
		return time.Time{}, time.Time{}, fmt.Errorf("%w: %q", ErrBadRange, header)
	}

	begin, err = parseRangeTime(rawBegin)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}

	if rawEnd != "" {
		end, err = parseRangeTime(rawEnd)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return begin, end, nil
}

func parseRangeTime(raw string) (time.Time, error) {
	for _, layout := range rangeClockLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: time: %q", ErrBadRange, raw)
}
