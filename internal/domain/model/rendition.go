package model

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// DefaultSegmentDurationSec is the HLS target segment duration.
const DefaultSegmentDurationSec = 4

var (
	ErrEmptyLadder        = errors.New("rendition ladder cannot be empty")
	ErrInvalidRendition   = errors.New("invalid rendition spec")
	ErrDuplicateRendition = errors.New("duplicate rendition name")
)

// RenditionSpec describes one encoded quality level.
type RenditionSpec struct {
	Name               string
	Width              int
	Height             int
	VideoBitrateKbps   int
	AudioBitrateKbps   int
	SegmentDurationSec int
}

// PlaylistName is the variant playlist object name, e.g. "720p.m3u8".
func (r RenditionSpec) PlaylistName() string {
	return r.Name + ".m3u8"
}

// SegmentPattern is the ffmpeg segment filename pattern, e.g. "720p_%03d.ts".
func (r RenditionSpec) SegmentPattern() string {
	return r.Name + "_%03d.ts"
}

// Bandwidth is the advertised BANDWIDTH of the rendition in bits per second.
// It is derived from the nominal video bitrate, not the achieved one.
func (r RenditionSpec) Bandwidth() int {
	return r.VideoBitrateKbps * 1000
}

// Resolution formats the rendition size as "WxH".
func (r RenditionSpec) Resolution() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

func (r RenditionSpec) Validate() error {
	switch {
	case r.Name == "" || strings.ContainsAny(r.Name, "/:, "):
		return fmt.Errorf("%w: bad name %q", ErrInvalidRendition, r.Name)
	case r.Width <= 0 || r.Height <= 0:
		return fmt.Errorf("%w: %s has non-positive size", ErrInvalidRendition, r.Name)
	case r.Width%2 != 0 || r.Height%2 != 0:
		return fmt.Errorf("%w: %s size must be even", ErrInvalidRendition, r.Name)
	case r.VideoBitrateKbps <= 0 || r.AudioBitrateKbps <= 0:
		return fmt.Errorf("%w: %s has non-positive bitrate", ErrInvalidRendition, r.Name)
	case r.SegmentDurationSec <= 0:
		return fmt.Errorf("%w: %s has non-positive segment duration", ErrInvalidRendition, r.Name)
	}
	return nil
}

// Ladder is an ordered set of renditions produced for every asset.
type Ladder []RenditionSpec

// DefaultLadder returns the standard four-step bitrate ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Name: "360p", Width: 640, Height: 360, VideoBitrateKbps: 800, AudioBitrateKbps: 96, SegmentDurationSec: DefaultSegmentDurationSec},
		{Name: "480p", Width: 842, Height: 480, VideoBitrateKbps: 1400, AudioBitrateKbps: 128, SegmentDurationSec: DefaultSegmentDurationSec},
		{Name: "720p", Width: 1280, Height: 720, VideoBitrateKbps: 2800, AudioBitrateKbps: 128, SegmentDurationSec: DefaultSegmentDurationSec},
		{Name: "1080p", Width: 1920, Height: 1080, VideoBitrateKbps: 5000, AudioBitrateKbps: 192, SegmentDurationSec: DefaultSegmentDurationSec},
	}
}

func (l Ladder) Validate() error {
	if len(l) == 0 {
		return ErrEmptyLadder
	}
	if len(l) > maxBranches-1 {
		return fmt.Errorf("%w: at most %d renditions supported", ErrInvalidRendition, maxBranches-1)
	}
	seen := make(map[string]bool, len(l))
	for _, r := range l {
		if err := r.Validate(); err != nil {
			return err
		}
		if r.Name == PlaylistBranch {
			return fmt.Errorf("%w: %q is reserved", ErrInvalidRendition, r.Name)
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: %s", ErrDuplicateRendition, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Names returns the rendition names in ladder order.
func (l Ladder) Names() []string {
	names := make([]string, len(l))
	for i, r := range l {
		names[i] = r.Name
	}
	return names
}

// String renders the ladder in the format accepted by ParseLadder.
func (l Ladder) String() string {
	parts := make([]string, len(l))
	for i, r := range l {
		parts[i] = fmt.Sprintf("%s:%s:%d:%d", r.Name, r.Resolution(), r.VideoBitrateKbps, r.AudioBitrateKbps)
	}
	return strings.Join(parts, ",")
}

// Decode implements envconfig.Decoder so the ladder can be supplied as
// RENDITION_LADDER="360p:640x360:800:96,720p:1280x720:2800:128".
func (l *Ladder) Decode(value string) error {
	parsed, err := ParseLadder(value, DefaultSegmentDurationSec)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLadder parses a comma-separated list of "name:WxH:videoKbps:audioKbps"
// entries.
func ParseLadder(value string, segmentDurationSec int) (Ladder, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, ErrEmptyLadder
	}

	var ladder Ladder
	for _, entry := range strings.Split(value, ",") {
		fields := strings.Split(strings.TrimSpace(entry), ":")
		if len(fields) != 4 {
			return nil, fmt.Errorf("%w: %q", ErrInvalidRendition, entry)
		}

		w, h, ok := strings.Cut(fields[1], "x")
		if !ok {
			return nil, fmt.Errorf("%w: resolution %q", ErrInvalidRendition, fields[1])
		}

		nums := make([]int, 0, 4)
		for _, s := range []string{w, h, fields[2], fields[3]} {
			n, err := strconv.Atoi(s)
			if err != nil {
				return nil, fmt.Errorf("%w: %q: %v", ErrInvalidRendition, entry, err)
			}
			nums = append(nums, n)
		}

		ladder = append(ladder, RenditionSpec{
			Name:               fields[0],
			Width:              nums[0],
			Height:             nums[1],
			VideoBitrateKbps:   nums[2],
			AudioBitrateKbps:   nums[3],
			SegmentDurationSec: segmentDurationSec,
		})
	}

	if err := ladder.Validate(); err != nil {
		return nil, err
	}
	return ladder, nil
}
