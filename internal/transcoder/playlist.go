package transcoder

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

var ErrMalformedPlaylist = errors.New("malformed playlist")

// RenderMasterPlaylist builds the master playlist for a ladder. BANDWIDTH and
// RESOLUTION come from the ladder itself, never from the encoded output, and
// variants are referenced by their relative {name}.m3u8 path.
func RenderMasterPlaylist(ladder model.Ladder) []byte {
	var sb strings.Builder
	sb.WriteString("#EXTM3U\n")
	sb.WriteString("#EXT-X-VERSION:3\n\n")

	for _, r := range ladder {
		sb.WriteString(fmt.Sprintf(
			"#EXT-X-STREAM-INF:BANDWIDTH=%d,RESOLUTION=%s\n",
			r.Bandwidth(), r.Resolution(),
		))
		sb.WriteString(r.PlaylistName() + "\n\n")
	}

	return []byte(sb.String())
}

// VariantSegment is one media segment entry of a variant playlist.
type VariantSegment struct {
	Duration float64
	URI      string
}

// VariantPlaylist is the parsed form of a media playlist.
type VariantPlaylist struct {
	Version        int
	TargetDuration int
	Segments       []VariantSegment
	Ended          bool
}

// ParseVariantPlaylist reads an HLS media playlist.
func ParseVariantPlaylist(r io.Reader) (*VariantPlaylist, error) {
	scanner := bufio.NewScanner(r)

	var (
		pl          VariantPlaylist
		sawHeader   bool
		pendingDur  float64
		havePending bool
	)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if !sawHeader {
			if line != "#EXTM3U" {
				return nil, fmt.Errorf("%w: missing #EXTM3U header", ErrMalformedPlaylist)
			}
			sawHeader = true
			continue
		}

		switch {
		case strings.HasPrefix(line, "#EXT-X-VERSION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-VERSION:"))
			if err != nil {
				return nil, fmt.Errorf("%w: version: %v", ErrMalformedPlaylist, err)
			}
			pl.Version = v
		case strings.HasPrefix(line, "#EXT-X-TARGETDURATION:"):
			v, err := strconv.Atoi(strings.TrimPrefix(line, "#EXT-X-TARGETDURATION:"))
			if err != nil {
				return nil, fmt.Errorf("%w: target duration: %v", ErrMalformedPlaylist, err)
			}
			pl.TargetDuration = v
		case strings.HasPrefix(line, "#EXTINF:"):
			value, _, _ := strings.Cut(strings.TrimPrefix(line, "#EXTINF:"), ",")
			d, err := strconv.ParseFloat(value, 64)
			if err != nil {
				return nil, fmt.Errorf("%w: segment duration: %v", ErrMalformedPlaylist, err)
			}
			pendingDur = d
			havePending = true
		case line == "#EXT-X-ENDLIST":
			pl.Ended = true
		case strings.HasPrefix(line, "#"):
			// Other tags are not needed for verification.
		default:
			if !havePending {
				return nil, fmt.Errorf("%w: segment %q without #EXTINF", ErrMalformedPlaylist, line)
			}
			pl.Segments = append(pl.Segments, VariantSegment{Duration: pendingDur, URI: line})
			havePending = false
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	if !sawHeader {
		return nil, fmt.Errorf("%w: empty playlist", ErrMalformedPlaylist)
	}

	return &pl, nil
}

// verifyVariantPlaylist checks that the playlist at path is complete and
// references exactly the produced segment files.
func verifyVariantPlaylist(path string, segmentPaths []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open playlist: %w", err)
	}
	defer func() { _ = f.Close() }()

	pl, err := ParseVariantPlaylist(f)
	if err != nil {
		return err
	}

	if pl.TargetDuration <= 0 {
		return fmt.Errorf("%w: missing #EXT-X-TARGETDURATION", ErrMalformedPlaylist)
	}
	if !pl.Ended {
		return fmt.Errorf("%w: missing #EXT-X-ENDLIST", ErrMalformedPlaylist)
	}
	if len(pl.Segments) != len(segmentPaths) {
		return fmt.Errorf("%w: %d segments listed, %d produced", ErrMalformedPlaylist, len(pl.Segments), len(segmentPaths))
	}

	produced := make(map[string]bool, len(segmentPaths))
	for _, p := range segmentPaths {
		produced[filepath.Base(p)] = true
	}
	for _, seg := range pl.Segments {
		if !produced[filepath.Base(seg.URI)] {
			return fmt.Errorf("%w: segment %q not produced", ErrMalformedPlaylist, seg.URI)
		}
	}

	return nil
}
