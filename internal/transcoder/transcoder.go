package transcoder

import (
	"context"

	"github.com/hszk-dev/hlspack/internal/domain/model"
)

// RenditionOutput contains the result of encoding one rendition.
type RenditionOutput struct {
	// Spec is the rendition configuration used for this output.
	Spec model.RenditionSpec
	// PlaylistPath is the path to the generated {name}.m3u8 variant playlist.
	PlaylistPath string
	// SegmentPaths contains paths to all {name}_NNN.ts segment files, in order.
	SegmentPaths []string
}

// Transcoder defines the interface for encoding a source into one HLS
// rendition.
type Transcoder interface {
	// TranscodeRendition encodes inputPath at the spec's resolution, bitrates
	// and segment duration. It writes {spec.Name}.m3u8 and
	// {spec.Name}_NNN.ts files into outputDir.
	//
	// The output directory must exist before calling this method. Several
	// renditions may share an output directory since file names are
	// prefixed with the rendition name.
	TranscodeRendition(ctx context.Context, inputPath, outputDir string, spec model.RenditionSpec) (*RenditionOutput, error)
}
