// Package extractor implements the extractor (C3): drives a decoder
// subprocess, samples each frame through the border sampler, and
// writes the result via the LED-frame codec. See spec.md §4.3.
package extractor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"path/filepath"

	"github.com/ambisync/ambisync/internal/border"
	"github.com/ambisync/ambisync/internal/ledframe"
)

// Sentinel errors, per the taxonomy in spec.md §7.
var (
	ErrDecoder = errors.New("extractor: decoder error")
	ErrIO      = errors.New("extractor: io error")
)

// Options configures one extraction run for a single item.
type Options struct {
	SourcePath string
	ItemID     string
	OutputDir  string

	// FPS <= 0 means "auto": probe the source and clamp into [FPSMin, FPSMax].
	FPS    float64
	FPSMin float64
	FPSMax float64

	Geometry       border.Geometry
	Format         ledframe.Format
	BorderFraction float64
	Tint           border.TintConfig

	Decoder DecoderFactory
	Probe   func(ctx context.Context, sourcePath string) (float64, error)
}

// Result reports what one extraction run produced.
type Result struct {
	Frames int
	FPS    float64
	Path   string
}

// BinaryPath returns the canonical output path for an item under dir.
func BinaryPath(dir, itemID string) string {
	return filepath.Join(dir, itemID+".bin")
}

// Run executes the protocol in spec.md §4.3 for one item: resolve fps,
// open the decoder at the sampling resolution, read frames until EOF,
// sample each through border.Sample, and append it via ledframe. Any
// failure removes the partial output and returns a wrapped sentinel
// error; the caller (the scheduler) is responsible for marking the
// catalog item failed or completed and bumping extraction_attempts.
func Run(ctx context.Context, opts Options) (Result, error) {
	fps, err := resolveFPS(ctx, opts)
	if err != nil {
		return Result{}, err
	}

	width, height := samplingResolution(opts.Geometry)
	decoderFactory := opts.Decoder
	if decoderFactory == nil {
		decoderFactory = FFmpegDecoder
	}
	dec, err := decoderFactory(ctx, opts.SourcePath, width, height, fps)
	if err != nil {
		return Result{}, err
	}
	defer dec.Close()

	outPath := BinaryPath(opts.OutputDir, opts.ItemID)
	ledCount := uint16(opts.Geometry.TotalLEDs())
	w, err := ledframe.OpenWriter(outPath, fps, ledCount, opts.Format, uint16(opts.Geometry.Offset), true)
	if err != nil {
		dec.Close()
		return Result{}, fmt.Errorf("%w: open writer: %v", ErrIO, err)
	}

	frameLen := width * height * 3
	buf := make([]byte, frameLen)
	frames := 0

	for {
		n, readErr := io.ReadFull(dec.Stdout(), buf)
		if readErr == io.EOF {
			break
		}
		if readErr == io.ErrUnexpectedEOF {
			w.Close()
			removeOutput(outPath)
			return Result{}, fmt.Errorf("%w: partial frame at %d/%d bytes mid-stream", ErrDecoder, n, frameLen)
		}
		if readErr != nil {
			w.Close()
			removeOutput(outPath)
			return Result{}, fmt.Errorf("%w: read frame %d: %v", ErrDecoder, frames, readErr)
		}

		payload, sampleErr := border.Sample(border.Image{W: width, H: height, Pix: buf}, opts.Geometry, opts.Format, opts.BorderFraction, opts.Tint)
		if sampleErr != nil {
			w.Close()
			removeOutput(outPath)
			return Result{}, fmt.Errorf("%w: sample frame %d: %v", ErrIO, frames, sampleErr)
		}

		tsMicros := uint64(math.Round(float64(frames) / fps * 1e6))
		if err := w.WriteFrame(tsMicros, payload); err != nil {
			w.Close()
			removeOutput(outPath)
			return Result{}, err
		}
		frames++
	}

	if err := w.Close(); err != nil {
		removeOutput(outPath)
		return Result{}, err
	}
	if waitErr := dec.Wait(); waitErr != nil {
		removeOutput(outPath)
		return Result{}, fmt.Errorf("%w: decoder exit: %v", ErrDecoder, waitErr)
	}

	return Result{Frames: frames, FPS: fps, Path: outPath}, nil
}

func resolveFPS(ctx context.Context, opts Options) (float64, error) {
	fps := opts.FPS
	if fps <= 0 {
		probe := opts.Probe
		if probe == nil {
			probe = ProbeFPS
		}
		p, err := probe(ctx, opts.SourcePath)
		if err != nil {
			return 0, err
		}
		fps = p
	}
	return clamp(fps, opts.FPSMin, opts.FPSMax), nil
}

func clamp(v, lo, hi float64) float64 {
	if lo > 0 && v < lo {
		v = lo
	}
	if hi > 0 && v > hi {
		v = hi
	}
	return v
}

// samplingResolution is the decode target: max(T,B) x max(L,R), per
// spec.md §4.3 step 2.
func samplingResolution(g border.Geometry) (width, height int) {
	width = maxInt(g.Top, g.Bottom)
	height = maxInt(g.Left, g.Right)
	if width <= 0 {
		width = 1
	}
	if height <= 0 {
		height = 1
	}
	return
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func removeOutput(path string) {
	_ = removeFile(path)
}
