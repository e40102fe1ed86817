package imaging

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Fit values.
const (
	FitInside = "inside" // scale down to fit within the box, keep aspect
	FitCover  = "cover"  // fill the box, center-crop the overflow
	FitFill   = "fill"   // stretch to the box exactly
)

// Format values.
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatGIF  = "gif"
)

// Args are the per-output rendering parameters carried in scheduler.Job.Args.
// A zero Width or Height is derived from the source aspect ratio.
type Args struct {
	Width   int    `json:"width,omitempty" yaml:"width,omitempty"`
	Height  int    `json:"height,omitempty" yaml:"height,omitempty"`
	Fit     string `json:"fit,omitempty" yaml:"fit,omitempty"`
	Format  string `json:"format,omitempty" yaml:"format,omitempty"`
	Quality int    `json:"quality,omitempty" yaml:"quality,omitempty"`
}

// Normalize fills defaults and validates. outputPath decides the format when
// Format is empty.
func (a Args) Normalize(outputPath string) (Args, error) {
	if a.Width < 0 || a.Height < 0 {
		return a, fmt.Errorf("negative size %dx%d", a.Width, a.Height)
	}
	switch f := strings.ToLower(strings.TrimSpace(a.Fit)); f {
	case "", "contain", FitInside:
		a.Fit = FitInside
	case FitCover, FitFill:
		a.Fit = f
	default:
		return a, fmt.Errorf("unknown fit %q", a.Fit)
	}
	if (a.Fit == FitCover || a.Fit == FitFill) && (a.Width == 0 || a.Height == 0) {
		return a, fmt.Errorf("fit %s needs both width and height", a.Fit)
	}

	format := strings.ToLower(strings.TrimSpace(a.Format))
	if format == "" {
		format = strings.TrimPrefix(strings.ToLower(filepath.Ext(outputPath)), ".")
	}
	switch format {
	case "jpg", "jpeg":
		a.Format = FormatJPEG
	case FormatPNG, FormatGIF:
		a.Format = format
	default:
		return a, fmt.Errorf("unsupported output format %q", format)
	}
	if a.Quality < 0 || a.Quality > 100 {
		return a, fmt.Errorf("quality %d out of range", a.Quality)
	}
	return a, nil
}

// Ext returns the file extension for the normalized format.
func (a Args) Ext() string {
	if a.Format == FormatJPEG {
		return "jpg"
	}
	return a.Format
}

func argsOf(v any) (Args, error) {
	switch a := v.(type) {
	case Args:
		return a, nil
	case *Args:
		if a == nil {
			return Args{}, nil
		}
		return *a, nil
	case nil:
		return Args{}, nil
	default:
		return Args{}, fmt.Errorf("unexpected args type %T", v)
	}
}
