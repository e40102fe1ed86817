// Package manifest reads the list of images to derive and expands it into
// scheduler jobs.
package manifest

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.yaml.in/yaml/v3"

	"thumbq/internal/scheduler"
	"thumbq/internal/transform/imaging"
)

var ErrInvalid = errors.New("invalid manifest")

// Manifest lists inputs and the variants to derive from each.
type Manifest struct {
	// Output overrides the configured output root. Relative paths are
	// resolved against the manifest's directory.
	Output string  `json:"output,omitempty" yaml:"output,omitempty"`
	Images []Image `json:"images" yaml:"images"`

	dir string
}

type Image struct {
	Input    string    `json:"input" yaml:"input"`
	Variants []Variant `json:"variants" yaml:"variants"`
}

// Variant is one derivative. Name defaults to the input's base name.
type Variant struct {
	Name         string `json:"name,omitempty" yaml:"name,omitempty"`
	imaging.Args `yaml:",inline"`
}

// Load reads a YAML or JSON manifest (picked by extension). Unknown keys
// are rejected.
func Load(path string) (*Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m, err := Parse(path, b)
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	m.dir = abs
	return m, nil
}

// Parse decodes b. name only selects the format.
func Parse(name string, b []byte) (*Manifest, error) {
	var m Manifest
	switch strings.ToLower(filepath.Ext(name)) {
	case ".json":
		dec := json.NewDecoder(bytes.NewReader(b))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&m); err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(b))
		dec.KnownFields(true)
		if err := dec.Decode(&m); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
		}
	}
	if err := m.validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, name, err)
	}
	return &m, nil
}

func (m *Manifest) validate() error {
	var errs []error
	for i, img := range m.Images {
		if strings.TrimSpace(img.Input) == "" {
			errs = append(errs, fmt.Errorf("images[%d]: input is required", i))
			continue
		}
		if len(img.Variants) == 0 {
			errs = append(errs, fmt.Errorf("images[%d] %s: no variants", i, img.Input))
		}
		for j, v := range img.Variants {
			if _, err := v.Args.Normalize(img.Input); err != nil {
				errs = append(errs, fmt.Errorf("images[%d].variants[%d]: %w", i, j, err))
			}
		}
	}
	return errors.Join(errs...)
}

func (m *Manifest) resolve(p string) string {
	if p == "" || filepath.IsAbs(p) || m.dir == "" {
		return p
	}
	return filepath.Join(m.dir, p)
}

// Expand digests every input and returns one job per variant. Outputs land
// under <outRoot>/<digest[:8]>/<name>-<w>x<h>-<args[:8]>.<ext>. An edited
// input gets fresh paths and never reuses a stale derivative; variants that
// differ only in fit or quality never share a file.
func Expand(m *Manifest, outRoot string) ([]scheduler.Job, error) {
	if m.Output != "" {
		outRoot = m.resolve(m.Output)
	}
	if outRoot == "" {
		return nil, fmt.Errorf("%w: no output root", ErrInvalid)
	}

	type source struct {
		digest string
		w, h   int
	}
	seen := map[string]source{}

	var jobs []scheduler.Job
	for _, img := range m.Images {
		in := m.resolve(img.Input)
		src, ok := seen[in]
		if !ok {
			d, w, h, err := inspect(in)
			if err != nil {
				return nil, err
			}
			src = source{digest: d, w: w, h: h}
			seen[in] = src
		}

		base := strings.TrimSuffix(filepath.Base(in), filepath.Ext(in))
		for _, v := range img.Variants {
			args, err := v.Args.Normalize(in)
			if err != nil {
				return nil, fmt.Errorf("%w: %s: %v", ErrInvalid, img.Input, err)
			}
			w, h := args.Width, args.Height
			if src.w > 0 {
				w, h = imaging.Size(src.w, src.h, args)
			}
			name := v.Name
			if name == "" {
				name = base
			}
			out := filepath.Join(outRoot, src.digest[:8], outputName(name, w, h, args))
			jobs = append(jobs, scheduler.Job{
				InputPath:     in,
				OutputPath:    out,
				ContentDigest: src.digest,
				Args:          args,
			})
		}
	}
	return jobs, nil
}

func outputName(name string, w, h int, args imaging.Args) string {
	return fmt.Sprintf("%s-%dx%d-%s.%s", name, w, h, argsDigest(args), args.Ext())
}

// argsDigest identifies normalized args. Every field that changes the
// rendered bytes takes part.
func argsDigest(a imaging.Args) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%d|%d|%s|%s|%d", a.Width, a.Height, a.Fit, a.Format, a.Quality))
	return hex.EncodeToString(sum[:4])
}

// inspect streams path through sha256 and reads the image header on the
// way. Unrecognized headers leave w and h zero; the transform reports them.
func inspect(path string) (digest string, w, h int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, 0, err
	}
	defer f.Close()

	sum := sha256.New()
	tee := io.TeeReader(f, sum)
	if cfg, _, err := image.DecodeConfig(tee); err == nil {
		w, h = cfg.Width, cfg.Height
	}
	if _, err := io.Copy(sum, f); err != nil {
		return "", 0, 0, fmt.Errorf("digest %s: %w", path, err)
	}
	return hex.EncodeToString(sum.Sum(nil)), w, h, nil
}
