package imaging

import (
	"context"
	"fmt"
	"image"
	"image/gif"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"time"

	"golang.org/x/image/draw"
	"golang.org/x/sync/errgroup"

	"thumbq/internal/scheduler"
	logx "thumbq/pkg/logx"
)

const defaultQuality = 82

// Config tunes a Transformer.
type Config struct {
	// Parallelism bounds concurrent renders within one batch. 0 means 2.
	Parallelism int
	// JPEGQuality is used when Args.Quality is 0.
	JPEGQuality int
	Log         logx.Logger
}

// Transformer implements scheduler.Transform on the local filesystem.
type Transformer struct {
	parallelism int
	quality     int
	log         logx.Logger
}

var _ scheduler.Transform = (*Transformer)(nil)

func New(cfg Config) *Transformer {
	t := &Transformer{parallelism: cfg.Parallelism, quality: cfg.JPEGQuality, log: cfg.Log}
	if t.parallelism <= 0 {
		t.parallelism = 2
	}
	if t.quality <= 0 || t.quality > 100 {
		t.quality = defaultQuality
	}
	if t.log.IsZero() {
		t.log = logx.Nop()
	}
	return t
}

// Transform decodes b.InputPath once and renders each job from the decoded
// image. A decode failure fails the whole batch; render and write failures
// are reported per output.
func (t *Transformer) Transform(ctx context.Context, b scheduler.Batch) (<-chan scheduler.Result, error) {
	src, format, err := decodeFile(b.InputPath)
	if err != nil {
		return nil, err
	}
	t.log.Debug("input decoded",
		logx.String("input", b.InputPath),
		logx.String("format", format),
		logx.Int("width", src.Bounds().Dx()),
		logx.Int("height", src.Bounds().Dy()),
		logx.Int("outputs", len(b.Jobs)),
	)

	out := make(chan scheduler.Result, len(b.Jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallelism)

	go func() {
		defer close(out)
		for _, job := range b.Jobs {
			g.Go(func() error {
				out <- scheduler.Result{Job: job, Err: t.render(gctx, src, job)}
				return nil
			})
		}
		_ = g.Wait()
	}()
	return out, nil
}

func (t *Transformer) render(ctx context.Context, src image.Image, job scheduler.Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := argsOf(job.Args)
	if err != nil {
		return err
	}
	args, err := raw.Normalize(job.OutputPath)
	if err != nil {
		return err
	}
	if args.Quality == 0 {
		args.Quality = t.quality
	}

	start := time.Now()
	img := Resize(src, args)
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := writeAtomic(job.OutputPath, func(w io.Writer) error { return encode(w, img, args) }); err != nil {
		return err
	}
	t.log.Debug("output written",
		logx.String("output", job.OutputPath),
		logx.Int("width", img.Bounds().Dx()),
		logx.Int("height", img.Bounds().Dy()),
		logx.Duration("took", time.Since(start)),
	)
	return nil
}

func decodeFile(path string) (image.Image, string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, "", err
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, "", fmt.Errorf("decode %s: %w", path, err)
	}
	return img, format, nil
}

func encode(w io.Writer, img image.Image, args Args) error {
	switch args.Format {
	case FormatJPEG:
		return jpeg.Encode(w, img, &jpeg.Options{Quality: args.Quality})
	case FormatPNG:
		return png.Encode(w, img)
	case FormatGIF:
		return gif.Encode(w, img, nil)
	default:
		return fmt.Errorf("unsupported output format %q", args.Format)
	}
}

// writeAtomic writes through a temp file in the destination directory so a
// crashed render never leaves a partial output behind.
func writeAtomic(path string, write func(io.Writer) error) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = os.Remove(tmp)
		}
	}()
	if err := write(f); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// Exists reports whether path is a regular file. It is the scheduler's
// default durable-store check.
func Exists(path string) bool {
	fi, err := os.Stat(path)
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular()
}

// Size returns the dimensions a render of a w x h source would have.
func Size(w, h int, args Args) (int, int) {
	tw, th := args.Width, args.Height
	switch {
	case w <= 0 || h <= 0:
		return 0, 0
	case tw == 0 && th == 0:
		return w, h
	case args.Fit == FitCover || args.Fit == FitFill:
		return tw, th
	case tw == 0:
		return max(1, w*th/h), th
	case th == 0:
		return tw, max(1, h*tw/w)
	}
	// inside: the limiting side wins.
	if w*th > h*tw {
		return tw, max(1, h*tw/w)
	}
	return max(1, w*th/h), th
}

// Resize renders src according to args. args must be normalized.
func Resize(src image.Image, args Args) image.Image {
	sb := src.Bounds()
	w, h := Size(sb.Dx(), sb.Dy(), args)
	if w == sb.Dx() && h == sb.Dy() && args.Fit != FitCover {
		return src
	}
	from := sb
	if args.Fit == FitCover {
		from = coverCrop(sb, w, h)
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	draw.CatmullRom.Scale(dst, dst.Bounds(), src, from, draw.Src, nil)
	return dst
}

// coverCrop returns the centered region of b with the aspect ratio of w x h.
func coverCrop(b image.Rectangle, w, h int) image.Rectangle {
	sw, sh := b.Dx(), b.Dy()
	cw, ch := sw, sh
	if sw*h > sh*w {
		cw = max(1, sh*w/h)
	} else {
		ch = max(1, sw*h/w)
	}
	x := b.Min.X + (sw-cw)/2
	y := b.Min.Y + (sh-ch)/2
	return image.Rect(x, y, x+cw, y+ch)
}
