// Command imgtool inspects and converts forensic disk images.
package main

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/apex/log"
	clihandler "github.com/apex/log/handlers/cli"
	"github.com/fatih/color"
	"github.com/urfave/cli/v2"
	"github.com/vbauerster/mpb/v7"
	"github.com/vbauerster/mpb/v7/decor"
	"golang.org/x/sync/errgroup"

	evidence "github.com/ehrlich-b/go-evidence"
	"github.com/ehrlich-b/go-evidence/vhd"
)

var (
	keyColor  = color.New(color.Bold, color.FgCyan).SprintFunc()
	hashColor = color.New(color.FgGreen).SprintfFunc()
)

var imageFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "type",
		Aliases: []string{"t"},
		Value:   "detect",
		Usage:   "image type (see 'imgtool types')",
	},
	&cli.StringFlag{
		Name:    "password",
		Aliases: []string{"p"},
		Usage:   "password for encrypted images",
		EnvVars: []string{"IMGTOOL_PASSWORD"},
	},
	&cli.StringFlag{
		Name:  "cache",
		Usage: "chunk cache: lru, legacy or none (default depends on the image type)",
	},
	&cli.IntFlag{
		Name:  "cache-size",
		Value: evidence.DefaultCacheSize,
		Usage: "number of 64KB chunks held by the lru cache",
	},
	&cli.IntFlag{
		Name:  "sector-size",
		Usage: "sector size in bytes (0 uses the image's own)",
	},
}

func main() {
	log.SetHandler(clihandler.New(os.Stderr))

	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		log.WithError(err).Fatal("imgtool failed")
	}
}

func newApp(stdout io.Writer) *cli.App {
	return &cli.App{
		Name:   "imgtool",
		Usage:  "Read forensic disk images",
		Writer: stdout,
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"V"},
				Usage:   "log debug messages",
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				log.SetLevel(log.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:  "types",
				Usage: "list supported image types",
				Action: func(c *cli.Context) error {
					return evidence.PrintTypes(c.App.Writer)
				},
			},
			{
				Name:      "stat",
				Usage:     "describe an image",
				ArgsUsage: "IMAGE [SEGMENT...]",
				Flags:     imageFlags,
				Action:    statAction,
			},
			{
				Name:      "cat",
				Usage:     "write image content to stdout",
				ArgsUsage: "IMAGE [SEGMENT...]",
				Flags: append([]cli.Flag{
					&cli.Int64Flag{Name: "offset", Usage: "first byte to write"},
					&cli.Int64Flag{Name: "length", Value: -1, Usage: "number of bytes to write (-1 for all)"},
				}, imageFlags...),
				Action: catAction,
			},
			{
				Name:      "hash",
				Usage:     "print SHA-256 digests of an image and its windows",
				ArgsUsage: "IMAGE [SEGMENT...]",
				Flags: append([]cli.Flag{
					&cli.Int64Flag{Name: "window", Value: 64 << 20, Usage: "piecewise hash window in bytes (0 disables)"},
					&cli.IntFlag{Name: "jobs", Aliases: []string{"j"}, Value: 4, Usage: "windows hashed in parallel"},
				}, imageFlags...),
				Action: hashAction,
			},
			{
				Name:      "vhd",
				Usage:     "convert an image to a dynamic VHD",
				ArgsUsage: "OUTPUT IMAGE [SEGMENT...]",
				Flags: append([]cli.Flag{
					&cli.Int64Flag{Name: "block-size", Value: vhd.DefaultBlockSize, Usage: "VHD block size in bytes"},
				}, imageFlags...),
				Action: vhdAction,
			},
		},
	}
}

// openImage opens the image named by the command arguments.
func openImage(c *cli.Context, paths []string) (*evidence.Image, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("missing image path")
	}
	typ, err := evidence.ParseType(c.String("type"))
	if err != nil {
		return nil, err
	}
	opts := []evidence.Option{
		evidence.WithType(typ),
		evidence.WithPassword(c.String("password")),
		evidence.WithCacheSize(c.Int("cache-size")),
		evidence.WithSectorSize(c.Int("sector-size")),
		evidence.WithLogger(log.Log),
	}
	if name := c.String("cache"); name != "" {
		kind, err := evidence.ParseCacheKind(name)
		if err != nil {
			return nil, err
		}
		opts = append(opts, evidence.WithCache(kind))
	}
	return evidence.Open(paths, opts...)
}

func statAction(c *cli.Context) error {
	img, err := openImage(c, c.Args().Slice())
	if err != nil {
		return err
	}
	defer img.Close()

	var buf bytes.Buffer
	if err := img.Describe(&buf); err != nil {
		return err
	}
	scanner := bufio.NewScanner(&buf)
	for scanner.Scan() {
		line := scanner.Text()
		if key, value, ok := strings.Cut(line, ":"); ok && !strings.HasPrefix(line, " ") {
			line = keyColor(key+":") + value
		}
		fmt.Fprintln(c.App.Writer, line)
	}
	return scanner.Err()
}

func catAction(c *cli.Context) error {
	img, err := openImage(c, c.Args().Slice())
	if err != nil {
		return err
	}
	defer img.Close()

	off := c.Int64("offset")
	if off < 0 || off > img.Size() {
		return fmt.Errorf("offset %d outside image of %d bytes", off, img.Size())
	}
	n := img.Size() - off
	if l := c.Int64("length"); l >= 0 && l < n {
		n = l
	}
	_, err = io.Copy(c.App.Writer, io.NewSectionReader(img, off, n))
	return err
}

func hashAction(c *cli.Context) error {
	img, err := openImage(c, c.Args().Slice())
	if err != nil {
		return err
	}
	defer img.Close()

	window := c.Int64("window")
	var windows []string
	if window > 0 {
		windows = make([]string, (img.Size()+window-1)/window)
	}

	g, ctx := errgroup.WithContext(c.Context)
	g.SetLimit(max(c.Int("jobs"), 1) + 1)

	var total string
	g.Go(func() error {
		h := sha256.New()
		if _, err := io.Copy(h, img.NewReader()); err != nil {
			return err
		}
		total = hex.EncodeToString(h.Sum(nil))
		return nil
	})
	for i := range windows {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			start := int64(i) * window
			h := sha256.New()
			if _, err := io.Copy(h, io.NewSectionReader(img, start, min(window, img.Size()-start))); err != nil {
				return err
			}
			windows[i] = hex.EncodeToString(h.Sum(nil))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	stats := img.CacheStats()
	log.WithFields(log.Fields{
		"hits":   stats.Hits,
		"misses": stats.Misses,
	}).Debug("cache statistics")

	for i, sum := range windows {
		start := int64(i) * window
		end := min(start+window, img.Size()) - 1
		fmt.Fprintf(c.App.Writer, "%d-%d: %s\n", start, end, sum)
	}
	fmt.Fprintf(c.App.Writer, "sha256: %s\n", hashColor("%s", total))
	return nil
}

func vhdAction(c *cli.Context) error {
	args := c.Args().Slice()
	if len(args) < 2 {
		return fmt.Errorf("usage: imgtool vhd OUTPUT IMAGE [SEGMENT...]")
	}
	img, err := openImage(c, args[1:])
	if err != nil {
		return err
	}
	defer img.Close()

	w, err := vhd.Create(args[0], img.Size(), vhd.WithBlockSize(c.Int64("block-size")))
	if err != nil {
		return err
	}
	defer w.Close()
	img.AttachWriter(w)
	defer img.AttachWriter(nil)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	p := mpb.NewWithContext(ctx, mpb.WithWidth(60), mpb.WithOutput(os.Stderr))
	bar := p.AddBar(int64(w.Blocks()),
		mpb.PrependDecorators(
			decor.Name("blocks ", decor.WC{W: len("blocks ") + 1, C: decor.DidentRight}),
			decor.CountersNoUnit("%d / %d"),
		),
		mpb.AppendDecorators(
			decor.OnComplete(decor.AverageETA(decor.ET_STYLE_GO, decor.WC{W: 4}), "done"),
			decor.Percentage(decor.WC{W: 5}),
		),
	)

	err = w.Finish(ctx, img, func(done, _ int) {
		bar.SetCurrent(int64(done))
	})
	if err != nil {
		bar.Abort(false)
	}
	p.Wait()
	if err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	log.WithFields(log.Fields{
		"output": w.Path(),
		"blocks": w.Blocks(),
	}).Info("VHD written")
	return nil
}
