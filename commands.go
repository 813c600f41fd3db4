package main

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"io"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/image/tiff"

	"gitlab.com/gitlab-org/cogrange/internal/coalesce"
	"gitlab.com/gitlab-org/cogrange/internal/registry"
)

const hexPrefixLength = 16

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, w io.Writer, readers *registry.Registry, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("%w: a command and a uri are required", errUsage)
	}

	command, uri := args[0], args[1]

	switch command {
	case "header":
		return printHeader(ctx, w, readers, uri)
	case "read":
		ranges, err := parseRanges(args[2:])
		if err != nil {
			return err
		}

		return printRanges(ctx, w, readers, uri, ranges)
	case "info":
		return printInfo(ctx, w, readers, uri)
	default:
		return fmt.Errorf("%w: unknown command %q", errUsage, command)
	}
}

// parseRanges parses inclusive "start-end" arguments
func parseRanges(args []string) ([]coalesce.Range, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: read needs at least one start-end range", errUsage)
	}

	ranges := make([]coalesce.Range, 0, len(args))

	for _, arg := range args {
		start, end, ok := strings.Cut(arg, "-")
		if !ok {
			return nil, fmt.Errorf("%w: range %q is not start-end", errUsage, arg)
		}

		r, err := parseRange(start, end)
		if err != nil {
			return nil, fmt.Errorf("%w: range %q: %v", errUsage, arg, err)
		}

		ranges = append(ranges, r)
	}

	return ranges, nil
}

func parseRange(start, end string) (coalesce.Range, error) {
	s, err := strconv.ParseInt(start, 10, 64)
	if err != nil {
		return coalesce.Range{}, err
	}

	e, err := strconv.ParseInt(end, 10, 64)
	if err != nil {
		return coalesce.Range{}, err
	}

	r := coalesce.Range{Start: s, End: e}

	return r, r.Validate()
}

func byteOrder(header []byte) string {
	switch {
	case bytes.HasPrefix(header, []byte("II*\x00")):
		return "little-endian TIFF"
	case bytes.HasPrefix(header, []byte("MM\x00*")):
		return "big-endian TIFF"
	case bytes.HasPrefix(header, []byte("II+\x00")):
		return "little-endian BigTIFF"
	case bytes.HasPrefix(header, []byte("MM\x00+")):
		return "big-endian BigTIFF"
	default:
		return "not a TIFF"
	}
}

func printHeader(ctx context.Context, w io.Writer, readers *registry.Registry, uri string) error {
	reader, release, err := readers.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer release()

	header, err := reader.ReadHeader(ctx)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "header_length=%d byte_order=%q\n", len(header), byteOrder(header))

	return err
}

func printRanges(ctx context.Context, w io.Writer, readers *registry.Registry, uri string, ranges []coalesce.Range) error {
	reader, release, err := readers.Open(ctx, uri)
	if err != nil {
		return err
	}
	defer release()

	got, err := reader.Read(ctx, ranges)
	if err != nil {
		return err
	}

	sorted := append([]coalesce.Range(nil), ranges...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].Start != sorted[j].Start {
			return sorted[i].Start < sorted[j].Start
		}

		return sorted[i].End < sorted[j].End
	})

	for _, rng := range sorted {
		// ranges sharing a start are served by the longest of them
		data := got[rng.Start][:rng.Len()]
		prefix := data[:min(len(data), hexPrefixLength)]

		if _, err := fmt.Fprintf(w, "start=%d length=%d prefix=%s\n", rng.Start, len(data), hex.EncodeToString(prefix)); err != nil {
			return err
		}
	}

	return nil
}

func printInfo(ctx context.Context, w io.Writer, readers *registry.Registry, uri string) error {
	s, err := readers.Stream(ctx, uri)
	if err != nil {
		return err
	}
	defer s.Close()

	img, err := tiff.Decode(s)
	if err != nil {
		return fmt.Errorf("decode %s: %w", uri, err)
	}

	_, err = fmt.Fprintf(w, "size=%d bounds=%v color_model=%s\n", s.Size(), img.Bounds(), colorModelName(img.ColorModel()))

	return err
}

func colorModelName(m color.Model) string {
	if _, ok := m.(color.Palette); ok {
		return "paletted"
	}

	switch m {
	case color.GrayModel:
		return "gray"
	case color.Gray16Model:
		return "gray16"
	case color.RGBAModel:
		return "rgba"
	case color.RGBA64Model:
		return "rgba64"
	case color.NRGBAModel:
		return "nrgba"
	case color.NRGBA64Model:
		return "nrgba64"
	case color.CMYKModel:
		return "cmyk"
	}

	return fmt.Sprintf("%T", m)
}
