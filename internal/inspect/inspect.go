// Package inspect extracts the chromosome layout of a genotype dataset from its
// variant index (.bim or .pvar).
package inspect

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
)

// ErrNoChromosomesDetected is returned when the variant index has no records.
var ErrNoChromosomesDetected = errors.New("no chromosomes detected")

// DataFormatError reports a record that could not be parsed.
type DataFormatError struct {
	Location string
	Line     int
	Reason   string
}

func (e *DataFormatError) Error() string {
	if e.Location != "" {
		return fmt.Sprintf("malformed variant index %s at line %d: %s", e.Location, e.Line, e.Reason)
	}
	return fmt.Sprintf("malformed variant index at line %d: %s", e.Line, e.Reason)
}

// Format selects the record layout of a variant index.
type Format int

const (
	// FormatGeneric accepts any record with at least one field.
	FormatGeneric Format = iota
	// FormatBIM is the PLINK 1 .bim layout: chrom, id, cM, pos, a1, a2.
	FormatBIM
	// FormatPVAR is the PLINK 2 .pvar layout; '#' lines are headers.
	FormatPVAR
)

// FormatForPath picks a Format from the file extension.
func FormatForPath(p string) Format {
	switch strings.ToLower(path.Ext(p)) {
	case ".bim":
		return FormatBIM
	case ".pvar":
		return FormatPVAR
	default:
		return FormatGeneric
	}
}

func (f Format) minFields() int {
	if f == FormatBIM {
		return 6
	}
	return 1
}

const (
	defaultMaxLineBytes = 4 << 20
	ctxCheckEvery       = 1 << 14
)

// Opener opens a variant index for streaming.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// Inspector reads variant indexes through an Opener.
type Inspector struct {
	opener       Opener
	maxLineBytes int
}

// New creates an Inspector.
func New(opener Opener) *Inspector {
	return &Inspector{opener: opener, maxLineBytes: defaultMaxLineBytes}
}

// Chromosomes streams the variant index at location and returns its distinct
// chromosome labels in first-seen order.
func (i *Inspector) Chromosomes(ctx context.Context, location string) ([]string, error) {
	rc, err := i.opener.Open(ctx, location)
	if err != nil {
		return nil, fmt.Errorf("open variant index: %w", err)
	}
	defer rc.Close()

	chroms, err := scan(ctx, rc, FormatForPath(location), i.maxLineBytes)
	if err != nil {
		var dfe *DataFormatError
		if errors.As(err, &dfe) {
			dfe.Location = location
		}
		return nil, err
	}

	slog.Debug("variant index inspected", "location", location, "chromosomes", len(chroms))
	return chroms, nil
}

// Scan reads newline-delimited records from r and returns the distinct values of
// the first field, in first-seen order. Memory use is bounded by the number of
// distinct chromosomes, not by the size of r.
func Scan(r io.Reader, format Format) ([]string, error) {
	return scan(context.Background(), r, format, defaultMaxLineBytes)
}

func scan(ctx context.Context, r io.Reader, format Format, maxLine int) ([]string, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), maxLine)

	seen := make(map[string]struct{})
	var chroms []string
	lineNo := 0

	for sc.Scan() {
		lineNo++
		if lineNo%ctxCheckEvery == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}

		line := bytes.TrimRight(sc.Bytes(), "\r")
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		if format == FormatPVAR && line[0] == '#' {
			continue
		}

		fields := bytes.Fields(line)
		if n := format.minFields(); len(fields) < n {
			return nil, &DataFormatError{
				Line:   lineNo,
				Reason: fmt.Sprintf("expected at least %d fields, got %d", n, len(fields)),
			}
		}

		chrom := string(fields[0])
		if _, ok := seen[chrom]; ok {
			continue
		}
		seen[chrom] = struct{}{}
		chroms = append(chroms, chrom)
	}
	if err := sc.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return nil, &DataFormatError{Line: lineNo + 1, Reason: "record exceeds maximum line length"}
		}
		return nil, fmt.Errorf("read variant index: %w", err)
	}

	if len(chroms) == 0 {
		return nil, ErrNoChromosomesDetected
	}
	return chroms, nil
}
