// Copyright 2024 The fqzip Authors. All rights reserved. Use of this source
// code is governed by a BSD-style license that can be found in the LICENSE
// file.

// Command fqzip compresses, decompresses, inspects, and verifies fqc
// archives.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/cockroachdb/errors"

	"github.com/fqzip/fqzip"
	"github.com/fqzip/fqzip/archive"
	"github.com/fqzip/fqzip/internal/base"
	"github.com/fqzip/fqzip/internal/metrics"
	"github.com/guptarohit/asciigraph"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	root := newRootCmd(ctx)
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "fqzip: %v\n", err)
		// Errors from the core carry their taxonomy mark; anything
		// unclassified came from argument parsing.
		code := base.ExitCode(err)
		if code == base.ExitIO && !errors.Is(err, base.ErrIO) {
			code = base.ExitUsage
		}
		os.Exit(code)
	}
}

func newRootCmd(ctx context.Context) *cobra.Command {
	root := &cobra.Command{
		Use:           "fqzip",
		Short:         "block-oriented random-access FASTQ compressor",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newCompressCmd(ctx), newDecompressCmd(ctx), newInfoCmd(), newVerifyCmd(ctx))
	return root
}

func newCompressCmd(ctx context.Context) *cobra.Command {
	var (
		opts        fqzip.Options
		output      string
		qualityMode string
		idMode      string
		peLayout    string
		reorderOn   bool
		noReorder   bool
		showStats   bool
	)
	cmd := &cobra.Command{
		Use:   "compress <input.fastq[.gz]>",
		Short: "compress a FASTQ file into an fqc archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				if input == "-" {
					return base.UsageErrorf("stdin input requires --output")
				}
				output = input + ".fqc"
			}
			var err error
			if opts.QualityMode, err = parseQualityMode(qualityMode); err != nil {
				return err
			}
			if opts.IDMode, err = parseIDMode(idMode); err != nil {
				return err
			}
			if opts.PELayout, err = parsePELayout(peLayout); err != nil {
				return err
			}
			opts.Reorder = reorderOn && !noReorder
			var col *metrics.Collector
			if showStats {
				col = metrics.NewCollector()
				opts.Metrics = col
			}
			if err := fqzip.Compress(ctx, input, output, &opts); err != nil {
				return err
			}
			if showStats {
				fmt.Fprint(cmd.ErrOrStderr(), col.Snapshot().String())
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&opts.Threads, "threads", 0, "worker threads (0 = all cores)")
	f.IntVar(&opts.MemoryLimitMB, "memory-limit", 0, "memory limit in MB")
	f.IntVar(&opts.BlockSize, "block-size", 0, "reads per block (0 = per-class default)")
	f.IntVar(&opts.Level, "compression-level", 0, "compression level 1..9")
	f.StringVar(&qualityMode, "quality-mode", "lossless", "quality mode: lossless, illumina8, qvz, discard")
	f.StringVar(&idMode, "id-mode", "tokenise", "id mode: exact, tokenise, discard")
	f.BoolVar(&reorderOn, "reorder", true, "enable similarity reordering for short reads")
	f.BoolVar(&noReorder, "no-reorder", false, "disable similarity reordering")
	f.BoolVar(&opts.Streaming, "streaming", false, "treat input as an unseekable stream")
	f.BoolVar(&opts.Paired, "paired", false, "input is paired-end")
	f.StringVar(&peLayout, "pe-layout", "interleaved", "paired-end layout: interleaved, consecutive")
	f.StringVarP(&output, "output", "o", "", "output archive path")
	f.BoolVar(&showStats, "stats", false, "print compression statistics")
	return cmd
}

func newDecompressCmd(ctx context.Context) *cobra.Command {
	var (
		opts        fqzip.DecompressOptions
		output      string
		rangeSpec   string
		streamsSpec string
		placeholder string
	)
	cmd := &cobra.Command{
		Use:   "decompress <archive.fqc>",
		Short: "decompress an fqc archive to FASTQ",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if opts.RangeStart, opts.RangeEnd, err = parseRange(rangeSpec); err != nil {
				return err
			}
			if opts.Streams, err = parseStreams(streamsSpec); err != nil {
				return err
			}
			if placeholder != "" {
				if len(placeholder) != 1 || placeholder[0] < '!' || placeholder[0] > '~' {
					return base.UsageErrorf("placeholder quality must be one printable Phred+33 character")
				}
				opts.PlaceholderQual = placeholder[0]
			}
			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return base.MarkIO(err)
				}
				defer func() { _ = f.Close() }()
				out = f
			}
			res, err := fqzip.Decompress(ctx, args[0], out, &opts)
			if err != nil {
				return err
			}
			if res.SkippedBlocks > 0 {
				fmt.Fprintf(cmd.ErrOrStderr(), "fqzip: skipped %d corrupted block(s)\n", res.SkippedBlocks)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&rangeSpec, "range", "", "archive-id range a:b, 1-based inclusive")
	f.BoolVar(&opts.OriginalOrder, "original-order", false, "emit records in original input order")
	f.StringVar(&streamsSpec, "streams", "all", "streams to emit: id, seq, qual, all (comma-separated)")
	f.StringVar(&placeholder, "placeholder-qual", "", "quality character for discarded qualities")
	f.StringVar(&opts.IDPrefix, "id-prefix", "", "prefix for synthesised identifiers")
	f.BoolVar(&opts.SkipCorrupted, "skip-corrupted", false, "replace corrupted blocks with placeholder reads")
	f.IntVar(&opts.MemoryLimitMB, "memory-limit", 0, "memory limit in MB")
	f.StringVarP(&output, "output", "o", "", "output FASTQ path (default stdout)")
	return cmd
}

func newInfoCmd() *cobra.Command {
	var graph bool
	cmd := &cobra.Command{
		Use:   "info <archive.fqc>",
		Short: "print archive metadata and the block table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := fqzip.Info(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "format version:    %d.%d\n", info.VersionMajor, info.VersionMinor)
			fmt.Fprintf(out, "total reads:       %d\n", info.TotalReads)
			fmt.Fprintf(out, "blocks:            %d\n", info.NumBlocks)
			fmt.Fprintf(out, "length class:      %s\n", info.Flags.LengthClass())
			fmt.Fprintf(out, "primary codec:     %s\n", info.CompressionAlgo)
			fmt.Fprintf(out, "quality mode:      %s\n", qualityModeName(info.Flags.QualityMode()))
			fmt.Fprintf(out, "id mode:           %s\n", idModeName(info.Flags.IDMode()))
			fmt.Fprintf(out, "paired-end:        %t\n", info.Flags.Paired())
			fmt.Fprintf(out, "preserve order:    %t\n", info.Flags.PreserveOrder())
			fmt.Fprintf(out, "reorder map:       %t\n", info.HasReorderMap)
			if info.OriginalFilename != "" {
				fmt.Fprintf(out, "original filename: %s\n", info.OriginalFilename)
			}
			fmt.Fprintf(out, "created:           %s\n", info.Timestamp.UTC().Format("2006-01-02 15:04:05 UTC"))

			if len(info.Blocks) > 0 {
				table := tablewriter.NewWriter(out)
				table.SetHeader([]string{"Block", "Offset", "Size", "Reads", "First ID", "Seq", "Qual", "IDs"})
				for _, b := range info.Blocks {
					table.Append([]string{
						strconv.FormatUint(uint64(b.BlockID), 10),
						strconv.FormatUint(b.Offset, 10),
						strconv.FormatUint(b.CompressedSize, 10),
						strconv.FormatUint(uint64(b.ReadCount), 10),
						strconv.FormatUint(b.ArchiveIDStart+1, 10),
						b.Codecs[archive.StreamSeq].String(),
						b.Codecs[archive.StreamQual].String(),
						b.Codecs[archive.StreamIDs].String(),
					})
				}
				table.Render()
			}
			if graph && len(info.Blocks) > 1 {
				sizes := make([]float64, len(info.Blocks))
				for i, b := range info.Blocks {
					sizes[i] = float64(b.CompressedSize) / 1024
				}
				fmt.Fprintln(out, "compressed block sizes (KiB):")
				fmt.Fprintln(out, asciigraph.Plot(sizes, asciigraph.Height(10)))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&graph, "graph", false, "plot per-block compressed sizes")
	return cmd
}

func newVerifyCmd(ctx context.Context) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <archive.fqc>",
		Short: "verify archive framing and checksums",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := fqzip.Verify(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
}

func parseQualityMode(s string) (archive.QualityMode, error) {
	switch s {
	case "lossless":
		return archive.QualityLossless, nil
	case "illumina8":
		return archive.QualityIllumina, nil
	case "qvz":
		return archive.QualityQVZ, nil
	case "discard":
		return archive.QualityDiscard, nil
	default:
		return 0, base.UsageErrorf("unknown quality mode %q", s)
	}
}

func qualityModeName(m archive.QualityMode) string {
	return [...]string{"lossless", "illumina8", "qvz", "discard"}[m]
}

func parseIDMode(s string) (archive.IDMode, error) {
	switch s {
	case "exact":
		return archive.IDExact, nil
	case "tokenise":
		return archive.IDTokenise, nil
	case "discard":
		return archive.IDDiscard, nil
	default:
		return 0, base.UsageErrorf("unknown id mode %q", s)
	}
}

func idModeName(m archive.IDMode) string {
	return [...]string{"exact", "tokenise", "discard"}[m]
}

func parsePELayout(s string) (archive.PELayout, error) {
	switch s {
	case "interleaved":
		return archive.PEInterleaved, nil
	case "consecutive":
		return archive.PEConsecutive, nil
	default:
		return 0, base.UsageErrorf("unknown paired-end layout %q", s)
	}
}

// parseRange parses "a:b" with 1-based inclusive bounds; ":b" means 1:b
// and "a:" means a:total.
func parseRange(s string) (uint64, uint64, error) {
	if s == "" {
		return 0, 0, nil
	}
	a, b, ok := strings.Cut(s, ":")
	if !ok {
		return 0, 0, base.UsageErrorf("range must be a:b, got %q", s)
	}
	var start, end uint64
	var err error
	if a != "" {
		if start, err = strconv.ParseUint(a, 10, 64); err != nil || start == 0 {
			return 0, 0, base.UsageErrorf("invalid range start %q", a)
		}
	}
	if b != "" {
		if end, err = strconv.ParseUint(b, 10, 64); err != nil || end == 0 {
			return 0, 0, base.UsageErrorf("invalid range end %q", b)
		}
	}
	return start, end, nil
}

func parseStreams(s string) (fqzip.StreamSet, error) {
	var set fqzip.StreamSet
	for _, part := range strings.Split(s, ",") {
		switch strings.TrimSpace(part) {
		case "all":
			return fqzip.AllStreams(), nil
		case "id":
			set.IDs = true
		case "seq":
			set.Seq = true
		case "qual":
			set.Qual = true
		case "":
		default:
			return set, base.UsageErrorf("unknown stream %q", part)
		}
	}
	if set == (fqzip.StreamSet{}) {
		return fqzip.AllStreams(), nil
	}
	return set, nil
}
