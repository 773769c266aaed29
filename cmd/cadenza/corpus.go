package main

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/MrWong99/cadenza/internal/corpusfile"
	"github.com/MrWong99/cadenza/pkg/corpus"
)

func newCorpusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "corpus",
		Short: "Inspect or convert analysed corpus documents",
		Long: `Work with corpus documents in JSON, YAML or msgpack. The format is chosen
by file extension (.json, .yaml/.yml, .msgpack/.mpk).`,
	}
	cmd.AddCommand(newCorpusInspectCmd(), newCorpusConvertCmd())
	return cmd
}

func newCorpusInspectCmd() *cobra.Command {
	var events int
	cmd := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Validate a corpus and print a summary",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := corpusfile.Load(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderCorpus(newStyles(cmd.OutOrStdout()), c, events))
			return nil
		},
	}
	cmd.Flags().IntVarP(&events, "events", "n", 0, "also list the first n events")
	return cmd
}

func newCorpusConvertCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "convert <in> <out>",
		Short: "Re-encode a corpus document in the format of <out>",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, out := args[0], args[1]
			format, err := corpusfile.FormatFor(out)
			if err != nil {
				return err
			}
			var c *corpus.Corpus
			if name != "" {
				c, err = corpusfile.LoadAs(name, in)
			} else {
				c, err = corpusfile.Load(in)
			}
			if err != nil {
				return err
			}
			b, err := corpusfile.Marshal(c, format)
			if err != nil {
				return err
			}
			if err := os.WriteFile(out, b, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", out, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%s, %d events)\n", out, format, c.Len())
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "rename the corpus")
	return cmd
}

func renderCorpus(s styles, c *corpus.Corpus, listEvents int) string {
	lo, hi := math.MaxInt, math.MinInt
	tlo, thi := math.Inf(1), math.Inf(-1)
	notes := 0
	for _, ev := range c.Events() {
		lo, hi = min(lo, ev.Pitch), max(hi, ev.Pitch)
		if ev.Tempo > 0 {
			tlo, thi = min(tlo, ev.Tempo), max(thi, ev.Tempo)
		}
		notes += len(ev.Notes)
	}

	lines := []string{
		s.title.Render(c.Name()),
		s.field("kind", string(c.Kind())),
		s.field("events", strconv.Itoa(c.Len())),
		s.field("length", fmt.Sprintf("%.2f beats", c.Length())),
	}
	if c.Len() > 0 {
		lines = append(lines, s.field("pitch", fmt.Sprintf("%d..%d", lo, hi)))
	}
	if !math.IsInf(tlo, 1) {
		lines = append(lines, s.field("tempo", fmt.Sprintf("%g..%g bpm", tlo, thi)))
	}
	if c.Kind() == corpus.KindMIDI {
		lines = append(lines, s.field("notes", strconv.Itoa(notes)))
	}

	if n := min(listEvents, c.Len()); n > 0 {
		rows := make([][]string, 0, n)
		for _, ev := range c.Events()[:n] {
			rows = append(rows, []string{
				strconv.Itoa(ev.Index),
				strconv.FormatFloat(ev.Onset, 'g', -1, 64),
				strconv.FormatFloat(ev.Duration, 'g', -1, 64),
				strconv.Itoa(ev.Pitch),
				strconv.Itoa(len(ev.Notes)),
			})
		}
		lines = append(lines, "", s.table([]string{"#", "onset", "duration", "pitch", "notes"}, rows))
		if n < c.Len() {
			lines = append(lines, s.dim.Render(fmt.Sprintf("… %d more", c.Len()-n)))
		}
	}
	return strings.Join(lines, "\n")
}
