package errorrate

import (
	"fmt"
	"io"
	"strings"
	"sync"
)

// Score is the result for one utterance.
type Score struct {
	ID            string
	Ref, Hyp      []string
	Steps         []Step
	Ins, Del, Sub int
}

// Errors is the total edit count.
func (s Score) Errors() int { return s.Ins + s.Del + s.Sub }

// Summary aggregates every appended utterance.
type Summary struct {
	ErrorRate     float64 // percent
	Ins, Del, Sub int
	NumRef        int
	Sentences     int
	SentErrors    int
	SentErrorRate float64 // percent
}

// Stats accumulates scores. With SplitTokens, every word is split into its
// characters before scoring, which yields CER.
type Stats struct {
	SplitTokens bool

	mu     sync.Mutex
	scores []Score
}

// New returns an empty accumulator.
func New(splitTokens bool) *Stats {
	return &Stats{SplitTokens: splitTokens}
}

// Append scores each predicted word list against its target.
func (s *Stats) Append(ids []string, predict, target [][]string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, id := range ids {
		ref, hyp := target[i], predict[i]
		if s.SplitTokens {
			ref, hyp = splitChars(ref), splitChars(hyp)
		}
		steps := Align(ref, hyp)
		ins, del, sub := Counts(steps)
		s.scores = append(s.scores, Score{ID: id, Ref: ref, Hyp: hyp, Steps: steps, Ins: ins, Del: del, Sub: sub})
	}
}

// Clear drops every score.
func (s *Stats) Clear() {
	s.mu.Lock()
	s.scores = nil
	s.mu.Unlock()
}

// Scores returns a copy of the per-utterance results.
func (s *Stats) Scores() []Score {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Score(nil), s.scores...)
}

// Summarize totals the scores.
func (s *Stats) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	var sum Summary
	for _, sc := range s.scores {
		sum.Ins += sc.Ins
		sum.Del += sc.Del
		sum.Sub += sc.Sub
		sum.NumRef += len(sc.Ref)
		sum.Sentences++
		if sc.Errors() > 0 {
			sum.SentErrors++
		}
	}
	if sum.NumRef > 0 {
		sum.ErrorRate = 100 * float64(sum.Ins+sum.Del+sum.Sub) / float64(sum.NumRef)
	} else if sum.Ins > 0 {
		sum.ErrorRate = 100
	}
	if sum.Sentences > 0 {
		sum.SentErrorRate = 100 * float64(sum.SentErrors) / float64(sum.Sentences)
	}
	return sum
}

const rule = "================================================================================"

// WriteStats writes the totals followed by every utterance's alignment.
func (s *Stats) WriteStats(w io.Writer) error {
	sum := s.Summarize()
	var b strings.Builder
	fmt.Fprintf(&b, "%%WER %.2f [ %d / %d, %d ins, %d del, %d sub ]\n",
		sum.ErrorRate, sum.Ins+sum.Del+sum.Sub, sum.NumRef, sum.Ins, sum.Del, sum.Sub)
	fmt.Fprintf(&b, "%%SER %.2f [ %d / %d ]\n", sum.SentErrorRate, sum.SentErrors, sum.Sentences)
	fmt.Fprintf(&b, "Scored %d sentences, 0 not present in hyp.\n", sum.Sentences)
	b.WriteString(rule + "\n")
	b.WriteString("ALIGNMENTS\n\n")
	b.WriteString("Format:\n<utterance-id>, WER DETAILS\n<reference>\n<edit ops>\n<hypothesis>\n")
	b.WriteString(rule + "\n")
	for _, sc := range s.Scores() {
		rate := 0.0
		if len(sc.Ref) > 0 {
			rate = 100 * float64(sc.Errors()) / float64(len(sc.Ref))
		}
		fmt.Fprintf(&b, "%s, %%WER %.2f [ %d / %d, %d ins, %d del, %d sub ]\n",
			sc.ID, rate, sc.Errors(), len(sc.Ref), sc.Ins, sc.Del, sc.Sub)
		writeAlignment(&b, sc)
		b.WriteString(rule + "\n")
	}
	_, err := io.WriteString(w, b.String())
	return err
}

func writeAlignment(b *strings.Builder, sc Score) {
	refs := make([]string, len(sc.Steps))
	ops := make([]string, len(sc.Steps))
	hyps := make([]string, len(sc.Steps))
	for k, st := range sc.Steps {
		refs[k], hyps[k] = "<eps>", "<eps>"
		if st.Ref >= 0 {
			refs[k] = sc.Ref[st.Ref]
		}
		if st.Hyp >= 0 {
			hyps[k] = sc.Hyp[st.Hyp]
		}
		ops[k] = string(st.Op)
		width := max(len(refs[k]), len(hyps[k]), 1)
		refs[k] = center(refs[k], width)
		ops[k] = center(ops[k], width)
		hyps[k] = center(hyps[k], width)
	}
	b.WriteString(strings.Join(refs, " ; ") + "\n")
	b.WriteString(strings.Join(ops, " ; ") + "\n")
	b.WriteString(strings.Join(hyps, " ; ") + "\n")
}

func center(s string, width int) string {
	pad := width - len(s)
	if pad <= 0 {
		return s
	}
	left := pad / 2
	return strings.Repeat(" ", left) + s + strings.Repeat(" ", pad-left)
}

func splitChars(words []string) []string {
	var out []string
	for _, w := range words {
		for _, r := range w {
			out = append(out, string(r))
		}
	}
	return out
}
