// Package errorrate accumulates word and character error rates with
// per-utterance alignments.
package errorrate

// Op is one alignment step.
type Op byte

const (
	OpEqual Op = '='
	OpSub   Op = 'S'
	OpIns   Op = 'I'
	OpDel   Op = 'D'
)

// Step pairs reference and hypothesis positions; -1 marks a gap.
type Step struct {
	Op       Op
	Ref, Hyp int
}

// Align computes a minimum edit alignment of hyp against ref.
func Align(ref, hyp []string) []Step {
	n, m := len(ref), len(hyp)
	cost := make([][]int, n+1)
	for i := range cost {
		cost[i] = make([]int, m+1)
		cost[i][0] = i
	}
	for j := 0; j <= m; j++ {
		cost[0][j] = j
	}
	for i := 1; i <= n; i++ {
		for j := 1; j <= m; j++ {
			sub := cost[i-1][j-1]
			if ref[i-1] != hyp[j-1] {
				sub++
			}
			cost[i][j] = min(sub, cost[i-1][j]+1, cost[i][j-1]+1)
		}
	}
	var rev []Step
	i, j := n, m
	for i > 0 || j > 0 {
		switch {
		case i > 0 && j > 0 && ref[i-1] == hyp[j-1] && cost[i][j] == cost[i-1][j-1]:
			rev = append(rev, Step{OpEqual, i - 1, j - 1})
			i, j = i-1, j-1
		case i > 0 && j > 0 && cost[i][j] == cost[i-1][j-1]+1:
			rev = append(rev, Step{OpSub, i - 1, j - 1})
			i, j = i-1, j-1
		case i > 0 && cost[i][j] == cost[i-1][j]+1:
			rev = append(rev, Step{OpDel, i - 1, -1})
			i--
		default:
			rev = append(rev, Step{OpIns, -1, j - 1})
			j--
		}
	}
	out := make([]Step, len(rev))
	for k, s := range rev {
		out[len(rev)-1-k] = s
	}
	return out
}

// Counts tallies an alignment.
func Counts(steps []Step) (ins, del, sub int) {
	for _, s := range steps {
		switch s.Op {
		case OpIns:
			ins++
		case OpDel:
			del++
		case OpSub:
			sub++
		}
	}
	return ins, del, sub
}
