package core

import (
	"fmt"
	"log"
	"sort"
)

// SequenceValidator tracks the last accepted source sequence per partition
// (one partition per pool feed). Not thread-safe.
type SequenceValidator struct {
	expectedNextSeq map[string]int64
	gaps            map[string]int64
}

func NewSequenceValidator() *SequenceValidator {
	return &SequenceValidator{
		expectedNextSeq: make(map[string]int64),
		gaps:            make(map[string]int64),
	}
}

// ErrStaleSequence marks a notification older than what was already applied.
type ErrStaleSequence struct {
	Partition string
	Expected  int64
	Got       int64
}

func (e *ErrStaleSequence) Error() string {
	return fmt.Sprintf("stale sequence: partition=%s, expected>=%d, got=%d", e.Partition, e.Expected, e.Got)
}

// ValidateSwapSequence accepts sequences at or past the expected one. Gaps
// are tolerated: the pool replays to the reported target tick, so a missed
// notification only coarsens the price path. Older sequences are rejected.
func (sv *SequenceValidator) ValidateSwapSequence(partition string, sequence int64) error {
	expected := sv.expectedNextSeq[partition]
	if sequence < expected {
		return &ErrStaleSequence{Partition: partition, Expected: expected, Got: sequence}
	}
	if sequence > expected && expected > 0 {
		sv.gaps[partition]++
		log.Printf("WARN: swap sequence gap: partition=%s, expected=%d, got=%d", partition, expected, sequence)
	}
	sv.expectedNextSeq[partition] = sequence + 1
	return nil
}

// GetExpectedSequence returns next expected sequence for a partition
func (sv *SequenceValidator) GetExpectedSequence(partition string) int64 {
	return sv.expectedNextSeq[partition]
}

// Gaps returns how many gaps were observed on partition.
func (sv *SequenceValidator) Gaps(partition string) int64 { return sv.gaps[partition] }

// SequenceState is one partition's resume point.
type SequenceState struct {
	Partition string `json:"partition"`
	Next      int64  `json:"next"`
}

// Export lists every partition, sorted.
func (sv *SequenceValidator) Export() []SequenceState {
	out := make([]SequenceState, 0, len(sv.expectedNextSeq))
	for p, n := range sv.expectedNextSeq {
		out = append(out, SequenceState{Partition: p, Next: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Restore replaces all partitions.
func (sv *SequenceValidator) Restore(states []SequenceState) {
	sv.expectedNextSeq = make(map[string]int64, len(states))
	for _, s := range states {
		sv.expectedNextSeq[s.Partition] = s.Next
	}
}
