package sched

import (
	"fmt"

	"corekernel/kernel/kfmt"
)

// threadLogger returns a kfmt.PrefixWriter tagging every line written
// through it with t's thread ID, the same per-entity PrefixWriter idiom
// kernel/vmm's vasLogger and the teacher's hal.go probe() use, applied
// here to per-thread scheduling diagnostics (termination, park reasons).
func threadLogger(t *Thread) *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter([]byte(fmt.Sprintf("[sched thread=%d] ", t.ID)))
}
