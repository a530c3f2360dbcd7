package vmm

import (
	"fmt"

	"corekernel/kernel/kfmt"
)

// vasLogger returns a kfmt.PrefixWriter tagging every line written through
// it with vas's identity, in the teacher's hal.go probe() idiom: format a
// tag, then hand it to PrefixWriter.Prefix so every line written to the
// returned writer carries it. Applied here to per-VAS fault/eviction
// diagnostics instead of hal.go's per-driver ones. fmt.Sprintf (not
// kfmt.Fprintf) builds the tag since it needs %p, a verb kfmt deliberately
// does not support (see fmt.go's Printf doc).
func vasLogger(vas *VAS) *kfmt.PrefixWriter {
	return kfmt.NewPrefixWriter([]byte(fmt.Sprintf("[vmm vas=%p] ", vas)))
}
