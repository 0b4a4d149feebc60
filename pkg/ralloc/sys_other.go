//go:build !linux

package ralloc

import "github.com/flier/ralloc/internal/sys"

// defaultSimSize is large enough for ordinary process lifetimes without
// being a noticeable up-front reservation; platforms that land here
// don't have a real brk(2) this allocator can safely drive anyway.
const defaultSimSize = 256 << 20

func defaultOps() sys.Ops { return sys.NewSim(defaultSimSize) }
