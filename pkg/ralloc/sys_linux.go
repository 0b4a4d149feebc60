//go:build linux

package ralloc

import "github.com/flier/ralloc/internal/sys"

func defaultOps() sys.Ops { return sys.Linux{} }
