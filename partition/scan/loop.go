package scan

import (
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/joshuapare/pakit/internal/mem"
)

// addrMask strips the top byte, where tagged pointers keep their tag.
const addrMask = 1<<56 - 1

// scanLoop reads a range word by word and reports every word that may point
// into the pool.
type scanLoop struct {
	name  string
	words func(ws []uintptr, mask, base uintptr, visit func(w uintptr))
}

var (
	scalarLoop = scanLoop{name: "scalar", words: scanScalar}
	wideLoop   = scanLoop{name: "wide", words: scanWide}
)

// chooseLoop picks the unrolled loop on CPUs with wide vector units, which
// run its independent compares in parallel.
func chooseLoop() scanLoop {
	if cpu.X86.HasAVX2 || cpu.ARM64.HasASIMD {
		return wideLoop
	}
	return scalarLoop
}

func scanScalar(ws []uintptr, mask, base uintptr, visit func(w uintptr)) {
	for _, w := range ws {
		if w&mask == base {
			visit(w)
		}
	}
}

func scanWide(ws []uintptr, mask, base uintptr, visit func(w uintptr)) {
	i := 0
	for ; i+4 <= len(ws); i += 4 {
		w0, w1, w2, w3 := ws[i], ws[i+1], ws[i+2], ws[i+3]
		h0 := w0&mask == base
		h1 := w1&mask == base
		h2 := w2&mask == base
		h3 := w3&mask == base
		if !(h0 || h1 || h2 || h3) {
			continue
		}
		if h0 {
			visit(w0)
		}
		if h1 {
			visit(w1)
		}
		if h2 {
			visit(w2)
		}
		if h3 {
			visit(w3)
		}
	}
	scanScalar(ws[i:], mask, base, visit)
}

// scanRange runs l over [begin, end). Both bounds are word aligned.
func (l scanLoop) scanRange(begin, end, mask, base uintptr, visit func(w uintptr)) {
	if end <= begin {
		return
	}
	l.words(mem.Words(begin, (end-begin)/wordSize), mask, base, visit)
}

const wordSize = unsafe.Sizeof(uintptr(0))
