package xid

import (
	"fmt"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"posledger/internal/clock"
)

const (
	barcodeSpace = 100000
	invoiceSpace = 10000
)

// Generator mints barcode ids and invoice numbers. Both carry a timestamp
// and a per-process counter that starts at a random offset, so two processes
// rarely collide and one process never repeats within a counter cycle.
// Storage still enforces uniqueness; callers retry on a duplicate.
type Generator struct {
	clock      clock.Clock
	barcodeSeq atomic.Uint64
	invoiceSeq atomic.Uint64
}

func NewGenerator(c clock.Clock) *Generator {
	if c == nil {
		c = clock.System{}
	}
	g := &Generator{clock: c}
	g.barcodeSeq.Store(rand.Uint64N(barcodeSpace))
	g.invoiceSeq.Store(rand.Uint64N(invoiceSpace))
	return g
}

// NewBarcodeID returns a digits-only id (unix seconds + 5 digits) so it can be
// printed as a Code128 barcode.
func (g *Generator) NewBarcodeID() string {
	n := g.barcodeSeq.Add(1) % barcodeSpace
	return fmt.Sprintf("%d%05d", g.clock.Now().Unix(), n)
}

// NewInvoiceNo returns INV + YYYYMMDDhhmmss + milliseconds + "-" + counter,
// e.g. INV20240101120000123-0042.
func (g *Generator) NewInvoiceNo() string {
	now := g.clock.Now().UTC()
	n := g.invoiceSeq.Add(1) % invoiceSpace
	millis := now.Nanosecond() / int(time.Millisecond)
	return fmt.Sprintf("INV%s%03d-%04d", now.Format("20060102150405"), millis, n)
}
