// uartdrv/sim.go

package uartdrv

import "sync"

// SimPeripheral is a register-level model of a serial peripheral for tests,
// examples and the integrity command: one pending flag per condition,
// per-condition source masks, a one-byte receive data register and a
// transmit sink.
//
// Interrupts are delivered synchronously: a helper that raises a condition
// invokes ServiceIRQ before returning, provided the vector-level IRQ is
// enabled. Deliveries are serialised, matching hardware where the interrupt
// handler does not preempt itself.
type SimPeripheral struct {
	mu      sync.Mutex
	pending [numConditions]bool
	sources [numConditions]bool
	irq     bool

	rdr     byte   // receive data register
	sent    []byte // everything written to the transmit data register
	stalled bool   // when set, transmit-empty interrupts are withheld

	isrMu sync.Mutex
}

// NewSimPeripheral returns an idle peripheral with all sources masked.
func NewSimPeripheral() *SimPeripheral {
	return &SimPeripheral{}
}

// deliver runs the interrupt entry point. Interrupt invocations do not
// preempt each other.
func (p *SimPeripheral) deliver() {
	p.isrMu.Lock()
	defer p.isrMu.Unlock()
	ServiceIRQ()
}

// --- Peripheral interface ---

func (p *SimPeripheral) EnableSource(c Condition) {
	p.mu.Lock()
	p.sources[c] = true
	p.mu.Unlock()
	if c == CondTxEmpty {
		p.pumpTx()
	}
}

func (p *SimPeripheral) DisableSource(c Condition) {
	p.mu.Lock()
	p.sources[c] = false
	p.mu.Unlock()
}

func (p *SimPeripheral) SourceEnabled(c Condition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sources[c]
}

func (p *SimPeripheral) Pending(c Condition) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pending[c]
}

func (p *SimPeripheral) ClearPending(c Condition) {
	p.mu.Lock()
	p.pending[c] = false
	p.mu.Unlock()
}

func (p *SimPeripheral) ReadData() byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.rdr
}

func (p *SimPeripheral) WriteData(b byte) {
	p.mu.Lock()
	p.sent = append(p.sent, b)
	p.pending[CondTxEmpty] = false // register briefly occupied
	p.mu.Unlock()
}

func (p *SimPeripheral) FlushReceive() {
	p.mu.Lock()
	p.pending[CondRxNotEmpty] = false
	p.mu.Unlock()
}

func (p *SimPeripheral) EnableIRQ() {
	p.mu.Lock()
	p.irq = true
	p.mu.Unlock()
}

func (p *SimPeripheral) DisableIRQ() {
	p.mu.Lock()
	p.irq = false
	p.mu.Unlock()
}

// pumpTx re-raises the transmit-empty condition and delivers an interrupt
// per shifted byte, until the driver masks the source again. The modelled
// shifter is infinitely fast, so the whole staging block drains before
// pumpTx returns.
func (p *SimPeripheral) pumpTx() {
	for {
		p.mu.Lock()
		run := p.irq && p.sources[CondTxEmpty] && !p.stalled
		if run {
			p.pending[CondTxEmpty] = true
		}
		p.mu.Unlock()
		if !run {
			return
		}
		p.deliver()
	}
}

// --- Test and simulation helpers ---

// RxByte models one received byte: it loads the data register, raises the
// receive condition (raising overrun instead when the previous byte was
// never collected) and delivers the interrupt.
func (p *SimPeripheral) RxByte(b byte) {
	p.mu.Lock()
	if p.pending[CondRxNotEmpty] {
		p.pending[CondOverrun] = true
	}
	p.rdr = b
	p.pending[CondRxNotEmpty] = true
	fire := p.irq
	p.mu.Unlock()
	if fire {
		p.deliver()
	}
}

// RxBytes feeds a sequence of bytes one interrupt at a time.
func (p *SimPeripheral) RxBytes(data []byte) {
	for _, b := range data {
		p.RxByte(b)
	}
}

// RaiseError flags the given conditions and delivers a single interrupt, so
// simultaneous error flags exercise the one-invocation servicing path.
func (p *SimPeripheral) RaiseError(conds ...Condition) {
	p.mu.Lock()
	for _, c := range conds {
		p.pending[c] = true
	}
	fire := p.irq
	p.mu.Unlock()
	if fire {
		p.deliver()
	}
}

// StallTx withholds transmit-empty interrupts, modelling a busy shifter.
func (p *SimPeripheral) StallTx() {
	p.mu.Lock()
	p.stalled = true
	p.mu.Unlock()
}

// ReleaseTx resumes transmit-empty interrupts and drains anything staged.
func (p *SimPeripheral) ReleaseTx() {
	p.mu.Lock()
	p.stalled = false
	p.mu.Unlock()
	p.pumpTx()
}

// Sent returns a copy of every byte written to the transmit data register.
func (p *SimPeripheral) Sent() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.sent...)
}

// SentLen returns the number of bytes the sink has absorbed.
func (p *SimPeripheral) SentLen() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sent)
}
