// uartdrv/hostport.go

package uartdrv

import (
	"sync"

	"go.bug.st/serial"
)

// HostPort adapts an operating-system serial port to the Peripheral
// interface, so the driver runs unmodified against real hardware on a host
// build. Interrupt conditions are synthesized from port I/O: a reader
// goroutine raises the receive condition one byte at a time, and enabling
// the transmit-empty source starts a pump goroutine that keeps raising it
// until the driver masks the source again.
type HostPort struct {
	port serial.Port

	mu      sync.Mutex
	sources [numConditions]bool
	pending [numConditions]bool
	irq     bool
	rdr     byte
	tdr     []byte // bytes staged by WriteData, flushed by the pump
	pumping bool

	isrMu sync.Mutex
	done  chan struct{}
	wg    sync.WaitGroup
}

// Ports lists the serial ports available on this machine.
func Ports() ([]string, error) {
	return serial.GetPortsList()
}

// OpenHostPort opens a named port at the given baud rate and starts
// synthesizing receive interrupts for incoming bytes.
func OpenHostPort(name string, baud int) (*HostPort, error) {
	port, err := serial.Open(name, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}
	h := &HostPort{port: port, done: make(chan struct{})}
	h.wg.Add(1)
	go h.readLoop()
	return h, nil
}

// Close stops interrupt synthesis and closes the port. DeInitialize the
// driver first so no sources remain enabled.
func (h *HostPort) Close() error {
	close(h.done)
	err := h.port.Close() // unblocks the reader
	h.wg.Wait()
	return err
}

func (h *HostPort) deliver() {
	h.isrMu.Lock()
	defer h.isrMu.Unlock()
	ServiceIRQ()
}

// readLoop turns received bytes into receive interrupts. A byte arriving
// while the previous one is still uncollected raises overrun, like the
// hardware it stands in for.
func (h *HostPort) readLoop() {
	defer h.wg.Done()
	buf := make([]byte, 1)
	for {
		select {
		case <-h.done:
			return
		default:
		}
		n, err := h.port.Read(buf)
		if err != nil {
			return
		}
		if n == 0 {
			continue
		}
		h.mu.Lock()
		if h.pending[CondRxNotEmpty] {
			h.pending[CondOverrun] = true
		}
		h.rdr = buf[0]
		h.pending[CondRxNotEmpty] = true
		fire := h.irq
		h.mu.Unlock()
		if fire {
			h.deliver()
		}
	}
}

// txPump raises transmit-empty interrupts while the source stays enabled,
// writing staged bytes out to the port between deliveries.
func (h *HostPort) txPump() {
	defer h.wg.Done()
	for {
		h.mu.Lock()
		run := h.irq && h.sources[CondTxEmpty]
		if run {
			h.pending[CondTxEmpty] = true
		} else {
			h.pumping = false
		}
		out := h.tdr
		h.tdr = nil
		h.mu.Unlock()

		if len(out) > 0 {
			if _, err := h.port.Write(out); err != nil {
				return
			}
		}
		if !run {
			return
		}
		h.deliver()
	}
}

// --- Peripheral interface ---

func (h *HostPort) EnableSource(c Condition) {
	h.mu.Lock()
	h.sources[c] = true
	start := c == CondTxEmpty && !h.pumping
	if start {
		h.pumping = true
	}
	h.mu.Unlock()
	if start {
		h.wg.Add(1)
		go h.txPump()
	}
}

func (h *HostPort) DisableSource(c Condition) {
	h.mu.Lock()
	h.sources[c] = false
	h.mu.Unlock()
}

func (h *HostPort) SourceEnabled(c Condition) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sources[c]
}

func (h *HostPort) Pending(c Condition) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.pending[c]
}

func (h *HostPort) ClearPending(c Condition) {
	h.mu.Lock()
	h.pending[c] = false
	h.mu.Unlock()
}

func (h *HostPort) ReadData() byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rdr
}

func (h *HostPort) WriteData(b byte) {
	h.mu.Lock()
	h.tdr = append(h.tdr, b)
	h.pending[CondTxEmpty] = false
	h.mu.Unlock()
}

func (h *HostPort) FlushReceive() {
	h.mu.Lock()
	h.pending[CondRxNotEmpty] = false
	h.mu.Unlock()
}

func (h *HostPort) EnableIRQ() {
	h.mu.Lock()
	h.irq = true
	h.mu.Unlock()
}

func (h *HostPort) DisableIRQ() {
	h.mu.Lock()
	h.irq = false
	h.mu.Unlock()
}
