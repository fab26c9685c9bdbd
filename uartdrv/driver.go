// uartdrv/driver.go

// Package uartdrv is an interrupt-driven character serial driver. The
// interrupt handler does byte-level, non-blocking work against two SPSC
// ring buffers and a small staging block; a consumer goroutine does the
// buffer-level bookkeeping and republishes readiness flags to a device
// registry; foreground callers use non-blocking Read/TryWrite plus blocking
// helpers built on coalesced notification channels.
package uartdrv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

// txBlockSize is the capacity of the staging block handed to interrupt
// context. The consumer task refills it from the TX ring one block at a
// time.
const txBlockSize = 16

// ErrBufferEmpty is returned by ReadByte when no data is buffered.
var ErrBufferEmpty = errors.New("UART buffer empty")

// ErrDriverClosed is returned by blocking calls interrupted by DeInitialize.
var ErrDriverClosed = errors.New("UART driver closed")

// Driver moves bytes between a serial peripheral and software ring buffers.
//
// Synchronisation: mu serialises the consumer task and all facade callers
// against each other, never against interrupt context. Interrupt context
// touches only the rings (RX producer, TX staging), the staging block and
// the atomic state words; it owns the staging block exclusively while
// txPending is set.
type Driver struct {
	periph Peripheral
	reg    Registry

	mu          sync.Mutex
	dev         DeviceID
	baud        uint32
	initialized bool

	rx *Ring // ISR produces, facade consumes
	tx *Ring // facade produces, consumer task consumes

	errMask atomic.Uint32 // sticky hardware error codes

	// Staging block: raw bytes plus length and progress cursor, so the
	// interrupt handler never has to touch the TX ring.
	txData     [txBlockSize]byte
	txLen      int
	txProgress int
	txPending  atomic.Bool

	pending  atomic.Uint32 // readiness bits accumulated by the ISR
	wake     chan struct{} // coalesced consumer-task wake
	notify   chan struct{} // coalesced RX readiness for blocking readers
	txNotify chan struct{} // coalesced TX progress for blocking writers
	done     chan struct{}
	stopped  sync.WaitGroup
}

// New returns a driver bound to a peripheral and a flag registry. The
// driver is inert until Initialize is called.
func New(p Peripheral, reg Registry) *Driver {
	return &Driver{
		periph:   p,
		reg:      reg,
		rx:       NewRing(),
		tx:       NewRing(),
		wake:     make(chan struct{}, 1),
		notify:   make(chan struct{}, 1),
		txNotify: make(chan struct{}, 1),
	}
}

// Initialize claims the interrupt vector, starts the consumer task and arms
// the always-on interrupt sources. Calling it twice without an intervening
// DeInitialize, or calling it with IllegalDevice, is a programming error
// and panics.
func (d *Driver) Initialize(dev DeviceID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.initialized {
		panic("uartdrv: Initialize called twice")
	}
	if dev == IllegalDevice {
		panic("uartdrv: illegal device id")
	}
	d.dev = dev
	d.done = make(chan struct{})
	bindVector(d)

	d.stopped.Add(1)
	go d.run()

	d.periph.EnableSource(CondParity)
	d.periph.EnableSource(CondError)
	d.periph.EnableSource(CondRxNotEmpty)
	// Transmission-complete is never used; make sure it cannot fire.
	d.periph.DisableSource(CondTxComplete)
	d.periph.EnableIRQ()
	d.initialized = true
}

// DeInitialize tears the driver down. After it returns no further
// interrupts are dispatched to this driver and the consumer task has
// exited. The driver may be initialized again afterwards.
func (d *Driver) DeInitialize() {
	d.mu.Lock()
	if !d.initialized {
		d.mu.Unlock()
		panic("uartdrv: DeInitialize before Initialize")
	}
	// Quiesce the hardware before anything else so the ISR cannot run
	// mid-teardown.
	d.periph.DisableIRQ()
	d.periph.DisableSource(CondParity)
	d.periph.DisableSource(CondError)
	d.periph.DisableSource(CondRxNotEmpty)
	d.periph.DisableSource(CondTxEmpty)
	unbindVector(d)
	dev := d.dev
	d.mu.Unlock()

	// The consumer task takes mu, so the lock must not be held while
	// waiting for it.
	close(d.done)
	d.stopped.Wait()

	d.mu.Lock()
	d.rx.Clear()
	d.tx.Clear()
	d.txLen, d.txProgress = 0, 0
	d.txPending.Store(false)
	d.pending.Store(0)
	d.errMask.Store(0)
	d.reg.ClearFlags(dev, EvRx|EvTx|EvErr)
	d.dev = IllegalDevice
	d.initialized = false
	d.mu.Unlock()
}

// run is the consumer task. It sleeps until the interrupt handler signals,
// then does the buffer-level work the handler must not do and republishes
// the accumulated bits to the registry.
func (d *Driver) run() {
	defer d.stopped.Done()
	for {
		select {
		case <-d.wake:
		case <-d.done:
			return
		}
		bits := d.pending.Swap(0)
		if bits == 0 {
			continue // stale coalesced wake
		}
		d.mu.Lock()
		if bits&EvTx != 0 {
			d.ensureTransmission()
		}
		// This wakes any listener currently registered for the device.
		d.reg.SetFlags(d.dev, bits)
		d.mu.Unlock()

		if bits&EvRx != 0 {
			signal(d.notify)
		}
		if bits&EvTx != 0 {
			signal(d.txNotify)
		}
	}
}

// ensureTransmission re-arms interrupt-driven transmission. Called with mu
// held, from the consumer task and from TryWrite.
func (d *Driver) ensureTransmission() {
	if !d.txPending.Load() {
		n := d.tx.Read(d.txData[:])
		if n > 0 {
			d.txLen = n
			d.txProgress = 0
			d.txPending.Store(true)
			d.periph.EnableSource(CondTxEmpty)
		}
	} else if d.tx.Full() {
		// A transmission is in flight and the ring has no space left: lower
		// the transmitted flag so listeners stop being told there is room.
		// This is the only backpressure path in the driver.
		d.reg.ClearFlags(d.dev, EvTx)
	}
}

func (d *Driver) checkInit() {
	if !d.initialized {
		panic("uartdrv: driver not initialized")
	}
}

// Read drains up to len(p) bytes from the RX buffer. It never blocks; n is
// 0 when nothing is buffered. When the buffer drains empty the received
// flag is lowered at the registry.
func (d *Driver) Read(p []byte) (int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkInit()
	n := d.rx.Read(p)
	if d.rx.Empty() {
		d.reg.ClearFlags(d.dev, EvRx)
	}
	return n, nil
}

// ReadByte reads a single byte from the RX buffer. It returns
// ErrBufferEmpty when no data is available.
func (d *Driver) ReadByte() (byte, error) {
	var b [1]byte
	n, _ := d.Read(b[:])
	if n == 0 {
		return 0, ErrBufferEmpty
	}
	return b[0], nil
}

// Buffered returns the number of bytes waiting in the RX buffer.
func (d *Driver) Buffered() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.rx.Used()
}

// TxFree returns the remaining space in the TX buffer in bytes.
func (d *Driver) TxFree() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tx.Free()
}

// TryWrite queues as many bytes of p as fit in the TX buffer and returns
// the number accepted. It never blocks; a short or zero count is the
// backpressure signal. Accepted bytes are drained to the hardware by the
// interrupt handler.
func (d *Driver) TryWrite(p []byte) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkInit()
	n := d.tx.Write(p)
	if n > 0 {
		d.ensureTransmission()
	}
	return n
}

// Write blocks until every byte of p has been accepted by the driver. It
// does not wait for the bytes to reach the wire; use Flush for that.
func (d *Driver) Write(p []byte) (int, error) {
	sent := 0
	for sent < len(p) {
		n := d.TryWrite(p[sent:])
		if n > 0 {
			sent += n
			continue
		}
		// Wait for TX progress, then retry.
		select {
		case <-d.txNotify:
		case <-d.doneCh():
			return sent, ErrDriverClosed
		}
	}
	return sent, nil
}

// WriteByte blocks until the byte is accepted by the driver.
func (d *Driver) WriteByte(c byte) error {
	_, err := d.Write([]byte{c})
	return err
}

// GetError lowers the error readiness flag at the registry and returns the
// accumulated error mask. The mask itself is not cleared: repeated calls
// keep returning every error code seen since Initialize.
func (d *Driver) GetError() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.checkInit()
	d.reg.ClearFlags(d.dev, EvErr)
	return d.errMask.Load()
}

// Readable returns a coalesced notification channel for RX readiness.
// Callers must re-check state after waking.
func (d *Driver) Readable() <-chan struct{} { return d.notify }

// Writable returns a coalesced notification channel for TX progress or
// space. Callers must re-check state after waking.
func (d *Driver) Writable() <-chan struct{} { return d.txNotify }

// WaitReadable blocks until data is buffered or ctx is done.
func (d *Driver) WaitReadable(ctx context.Context) error {
	for {
		if d.Buffered() > 0 {
			return nil
		}
		select {
		case <-d.notify: // coalesced; re-check on wake
		case <-d.doneCh():
			return ErrDriverClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ReadBlocking blocks until at least one byte is available, then reads up
// to len(p) bytes.
func (d *Driver) ReadBlocking(ctx context.Context, p []byte) (int, error) {
	for {
		if n, _ := d.Read(p); n > 0 {
			return n, nil
		}
		if err := d.WaitReadable(ctx); err != nil {
			return 0, err
		}
	}
}

// Flush blocks until the TX ring and the staging block are both empty. The
// final drain edge raises no dedicated interrupt, so Flush polls on a short
// tick in addition to TX progress wakes.
func (d *Driver) Flush(ctx context.Context) error {
	tick := d.drainTick()
	for {
		d.mu.Lock()
		drained := d.tx.Empty() && !d.txPending.Load()
		d.mu.Unlock()
		if drained {
			return nil
		}
		select {
		case <-d.txNotify:
			// Progress likely occurred; loop and re-check.
		case <-time.After(tick):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// drainTick returns a short polling interval for Flush based on the
// configured baud: roughly two character times at 8N1, with a floor.
func (d *Driver) drainTick() time.Duration {
	d.mu.Lock()
	baud := d.baud
	d.mu.Unlock()
	if baud == 0 {
		return 50 * time.Microsecond
	}
	perBit := time.Second / time.Duration(baud)
	t := 2 * 10 * perBit
	if t < 20*time.Microsecond {
		t = 20 * time.Microsecond
	}
	return t
}

// doneCh returns the teardown channel of the current driver generation.
func (d *Driver) doneCh() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.done
}

// signal performs a coalesced, non-blocking send. Safe from interrupt
// context.
func signal(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}
