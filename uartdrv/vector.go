// uartdrv/vector.go

package uartdrv

import "sync/atomic"

// One physical interrupt vector routes to exactly one driver instance. The
// binding is process-wide so that ServiceIRQ, which carries no parameters,
// can reach the instance. Initialize claims the slot and panics if it is
// already taken.

var vector atomic.Pointer[Driver]

func bindVector(d *Driver) {
	if !vector.CompareAndSwap(nil, d) {
		panic("uartdrv: interrupt vector already bound")
	}
}

func unbindVector(d *Driver) {
	vector.CompareAndSwap(d, nil)
}

// ServiceIRQ is the interrupt entry point. Peripheral implementations call
// it once per interrupt occurrence; it dispatches to the bound driver and
// is a no-op while no driver is bound.
func ServiceIRQ() {
	if d := vector.Load(); d != nil {
		d.handleInterrupt()
	}
}
