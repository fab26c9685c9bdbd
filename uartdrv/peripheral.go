// uartdrv/peripheral.go

package uartdrv

// Condition names one interrupt condition of the serial peripheral. Where
// the hardware exposes a matching interrupt source the same name is used to
// address it; the frame, noise and overrun errors share the CondError
// source group, mirroring the usual split on STM32-class parts.
type Condition uint8

const (
	CondParity Condition = iota
	CondError  // source group enable for frame/noise/overrun
	CondFrame
	CondNoise
	CondOverrun
	CondRxNotEmpty
	CondTxEmpty
	CondTxComplete
	numConditions
)

// Peripheral is the register-level capability the driver consumes. Every
// method is called from interrupt context as well as from foreground code,
// so implementations must not block or allocate.
type Peripheral interface {
	// EnableSource unmasks the interrupt source for a condition.
	EnableSource(Condition)
	// DisableSource masks the interrupt source for a condition.
	DisableSource(Condition)
	// SourceEnabled reports whether a condition's source is unmasked.
	SourceEnabled(Condition) bool
	// Pending reports whether a condition is currently flagged.
	Pending(Condition) bool
	// ClearPending lowers a flagged condition.
	ClearPending(Condition)
	// ReadData reads one byte from the receive data register.
	ReadData() byte
	// WriteData writes one byte to the transmit data register.
	WriteData(byte)
	// FlushReceive acknowledges the receive flag so the next byte can land.
	FlushReceive()
	// EnableIRQ and DisableIRQ gate the vector-level interrupt.
	EnableIRQ()
	DisableIRQ()
}

// DeviceID addresses a logical device at the registration subsystem.
type DeviceID uint32

// IllegalDevice is never a valid device id.
const IllegalDevice DeviceID = 0

// Registry is the device-registration capability the driver publishes to.
// It tracks which readiness conditions hold per device so the subsystem
// behind it can wake any listener registered against that device.
//
// SetFlags is called from the driver's consumer task, never from interrupt
// context.
type Registry interface {
	SetFlags(dev DeviceID, bits uint32)
	ClearFlags(dev DeviceID, bits uint32)
}

// Readiness bits accumulated by the interrupt handler and published to the
// Registry. Bit 2 is reserved.
const (
	EvRx  uint32 = 1 << 0 // data received
	EvTx  uint32 = 1 << 1 // buffered transmission finished
	EvErr uint32 = 1 << 3 // error condition accumulated
)

// Sticky error codes reported by GetError.
const (
	ErrParity  uint32 = 1 << 0
	ErrFraming uint32 = 1 << 1
	ErrNoise   uint32 = 1 << 2
	ErrOverrun uint32 = 1 << 3
)
