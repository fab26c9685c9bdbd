// uartdrv/drivers_uart.go

package uartdrv

import "tinygo.org/x/drivers"

// The driver satisfies the TinyGo drivers UART interface, so device drivers
// written against tinygo.org/x/drivers can sit directly on top of it.
var _ drivers.UART = (*Driver)(nil)

// UARTConfig is the line configuration accepted by Configure.
type UARTConfig struct {
	BaudRate uint32
}

// Configure records the line configuration. Baud, framing and pin muxing
// are programmed by platform setup outside this driver; the stored rate is
// only used to derive the Flush polling tick.
func (d *Driver) Configure(cfg UARTConfig) error {
	if cfg.BaudRate == 0 {
		cfg.BaudRate = 115200
	}
	d.mu.Lock()
	d.baud = cfg.BaudRate
	d.mu.Unlock()
	return nil
}
