// uartdrv/isr.go

package uartdrv

// handleInterrupt services one interrupt occurrence. It runs in interrupt
// context: no blocking, no allocation, no mutex. Each condition is checked
// independently so that simultaneous flags are all serviced within a single
// invocation.
func (d *Driver) handleInterrupt() {
	var flags uint32

	if d.periph.Pending(CondParity) && d.periph.SourceEnabled(CondParity) {
		// Parity error.
		d.periph.ClearPending(CondParity)
		d.errMask.Or(ErrParity)
		flags |= EvErr
	}

	if d.periph.Pending(CondFrame) && d.periph.SourceEnabled(CondError) {
		// Frame error.
		d.periph.ClearPending(CondFrame)
		d.errMask.Or(ErrFraming)
		flags |= EvErr
	}

	if d.periph.Pending(CondNoise) && d.periph.SourceEnabled(CondError) {
		// Noise error.
		d.periph.ClearPending(CondNoise)
		d.errMask.Or(ErrNoise)
		flags |= EvErr
	}

	if d.periph.Pending(CondOverrun) && d.periph.SourceEnabled(CondError) {
		// Overrun.
		d.periph.ClearPending(CondOverrun)
		d.errMask.Or(ErrOverrun)
		flags |= EvErr
	}

	if d.periph.Pending(CondRxNotEmpty) && d.periph.SourceEnabled(CondRxNotEmpty) {
		// Incoming character.
		b := d.periph.ReadData()
		if !d.rx.Put(b) {
			// Buffer overflow. Ignored.
		}
		// Acknowledge so the peripheral can receive another byte.
		d.periph.FlushReceive()
		flags |= EvRx
	}

	if d.periph.Pending(CondTxEmpty) && d.periph.SourceEnabled(CondTxEmpty) {
		// Transmit data register empty: write the next staged byte.
		if d.txProgress < d.txLen {
			d.periph.WriteData(d.txData[d.txProgress])
			d.txProgress++
		} else {
			// Staging block drained. Stop transmit interrupts until the
			// consumer task stages more bytes.
			d.periph.DisableSource(CondTxEmpty)
			d.txPending.Store(false)
			flags |= EvTx
		}
	}

	if d.periph.Pending(CondTxComplete) && d.periph.SourceEnabled(CondTxComplete) {
		// The transmission-complete source is never enabled.
		panic("uartdrv: transmission-complete interrupt fired")
	}

	// Deliver all accumulated bits as one wake to the consumer task.
	if flags != 0 {
		d.pending.Or(flags)
		signal(d.wake)
	}
}
