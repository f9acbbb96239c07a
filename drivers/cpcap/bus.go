package cpcap

// SPI frames are 32 bits, MSB first:
//
//	bit 31     : 1 = write, 0 = read
//	bits 30..16: register index (Reg/4)
//	bits 15..0 : data (ignored on read; the device returns the value in the
//	             last two bytes of the same transfer)

const writeFlag = 0x80

func (d *Device) frame(reg Reg, write bool, val uint16) {
	idx := uint16(reg) >> 2
	d.w[0] = byte(idx >> 8)
	if write {
		d.w[0] |= writeFlag
	}
	d.w[1] = byte(idx)
	d.w[2] = byte(val >> 8)
	d.w[3] = byte(val)
}

func (d *Device) readReg(reg Reg) (uint16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame(reg, false, 0)
	if err := d.spi.Tx(d.w[:], d.r[:]); err != nil {
		return 0, err
	}
	return uint16(d.r[2])<<8 | uint16(d.r[3]), nil
}

func (d *Device) writeReg(reg Reg, val uint16) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.frame(reg, true, val)
	return d.spi.Tx(d.w[:], d.r[:])
}
