package sense

import (
	"usbdet-go/drivers/cpcap"
	"usbdet-go/errcode"
)

// Registers is the register transport the reader needs.
type Registers interface {
	Read(reg cpcap.Reg) (uint16, error)
	Update(reg cpcap.Reg, mask, value uint16) error
}

type group struct {
	status, latch cpcap.Reg
	clear         uint16
	bits          []lineBit
}

type lineBit struct {
	hw uint16
	m  Mask
}

var groups = [...]group{
	{cpcap.RegINTS1, cpcap.RegINT1, cpcap.BitChrgDet | cpcap.BitIDFloat | cpcap.BitIDGround, []lineBit{
		{cpcap.BitIDFloat, IDFloat},
		{cpcap.BitIDGround, IDGround},
	}},
	{cpcap.RegINTS2, cpcap.RegINT2, cpcap.BitChrgCurr1 | cpcap.BitVbusValid | cpcap.BitSessValid | cpcap.BitSE1, []lineBit{
		{cpcap.BitChrgCurr1, ChrgCurr1},
		{cpcap.BitVbusValid, VbusValid},
		{cpcap.BitSessValid, SessionValid},
		{cpcap.BitSE1, SE1},
	}},
	{cpcap.RegINTS4, cpcap.RegINT4, cpcap.BitDP | cpcap.BitDM, []lineBit{
		{cpcap.BitDM, DM},
		{cpcap.BitDP, DP},
	}},
}

// Reader samples the sense registers. It keeps no state; the caller owns
// the previous sample.
type Reader struct {
	regs Registers
}

func NewReader(r Registers) *Reader { return &Reader{regs: r} }

// Read issues the three status reads, clearing each group's latches straight
// after its read. Any failure aborts with errcode.ReadError and no mask.
func (r *Reader) Read() (Mask, error) {
	var m Mask
	for _, g := range groups {
		v, err := r.regs.Read(g.status)
		if err != nil {
			return 0, &errcode.E{C: errcode.ReadError, Op: "read " + regName(g.status), Err: err}
		}
		if err := r.regs.Update(g.latch, g.clear, g.clear); err != nil {
			return 0, &errcode.E{C: errcode.ReadError, Op: "clear " + regName(g.latch), Err: err}
		}
		for _, b := range g.bits {
			if v&b.hw != 0 {
				m |= b.m
			}
		}
	}
	return m, nil
}

func regName(r cpcap.Reg) string {
	switch r {
	case cpcap.RegINTS1:
		return "INTS1"
	case cpcap.RegINTS2:
		return "INTS2"
	case cpcap.RegINTS4:
		return "INTS4"
	case cpcap.RegINT1:
		return "INT1"
	case cpcap.RegINT2:
		return "INT2"
	case cpcap.RegINT4:
		return "INT4"
	}
	return "reg"
}
