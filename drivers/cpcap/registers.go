package cpcap

// Reg is a PMIC register address. Addresses are word aligned (multiples of 4);
// the SPI frame carries Reg/4.
type Reg uint16

// Interrupt latch / mask / sense triplets share one bit layout per group.
const (
	RegINT1  Reg = 0x0000 // latched, write 1 to clear
	RegINT2  Reg = 0x0004
	RegINT3  Reg = 0x0008
	RegINT4  Reg = 0x000C
	RegINTM1 Reg = 0x0010 // 1 = masked
	RegINTM2 Reg = 0x0014
	RegINTM3 Reg = 0x0018
	RegINTM4 Reg = 0x001C
	RegINTS1 Reg = 0x0020 // live sense, read only
	RegINTS2 Reg = 0x0024
	RegINTS3 Reg = 0x0028
	RegINTS4 Reg = 0x002C

	RegVERSC1 Reg = 0x0268 // vendor / revision
	RegCRM    Reg = 0x0308 // charger control

	RegADCC1 Reg = 0x0700
	RegADCC2 Reg = 0x0704
	RegADCD0 Reg = 0x0708 // ADCD0..ADCD7 at 4-byte stride

	RegUSBC1 Reg = 0x1184
	RegUSBC2 Reg = 0x1188
	RegUSBC3 Reg = 0x118C
)

// IsLatch reports whether writes to r clear bits instead of storing them.
func (r Reg) IsLatch() bool { return r <= RegINT4 }

// Group 1 (INT1 / INTM1 / INTS1).
const (
	BitChrgDet  uint16 = 1 << 13
	BitIDFloat  uint16 = 1 << 14
	BitIDGround uint16 = 1 << 15
)

// Group 2 (INT2 / INTM2 / INTS2).
const (
	BitVbusValid uint16 = 1 << 1
	BitSessValid uint16 = 1 << 3
	BitChrgCurr1 uint16 = 1 << 7
	BitSE1       uint16 = 1 << 8
)

// Group 4 (INT4 / INTM4 / INTS4).
const (
	BitDM uint16 = 1 << 0
	BitDP uint16 = 1 << 1
)

// USBC1
const (
	BitVbusPD   uint16 = 1 << 0
	BitDMPD     uint16 = 1 << 2
	BitDPPD     uint16 = 1 << 3
	BitDM1K5PU  uint16 = 1 << 4
	BitDP1K5PU  uint16 = 1 << 5
	BitDP150KPU uint16 = 1 << 6
)

// USBC2
const (
	BitUSBXcvrEn uint16 = 1 << 8
)

// USBC3
const (
	BitVbusStbyEn  uint16 = 1 << 0
	BitSuspendSPI  uint16 = 1 << 1
	BitDMPDSPI     uint16 = 1 << 2
	BitDPPDSPI     uint16 = 1 << 3
	BitPUSPI       uint16 = 1 << 4
	BitULPISPISel  uint16 = 1 << 5
	usbc3SPIOwners        = BitPUSPI | BitDMPDSPI | BitDPPDSPI | BitSuspendSPI | BitULPISPISel
)

// CRM
const (
	BitRvrsMode uint16 = 1 << 11
)

// ADCC2
const (
	BitADCStart uint16 = 1 << 0 // self-clearing when conversion done
	BitADCBank1 uint16 = 1 << 4 // 0 selects bank 0
)

// VERSC1
const (
	versVendorShift = 6
	versVendorMask  = 0x7
	versRevMask     = 0x3F
)
