// Package ioctl encodes Linux ioctl request numbers and issues them.
//
// The encoding is the generic one used by x86, arm and arm64:
//
//	bits 0-7:   command number (nr)
//	bits 8-15:  ioctl type (type)
//	bits 16-29: argument size (size)
//	bits 30-31: direction (dir)
package ioctl

const (
	None  = 0
	Write = 1
	Read  = 2
)

const (
	nrBits   = 8
	typeBits = 8
	sizeBits = 14

	nrShift   = 0
	typeShift = nrShift + nrBits
	sizeShift = typeShift + typeBits
	dirShift  = sizeShift + sizeBits
)

// IOC constructs an ioctl number from direction, type, number, and size.
func IOC(dir, typ, nr, size uintptr) uintptr {
	return (dir << dirShift) | (typ << typeShift) | (nr << nrShift) | (size << sizeShift)
}

// IO constructs an ioctl number with no data transfer.
func IO(typ, nr uintptr) uintptr { return IOC(None, typ, nr, 0) }

// IOR constructs a read ioctl number.
func IOR(typ, nr, size uintptr) uintptr { return IOC(Read, typ, nr, size) }

// IOW constructs a write ioctl number.
func IOW(typ, nr, size uintptr) uintptr { return IOC(Write, typ, nr, size) }

// IOWR constructs a read/write ioctl number.
func IOWR(typ, nr, size uintptr) uintptr { return IOC(Read|Write, typ, nr, size) }
