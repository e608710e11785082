// Package linutil contains functions that are specific to the Linux
// process model and are independent of the tracing backend.
package linutil

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

const (
	_AT_NULL  = 0
	_AT_ENTRY = 9
)

// EntryPointFromAuxv searches the elf auxiliary vector for the entry point
// address. It returns 0 if the vector has no AT_ENTRY entry.
// For a description of the auxiliary vector (auxv) format see:
// System V Application Binary Interface, AMD64 Architecture Processor
// Supplement, section 3.4.3.
func EntryPointFromAuxv(auxv []byte, ptrSize int) uint64 {
	rd := bytes.NewBuffer(auxv)

	for {
		tag, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}
		val, err := readUintRaw(rd, binary.LittleEndian, ptrSize)
		if err != nil {
			return 0
		}

		switch tag {
		case _AT_NULL:
			return 0
		case _AT_ENTRY:
			return val
		}
	}
}

// LoadBias returns the difference between the entry point of a running
// executable and the entry point recorded in its ELF header. It is zero for
// executables that are not position independent.
func LoadBias(runtimeEntry, staticEntry uint64) uint64 {
	if runtimeEntry == 0 {
		return 0
	}
	return runtimeEntry - staticEntry
}

func readUintRaw(reader io.Reader, order binary.ByteOrder, ptrSize int) (uint64, error) {
	switch ptrSize {
	case 4:
		var n uint32
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return uint64(n), nil
	case 8:
		var n uint64
		if err := binary.Read(reader, order, &n); err != nil {
			return 0, err
		}
		return n, nil
	}
	return 0, fmt.Errorf("not supported ptr size %d", ptrSize)
}
