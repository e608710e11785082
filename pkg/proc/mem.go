package proc

// wordSize is the size in bytes of a machine word on amd64. Memory is only
// ever read and written in aligned words of this size.
const wordSize = 8

// alignWord splits addr into the address of the word containing it and the
// offset of addr within that word.
func alignWord(addr uint64) (aligned uint64, offset uint) {
	return addr &^ (wordSize - 1), uint(addr % wordSize)
}

// readByte returns the byte at addr.
func readByte(mem MemoryReadWriter, addr uint64) (byte, error) {
	aligned, offset := alignWord(addr)
	word, err := mem.PeekWord(aligned)
	if err != nil {
		return 0, &MemoryError{Addr: aligned, Err: err}
	}
	return byte(word >> (8 * offset)), nil
}

// writeByte replaces the byte at addr with val and returns the byte that
// was there before. The other bytes of the containing word are written
// back unchanged. Words are little endian.
func writeByte(mem MemoryReadWriter, addr uint64, val byte) (byte, error) {
	aligned, offset := alignWord(addr)
	word, err := mem.PeekWord(aligned)
	if err != nil {
		return 0, &MemoryError{Addr: aligned, Err: err}
	}
	shift := 8 * offset
	orig := byte(word >> shift)
	word = (word &^ (0xff << shift)) | uint64(val)<<shift
	if err := mem.PokeWord(aligned, word); err != nil {
		return 0, &MemoryError{Write: true, Addr: aligned, Err: err}
	}
	return orig, nil
}

// readWord reads the word at a word aligned address.
func readWord(mem MemoryReadWriter, addr uint64) (uint64, error) {
	word, err := mem.PeekWord(addr)
	if err != nil {
		return 0, &MemoryError{Addr: addr, Err: err}
	}
	return word, nil
}
