package quantum

// CabinetBlocks encodes random data as a cabinet stores it: one block per
// 32768-byte frame, without the frame trailers.
func CabinetBlocks(seed uint64, windowBits, size int) (blocks [][]byte, want []byte) {
	e := newEncoder(windowBits)
	e.cabinet = true
	want = e.script(seed, windowBits, size)
	out := e.bytes()
	start := 0
	for _, end := range e.ends {
		blocks = append(blocks, out[start:end])
		start = end
	}
	return blocks, want
}
