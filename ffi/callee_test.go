package ffi

// writeText stores s into the scratch buffer and points the return slot at it,
// the way a native callee answers with text.
func writeText(f *Frame, s string) {
	n := copy(f.Scratch, s)
	f.Ret = Slot{Tag: KindText, Len: uint32(n), Bits: uint64(f.Ctx.Buf)}
}

func argText(f *Frame, i int) string { return readText(f.Args[i]) }
