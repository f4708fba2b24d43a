package main

import (
	"strconv"

	"github.com/ZenLiuCN/objload/ffi"
)

// parseArgs maps command line words to values: integers, floats, true/false,
// "null", everything else is text.
func parseArgs(words []string) []ffi.Value {
	out := make([]ffi.Value, len(words))
	for i, w := range words {
		out[i] = parseArg(w)
	}
	return out
}

func parseArg(w string) ffi.Value {
	if i, err := strconv.ParseInt(w, 0, 64); err == nil {
		return ffi.Int(i)
	}
	if f, err := strconv.ParseFloat(w, 64); err == nil {
		return ffi.Float(f)
	}
	switch w {
	case "true", "false":
		return ffi.Bool(w == "true")
	case "null":
		return ffi.Null()
	}
	return ffi.Text(w)
}
