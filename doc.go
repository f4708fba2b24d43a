/*
Package objload is an incremental in-process loader for relocatable object files.

# License

Source codes are under Apache License Version 2.0.

# Underwater

 1. Loads ELF64 relocatable objects (ET_REL, the .o files a C compiler emits with -c) for the host
    machine (linux amd64 or arm64) into a [Session] at runtime, links them against everything the
    session already holds and against the host, then makes their exports callable.
 2. Units loaded at different times share one namespace. A later unit may call an earlier one, and a
    later strong definition overrides an earlier one unless [PolicyReject] is configured.
 3. Code lives in one reserved arena per session. Regions are writable while they are patched and
    become read-execute or read-only afterwards, never writable and executable at once.
 4. Exported functions follow a packed calling convention (see testdata/objld.h and package ffi):
    dynamically typed values go in, one value comes out.

# Use

	s, err := objload.NewSession()
	...
	defer s.Close()
	if _, err = s.LoadFile("math.o"); err != nil {
		...
	}
	add := objload.Use[int64](s.Function("add"))
	v, err := add(10, 20)

A [Function] handle rebinds automatically when a later load changes the definition it points to,
and fails with [ErrSessionClosed] once its session is gone.

# Notes

 1. A fault inside loaded code (a segmentation fault for instance) is not recoverable: it aborts
    the process like any fault in native code.
 2. Units are never unloaded one by one. Close the session, or use Reload of package pool to swap a
    whole session atomically.
 3. Thread-local storage and SHT_REL relocation tables are not supported.

# CLI tool

The objld command inspects objects, reports missing symbols and calls exports:

	go install github.com/ZenLiuCN/objload/objld@latest
	objld -h
*/
package objload
