//go:build llama

package manager

// Link against libllama.so from ./bin; the rpath lets the binary find it
// next to itself at runtime.
/*
#cgo LDFLAGS: -Wl,-rpath,'$ORIGIN' -L${SRCDIR}/../../bin -lllama
*/
import "C"
