// Command udldemo is a thin flag-based harness over package udl, in the
// same spirit as the teacher's own flag-parsed main: it exists to drive the
// facade from a shell, not to be a polished tool.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/xyproto/udl"
	"github.com/xyproto/udl/internal/hostsym"
)

func main() {
	var (
		openPath   = flag.String("open", "", "path to an ELF64 shared object to load")
		lookupName = flag.String("lookup", "", "symbol name to resolve after opening")
		callInt2   = flag.Bool("call", false, "call the looked-up symbol as int64(int64,int64), with -a/-b")
		argA       = flag.Int64("a", 0, "first argument for -call")
		argB       = flag.Int64("b", 0, "second argument for -call")
		showStr    = flag.Bool("str", false, "call the looked-up symbol as a zero-argument string-returning function")
		sections   = flag.Bool("sections", false, "print the opened image's section headers")
		verbose    = flag.Bool("v", false, "verbose mode (same as UDL_VERBOSE=1)")
	)
	flag.Parse()

	if *verbose {
		os.Setenv("UDL_VERBOSE", "1")
	}

	if *openPath == "" {
		fmt.Fprintln(os.Stderr, "usage: udldemo -open <path.so> [-lookup name [-call -a N -b N | -str]] [-sections]")
		os.Exit(1)
	}

	h, err := udl.Open(*openPath, udl.Now)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open %s: %v\n", *openPath, err)
		os.Exit(1)
	}
	defer udl.Close(h)

	if *sections {
		for _, s := range h.Sections() {
			fmt.Printf("%-20s addr=0x%x size=%d\n", s.Name, s.Addr, s.Size)
		}
	}

	if *lookupName == "" {
		return
	}

	addr, err := udl.Lookup(h, *lookupName)
	if err != nil {
		fmt.Fprintf(os.Stderr, "lookup %s: %v\n", *lookupName, err)
		os.Exit(1)
	}
	fmt.Printf("%s = 0x%x\n", *lookupName, addr)

	switch {
	case *callInt2:
		fmt.Println(hostsym.CallInt2(addr, *argA, *argB))
	case *showStr:
		fmt.Println(hostsym.CallStr0(addr))
	}
}
