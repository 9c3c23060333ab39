// Command librariusctl opens a store over one or more sources and prints
// a short inspection report: page size, attached sources, and the root
// object's (pointers, data) layout. Opening a file that carries no root
// fails, since no root constructor is supplied. It exists for the same reason the
// original crate ships a runnable examples/basic.rs — a minimal, runnable
// entry point alongside the library.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pbalcer/librarius"
	"github.com/pbalcer/librarius/source"
)

func main() {
	var (
		pagesize = flag.Uint("pagesize", librarius.DefaultPagesize, "page size in bytes")
		memSize  = flag.Uint64("mem", 1<<20, "bytes of anonymous memory to attach")
	)
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <database-file>\n", os.Args[0])
		flag.PrintDefaults()
	}
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}
	path := flag.Arg(0)

	info, err := os.Stat(path)
	fileLength := *memSize
	if err == nil {
		fileLength = uint64(info.Size())
		if fileLength == 0 {
			fileLength = *memSize
		}
	}

	disk, err := source.NewFileSource(path, fileLength)
	if err != nil {
		fatal("open file source", err)
	}
	mem, err := source.NewMemorySource(*memSize)
	if err != nil {
		fatal("open memory source", err)
	}

	store, err := librarius.NewBuilder().
		Pagesize(uint32(*pagesize)).
		Source(mem).
		Source(disk).
		Open()
	if err != nil {
		fatal("open store", err)
	}
	defer store.Close()

	fmt.Printf("pagesize:    %d\n", *pagesize)
	fmt.Printf("sources:     memory(%d bytes), file(%s, %d bytes)\n", *memSize, path, fileLength)
	fmt.Printf("root size:   pointers=%d data=%d\n",
		store.RootObjectSize().Pointers, store.RootObjectSize().Data)
}

func fatal(op string, err error) {
	fmt.Fprintf(os.Stderr, "librariusctl: %s: %v\n", op, err)
	os.Exit(1)
}
