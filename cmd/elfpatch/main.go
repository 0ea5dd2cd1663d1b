// Command elfpatch inspects and rewrites an ELF binary's interpreter,
// soname, and runpath/rpath fields.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/appsworld/elfpatch"
)

const version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	fs := flag.NewFlagSet("elfpatch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	printInterp := fs.Bool("print-interpreter", false, "print the interpreter (PT_INTERP) and exit")
	fs.BoolVar(printInterp, "pi", false, "shorthand for --print-interpreter")
	printNeeded := fs.Bool("print-needed", false, "print the DT_NEEDED list and exit")
	fs.BoolVar(printNeeded, "pn", false, "shorthand for --print-needed")
	printSoname := fs.Bool("print-soname", false, "print the soname (DT_SONAME) and exit")
	fs.BoolVar(printSoname, "ps", false, "shorthand for --print-soname")
	printRunpath := fs.Bool("print-runpath", false, "print the runpath (DT_RUNPATH/DT_RPATH) and exit")
	fs.BoolVar(printRunpath, "pr", false, "shorthand for --print-runpath")

	setInterp := fs.String("set-interpreter", "", "set PT_INTERP to this value")
	fs.StringVar(setInterp, "interp", "", "shorthand for --set-interpreter")
	setSoname := fs.String("set-soname", "", "set DT_SONAME to this value")
	fs.StringVar(setSoname, "so", "", "shorthand for --set-soname")
	setRunpath := fs.String("set-runpath", "", "set DT_RUNPATH (or DT_RPATH, with --force-rpath) to this value")
	fs.StringVar(setRunpath, "runpath", "", "shorthand for --set-runpath")
	forceRpath := fs.Bool("force-rpath", false, "operate on DT_RPATH instead of DT_RUNPATH")
	showVersion := fs.Bool("version", false, "print version and exit")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *showVersion {
		fmt.Println("elfpatch", version)
		return 0
	}

	rest := fs.Args()
	if len(rest) < 1 {
		fmt.Fprintln(os.Stderr, "usage: elfpatch [flags] FILENAME [OUTPUT_FILE]")
		fs.PrintDefaults()
		return 2
	}
	inputPath := rest[0]
	outputPath := ""
	if len(rest) > 1 {
		outputPath = rest[1]
	}

	p, err := elfpatch.Open(inputPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "elfpatch:", err)
		return 1
	}
	if *forceRpath {
		p.UseRpath()
	}

	didPrint := false
	if *printInterp {
		didPrint = true
		printField(p, elfpatch.FieldInterpreter)
	}
	if *printNeeded {
		didPrint = true
		for _, n := range p.GetNeeded() {
			fmt.Println(n)
		}
	}
	if *printSoname {
		didPrint = true
		printField(p, elfpatch.FieldSoname)
	}
	if *printRunpath {
		didPrint = true
		printField(p, elfpatch.FieldRunpath)
	}
	if didPrint {
		return 0
	}

	changed := false
	if *setInterp != "" {
		if err := p.SetInterpreter(*setInterp); err != nil {
			fmt.Fprintln(os.Stderr, "elfpatch:", err)
			return 2
		}
		changed = true
	}
	if *setSoname != "" {
		if err := p.SetSoname(*setSoname); err != nil {
			fmt.Fprintln(os.Stderr, "elfpatch:", err)
			return 2
		}
		changed = true
	}
	if *setRunpath != "" {
		if err := p.SetRunpath(*setRunpath); err != nil {
			fmt.Fprintln(os.Stderr, "elfpatch:", err)
			return 2
		}
		changed = true
	}

	if !changed && outputPath == "" {
		return 0
	}

	if err := p.Save(outputPath); err != nil {
		fmt.Fprintln(os.Stderr, "elfpatch:", err)
		return 1
	}
	return 0
}

func printField(p *elfpatch.Patcher, f elfpatch.Field) {
	s, ok := p.Get(f)
	if !ok {
		fmt.Println()
		return
	}
	fmt.Println(s)
}
