package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld"
)

var dumpRecord bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <program>",
	Short: "Link a program without running it and print its link record",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcess(args[0], nil, func(proc *rtld.Process) error {
			return inspect(cmd, proc)
		})
	},
}

func inspect(cmd *cobra.Command, proc *rtld.Process) error {
	out := cmd.OutOrStdout()
	handoff := proc.Handoff()
	fmt.Fprintf(out, "entry\t%#08x\nstack\t%#08x\n", handoff.Entry, handoff.SP)

	rec := proc.Record()
	if rec == nil {
		fmt.Fprintln(out, "static program")
		return nil
	}
	fmt.Fprintf(out, "base\t%#08x\ndynamic\t%#08x\ngot\t%#08x\n", rec.Base, rec.Dynamic, rec.GOT)
	for _, name := range rec.Needed {
		fmt.Fprintf(out, "needed\t%s\n", name)
	}
	if rec.Companion.Present() {
		fmt.Fprintf(out, "companion\t%#08x\n", rec.Companion.Base)
	} else {
		fmt.Fprintln(out, "companion\tnone")
	}

	w := tabwriter.NewWriter(out, 0, 8, 2, ' ', 0)
	fmt.Fprintln(w, "RELOFF\tSLOT\tENTRY\tBOUND\tSYMBOL")
	imports, err := proc.Imports()
	if err != nil {
		return err
	}
	for _, imp := range imports {
		fmt.Fprintf(w, "%#x\t%#08x\t%#08x\t%t\t%s\n", imp.RelOff, imp.Slot, imp.Entry, imp.Bound, imp.Name)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	if dumpRecord {
		cfg := spew.NewDefaultConfig()
		cfg.MaxDepth = 3
		cfg.DisablePointerAddresses = true
		cfg.Fdump(out, rec)
	}
	return nil
}

func init() {
	addProgramFlags(inspectCmd)
	inspectCmd.Flags().BoolVar(&dumpRecord, "dump", false, "Dump the whole link record")
}
