package main

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld"
)

var calls []string

var runCmd = &cobra.Command{
	Use:   "run <program> [args...]",
	Short: "Link a program, transfer control and drive PLT calls through lazy binding",
	Long: `Link a program, transfer control and drive PLT calls through lazy binding.

Companion code is not executed: every export is replaced by a stub that
prints its arguments and returns 0. Each --call NAME:ARG,ARG is made through
the program's PLT entry for NAME once the program has started, so the first
call of a symbol goes through the resolver and later ones jump straight to
the bound address.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withProcess(args[0], args[1:], func(proc *rtld.Process) error {
			return run(cmd, proc)
		})
	},
}

func run(cmd *cobra.Command, proc *rtld.Process) error {
	out := cmd.OutOrStdout()
	if rec := proc.Record(); rec != nil {
		exports, err := rec.Companion.Exports(proc.Space())
		if err != nil {
			return err
		}
		for name := range exports {
			if err := proc.Provide(name, func(argv []uint32) uint32 {
				fmt.Fprintf(out, "  %s%s\n", name, formatArgs(argv))
				return 0
			}); err != nil {
				return err
			}
		}
	}

	var callErr error
	err := proc.Start(func() {
		for _, arg := range calls {
			if callErr = call(cmd, proc, arg); callErr != nil {
				return
			}
		}
	})
	if err != nil {
		return err
	}
	if callErr != nil {
		return callErr
	}

	stats := proc.Machine().Stats()
	fmt.Fprintf(out, "calls=%d resolves=%d\n", stats.Calls, stats.Resolves)
	return nil
}

func init() {
	addProgramFlags(runCmd)
	runCmd.Flags().StringArrayVar(&calls, "call", nil, "Call NAME:ARG,ARG through the PLT after start")
}

func call(cmd *cobra.Command, proc *rtld.Process, arg string) error {
	name, rawArgs, _ := strings.Cut(arg, ":")
	var argv []uint32
	if rawArgs != "" {
		for _, s := range strings.Split(rawArgs, ",") {
			v, err := strconv.ParseUint(strings.TrimSpace(s), 0, 32)
			if err != nil {
				return fmt.Errorf("--call %s: %w", arg, err)
			}
			argv = append(argv, uint32(v))
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "call %s%s\n", name, formatArgs(argv))
	ret, err := proc.CallImport(name, argv...)
	if err != nil {
		return err
	}

	imports, err := proc.Imports()
	if err != nil {
		return err
	}
	for _, imp := range imports {
		if imp.Name == name {
			slot, err := proc.Space().Uint32(imp.Slot)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "  = %d, GOT %#08x -> %#08x\n", ret, imp.Slot, slot)
			break
		}
	}
	return nil
}

func formatArgs(argv []uint32) string {
	parts := make([]string, 0, len(argv))
	for _, v := range argv {
		parts = append(parts, strconv.FormatUint(uint64(v), 10))
	}
	return "(" + strings.Join(parts, ", ") + ")"
}
