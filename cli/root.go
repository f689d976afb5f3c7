package main

import (
	"log/slog"
	"os"

	"github.com/ZenLiuCN/fn"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld"
	"github.com/sliverarmory/rtld/linker"
)

var (
	verbose       bool
	companionPath string
	companionBase uint32
	bindNow       bool
	programEnv    []string
)

var rootCmd = &cobra.Command{
	Use:          "rtld",
	Short:        "Link and run ELF32 i386 programs against a fixed-address companion module",
	SilenceUsage: true,
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.BoolVarP(&verbose, "verbose", "v", false, "Log every binding")
	flags.Uint32Var(&companionBase, "companion-base", linker.CompanionBase, "Address the companion module is loaded at")

	rootCmd.AddCommand(inspectCmd, symbolsCmd, resolveCmd, runCmd)
}

func logger() *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

func spawn(program string, args []string) (*rtld.Process, error) {
	return rtld.SpawnFiles(program, companionPath, rtld.Config{
		Args:          append([]string{program}, args...),
		Env:           programEnv,
		CompanionBase: companionBase,
		BindNow:       bindNow,
		Logger:        logger(),
	})
}

// withProcess links program and releases its address space once body returns.
func withProcess(program string, args []string, body func(proc *rtld.Process) error) error {
	proc, err := spawn(program, args)
	if err != nil {
		return err
	}
	defer fn.IgnoreClose(proc)()
	return body(proc)
}

// addProgramFlags registers the flags shared by commands that link a program.
func addProgramFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&companionPath, "companion", "c", "", "Companion shared module to load")
	cmd.Flags().BoolVar(&bindNow, "bind-now", false, "Bind every PLT slot before the program starts")
	cmd.Flags().StringArrayVarP(&programEnv, "env", "e", nil, "Environment entry passed to the program (KEY=VALUE)")
}
