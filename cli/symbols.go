package main

import (
	"fmt"
	"os"
	"sort"

	"github.com/ZenLiuCN/fn"
	"github.com/spf13/cobra"

	"github.com/sliverarmory/rtld/linker"
	"github.com/sliverarmory/rtld/loader"
	"github.com/sliverarmory/rtld/mem"
)

var symbolsCmd = &cobra.Command{
	Use:   "symbols <companion>",
	Short: "List the symbols a companion module exports",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, companion, err := openCompanion(args[0])
		if err != nil {
			return err
		}
		defer space.Release()

		exports, err := companion.Exports(space)
		if err != nil {
			return err
		}
		names := fn.MapKeys(exports)
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(cmd.OutOrStdout(), "%#08x %s\n", exports[name], name)
		}
		return nil
	},
}

var resolveCmd = &cobra.Command{
	Use:   "resolve <companion> <symbol>...",
	Short: "Look symbols up in a companion module's hash table",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		space, companion, err := openCompanion(args[0])
		if err != nil {
			return err
		}
		defer space.Release()

		var missing int
		for _, name := range args[1:] {
			addr := companion.Lookup(space, name)
			if addr == 0 {
				missing++
				fmt.Fprintf(cmd.OutOrStdout(), "%s: unresolved\n", name)
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %#08x\n", name, addr)
		}
		if missing > 0 {
			return fmt.Errorf("%d of %d symbols %w", missing, len(args)-1, linker.ErrUnresolved)
		}
		return nil
	},
}

// openCompanion maps a companion module on its own, the way the process
// loader would, so its tables can be queried without a program.
func openCompanion(path string) (*mem.Space, linker.Companion, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, linker.Companion{}, err
	}
	img, err := loader.Validate(data)
	if err != nil {
		return nil, linker.Companion{}, err
	}

	space := mem.NewSpace()
	if _, err := loader.MapImage(space, "companion", img, companionBase); err != nil {
		space.Release()
		return nil, linker.Companion{}, err
	}
	companion := linker.LocateCompanion(space, companionBase, logger())
	if !companion.Present() {
		space.Release()
		return nil, linker.Companion{}, fmt.Errorf("%s: no dynamic symbol or hash table", path)
	}
	return space, companion, nil
}
