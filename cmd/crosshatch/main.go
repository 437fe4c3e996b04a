// Command crosshatch is the CLI entry point for the translation and
// execution subsystem: it parses the flag surface (rootfs path, thunk
// library directory, AOT cache on/off, virtual-memory size override),
// wires one internal/process.Process, and mirrors the guest's exit_group
// status as its own exit code.
//
// A single cobra.Command with RunE, slog for diagnostics, and os.Exit
// confined to main keeps the rest of the command unit-testable.
package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/crosshatch-emu/crosshatch/internal/process"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

// run builds the root command and executes it, returning the process
// exit code. Separated from main so tests can drive it without calling
// os.Exit.
func run(args []string) int {
	var cfg process.Config
	var noAOTCache bool
	status := 0

	root := &cobra.Command{
		Use:   "crosshatch [guest-binary]",
		Short: "Translate and execute a guest x86/x86-64 Linux binary on an AArch64 host",
		Long: `crosshatch decodes guest machine code, lifts it to a typed IR, register-
allocates, and compiles it to cached AArch64 host code blocks, driven by
a dispatcher loop that repeatedly resolves the guest instruction pointer
through an in-process lookup cache backed by a persistent on-disk cache.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg.AOTCacheEnabled = !noAOTCache
			var err error
			status, err = runGuest(cfg, args)
			return err
		},
		SilenceUsage: true,
	}

	flags := root.Flags()
	flags.StringVar(&cfg.RootFS, "rootfs", "/", "path substituted for the guest's root filesystem")
	flags.StringVar(&cfg.ThunkLibDir, "thunk-lib-dir", "", "directory of host thunk libraries for guest syscall shims")
	flags.StringVar(&cfg.CacheDir, "cache-dir", defaultCacheDir(), "directory holding the persistent on-disk code cache")
	flags.BoolVar(&noAOTCache, "no-aot-cache", false, "disable the persistent on-disk code cache; every block recompiles each run")
	flags.Uint64Var(&cfg.VirtualMemSize, "vm-size", 0, "virtual-memory size covered by the in-process lookup cache (0 = default)")

	root.SetArgs(args)
	if err := root.Execute(); err != nil {
		slog.Error(err.Error())
		if status == 0 {
			status = 1
		}
	}
	return status
}

// defaultCacheDir defaults into os.UserCacheDir() rather than hard-coding
// a path.
func defaultCacheDir() string {
	dir, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return dir + "/crosshatch"
}

// runGuest wires a Process for cfg and, if a guest binary path was given,
// reports why this subsystem cannot execute it directly: ELF loading and
// the x86 decode/lift tables are out of scope for the core translation
// and execution subsystem this package wires (internal/translator's
// Decoder/Lifter are interfaces with no concrete implementation here,
// per DESIGN.md). Without a path, it only validates that every
// component wires up cleanly and reports readiness.
func runGuest(cfg process.Config, args []string) (int, error) {
	p, err := process.New(cfg)
	if err != nil {
		return 1, fmt.Errorf("crosshatch: %w", err)
	}

	if len(args) == 0 {
		slog.Info("crosshatch process stack ready", "rootfs", cfg.RootFS)
		return p.ExitGroup(0), nil
	}

	slog.Error("crosshatch cannot load or decode a guest binary: ELF loading and x86 decode/lift are outside this subsystem's scope",
		"path", args[0])
	return p.ExitGroup(1), fmt.Errorf("crosshatch: no guest loader wired for %s", args[0])
}
