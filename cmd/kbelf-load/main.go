// Command kbelf-load loads an ELF executable (and its transitive
// DT_NEEDED libraries) into the current process's own address space and
// prints its entrypoint, segment layout, and preinit/init/fini schedule.
// It exercises the library end to end without actually transferring
// control to the loaded image.
package main

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/kbelf-go/kbelf"
	"github.com/kbelf-go/kbelf/host"
	"github.com/kbelf-go/kbelf/internal/klog"
	"github.com/kbelf-go/kbelf/pkg/arch"
	"github.com/kbelf-go/kbelf/pkg/hostnative"
	"github.com/kbelf-go/kbelf/types"
)

var (
	libDirs  []string
	archName string
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kbelf-load <executable>",
		Short: "Load an ELF executable and print its process image layout",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
	cmd.Flags().StringSliceVarP(&libDirs, "lib-dir", "L", nil, "directories to search for DT_NEEDED libraries")
	cmd.Flags().StringVarP(&archName, "arch", "a", "amd64", "architecture port to verify and relocate against (amd64, riscv64)")
	return cmd
}

func resolvePort(name string) (arch.Port, error) {
	switch name {
	case "amd64":
		return arch.AMD64, nil
	case "riscv64":
		return arch.RISCV64, nil
	default:
		return nil, errors.Errorf("unknown architecture %q", name)
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	path := args[0]

	port, err := resolvePort(archName)
	if err != nil {
		return err
	}

	target := kbelf.Target{
		Class:   types.Class64,
		Machine: port.Machine(),
		Port:    port,
	}

	adapter := hostnative.New(libDirs, nil)
	loader := kbelf.NewDynLoader(adapter, target, os.Getpid())
	defer loader.Destroy()

	if err := loader.SetExec(path, nil); err != nil {
		return errors.Wrap(err, "setting executable")
	}
	if err := loader.Load(); err != nil {
		return errors.Wrap(err, "loading")
	}

	printSummary(loader)
	return nil
}

func printSummary(d *kbelf.DynLoader) {
	fmt.Printf("entrypoint: 0x%x\n", uint64(d.Entrypoint()))

	fmt.Println("segments:")
	for _, seg := range d.Executable().Segments() {
		printSegment(seg)
	}
	for _, lib := range d.Libraries() {
		fmt.Printf("  library %s:\n", lib.Name())
		for _, seg := range lib.Segments() {
			printSegment(seg)
		}
	}

	fmt.Printf("preinit (%d):\n", d.PreinitLen())
	for i := 0; i < d.PreinitLen(); i++ {
		fmt.Printf("  0x%x\n", uint64(d.PreinitGet(i)))
	}
	fmt.Printf("init (%d):\n", d.InitLen())
	for i := 0; i < d.InitLen(); i++ {
		fmt.Printf("  0x%x\n", uint64(d.InitGet(i)))
	}
	fmt.Printf("fini (%d):\n", d.FiniLen())
	for i := 0; i < d.FiniLen(); i++ {
		fmt.Printf("  0x%x\n", uint64(d.FiniGet(i)))
	}

	klog.Debugf("loaded image summary printed")
}

func printSegment(seg host.Segment) {
	fmt.Printf("  vreq=0x%x vreal=0x%x size=0x%x r=%v w=%v x=%v\n",
		uint64(seg.VAddrReq), uint64(seg.VAddrReal), seg.Size, seg.Read, seg.Write, seg.Execute)
}
