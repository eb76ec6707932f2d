/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/loader"
	"github.com/spf13/cobra"
)

var loadAddr uint64

func init() {
	rootCmd.AddCommand(loadCmd)
	loadCmd.Flags().Uint64VarP(&loadAddr, "addr", "a", 0x100000, "Guest-physical address of the lowest segment")
}

// LoadResult is the layout of an image loaded into a simulated VM.
type LoadResult struct {
	Image    *loader.Image    `json:"image"`
	Segments []vmm.MemSegment `json:"segments"`
	RIP      uint64           `json:"rip"`
	Metrics  vmm.Metrics      `json:"metrics"`
}

var loadCmd = &cobra.Command{
	Use:   "load [FILE]",
	Short: "Load a Mach-O image into a simulated VM and print its guest-physical layout",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, _, err := newSimRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		vm, err := reg.CreateVM("load")
		if err != nil {
			return fmt.Errorf("failed to create VM: %w", err)
		}
		if err := vm.ActivateCPU(0); err != nil {
			return err
		}

		img, err := loader.LoadMachO(vm, args[0], loadAddr)
		if err != nil {
			return err
		}
		if img.Entry != 0 {
			if err := vm.SetRegister(0, vmm.RegRIP, img.Entry); err != nil {
				return fmt.Errorf("failed to set entry point: %w", err)
			}
		}
		rip, err := vm.GetRegister(0, vmm.RegRIP)
		if err != nil {
			return err
		}

		output, err := json.MarshalIndent(LoadResult{
			Image:    img,
			Segments: vm.Segments(),
			RIP:      rip,
			Metrics:  reg.Metrics(),
		}, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Println(string(output))
		return nil
	},
}
