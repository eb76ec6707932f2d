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
	"fmt"
	"runtime"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/sim"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(checkCmd)
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check hardware virtualization support and backend selection",
	RunE: func(cmd *cobra.Command, args []string) error {
		green := color.New(color.FgGreen).SprintFunc()
		yellow := color.New(color.FgYellow).SprintFunc()
		red := color.New(color.FgRed).SprintFunc()

		ok, err := vmm.Supported()
		switch {
		case err != nil:
			fmt.Printf("hw support: %s: %v\n", red("error"), err)
		case ok:
			fmt.Printf("hw support: %s\n", green(ok))
		default:
			fmt.Printf("hw support: %s\n", yellow(ok))
		}
		fmt.Printf("platform:   %s/%s\n", runtime.GOOS, runtime.GOARCH)
		fmt.Printf("page size:  host %d, guest %d\n", vmm.HostPageSize(), vmm.PageSize)

		reg, err := vmm.NewRegistry(vmm.Config{}, sim.New())
		if err != nil {
			return fmt.Errorf("failed to create registry: %w", err)
		}
		if name := reg.Backend(); name != "" {
			fmt.Printf("backend:    %s\n", green(name))
		} else {
			fmt.Printf("backend:    %s\n", red("none"))
		}
		return nil
	},
}
