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
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/blacktop/go-vmm/sim"
	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var scenarioTimeout time.Duration

func init() {
	rootCmd.AddCommand(scenarioCmd)
	scenarioCmd.Flags().DurationVarP(&scenarioTimeout, "timeout", "t", 10*time.Second, "Time limit per scenario")
}

var scenarioCmd = &cobra.Command{
	Use:   "scenario [name...]",
	Short: "Run control-plane scenarios on the simulated backend and print results as JSON",
	Long: `Run built-in scenarios against the simulated backend:

  halt          every active core halts with interrupts disabled
  double-fault  a general-protection fault raised while a page fault was being delivered
  rendezvous    a rendezvous reaches a core sleeping in a halt

With no arguments every scenario runs. Results are output as JSON to stdout.`,
	ValidArgs: sim.ScenarioNames(),
	Args:      cobra.OnlyValidArgs,
	RunE:      runScenarios,
}

func runScenarios(cmd *cobra.Command, args []string) error {
	if len(args) == 0 {
		args = sim.ScenarioNames()
	}
	reg, b, err := newSimRegistry()
	if err != nil {
		return err
	}
	defer reg.Close()

	pass := color.New(color.FgGreen, color.Bold).SprintFunc()
	fail := color.New(color.FgRed, color.Bold).SprintFunc()

	var results []*sim.Result
	var failed int
	for _, name := range args {
		ctx, cancel := context.WithTimeout(cmd.Context(), scenarioTimeout)
		res, err := sim.Scenarios[name](ctx, reg, b)
		cancel()
		if err == nil {
			err = res.Verify()
		}
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s %s: %v\n", fail("FAIL"), name, err)
			continue
		}
		fmt.Fprintf(os.Stderr, "%s %s\n", pass("PASS"), name)
		results = append(results, res)
	}

	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	fmt.Println(string(output))
	if failed > 0 {
		return fmt.Errorf("%d of %d scenarios failed", failed, len(args))
	}
	return nil
}
