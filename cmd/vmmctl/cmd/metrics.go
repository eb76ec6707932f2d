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
	"time"

	"github.com/blacktop/go-vmm/sim"
	"github.com/spf13/cobra"
)

var metricsTimeout time.Duration

func init() {
	rootCmd.AddCommand(metricsCmd)
	metricsCmd.Flags().DurationVarP(&metricsTimeout, "timeout", "t", 10*time.Second, "Time limit per scenario")
}

var metricsCmd = &cobra.Command{
	Use:   "metrics",
	Short: "Run every scenario once and print the registry metrics as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, b, err := newSimRegistry()
		if err != nil {
			return err
		}
		defer reg.Close()

		for _, name := range sim.ScenarioNames() {
			ctx, cancel := context.WithTimeout(cmd.Context(), metricsTimeout)
			_, err := sim.Scenarios[name](ctx, reg, b)
			cancel()
			if err != nil {
				return fmt.Errorf("scenario %s: %w", name, err)
			}
		}

		output, err := json.MarshalIndent(reg.Metrics(), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal metrics: %w", err)
		}
		fmt.Println(string(output))
		return nil
	},
}
