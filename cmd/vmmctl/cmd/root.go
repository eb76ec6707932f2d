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
	"log/slog"
	"os"
	"strings"

	"github.com/blacktop/go-vmm"
	"github.com/blacktop/go-vmm/sim"
	"github.com/spf13/cobra"
)

var verbose bool

var rootCmd = &cobra.Command{
	Use:           "vmmctl",
	Short:         "Inspect and exercise the go-vmm control plane",
	SilenceUsage:  true,
	SilenceErrors: false,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()})))
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
}

// logLevel resolves the log level from --verbose, then VMM_LOG_LEVEL.
func logLevel() slog.Level {
	if verbose {
		return slog.LevelDebug
	}
	var lvl slog.Level
	if env := os.Getenv("VMM_LOG_LEVEL"); env != "" {
		if err := lvl.UnmarshalText([]byte(strings.TrimSpace(env))); err == nil {
			return lvl
		}
	}
	return slog.LevelWarn
}

// newSimRegistry returns a registry backed by the simulated backend.
func newSimRegistry() (*vmm.Registry, *sim.Backend, error) {
	b := sim.New()
	reg, err := vmm.NewRegistry(vmm.Config{
		MaxCPUs: 4,
		Logger:  slog.Default(),
	}, b)
	if err != nil {
		return nil, nil, err
	}
	return reg, b, nil
}
