// Copyright 2024-2025 The replicall Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// dispatchsim exercises the dispatcher against simulated endpoints
// described in a YAML scenario, reporting how load spread and how many
// calls succeeded. It is a workbench for dispatch tuning, not a
// benchmark.
package main

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	scenarioPath string
	logLevel     string
	basic        bool
	seed         int64
)

var rootCmd = &cobra.Command{
	Use:   "dispatchsim",
	Short: "Simulate load-balanced dispatch against configurable endpoints",
	RunE: func(cmd *cobra.Command, _ []string) error {
		logger := logrus.New()
		level, err := logrus.ParseLevel(logLevel)
		if err != nil {
			return err
		}
		logger.SetLevel(level)

		sc := defaultScenario()
		if scenarioPath != "" {
			if sc, err = loadScenario(scenarioPath); err != nil {
				return err
			}
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
		defer stop()
		return runScenario(ctx, sc, basic, seed, logger)
	},
}

func init() {
	rootCmd.Flags().StringVar(&scenarioPath, "scenario", "", "YAML scenario file (built-in scenario if empty)")
	rootCmd.Flags().StringVar(&logLevel, "log", "info", "Log level (trace, debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&basic, "basic", false, "Use the basic single-request dispatch variant")
	rootCmd.Flags().Int64Var(&seed, "seed", 42, "Seed for endpoint behavior and selection randomness")
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		logrus.WithError(err).Fatal("dispatchsim failed")
	}
}
