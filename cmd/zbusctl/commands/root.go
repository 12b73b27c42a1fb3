/*
 *
 * Copyright 2025 The zerobus Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package commands

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/zerobus/zerobus"
)

var (
	cfgFile    string
	segmentDir string
)

var rootCmd = &cobra.Command{
	Use:   "zbusctl",
	Short: "Inspect and manage zerobus shared-memory services",
	Long: `zbusctl works directly on the segment directory: it lists services
and nodes, watches them live, and records or replays service traffic.
It needs no daemon; everything it shows is read from the shared-memory
segments themselves.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// Execute runs the CLI. Errors are printed here, colored, instead of
// through Cobra's default handler.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	err := rootCmd.Execute()
	if err != nil {
		color.New(color.FgRed, color.Bold).Fprintf(os.Stderr, "error: %v\n", err)
	}
	return err
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVar(&segmentDir, "segment-dir", "", "segment directory (overrides config)")
}

// loadConfig builds the deployment config from, in order: a .env file in
// the working directory, ZBUS_* environment variables or the --config
// file, and the --segment-dir override.
func loadConfig() (zerobus.Config, error) {
	_ = godotenv.Load()

	var (
		cfg zerobus.Config
		err error
	)
	if cfgFile != "" {
		cfg, err = zerobus.ConfigFromFile(cfgFile)
	} else {
		cfg, err = zerobus.ConfigFromEnv()
	}
	if err != nil {
		return zerobus.Config{}, err
	}
	if segmentDir != "" {
		cfg.SegmentDir = segmentDir
		if err := cfg.Validate(); err != nil {
			return zerobus.Config{}, err
		}
	}
	return cfg, nil
}

func formatBytes(n uint64) string {
	switch {
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
