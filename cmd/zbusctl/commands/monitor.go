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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

var monitorInterval time.Duration

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch services and nodes live",
	Long: `Continuously redraw the service and node tables until interrupted.
The refresh interval is configurable with --interval.`,
	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", time.Second, "refresh interval")
	rootCmd.AddCommand(monitorCmd)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bold := color.New(color.Bold)
	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		fmt.Print("\033[2J\033[H") // clear screen, cursor home
		bold.Printf("zerobus @ %s — %s\n\n", cfg.SegmentDir, time.Now().Format(time.TimeOnly))

		bold.Println("Services")
		if err := printServices(cfg); err != nil {
			return err
		}
		fmt.Println()
		bold.Println("Nodes")
		if err := printNodes(cfg); err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}
