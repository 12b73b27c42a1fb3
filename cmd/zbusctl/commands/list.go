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
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/zerobus/zerobus"
)

var (
	listNodes bool
	listJSON  bool
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List services and nodes",
	Long: `List the services registered in the segment directory: pattern, live
port counts, payload size and segment size. With --nodes, list the
registered nodes and their liveness instead.`,
	RunE: runList,
}

func init() {
	listCmd.Flags().BoolVar(&listNodes, "nodes", false, "list nodes instead of services")
	listCmd.Flags().BoolVar(&listJSON, "json", false, "output in JSON format")
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if listNodes {
		return printNodes(cfg)
	}
	return printServices(cfg)
}

func printServices(cfg zerobus.Config) error {
	infos, err := zerobus.ListServices(cfg)
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No services found.")
		return nil
	}

	table := tablewriter.NewTable(os.Stdout)
	table.Header("SERVICE", "PATTERN", "PRODUCERS", "CONSUMERS", "NODES", "PAYLOAD", "SEGMENT")
	for _, s := range infos {
		table.Append([]string{
			s.Name,
			s.Pattern.String(),
			fmt.Sprintf("%d/%d", s.Producers, s.QoS.MaxProducers),
			fmt.Sprintf("%d/%d", s.Consumers, s.QoS.MaxConsumers),
			fmt.Sprintf("%d", s.NodeRefs),
			formatBytes(s.PayloadSize),
			formatBytes(s.SegmentSize),
		})
	}
	return table.Render()
}

func printNodes(cfg zerobus.Config) error {
	infos, err := zerobus.ListNodes(cfg)
	if err != nil {
		return err
	}
	if listJSON {
		return printJSON(infos)
	}
	if len(infos) == 0 {
		fmt.Println("No nodes found.")
		return nil
	}

	green := color.New(color.FgGreen).SprintFunc()
	red := color.New(color.FgRed).SprintFunc()

	table := tablewriter.NewTable(os.Stdout)
	table.Header("NODE", "ID", "PID", "STATE", "HEARTBEAT")
	for _, n := range infos {
		state := green("alive")
		if !n.Alive {
			state = red("dead")
		}
		table.Append([]string{
			n.Name,
			fmt.Sprintf("%016x", n.ID),
			fmt.Sprintf("%d", n.PID),
			state,
			n.Heartbeat.Format(time.RFC3339),
		})
	}
	return table.Render()
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
