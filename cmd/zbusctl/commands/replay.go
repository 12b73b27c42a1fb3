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
	"io"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zerobus/zerobus"
	"github.com/zerobus/zerobus/recording"
)

var (
	replayService string
	replayTiming  bool
)

var replayCmd = &cobra.Command{
	Use:   "replay FILE",
	Short: "Replay a capture file onto a service",
	Long: `Publish the records of a capture file back onto the service they were
recorded from (or another one via --service). The target service must
carry the same payload type the capture was taken with. With --timing,
the original inter-sample gaps are preserved; otherwise records are
published back to back.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayService, "service", "", "target service (default: the recorded one)")
	replayCmd.Flags().BoolVar(&replayTiming, "timing", false, "preserve original inter-sample timing")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	r, err := recording.Open(args[0])
	if err != nil {
		return err
	}
	defer r.Close()
	hdr := r.Header()

	service := replayService
	if service == "" {
		service = hdr.Service
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.NodeName = "zbusctl-replay"

	node, err := zerobus.NewNode(cfg)
	if err != nil {
		return err
	}
	defer node.Close()

	svc, err := zerobus.OpenPubSubRaw(node, service)
	if err != nil {
		return err
	}
	defer svc.Close()

	typeHash, typeSize, _ := svc.PayloadType()
	if typeHash != hdr.TypeHash || typeSize != hdr.TypeSize {
		return fmt.Errorf("capture was taken with a different payload type than service %q carries", service)
	}

	pub, err := svc.NewPublisher()
	if err != nil {
		return err
	}
	defer pub.Close()

	color.New(color.FgCyan).Printf("replaying %s -> %s\n", args[0], service)

	var (
		published uint64
		prev      time.Time
	)
	for {
		rec, err := r.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if replayTiming && !prev.IsZero() {
			if gap := rec.Timestamp.Sub(prev); gap > 0 {
				time.Sleep(gap)
			}
		}
		prev = rec.Timestamp

		if err := pub.Send(rec.Payload); err != nil {
			return err
		}
		published++
	}

	color.New(color.FgGreen).Printf("published %d samples to %s\n", published, service)
	return nil
}
