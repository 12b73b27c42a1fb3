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
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/zerobus/zerobus"
	"github.com/zerobus/zerobus/recording"
)

var (
	recordOutput   string
	recordDuration time.Duration
	recordCount    uint64
)

var recordCmd = &cobra.Command{
	Use:   "record SERVICE",
	Short: "Record the traffic of a publish-subscribe service",
	Long: `Subscribe to a publish-subscribe service and write every received
sample, timestamped, into a capture file. Recording stops on interrupt,
after --duration, or after --count samples, whichever comes first.`,
	Args: cobra.ExactArgs(1),
	RunE: runRecord,
}

func init() {
	recordCmd.Flags().StringVarP(&recordOutput, "output", "o", "", "capture file path (default SERVICE.zbus)")
	recordCmd.Flags().DurationVar(&recordDuration, "duration", 0, "stop after this long (0: until interrupted)")
	recordCmd.Flags().Uint64Var(&recordCount, "count", 0, "stop after this many samples (0: unlimited)")
	rootCmd.AddCommand(recordCmd)
}

func runRecord(cmd *cobra.Command, args []string) error {
	service := args[0]
	output := recordOutput
	if output == "" {
		output = service + ".zbus"
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	cfg.NodeName = "zbusctl-record"

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

	sub, err := svc.NewSubscriber()
	if err != nil {
		return err
	}
	defer sub.Close()

	typeHash, typeSize, typeAlign := svc.PayloadType()
	w, err := recording.Create(output, recording.Header{
		Service:   service,
		Pattern:   uint32(zerobus.PatternPublishSubscribe),
		TypeHash:  typeHash,
		TypeSize:  typeSize,
		TypeAlign: typeAlign,
	})
	if err != nil {
		return err
	}
	defer w.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var deadline time.Time
	if recordDuration > 0 {
		deadline = time.Now().Add(recordDuration)
	}

	color.New(color.FgCyan).Printf("recording %s -> %s (interrupt to stop)\n", service, output)

	var captured uint64
	for {
		select {
		case <-ctx.Done():
			return finishRecord(captured, output)
		default:
		}
		if recordDuration > 0 && time.Now().After(deadline) {
			return finishRecord(captured, output)
		}

		payload, err := sub.Receive()
		if err != nil {
			return err
		}
		if payload == nil {
			time.Sleep(time.Millisecond)
			continue
		}
		if err := w.Write(recording.Record{Timestamp: time.Now(), Payload: payload}); err != nil {
			return err
		}
		captured++
		if recordCount > 0 && captured >= recordCount {
			return finishRecord(captured, output)
		}
	}
}

func finishRecord(n uint64, output string) error {
	color.New(color.FgGreen).Printf("captured %d samples in %s\n", n, output)
	return nil
}
