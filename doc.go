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

// Package zerobus is zero-copy inter-process communication over shared
// memory. Processes on the same machine exchange fixed-size typed payloads
// through memory-mapped segment files: a payload is written exactly once
// into a shared pool slot and read in place by every receiver, with only
// pool slot indices crossing the lock-free channels in between.
//
// Four messaging patterns are provided, each as its own service kind:
//
//   - PublishSubscribe: buffered typed samples from publishers to
//     subscribers, with optional history for late joiners (OpenPubSub).
//   - Event: payload-free event ids with futex-backed blocking listeners
//     (OpenEvent).
//   - RequestResponse: request fan-out to all servers, streamed responses
//     per request (OpenReqRes).
//   - Blackboard: a fixed set of typed key-value entries, one writer, many
//     lock-free readers (NewBlackboard, OpenBlackboard).
//
// Everything hangs off a Node, the per-participant registry entry:
//
//	node, err := zerobus.NewNode(zerobus.DefaultConfig())
//	...
//	svc, err := zerobus.OpenPubSub[Position](node, "vehicle/position", zerobus.DefaultQoS())
//	...
//	pub, err := svc.NewPublisher()
//	sample, err := pub.LoanUninit()
//	sample.WritePayload(Position{X: 1, Y: 2}).Send()
//
// There is no broker and no daemon. Services are discovered through their
// segment files, capacities are fixed at service creation by QoS, and the
// send and receive paths neither allocate nor lock. When a process dies,
// any surviving node reclaims its ports, loans and borrows during
// housekeeping (Node.Housekeep), driven by PID liveness probes; listeners
// of event services observe a configured dead-notifier event id exactly
// once per dead notifier.
//
// A WaitSet multiplexes one goroutine over many listeners, timers and file
// descriptors.
package zerobus
