// Copyright 2020 The LakeOS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package naive

import (
	"encoding/json"
	"fmt"

	"github.com/vincenthouyi/lakeos/pkg/abi/lakeos"
)

// RPC opcodes carried in the LMP frame header.
const (
	OpRegisterService uint8 = iota + 1
	OpLookupService
	OpRequestMemory
	OpRequestIrq
	OpConsoleWrite
	OpConsoleRead
	OpUptime
)

// Request and response bodies are JSON inside the LMP payload.

// RegisterServiceRequest publishes the cap riding the message under a
// name.
type RegisterServiceRequest struct {
	Name string `json:"name"`
}

// LookupServiceRequest resolves a name; the response transfers the
// service endpoint cap.
type LookupServiceRequest struct {
	Name string `json:"name"`
}

// RequestMemoryRequest asks the init thread for a frame; device requests
// name an explicit physical address.
type RequestMemoryRequest struct {
	Paddr  uint64 `json:"paddr"`
	Size   uint64 `json:"size"`
	Device bool   `json:"device"`
}

// RequestIrqRequest asks for the IRQ-controller cap.
type RequestIrqRequest struct {
	Irq int `json:"irq"`
}

// ConsoleWriteRequest prints bytes through the console server.
type ConsoleWriteRequest struct {
	Data []byte `json:"data"`
}

// ConsoleReadRequest drains up to Max buffered input bytes.
type ConsoleReadRequest struct {
	Max int `json:"max"`
}

// ConsoleReadResponse carries the drained bytes.
type ConsoleReadResponse struct {
	Data []byte `json:"data"`
}

// UptimeResponse reports the timer server's tick count.
type UptimeResponse struct {
	Ticks uint64 `json:"ticks"`
}

// RpcResult is the common response envelope.
type RpcResult struct {
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Body  json.RawMessage `json:"body,omitempty"`
}

// RpcClient issues typed requests over an established channel.
type RpcClient struct {
	Ch *LmpChannel
}

// Connect dials the service endpoint at epSlot.
func Connect(rt *Runtime, epSlot uint64) (*RpcClient, error) {
	ch, err := LmpConnect(rt, EpRef{CapRef{rt, epSlot}})
	if err != nil {
		return nil, err
	}
	return &RpcClient{Ch: ch}, nil
}

func (c *RpcClient) roundtrip(op uint8, req any, capSlot uint64, out any) (uint64, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return 0, fmt.Errorf("encoding rpc request: %w", err)
	}
	resp, err := c.Ch.Roundtrip(LmpMessage{Opcode: op, Payload: payload, CapSlot: capSlot})
	if err != nil {
		return 0, err
	}
	var res RpcResult
	if err := json.Unmarshal(resp.Payload, &res); err != nil {
		return 0, fmt.Errorf("decoding rpc response: %w", err)
	}
	if !res.OK {
		return 0, fmt.Errorf("rpc failed: %s", res.Error)
	}
	if out != nil && len(res.Body) > 0 {
		if err := json.Unmarshal(res.Body, out); err != nil {
			return 0, fmt.Errorf("decoding rpc body: %w", err)
		}
	}
	return resp.CapSlot, nil
}

// RegisterService publishes the endpoint at epSlot under name.
func (c *RpcClient) RegisterService(name string, epSlot uint64) error {
	_, err := c.roundtrip(OpRegisterService, RegisterServiceRequest{Name: name}, epSlot, nil)
	return err
}

// LookupService resolves name to a freshly transferred endpoint cap.
func (c *RpcClient) LookupService(name string) (uint64, error) {
	slot, err := c.roundtrip(OpLookupService, LookupServiceRequest{Name: name}, 0, nil)
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		return 0, Errno(lakeos.ELookupError)
	}
	return slot, nil
}

// RequestMemory obtains a frame cap, optionally over explicit device
// memory.
func (c *RpcClient) RequestMemory(paddr, size uint64, device bool) (uint64, error) {
	slot, err := c.roundtrip(OpRequestMemory, RequestMemoryRequest{Paddr: paddr, Size: size, Device: device}, 0, nil)
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		return 0, Errno(lakeos.ESizeTooSmall)
	}
	return slot, nil
}

// RequestIrq obtains the IRQ-controller cap.
func (c *RpcClient) RequestIrq(irq int) (uint64, error) {
	slot, err := c.roundtrip(OpRequestIrq, RequestIrqRequest{Irq: irq}, 0, nil)
	if err != nil {
		return 0, err
	}
	if slot == 0 {
		return 0, Errno(lakeos.ELookupError)
	}
	return slot, nil
}

// ConsoleWrite prints through a console service channel.
func (c *RpcClient) ConsoleWrite(data []byte) error {
	_, err := c.roundtrip(OpConsoleWrite, ConsoleWriteRequest{Data: data}, 0, nil)
	return err
}

// ConsoleRead drains buffered console input.
func (c *RpcClient) ConsoleRead(max int) ([]byte, error) {
	var body ConsoleReadResponse
	if _, err := c.roundtrip(OpConsoleRead, ConsoleReadRequest{Max: max}, 0, &body); err != nil {
		return nil, err
	}
	return body.Data, nil
}

// Uptime reads the timer server's tick count.
func (c *RpcClient) Uptime() (uint64, error) {
	var body UptimeResponse
	if _, err := c.roundtrip(OpUptime, nil, 0, &body); err != nil {
		return 0, err
	}
	return body.Ticks, nil
}

// DecodeBody unmarshals a request payload.
func DecodeBody(payload []byte, out any) error {
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("decoding rpc request: %w", err)
	}
	return nil
}

// OkResult builds a success envelope with an optional body.
func OkResult(body any) LmpMessage {
	res := RpcResult{OK: true}
	if body != nil {
		raw, err := json.Marshal(body)
		if err == nil {
			res.Body = raw
		}
	}
	payload, _ := json.Marshal(res)
	return LmpMessage{Payload: payload}
}

// ErrResult builds a failure envelope.
func ErrResult(msg string) LmpMessage {
	payload, _ := json.Marshal(RpcResult{Error: msg})
	return LmpMessage{Payload: payload}
}
