//go:build tinygo.wasm

// Package main is a hello plugin compiled to WebAssembly.
// Build with: tinygo build -o plugin.wasm -target wasi -no-debug main.go
package main

import (
	"encoding/json"
	"strings"
	"unsafe"
)

//go:wasmimport walletplug register_command
func registerCommand(ptr, length uint32) uint32

//go:wasmimport walletplug add_filter
func addFilter(nsPtr, nsLen, hookPtr, hookLen uint32) uint32

//go:wasmimport walletplug log
func hostLog(level, ptr, length uint32)

//go:wasmimport walletplug_profile get
func profileGet() uint64

type callResult struct {
	Value any    `json:"value,omitempty"`
	Error string `json:"error,omitempty"`
}

type commandCall struct {
	Name string            `json:"name"`
	Args []json.RawMessage `json:"args"`
}

type filterCall struct {
	Namespace string          `json:"namespace"`
	Hook      string          `json:"hook"`
	Content   json.RawMessage `json:"content"`
}

type profileData struct {
	ID               string `json:"id"`
	Name             string `json:"name"`
	ExchangeCurrency string `json:"exchangeCurrency"`
}

// live keeps buffers handed to the host reachable until wp_free.
var live = map[uint32][]byte{}

// current is the last profile the host announced.
var current *profileData

//export wp_malloc
func wpMalloc(size uint32) uint32 {
	if size == 0 {
		size = 1
	}
	buf := make([]byte, size)
	ptr := uint32(uintptr(unsafe.Pointer(&buf[0])))
	live[ptr] = buf
	return ptr
}

//export wp_free
func wpFree(ptr, length uint32) {
	delete(live, ptr)
}

//export wp_run
func wpRun(ptr, length uint32) uint64 {
	if res := profileGet(); res != 0 {
		var r struct {
			Value *profileData `json:"value"`
		}
		if json.Unmarshal(read(unpack(res)), &r) == nil {
			current = r.Value
		}
	}
	name, ns, hook := "hello", "wallet", "title"
	registerCommand(str(name))
	nsPtr, nsLen := str(ns)
	hookPtr, hookLen := str(hook)
	addFilter(nsPtr, nsLen, hookPtr, hookLen)
	logInfo("hello plugin ready")
	return 0
}

//export wp_command
func wpCommand(ptr, length uint32) uint64 {
	var call commandCall
	if err := json.Unmarshal(read(ptr, length), &call); err != nil {
		return reply(callResult{Error: err.Error()})
	}
	if call.Name != "hello" {
		return reply(callResult{Error: "unknown command " + call.Name})
	}
	who := "World"
	if len(call.Args) > 0 {
		_ = json.Unmarshal(call.Args[0], &who)
	}
	greeting := map[string]string{"message": "Hello, " + who + "!"}
	if current != nil {
		greeting["profile"] = current.ID
	}
	return reply(callResult{Value: greeting})
}

//export wp_filter
func wpFilter(ptr, length uint32) uint64 {
	var call filterCall
	if err := json.Unmarshal(read(ptr, length), &call); err != nil {
		return reply(callResult{Error: err.Error()})
	}
	var title string
	if err := json.Unmarshal(call.Content, &title); err != nil {
		return reply(callResult{Error: "title must be a string"})
	}
	if current != nil && current.ExchangeCurrency != "" {
		title += " (" + strings.ToUpper(current.ExchangeCurrency) + ")"
	}
	return reply(callResult{Value: title})
}

//export wp_profile
func wpProfile(ptr, length uint32) uint64 {
	var p *profileData
	if json.Unmarshal(read(ptr, length), &p) == nil {
		current = p
	}
	return 0
}

func logInfo(msg string) {
	ptr, length := str(msg)
	hostLog(1, ptr, length)
}

func reply(v callResult) uint64 {
	data, _ := json.Marshal(v)
	ptr := wpMalloc(uint32(len(data)))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(data)), data)
	return uint64(ptr)<<32 | uint64(len(data))
}

func str(s string) (uint32, uint32) {
	ptr := wpMalloc(uint32(len(s)))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), len(s)), s)
	return ptr, uint32(len(s))
}

func read(ptr, length uint32) []byte {
	if length == 0 {
		return nil
	}
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(ptr))), length)
}

func unpack(v uint64) (uint32, uint32) {
	return uint32(v >> 32), uint32(v)
}

func main() {}
