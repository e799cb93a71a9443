// Package main is the entry point for the chat gateway load test binary.
//
//   - saturate: open N idle chat sessions and hold them
//   - chat:     N users in the room sending at an interval, measuring fan-out
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Session saturation test: opens N idle chat sessions")
	fmt.Println("  chat        Room load test: N users send messages, delivery latency is measured")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
