// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package main provides an interactive shell over a string stack, queue and
// map that share one epoch registry.
//
// # Commands
//
//	push <value>         push onto the stack
//	pop                  pop from the stack
//	peek                 show the top of the stack
//	enqueue <value>      append to the queue
//	dequeue              take from the queue
//	put <key> <value>    insert or replace a map entry
//	get <key>            look up a map entry
//	del <key>            remove a map entry
//	len                  show element counts
//	collect              run reclamation until nothing is pending
//	stats [json]         show metrics in Prometheus or JSON format
//	quit                 exit
//
// # Usage
//
//	go run ./cmd/repl
//	go run ./cmd/repl -buckets 64 -quiet
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	core "github.com/kianostad/lfebr/internal/core"
	"github.com/kianostad/lfebr/internal/storage/index"
	"github.com/kianostad/lfebr/internal/storage/queue"
	"github.com/kianostad/lfebr/internal/storage/stack"
)

type REPL struct {
	rt    *core.Runtime
	stack *stack.Stack[string]
	queue *queue.Queue[string]
	table *index.HashIndex[string, string]

	in     io.Reader
	out    io.Writer
	prompt bool
}

func NewREPL(rt *core.Runtime, buckets uint64) *REPL {
	return &REPL{
		rt:     rt,
		stack:  core.NewStack[string](rt, 0),
		queue:  core.NewQueue[string](rt),
		table:  core.NewStringMap[string](rt, buckets),
		in:     os.Stdin,
		out:    os.Stdout,
		prompt: true,
	}
}

func (r *REPL) Run() {
	if r.prompt {
		fmt.Fprintln(r.out, "Lock-Free Structures REPL")
		fmt.Fprintln(r.out, "Commands: push, pop, peek, enqueue, dequeue, put, get, del, len, collect, stats, quit")
	}

	scanner := bufio.NewScanner(r.in)
	for {
		if r.prompt {
			fmt.Fprint(r.out, "> ")
		}
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		if !r.exec(parts[0], parts[1:]) {
			return
		}
	}
}

// exec runs one command and reports whether the loop should continue.
func (r *REPL) exec(cmd string, args []string) bool {
	ctx := context.Background()

	switch cmd {
	case "push":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: push <value>")
			break
		}
		if err := r.stack.Push(args[0]); err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			break
		}
		fmt.Fprintln(r.out, "OK")

	case "pop", "peek":
		pop := r.stack.Pop
		if cmd == "peek" {
			pop = r.stack.Peek
		}
		if v, ok := pop(); ok {
			fmt.Fprintf(r.out, "Value: %s\n", v)
		} else {
			fmt.Fprintln(r.out, "Stack is empty")
		}

	case "enqueue":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: enqueue <value>")
			break
		}
		r.queue.Enqueue(args[0])
		fmt.Fprintln(r.out, "OK")

	case "dequeue":
		if v, ok := r.queue.Dequeue(); ok {
			fmt.Fprintf(r.out, "Value: %s\n", v)
		} else {
			fmt.Fprintln(r.out, "Queue is empty")
		}

	case "put":
		if len(args) != 2 {
			fmt.Fprintln(r.out, "Usage: put <key> <value>")
			break
		}
		if old, replaced := r.table.Insert(args[0], args[1]); replaced {
			fmt.Fprintf(r.out, "Replaced: %s\n", old)
		} else {
			fmt.Fprintln(r.out, "OK")
		}

	case "get":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: get <key>")
			break
		}
		if v, ok := r.table.Get(args[0]); ok {
			fmt.Fprintf(r.out, "Value: %s\n", v)
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "del":
		if len(args) != 1 {
			fmt.Fprintln(r.out, "Usage: del <key>")
			break
		}
		if _, ok := r.table.Remove(args[0]); ok {
			fmt.Fprintln(r.out, "Deleted")
		} else {
			fmt.Fprintln(r.out, "Key not found")
		}

	case "len":
		fmt.Fprintf(r.out, "stack=%d queue=%d map=%d\n", r.stack.Len(), r.queue.Len(), r.table.Len())

	case "collect":
		n, err := r.rt.Flush(ctx)
		if err != nil {
			fmt.Fprintf(r.out, "Error: %v\n", err)
			break
		}
		s := r.rt.Registry().Stats()
		fmt.Fprintf(r.out, "Reclaimed %d nodes (epoch %d, pending %d)\n", n, s.Epoch, s.Pending)

	case "stats":
		if r.rt.Metrics() == nil {
			fmt.Fprintln(r.out, "Metrics disabled")
			break
		}
		r.rt.GetMetrics(ctx)
		if len(args) == 1 && args[0] == "json" {
			fmt.Fprintln(r.out, string(r.rt.Metrics().ExportJSON()))
		} else {
			fmt.Fprint(r.out, r.rt.Metrics().ExportPrometheus())
		}

	case "quit", "exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return false

	default:
		fmt.Fprintf(r.out, "Unknown command: %s\n", cmd)
	}
	return true
}

func main() {
	quiet := flag.Bool("quiet", false, "Run in quiet mode")
	buckets := flag.Uint64("buckets", 1024, "map bucket count (power of 2)")
	noMetrics := flag.Bool("no-metrics", false, "Disable metrics collection")
	flag.Parse()

	if *buckets == 0 || *buckets&(*buckets-1) != 0 {
		log.Fatalf("buckets must be a power of 2, got %d", *buckets)
	}

	cfg := core.DefaultConfig()
	if *noMetrics {
		cfg.Metrics = nil
	}
	rt := core.NewRuntime(cfg)

	repl := NewREPL(rt, *buckets)
	repl.prompt = !*quiet

	// Set up signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing...")
		if err := rt.Close(context.Background()); err != nil {
			log.Printf("close: %v", err)
		}
		os.Exit(0)
	}()

	repl.Run()
	if err := rt.Close(context.Background()); err != nil {
		log.Fatalf("close: %v", err)
	}
}
