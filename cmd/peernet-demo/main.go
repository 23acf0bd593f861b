// peernet-demo starts a responder node and a connection pool on localhost
// and demonstrates request/reply correlation, timeout accounting and
// availability reporting.
//
// Run:  go run ./cmd/peernet-demo
package main

import (
	"fmt"
	"log"
	"log/slog"
	"time"

	peernet "github.com/cluster/archethic-node"
)

func main() {
	peernet.InitLogger(slog.LevelWarn)

	codec := peernet.BinaryCodec{}

	// --- Node B: answers every request, except those asking it to stall ---
	responder, err := peernet.ListenTCP("127.0.0.1:0", "node-b", codec, func(env peernet.Envelope) []byte {
		fmt.Printf("[node-b] request id=%d from=%s payload=%q\n", env.RequestID, env.Sender, env.Payload)
		if string(env.Payload) == "stall" {
			return nil // no reply; the caller will time out
		}
		return []byte(fmt.Sprintf("hello back, you said %q", env.Payload))
	})
	if err != nil {
		log.Fatalf("ListenTCP: %v", err)
	}
	defer responder.Stop()

	// --- Node A: pool with one peer connection to node B ---
	pool := peernet.NewPool("node-a", peernet.NewTCPTransport(),
		peernet.WithRequestTimeout(2*time.Second),
	)
	defer pool.Shutdown()

	conn := pool.Start("node-b", responder.Addr())
	waitConnected(conn)
	fmt.Printf("[node-a] connected to node-b at %s\n", responder.Addr())

	// --- Correlated request/reply ---
	fmt.Println("\n--- Sending request from node-a to node-b ---")
	reply, err := pool.SendMessage("node-b", []byte("hello from node-a"), 0)
	if err != nil {
		log.Fatalf("SendMessage: %v", err)
	}
	fmt.Printf("[node-a] received reply: %q\n", reply)

	// --- Timeout path feeds the availability accumulator ---
	fmt.Println("\n--- Sending a request node-b will not answer ---")
	_, err = pool.SendMessage("node-b", []byte("stall"), 900*time.Millisecond)
	fmt.Printf("[node-a] result: %v\n", err)

	downtime, _ := pool.GetAvailability("node-b", true)
	fmt.Printf("[node-a] accrued downtime: %ds (reset)\n", downtime)

	fmt.Println("\nDemo complete.")
}

func waitConnected(conn *peernet.Connection) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if conn.State() == peernet.StateConnected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	log.Fatal("timeout waiting for connection")
}
