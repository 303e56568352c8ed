package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/example/canvas-sync/internal/clock"
	"github.com/example/canvas-sync/internal/merge"
	"github.com/example/canvas-sync/internal/types"
)

var (
	addr     = flag.String("addr", "localhost:8080", "server host:port")
	board    = flag.String("board", "loadtest-board", "board id shared by every client")
	clients  = flag.Int("clients", 10, "number of websocket clients")
	messages = flag.Int("messages", 200, "changes sent by the writer client")
	interval = flag.Duration("interval", 20*time.Millisecond, "delay between writes")
)

const latencyTargetMs = 50

func main() {
	flag.Parse()

	if *clients < 2 {
		fmt.Fprintln(os.Stderr, "need at least 2 clients: one writer and one reader")
		os.Exit(1)
	}

	var wg sync.WaitGroup
	results := make(chan []float64, *clients-1)

	for i := 1; i < *clients; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			latencies, err := runReader(id)
			if err != nil {
				fmt.Fprintf(os.Stderr, "reader %d: %v\n", id, err)
				return
			}
			results <- latencies
		}(i)
	}

	// Give readers a moment to finish their handshakes before writing.
	time.Sleep(500 * time.Millisecond)

	if err := runWriter(); err != nil {
		fmt.Fprintf(os.Stderr, "writer: %v\n", err)
		os.Exit(1)
	}

	wg.Wait()
	close(results)

	var all []float64
	for r := range results {
		all = append(all, r...)
	}
	report(all)
}

func dial(nodeID string) (*websocket.Conn, error) {
	u := url.URL{
		Scheme:   "ws",
		Host:     *addr,
		Path:     "/ws",
		RawQuery: url.Values{"board_id": {*board}, "node_id": {nodeID}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.Dial(u.String(), nil)
	return conn, err
}

// runWriter stamps every change with a real clock source so the server
// observes monotonically increasing per-field clocks from this node.
func runWriter() error {
	nodeID := "writer-" + uuid.NewString()[:8]
	conn, err := dial(nodeID)
	if err != nil {
		return err
	}
	defer conn.Close()

	source := clock.New(nodeID)
	objectID := types.ObjectID("obj-" + uuid.NewString()[:8])

	for i := 0; i < *messages; i++ {
		fields := map[types.FieldName]any{
			"x":   float64(i),
			"y":   float64(i * 2),
			"seq": float64(i),
		}
		names := make([]types.FieldName, 0, len(fields))
		for name := range fields {
			names = append(names, name)
		}
		action := types.ActionUpdate
		if i == 0 {
			action = types.ActionCreate
		}
		env := types.Envelope{
			BoardID:  types.BoardID(*board),
			ChangeID: uuid.NewString(),
			NodeID:   nodeID,
			Change: types.Change{
				Action:   action,
				ObjectID: objectID,
				Fields:   fields,
				Clocks:   merge.Stamp(names, source.Tick()),
			},
			SentAt: time.Now().UnixMilli(),
		}
		payload, err := json.Marshal(env)
		if err != nil {
			return err
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, payload); err != nil {
			return fmt.Errorf("write %d: %w", i, err)
		}
		time.Sleep(*interval)
	}

	// Leave the fan-out time to drain before readers hit their deadline.
	time.Sleep(time.Second)
	return nil
}

func runReader(id int) ([]float64, error) {
	nodeID := fmt.Sprintf("reader-%d-%s", id, uuid.NewString()[:8])
	conn, err := dial(nodeID)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	deadline := time.Duration(*messages)*(*interval) + 10*time.Second
	_ = conn.SetReadDeadline(time.Now().Add(deadline))

	latencies := make([]float64, 0, *messages)
	for len(latencies) < *messages {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			// Deadline expiry just means the remaining messages were lost.
			break
		}
		var env types.Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			continue
		}
		latencies = append(latencies, float64(time.Now().UnixMilli()-env.SentAt))
	}
	return latencies, nil
}

func report(latencies []float64) {
	if len(latencies) == 0 {
		fmt.Println("no messages delivered")
		os.Exit(1)
	}
	sort.Float64s(latencies)

	var sum float64
	for _, l := range latencies {
		sum += l
	}
	expected := (*clients - 1) * *messages
	p50 := latencies[len(latencies)/2]
	p95 := latencies[int(float64(len(latencies))*0.95)]
	p99 := latencies[int(float64(len(latencies))*0.99)]

	within := 0
	for _, l := range latencies {
		if l <= latencyTargetMs {
			within++
		}
	}
	ratio := float64(within) / float64(len(latencies))

	fmt.Printf("delivered: %d/%d (%.1f%%)\n", len(latencies), expected, 100*float64(len(latencies))/float64(expected))
	fmt.Printf("latency ms: mean=%.1f p50=%.0f p95=%.0f p99=%.0f max=%.0f\n",
		sum/float64(len(latencies)), p50, p95, p99, latencies[len(latencies)-1])
	fmt.Printf("within %dms: %.1f%%\n", latencyTargetMs, 100*ratio)

	if ratio < 0.95 {
		fmt.Println("FAIL: less than 95% of deliveries within target")
		os.Exit(1)
	}
	fmt.Println("PASS")
}
