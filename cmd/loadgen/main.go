// Load generator for exercising Warden's ingest, evaluation, and gate
// paths with synthetic traffic.
//
// Usage:
//
//	go run cmd/loadgen/main.go -url http://localhost:8080 -entities 100
//
// This tool:
//  1. Seeds review events for a population of store entities, a fraction
//     of which receive a coordinated one-star flood
//  2. Triggers an on-demand evaluation for every entity
//  3. Fires concurrent gate checks and compares verdicts against the
//     seeded labels (flooded stores should be denied)
//  4. Reports precision, recall, and throughput
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// eventRequest mirrors the POST /events payload.
type eventRequest struct {
	Class    string  `json:"class"`
	EntityID string  `json:"entityId"`
	Kind     string  `json:"kind"`
	ActorID  string  `json:"actorId,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// checkRequest mirrors the POST /check payload.
type checkRequest struct {
	Class     string `json:"class"`
	EntityID  string `json:"entityId"`
	Operation string `json:"operation"`
}

// gateDecision mirrors the gate check response.
type gateDecision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason"`
	State   string `json:"state"`
}

// metrics tracks load run results.
type metrics struct {
	TruePositives  int64 // flooded entity denied
	FalsePositives int64 // clean entity denied
	TrueNegatives  int64 // clean entity allowed
	FalseNegatives int64 // flooded entity allowed

	TotalChecks int64
	TotalErrors int64
	LatencyMs   int64
}

func main() {
	baseURL := flag.String("url", "http://localhost:8080", "Warden base URL")
	class := flag.String("class", "store", "Entity class to load")
	operation := flag.String("operation", "post_review", "Operation to gate-check")
	entities := flag.Int("entities", 50, "Number of entities to seed")
	eventsPer := flag.Int("events", 20, "Events seeded per entity")
	checksPer := flag.Int("checks", 5, "Gate checks per entity")
	workers := flag.Int("workers", 10, "Number of concurrent workers")
	floodRatio := flag.Float64("flood", 0.2, "Fraction of entities receiving a one-star flood (0.0-1.0)")
	verbose := flag.Bool("verbose", false, "Print each check result")
	flag.Parse()

	fmt.Println("╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║           WARDEN LOADGEN - Synthetic Review Floods            ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")
	fmt.Printf("\nWarden URL:  %s\n", *baseURL)
	fmt.Printf("Class:       %s\n", *class)
	fmt.Printf("Operation:   %s\n", *operation)
	fmt.Printf("Entities:    %d\n", *entities)
	fmt.Printf("Events/ent:  %d\n", *eventsPer)
	fmt.Printf("Checks/ent:  %d\n", *checksPer)
	fmt.Printf("Workers:     %d\n", *workers)
	fmt.Printf("Flood Ratio: %.2f\n", *floodRatio)
	fmt.Println()

	if err := checkHealth(*baseURL); err != nil {
		fmt.Printf("ERROR: Warden not reachable at %s: %v\n", *baseURL, err)
		fmt.Println("\nMake sure Warden is running:")
		fmt.Println("  go run cmd/warden/main.go")
		os.Exit(1)
	}
	fmt.Println("✓ Warden is healthy")

	// Label the population up front so verdicts can be scored later.
	flooded := make(map[string]bool, *entities)
	ids := make([]string, 0, *entities)
	for i := 0; i < *entities; i++ {
		id := fmt.Sprintf("load-%s-%04d", *class, i)
		ids = append(ids, id)
		flooded[id] = rand.Float64() < *floodRatio
	}

	client := &http.Client{Timeout: 10 * time.Second}

	fmt.Printf("\nSeeding %d events...\n", *entities**eventsPer)
	seedStart := time.Now()
	if err := seedEvents(client, *baseURL, *class, ids, flooded, *eventsPer, *workers); err != nil {
		fmt.Printf("ERROR: seeding failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("✓ Seeded in %v\n", time.Since(seedStart).Round(time.Millisecond))

	fmt.Printf("\nEvaluating %d entities...\n", *entities)
	evalStart := time.Now()
	evaluateAll(client, *baseURL, *class, ids, *workers)
	fmt.Printf("✓ Evaluated in %v\n", time.Since(evalStart).Round(time.Millisecond))

	fmt.Printf("\nRunning %d gate checks with %d workers...\n", *entities**checksPer, *workers)
	start := time.Now()
	m := runChecks(client, *baseURL, *class, *operation, ids, flooded, *checksPer, *workers, *verbose)
	printResults(m, flooded, time.Since(start))
}

func checkHealth(baseURL string) error {
	resp, err := http.Get(baseURL + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d", resp.StatusCode)
	}
	return nil
}

// seedEvents posts review events for every entity. Flooded entities get
// one-star reviews from distinct actors; clean entities get a realistic
// ratings mix.
func seedEvents(client *http.Client, baseURL, class string, ids []string, flooded map[string]bool, perEntity, numWorkers int) error {
	work := make(chan string, len(ids))
	var wg sync.WaitGroup

	var mu sync.Mutex
	var firstErr error

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				for j := 0; j < perEntity; j++ {
					value := float64(3 + rand.Intn(3)) // 3-5 stars
					if flooded[id] {
						value = 1
					}
					req := eventRequest{
						Class:    class,
						EntityID: id,
						Kind:     "review",
						ActorID:  fmt.Sprintf("actor-%s-%d", id, j),
						Value:    value,
					}
					if err := postJSON(client, baseURL+"/events", req, http.StatusAccepted, nil); err != nil {
						mu.Lock()
						if firstErr == nil {
							firstErr = err
						}
						mu.Unlock()
						return
					}
				}
			}
		}()
	}

	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()

	return firstErr
}

func evaluateAll(client *http.Client, baseURL, class string, ids []string, numWorkers int) {
	work := make(chan string, len(ids))
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				url := fmt.Sprintf("%s/classes/%s/entities/%s/evaluate", baseURL, class, id)
				if err := postJSON(client, url, nil, http.StatusOK, nil); err != nil {
					fmt.Printf("WARN: evaluation failed for %s: %v\n", id, err)
				}
			}
		}()
	}

	for _, id := range ids {
		work <- id
	}
	close(work)
	wg.Wait()
}

func runChecks(client *http.Client, baseURL, class, operation string, ids []string, flooded map[string]bool, perEntity, numWorkers int, verbose bool) *metrics {
	m := &metrics{}
	work := make(chan string, 100)
	var wg sync.WaitGroup

	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for id := range work {
				start := time.Now()
				var decision gateDecision
				err := postJSON(client, baseURL+"/check", checkRequest{
					Class:     class,
					EntityID:  id,
					Operation: operation,
				}, http.StatusOK, &decision)
				atomic.AddInt64(&m.LatencyMs, time.Since(start).Milliseconds())
				atomic.AddInt64(&m.TotalChecks, 1)

				if err != nil {
					atomic.AddInt64(&m.TotalErrors, 1)
					continue
				}

				denied := !decision.Allowed
				isFlood := flooded[id]
				switch {
				case denied && isFlood:
					atomic.AddInt64(&m.TruePositives, 1)
				case denied && !isFlood:
					atomic.AddInt64(&m.FalsePositives, 1)
				case !denied && !isFlood:
					atomic.AddInt64(&m.TrueNegatives, 1)
				default:
					atomic.AddInt64(&m.FalseNegatives, 1)
				}

				if verbose {
					status := "✓"
					if denied != isFlood {
						status = "✗"
					}
					fmt.Printf("%s %-16s | flood: %-5v | state: %-8s | allowed: %-5v | %s\n",
						status, id, isFlood, decision.State, decision.Allowed, decision.Reason)
				}
			}
		}()
	}

	for i := 0; i < perEntity; i++ {
		for _, id := range ids {
			work <- id
		}
	}
	close(work)
	wg.Wait()

	return m
}

func postJSON(client *http.Client, url string, body interface{}, wantStatus int, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequest(http.MethodPost, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != wantStatus {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func printResults(m *metrics, flooded map[string]bool, duration time.Duration) {
	floodCount := 0
	for _, f := range flooded {
		if f {
			floodCount++
		}
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════════╗")
	fmt.Println("║                       LOADGEN RESULTS                         ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════════╝")

	fmt.Printf("\n📊 POPULATION\n")
	fmt.Printf("   Entities:  %d (%d flooded, %d clean)\n", len(flooded), floodCount, len(flooded)-floodCount)
	fmt.Printf("   Checks:    %d\n", m.TotalChecks)
	fmt.Printf("   Errors:    %d\n", m.TotalErrors)

	fmt.Printf("\n📈 CONFUSION MATRIX (denied = positive)\n")
	fmt.Println("                       Denied     Allowed")
	fmt.Println("              ┌──────────┬──────────┐")
	fmt.Printf("     Flooded  │ %8d │ %8d │  (TP, FN)\n", m.TruePositives, m.FalseNegatives)
	fmt.Println("              ├──────────┼──────────┤")
	fmt.Printf("       Clean  │ %8d │ %8d │  (FP, TN)\n", m.FalsePositives, m.TrueNegatives)
	fmt.Println("              └──────────┴──────────┘")

	precision := float64(0)
	if m.TruePositives+m.FalsePositives > 0 {
		precision = float64(m.TruePositives) / float64(m.TruePositives+m.FalsePositives)
	}
	recall := float64(0)
	if m.TruePositives+m.FalseNegatives > 0 {
		recall = float64(m.TruePositives) / float64(m.TruePositives+m.FalseNegatives)
	}

	fmt.Printf("\n🎯 GATING METRICS\n")
	fmt.Printf("   Precision:  %.4f  (of denials, how many were flooded entities)\n", precision)
	fmt.Printf("   Recall:     %.4f  (of flooded entities, how many were denied)\n", recall)
	fmt.Println("   Note: clean entities past their capacity ceiling count as")
	fmt.Println("   false positives here; lower -checks to isolate threat gating.")

	fmt.Printf("\n⏱  PERFORMANCE\n")
	fmt.Printf("   Total Duration:  %v\n", duration.Round(time.Millisecond))
	if m.TotalChecks > 0 {
		fmt.Printf("   Avg Latency:     %.2f ms\n", float64(m.LatencyMs)/float64(m.TotalChecks))
		fmt.Printf("   Throughput:      %.2f checks/sec\n", float64(m.TotalChecks)/duration.Seconds())
	}
	fmt.Println()
}
