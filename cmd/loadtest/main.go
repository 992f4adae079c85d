package main

import (
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	vegeta "github.com/tsenart/vegeta/v12/lib"
)

// Load generator for a running gateway instance. Point it at the server,
// pick a model, and it reports the latency distribution.
func main() {
	target := flag.String("target", "http://localhost:8080", "Gateway base URL")
	apiKey := flag.String("key", "", "Bearer token for the gateway")
	model := flag.String("model", "gpt-test", "Logical model name to request")
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	stream := flag.Bool("stream", false, "Use streaming requests")
	flag.Parse()

	body := fmt.Sprintf(`{"model": %q, "messages": [{"role": "user", "content": "Hello"}]}`, *model)
	if *stream {
		body = fmt.Sprintf(`{"model": %q, "stream": true, "messages": [{"role": "user", "content": "Hello"}]}`, *model)
	}

	header := http.Header{"Content-Type": []string{"application/json"}}
	if *apiKey != "" {
		header.Set("Authorization", "Bearer "+*apiKey)
	}

	targeter := func(t *vegeta.Target) error {
		t.Method = "POST"
		t.URL = *target + "/v1/chat/completions"
		t.Body = []byte(body)
		t.Header = header
		return nil
	}

	mode := "unary"
	if *stream {
		mode = "streaming"
	}
	fmt.Printf("Running %s load test: %s at %d req/s against %s\n", mode, *duration, *rate, *target)

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics

	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "relay-loadtest") {
		metrics.Add(res)
	}
	metrics.Close()

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println("Errors:")
		for i, msg := range metrics.Errors {
			if i >= 5 {
				break
			}
			fmt.Println(" ", msg)
		}
		os.Exit(1)
	}
}
