// http-loadgen is a tiny, dependency-free event generator for the optimizer.
// It reuses HTTP connections (keep-alive) and supports concurrency so demo
// scripts can fill the counter store quickly on any platform without relying
// on external tools.
//
// Each request is a POST /expose for one variant; every convert_every-th
// exposure of a variant is followed by a POST /convert for it, giving each
// variant a deterministic conversion rate without a PRNG. Variants are
// assigned round-robin so exposures stay balanced.
//
// Usage example:
//
//	http-loadgen -base=http://127.0.0.1:5050 -datafile=d.json -feature=checkout \
//	    -variants=blue,green -convert_every=20,5 -n=5000 -c=16
//
// The example above drives a ~5% conversion rate for blue and ~20% for green,
// which is enough signal for a recalculation cycle to separate them.
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:5050", "Base URL including scheme and host")
		datafile = flag.String("datafile", "d.json", "Datafile path as served under /datafile/")
		feature  = flag.String("feature", "checkout", "Feature key of the experiment group")
		variants = flag.String("variants", "blue,green", "Comma-separated variant values")
		// convert_every[i] = K means variant i converts once per K exposures.
		// 0 disables conversions for that variant. A single value applies to all.
		convertS = flag.String("convert_every", "20", "Comma-separated conversion periods per variant (0 = never)")
		N        = flag.Int("n", 5000, "Total exposures to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		// Timeouts & transport tuning
		timeout    = flag.Duration("timeout", 60*time.Second, "Overall timeout for the loadgen run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdle    = flag.Int("max_idle", 256, "Max idle connections total")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	vals := strings.Split(*variants, ",")
	for i := range vals {
		vals[i] = strings.TrimSpace(vals[i])
	}
	if len(vals) == 0 || vals[0] == "" {
		fmt.Fprintln(os.Stderr, "-variants must name at least one variant")
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}

	periods, err := parsePeriods(*convertS, len(vals))
	if err != nil {
		fmt.Fprintf(os.Stderr, "bad -convert_every: %v\n", err)
		os.Exit(2)
	}

	baseURL := strings.TrimRight(*base, "/")
	exposeURL := baseURL + "/expose"
	convertURL := baseURL + "/convert"

	// Configure HTTP client with connection reuse
	tr := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConns:        *maxIdle,
		MaxIdleConnsPerHost: *maxIdlePer,
		IdleConnTimeout:     *connIdle,
	}
	client := &http.Client{Transport: tr, Timeout: 5 * time.Second}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	bodies := make([][]byte, len(vals))
	for i, v := range vals {
		body, err := json.Marshal(map[string]any{
			"datafile": *datafile,
			"features": map[string]string{*feature: v},
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "encode body: %v\n", err)
			os.Exit(1)
		}
		bodies[i] = body
	}

	start := time.Now()
	var sent, failed int64

	post := func(url string, body []byte) bool {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			// Brief backoff on errors to avoid hot spinning
			time.Sleep(200 * time.Microsecond)
			atomic.AddInt64(&failed, 1)
			return false
		}
		// Drain and close body to enable connection reuse
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= 400 {
			atomic.AddInt64(&failed, 1)
			return false
		}
		atomic.AddInt64(&sent, 1)
		return true
	}

	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			select {
			case <-ctx.Done():
				return
			default:
			}
			vi := (i + id) % len(vals)
			if !post(exposeURL, bodies[vi]) {
				continue
			}
			if k := periods[vi]; k > 0 && (i/len(vals))%k == 0 {
				post(convertURL, bodies[vi])
			}
		}
	}

	// Split N across conc workers
	per := *N / *conc
	rem := *N - per**conc
	var wg sync.WaitGroup
	wg.Add(*conc)
	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go func(id, n int) {
			defer wg.Done()
			worker(id, n)
		}(w, count)
	}
	wg.Wait()
	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(atomic.LoadInt64(&sent)) / elapsed.Seconds()
	fmt.Printf("LoadGen: variants=%d N=%d c=%d go=%d sent=%d failed=%d Duration=%s Throughput=%.0f req/s\n",
		len(vals), *N, *conc, runtime.GOMAXPROCS(0), sent, failed, elapsed.Truncate(time.Millisecond), ops)
}

// parsePeriods expands the -convert_every flag to one period per variant.
func parsePeriods(s string, variants int) ([]int, error) {
	parts := strings.Split(s, ",")
	periods := make([]int, 0, variants)
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%q is not a non-negative integer", p)
		}
		periods = append(periods, n)
	}
	if len(periods) == 1 {
		for len(periods) < variants {
			periods = append(periods, periods[0])
		}
	}
	if len(periods) != variants {
		return nil, fmt.Errorf("got %d periods for %d variants", len(periods), variants)
	}
	return periods, nil
}
