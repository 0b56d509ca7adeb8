// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// heartbeat-loadgen posts heartbeat batches to a running beatetl service.
//
//   - Generates -users distinct user ids; in zipf mode most batches go to a
//     single hot user, the rest round-robin over the cold ones.
//   - Each batch carries -beats heartbeats over a small set of paths and
//     domains, with monotonically increasing event times per user.
//   - Prints a one-line summary with status counts and throughput.
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"beatetl/internal/etl/heartbeat"
)

type modeType string

const (
	modeUniform modeType = "uniform"
	modeZipf    modeType = "zipf"
)

var (
	paths   = []string{"/docs/go/intro", "/docs/go/tour", "/blog/2024", "/pricing", "/docs/api"}
	domains = []string{"go.dev", "blog.example.com", "docs.example.com"}
	agents  = []string{"firefox/126", "chrome/125"}
)

func main() {
	var (
		base     = flag.String("base", "http://127.0.0.1:8080", "Base URL including scheme and host")
		modeS    = flag.String("mode", string(modeUniform), "Mode: uniform|zipf")
		users    = flag.Int("users", 50, "Number of distinct users")
		beats    = flag.Int("beats", 4, "Heartbeats per batch")
		N        = flag.Int("n", 5000, "Total batches to send")
		conc     = flag.Int("c", 8, "Number of concurrent workers")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (this-1 of every this batches go to the hot user; minimum 2)")
		flushEnd = flag.Bool("flush", false, "POST /v1/flush after the run")

		timeout    = flag.Duration("timeout", 30*time.Second, "Overall timeout for the run")
		connIdle   = flag.Duration("idle_timeout", 30*time.Second, "HTTP idle connection timeout")
		maxIdlePer = flag.Int("max_idle_per_host", 256, "Max idle connections per host")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeUniform && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want uniform|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 || *users <= 0 || *beats <= 0 {
		fmt.Fprintln(os.Stderr, "-n, -c, -users and -beats must be > 0")
		os.Exit(2)
	}
	if *hotEvery < 2 {
		*hotEvery = 2
	}

	ids := make([]uuid.UUID, *users)
	clocks := make([]atomic.Int64, *users)
	start := time.Now()
	for i := range ids {
		ids[i] = uuid.New()
		clocks[i].Store(start.UnixMilli())
	}

	endpoint := strings.TrimRight(*base, "/") + "/v1/heartbeats"
	client := &http.Client{
		Transport: &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConnsPerHost: *maxIdlePer,
			IdleConnTimeout:     *connIdle,
		},
		Timeout: 5 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var accepted, rejected, failed atomic.Int64
	worker := func(id, count int) {
		for i := 0; i < count; i++ {
			if ctx.Err() != nil {
				return
			}
			u := (i + id) % *users
			if m == modeZipf && (i+id)%*hotEvery != 0 {
				u = 0
			}
			body, err := heartbeat.Encode(makeBatch(ids[u], &clocks[u], *beats, i+id))
			if err != nil {
				failed.Add(1)
				continue
			}
			req, _ := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
			req.Header.Set("Content-Type", "application/json")
			resp, err := client.Do(req)
			if err != nil {
				failed.Add(1)
				// Brief backoff on errors to avoid hot spinning
				time.Sleep(200 * time.Microsecond)
				continue
			}
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusAccepted {
				accepted.Add(1)
			} else {
				rejected.Add(1)
			}
		}
	}

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

	if *flushEnd {
		req, _ := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(*base, "/")+"/v1/flush", nil)
		if resp, err := client.Do(req); err == nil {
			out, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			fmt.Printf("Flush: %s", out)
		} else {
			fmt.Fprintf(os.Stderr, "flush failed: %v\n", err)
		}
	}

	ops := float64(*N) / elapsed.Seconds()
	fmt.Printf("LoadGen: mode=%s N=%d c=%d users=%d beats=%d go=%d accepted=%d rejected=%d failed=%d Duration=%s Throughput=%.0f batches/s\n",
		m, *N, *conc, *users, *beats, runtime.GOMAXPROCS(0), accepted.Load(), rejected.Load(), failed.Load(),
		elapsed.Truncate(time.Millisecond), ops)
}

// makeBatch builds n heartbeats for user. Event times advance one second per
// heartbeat on the user's own clock.
func makeBatch(user uuid.UUID, clock *atomic.Int64, n, seed int) heartbeat.Batch {
	b := heartbeat.Batch{TraceID: uuid.New(), UserID: user, List: make([]heartbeat.Heartbeat, n)}
	now := time.Now().UTC()
	for j := range b.List {
		ms := clock.Add(1000)
		b.List[j] = heartbeat.Heartbeat{
			Path:      paths[(seed+j)%len(paths)],
			Domain:    heartbeat.String(domains[(seed/2+j/2)%len(domains)]),
			UserAgent: heartbeat.String(agents[seed%len(agents)]),
			Time:      time.UnixMilli(ms).UTC(),
			CreatedAt: now,
		}
	}
	return b
}
