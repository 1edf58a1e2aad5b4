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

// ratelog-loadgen is a tiny, dependency-free generator of syslog-ish
// lines for exercising cmd/ratelogd's stdin pipeline end to end:
//
//	ratelog-loadgen -mode=zipf -n=200000 -c=16 | ratelogd -output=file
//
// Modes:
//   - single: every line comes from one hostname (tests the global
//     token bucket and repeat compression in isolation).
//   - zipf: an 80/20-ish skew across hostnames (tests per-source LRU
//     eviction and the per-source sliding window under a hot/cold mix).
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type modeType string

const (
	modeSingle modeType = "single"
	modeZipf   modeType = "zipf"
)

func main() {
	var (
		modeS    = flag.String("mode", string(modeSingle), "Mode: single|zipf")
		hostname = flag.String("hostname", "host-a", "Hostname for single mode")
		hotHost  = flag.String("hot_host", "host-hot", "Hot hostname for zipf mode")
		coldN    = flag.Int("cold_hosts", 50, "Number of cold hostnames to round-robin in zipf mode")
		appName  = flag.String("app", "loadgen", "App name field on generated lines")
		N        = flag.Int("n", 5000, "Total lines to emit")
		conc     = flag.Int("c", 8, "Number of concurrent generator workers")
		hotEvery = flag.Int("hot_every", 5, "Zipf-like skew period (hot_every-1 of this period go to the hot host; minimum 2)")
		repeatP  = flag.Int("repeat_pct", 0, "Percentage of lines that repeat the previous body verbatim, to exercise repeat compression")
	)
	flag.Parse()

	m := modeType(strings.ToLower(*modeS))
	if m != modeSingle && m != modeZipf {
		fmt.Fprintf(os.Stderr, "unknown -mode=%s (want single|zipf)\n", *modeS)
		os.Exit(2)
	}
	if *N <= 0 || *conc <= 0 {
		fmt.Fprintln(os.Stderr, "-n and -c must be > 0")
		os.Exit(2)
	}
	if m == modeZipf {
		if *coldN <= 0 {
			fmt.Fprintln(os.Stderr, "-cold_hosts must be > 0 in zipf mode")
			os.Exit(2)
		}
		if *hotEvery < 2 {
			*hotEvery = 2
		}
	}

	lines := make(chan string, 1024)
	var wg sync.WaitGroup
	wg.Add(*conc)

	per := *N / *conc
	rem := *N - per**conc
	start := time.Now()
	var sent int64

	worker := func(id, count int) {
		defer wg.Done()
		lastBody := ""
		for i := 0; i < count; i++ {
			host := hostFor(m, id, i, *hostname, *hotHost, *coldN, *hotEvery)
			var body string
			if *repeatP > 0 && lastBody != "" && (i%100) < *repeatP {
				body = lastBody
			} else {
				body = fmt.Sprintf("event seq=%d worker=%d", i, id)
				lastBody = body
			}
			lines <- fmt.Sprintf("%s %s: %s", host, *appName, body)
		}
		atomic.AddInt64(&sent, int64(count))
	}

	for w := 0; w < *conc; w++ {
		count := per
		if w == *conc-1 {
			count += rem
		}
		go worker(w, count)
	}
	go func() {
		wg.Wait()
		close(lines)
	}()

	out := bufio.NewWriterSize(os.Stdout, 64<<10)
	defer out.Flush()
	for line := range lines {
		out.WriteString(line)
		out.WriteByte('\n')
	}

	elapsed := time.Since(start)
	if elapsed <= 0 {
		elapsed = time.Millisecond
	}
	ops := float64(atomic.LoadInt64(&sent)) / elapsed.Seconds()
	fmt.Fprintf(os.Stderr, "LoadGen: mode=%s N=%d sent=%d c=%d go=%d Duration=%s Throughput=%.0f lines/s\n",
		m, *N, atomic.LoadInt64(&sent), *conc, runtime.GOMAXPROCS(0), elapsed.Truncate(time.Millisecond), ops)
}

func hostFor(m modeType, id, i int, single, hot string, coldN, hotEvery int) string {
	if m == modeSingle {
		return single
	}
	if ((i + id) % hotEvery) != 0 {
		return hot
	}
	idx := ((i + id) % coldN) + 1
	return fmt.Sprintf("host-cold-%d", idx)
}
