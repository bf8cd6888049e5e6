// Copyright (c) HashiCorp, Inc
// SPDX-License-Identifier: MPL-2.0

// Command loadtest drives a synthetic write workload against a
// namespace and reports commit-latency percentiles, using the same
// load-generation and histogram tooling the teacher repo's go.mod
// already pulled in for this purpose.
package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"os"
	"time"

	"github.com/benmathews/bench"
	hdrwriter "github.com/benmathews/hdrhistogram-writer"

	pwal "github.com/pagewal/wal"
	"github.com/pagewal/wal/config"
	"github.com/pagewal/wal/segment"
)

func main() {
	dir := flag.String("dir", "", "WAL root directory (temp dir if empty)")
	namespace := flag.String("namespace", "loadtest", "namespace to write to")
	rate := flag.Uint64("rate", 500, "target commits per second")
	conns := flag.Int("connections", 4, "number of concurrent writer connections")
	duration := flag.Duration("duration", 10*time.Second, "how long to run")
	pagesPerTxn := flag.Int("pages", 4, "pages written per transaction")
	histOut := flag.String("hist-file", "", "optional path to write an HdrHistogram percentile distribution to")
	flag.Parse()

	root := *dir
	if root == "" {
		tmp, err := os.MkdirTemp("", "wal-loadtest-*")
		if err != nil {
			log.Fatalf("mkdtemp: %v", err)
		}
		root = tmp
		defer os.RemoveAll(tmp)
	}

	reg, err := pwal.OpenRegistryIn(root, config.WithRotateFrames(2000))
	if err != nil {
		log.Fatalf("open registry: %v", err)
	}
	defer reg.Shutdown()

	w, err := reg.Open(*namespace)
	if err != nil {
		log.Fatalf("open namespace: %v", err)
	}

	factory := &commitRequesterFactory{wal: w, pagesPerTxn: *pagesPerTxn}

	b := bench.Benchmark{
		RequesterFactory:           factory,
		RequestRate:                bench.RateInt(*rate),
		Connections:                uint64(*conns),
		Duration:                   *duration,
		ReportingBlockDuration:     time.Second,
		SuccessfulWaitRequestRatio: 1.0,
	}

	summary, err := b.Run()
	if err != nil {
		log.Fatalf("run: %v", err)
	}
	summary.Print(os.Stdout)

	if *histOut != "" {
		hist := summary.Histogram()
		f, err := os.Create(*histOut)
		if err != nil {
			log.Fatalf("create histogram file: %v", err)
		}
		defer f.Close()
		if err := hdrwriter.WriteDistributionFile(hist, nil, 1.0, *histOut); err != nil {
			log.Fatalf("write histogram: %v", err)
		}
	}
}

// commitRequesterFactory builds one commitRequester per connection,
// each of which performs a full begin-read/upgrade/insert/commit cycle
// per Request call.
type commitRequesterFactory struct {
	wal         *pwal.SharedWal
	pagesPerTxn int
}

func (f *commitRequesterFactory) GetRequester(workerNum uint64) bench.Requester {
	return &commitRequester{
		wal:         f.wal,
		connID:      f.wal.NextConnID(),
		pagesPerTxn: f.pagesPerTxn,
		nextPageNo:  uint32(workerNum)*1_000_000 + 1,
	}
}

type commitRequester struct {
	wal         *pwal.SharedWal
	connID      uint64
	pagesPerTxn int
	nextPageNo  uint32
}

func (r *commitRequester) Setup() error { return nil }

func (r *commitRequester) Request() (bench.RequestStats, error) {
	start := time.Now()

	rt := r.wal.BeginRead(r.connID)
	defer rt.Close()

	wt, err := r.wal.Upgrade(context.Background(), rt)
	if err != nil {
		return bench.RequestStats{}, err
	}

	pages := make([]segment.Page, r.pagesPerTxn)
	for i := range pages {
		data := make([]byte, segment.PageSize)
		rand.Read(data[:16])
		pages[i] = segment.Page{PageNo: r.nextPageNo, Data: data}
		r.nextPageNo++
	}

	if err := r.wal.InsertFrames(wt, pages, rt.DBSize+uint32(len(pages))); err != nil {
		r.wal.Rollback(wt)
		return bench.RequestStats{}, err
	}
	if err := r.wal.Commit(wt); err != nil {
		return bench.RequestStats{}, err
	}

	return bench.RequestStats{Latency: time.Since(start)}, nil
}

func (r *commitRequester) Teardown() error { return nil }
