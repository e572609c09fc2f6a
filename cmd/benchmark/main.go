package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ruskaruma/stonedb/common/benchmark"
	"github.com/ruskaruma/stonedb/common/testutil"
	"github.com/ruskaruma/stonedb/storage"
)

func main() {
	quick := flag.Bool("quick", false, "Run quick benchmarks (shorter duration)")
	workload := flag.String("workload", "all", "Workload to run (all, write-heavy-uniform, read-heavy-zipfian, balanced-uniform, write-only-sequential)")
	duration := flag.Duration("duration", 60*time.Second, "Duration for each benchmark")
	concurrency := flag.Int("concurrency", 8, "Number of concurrent workers")
	mode := flag.String("mode", "single", "single (one cache size) or compare (several cache sizes)")
	cacheSize := flag.Int("cache-size", storage.DefaultCacheSize, "Page cache capacity for single mode")
	maxDiskMB := flag.Int64("max-disk-mb", 4096, "Refuse to run a comparison whose combined preload would exceed this much temp disk")
	flag.Parse()

	fmt.Println("StoneDB Benchmark Suite")
	fmt.Println("========================")
	fmt.Printf("Duration: %v\n", *duration)
	fmt.Printf("Concurrency: %d\n\n", *concurrency)

	var configs []benchmark.Config
	if *quick {
		configs = benchmark.QuickWorkloads()
	} else {
		configs = benchmark.StandardWorkloads()
	}

	if flag.Lookup("duration").Value.String() != flag.Lookup("duration").DefValue {
		for i := range configs {
			configs[i].Duration = *duration
		}
	}
	if flag.Lookup("concurrency").Value.String() != flag.Lookup("concurrency").DefValue {
		for i := range configs {
			configs[i].Concurrency = *concurrency
		}
	}

	if *workload != "all" {
		filtered := make([]benchmark.Config, 0)
		for _, config := range configs {
			if config.Name == *workload {
				filtered = append(filtered, config)
			}
		}
		if len(filtered) == 0 {
			fmt.Printf("Unknown workload: %s\n", *workload)
			os.Exit(1)
		}
		configs = filtered
	}

	switch *mode {
	case "single":
		runSingle(configs, *cacheSize)
	case "compare":
		runCacheSizeComparison(configs, *maxDiskMB)
	default:
		fmt.Printf("Unknown mode: %s (must be single or compare)\n", *mode)
		os.Exit(1)
	}
}

func openEngine(dir string, cacheSize int) (*storage.Engine, error) {
	return storage.Open(dir+"/bench.sdb", dir+"/bench.wal", storage.Options{
		CacheSize: cacheSize,
		Quiet:     true,
	})
}

func runSingle(configs []benchmark.Config, cacheSize int) {
	dir, err := os.MkdirTemp("", "stonedb-bench-*")
	if err != nil {
		fmt.Printf("Failed to create temp dir: %v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(dir)

	engine, err := openEngine(dir, cacheSize)
	if err != nil {
		fmt.Printf("Failed to open engine: %v\n", err)
		os.Exit(1)
	}
	defer engine.Close()

	results := make([]*benchmark.Result, 0, len(configs))
	for _, config := range configs {
		fmt.Printf("\n=== Running: %s ===\n", config.Name)
		bench := benchmark.NewBenchmark(engine, config)
		result, err := bench.Run()
		if err != nil {
			fmt.Printf("Benchmark failed: %v\n", err)
			continue
		}
		results = append(results, result)
		printResult(result)
	}
	printSummaryTable(results)
}

func runCacheSizeComparison(configs []benchmark.Config, maxDiskMB int64) {
	cacheSizes := map[string]int{
		"cache-64":   64,
		"cache-256":  256,
		"cache-1024": 1024,
	}

	// Each cache size gets its own preloaded engine; estimate the combined
	// preload footprint up front and refuse to run rather than silently
	// filling the machine's temp disk.
	limiter := testutil.NewResourceLimiter(maxDiskMB*1024*1024, 0)
	var estimatedBytes int64
	for _, c := range configs {
		estimatedBytes += int64(c.PreloadKeys) * int64(c.KeySize+c.ValueSize)
	}
	estimatedBytes *= int64(len(cacheSizes))
	if err := limiter.AllocDisk(estimatedBytes); err != nil {
		fmt.Printf("refusing to run: estimated preload of %d MB exceeds --max-disk-mb=%d (%v)\n",
			estimatedBytes/(1024*1024), maxDiskMB, err)
		os.Exit(1)
	}

	engines := make(map[string]benchmark.Engine, len(cacheSizes))
	for name, size := range cacheSizes {
		dir, err := os.MkdirTemp("", "stonedb-bench-*")
		if err != nil {
			fmt.Printf("Failed to create temp dir: %v\n", err)
			os.Exit(1)
		}
		defer os.RemoveAll(dir)

		engine, err := openEngine(dir, size)
		if err != nil {
			fmt.Printf("Failed to open engine %s: %v\n", name, err)
			os.Exit(1)
		}
		defer engine.Close()
		engines[name] = engine
	}

	suite := benchmark.NewComparisonSuite()
	suite.SetWorkloads(configs)
	results := suite.RunComparison(engines)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("COMPARISON RESULTS")
	fmt.Println(strings.Repeat("=", 80))
	suite.PrintComparisonTable(results)
}

func printResult(r *benchmark.Result) {
	fmt.Printf("\n--- Results ---\n")
	fmt.Printf("Throughput: %.0f ops/sec\n", r.OpsPerSec)
	fmt.Printf("Total Ops: %d (writes: %d, reads: %d)\n",
		r.TotalOps, r.WriteOps, r.ReadOps)

	if r.WriteOps > 0 {
		fmt.Printf("\nWrite Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.WriteLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.WriteLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.WriteLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.WriteLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.WriteLatency.P99)
		fmt.Printf("  P999: %8s\n", r.WriteLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.WriteLatency.Max)
	}

	if r.ReadOps > 0 {
		fmt.Printf("\nRead Latency:\n")
		fmt.Printf("  Min:  %8s\n", r.ReadLatency.Min)
		fmt.Printf("  Mean: %8s\n", r.ReadLatency.Mean)
		fmt.Printf("  P50:  %8s\n", r.ReadLatency.P50)
		fmt.Printf("  P95:  %8s\n", r.ReadLatency.P95)
		fmt.Printf("  P99:  %8s\n", r.ReadLatency.P99)
		fmt.Printf("  P999: %8s\n", r.ReadLatency.P999)
		fmt.Printf("  Max:  %8s\n", r.ReadLatency.Max)
	}

	fmt.Printf("\nCache hit ratio: %.1f%%\n", r.CacheHitRatio*100)
}

func printSummaryTable(results []*benchmark.Result) {
	if len(results) == 0 {
		return
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("BENCHMARK SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf("\n%-25s %12s %12s %12s %12s\n",
		"Workload", "Throughput", "Write P99", "Read P99", "Cache hit")
	fmt.Println(strings.Repeat("-", 80))

	for _, r := range results {
		writeP99 := "N/A"
		if r.WriteOps > 0 {
			writeP99 = r.WriteLatency.P99.String()
		}

		readP99 := "N/A"
		if r.ReadOps > 0 {
			readP99 = r.ReadLatency.P99.String()
		}

		fmt.Printf("%-25s %10.0f/s %12s %12s %10.1f%%\n",
			r.Config.Name,
			r.OpsPerSec,
			writeP99,
			readP99,
			r.CacheHitRatio*100)
	}
}
