package kv

import (
	"fmt"
	"sync"
	"time"

	"github.com/ValentinKolb/rKV/cmd/util"
	gometrics "github.com/rcrowley/go-metrics"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for rKV servers",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix   = "__test"
	perfNumOps      = 1000
	perfNumThreads  = 10
	perfValueSizeKB = 1
)

func init() {
	// add flags
	key := "ops"
	perfTestCmd.Flags().Int(key, 1000, util.WrapString("Number of operations per benchmark"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of concurrent workers"))
	key = "value-size"
	perfTestCmd.Flags().Int(key, 1, util.WrapString("Value size in KB"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	perfNumOps = viper.GetInt("ops")
	perfNumThreads = viper.GetInt("threads")
	perfValueSizeKB = viper.GetInt("value-size")

	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	fmt.Println("Performance testing tool for rKV servers")
	fmt.Printf("Server:  %s\n", util.GetRemoteAddr())
	fmt.Printf("Ops:     %d\n", perfNumOps)
	fmt.Printf("Threads: %d\n", perfNumThreads)
	fmt.Printf("Value:   %d KB\n", perfValueSizeKB)
	fmt.Println()

	value := make([]byte, perfValueSizeKB*1024)

	writeTimer := gometrics.NewTimer()
	if err := runOps("write", writeTimer, func(i int) error {
		_, err := drv.Write(fmt.Sprintf("%s-%d", perfKeyPrefix, i), value).Await()
		return err
	}); err != nil {
		return err
	}

	readTimer := gometrics.NewTimer()
	if err := runOps("read", readTimer, func(i int) error {
		_, err := drv.Read(fmt.Sprintf("%s-%d", perfKeyPrefix, i)).Await()
		return err
	}); err != nil {
		return err
	}

	return nil
}

// runOps drives one benchmark with the configured worker count and prints
// the timer's statistics.
func runOps(name string, timer gometrics.Timer, op func(i int) error) error {
	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		firstE  error
	)

	opCh := make(chan int)
	for t := 0; t < perfNumThreads; t++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range opCh {
				start := time.Now()
				if err := op(i); err != nil {
					errOnce.Do(func() { firstE = err })
					continue
				}
				timer.UpdateSince(start)
			}
		}()
	}

	benchStart := time.Now()
	for i := 0; i < perfNumOps; i++ {
		opCh <- i
	}
	close(opCh)
	wg.Wait()

	if firstE != nil {
		return fmt.Errorf("(%s) benchmark failed: %w", name, firstE)
	}

	elapsed := time.Since(benchStart)
	ps := timer.Percentiles([]float64{0.5, 0.95, 0.99})
	fmt.Printf("%-8s %8.2f ops/sec  mean=%s  p50=%s  p95=%s  p99=%s\n",
		name,
		float64(perfNumOps)/elapsed.Seconds(),
		time.Duration(int64(timer.Mean())),
		time.Duration(int64(ps[0])),
		time.Duration(int64(ps[1])),
		time.Duration(int64(ps[2])),
	)
	return nil
}
