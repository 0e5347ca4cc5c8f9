package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	gnet "github.com/shirou/gopsutil/v3/net"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

type channelStat struct {
	messages int64
	bytes    int64
}

var (
	warnCount      int64
	errorCount     int64
	marketEvents   int64
	userEvents     int64
	ordersPlaced   int64
	fillsApplied   int64
	riskViolations int64
	reconnects     int64
	journalWrites  int64
	channels       sync.Map // map[string]*channelStat
)

func recordWarn(component string) {
	_ = component
	atomic.AddInt64(&warnCount, 1)
}

func recordError(component string) {
	_ = component
	atomic.AddInt64(&errorCount, 1)
}

// IncrementMarketEvent counts one normalized market-data event of the given
// payload size entering the flow manager.
func IncrementMarketEvent(size int) {
	atomic.AddInt64(&marketEvents, 1)
	recordChannel("market_data", size)
}

// IncrementUserEvent counts one normalized user-data event.
func IncrementUserEvent(size int) {
	atomic.AddInt64(&userEvents, 1)
	recordChannel("user_data", size)
}

// IncrementOrderPlaced counts one order submitted to an exchange.
func IncrementOrderPlaced() {
	atomic.AddInt64(&ordersPlaced, 1)
}

// IncrementFillApplied counts one fill applied to the position book.
func IncrementFillApplied() {
	atomic.AddInt64(&fillsApplied, 1)
}

// IncrementRiskViolation counts one raised risk violation.
func IncrementRiskViolation() {
	atomic.AddInt64(&riskViolations, 1)
}

// IncrementReconnect counts one connector reconnect cycle.
func IncrementReconnect() {
	atomic.AddInt64(&reconnects, 1)
}

// IncrementJournalWrite counts one journal batch of the given size.
func IncrementJournalWrite(size int64) {
	atomic.AddInt64(&journalWrites, 1)
	recordChannel("journal_write", int(size))
}

// RecordChannelMessage tracks message and byte counts for a named channel.
func RecordChannelMessage(name string, size int) {
	recordChannel(name, size)
}

func recordChannel(name string, size int) {
	v, _ := channels.LoadOrStore(name, &channelStat{})
	cs := v.(*channelStat)
	atomic.AddInt64(&cs.messages, 1)
	atomic.AddInt64(&cs.bytes, int64(size))
}

// StartReport begins periodic logging of runtime and trading statistics and
// publishes them to CloudWatch when the client is configured.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		for {
			select {
			case <-ctx.Done():
				ticker.Stop()
				return
			case <-ticker.C:
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	memStats, _ := mem.VirtualMemory()
	netStats, _ := gnet.IOCounters(false)

	channelData := map[string]map[string]int64{}
	channels.Range(func(k, v any) bool {
		name := k.(string)
		cs := v.(*channelStat)
		channelData[name] = map[string]int64{
			"messages": atomic.LoadInt64(&cs.messages),
			"bytes":    atomic.LoadInt64(&cs.bytes),
		}
		return true
	})

	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}

	bytesSent := uint64(0)
	bytesRecv := uint64(0)
	if len(netStats) > 0 {
		bytesSent = netStats[0].BytesSent
		bytesRecv = netStats[0].BytesRecv
	}

	memMB := int64(0)
	if memStats != nil {
		memMB = int64(memStats.Used) / 1024 / 1024
	}

	fields := Fields{
		"warns":           atomic.LoadInt64(&warnCount),
		"errors":          atomic.LoadInt64(&errorCount),
		"market_events":   atomic.LoadInt64(&marketEvents),
		"user_events":     atomic.LoadInt64(&userEvents),
		"orders_placed":   atomic.LoadInt64(&ordersPlaced),
		"fills_applied":   atomic.LoadInt64(&fillsApplied),
		"risk_violations": atomic.LoadInt64(&riskViolations),
		"reconnects":      atomic.LoadInt64(&reconnects),
		"journal_writes":  atomic.LoadInt64(&journalWrites),
		"goroutines":      runtime.NumGoroutine(),
		"cpu_percent":     cpuPct,
		"memory_mb":       memMB,
		"channels":        channelData,
		"net_bytes_sent":  int64(bytesSent),
		"net_bytes_recv":  int64(bytesRecv),
	}

	log.WithComponent("report").WithFields(fields).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(float64(memMB))},
		{MetricName: aws.String("Warns"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&warnCount)))},
		{MetricName: aws.String("Errors"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&errorCount)))},
		{MetricName: aws.String("MarketEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&marketEvents)))},
		{MetricName: aws.String("UserEvents"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&userEvents)))},
		{MetricName: aws.String("OrdersPlaced"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&ordersPlaced)))},
		{MetricName: aws.String("FillsApplied"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&fillsApplied)))},
		{MetricName: aws.String("RiskViolations"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&riskViolations)))},
		{MetricName: aws.String("Reconnects"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&reconnects)))},
		{MetricName: aws.String("JournalWrites"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(atomic.LoadInt64(&journalWrites)))},
		{MetricName: aws.String("NetBytesSent"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesSent))},
		{MetricName: aws.String("NetBytesRecv"), Unit: cwtypes.StandardUnitBytes, Value: aws.Float64(float64(bytesRecv))},
	}

	for name, stats := range channelData {
		data = append(data,
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelMessages"),
				Unit:       cwtypes.StandardUnitCount,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["messages"])),
			},
			cwtypes.MetricDatum{
				MetricName: aws.String("ChannelBytes"),
				Unit:       cwtypes.StandardUnitBytes,
				Dimensions: []cwtypes.Dimension{{Name: aws.String("Channel"), Value: aws.String(name)}},
				Value:      aws.Float64(float64(stats["bytes"])),
			},
		)
	}

	publishMetrics(ctx, data)
}
