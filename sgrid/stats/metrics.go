package stats

import (
	"net/http"
	"strconv"
	"time"

	"github.com/golang/glog"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"
)

const Namespace = "ShardGrid"

var (
	Gather = prometheus.NewRegistry()

	ECSubReadsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "sub_reads_sent",
			Help:      "Counter of EC sub-read messages sent to peer shards.",
		}, []string{"recovery"})

	ECReadErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "read_errors",
			Help:      "Counter of per-shard sub-read failures.",
		})

	ECDecodeErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "decode_errors",
			Help:      "Counter of codec decode failures.",
		})

	ECReadRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "read_retries",
			Help:      "Counter of re-planned reads after shard failures.",
		})

	ECSubWritesSent = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "sub_writes_sent",
			Help:      "Counter of EC sub-write messages sent to peer shards.",
		})

	ECRMWQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "rmw_queue_depth",
			Help:      "Ops resident in each RMW pipeline queue.",
		}, []string{"queue"})

	ECCacheBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "cache_bytes",
			Help:      "Bytes resident in the extent cache.",
		})

	ECCacheEvictions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "cache_evictions",
			Help:      "Counter of extent cache line evictions.",
		})

	ECCachePinnedLines = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "cache_pinned_lines",
			Help:      "Extent cache lines currently pinned by writes.",
		})

	ECCommittedTo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: Namespace,
			Subsystem: "ec",
			Name:      "committed_to",
			Help:      "Max op version committed by the RMW pipeline.",
		})
)

func init() {
	Gather.MustRegister(
		collectors.NewGoCollector(),
		ECSubReadsSent,
		ECReadErrors,
		ECDecodeErrors,
		ECReadRetries,
		ECSubWritesSent,
		ECRMWQueueDepth,
		ECCacheBytes,
		ECCacheEvictions,
		ECCachePinnedLines,
		ECCommittedTo,
	)
}

// StartMetricsServer serves the registry on the given port. Port 0 disables.
func StartMetricsServer(port int) {
	if port == 0 {
		return
	}
	http.Handle("/metrics", promhttp.HandlerFor(Gather, promhttp.HandlerOpts{}))
	glog.Fatalf("metrics server: %v", http.ListenAndServe(":"+strconv.Itoa(port), nil))
}

// LoopPushingMetric pushes the registry to a push gateway on an interval.
func LoopPushingMetric(name, instance, addr string, intervalSeconds int) {
	if addr == "" || intervalSeconds == 0 {
		return
	}
	glog.V(0).Infof("pushing metrics to %s every %d seconds", addr, intervalSeconds)
	pusher := push.New(addr, name).Gatherer(Gather).Grouping("instance", instance)
	for {
		if err := pusher.Push(); err != nil {
			glog.V(0).Infof("could not push metrics to %s: %v", addr, err)
		}
		time.Sleep(time.Duration(intervalSeconds) * time.Second)
	}
}
