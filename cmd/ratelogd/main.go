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

// Package main wires the rate-limit engine, the bounded queue, the
// action runtime and an output module into a runnable daemon. It reads
// newline-delimited syslog-ish lines from stdin (a minimal stand-in for
// a real input driver, which is out of scope per SPEC_FULL.md's
// non-goals) and demonstrates the full pipeline: dynstats/percentile
// observation -> rate-limit classify -> queue -> action -> output.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"ratelogd/internal/action"
	"ratelogd/internal/dynstats"
	"ratelogd/internal/message"
	"ratelogd/internal/outputs"
	"ratelogd/internal/perctile"
	"ratelogd/internal/procctx"
	"ratelogd/internal/queue"
	"ratelogd/internal/ratelimit"
	"ratelogd/internal/ratelimiter/persistence"
	"ratelogd/internal/rserr"
	"ratelogd/internal/stats"
	"ratelogd/internal/telemetry"
)

func main() {
	// Policy flags: either an inline global policy, or YAML files that
	// can be reparsed on SIGHUP.
	policyGlobalPath := flag.String("policy-global", "", "path to the global rate-limit policy YAML file (§6); reparsed on SIGHUP")
	policyPerSourcePath := flag.String("policy-per-source", "", "path to the per-source policy YAML file (§6); reparsed on SIGHUP")
	interval := flag.Uint("interval", 0, "global token-bucket interval in seconds, used when -policy-global is unset (0 = unlimited)")
	burst := flag.Uint("burst", 0, "global token-bucket burst size, used when -policy-global is unset")
	severity := flag.Uint("severity", 7, "only messages at/below this severity are rate-limited, used when -policy-global is unset")
	reduceRepeats := flag.Bool("reduce-repeats", true, "enable repeat-message compression (§4.2)")

	queueType := flag.String("queue-type", "linked", "queue container: direct|fixed|linked|disk")
	queueWorkers := flag.Int("queue-workers", 4, "action worker goroutines draining the queue")
	queueMaxSize := flag.Int("queue-max-size", 100000, "queue hard capacity (fixed/linked/disk); 0 disables the check")
	queueDiscardMark := flag.Int("queue-discard-mark", 0, "depth above which messages below -queue-discard-severity are dropped; 0 disables")
	queueDiscardSeverity := flag.Uint("queue-discard-severity", 7, "severity threshold for -queue-discard-mark (messages numerically greater, i.e. lower priority, are dropped)")
	queueLightDelayMark := flag.Int("queue-light-delay-mark", 0, "depth above which LightDelay-flow callers block; 0 disables")
	queueFullDelayMark := flag.Int("queue-full-delay-mark", 0, "depth above which FullDelay-flow callers block; 0 disables")
	queueDequeueBatch := flag.Int("queue-dequeue-batch", 32, "messages pulled per consumer invocation")
	queueStateDir := flag.String("queue-state-dir", "", "disk-assist spillover directory; required if -queue-type=disk or queue-high-wtr-mark>0")
	queueHighWtrMark := flag.Int("queue-high-wtr-mark", 0, "depth at which disk-assist spillover activates; 0 disables")
	queueLowWtrMark := flag.Int("queue-low-wtr-mark", 0, "depth below which disk-assist spillover deactivates")
	queueSaveOnShutdown := flag.Bool("queue-save-on-shutdown", true, "spill undrained messages to disk-assist on SIGTERM instead of dropping them")

	outputKind := flag.String("output", "mock", "output module: mock|file|redis|kafka")
	outputFile := flag.String("output-file", "ratelogd-output.jsonl", "path used when -output=file")
	redisAddr := flag.String("redis-addr", "127.0.0.1:6379", "address used when -output=redis")
	redisMarkerTTL := flag.Duration("redis-marker-ttl", time.Hour, "commit-marker TTL used when -output=redis")
	kafkaTopic := flag.String("kafka-topic", "ratelogd", "topic used when -output=kafka (ships with a logging stand-in producer; see DESIGN.md)")

	resumeIntervalMin := flag.Duration("resume-interval-min", time.Second, "action suspension backoff floor (§4.3)")
	resumeIntervalMax := flag.Duration("resume-interval-max", 2*time.Minute, "action suspension backoff ceiling")
	resumeRetryCount := flag.Int("resume-retry-count", -1, "consecutive failed resumes before an action moves SUSP -> DIED; -1 retries forever")

	dynstatsStateDir := flag.String("dynstats-state-dir", "", "if set, persists the per-hostname dynstats bucket here (§6) and reloads it at startup")
	percentiles := flag.String("percentiles", "50,90,99", "comma-separated percentiles observed against message body size")

	oversizeMaxBytes := flag.Int("max-msg-size", 8192, "messages whose raw body exceeds this are logged to -oversize-log and dropped")
	oversizeLogPath := flag.String("oversize-log", "", "if set, oversize messages are appended here as one line each; reopened on SIGHUP")

	metricsAddr := flag.String("metrics-addr", "", "if non-empty, serve Prometheus /metrics here (e.g. :9090)")
	consoleInterval := flag.Duration("console-interval", 0, "if > 0, print a stats snapshot to stdout on this interval")

	debug := flag.Bool("debug", false, "enable debug logging")
	abortOnUncleanConfig := flag.Bool("abort-on-unclean-config", false, "abort startup on a policy/config parse error instead of disabling the offending object")
	abortOnFailedQueueStartup := flag.Bool("abort-on-failed-queue-startup", false, "abort startup if the queue fails to construct")
	disableCtlCShutdown := flag.Bool("disable-ctlc-shutdown", false, "ignore SIGINT instead of running the shutdown sequence (§7's shutdown.enable.ctlc)")
	flag.Parse()

	ctx := procctx.New()
	ctx.SetDebug(*debug)
	ctx.SetAbortOnUncleanConfig(*abortOnUncleanConfig)
	ctx.SetAbortOnFailedQueueStartup(*abortOnFailedQueueStartup)
	ctx.SetShutdownEnableCtlC(!*disableCtlCShutdown)

	logLevel := zerolog.InfoLevel
	if ctx.Debug() {
		logLevel = zerolog.DebugLevel
	}
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}).
		Level(logLevel).With().Timestamp().Logger()

	reg := stats.NewRegistry()

	policyReg := ratelimit.NewRegistry()
	var policy *ratelimit.SharedPolicy
	var err error
	if *policyGlobalPath != "" {
		policy, err = policyReg.NewFromConfig("default", *policyGlobalPath, *policyPerSourcePath)
		if err != nil {
			logger.Error().Err(err).Msg("failed to load rate-limit policy")
			if ctx.AbortOnUncleanConfig() {
				os.Exit(1)
			}
			policy = policyReg.AddConfig("default", *interval, *burst, *severity)
		}
	} else {
		policy = policyReg.AddConfig("default", *interval, *burst, *severity)
	}
	ratelimit.SetReduceRepeated(*reduceRepeats)
	ratelimit.SetStatusSink(func(format string, args ...any) {
		logger.Warn().Msg(fmt.Sprintf(format, args...))
	})

	var perSource *ratelimit.PerSourceTable
	if psc := policy.PerSource(); psc != nil {
		perSource = ratelimit.NewPerSourceTable(psc, reg)
	}

	instance := ratelimit.New(policy, true, reg)

	hostBucket := dynstats.New("sources", dynstats.Options{
		MaxCardinality: 1 << 16,
		StateDir:       *dynstatsStateDir,
	}, reg)
	var dynstatsWriter *dynstats.Writer
	if *dynstatsStateDir != "" {
		if values, err := dynstats.LoadState(*dynstatsStateDir, "sources"); err != nil {
			logger.Warn().Err(err).Msg("failed to load dynstats state")
		} else if values != nil {
			hostBucket.LoadInitial(values)
		}
		dynstatsWriter = dynstats.NewWriter(*dynstatsStateDir)
		dynstatsWriter.Attach(hostBucket)
	}

	sizeBucket := perctile.New("message_size", perctile.Options{
		Percentiles: parsePercentiles(*percentiles),
		WindowSize:  256,
	}, reg)

	var oversizeMu sync.Mutex
	var oversizeFile *os.File
	reopenOversizeLog := func() {
		oversizeMu.Lock()
		defer oversizeMu.Unlock()
		if oversizeFile != nil {
			_ = oversizeFile.Close()
			oversizeFile = nil
		}
		if *oversizeLogPath == "" {
			return
		}
		f, err := os.OpenFile(*oversizeLogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Error().Err(err).Str("path", *oversizeLogPath).Msg("failed to open oversize-message log")
			return
		}
		oversizeFile = f
	}
	reopenOversizeLog()
	logOversize := func(m *message.Message) {
		oversizeMu.Lock()
		defer oversizeMu.Unlock()
		if oversizeFile == nil {
			return
		}
		fmt.Fprintf(oversizeFile, "%s %s: %d bytes dropped (max %d)\n",
			time.Now().Format(time.RFC3339), m.Hostname(), len(m.Raw()), *oversizeMaxBytes)
	}

	module := buildOutputModule(*outputKind, outputModuleConfig{
		file:       *outputFile,
		redisAddr:  *redisAddr,
		redisTTL:   *redisMarkerTTL,
		kafkaTopic: *kafkaTopic,
	}, &logger)

	act := action.New("output", module, *queueWorkers, action.Config{
		ResumeIntervalMin: *resumeIntervalMin,
		ResumeIntervalMax: *resumeIntervalMax,
		ResumeRetryCount:  *resumeRetryCount,
	})

	qCfg := queue.Config{
		Type:             parseQueueType(*queueType),
		Workers:          *queueWorkers,
		DequeueBatchSize: *queueDequeueBatch,
		MaxSize:          *queueMaxSize,
		DiscardMark:      *queueDiscardMark,
		DiscardSeverity:  message.Severity(*queueDiscardSeverity),
		LightDelayMark:   *queueLightDelayMark,
		FullDelayMark:    *queueFullDelayMark,
		HighWtrMark:      *queueHighWtrMark,
		LowWtrMark:       *queueLowWtrMark,
		StateDir:         *queueStateDir,
		FilePrefix:       "ratelogd",
		MaxFileSize:      64 << 20,
		ToQShutdown:      5 * time.Second,
		ToActShutdown:    2 * time.Second,
		SaveOnShutdown:   *queueSaveOnShutdown,
	}
	q, err := queue.New("main", qCfg, act.Consumer(), reg)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start queue")
		if ctx.AbortOnFailedQueueStartup() {
			os.Exit(1)
		}
		return
	}

	if *metricsAddr != "" {
		srv := telemetry.ServeMetrics(*metricsAddr, reg)
		go func() {
			logger.Info().Str("addr", *metricsAddr).Msg("serving prometheus metrics")
			if err := srv.ListenAndServe(); err != nil {
				logger.Debug().Err(err).Msg("metrics server stopped")
			}
		}()
		defer srv.Close()
	}
	var console *telemetry.ConsoleExporter
	if *consoleInterval > 0 {
		console = telemetry.NewConsoleExporter(reg, *consoleInterval)
		console.Start()
	}

	done := make(chan struct{})
	go runStdinPipeline(os.Stdin, instance, perSource, hostBucket, sizeBucket, q, *oversizeMaxBytes, logOversize, &logger, done)

	sighup := make(chan os.Signal, 1)
	sigterm := make(chan os.Signal, 1)
	sigint := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	signal.Notify(sigterm, syscall.SIGTERM)
	signal.Notify(sigint, syscall.SIGINT)

	for {
		select {
		case <-sighup:
			logger.Info().Msg("SIGHUP: reopening oversize log, reloading policies")
			reopenOversizeLog()
			for _, err := range policyReg.DoHUP() {
				logger.Warn().Err(err).Msg("policy reload error")
			}
			act.DoHUP()
		case <-sigterm:
			shutdown(q, act, dynstatsWriter, hostBucket, console, &logger)
			return
		case <-sigint:
			if !ctx.ShutdownEnableCtlC() {
				continue
			}
			shutdown(q, act, dynstatsWriter, hostBucket, console, &logger)
			return
		case <-done:
			shutdown(q, act, dynstatsWriter, hostBucket, console, &logger)
			return
		}
	}
}

func shutdown(q *queue.Queue, act *action.Action, w *dynstats.Writer, hostBucket *dynstats.Bucket, console *telemetry.ConsoleExporter, logger *zerolog.Logger) {
	logger.Info().Msg("shutting down")
	lost := q.Shutdown()
	if lost > 0 {
		logger.Warn().Int("lost", lost).Msg("messages lost on shutdown")
	}
	act.Destruct()
	if w != nil {
		if err := w.FlushNow(hostBucket); err != nil {
			logger.Warn().Err(err).Msg("failed to persist dynstats state")
		}
		w.Close()
	}
	if console != nil {
		console.Stop()
	}
}

type outputModuleConfig struct {
	file       string
	redisAddr  string
	redisTTL   time.Duration
	kafkaTopic string
}

// buildOutputModule selects the concrete action.Module per -output.
// Postgres is deliberately not offered here: outputs.NewPostgresModule
// takes a caller-supplied *sql.DB, and no SQL driver is a dependency of
// this module (see DESIGN.md) — embedders link one and call it
// directly. Every module's own DestructInstance (invoked by
// action.Action.Destruct on shutdown) closes its underlying resource,
// so main does not need a separate close hook here.
func buildOutputModule(kind string, cfg outputModuleConfig, logger *zerolog.Logger) action.Module {
	switch kind {
	case "file":
		mod, err := outputs.NewFileModule(cfg.file)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.file).Msg("failed to open output file")
		}
		return mod
	case "redis":
		return outputs.NewRedisModule(cfg.redisAddr, cfg.redisTTL)
	case "kafka":
		return outputs.NewKafkaModule(persistence.LoggingKafkaProducer{}, cfg.kafkaTopic)
	case "mock":
		fallthrough
	default:
		return outputs.NewMockModule()
	}
}

func parseQueueType(s string) queue.Type {
	switch s {
	case "direct":
		return queue.Direct
	case "fixed":
		return queue.FixedArray
	case "disk":
		return queue.Disk
	default:
		return queue.LinkedList
	}
}

func parsePercentiles(s string) []int {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if v, err := strconv.Atoi(part); err == nil {
			out = append(out, v)
		}
	}
	return out
}

// runStdinPipeline reads newline-delimited input and drives each line
// through dynstats/percentile observation, rate-limit classification,
// and the queue. One line is one message; a line of the form
// "<hostname> <appname>: <body>" is parsed into those fields, anything
// else becomes an unattributed message from "stdin". This is the
// illustrative input driver SPEC_FULL.md's non-goals call out: a real
// network listener is out of scope.
func runStdinPipeline(
	r *os.File,
	instance *ratelimit.Instance,
	perSource *ratelimit.PerSourceTable,
	hostBucket *dynstats.Bucket,
	sizeBucket *perctile.Bucket,
	q *queue.Queue,
	maxMsgSize int,
	logOversize func(*message.Message),
	logger *zerolog.Logger,
	done chan<- struct{},
) {
	defer close(done)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		m := parseLine(scanner.Bytes())
		if maxMsgSize > 0 && len(m.Raw()) > maxMsgSize {
			logOversize(m)
			continue
		}

		hostBucket.Inc(m.Hostname())
		sizeBucket.Observe(m.Hostname(), int64(len(m.Raw())))

		if perSource != nil {
			key := perSource.Key(m)
			if admitted, _ := perSource.Admit(key, time.Now()); !admitted {
				continue
			}
		}

		repeatSummary, code := instance.Msg(m)
		if code != rserr.OK {
			continue
		}
		if repeatSummary != nil {
			_ = q.Enqueue(repeatSummary, queue.Regular)
		}
		_ = q.Enqueue(m, queue.Regular)
	}
	if err := scanner.Err(); err != nil {
		logger.Error().Err(err).Msg("stdin read error")
	}
}

// parseLine implements the minimal "<hostname> <appname>: <body>"
// grammar; a line without both tokens becomes a single unattributed
// message so the pipeline still has something to classify.
func parseLine(line []byte) *message.Message {
	s := string(line)
	hostname, appName, body := "stdin", "-", s
	if sp := strings.IndexByte(s, ' '); sp > 0 {
		rest := s[sp+1:]
		if colon := strings.IndexByte(rest, ':'); colon > 0 {
			hostname = s[:sp]
			appName = strings.TrimSpace(rest[:colon])
			body = strings.TrimSpace(rest[colon+1:])
		}
	}
	return message.New([]byte(body), message.SeverityInfo, 1, "127.0.0.1", "stdin", hostname, appName, "0", time.Now())
}
