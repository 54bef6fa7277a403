/*
 * Copyright (c) 2026, Psiphon Inc.
 * All rights reserved.
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <http://www.gnu.org/licenses/>.
 *
 */

// Package thriftd/server implements a Thrift RPC worker. The main function
// is RunServices, which serves a hosted application's Thrift processor on
// a set of listening sockets until signalled to shut down, and then drains
// active connections within a bounded grace period. The worker
// configuration is created by the GenerateConfig function.
package server

import (
	"context"
	"net"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/common"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/buildinfo"
	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/apache/thrift/lib/go/thrift"
)

// WorkerState is the worker's alive flag. It is flipped once, from alive
// to shutting down, and that transition is broadcast to all sessions.
type WorkerState struct {
	ctx      context.Context
	shutdown context.CancelFunc
}

// NewWorkerState creates a new, alive, WorkerState.
func NewWorkerState() *WorkerState {
	ctx, shutdown := context.WithCancel(context.Background())
	return &WorkerState{
		ctx:      ctx,
		shutdown: shutdown,
	}
}

// Alive indicates whether shutdown has not yet begun.
func (state *WorkerState) Alive() bool {
	return state.ctx.Err() == nil
}

// Shutdown begins shutdown. Shutdown may be called more than once.
func (state *WorkerState) Shutdown() {
	state.shutdown()
}

// ShutdownBroadcast returns a channel which is closed when shutdown
// begins.
func (state *WorkerState) ShutdownBroadcast() <-chan struct{} {
	return state.ctx.Done()
}

// Worker serves Thrift connections on a set of listeners and implements
// bounded graceful shutdown.
type Worker struct {
	config     *Config
	state      *WorkerState
	supervisor Supervisor
	pool       *ListenerPool
	abortOnce  sync.Once
	abort      chan struct{}
}

// NewWorker creates a new Worker. The worker takes ownership of
// listeners. Each request is dispatched through table and recorded with
// recorder.
func NewWorker(
	config *Config,
	listeners []net.Listener,
	table *DispatchTable,
	recorder AccessRecorder,
	supervisor Supervisor) *Worker {

	state := NewWorkerState()

	dispatcher := NewSessionDispatcher(
		config, table, recorder, state.ShutdownBroadcast())

	return &Worker{
		config:     config,
		state:      state,
		supervisor: supervisor,
		pool:       NewListenerPool(listeners, config.WorkerConnections, dispatcher),
		abort:      make(chan struct{}),
	}
}

// State returns the worker's WorkerState.
func (worker *Worker) State() *WorkerState {
	return worker.state
}

// Shutdown begins graceful shutdown. Run returns once all sessions have
// ended or the grace period has elapsed.
func (worker *Worker) Shutdown() {
	worker.state.Shutdown()
}

// Abort begins immediate shutdown: all connections are closed without
// waiting for active requests.
func (worker *Worker) Abort() {
	worker.state.Shutdown()
	worker.abortOnce.Do(func() { close(worker.abort) })
}

// ActiveCount returns the number of connections currently being served.
func (worker *Worker) ActiveCount() int64 {
	return worker.pool.ActiveCount()
}

// PeakCount returns the highest number of connections served at once.
func (worker *Worker) PeakCount() int64 {
	return worker.pool.PeakCount()
}

// Run accepts and serves connections until shutdown and then drains.
//
// Once per tick, Run signals liveness to the supervisor and checks that the
// supervisor has not changed. When the supervisor has changed, all
// connections are closed immediately and ErrSupervisorChanged is returned.
//
// After shutdown begins, no new connections are accepted. Active sessions
// finish their current request. Sessions still active when the grace period
// elapses are force closed, and Run returns no later than one tick after
// that. A fatal listener error also begins shutdown and is returned.
func (worker *Worker) Run() error {

	worker.pool.Start()

	ticker := time.NewTicker(worker.config.GetTick())
	defer ticker.Stop()

	var err error

serving:
	for {
		select {
		case <-ticker.C:
			if worker.checkSupervisor() {
				worker.abortSessions()
				return ErrSupervisorChanged
			}

		case <-worker.state.ShutdownBroadcast():
			break serving

		case err = <-worker.pool.ListenerErrors():
			log.WithTraceFields(LogFields{"error": err}).Error("listener failed")
			worker.state.Shutdown()
			break serving
		}
	}

	worker.pool.StopAccepting()

	log.WithTraceFields(
		LogFields{"active_sessions": worker.pool.ActiveCount()}).Info("worker draining")

	graceTimer := time.NewTimer(worker.config.GetGracePeriod())
	defer graceTimer.Stop()

	for {
		select {
		case <-worker.pool.Idle():
			log.WithTrace().Info("worker stopped")
			return err

		case <-ticker.C:
			if worker.checkSupervisor() {
				worker.abortSessions()
				return ErrSupervisorChanged
			}

		case <-graceTimer.C:
			log.WithTraceFields(
				LogFields{"active_sessions": worker.pool.ActiveCount()}).Warning(
				"worker graceful timeout")
			worker.abortSessions()
			return err

		case <-worker.abort:
			log.WithTraceFields(
				LogFields{"active_sessions": worker.pool.ActiveCount()}).Info(
				"worker aborted")
			worker.abortSessions()
			return err
		}
	}
}

// abortSessions force closes all connections and waits at most one tick
// for their sessions to end.
func (worker *Worker) abortSessions() {

	closed := worker.pool.ForceCloseAll()
	if closed > 0 {
		log.WithTraceFields(LogFields{"closed_connections": closed}).Info(
			"force closed connections")
	}

	timer := time.NewTimer(worker.config.GetTick())
	defer timer.Stop()

	select {
	case <-worker.pool.Idle():
	case <-timer.C:
	}
}

// checkSupervisor notifies the supervisor and returns true when the
// supervisor has changed.
func (worker *Worker) checkSupervisor() bool {

	err := worker.supervisor.Notify()
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Warning("supervisor notify failed")
	}

	if worker.supervisor.ParentChanged() {
		log.WithTrace().Warning("parent changed, shutting down")
		worker.state.Shutdown()
		return true
	}

	return false
}

// RunServices initializes logging, metrics and the listeners and then runs
// a Worker serving the processor returned by newProcessor until SIGTERM or
// SIGINT (graceful shutdown) or SIGQUIT (immediate shutdown) is received.
// SIGUSR2 logs the current worker load.
//
// newProcessor receives a logger which writes to the worker log.
func RunServices(
	configJSON []byte,
	newProcessor func(logger common.Logger) (thrift.TProcessor, error)) error {

	config, err := LoadConfig(configJSON)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("load config failed")
		return errors.Trace(err)
	}

	err = InitLogging(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init logging failed")
		return errors.Trace(err)
	}

	accessLog, err := OpenAccessLog(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("open access log failed")
		return errors.Trace(err)
	}

	var metrics MetricsSink
	if address := config.GetStatsdAddress(); address != "" {
		statsdClient, err := NewStatsdClient(address)
		if err != nil {
			log.WithTraceFields(LogFields{"error": err}).Error("init statsd client failed")
			return errors.Trace(err)
		}
		defer statsdClient.Close()
		metrics = statsdClient
	}

	processor, err := newProcessor(CommonLogger(log))
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("init processor failed")
		return errors.Trace(err)
	}
	table := NewDispatchTable(processor)

	listeners, err := BindListeners(config)
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("bind listeners failed")
		return errors.Trace(err)
	}

	worker := NewWorker(
		config,
		listeners,
		table,
		NewAccessLogRecorder(config, accessLog, metrics),
		NewProcessSupervisor(config.HeartbeatFilename))

	listenAddresses := make([]string, len(listeners))
	for i, listener := range listeners {
		listenAddresses[i] = listener.Addr().String()
	}

	startupFields := LogFields(buildinfo.GetBuildInfo().ToMap())
	startupFields["pid"] = os.Getpid()
	startupFields["proc_name"] = config.ProcName
	startupFields["listen_addresses"] = listenAddresses
	startupFields["methods"] = table.Methods()
	startupFields["worker_connections"] = config.WorkerConnections
	log.WithTraceFields(startupFields).Info("startup")

	waitGroup := new(sync.WaitGroup)
	shutdownBroadcast := make(chan struct{})

	if config.RunLoadMonitor() {
		waitGroup.Add(1)
		go func() {
			defer waitGroup.Done()
			ticker := time.NewTicker(time.Duration(config.LoadMonitorPeriodSeconds) * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-shutdownBroadcast:
					return
				case <-ticker.C:
					logWorkerLoad(config, worker)
				}
			}
		}()
	}

	workerErr := make(chan error, 1)
	go func() {
		workerErr <- worker.Run()
	}()

	// An OS signal triggers an orderly shutdown
	systemStopSignal := make(chan os.Signal, 1)
	signal.Notify(systemStopSignal, os.Interrupt, syscall.SIGTERM)

	// SIGQUIT triggers an immediate shutdown
	systemQuitSignal := make(chan os.Signal, 1)
	signal.Notify(systemQuitSignal, syscall.SIGQUIT)

	// SIGUSR2 triggers an immediate load log
	logWorkerLoadSignal := make(chan os.Signal, 1)
	signal.Notify(logWorkerLoadSignal, syscall.SIGUSR2)

	defer signal.Stop(systemStopSignal)
	defer signal.Stop(systemQuitSignal)
	defer signal.Stop(logWorkerLoadSignal)

loop:
	for {
		select {
		case <-logWorkerLoadSignal:
			logWorkerLoad(config, worker)

		case <-systemStopSignal:
			log.WithTrace().Info("shutdown by system")
			worker.Shutdown()

		case <-systemQuitSignal:
			log.WithTrace().Info("immediate shutdown by system")
			worker.Abort()

		case err = <-workerErr:
			break loop
		}
	}

	close(shutdownBroadcast)
	waitGroup.Wait()

	if errors.Is(err, ErrSupervisorChanged) {
		// The host is gone; exit cleanly so a new host may restart the
		// worker.
		return nil
	}
	if err != nil {
		log.WithTraceFields(LogFields{"error": err}).Error("worker failed")
		return errors.Trace(err)
	}

	return nil
}

func logWorkerLoad(config *Config, worker *Worker) {

	// golang runtime stats
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	fields := LogFields{
		"event_name":      "worker_load",
		"build_rev":       buildinfo.GetBuildInfo().BuildRev,
		"pid":             os.Getpid(),
		"proc_name":       config.ProcName,
		"num_goroutine":   runtime.NumGoroutine(),
		"active_sessions": worker.ActiveCount(),
		"peak_sessions":   worker.PeakCount(),
		"mem_stats": map[string]interface{}{
			"alloc":           memStats.Alloc,
			"total_alloc":     memStats.TotalAlloc,
			"sys":             memStats.Sys,
			"pause_total_ns":  memStats.PauseTotalNs,
			"num_gc":          memStats.NumGC,
			"gc_cpu_fraction": memStats.GCCPUFraction,
		},
	}

	log.LogRawFieldsWithTimestamp(fields)
}
