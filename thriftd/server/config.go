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

package server

import (
	"encoding/json"
	"math"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/common/errors"
	"github.com/gobwas/glob"
)

const (
	SERVER_CONFIG_FILENAME                  = "thriftd.config"
	DEFAULT_LOG_LEVEL                       = "info"
	DEFAULT_PROC_NAME                       = "thriftd"
	DEFAULT_WORKER_CONNECTIONS              = 1000
	DEFAULT_TIMEOUT_SECONDS                 = 30.0
	DEFAULT_GRACEFUL_TIMEOUT_SECONDS        = 30.0
	DEFAULT_TICK_MILLISECONDS               = 1000
	DEFAULT_PROXY_HEADER_TIMEOUT            = 5 * time.Second
	DEFAULT_MAX_MESSAGE_SIZE                = 100 * 1024 * 1024
	STATSD_ADDRESS_ENVIRONMENT_VARIABLE     = "statsd"
	LISTEN_FDS_ENVIRONMENT_VARIABLE         = "LISTEN_FDS"
	LISTEN_FDS_START                        = 3
	ACCESS_LOG_STDOUT                       = "-"
	METRIC_NAME_CACHE_MAX_ENTRIES           = 10000
	ACCEPT_ERROR_RETRY_PERIOD               = 100 * time.Millisecond
	ACCEPT_ERROR_RETRY_BURST                = 10
	ROTATABLE_LOG_FILE_REOPEN_RETRIES       = 1
	ROTATABLE_LOG_FILE_CREATE               = true
	ROTATABLE_LOG_FILE_MODE                 = 0666
)

// Config specifies the configuration and behavior of a thriftd worker.
type Config struct {

	// LogLevel specifies the log level. Valid values are:
	// panic, fatal, error, warn, info, debug
	LogLevel string

	// LogFilename specifies the path of the file to log
	// to. When blank, logs are written to stderr.
	LogFilename string

	// AccessLogFilename specifies the path of the access log. When blank,
	// no access log lines are written. "-" writes to stdout.
	AccessLogFilename string

	// AccessLogSkipMethods is a list of glob patterns. Requests for methods
	// matching any pattern are not written to the access log; they are
	// still counted in metrics.
	AccessLogSkipMethods []string

	// ProcName is the process name. The portion before the first ':' is
	// the project name used as the metrics key prefix.
	ProcName string

	// StatsdAddress is the "<host>:<port>" of a statsd daemon. When blank,
	// the "statsd" environment variable is consulted; when both are blank,
	// no metrics are emitted.
	StatsdAddress string

	// ListenAddresses are TCP addresses the CLI binds before starting the
	// worker, for standalone operation.
	ListenAddresses []string

	// InheritedListenerFDs are file descriptors of already bound and
	// listening sockets supplied by the host process. When both this and
	// ListenAddresses are empty, the systemd LISTEN_FDS convention is used.
	InheritedListenerFDs []int

	// ProxyProtocol enables PROXY protocol parsing on accepted connections,
	// so access records carry the originating client address.
	ProxyProtocol bool

	// ProxyHeaderTimeoutMilliseconds bounds the time spent reading a PROXY
	// protocol header. The default is 5 seconds.
	ProxyHeaderTimeoutMilliseconds *int

	// WorkerConnections is the maximum number of concurrent connections
	// served by the worker. Further connections wait in the listen backlog.
	WorkerConnections int

	// TimeoutSeconds is the per-request handler time limit. Fractional
	// values are allowed. When 0 or negative, requests are not timed out.
	// The default is 30 seconds.
	TimeoutSeconds *float64

	// GracefulTimeoutSeconds is the maximum time to wait for active
	// connections to finish after shutdown begins. The default is 30
	// seconds.
	GracefulTimeoutSeconds *float64

	// TickMilliseconds is the liveness and drain polling period.
	TickMilliseconds int

	// HeartbeatFilename, when set, is a file whose modification time is
	// updated every tick so the host can detect a hung worker.
	HeartbeatFilename string

	// LoadMonitorPeriodSeconds specifies the interval at which to log
	// worker load. When <= 0, periodic load logging is disabled.
	LoadMonitorPeriodSeconds int

	// MaxMessageSizeBytes limits the size of a single message read from a
	// client.
	MaxMessageSizeBytes int

	requestTimeout       time.Duration
	gracePeriod          time.Duration
	tick                 time.Duration
	proxyHeaderTimeout   time.Duration
	accessLogSkipMethods []glob.Glob
}

// RunLoadMonitor indicates whether to monitor and log worker load.
func (config *Config) RunLoadMonitor() bool {
	return config.LoadMonitorPeriodSeconds > 0
}

// GetRequestTimeout returns the per-request handler time limit; 0 means
// no limit.
func (config *Config) GetRequestTimeout() time.Duration {
	return config.requestTimeout
}

// GetGracePeriod returns the graceful shutdown time limit.
func (config *Config) GetGracePeriod() time.Duration {
	return config.gracePeriod
}

// GetTick returns the liveness and drain polling period.
func (config *Config) GetTick() time.Duration {
	return config.tick
}

// GetProjectName returns the metrics key project prefix.
func (config *Config) GetProjectName() string {
	return strings.SplitN(config.ProcName, ":", 2)[0]
}

// SkipAccessLog indicates whether the access log line for method is
// suppressed.
func (config *Config) SkipAccessLog(method string) bool {
	for _, pattern := range config.accessLogSkipMethods {
		if pattern.Match(method) {
			return true
		}
	}
	return false
}

// GetStatsdAddress returns the configured statsd address, falling back to
// the "statsd" environment variable.
func (config *Config) GetStatsdAddress() string {
	if config.StatsdAddress != "" {
		return config.StatsdAddress
	}
	return os.Getenv(STATSD_ADDRESS_ENVIRONMENT_VARIABLE)
}

// GetListenerFDs returns the inherited listener file descriptors, either
// as configured or, when no listeners are configured, as advertised via
// LISTEN_FDS.
func (config *Config) GetListenerFDs() ([]int, error) {
	if len(config.InheritedListenerFDs) > 0 || len(config.ListenAddresses) > 0 {
		return config.InheritedListenerFDs, nil
	}
	value := os.Getenv(LISTEN_FDS_ENVIRONMENT_VARIABLE)
	if value == "" {
		return nil, nil
	}
	count, err := strconv.Atoi(value)
	if err != nil || count < 0 {
		return nil, errors.Tracef("invalid %s: %s", LISTEN_FDS_ENVIRONMENT_VARIABLE, value)
	}
	fds := make([]int, count)
	for i := range fds {
		fds[i] = LISTEN_FDS_START + i
	}
	return fds, nil
}

// LoadConfig loads and validates a JSON encoded worker config.
func LoadConfig(configJSON []byte) (*Config, error) {

	var config Config
	err := json.Unmarshal(configJSON, &config)
	if err != nil {
		return nil, errors.Trace(err)
	}

	if config.LogLevel == "" {
		config.LogLevel = DEFAULT_LOG_LEVEL
	}

	if config.ProcName == "" {
		config.ProcName = DEFAULT_PROC_NAME
	}

	if config.WorkerConnections == 0 {
		config.WorkerConnections = DEFAULT_WORKER_CONNECTIONS
	}
	if config.WorkerConnections < 0 {
		return nil, errors.TraceNew("WorkerConnections must be positive")
	}

	if config.TickMilliseconds == 0 {
		config.TickMilliseconds = DEFAULT_TICK_MILLISECONDS
	}
	if config.TickMilliseconds < 0 {
		return nil, errors.TraceNew("TickMilliseconds must be positive")
	}
	config.tick = time.Duration(config.TickMilliseconds) * time.Millisecond

	config.requestTimeout = secondsToDuration(DEFAULT_TIMEOUT_SECONDS)
	if config.TimeoutSeconds != nil {
		config.requestTimeout = 0
		if *config.TimeoutSeconds > 0 {
			config.requestTimeout = secondsToDuration(*config.TimeoutSeconds)
		}
	}

	config.gracePeriod = secondsToDuration(DEFAULT_GRACEFUL_TIMEOUT_SECONDS)
	if config.GracefulTimeoutSeconds != nil {
		if *config.GracefulTimeoutSeconds < 0 {
			return nil, errors.TraceNew("GracefulTimeoutSeconds must not be negative")
		}
		config.gracePeriod = secondsToDuration(*config.GracefulTimeoutSeconds)
	}

	config.proxyHeaderTimeout = DEFAULT_PROXY_HEADER_TIMEOUT
	if config.ProxyHeaderTimeoutMilliseconds != nil {
		config.proxyHeaderTimeout =
			time.Duration(*config.ProxyHeaderTimeoutMilliseconds) * time.Millisecond
	}

	if config.MaxMessageSizeBytes == 0 {
		config.MaxMessageSizeBytes = DEFAULT_MAX_MESSAGE_SIZE
	}
	if config.MaxMessageSizeBytes < 0 || config.MaxMessageSizeBytes > math.MaxInt32 {
		return nil, errors.Tracef(
			"MaxMessageSizeBytes must be between 1 and %d", math.MaxInt32)
	}

	for _, address := range config.ListenAddresses {
		err := validateNetworkAddress(address)
		if err != nil {
			return nil, errors.Tracef("ListenAddresses entry %s is invalid: %w", address, err)
		}
	}

	for _, fd := range config.InheritedListenerFDs {
		if fd < 0 {
			return nil, errors.Tracef("InheritedListenerFDs entry %d is invalid", fd)
		}
	}

	if config.StatsdAddress != "" {
		err := validateNetworkAddress(config.StatsdAddress)
		if err != nil {
			return nil, errors.Tracef("StatsdAddress is invalid: %w", err)
		}
	}

	for _, pattern := range config.AccessLogSkipMethods {
		compiled, err := glob.Compile(pattern)
		if err != nil {
			return nil, errors.Tracef("AccessLogSkipMethods pattern %s is invalid: %w", pattern, err)
		}
		config.accessLogSkipMethods = append(config.accessLogSkipMethods, compiled)
	}

	return &config, nil
}

func validateNetworkAddress(address string) error {
	host, portStr, err := net.SplitHostPort(address)
	if err != nil {
		return errors.Trace(err)
	}
	if strings.ContainsAny(host, " /") {
		return errors.Tracef("invalid host: %s", host)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return errors.Trace(err)
	}
	if port < 0 || port > 65535 {
		return errors.TraceNew("invalid port")
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

// GenerateConfigParams specifies customizations to be applied to
// a generated worker config.
type GenerateConfigParams struct {
	LogFilename            string
	AccessLogFilename      string
	ProcName               string
	ListenAddresses        []string
	WorkerConnections      int
	TimeoutSeconds         float64
	GracefulTimeoutSeconds float64
}

// GenerateConfig creates a new worker config, populating unspecified
// params with defaults. The result is JSON encoded and suitable for
// LoadConfig.
func GenerateConfig(params *GenerateConfigParams) ([]byte, error) {

	listenAddresses := params.ListenAddresses
	if len(listenAddresses) == 0 {
		listenAddresses = []string{"127.0.0.1:7748"}
	}

	procName := params.ProcName
	if procName == "" {
		procName = DEFAULT_PROC_NAME
	}

	workerConnections := params.WorkerConnections
	if workerConnections <= 0 {
		workerConnections = DEFAULT_WORKER_CONNECTIONS
	}

	timeoutSeconds := params.TimeoutSeconds
	if timeoutSeconds == 0 {
		timeoutSeconds = DEFAULT_TIMEOUT_SECONDS
	}

	gracefulTimeoutSeconds := params.GracefulTimeoutSeconds
	if gracefulTimeoutSeconds == 0 {
		gracefulTimeoutSeconds = DEFAULT_GRACEFUL_TIMEOUT_SECONDS
	}

	config := &Config{
		LogLevel:               DEFAULT_LOG_LEVEL,
		LogFilename:            params.LogFilename,
		AccessLogFilename:      params.AccessLogFilename,
		ProcName:               procName,
		ListenAddresses:        listenAddresses,
		WorkerConnections:      workerConnections,
		TimeoutSeconds:         &timeoutSeconds,
		GracefulTimeoutSeconds: &gracefulTimeoutSeconds,
		TickMilliseconds:       DEFAULT_TICK_MILLISECONDS,
	}

	encodedConfig, err := json.MarshalIndent(config, "\n", "    ")
	if err != nil {
		return nil, errors.Trace(err)
	}

	return encodedConfig, nil
}
