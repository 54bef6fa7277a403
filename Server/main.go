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

package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Psiphon-Labs/thriftd/thriftd/ping"
	"github.com/Psiphon-Labs/thriftd/thriftd/server"
)

func main() {

	var configFilename string
	var generateLogFilename string
	var generateAccessLogFilename string
	var generateProcName string
	var generateListenAddresses stringListFlag
	var generateWorkerConnections int
	var generateTimeoutSeconds float64
	var generateGracefulTimeoutSeconds float64
	var pingTimeoutSeconds float64

	flag.StringVar(
		&configFilename,
		"config",
		server.SERVER_CONFIG_FILENAME,
		"run or generate with this config `filename`")

	flag.StringVar(
		&generateLogFilename,
		"logFilename",
		"",
		"generate with this error log `filename`")

	flag.StringVar(
		&generateAccessLogFilename,
		"accessLogFilename",
		"",
		"generate with this access log `filename`; \"-\" for stdout")

	flag.StringVar(
		&generateProcName,
		"procName",
		"",
		"generate with this process name; metrics are prefixed with the portion before ':'")

	flag.Var(
		&generateListenAddresses,
		"listen",
		"generate with this listen `address`; flag may be repeated")

	flag.IntVar(
		&generateWorkerConnections,
		"workerConnections",
		0,
		"generate with this maximum number of concurrent connections")

	flag.Float64Var(
		&generateTimeoutSeconds,
		"timeout",
		0,
		"generate with this per-request timeout, in seconds")

	flag.Float64Var(
		&generateGracefulTimeoutSeconds,
		"gracefulTimeout",
		0,
		"generate with this graceful shutdown timeout, in seconds")

	flag.Float64Var(
		&pingTimeoutSeconds,
		"pingTimeout",
		10,
		"ping with this timeout, in seconds")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr,
			"Usage:\n\n"+
				"%s <flags> generate    generates a config file\n"+
				"%s <flags> run         runs the Ping service worker\n"+
				"%s <flags> ping <address> <message>\n\n",
			os.Args[0], os.Args[0], os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	args := flag.Args()

	if len(args) < 1 {
		flag.Usage()
		os.Exit(1)

	} else if args[0] == "generate" {

		configFileContents, err := server.GenerateConfig(
			&server.GenerateConfigParams{
				LogFilename:            generateLogFilename,
				AccessLogFilename:      generateAccessLogFilename,
				ProcName:               generateProcName,
				ListenAddresses:        generateListenAddresses,
				WorkerConnections:      generateWorkerConnections,
				TimeoutSeconds:         generateTimeoutSeconds,
				GracefulTimeoutSeconds: generateGracefulTimeoutSeconds,
			})
		if err != nil {
			fmt.Printf("generate failed: %s\n", err)
			os.Exit(1)
		}

		err = os.WriteFile(configFilename, configFileContents, 0600)
		if err != nil {
			fmt.Printf("error writing configuration file: %s\n", err)
			os.Exit(1)
		}

	} else if args[0] == "run" {

		configFileContents, err := os.ReadFile(configFilename)
		if err != nil {
			fmt.Printf("error loading configuration file: %s\n", err)
			os.Exit(1)
		}

		err = server.RunServices(configFileContents, ping.NewServiceProcessor)
		if err != nil {
			fmt.Printf("run failed: %s\n", err)
			os.Exit(1)
		}

	} else if args[0] == "ping" {

		if len(args) != 3 {
			flag.Usage()
			os.Exit(1)
		}

		ctx, cancel := context.WithTimeout(
			context.Background(),
			time.Duration(pingTimeoutSeconds*float64(time.Second)))
		defer cancel()

		client, err := ping.Dial(ctx, args[1])
		if err != nil {
			fmt.Printf("dial failed: %s\n", err)
			os.Exit(1)
		}
		defer client.Close()

		if deadline, ok := ctx.Deadline(); ok {
			client.Conn().SetDeadline(deadline)
		}

		reply, err := client.SendPing(ctx, args[2])
		if err != nil {
			fmt.Printf("ping failed: %s\n", err)
			os.Exit(1)
		}

		fmt.Println(reply)

	} else {
		flag.Usage()
		os.Exit(1)
	}
}

type stringListFlag []string

func (list *stringListFlag) String() string {
	return strings.Join(*list, ", ")
}

func (list *stringListFlag) Set(flagValue string) error {
	*list = append(*list, flagValue)
	return nil
}
