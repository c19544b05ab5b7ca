/*************************************************************************
 * Copyright 2025 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/gravwell/vinegar/log"
	"github.com/gravwell/vinegar/server"
	"github.com/gravwell/vinegar/utils"
	"github.com/gravwell/vinegar/version"
)

var (
	configFile  = flag.String("config-file", server.DefaultConfigPath, "path to the configuration file")
	showVersion = flag.Bool("version", false, "show the version number and exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		version.PrintVersion(os.Stdout)
		return
	}
	cfg, err := server.ReadConfig(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read configuration: %v\n", err)
		os.Exit(1)
	}
	// Logging comes up first so startup errors are captured.
	lg := log.NewStderrLogger()
	if logFile, lerr := cfg.LoggingFile(); lerr != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", lerr)
		os.Exit(1)
	} else if logFile != `` {
		fout, ferr := os.OpenFile(logFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0660)
		if ferr != nil {
			fmt.Fprintf(os.Stderr, "failed to open log file: %v\n", ferr)
			os.Exit(1)
		}
		lg.AddWriter(fout)
	}
	level, err := cfg.LoggingLevel()
	if err != nil {
		lg.FatalCode(1, "invalid configuration", log.KVErr(err))
	}
	if err = lg.SetLevelString(level); err != nil {
		lg.FatalCode(1, "invalid logging level", log.KVErr(err))
	}
	srv, err := server.New(cfg, lg)
	if err != nil {
		lg.FatalCode(1, "server startup failed", log.KVErr(err))
	}
	if err = srv.Start(); err != nil {
		lg.FatalCode(1, "server startup failed", log.KVErr(err))
	}
	lg.Info("vinegar server started", log.KV("version", version.GetVersion()))

	// Die gracefully on the stop signal.
	sig := utils.WaitForQuit()
	lg.Info("shutting down", log.KV("signal", sig.String()))
	srv.Stop()
}
