// Copyright 2026 The gVisor Authors.
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

// Package cli is the main entrypoint for dmarsim.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/google/subcommands"
	"vtd.dev/vtd/dmarsim/cmd"
	"vtd.dev/vtd/dmarsim/config"
	"vtd.dev/vtd/dmarsim/flag"
	"vtd.dev/vtd/pkg/log"
)

// Main is the main entrypoint.
func Main() {
	// Register all commands.
	forEachCmd(subcommands.Register)

	// Register with the main command line.
	config.RegisterFlags(flag.CommandLine)

	// All subcommands must be registered before flag parsing.
	flag.Parse()

	// Create a new Config from the flags.
	conf, err := config.NewFromFlags(flag.CommandLine)
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var errorLogger io.Writer
	if conf.LogFilename != "" {
		// Append so that several runs can share one log.
		errorLogger, err = os.OpenFile(conf.LogFilename, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.LogFilename, err)
		}
	}
	cmd.ErrorLogger = errorLogger

	// Set up logging.
	var emitters log.MultiEmitter
	if errorLogger != nil {
		emitters = append(emitters, newEmitter(conf.LogFormat, errorLogger))
	}
	if errorLogger == nil || conf.AlsoLogToStderr {
		emitters = append(emitters, newEmitter(conf.LogFormat, os.Stderr))
	}
	if len(emitters) == 1 {
		log.SetTarget(emitters[0])
	} else {
		log.SetTarget(&emitters)
	}
	if conf.Debug {
		log.SetLevel(log.Debug)
	}
	conf.Log()

	// Call the subcommand and pass in the configuration.
	subcmdCode := subcommands.Execute(context.Background(), conf)
	if subcmdCode == subcommands.ExitSuccess {
		log.Infof("Exiting with status: %v", subcmdCode)
		os.Exit(0)
	}
	log.Warningf("Failure to execute command, err: %v", subcmdCode)
	os.Exit(int(subcmdCode))
}

// forEachCmd invokes the passed callback for each command supported by dmarsim.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")

	cb(new(cmd.Run), "")

	const debugGroup = "debug"
	cb(new(cmd.Decode), debugGroup)
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Writer: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}
