// Copyright 2018 Saferwall. All rights reserved.
// Use of this source code is governed by Apache v2 license
// license that can be found in the LICENSE file.

package pe

import (
	"os"

	"github.com/xyproto/env/v2"

	"github.com/pelib/corepe/log"
)

// DefaultOptions builds an Options value from environment variables,
// falling back to the library defaults for anything unset. This lets a
// host process tune parsing behavior (CI fuzzing wants Fast mode, a
// malware sandbox wants entropy and a tighter relocation cap) without
// threading flags through every caller.
//
//	COREPE_FAST                  bool, default false
//	COREPE_SECTION_ENTROPY       bool, default false
//	COREPE_MAX_RELOC_ENTRIES     int,  default MaxDefaultRelocEntriesCount
//	COREPE_LOG_LEVEL             string, one of debug/info/warn/error, default "error"
func DefaultOptions() *Options {
	level := parseLogLevel(env.Str("COREPE_LOG_LEVEL", "error"))
	logger := log.NewFilter(log.NewStdLogger(os.Stdout), log.FilterLevel(level))

	return &Options{
		Fast:                 env.Bool("COREPE_FAST"),
		SectionEntropy:       env.Bool("COREPE_SECTION_ENTROPY"),
		MaxRelocEntriesCount: uint32(env.Int("COREPE_MAX_RELOC_ENTRIES", int(MaxDefaultRelocEntriesCount))),
		Logger:               logger,
	}
}

func parseLogLevel(s string) log.Level {
	switch s {
	case "debug":
		return log.LevelDebug
	case "info":
		return log.LevelInfo
	case "warn":
		return log.LevelWarn
	case "error":
		return log.LevelError
	default:
		return log.LevelError
	}
}
