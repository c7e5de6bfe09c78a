// Package envconfig reads tinyllm settings from the environment.
//
// Every setting is exposed as a getter so values are re-read on each call and
// tests can change them with t.Setenv.
package envconfig

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// LogLevel returns the log level for the application.
// Values are 0 or false INFO (Default), 1 or true DEBUG, 2 TRACE
func LogLevel() slog.Level {
	level := slog.LevelInfo
	if s := Var("TINYLLM_DEBUG"); s != "" {
		if b, _ := strconv.ParseBool(s); b {
			level = slog.LevelDebug
		} else if i, _ := strconv.ParseInt(s, 10, 64); i != 0 {
			level = slog.Level(i * -4)
		}
	}

	return level
}

var (
	// Precision is the default floating point precision for tables and
	// attention outputs: f32 (default), f16 or bf16.
	Precision = String("TINYLLM_PRECISION")
)

// NumThreads returns the maximum number of goroutines a single tensor
// operation may use. Configurable via TINYLLM_NUM_THREADS, defaults to
// GOMAXPROCS.
func NumThreads() int {
	n := Uint("TINYLLM_NUM_THREADS", 0)()
	if n == 0 {
		return runtime.GOMAXPROCS(0)
	}
	return int(n)
}

func String(s string) func() string {
	return func() string {
		return Var(s)
	}
}

func Uint(key string, defaultValue uint) func() uint {
	return func() uint {
		if s := Var(key); s != "" {
			if n, err := strconv.ParseUint(s, 10, 64); err != nil {
				slog.Warn("invalid environment variable, using default", "key", key, "value", s, "default", defaultValue)
			} else {
				return uint(n)
			}
		}
		return defaultValue
	}
}

type EnvVar struct {
	Name        string
	Value       any
	Description string
}

func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"TINYLLM_DEBUG":       {"TINYLLM_DEBUG", LogLevel(), "Show additional debug information (e.g. TINYLLM_DEBUG=1)"},
		"TINYLLM_NUM_THREADS": {"TINYLLM_NUM_THREADS", NumThreads(), "Maximum goroutines per tensor operation (default GOMAXPROCS)"},
		"TINYLLM_PRECISION":   {"TINYLLM_PRECISION", Precision(), "Floating point precision: f32, f16 or bf16 (default f32)"},
	}
}

func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = fmt.Sprintf("%v", v.Value)
	}
	return vals
}

// Var returns an environment variable stripped of leading and trailing quotes or spaces
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}
