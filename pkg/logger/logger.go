package logger

import (
	"fmt"
	"log"
	"os"
	"sort"
	"strings"
	"sync/atomic"
)

// Level controls which messages reach the output.
type Level int32

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

var current atomic.Int32

func init() {
	current.Store(int32(INFO))
	if lvl := os.Getenv("HEARTCORE_LOG_LEVEL"); lvl != "" {
		SetLevelFromString(lvl)
	}
}

var std = log.New(os.Stderr, "", log.LstdFlags)

func SetLevel(l Level) {
	current.Store(int32(l))
}

func SetLevelFromString(s string) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		SetLevel(DEBUG)
	case "info":
		SetLevel(INFO)
	case "warn", "warning":
		SetLevel(WARN)
	case "error":
		SetLevel(ERROR)
	}
}

func enabled(l Level) bool {
	return int32(l) >= current.Load()
}

func levelTag(l Level) string {
	switch l {
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARN:
		return "WARN"
	default:
		return "ERROR"
	}
}

func emit(l Level, component, msg string, fields map[string]interface{}) {
	if !enabled(l) {
		return
	}
	var b strings.Builder
	b.WriteString(levelTag(l))
	b.WriteString(" [")
	b.WriteString(component)
	b.WriteString("] ")
	b.WriteString(msg)
	if len(fields) > 0 {
		keys := make([]string, 0, len(fields))
		for k := range fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, fields[k])
		}
	}
	std.Print(b.String())
}

// Component-scoped logging. The C variants take a plain message, the CF
// variants attach structured fields.

func DebugC(component, msg string)                                  { emit(DEBUG, component, msg, nil) }
func InfoC(component, msg string)                                   { emit(INFO, component, msg, nil) }
func WarnC(component, msg string)                                   { emit(WARN, component, msg, nil) }
func ErrorC(component, msg string)                                  { emit(ERROR, component, msg, nil) }
func DebugCF(component, msg string, fields map[string]interface{})  { emit(DEBUG, component, msg, fields) }
func InfoCF(component, msg string, fields map[string]interface{})   { emit(INFO, component, msg, fields) }
func WarnCF(component, msg string, fields map[string]interface{})   { emit(WARN, component, msg, fields) }
func ErrorCF(component, msg string, fields map[string]interface{})  { emit(ERROR, component, msg, fields) }
