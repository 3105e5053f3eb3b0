package helpers

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/gorilla/schema"

	"agent/logger"
)

// GetSchemaDecoder returns a schema.Decoder tolerant of unknown keys,
// for parsing query-string filters. No handler calls it at present.
func GetSchemaDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	return d
}

// PrintStruct prints a struct in pretty-indented JSON, used when
// logging a structured error at the HTTP boundary.
func PrintStruct(v any) {
	res, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(res))
}

// Map applies f to each element of arr.
func Map[A any, B any](arr []A, f func(A) B) []B {
	result := make([]B, len(arr))
	for i, v := range arr {
		result[i] = f(v)
	}
	return result
}

// StdOutput drains a subprocess's stdout pipe line by line into the
// logger, used while a container driver command runs.
func StdOutput(stdoutPipe io.ReadCloser) {
	if stdoutPipe == nil {
		return
	}
	scanner := bufio.NewScanner(stdoutPipe)
	for scanner.Scan() {
		logger.Info("stdout", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Error("error reading stdout", err)
	}
}

// StdError drains a subprocess's stderr pipe line by line into the
// logger.
func StdError(stderrPipe io.ReadCloser) {
	if stderrPipe == nil {
		return
	}
	scanner := bufio.NewScanner(stderrPipe)
	for scanner.Scan() {
		logger.Info("stderr", scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		logger.Error("error reading stderr", err)
	}
}
