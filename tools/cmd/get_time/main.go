// Command get_time reports the current time in a requested IANA timezone.
// It reads a JSON object on stdin and writes one JSON object to stdout.
package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

type input struct {
	Timezone string `json:"timezone"`
	TZ       string `json:"tz"` // accepted alias
}

type output struct {
	Timezone string `json:"timezone"`
	ISO8601  string `json:"iso8601"`
	Unix     int64  `json:"unix"`
}

func main() {
	if err := run(); err != nil {
		msg := strings.ReplaceAll(err.Error(), "\n", " ")
		fmt.Fprintf(os.Stderr, "{\"error\":%q}\n", msg)
		os.Exit(1)
	}
}

func run() error {
	var in input
	dec := json.NewDecoder(bufio.NewReader(os.Stdin))
	if err := dec.Decode(&in); err != nil {
		return fmt.Errorf("parse json: %w", err)
	}
	tz := strings.TrimSpace(in.Timezone)
	if tz == "" {
		tz = strings.TrimSpace(in.TZ)
	}
	if tz == "" {
		return errors.New("timezone is required")
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return fmt.Errorf("invalid timezone: %w", err)
	}
	now := time.Now().In(loc)
	out := output{Timezone: tz, ISO8601: now.Format(time.RFC3339), Unix: now.Unix()}
	return json.NewEncoder(os.Stdout).Encode(out)
}
