package shared

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Version of the module, stamped here rather than via ldflags so the file
// logger can always record it.
const Version = "0.3.0"

type GetenvParser[T any] func(string) (T, error)

func GetenvString(s string) (string, error) {
	return s, nil
}

func GetenvInt(s string) (int, error) {
	return strconv.Atoi(s)
}

func GetenvBool(s string) (bool, error) {
	return strconv.ParseBool(s)
}

func GetenvDuration(s string) (time.Duration, error) {
	return time.ParseDuration(s)
}

// Getenv reads and parses an environment variable. When required is false
// and the variable is unset, fallback is returned.
func Getenv[T any](parse GetenvParser[T], key string, required bool, fallback T) (T, error) {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		if required {
			var zero T
			return zero, fmt.Errorf("environment variable %s is required", key)
		}
		return fallback, nil
	}
	v, err := parse(raw)
	if err != nil {
		var zero T
		return zero, fmt.Errorf("parsing environment variable %s: %w", key, err)
	}
	return v, nil
}

// MustGetenv is Getenv for values the process cannot start without.
func MustGetenv[T any](parse GetenvParser[T], key string, required bool, fallback T) T {
	v, err := Getenv(parse, key, required, fallback)
	if err != nil {
		panic(err)
	}
	return v
}
