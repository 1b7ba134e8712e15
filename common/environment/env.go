// Package environment overlays environment variables onto configuration
// values that were already loaded from a file.
//
// Every helper leaves the destination untouched when the variable is unset or
// empty, so file values act as defaults.  Unparseable values are reported as
// errors naming the variable rather than silently ignored.
package environment

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Overlay collects parse errors while applying a batch of overrides so the
// caller can report every bad variable at once.
type Overlay struct {
	Prefix string
	errs   []error
}

// New returns an Overlay that reads variables named prefix+name.
func New(prefix string) *Overlay {
	return &Overlay{Prefix: prefix}
}

func (o *Overlay) lookup(name string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(o.Prefix + name))
	return v, v != ""
}

// String overrides *dst with the variable's value.
func (o *Overlay) String(dst *string, name string) {
	if v, ok := o.lookup(name); ok {
		*dst = v
	}
}

// Int overrides *dst with the variable parsed as a decimal integer.
func (o *Overlay) Int(dst *int, name string) {
	v, ok := o.lookup(name)
	if !ok {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", o.Prefix, name, err))
		return
	}
	*dst = n
}

// Duration overrides *dst with the variable parsed by time.ParseDuration.
func (o *Overlay) Duration(dst *time.Duration, name string) {
	v, ok := o.lookup(name)
	if !ok {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		o.errs = append(o.errs, fmt.Errorf("%s%s: %w", o.Prefix, name, err))
		return
	}
	*dst = d
}

// StringSlice overrides *dst with the variable split on commas.  Elements are
// trimmed and empty elements dropped.
func (o *Overlay) StringSlice(dst *[]string, name string) {
	v, ok := o.lookup(name)
	if !ok {
		return
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	*dst = out
}

// Err returns the accumulated parse errors, or nil.
func (o *Overlay) Err() error {
	if len(o.errs) == 0 {
		return nil
	}
	msgs := make([]string, len(o.errs))
	for i, err := range o.errs {
		msgs[i] = err.Error()
	}
	return fmt.Errorf("invalid environment overrides: %s", strings.Join(msgs, "; "))
}
