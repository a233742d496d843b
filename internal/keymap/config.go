package keymap

import (
	"regexp"
	"strings"
)

// Filter restricts a context to devices whose display name matches.
// An empty filter matches every device, a string wrapped in slashes is
// a regular expression, anything else is a substring match.
type Filter struct {
	DeviceName string

	re *regexp.Regexp
}

// Matches reports whether the device display name passes the filter.
func (f *Filter) Matches(deviceName string) bool {
	if f.DeviceName == "" {
		return true
	}
	if pattern, ok := regexFilter(f.DeviceName); ok {
		if f.re == nil || f.re.String() != pattern {
			re, err := regexp.Compile(pattern)
			if err != nil {
				return false
			}
			f.re = re
		}
		return f.re.MatchString(deviceName)
	}
	return strings.Contains(deviceName, f.DeviceName)
}

func regexFilter(s string) (string, bool) {
	if len(s) >= 2 && strings.HasPrefix(s, "/") && strings.HasSuffix(s, "/") {
		return s[1 : len(s)-1], true
	}
	return "", false
}

// Mapping translates an input pattern into an output sequence. A named
// mapping is a command: its output can be overridden per context.
type Mapping struct {
	Name   string
	Input  KeySequence
	Output KeySequence
}

// Context groups mappings behind a device filter and an activation
// flag. The client enables and disables contexts as the focused
// application changes.
type Context struct {
	Filter           Filter
	Mappings         []Mapping
	CommandOverrides map[string]KeySequence
	Active           bool
}

// Config is a compiled configuration: an ordered list of contexts plus
// the virtual key alias table. Later contexts take precedence over
// earlier ones.
type Config struct {
	Contexts        []Context
	VirtualKeyNames map[string]Key
}

// HasMouseMappings reports whether any mapping references a pointer
// button, which decides whether pointer devices must be grabbed.
func (c *Config) HasMouseMappings() bool {
	for ci := range c.Contexts {
		for mi := range c.Contexts[ci].Mappings {
			m := &c.Contexts[ci].Mappings[mi]
			if sequenceHasButton(m.Input) || sequenceHasButton(m.Output) {
				return true
			}
		}
		for _, seq := range c.Contexts[ci].CommandOverrides {
			if sequenceHasButton(seq) {
				return true
			}
		}
	}
	return false
}

func sequenceHasButton(seq KeySequence) bool {
	for _, ev := range seq {
		if ev.Key.IsButton() {
			return true
		}
	}
	return false
}
