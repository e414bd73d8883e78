// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package experiment

import (
	"os"
	"regexp"
	"strings"

	"github.com/gomlx/shardbench/pkg/support/errkind"
	"github.com/gomlx/shardbench/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// ParseSettings updates cfg from settings, typically the contents of the "--set" flag.
// The settings are a list separated by ";": e.g.: "epochs=3;wrap=always;plot=[time,memory]".
//
// The names are the YAML keys of RunConfig, and the values are parsed as YAML: lists use the
// flow format ("[a,b]") and durations the Go format ("1.5s").
// A setting "file:<path>" reads more settings from a file, one or more per line, ignoring empty
// lines and lines starting with "#".
//
// For numbers, "_" is removed: it allows one to enter large numbers using it as a separator, like
// in Go. E.g.: 1_000_000 = 1000000.
//
// It returns the names of the parameters set, in order.
func ParseSettings(cfg *RunConfig, settings string) (paramsSet []string, err error) {
	for _, setting := range strings.Split(settings, ";") {
		paramsSet, err = parseSetting(cfg, setting, paramsSet)
		if err != nil {
			return
		}
	}
	return
}

var numberWithSeparators = regexp.MustCompile(`^[-+]?[0-9][0-9_]*(\.[0-9_]*)?([eE][-+]?[0-9]+)?$`)

func parseSetting(cfg *RunConfig, setting string, paramsSet []string) (newParamsSet []string, err error) {
	newParamsSet = paramsSet
	setting = strings.TrimSpace(setting)
	if setting == "" {
		return
	}
	if filePath, ok := strings.CutPrefix(setting, "file:"); ok {
		filePath, err = fsutil.ReplaceTildeInDir(filePath)
		if err != nil {
			return
		}
		var contents []byte
		contents, err = os.ReadFile(filePath)
		if err != nil {
			err = errors.Wrapf(err, "failed to read settings from file %q", filePath)
			return
		}
		for _, line := range strings.Split(string(contents), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			for _, setting := range strings.Split(line, ";") {
				newParamsSet, err = parseSetting(cfg, setting, newParamsSet)
				if err != nil {
					return
				}
			}
		}
		return
	}

	name, valueStr, found := strings.Cut(setting, "=")
	name = strings.TrimSpace(name)
	if !found || name == "" {
		err = errkind.Configurationf("can't parse setting %q: each setting requires the format \"<param>=<value>\"", setting)
		return
	}
	valueStr = strings.TrimSpace(valueStr)
	if numberWithSeparators.MatchString(valueStr) {
		valueStr = strings.ReplaceAll(valueStr, "_", "")
	}

	// Decode into a copy, so a failed setting leaves cfg untouched.
	updated := *cfg
	decoder := yaml.NewDecoder(strings.NewReader(name + ": " + valueStr + "\n"))
	decoder.KnownFields(true)
	if err = decoder.Decode(&updated); err != nil {
		err = errkind.Configurationf("can't set parameter %q to %q: %v", name, valueStr, err)
		return
	}
	*cfg = updated
	newParamsSet = append(newParamsSet, name)
	return
}
