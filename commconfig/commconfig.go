// Copyright 2020 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

// Package commconfig provides a mechanism to configure collective
// operations from a shared configuration. Commconfig uses the
// configuration mechanism in package github.com/grailbio/base/config,
// and reads a default profile from $HOME/.bigcomm/config.
package commconfig

import (
	"flag"
	"os"

	"github.com/grailbio/base/config"
	"github.com/grailbio/base/must"
	"github.com/grailbio/bigcomm"
)

// Path determines the location of the profile read by Parse.
var Path = os.ExpandEnv("$HOME/.bigcomm/config")

// Parse registers configuration flags and calls flag.Parse. It reads
// the profile at Path and returns the bigcomm configuration as
// amended by the profile and any flags provided. Parse panics if the
// configuration is invalid.
func Parse() bigcomm.Config {
	config.RegisterFlags("", Path)
	flag.Parse()
	must.Nil(config.ProcessFlags())
	var c *bigcomm.Config
	config.Must("bigcomm", &c)
	return *c
}
