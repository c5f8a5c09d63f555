// Copyright (c) 2016 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package cfgutil

// ExplicitString is a string config option implementing the flags.Marshaler
// and flags.Unmarshaler interfaces.  It remembers whether the value came from
// the command line or config file, so a default can be told apart from the
// same value set on purpose.  The daemon uses it for the config file and app
// data paths, whose defaults move with each other.
type ExplicitString struct {
	Value         string
	explicitlySet bool
}

// NewExplicitString creates a string option with the provided default.
func NewExplicitString(defaultValue string) *ExplicitString {
	return &ExplicitString{Value: defaultValue}
}

// ExplicitlySet returns whether the option was set by the flags package.
func (e *ExplicitString) ExplicitlySet() bool { return e.explicitlySet }

// MarshalFlag implements the flags.Marshaler interface.
func (e *ExplicitString) MarshalFlag() (string, error) { return e.Value, nil }

// UnmarshalFlag implements the flags.Unmarshaler interface.
func (e *ExplicitString) UnmarshalFlag(value string) error {
	e.Value = value
	e.explicitlySet = true
	return nil
}
