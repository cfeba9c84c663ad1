// ABOUTME: Loading options from YAML documents and shell-style option strings
// ABOUTME: Every loader starts from Default and validates the result

package options

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/shlex"
	"gopkg.in/yaml.v2"
)

// EnvVar is the environment variable read by FromEnvironment
const EnvVar = "MEMKIT_OPTIONS"

// LoadYAML decodes options from r on top of the defaults
func LoadYAML(r io.Reader) (Options, error) {
	o := Default()
	dec := yaml.NewDecoder(r)
	dec.SetStrict(true)
	if err := dec.Decode(&o); err != nil && !errors.Is(err, io.EOF) {
		return Options{}, fmt.Errorf("decoding options: %w", err)
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// ParseString applies a whitespace separated list of key=value pairs to o.
// Values may be quoted the way a shell would quote them.
func (o *Options) ParseString(s string) error {
	fields, err := shlex.Split(s)
	if err != nil {
		return fmt.Errorf("splitting option string: %w", err)
	}
	for _, f := range fields {
		name, value, ok := strings.Cut(f, "=")
		if !ok {
			return fmt.Errorf("%w: %q is not key=value", ErrInvalid, f)
		}
		if err := o.Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

// FromEnvironment returns the defaults overridden by MEMKIT_OPTIONS
func FromEnvironment() (Options, error) {
	o := Default()
	if s, ok := os.LookupEnv(EnvVar); ok {
		if err := o.ParseString(s); err != nil {
			return Options{}, fmt.Errorf("%s: %w", EnvVar, err)
		}
	}
	if err := o.Validate(); err != nil {
		return Options{}, err
	}
	return o, nil
}

// Encode writes o as YAML
func (o Options) Encode(w io.Writer) error {
	data, err := yaml.Marshal(o)
	if err != nil {
		return fmt.Errorf("encoding options: %w", err)
	}
	_, err = w.Write(data)
	return err
}
