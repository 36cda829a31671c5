// Package cfg fills a configuration from its sources. From lowest to highest
// precedence: flag defaults, YAML files, environment variables, command line
// flags.
package cfg

import (
	"flag"

	"github.com/pkg/errors"

	"github.com/dev7a/serverless-otlp-forwarder-sub001/pkg/util/flagext"
)

// ConfigFileFlag names the YAML files to load. It may be repeated.
const ConfigFileFlag = "config.file"

// Registerer is a configuration that binds its fields to flags.
type Registerer interface {
	RegisterFlags(*flag.FlagSet)
}

// Source is a configuration source. Flags in fs are bound to the destination,
// so a source may set values either through fs or on the destination itself.
type Source func(fs *flag.FlagSet) error

// Unmarshal applies every source in order.
func Unmarshal(fs *flag.FlagSet, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	for _, source := range sources {
		if err := source(fs); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Args parses command line arguments.
func Args(args []string) Source {
	return func(fs *flag.FlagSet) error {
		return fs.Parse(args)
	}
}

// YAML strictly decodes files into dst.
func YAML(dst interface{}, files *flagext.ConfigFiles) Source {
	return func(*flag.FlagSet) error {
		return files.LoadInto(dst)
	}
}

// Env sets flags from environment variables named after them.
func Env(lookup func(string) (string, bool)) Source {
	return func(fs *flag.FlagSet) error {
		return flagext.SetFromEnv(fs, lookup)
	}
}

// Parse registers the flags of dst on fs and fills dst from every source.
// Arguments are parsed twice: first to find the config files, then again so
// they override values from files and the environment.
func Parse(dst Registerer, fs *flag.FlagSet, args []string, lookup func(string) (string, bool)) error {
	var files flagext.ConfigFiles
	fs.Var(&files, ConfigFileFlag, "YAML configuration file to load. May be repeated; later files override earlier ones.")
	dst.RegisterFlags(fs)

	if err := Args(args)(fs); err != nil {
		return errors.Wrap(err, "sourcing")
	}
	loaded := files
	return Unmarshal(fs,
		YAML(dst, &loaded),
		Env(lookup),
		Args(args),
	)
}
