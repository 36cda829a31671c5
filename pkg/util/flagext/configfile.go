package flagext

import (
	"flag"
	"os"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

type ConfigFiles []string

// String implements flag.Value
// Format: file1.yaml,file2.yaml
func (cfgFiles *ConfigFiles) String() string {
	return strings.Join(*cfgFiles, ",")
}

// Set implements flag.Value
func (cfgFiles *ConfigFiles) Set(value string) error {
	*cfgFiles = append(*cfgFiles, value)
	return nil
}

// LoadInto strictly decodes every file, in order, into dst. Later files
// override fields set by earlier ones.
func (cfgFiles ConfigFiles) LoadInto(dst interface{}) error {
	for _, path := range cfgFiles {
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrapf(err, "reading config file %s", path)
		}
		if err := yaml.UnmarshalStrict(buf, dst); err != nil {
			return errors.Wrapf(err, "parsing config file %s", path)
		}
	}
	return nil
}

// EnvName maps a flag name to its environment variable name:
// "collectors.cache-ttl-seconds" becomes "COLLECTORS_CACHE_TTL_SECONDS".
func EnvName(flagName string) string {
	return strings.ToUpper(strings.NewReplacer(".", "_", "-", "_").Replace(flagName))
}

// SetFromEnv sets every flag in fs whose environment variable is present.
// lookup is usually os.LookupEnv.
func SetFromEnv(fs *flag.FlagSet, lookup func(string) (string, bool)) error {
	var firstErr error
	fs.VisitAll(func(f *flag.Flag) {
		if firstErr != nil {
			return
		}
		value, ok := lookup(EnvName(f.Name))
		if !ok {
			return
		}
		if err := fs.Set(f.Name, value); err != nil {
			firstErr = errors.Wrapf(err, "invalid value %q for %s", value, EnvName(f.Name))
		}
	})
	return firstErr
}
