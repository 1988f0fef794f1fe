package cfg

import (
	"bytes"
	"flag"
	"io"
	"os"
	"reflect"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Registerer is a configuration struct that registers its own flags.
type Registerer interface {
	RegisterFlags(*flag.FlagSet)
}

// Source is a generic configuration source. This function may do whatever is
// required to obtain the configuration. It is passed a pointer to the
// destination, which may already contain data from previous sources.
type Source func(interface{}) error

// Unmarshal merges the values of the various configuration sources and sets them on
// `dst`, in order.
func Unmarshal(dst interface{}, sources ...Source) error {
	if len(sources) == 0 {
		panic("No sources supplied to cfg.Unmarshal(). This is most likely a programming issue and should never happen. Check the code!")
	}
	if reflect.ValueOf(dst).Kind() != reflect.Ptr {
		panic("dst not a pointer")
	}
	for _, source := range sources {
		if err := source(dst); err != nil {
			return errors.Wrap(err, "sourcing")
		}
	}
	return nil
}

// Defaults registers the flags of dst on fs, which sets every field of dst to
// its flag default. It must be the first source.
func Defaults(fs *flag.FlagSet) Source {
	return func(dst interface{}) error {
		r, ok := dst.(Registerer)
		if !ok {
			return errors.New("dst does not satisfy flagext.Registerer")
		}
		r.RegisterFlags(fs)
		return nil
	}
}

// YAMLFile decodes the file at path into dst. Unknown fields are rejected.
// An empty path is ignored.
func YAMLFile(path string) Source {
	return func(dst interface{}) error {
		if path == "" {
			return nil
		}
		buf, err := os.ReadFile(path)
		if err != nil {
			return errors.Wrap(err, "Error reading config file")
		}
		return errors.Wrapf(YAML(buf)(dst), "Error parsing config file %s", path)
	}
}

// YAML decodes buf into dst. Unknown fields are rejected.
func YAML(buf []byte) Source {
	return func(dst interface{}) error {
		dec := yaml.NewDecoder(bytes.NewReader(buf))
		dec.KnownFields(true)
		if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		return nil
	}
}

// Kingpin exposes every flag of fs on app. Command line values are written to
// the same fields the flags were registered for, so they override the
// values of earlier sources when app parses its arguments.
func Kingpin(app *kingpin.Application, fs *flag.FlagSet) {
	fs.VisitAll(func(f *flag.Flag) {
		app.Flag(f.Name, f.Usage).SetValue(f.Value)
	})
}

// ConfigFileFromArgs returns the value of the flag name in args, so the
// configuration file can be loaded before the command line is parsed.
func ConfigFileFromArgs(args []string, name string) string {
	for i, arg := range args {
		if !strings.HasPrefix(arg, "-") {
			continue
		}
		arg = strings.TrimLeft(arg, "-")
		if arg == name && i+1 < len(args) {
			return args[i+1]
		}
		if v, ok := strings.CutPrefix(arg, name+"="); ok {
			return v
		}
	}
	return ""
}
