// Package schema loads the protobuf service definitions that type the
// notification stream.  A schema comes either from .proto source, which
// is compiled in-process, or from a binary FileDescriptorSet produced by
// protoc --include_imports.
package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"

	ncerr "revnotify/internal/errors"

	// Well-known types that .proto sources may import.
	_ "google.golang.org/protobuf/types/known/durationpb"
	_ "google.golang.org/protobuf/types/known/emptypb"
	_ "google.golang.org/protobuf/types/known/structpb"
	_ "google.golang.org/protobuf/types/known/timestamppb"
	_ "google.golang.org/protobuf/types/known/wrapperspb"
)

// Schema is an immutable set of resolved protobuf files.
type Schema struct {
	files  *protoregistry.Files
	source string
}

// Load reads the schema at path.  Files ending in .pb, .binpb or .desc
// are treated as serialized FileDescriptorSets; anything else is parsed
// as .proto source, with imports resolved against the file's directory
// followed by importPaths.
func Load(path string, importPaths ...string) (*Schema, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".pb", ".binpb", ".desc":
		return loadDescriptorSet(path)
	}
	dirs := append([]string{filepath.Dir(path)}, importPaths...)
	c := newCompiler(func(name string) ([]byte, error) {
		for _, dir := range dirs {
			data, err := os.ReadFile(filepath.Join(dir, name))
			if err == nil {
				return data, nil
			}
			if !os.IsNotExist(err) {
				return nil, err
			}
		}
		return nil, fmt.Errorf("import %q not found in %s", name, strings.Join(dirs, ", "))
	})
	if _, err := c.compile(filepath.Base(path)); err != nil {
		return nil, err
	}
	return &Schema{files: c.local, source: path}, nil
}

// Parse compiles a single .proto document.  It may import only the
// well-known types.
func Parse(name, src string) (*Schema, error) {
	c := newCompiler(func(imp string) ([]byte, error) {
		if imp == name {
			return []byte(src), nil
		}
		return nil, fmt.Errorf("import %q not available", imp)
	})
	if _, err := c.compile(name); err != nil {
		return nil, err
	}
	return &Schema{files: c.local, source: name}, nil
}

// FromFiles wraps already-resolved descriptors, e.g. generated code.
func FromFiles(fds ...protoreflect.FileDescriptor) (*Schema, error) {
	files := new(protoregistry.Files)
	for _, fd := range fds {
		if err := files.RegisterFile(fd); err != nil {
			return nil, fmt.Errorf("registering %s: %w", fd.Path(), err)
		}
	}
	return &Schema{files: files, source: "<memory>"}, nil
}

func loadDescriptorSet(path string) (*Schema, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading schema %s: %w", path, err)
	}
	var set descriptorpb.FileDescriptorSet
	if err := proto.Unmarshal(data, &set); err != nil {
		return nil, fmt.Errorf("decoding descriptor set %s: %w", path, err)
	}
	files, err := protodesc.NewFiles(&set)
	if err != nil {
		return nil, fmt.Errorf("resolving descriptor set %s: %w", path, err)
	}
	return &Schema{files: files, source: path}, nil
}

// Source names where the schema came from.
func (s *Schema) Source() string { return s.source }

// Files exposes the underlying registry.
func (s *Schema) Files() *protoregistry.Files { return s.files }

// Service looks up a service by fully-qualified name, or by its short
// name when that is unambiguous.
func (s *Schema) Service(name string) (protoreflect.ServiceDescriptor, error) {
	if d, err := s.files.FindDescriptorByName(protoreflect.FullName(name)); err == nil {
		if sd, ok := d.(protoreflect.ServiceDescriptor); ok {
			return sd, nil
		}
	}

	var matches []protoreflect.ServiceDescriptor
	s.eachService(func(sd protoreflect.ServiceDescriptor) {
		if string(sd.Name()) == name {
			matches = append(matches, sd)
		}
	})
	switch len(matches) {
	case 0:
		return nil, fmt.Errorf("%w: %q in %s", ncerr.ErrUnknownService, name, s.source)
	case 1:
		return matches[0], nil
	default:
		return nil, fmt.Errorf("%w: %q is ambiguous (%s, %s)",
			ncerr.ErrUnknownService, name, matches[0].FullName(), matches[1].FullName())
	}
}

// Services lists the fully-qualified names of every service, sorted.
func (s *Schema) Services() []string {
	var out []string
	s.eachService(func(sd protoreflect.ServiceDescriptor) {
		out = append(out, string(sd.FullName()))
	})
	sort.Strings(out)
	return out
}

func (s *Schema) eachService(fn func(protoreflect.ServiceDescriptor)) {
	s.files.RangeFiles(func(fd protoreflect.FileDescriptor) bool {
		svcs := fd.Services()
		for i := 0; i < svcs.Len(); i++ {
			fn(svcs.Get(i))
		}
		return true
	})
}
