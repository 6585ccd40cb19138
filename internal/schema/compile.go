package schema

import (
	"bytes"
	"fmt"
	"strings"

	protoparser "github.com/emicklei/proto"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/reflect/protoregistry"
	"google.golang.org/protobuf/types/descriptorpb"
)

// compiler turns .proto source into resolved descriptors.  Imports are
// compiled depth-first; the well-known types come from the global
// registry.
type compiler struct {
	read    func(name string) ([]byte, error)
	local   *protoregistry.Files
	pending map[string]bool
}

func newCompiler(read func(string) ([]byte, error)) *compiler {
	return &compiler{
		read:    read,
		local:   new(protoregistry.Files),
		pending: make(map[string]bool),
	}
}

func (c *compiler) compile(name string) (protoreflect.FileDescriptor, error) {
	if fd, err := c.local.FindFileByPath(name); err == nil {
		return fd, nil
	}
	if fd, err := protoregistry.GlobalFiles.FindFileByPath(name); err == nil {
		return fd, nil
	}
	if c.pending[name] {
		return nil, fmt.Errorf("import cycle through %s", name)
	}
	c.pending[name] = true
	defer delete(c.pending, name)

	src, err := c.read(name)
	if err != nil {
		return nil, err
	}
	parser := protoparser.NewParser(bytes.NewReader(src))
	parser.Filename(name)
	def, err := parser.Parse()
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", name, err)
	}

	fdp := buildFile(name, def)
	for _, dep := range fdp.GetDependency() {
		if _, err := c.compile(dep); err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
	}

	fd, err := protodesc.NewFile(fdp, resolver{c.local})
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", name, err)
	}
	if err := c.local.RegisterFile(fd); err != nil {
		return nil, fmt.Errorf("registering %s: %w", name, err)
	}
	return fd, nil
}

// resolver searches the compiled files before the global registry.
type resolver struct{ local *protoregistry.Files }

func (r resolver) FindFileByPath(path string) (protoreflect.FileDescriptor, error) {
	if fd, err := r.local.FindFileByPath(path); err == nil {
		return fd, nil
	}
	return protoregistry.GlobalFiles.FindFileByPath(path)
}

func (r resolver) FindDescriptorByName(name protoreflect.FullName) (protoreflect.Descriptor, error) {
	if d, err := r.local.FindDescriptorByName(name); err == nil {
		return d, nil
	}
	return protoregistry.GlobalFiles.FindDescriptorByName(name)
}

// ── descriptor construction ──────────────────────────────────────────

var scalarTypes = map[string]descriptorpb.FieldDescriptorProto_Type{ //nolint:gochecknoglobals
	"double":   descriptorpb.FieldDescriptorProto_TYPE_DOUBLE,
	"float":    descriptorpb.FieldDescriptorProto_TYPE_FLOAT,
	"int64":    descriptorpb.FieldDescriptorProto_TYPE_INT64,
	"uint64":   descriptorpb.FieldDescriptorProto_TYPE_UINT64,
	"int32":    descriptorpb.FieldDescriptorProto_TYPE_INT32,
	"fixed64":  descriptorpb.FieldDescriptorProto_TYPE_FIXED64,
	"fixed32":  descriptorpb.FieldDescriptorProto_TYPE_FIXED32,
	"bool":     descriptorpb.FieldDescriptorProto_TYPE_BOOL,
	"string":   descriptorpb.FieldDescriptorProto_TYPE_STRING,
	"bytes":    descriptorpb.FieldDescriptorProto_TYPE_BYTES,
	"uint32":   descriptorpb.FieldDescriptorProto_TYPE_UINT32,
	"sfixed32": descriptorpb.FieldDescriptorProto_TYPE_SFIXED32,
	"sfixed64": descriptorpb.FieldDescriptorProto_TYPE_SFIXED64,
	"sint32":   descriptorpb.FieldDescriptorProto_TYPE_SINT32,
	"sint64":   descriptorpb.FieldDescriptorProto_TYPE_SINT64,
}

func buildFile(name string, def *protoparser.Proto) *descriptorpb.FileDescriptorProto {
	fdp := &descriptorpb.FileDescriptorProto{
		Name:   proto.String(name),
		Syntax: proto.String("proto2"),
	}
	for _, el := range def.Elements {
		switch v := el.(type) {
		case *protoparser.Syntax:
			fdp.Syntax = proto.String(v.Value)
		case *protoparser.Package:
			fdp.Package = proto.String(v.Name)
		case *protoparser.Import:
			fdp.Dependency = append(fdp.Dependency, v.Filename)
		case *protoparser.Message:
			if !v.IsExtend {
				fdp.MessageType = append(fdp.MessageType, buildMessage(v, fdp.GetSyntax() == "proto3"))
			}
		case *protoparser.Enum:
			fdp.EnumType = append(fdp.EnumType, buildEnum(v))
		case *protoparser.Service:
			fdp.Service = append(fdp.Service, buildService(v))
		}
	}
	return fdp
}

func buildMessage(m *protoparser.Message, proto3 bool) *descriptorpb.DescriptorProto {
	dp := &descriptorpb.DescriptorProto{Name: proto.String(m.Name)}
	var synthetic []*descriptorpb.FieldDescriptorProto

	for _, el := range m.Elements {
		switch v := el.(type) {
		case *protoparser.NormalField:
			f := buildField(v.Field)
			switch {
			case v.Repeated:
				f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
			case v.Required:
				f.Label = descriptorpb.FieldDescriptorProto_LABEL_REQUIRED.Enum()
			case v.Optional && proto3:
				f.Proto3Optional = proto.Bool(true)
				synthetic = append(synthetic, f)
			}
			dp.Field = append(dp.Field, f)
		case *protoparser.MapField:
			entry := buildMapEntry(v)
			dp.NestedType = append(dp.NestedType, entry)
			f := buildField(v.Field)
			f.Label = descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum()
			f.Type = descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum()
			f.TypeName = proto.String(entry.GetName())
			dp.Field = append(dp.Field, f)
		case *protoparser.Oneof:
			idx := int32(len(dp.OneofDecl))
			dp.OneofDecl = append(dp.OneofDecl, &descriptorpb.OneofDescriptorProto{Name: proto.String(v.Name)})
			for _, oel := range v.Elements {
				if of, ok := oel.(*protoparser.OneOfField); ok {
					f := buildField(of.Field)
					f.OneofIndex = proto.Int32(idx)
					dp.Field = append(dp.Field, f)
				}
			}
		case *protoparser.Message:
			if !v.IsExtend {
				dp.NestedType = append(dp.NestedType, buildMessage(v, proto3))
			}
		case *protoparser.Enum:
			dp.EnumType = append(dp.EnumType, buildEnum(v))
		}
	}

	// Synthetic oneofs for proto3 optional must follow the real ones.
	for _, f := range synthetic {
		f.OneofIndex = proto.Int32(int32(len(dp.OneofDecl)))
		dp.OneofDecl = append(dp.OneofDecl, &descriptorpb.OneofDescriptorProto{
			Name: proto.String("_" + f.GetName()),
		})
	}
	return dp
}

func buildField(f *protoparser.Field) *descriptorpb.FieldDescriptorProto {
	fdp := &descriptorpb.FieldDescriptorProto{
		Name:   proto.String(f.Name),
		Number: proto.Int32(int32(f.Sequence)),
		Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
	}
	if t, ok := scalarTypes[f.Type]; ok {
		fdp.Type = t.Enum()
	} else {
		// Message or enum; protodesc settles which during resolution.
		fdp.TypeName = proto.String(f.Type)
	}
	for _, opt := range f.Options {
		if opt.Name == "packed" {
			if fdp.Options == nil {
				fdp.Options = &descriptorpb.FieldOptions{}
			}
			fdp.Options.Packed = proto.Bool(opt.Constant.Source == "true")
		}
	}
	return fdp
}

func buildMapEntry(m *protoparser.MapField) *descriptorpb.DescriptorProto {
	key := buildField(&protoparser.Field{Name: "key", Type: m.KeyType, Sequence: 1})
	value := buildField(&protoparser.Field{Name: "value", Type: m.Type, Sequence: 2})
	return &descriptorpb.DescriptorProto{
		Name:    proto.String(mapEntryName(m.Name)),
		Field:   []*descriptorpb.FieldDescriptorProto{key, value},
		Options: &descriptorpb.MessageOptions{MapEntry: proto.Bool(true)},
	}
}

// mapEntryName derives the synthesized entry message name: the field
// name in CamelCase followed by "Entry".
func mapEntryName(field string) string {
	var b strings.Builder
	upperNext := true
	for _, r := range field {
		switch {
		case r == '_':
			upperNext = true
		case upperNext:
			b.WriteString(strings.ToUpper(string(r)))
			upperNext = false
		default:
			b.WriteRune(r)
		}
	}
	b.WriteString("Entry")
	return b.String()
}

func buildEnum(e *protoparser.Enum) *descriptorpb.EnumDescriptorProto {
	ep := &descriptorpb.EnumDescriptorProto{Name: proto.String(e.Name)}
	for _, el := range e.Elements {
		switch v := el.(type) {
		case *protoparser.EnumField:
			ep.Value = append(ep.Value, &descriptorpb.EnumValueDescriptorProto{
				Name:   proto.String(v.Name),
				Number: proto.Int32(int32(v.Integer)),
			})
		case *protoparser.Option:
			if v.Name == "allow_alias" {
				ep.Options = &descriptorpb.EnumOptions{AllowAlias: proto.Bool(v.Constant.Source == "true")}
			}
		}
	}
	return ep
}

func buildService(s *protoparser.Service) *descriptorpb.ServiceDescriptorProto {
	sp := &descriptorpb.ServiceDescriptorProto{Name: proto.String(s.Name)}
	for _, el := range s.Elements {
		if rpc, ok := el.(*protoparser.RPC); ok {
			sp.Method = append(sp.Method, &descriptorpb.MethodDescriptorProto{
				Name:            proto.String(rpc.Name),
				InputType:       proto.String(rpc.RequestType),
				OutputType:      proto.String(rpc.ReturnsType),
				ClientStreaming: proto.Bool(rpc.StreamsRequest),
				ServerStreaming: proto.Bool(rpc.StreamsReturns),
			})
		}
	}
	return sp
}
