package schema

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"

	ncerr "revnotify/internal/errors"
)

const notifySource = `
syntax = "proto3";

package bimserver.notify;

import "google/protobuf/timestamp.proto";

enum Kind {
  KIND_UNSPECIFIED = 0;
  KIND_CREATED = 1;
  KIND_UPDATED = 2;
}

message ProgressUpdate {
  int64 topic_id = 1;
  Kind kind = 2;
  map<string, string> labels = 3;
  optional string title = 4;
  oneof detail {
    string message = 5;
    Stage stage = 6;
  }
  google.protobuf.Timestamp at = 7;
  repeated int32 steps = 8 [packed = true];

  message Stage {
    string name = 1;
    int32 percent = 2;
  }
}

message Empty {}

service NotificationInterface {
  rpc progress (ProgressUpdate) returns (Empty);
  rpc newProject (Empty) returns (Empty);
}
`

func TestParse_ResolvesService(t *testing.T) {
	s, err := Parse("notify.proto", notifySource)
	require.NoError(t, err)

	svc, err := s.Service("NotificationInterface")
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("bimserver.notify.NotificationInterface"), svc.FullName())
	require.Equal(t, 2, svc.Methods().Len())

	progress := svc.Methods().ByName("progress")
	require.NotNil(t, progress)
	assert.Equal(t, protoreflect.FullName("bimserver.notify.ProgressUpdate"), progress.Input().FullName())

	// Fully-qualified lookup works too.
	_, err = s.Service("bimserver.notify.NotificationInterface")
	require.NoError(t, err)
	assert.Equal(t, []string{"bimserver.notify.NotificationInterface"}, s.Services())
}

func TestParse_FieldShapes(t *testing.T) {
	s, err := Parse("notify.proto", notifySource)
	require.NoError(t, err)

	d, err := s.Files().FindDescriptorByName("bimserver.notify.ProgressUpdate")
	require.NoError(t, err)
	md := d.(protoreflect.MessageDescriptor)
	fields := md.Fields()

	assert.Equal(t, protoreflect.Int64Kind, fields.ByName("topic_id").Kind())
	assert.Equal(t, protoreflect.EnumKind, fields.ByName("kind").Kind())
	assert.True(t, fields.ByName("labels").IsMap())
	assert.True(t, fields.ByName("title").HasOptionalKeyword())
	assert.True(t, fields.ByName("title").HasPresence())
	assert.Equal(t, protoreflect.Name("detail"), fields.ByName("stage").ContainingOneof().Name())
	assert.Equal(t, protoreflect.MessageKind, fields.ByName("stage").Kind())
	assert.Equal(t, protoreflect.FullName("google.protobuf.Timestamp"), fields.ByName("at").Message().FullName())
	assert.True(t, fields.ByName("steps").IsList())
	assert.True(t, fields.ByName("steps").IsPacked())
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
	}{
		{"syntax error", `syntax = "proto3"; message {`},
		{"unknown type", `syntax = "proto3"; message A { Missing m = 1; }`},
		{"missing import", `syntax = "proto3"; import "other.proto";`},
		{"proto3 enum without zero", `syntax = "proto3"; enum E { ONE = 1; }`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("bad.proto", tt.src)
			assert.Error(t, err)
		})
	}
}

func TestService_Unknown(t *testing.T) {
	s, err := Parse("notify.proto", notifySource)
	require.NoError(t, err)

	_, err = s.Service("NoSuchService")
	assert.ErrorIs(t, err, ncerr.ErrUnknownService)
}

func TestService_AmbiguousShortName(t *testing.T) {
	a, err := Parse("a.proto", `syntax = "proto3"; package a; message M {} service S { rpc m (M) returns (M); }`)
	require.NoError(t, err)
	b, err := Parse("b.proto", `syntax = "proto3"; package b; message M {} service S { rpc m (M) returns (M); }`)
	require.NoError(t, err)

	fa, err := a.Files().FindFileByPath("a.proto")
	require.NoError(t, err)
	fb, err := b.Files().FindFileByPath("b.proto")
	require.NoError(t, err)

	both, err := FromFiles(fa, fb)
	require.NoError(t, err)

	_, err = both.Service("S")
	assert.ErrorIs(t, err, ncerr.ErrUnknownService)
	svc, err := both.Service("b.S")
	require.NoError(t, err)
	assert.Equal(t, protoreflect.FullName("b.S"), svc.FullName())
}

func TestLoad_WithLocalImport(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "types.proto", `
syntax = "proto3";
package bimserver.types;
message Topic { int64 id = 1; string name = 2; }
`)
	path := writeFile(t, dir, "service.proto", `
syntax = "proto3";
package bimserver.notify;
import "types.proto";
service Notifications {
  rpc topicChanged (bimserver.types.Topic) returns (bimserver.types.Topic);
}
`)
	s, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, s.Source())

	svc, err := s.Service("Notifications")
	require.NoError(t, err)
	m := svc.Methods().ByName("topicChanged")
	require.NotNil(t, m)
	assert.Equal(t, protoreflect.FullName("bimserver.types.Topic"), m.Input().FullName())
}

func TestLoad_ImportPaths(t *testing.T) {
	shared := t.TempDir()
	writeFile(t, shared, "common.proto", `syntax = "proto3"; package common; message Ping { string id = 1; }`)

	dir := t.TempDir()
	path := writeFile(t, dir, "svc.proto", `
syntax = "proto3";
import "common.proto";
service Pinger { rpc ping (common.Ping) returns (common.Ping); }
`)
	_, err := Load(path)
	require.Error(t, err, "import outside the file's directory needs an import path")

	s, err := Load(path, shared)
	require.NoError(t, err)
	_, err = s.Service("Pinger")
	assert.NoError(t, err)
}

func TestLoad_ImportCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.proto", `syntax = "proto3"; import "b.proto";`)
	path := writeFile(t, dir, "b.proto", `syntax = "proto3"; import "a.proto";`)

	_, err := Load(path)
	assert.ErrorContains(t, err, "import cycle")
}

func TestLoad_DescriptorSet(t *testing.T) {
	src, err := Parse("notify.proto", notifySource)
	require.NoError(t, err)
	fd, err := src.Files().FindFileByPath("notify.proto")
	require.NoError(t, err)

	wkt, err := protoregistryFile("google/protobuf/timestamp.proto")
	require.NoError(t, err)

	set := &descriptorpb.FileDescriptorSet{File: []*descriptorpb.FileDescriptorProto{
		protodesc.ToFileDescriptorProto(wkt),
		protodesc.ToFileDescriptorProto(fd),
	}}
	data, err := proto.Marshal(set)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "notify.binpb")
	require.NoError(t, os.WriteFile(path, data, 0o600))

	s, err := Load(path)
	require.NoError(t, err)
	svc, err := s.Service("NotificationInterface")
	require.NoError(t, err)
	assert.Equal(t, 2, svc.Methods().Len())
}

func TestLoad_BadDescriptorSet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "junk.desc")
	require.NoError(t, os.WriteFile(path, []byte{0xff, 0xff, 0xff}, 0o600))
	_, err := Load(path)
	assert.Error(t, err)

	_, err = Load(filepath.Join(t.TempDir(), "missing.pb"))
	assert.Error(t, err)
}

func TestMapEntryName(t *testing.T) {
	tests := map[string]string{
		"labels":      "LabelsEntry",
		"topic_names": "TopicNamesEntry",
		"a_b_c":       "ABCEntry",
		"already":     "AlreadyEntry",
	}
	for in, want := range tests {
		assert.Equal(t, want, mapEntryName(in), in)
	}
}

func writeFile(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func protoregistryFile(path string) (protoreflect.FileDescriptor, error) {
	return resolver{local: newCompiler(nil).local}.FindFileByPath(path)
}
