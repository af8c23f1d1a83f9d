//go:build ignore

// gen.go generates the raw FileDescriptorProto bytes needed for
// proto/profile/profile.pb.go's legacy-protobuf registration.
// Run with: go run ./internal/proto/gen/gen.go
package main

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"os"

	"google.golang.org/protobuf/proto"
	descriptorpb "google.golang.org/protobuf/types/descriptorpb"
)

func main() {
	b := ptr[bool]
	s := ptr[string]
	_ = b
	_ = s

	fd := &descriptorpb.FileDescriptorProto{
		Name:    s("proto/profile.proto"),
		Package: s("profile"),
		Options: &descriptorpb.FileOptions{
			GoPackage: s("github.com/tripwire/profiler/proto/profile"),
		},
		Syntax: s("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{
			{
				Name: s("ProfileBatch"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("watcher_name"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("watcherName")},
					{Name: s("period_type"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("periodType")},
					{Name: s("period"), Number: p(3), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("period")},
					{Name: s("time_nanos"), Number: p(4), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("timeNanos")},
					{Name: s("duration_nanos"), Number: p(5), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_INT64.Enum(), JsonName: s("durationNanos")},
					{Name: s("pprof_gzip_bytes"), Number: p(6), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BYTES.Enum(), JsonName: s("pprofGzipBytes")},
					{Name: s("labels"), Number: p(7), Label: descriptorpb.FieldDescriptorProto_LABEL_REPEATED.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_MESSAGE.Enum(), TypeName: s(".profile.ProfileBatch.LabelsEntry"), JsonName: s("labels")},
					{Name: s("session_id"), Number: p(8), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("sessionId")},
				},
				NestedType: []*descriptorpb.DescriptorProto{
					{
						Name: s("LabelsEntry"),
						Field: []*descriptorpb.FieldDescriptorProto{
							{Name: s("key"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("key")},
							{Name: s("value"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("value")},
						},
						Options: &descriptorpb.MessageOptions{MapEntry: b(true)},
					},
				},
			},
			{
				Name: s("UploadAck"),
				Field: []*descriptorpb.FieldDescriptorProto{
					{Name: s("accepted"), Number: p(1), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_BOOL.Enum(), JsonName: s("accepted")},
					{Name: s("message"), Number: p(2), Label: descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(), Type: descriptorpb.FieldDescriptorProto_TYPE_STRING.Enum(), JsonName: s("message")},
				},
			},
		},
		Service: []*descriptorpb.ServiceDescriptorProto{
			{
				Name: s("ProfileService"),
				Method: []*descriptorpb.MethodDescriptorProto{
					{
						Name:       s("UploadProfile"),
						InputType:  s(".profile.ProfileBatch"),
						OutputType: s(".profile.UploadAck"),
					},
				},
			},
		},
	}

	raw, err := proto.Marshal(fd)
	if err != nil {
		fmt.Fprintf(os.Stderr, "marshal error: %v\n", err)
		os.Exit(1)
	}

	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		fmt.Fprintf(os.Stderr, "gzip write error: %v\n", err)
		os.Exit(1)
	}
	if err := w.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "gzip close error: %v\n", err)
		os.Exit(1)
	}

	gzBytes := buf.Bytes()
	fmt.Printf("// Raw: %d bytes, GZip: %d bytes\n", len(raw), len(gzBytes))
	fmt.Printf("var file_proto_profile_proto_rawDescGZIP_once sync.Once\n")
	fmt.Printf("var file_proto_profile_proto_rawDescGZIP_data []byte\n\n")
	fmt.Printf("var file_proto_profile_proto_rawDesc = []byte{\n\t")
	for i, b := range gzBytes {
		if i > 0 && i%16 == 0 {
			fmt.Printf("\n\t")
		}
		fmt.Printf("0x%02x,", b)
	}
	fmt.Printf("\n}\n")
}

func ptr[T any](v T) *T { return &v }
func s(v string) *string { return &v }
func p(v int32) *int32   { return &v }
func b(v bool) *bool     { return &v }
