// Package profile contains the wire messages for ProfileService, the RPC
// the agent uses to upload one watcher's aggregated profile per cycle to the
// remote collector.
//
// These types are hand-written in the legacy protobuf-Go style (struct tags
// plus Reset/String/ProtoMessage) rather than produced by protoc; the
// protobuf-go runtime recognizes this style via its legacy-message wrapper,
// so ProfileBatch and UploadAck work transparently with grpc.Marshal and
// proto.Marshal without a generated descriptor.
package profile

import (
	"fmt"

	"google.golang.org/protobuf/protoadapt"
)

// ProfileBatch carries one watcher's aggregated, gzip-compressed pprof
// profile for a single cycle.
type ProfileBatch struct {
	WatcherName    string            `protobuf:"bytes,1,opt,name=watcher_name,json=watcherName,proto3" json:"watcher_name,omitempty"`
	PeriodType     string            `protobuf:"bytes,2,opt,name=period_type,json=periodType,proto3" json:"period_type,omitempty"`
	Period         int64             `protobuf:"varint,3,opt,name=period,proto3" json:"period,omitempty"`
	TimeNanos      int64             `protobuf:"varint,4,opt,name=time_nanos,json=timeNanos,proto3" json:"time_nanos,omitempty"`
	DurationNanos  int64             `protobuf:"varint,5,opt,name=duration_nanos,json=durationNanos,proto3" json:"duration_nanos,omitempty"`
	PprofGzipBytes []byte            `protobuf:"bytes,6,opt,name=pprof_gzip_bytes,json=pprofGzipBytes,proto3" json:"pprof_gzip_bytes,omitempty"`
	Labels         map[string]string `protobuf:"bytes,7,rep,name=labels,proto3" json:"labels,omitempty" protobuf_key:"bytes,1,opt,name=key,proto3" protobuf_val:"bytes,2,opt,name=value,proto3"`
	SessionId      string            `protobuf:"bytes,8,opt,name=session_id,json=sessionId,proto3" json:"session_id,omitempty"`
}

func (m *ProfileBatch) Reset()         { *m = ProfileBatch{} }
func (m *ProfileBatch) String() string { return fmt.Sprintf("%+v", *m) }
func (*ProfileBatch) ProtoMessage()    {}

func (m *ProfileBatch) GetWatcherName() string {
	if m != nil {
		return m.WatcherName
	}
	return ""
}

func (m *ProfileBatch) GetPeriodType() string {
	if m != nil {
		return m.PeriodType
	}
	return ""
}

func (m *ProfileBatch) GetPeriod() int64 {
	if m != nil {
		return m.Period
	}
	return 0
}

func (m *ProfileBatch) GetTimeNanos() int64 {
	if m != nil {
		return m.TimeNanos
	}
	return 0
}

func (m *ProfileBatch) GetDurationNanos() int64 {
	if m != nil {
		return m.DurationNanos
	}
	return 0
}

func (m *ProfileBatch) GetPprofGzipBytes() []byte {
	if m != nil {
		return m.PprofGzipBytes
	}
	return nil
}

func (m *ProfileBatch) GetLabels() map[string]string {
	if m != nil {
		return m.Labels
	}
	return nil
}

func (m *ProfileBatch) GetSessionId() string {
	if m != nil {
		return m.SessionId
	}
	return ""
}

// UploadAck acknowledges (or rejects) one ProfileBatch.
type UploadAck struct {
	Accepted bool   `protobuf:"varint,1,opt,name=accepted,proto3" json:"accepted,omitempty"`
	Message  string `protobuf:"bytes,2,opt,name=message,proto3" json:"message,omitempty"`
}

func (m *UploadAck) Reset()         { *m = UploadAck{} }
func (m *UploadAck) String() string { return fmt.Sprintf("%+v", *m) }
func (*UploadAck) ProtoMessage()    {}

func (m *UploadAck) GetAccepted() bool {
	if m != nil {
		return m.Accepted
	}
	return false
}

func (m *UploadAck) GetMessage() string {
	if m != nil {
		return m.Message
	}
	return ""
}

// Both messages implement the legacy (APIv1) protobuf message interface;
// the gRPC proto codec wraps values satisfying this interface into the
// modern protoreflect representation automatically.
var (
	_ protoadapt.MessageV1 = (*ProfileBatch)(nil)
	_ protoadapt.MessageV1 = (*UploadAck)(nil)
)
