package socket

import (
	"fmt"

	"github.com/golang/protobuf/proto"
)

type Operation int32

const (
	OperationUnknown      Operation = 0
	OperationPublish      Operation = 1
	OperationPublishBatch Operation = 2
	OperationReplay       Operation = 3
	OperationSnapshot     Operation = 4
	OperationNextSequence Operation = 5
	OperationPing         Operation = 6
	OperationHealth       Operation = 7
)

type ErrorCode int32

const (
	ErrorCodeOK              ErrorCode = 0
	ErrorCodeBadRequest      ErrorCode = 1
	ErrorCodeUnauthenticated ErrorCode = 2
	ErrorCodeCompacted       ErrorCode = 3
	ErrorCodeOverloaded      ErrorCode = 4
	ErrorCodeInternal        ErrorCode = 5
)

type SocketRequest struct {
	RequestId    string               `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	AuthToken    string               `protobuf:"bytes,2,opt,name=auth_token,json=authToken,proto3"`
	Operation    int32                `protobuf:"varint,3,opt,name=operation,proto3"`
	Publish      *PublishRequest      `protobuf:"bytes,4,opt,name=publish,proto3"`
	PublishBatch *PublishBatchRequest `protobuf:"bytes,5,opt,name=publish_batch,json=publishBatch,proto3"`
	Replay       *ReplayQuery         `protobuf:"bytes,6,opt,name=replay,proto3"`
	Ping         *PingRequest         `protobuf:"bytes,7,opt,name=ping,proto3"`
}

func (*SocketRequest) Reset()         {}
func (*SocketRequest) String() string { return "SocketRequest" }
func (*SocketRequest) ProtoMessage()  {}

type SocketResponse struct {
	RequestId    string                `protobuf:"bytes,1,opt,name=request_id,json=requestId,proto3"`
	ErrorCode    int32                 `protobuf:"varint,2,opt,name=error_code,json=errorCode,proto3"`
	ErrorMessage string                `protobuf:"bytes,3,opt,name=error_message,json=errorMessage,proto3"`
	Publish      *PublishResponse      `protobuf:"bytes,4,opt,name=publish,proto3"`
	Replay       *ReplayResponse       `protobuf:"bytes,5,opt,name=replay,proto3"`
	Snapshot     *SnapshotResponse     `protobuf:"bytes,6,opt,name=snapshot,proto3"`
	NextSequence *NextSequenceResponse `protobuf:"bytes,7,opt,name=next_sequence,json=nextSequence,proto3"`
	Pong         *PongResponse         `protobuf:"bytes,8,opt,name=pong,proto3"`
	Health       *HealthResponse       `protobuf:"bytes,9,opt,name=health,proto3"`
}

func (*SocketResponse) Reset()         {}
func (*SocketResponse) String() string { return "SocketResponse" }
func (*SocketResponse) ProtoMessage()  {}

type Event struct {
	Sequence  uint64 `protobuf:"varint,1,opt,name=sequence,proto3"`
	Timestamp int64  `protobuf:"varint,2,opt,name=timestamp,proto3"`
	ClientId  string `protobuf:"bytes,3,opt,name=client_id,json=clientId,proto3"`
	Kind      string `protobuf:"bytes,4,opt,name=kind,proto3"`
	Payload   []byte `protobuf:"bytes,5,opt,name=payload,proto3"`
}

func (*Event) Reset()         {}
func (*Event) String() string { return "Event" }
func (*Event) ProtoMessage()  {}

type PublishRequest struct {
	Event *Event `protobuf:"bytes,1,opt,name=event,proto3"`
}

func (*PublishRequest) Reset()         {}
func (*PublishRequest) String() string { return "PublishRequest" }
func (*PublishRequest) ProtoMessage()  {}

type PublishBatchRequest struct {
	Events []*Event `protobuf:"bytes,1,rep,name=events,proto3"`
}

func (*PublishBatchRequest) Reset()         {}
func (*PublishBatchRequest) String() string { return "PublishBatchRequest" }
func (*PublishBatchRequest) ProtoMessage()  {}

type PublishResponse struct {
	Accepted bool   `protobuf:"varint,1,opt,name=accepted,proto3"`
	Offset   uint64 `protobuf:"varint,2,opt,name=offset,proto3"`
}

func (*PublishResponse) Reset()         {}
func (*PublishResponse) String() string { return "PublishResponse" }
func (*PublishResponse) ProtoMessage()  {}

type ReplayQuery struct {
	Offset uint64 `protobuf:"varint,1,opt,name=offset,proto3"`
}

func (*ReplayQuery) Reset()         {}
func (*ReplayQuery) String() string { return "ReplayQuery" }
func (*ReplayQuery) ProtoMessage()  {}

type OffsetEvent struct {
	Offset uint64 `protobuf:"varint,1,opt,name=offset,proto3"`
	Event  *Event `protobuf:"bytes,2,opt,name=event,proto3"`
}

func (*OffsetEvent) Reset()         {}
func (*OffsetEvent) String() string { return "OffsetEvent" }
func (*OffsetEvent) ProtoMessage()  {}

type ReplayResponse struct {
	Events     []*OffsetEvent `protobuf:"bytes,1,rep,name=events,proto3"`
	NextOffset uint64         `protobuf:"varint,2,opt,name=next_offset,json=nextOffset,proto3"`
}

func (*ReplayResponse) Reset()         {}
func (*ReplayResponse) String() string { return "ReplayResponse" }
func (*ReplayResponse) ProtoMessage()  {}

type SnapshotResponse struct {
	StateJson  []byte `protobuf:"bytes,1,opt,name=state_json,json=stateJson,proto3"`
	NextOffset uint64 `protobuf:"varint,2,opt,name=next_offset,json=nextOffset,proto3"`
}

func (*SnapshotResponse) Reset()         {}
func (*SnapshotResponse) String() string { return "SnapshotResponse" }
func (*SnapshotResponse) ProtoMessage()  {}

type NextSequenceResponse struct {
	Sequence uint64 `protobuf:"varint,1,opt,name=sequence,proto3"`
}

func (*NextSequenceResponse) Reset()         {}
func (*NextSequenceResponse) String() string { return "NextSequenceResponse" }
func (*NextSequenceResponse) ProtoMessage()  {}

type PingRequest struct{}

func (*PingRequest) Reset()         {}
func (*PingRequest) String() string { return "PingRequest" }
func (*PingRequest) ProtoMessage()  {}

type PongResponse struct {
	UnixTimeNs int64 `protobuf:"varint,1,opt,name=unix_time_ns,json=unixTimeNs,proto3"`
}

func (*PongResponse) Reset()         {}
func (*PongResponse) String() string { return "PongResponse" }
func (*PongResponse) ProtoMessage()  {}

type HealthResponse struct {
	Ok      bool   `protobuf:"varint,1,opt,name=ok,proto3"`
	Message string `protobuf:"bytes,2,opt,name=message,proto3"`
}

func (*HealthResponse) Reset()         {}
func (*HealthResponse) String() string { return "HealthResponse" }
func (*HealthResponse) ProtoMessage()  {}

func MarshalMessage(msg proto.Message) ([]byte, error) { return proto.Marshal(msg) }

func UnmarshalRequest(payload []byte) (*SocketRequest, error) {
	var req SocketRequest
	if err := proto.Unmarshal(payload, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

func UnmarshalResponse(payload []byte) (*SocketResponse, error) {
	var res SocketResponse
	if err := proto.Unmarshal(payload, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

func ValidateRequest(req *SocketRequest) error {
	if req == nil {
		return fmt.Errorf("nil request")
	}
	if req.Operation == int32(OperationUnknown) {
		return fmt.Errorf("operation is required")
	}
	return nil
}
