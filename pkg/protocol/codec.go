// Package protocol 定义 go-streamnet 的控制消息集
//
// 本文件实现 JSON 信封编解码。
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/dep2p/go-streamnet/pkg/types"
)

// envelope 线缆信封
//
// 标签 + 原始载荷；解码时按标签选择具体消息类型。
type envelope struct {
	Tag     Tag             `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode 编码控制消息为线缆帧
func Encode(msg Message) ([]byte, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageTag(), err)
	}
	return json.Marshal(envelope{Tag: msg.MessageTag(), Payload: payload})
}

// Decode 解码线缆帧为控制消息
//
// 未识别的标签返回 types.ErrUnknownFrame，
// 载荷不合法返回 types.ErrMalformedPayload。
func Decode(frame []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedPayload, err)
	}

	msg, err := newMessage(env.Tag)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", types.ErrMalformedPayload, env.Tag, err)
	}

	return deref(msg), nil
}

// newMessage 按标签创建空消息
func newMessage(tag Tag) (Message, error) {
	switch tag {
	case TagBroadcast:
		return &BroadcastMessage{}, nil
	case TagUnicast:
		return &UnicastMessage{}, nil
	case TagSubscribe:
		return &SubscribeRequest{}, nil
	case TagUnsubscribe:
		return &UnsubscribeRequest{}, nil
	case TagResendLast:
		return &ResendLastRequest{}, nil
	case TagResendFrom:
		return &ResendFromRequest{}, nil
	case TagResendRange:
		return &ResendRangeRequest{}, nil
	case TagResendResponseResending:
		return &ResendResponseResending{}, nil
	case TagResendResponseResent:
		return &ResendResponseResent{}, nil
	case TagResendResponseNoResend:
		return &ResendResponseNoResend{}, nil
	case TagStatus:
		return &StatusMessage{}, nil
	case TagInstruction:
		return &InstructionMessage{}, nil
	case TagStorageNodesRequest:
		return &StorageNodesRequest{}, nil
	case TagStorageNodesResponse:
		return &StorageNodesResponse{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownFrame, tag)
	}
}

// deref 解码后转回值类型，处理方可直接做类型断言
func deref(msg Message) Message {
	switch m := msg.(type) {
	case *BroadcastMessage:
		return *m
	case *UnicastMessage:
		return *m
	case *SubscribeRequest:
		return *m
	case *UnsubscribeRequest:
		return *m
	case *ResendLastRequest:
		return *m
	case *ResendFromRequest:
		return *m
	case *ResendRangeRequest:
		return *m
	case *ResendResponseResending:
		return *m
	case *ResendResponseResent:
		return *m
	case *ResendResponseNoResend:
		return *m
	case *StatusMessage:
		return *m
	case *InstructionMessage:
		return *m
	case *StorageNodesRequest:
		return *m
	case *StorageNodesResponse:
		return *m
	default:
		return msg
	}
}
