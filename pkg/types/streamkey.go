// Package types 定义 go-streamnet 的基础类型
//
// 本文件定义流标识相关类型。
package types

import (
	"fmt"
	"strconv"
	"strings"
)

// ============================================================================
//                              StreamKey - 流标识
// ============================================================================

// StreamKey 流标识
//
// 由流 ID 与分区号组成，标识一条逻辑子流。
// 规范文本形式为 "<streamId>::<partition>"，用作 map 键及日志载荷。
type StreamKey struct {
	StreamID  string
	Partition int
}

// NewStreamKey 创建流标识
//
// 分区号必须为非负整数。
func NewStreamKey(streamID string, partition int) (StreamKey, error) {
	if streamID == "" {
		return StreamKey{}, ErrEmptyStreamID
	}
	if partition < 0 {
		return StreamKey{}, fmt.Errorf("%w: %d", ErrInvalidPartition, partition)
	}
	return StreamKey{StreamID: streamID, Partition: partition}, nil
}

// ParseStreamKey 解析规范文本形式 "<streamId>::<partition>"
func ParseStreamKey(s string) (StreamKey, error) {
	idx := strings.LastIndex(s, "::")
	if idx < 0 {
		return StreamKey{}, fmt.Errorf("%w: %q", ErrMalformedStreamKey, s)
	}
	partition, err := strconv.Atoi(s[idx+2:])
	if err != nil {
		return StreamKey{}, fmt.Errorf("%w: %q", ErrMalformedStreamKey, s)
	}
	return NewStreamKey(s[:idx], partition)
}

// String 返回规范文本形式
func (k StreamKey) String() string {
	return k.StreamID + "::" + strconv.Itoa(k.Partition)
}
