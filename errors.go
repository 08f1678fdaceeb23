package streamnet

import "errors"

// 门面生命周期错误
var (
	// ErrAlreadyStarted 实例已启动
	ErrAlreadyStarted = errors.New("streamnet: already started")

	// ErrNotStarted 实例尚未启动
	ErrNotStarted = errors.New("streamnet: not started")
)
