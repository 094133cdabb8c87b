package services

import "errors"

var (
	// ErrGeneration 生成服务没有返回可用内容（空文本、JSON 错误、网络失败）
	ErrGeneration = errors.New("生成失败")
	// ErrPersistence 存档读写失败
	ErrPersistence = errors.New("保存失败")
	// ErrValidation 输入不合法，在任何网络调用之前被拒绝
	ErrValidation = errors.New("参数错误")
	// ErrTurnInFlight 当前会话已有一个回合在处理中
	ErrTurnInFlight = errors.New("上一回合仍在处理中")
	// ErrNoActiveWorld 尚未进入任何世界
	ErrNoActiveWorld = errors.New("当前没有进入的世界")
	// ErrTemplateNotFound 模板不存在
	ErrTemplateNotFound = errors.New("世界不存在")
)
