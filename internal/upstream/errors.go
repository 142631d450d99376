package upstream

import (
	"errors"
	"fmt"
)

// Class 上游交换失败的封闭分类。调度层按分类决定隔离、重试还是上抛，
// 不再做字符串匹配。
type Class int

const (
	// ClassFatal 无法识别或明确不可重试的失败，立即上抛。
	ClassFatal Class = iota
	// ClassUnauthorized 凭证被上游拒绝，token 过期或被注销。
	ClassUnauthorized
	// ClassRateLimited 上游限流。
	ClassRateLimited
	// ClassTransient 网络抖动或流中断，短暂退避后可重试。
	ClassTransient
	// ClassAntiBot 反爬拦截，缓存的挑战凭证已失效。
	ClassAntiBot
)

// String 返回分类名，用于日志。
func (c Class) String() string {
	switch c {
	case ClassUnauthorized:
		return "unauthorized"
	case ClassRateLimited:
		return "rate_limited"
	case ClassTransient:
		return "transient"
	case ClassAntiBot:
		return "anti_bot"
	default:
		return "fatal"
	}
}

// Error 携带分类的上游错误。
type Error struct {
	Class Class
	Msg   string
	Err   error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream %s: %s: %v", e.Class, e.Msg, e.Err)
	}
	return fmt.Sprintf("upstream %s: %s", e.Class, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError 构造指定分类的上游错误。
func NewError(class Class, msg string, err error) *Error {
	return &Error{Class: class, Msg: msg, Err: err}
}

// Classify 提取错误的分类，非 *Error 视为 Fatal。
func Classify(err error) Class {
	var ue *Error
	if errors.As(err, &ue) {
		return ue.Class
	}
	return ClassFatal
}

// ClassifyStatus 按 HTTP 状态码分类。
func ClassifyStatus(status int) Class {
	switch {
	case status == 401:
		return ClassUnauthorized
	case status == 403:
		return ClassAntiBot
	case status == 429:
		return ClassRateLimited
	case status >= 500:
		return ClassTransient
	default:
		return ClassFatal
	}
}
