package clock

import "time"

// Clock 时间来源，便于测试中控制跨月等场景
type Clock interface {
	Now() time.Time
}

type realClock struct{}

// New 返回系统时钟，统一使用 UTC
func New() Clock {
	return realClock{}
}

func (realClock) Now() time.Time {
	return time.Now().UTC()
}
