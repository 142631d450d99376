package upstream

// ClientKind 上游客户端的封闭枚举。请求里的模型名映射到这里，
// 未识别的名字落到默认实现，不做开放式的字符串分发。
type ClientKind int

const (
	// KindRelay 账号池承载的浏览器会话中继客户端（默认）。
	KindRelay ClientKind = iota
	// KindCompletion 走 API key 的补全接口客户端。
	KindCompletion
)

// String 返回枚举名。
func (k ClientKind) String() string {
	if k == KindCompletion {
		return "completion"
	}
	return "relay"
}

var kindByModel = map[string]ClientKind{
	"text-davinci-002-render": KindRelay,
	"text-davinci-003":        KindCompletion,
}

// ParseClientKind 把模型名映射成客户端类型，未识别时返回 KindRelay。
func ParseClientKind(model string) ClientKind {
	if kind, ok := kindByModel[model]; ok {
		return kind
	}
	return KindRelay
}
