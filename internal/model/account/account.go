package account

// Account 上游池中的一个可登录账号。roster 文件加载后终生存在，
// 只会被标记为不可用，不会被删除。
type Account struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	AccessToken string `json:"access_token,omitempty"`
	Expiry      int64  `json:"expiry,omitempty"`
	Proxy       string `json:"proxy,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
}

// Credential 一次交换所需的最小凭证信息。
type Credential struct {
	Token  string
	Expiry int64
	Proxy  string
}

// Credential 返回账号当前缓存的凭证视图。
func (a Account) Credential() Credential {
	return Credential{
		Token:  a.AccessToken,
		Expiry: a.Expiry,
		Proxy:  a.Proxy,
	}
}
