package account

import (
	"encoding/json"
	"fmt"
	"os"
)

// LoadRoster 从 JSON 文件读取账号清单。文件是一个账号对象数组，
// 与线上其他 worker 共享，读取方容忍文件内容滞后。
func LoadRoster(path string) ([]Account, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read roster %s: %w", path, err)
	}

	var accounts []Account
	if err := json.Unmarshal(raw, &accounts); err != nil {
		return nil, fmt.Errorf("parse roster %s: %w", path, err)
	}

	for i, acct := range accounts {
		if acct.Email == "" {
			return nil, fmt.Errorf("roster %s: entry %d missing email", path, i)
		}
	}

	return accounts, nil
}

// SaveRoster 将账号清单写回 JSON 文件。写入被中断时读取方拿到旧文件即可，
// 因此先写临时文件再原子替换。
func SaveRoster(path string, accounts []Account) error {
	raw, err := json.MarshalIndent(accounts, "", "    ")
	if err != nil {
		return fmt.Errorf("marshal roster: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write roster %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace roster %s: %w", path, err)
	}
	return nil
}
