package masking

import (
	"strings"

	accountdomain "github.com/smallbiznis/alertbilling/internal/account/domain"
)

// MaskMetadata returns a copy of input with account numbers masked. A key is
// treated as an account number when its name contains "account".
func MaskMetadata(input map[string]any) map[string]any {
	if len(input) == 0 {
		return map[string]any{}
	}

	masked := make(map[string]any, len(input))
	for key, value := range input {
		trimmedKey := strings.TrimSpace(key)
		if trimmedKey == "" {
			continue
		}
		masked[trimmedKey] = maskValue(isAccountKey(trimmedKey), value)
	}
	return masked
}

func isAccountKey(key string) bool {
	return strings.Contains(strings.ToLower(key), "account")
}

func maskValue(account bool, value any) any {
	switch cast := value.(type) {
	case string:
		if account && cast != "" {
			return accountdomain.MaskAccountNumber(cast)
		}
		return cast
	case []string:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(account, item))
		}
		return out
	case map[string]any:
		return MaskMetadata(cast)
	case []any:
		out := make([]any, 0, len(cast))
		for _, item := range cast {
			out = append(out, maskValue(account, item))
		}
		return out
	default:
		return value
	}
}
