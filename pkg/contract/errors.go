package contract

import "fmt"

// MissingCredential 构造“缺少凭据”的前置条件错误。
func MissingCredential(provider, env string) error {
	if env == "" {
		return fmt.Errorf("%s: %w: missing api key", provider, ErrPrecondition)
	}
	return fmt.Errorf("%s: %w: %s environment variable not set", provider, ErrPrecondition, env)
}

// EmptyPrompt 构造“空 prompt”的前置条件错误。
func EmptyPrompt() error {
	return fmt.Errorf("%w: no prompt provided", ErrPrecondition)
}
