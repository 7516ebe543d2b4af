package auth

import "errors"

var (
	// ErrInvalidInput is returned for an empty username or password.
	ErrInvalidInput = errors.New("username and password are required")

	// ErrAuthFailed means the identity provider rejected the credentials.
	ErrAuthFailed = errors.New("login failed")

	// ErrStaleCredential means the cached password still matched but the identity provider
	// rejected it, which usually means the password was changed elsewhere.
	ErrStaleCredential error = staleCredentialError{}
)

type staleCredentialError struct{}

func (staleCredentialError) Error() string {
	return "login failed, has the password been changed?"
}

func (staleCredentialError) Is(target error) bool {
	return target == ErrAuthFailed
}
