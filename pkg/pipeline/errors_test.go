package pipeline

import (
	"errors"
	"fmt"
	"testing"

	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
)

func apiError(code string) error {
	return &smithy.GenericAPIError{Code: code, Message: "test"}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ClassOther},
		{"expired token", apiError("ExpiredToken"), ClassCredentialExpired},
		{"expired token exception", apiError("ExpiredTokenException"), ClassCredentialExpired},
		{"wrapped expired token", fmt.Errorf("copy: %w", apiError("ExpiredTokenException")), ClassCredentialExpired},
		{"expired message only", errors.New("The security token included in the request is expired"), ClassCredentialExpired},
		{"user not found", apiError("UserNotFoundException"), ClassNotYetVisible},
		{"table not found", apiError("ResourceNotFoundException"), ClassNotFound},
		{"no such bucket", apiError("NoSuchBucket"), ClassNotFound},
		{"head not found", apiError("NotFound"), ClassNotFound},
		{"already owned", apiError("BucketAlreadyOwnedByYou"), ClassAlreadyOwned},
		{"access denied", apiError("AccessDenied"), ClassAccessDenied},
		{"forbidden", apiError("Forbidden"), ClassAccessDenied},
		{"request expired", apiError("RequestExpired"), ClassCredentialExpired},
		{"in use", apiError("ResourceInUseException"), ClassInUse},
		{"unknown code", apiError("ThrottlingException"), ClassOther},
		{"plain error", errors.New("connection reset"), ClassOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestErrorKinds(t *testing.T) {
	cause := apiError("InternalError")
	err := fmt.Errorf("outer: %w", NewError(ErrorKindSnapshot, "tables/prod-orders", "create snapshot", cause))

	assert.Equal(t, ErrorKindSnapshot, KindOf(err))
	assert.True(t, IsKind(err, ErrorKindSnapshot))
	assert.False(t, IsKind(err, ErrorKindTransfer))
	assert.True(t, errors.Is(err, &Error{Kind: ErrorKindSnapshot}))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "[snapshot_failure] tables/prod-orders: create snapshot")

	assert.Equal(t, ErrorKindTransfer, KindOf(errors.New("untyped")))
}

func TestErrorKindFatal(t *testing.T) {
	assert.True(t, ErrorKindAuthorization.Fatal())
	assert.True(t, ErrorKindDiscovery.Fatal())
	assert.False(t, ErrorKindSnapshot.Fatal())
	assert.False(t, ErrorKindTransfer.Fatal())
	assert.False(t, ErrorKindConsistency.Fatal())
	assert.False(t, ErrorKindTimeout.Fatal())
}

func TestIsFatal(t *testing.T) {
	auth := NewError(ErrorKindAuthorization, "target", "assume role", errors.New("AccessDenied"))

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"untyped", errors.New("boom"), false},
		{"transfer", NewError(ErrorKindTransfer, "tables/x", "restore", errors.New("boom")), false},
		{"authorization", auth, true},
		{"wrapped authorization", NewError(ErrorKindTransfer, "tables/x", "restore", auth), true},
		{"fmt wrapped discovery", fmt.Errorf("list: %w", NewError(ErrorKindDiscovery, "tables", "list", nil)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestCauseMessage(t *testing.T) {
	assert.Equal(t, "restore: boom", causeMessage(NewError(ErrorKindTransfer, "tables/x", "restore", errors.New("boom"))))
	assert.Equal(t, "boom", causeMessage(NewError(ErrorKindTransfer, "tables/x", "", errors.New("boom"))))
	assert.Equal(t, "plain", causeMessage(errors.New("plain")))
}
